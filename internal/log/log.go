package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	logger     *logrus.Logger
	loggerOnce sync.Once
)

// initLogger initializes the global logger to write to stderr with timestamps.
func initLogger() {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
		})
	})
}

// Logger exposes the underlying logrus logger so that libraries which
// accept a Printf-style or io.Writer sink (cron, gin) share one output.
func Logger() *logrus.Logger {
	initLogger()
	return logger
}

func SetLevel(l Level) {
	initLogger()
	logger.SetLevel(toLogrus(l))
}

// ParseLevel maps a config/env string onto a Level; unknown values become INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetJSON switches to the JSON formatter used for container deployments.
func SetJSON(enabled bool) {
	initLogger()
	if enabled {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

func SetOutput(w io.Writer) {
	initLogger()
	logger.SetOutput(w)
}

func Debug(msg string, kv ...any) {
	logWithLevel(logrus.DebugLevel, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(logrus.InfoLevel, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(logrus.WarnLevel, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(logrus.ErrorLevel, msg, extended...)
}

func logWithLevel(level logrus.Level, msg string, kv ...any) {
	initLogger()
	if !logger.IsLevelEnabled(level) {
		return
	}
	logger.WithFields(fields(kv...)).Log(level, msg)
}

func toLogrus(l Level) logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fields expects kv as pairs: key, value, key, value, ...
// Non-string keys are skipped and a trailing odd value is ignored.
func fields(kv ...any) logrus.Fields {
	out := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[key] = safeValue(kv[i+1])
	}
	return out
}

func safeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}
