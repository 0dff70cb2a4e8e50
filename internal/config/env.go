package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotenv reads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotenv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto c. lookup is usually
// os.LookupEnv; tests pass a map-backed function.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		host := "0.0.0.0"
		if i := strings.LastIndex(c.Listen, ":"); i > 0 {
			host = c.Listen[:i]
		}
		c.Listen = host + ":" + v
	}
	str("TIMEZONE", &c.Timezone)
	str("LOG_LEVEL", &c.LogLevel)
	boolean("LOG_JSON", &c.LogJSON)

	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.DSN = v
		if c.Database.Driver == "memory" {
			c.Database.Driver = "postgres"
		}
	}
	str("DATABASE_DRIVER", &c.Database.Driver)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	if v, ok := lookup("REDIS_DB"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}

	if v, ok := lookup("MINIO_ENDPOINT"); ok && v != "" {
		c.Storage.Endpoint = v
		if c.Storage.Driver == "memory" {
			c.Storage.Driver = "minio"
		}
	}
	str("MINIO_ACCESS_KEY", &c.Storage.AccessKey)
	str("MINIO_SECRET_KEY", &c.Storage.SecretKey)
	str("MINIO_BUCKET", &c.Storage.Bucket)
	str("MINIO_REGION", &c.Storage.Region)
	boolean("MINIO_USE_SSL", &c.Storage.UseSSL)

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Queue.Brokers = splitList(v)
		c.Queue.Enabled = true
	}
	str("KAFKA_TOPIC", &c.Queue.Topic)

	str("PARSER_URL", &c.Parser.URL)
	if v, ok := lookup("PARSER_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Parser.Timeout = d
		}
	}
	str("GOOGLE_API_BASE", &c.Google.APIBase)

	c.Normalize()
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
