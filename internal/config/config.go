package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"upschedule/internal/model"
)

// SemesterDates is one configured academic term. Dates use YYYY-MM-DD.
type SemesterDates struct {
	Name  string `yaml:"name" json:"name"`
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// SemestersConfig holds the two term windows. Either may be absent, in which
// case semester resolution is unavailable and callers must pass bounds.
type SemestersConfig struct {
	First  *SemesterDates `yaml:"first,omitempty" json:"first,omitempty"`
	Second *SemesterDates `yaml:"second,omitempty" json:"second,omitempty"`
}

// UploadConfig bounds what an upload may be.
type UploadConfig struct {
	MaxBytes          int64 `yaml:"max_bytes" json:"max_bytes"`
	DefaultQuotaBytes int64 `yaml:"default_quota_bytes" json:"default_quota_bytes"`
}

// ParserConfig points at the external PDF parsing service.
type ParserConfig struct {
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DatabaseConfig selects the job/quota repository backend:
// "postgres", "sqlite" or "memory".
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

// RedisConfig enables the job read cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
}

// StorageConfig selects the blob store backend: "minio" or "memory".
type StorageConfig struct {
	Driver    string `yaml:"driver" json:"driver"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
	Region    string `yaml:"region" json:"region"`
}

// QueueConfig switches uploads to the asynchronous kafka-backed mode.
type QueueConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	GroupID string   `yaml:"group_id" json:"group_id"`
	Workers int      `yaml:"workers" json:"workers"`
}

// GoogleConfig configures the Calendar REST adapter.
type GoogleConfig struct {
	APIBase string `yaml:"api_base" json:"api_base"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone timetable times are expressed in.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogJSON  bool   `yaml:"log_json" json:"log_json"`

	Semesters SemestersConfig `yaml:"semesters" json:"semesters"`
	Upload    UploadConfig    `yaml:"upload" json:"upload"`

	// Retention is how long a terminal job is kept before the sweeper
	// deletes it.
	Retention time.Duration `yaml:"retention" json:"retention"`

	// StaleAfter is how long a pending or processing job may go without an
	// update before the sweep fails it. It is never below the parser timeout
	// plus a margin.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`

	// SweepCron is the cron spec for the retention sweep.
	SweepCron string `yaml:"sweep_cron" json:"sweep_cron"`

	Parser   ParserConfig   `yaml:"parser" json:"parser"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Google   GoogleConfig   `yaml:"google" json:"google"`

	// ModuleColors maps a module code prefix (e.g. "COS") to a Google
	// Calendar color name. The "Default" key applies to everything else.
	ModuleColors map[string]string `yaml:"module_colors" json:"module_colors"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen       = "127.0.0.1:3001"
	defaultTimezone     = "Africa/Johannesburg"
	defaultMaxUpload    = 10 * 1024 * 1024
	defaultRetention    = 24 * time.Hour
	defaultSweepCron    = "@hourly"
	defaultParserURL    = "http://localhost:5000"
	defaultParseTimeout = 60 * time.Second
	staleMargin         = 10 * time.Minute
	defaultBucket       = "pdf-uploads"
	defaultTopic        = "pdf-processing"
	defaultGroupID      = "upschedule-workers"
	defaultGoogleAPI    = "https://www.googleapis.com/calendar/v3"
)

func defaultModuleColors() map[string]string {
	return map[string]string{
		"COS":     "Blueberry",
		"STK":     "Sage",
		"WTW":     "Grape",
		"Default": "Graphite",
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   defaultListen,
		Timezone: defaultTimezone,
		LogLevel: "info",
		Semesters: SemestersConfig{
			First:  &SemesterDates{Name: "S1", Start: "2025-02-10", End: "2025-06-06"},
			Second: &SemesterDates{Name: "S2", Start: "2025-07-21", End: "2025-10-31"},
		},
		Upload: UploadConfig{
			MaxBytes:          defaultMaxUpload,
			DefaultQuotaBytes: model.DefaultQuotaBytes,
		},
		Retention:  defaultRetention,
		StaleAfter: defaultParseTimeout + staleMargin,
		SweepCron:  defaultSweepCron,
		Parser:     ParserConfig{URL: defaultParserURL, Timeout: defaultParseTimeout},
		Database:   DatabaseConfig{Driver: "memory"},
		Storage:    StorageConfig{Driver: "memory", Bucket: defaultBucket, Region: "us-east-1"},
		Queue: QueueConfig{
			Topic:   defaultTopic,
			GroupID: defaultGroupID,
			Workers: 1,
		},
		Google:       GoogleConfig{APIBase: defaultGoogleAPI},
		ModuleColors: defaultModuleColors(),
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Upload.MaxBytes <= 0 {
		c.Upload.MaxBytes = defaultMaxUpload
	}
	if c.Upload.DefaultQuotaBytes <= 0 {
		c.Upload.DefaultQuotaBytes = model.DefaultQuotaBytes
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.SweepCron == "" {
		c.SweepCron = defaultSweepCron
	}
	if c.Parser.URL == "" {
		c.Parser.URL = defaultParserURL
	}
	if c.Parser.Timeout <= 0 {
		c.Parser.Timeout = defaultParseTimeout
	}
	if floor := c.Parser.Timeout + staleMargin; c.StaleAfter < floor {
		c.StaleAfter = floor
	}
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		c.Database.Driver = "memory"
	}
	switch c.Storage.Driver {
	case "minio", "memory":
	default:
		c.Storage.Driver = "memory"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = defaultBucket
	}
	if c.Queue.Topic == "" {
		c.Queue.Topic = defaultTopic
	}
	if c.Queue.GroupID == "" {
		c.Queue.GroupID = defaultGroupID
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Google.APIBase == "" {
		c.Google.APIBase = defaultGoogleAPI
	}
	if c.ModuleColors == nil {
		c.ModuleColors = defaultModuleColors()
	}
}

// Location loads the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SemesterWindows converts the configured terms. A nil window means that term
// is not configured.
func (c *Config) SemesterWindows() (first, second *model.SemesterWindow, err error) {
	first, err = c.Semesters.First.window("S1")
	if err != nil {
		return nil, nil, fmt.Errorf("semesters.first: %w", err)
	}
	second, err = c.Semesters.Second.window("S2")
	if err != nil {
		return nil, nil, fmt.Errorf("semesters.second: %w", err)
	}
	return first, second, nil
}

func (d *SemesterDates) window(defaultName string) (*model.SemesterWindow, error) {
	if d == nil || d.Start == "" || d.End == "" {
		return nil, nil
	}
	start, err := time.Parse(time.DateOnly, d.Start)
	if err != nil {
		return nil, err
	}
	end, err := time.Parse(time.DateOnly, d.End)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s before start %s", d.End, d.Start)
	}
	name := d.Name
	if name == "" {
		name = defaultName
	}
	return &model.SemesterWindow{Name: name, Start: start, End: end}, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// Environment overrides are applied afterwards by the caller (see ApplyEnv).
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically via a temp file + rename and
// leaves the final file with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".upschedule-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
