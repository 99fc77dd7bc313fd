// Package config provides YAML-based configuration loading for Conveyor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Conveyor configuration, loaded from conveyor.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	Model     ModelConfig     `yaml:"model"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Extract   ExtractConfig   `yaml:"extract"`
	Repair    RepairConfig    `yaml:"repair"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retention RetentionConfig `yaml:"retention"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Notify    NotifyConfig    `yaml:"notify"`
	Inbox     InboxConfig     `yaml:"inbox"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// DatabaseConfig selects the job metadata store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file, ":memory:" allowed
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// StoreConfig selects the object store holding inputs, chunks and artifacts.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // fs, memory or minio
	Root      string `yaml:"root"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	// Prefix scopes every key, e.g. a tenant directory in a shared bucket.
	Prefix string `yaml:"prefix"`
}

// ModelConfig describes the text-generation endpoint.
type ModelConfig struct {
	Backend     string        `yaml:"backend"` // openai or command
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	Format      string        `yaml:"format"` // command output: text or stream-json
	Timeout     time.Duration `yaml:"timeout"`
	MaxTimeout  time.Duration `yaml:"max_timeout"`
	Adaptive    bool          `yaml:"adaptive_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// ChunkingConfig holds the chunk planner inputs.
type ChunkingConfig struct {
	MaxChunkChars int `yaml:"max_chunk_chars"`
	OverlapChars  int `yaml:"overlap_chars"`
}

// ExtractConfig tunes marker detection in model output.
type ExtractConfig struct {
	SectionPatterns    []string `yaml:"section_patterns"`
	FileOpenPatterns   []string `yaml:"file_open_patterns"`
	FileClosePatterns  []string `yaml:"file_close_patterns"`
	CaptureSectionText bool     `yaml:"capture_section_text"`
}

// RepairConfig controls the validation-repair stage.
type RepairConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MaxAttempts   int      `yaml:"max_attempts"`
	TargetKind    string   `yaml:"target_kind"`
	TargetPattern string   `yaml:"target_pattern"`
	Validators    []string `yaml:"validators"` // yaml, json, jsonschema, command
	SchemaPath    string   `yaml:"schema_path"`
	Command       string   `yaml:"command"`
	Args          []string `yaml:"args"`
}

// PipelineConfig holds orchestration settings.
type PipelineConfig struct {
	Workers               int           `yaml:"workers"`  // chunk extractions per job
	MaxJobs               int           `yaml:"max_jobs"` // jobs run at once by the daemon
	JobDeadline           time.Duration `yaml:"job_deadline"`
	AcceptPartial         *bool         `yaml:"accept_partial"`
	RetryReducedOnTimeout *bool         `yaml:"retry_reduced_on_timeout"`
	Language              string        `yaml:"language"`
	PollInterval          time.Duration `yaml:"poll_interval"`
}

// RetentionConfig sets how long job records live.
type RetentionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	PurgeSchedule string        `yaml:"purge_schedule"`
}

// DashboardConfig configures the read-only status API.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// NotifyConfig lists terminal-job notification targets.
type NotifyConfig struct {
	Slack   ChatTarget `yaml:"slack"`
	Discord ChatTarget `yaml:"discord"`
}

// ChatTarget is one chat platform destination.
type ChatTarget struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// Enabled reports whether the target has enough settings to post.
func (t ChatTarget) Enabled() bool {
	return t.BotToken != "" && t.Channel != ""
}

// InboxConfig configures the drop directory watched by the daemon.
type InboxConfig struct {
	Dir        string        `yaml:"dir"`
	Extensions []string      `yaml:"extensions"`
	Debounce   time.Duration `yaml:"debounce"`
	// Batch combines files arriving within the window into one job.
	Batch time.Duration `yaml:"batch"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"` // none, stdout, otlphttp
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

// Environment variables that override secrets from the file.
const (
	EnvModelAPIKey    = "CONVEYOR_MODEL_API_KEY"
	EnvStoreSecretKey = "CONVEYOR_STORE_SECRET_KEY"
	EnvDBPassword     = "CONVEYOR_DB_PASSWORD"
)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AcceptPartial reports whether partial aggregates may complete a job.
func (c *Config) AcceptPartial() bool {
	return c.Pipeline.AcceptPartial == nil || *c.Pipeline.AcceptPartial
}

// RetryReducedOnTimeout reports whether timed-out chunks are retried in halves.
func (c *Config) RetryReducedOnTimeout() bool {
	return c.Pipeline.RetryReducedOnTimeout == nil || *c.Pipeline.RetryReducedOnTimeout
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvModelAPIKey); v != "" {
		c.Model.APIKey = v
	}
	if v := getenv(EnvStoreSecretKey); v != "" {
		c.Store.SecretKey = v
	}
	if v := getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "conveyor.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "conveyor"
		}
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "fs"
	}
	if c.Store.Backend == "fs" && c.Store.Root == "" {
		c.Store.Root = "conveyor-data"
	}

	if c.Model.Backend == "" {
		c.Model.Backend = "openai"
	}
	if c.Model.Backend == "openai" {
		if c.Model.BaseURL == "" {
			c.Model.BaseURL = "https://api.openai.com/v1"
		}
		if c.Model.Model == "" {
			c.Model.Model = "gpt-4o-mini"
		}
	}
	if c.Model.Format == "" {
		c.Model.Format = "text"
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = 120 * time.Second
	}
	if c.Model.MaxTimeout == 0 {
		c.Model.MaxTimeout = 600 * time.Second
	}
	if c.Model.MaxRetries == 0 {
		c.Model.MaxRetries = 5
	}

	if c.Chunking.MaxChunkChars == 0 {
		c.Chunking.MaxChunkChars = 100000
	}
	if c.Chunking.OverlapChars == 0 {
		c.Chunking.OverlapChars = c.Chunking.MaxChunkChars / 20
	}

	if c.Repair.MaxAttempts == 0 {
		c.Repair.MaxAttempts = 5
	}
	if c.Repair.Enabled && len(c.Repair.Validators) == 0 {
		c.Repair.Validators = []string{"yaml"}
	}

	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.MaxJobs == 0 {
		c.Pipeline.MaxJobs = 2
	}
	if c.Pipeline.JobDeadline == 0 {
		c.Pipeline.JobDeadline = 30 * time.Minute
	}
	if c.Pipeline.Language == "" {
		c.Pipeline.Language = "en"
	}
	if c.Pipeline.PollInterval == 0 {
		c.Pipeline.PollInterval = 5 * time.Second
	}

	if c.Retention.TTL == 0 {
		c.Retention.TTL = 30 * 24 * time.Hour
	}
	if c.Retention.PurgeSchedule == "" {
		c.Retention.PurgeSchedule = "0 3 * * *"
	}

	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}

	if c.Inbox.Dir != "" && len(c.Inbox.Extensions) == 0 {
		c.Inbox.Extensions = []string{"txt", "md", "cbl", "cob", "jcl"}
	}
	if c.Inbox.Debounce == 0 {
		c.Inbox.Debounce = 500 * time.Millisecond
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}

	switch c.Store.Backend {
	case "fs", "memory":
	case "minio":
		if c.Store.Endpoint == "" {
			errs = append(errs, "store.endpoint is required for minio")
		}
		if c.Store.Bucket == "" {
			errs = append(errs, "store.bucket is required for minio")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q must be fs, memory or minio", c.Store.Backend))
	}

	switch c.Model.Backend {
	case "openai":
	case "command":
		if c.Model.Command == "" {
			errs = append(errs, "model.command is required for the command backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("model.backend %q must be openai or command", c.Model.Backend))
	}
	if c.Model.Format != "text" && c.Model.Format != "stream-json" {
		errs = append(errs, fmt.Sprintf("model.format %q must be text or stream-json", c.Model.Format))
	}
	if c.Model.MaxTimeout < c.Model.Timeout {
		errs = append(errs, "model.max_timeout must not be below model.timeout")
	}

	if c.Chunking.MaxChunkChars < 0 {
		errs = append(errs, "chunking.max_chunk_chars must be positive")
	}
	if c.Chunking.OverlapChars < 0 {
		errs = append(errs, "chunking.overlap_chars must not be negative")
	}
	if c.Chunking.OverlapChars >= c.Chunking.MaxChunkChars {
		errs = append(errs, "chunking.overlap_chars must be smaller than chunking.max_chunk_chars")
	}

	if c.Repair.MaxAttempts < 0 {
		errs = append(errs, "repair.max_attempts must not be negative")
	}
	for i, v := range c.Repair.Validators {
		switch v {
		case "yaml", "json":
		case "jsonschema":
			if c.Repair.SchemaPath == "" {
				errs = append(errs, fmt.Sprintf("repair.validators[%d]: jsonschema requires repair.schema_path", i))
			}
		case "command":
			if c.Repair.Command == "" {
				errs = append(errs, fmt.Sprintf("repair.validators[%d]: command requires repair.command", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("repair.validators[%d] %q is unknown", i, v))
		}
	}

	if c.Pipeline.Workers < 0 {
		errs = append(errs, "pipeline.workers must be positive")
	}

	if _, err := cron.ParseStandard(c.Retention.PurgeSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("retention.purge_schedule %q: %v", c.Retention.PurgeSchedule, err))
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlphttp":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter %q must be none, stdout or otlphttp", c.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
