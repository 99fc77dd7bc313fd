package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: conveyor
  name: conveyor_prod

store:
  backend: minio
  endpoint: minio.internal:9000
  bucket: conveyor-artifacts
  access_key: AKIA
  secret_key: s3cr3t
  use_ssl: true

model:
  backend: openai
  base_url: http://llm.internal/v1
  model: analyzer-large
  temperature: 0.2
  timeout: 90s
  max_timeout: 5m
  adaptive_timeout: true

chunking:
  max_chunk_chars: 80000
  overlap_chars: 4000

repair:
  enabled: true
  max_attempts: 3
  target_kind: structured-config
  target_pattern: "*.yaml"
  validators: [yaml, command]
  command: cfn-lint

pipeline:
  workers: 8
  job_deadline: 45m
  accept_partial: false
  language: de

retention:
  ttl: 168h
  purge_schedule: "*/30 * * * *"

notify:
  slack:
    bot_token: xoxb-1
    channel: C123

inbox:
  dir: /var/spool/conveyor
`

const minimalYAML = `
store:
  backend: memory
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "mysql")
	}
	if cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database addr = %s:%d, want 10.0.0.5:3307", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.Name != "conveyor_prod" {
		t.Errorf("Database.Name = %q, want %q", cfg.Database.Name, "conveyor_prod")
	}
	if cfg.Store.Backend != "minio" || cfg.Store.Bucket != "conveyor-artifacts" || !cfg.Store.UseSSL {
		t.Errorf("Store = %+v, want minio bucket conveyor-artifacts with ssl", cfg.Store)
	}
	if cfg.Model.Model != "analyzer-large" {
		t.Errorf("Model.Model = %q, want %q", cfg.Model.Model, "analyzer-large")
	}
	if cfg.Model.Timeout != 90*time.Second {
		t.Errorf("Model.Timeout = %v, want 90s", cfg.Model.Timeout)
	}
	if cfg.Model.MaxTimeout != 5*time.Minute {
		t.Errorf("Model.MaxTimeout = %v, want 5m", cfg.Model.MaxTimeout)
	}
	if !cfg.Model.Adaptive {
		t.Error("Model.Adaptive = false, want true")
	}
	if cfg.Chunking.MaxChunkChars != 80000 || cfg.Chunking.OverlapChars != 4000 {
		t.Errorf("Chunking = %+v, want 80000/4000", cfg.Chunking)
	}
	if !cfg.Repair.Enabled || cfg.Repair.MaxAttempts != 3 {
		t.Errorf("Repair = %+v, want enabled with 3 attempts", cfg.Repair)
	}
	if len(cfg.Repair.Validators) != 2 || cfg.Repair.Validators[1] != "command" {
		t.Errorf("Repair.Validators = %v, want [yaml command]", cfg.Repair.Validators)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Pipeline.Workers = %d, want 8", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.JobDeadline != 45*time.Minute {
		t.Errorf("Pipeline.JobDeadline = %v, want 45m", cfg.Pipeline.JobDeadline)
	}
	if cfg.AcceptPartial() {
		t.Error("AcceptPartial() = true, want false")
	}
	if !cfg.RetryReducedOnTimeout() {
		t.Error("RetryReducedOnTimeout() = false, want true by default")
	}
	if cfg.Pipeline.Language != "de" {
		t.Errorf("Pipeline.Language = %q, want %q", cfg.Pipeline.Language, "de")
	}
	if cfg.Retention.TTL != 168*time.Hour {
		t.Errorf("Retention.TTL = %v, want 168h", cfg.Retention.TTL)
	}
	if !cfg.Notify.Slack.Enabled() {
		t.Error("Notify.Slack.Enabled() = false, want true")
	}
	if cfg.Notify.Discord.Enabled() {
		t.Error("Notify.Discord.Enabled() = true, want false")
	}
	if len(cfg.Inbox.Extensions) == 0 {
		t.Error("Inbox.Extensions should default when dir is set")
	}
}

func TestParse_MinimalConfig_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Database.Driver", cfg.Database.Driver, "sqlite"},
		{"Database.Path", cfg.Database.Path, "conveyor.db"},
		{"Model.Backend", cfg.Model.Backend, "openai"},
		{"Model.BaseURL", cfg.Model.BaseURL, "https://api.openai.com/v1"},
		{"Model.Format", cfg.Model.Format, "text"},
		{"Model.Timeout", cfg.Model.Timeout, 120 * time.Second},
		{"Model.MaxTimeout", cfg.Model.MaxTimeout, 600 * time.Second},
		{"Chunking.MaxChunkChars", cfg.Chunking.MaxChunkChars, 100000},
		{"Chunking.OverlapChars", cfg.Chunking.OverlapChars, 5000},
		{"Repair.MaxAttempts", cfg.Repair.MaxAttempts, 5},
		{"Pipeline.Workers", cfg.Pipeline.Workers, 4},
		{"Pipeline.MaxJobs", cfg.Pipeline.MaxJobs, 2},
		{"Pipeline.PollInterval", cfg.Pipeline.PollInterval, 5 * time.Second},
		{"Pipeline.JobDeadline", cfg.Pipeline.JobDeadline, 30 * time.Minute},
		{"Pipeline.Language", cfg.Pipeline.Language, "en"},
		{"Retention.TTL", cfg.Retention.TTL, 720 * time.Hour},
		{"Retention.PurgeSchedule", cfg.Retention.PurgeSchedule, "0 3 * * *"},
		{"Dashboard.Port", cfg.Dashboard.Port, 8080},
		{"Logging.Level", cfg.Logging.Level, "info"},
		{"Tracing.Exporter", cfg.Tracing.Exporter, "none"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if !cfg.AcceptPartial() {
		t.Error("AcceptPartial() = false, want true by default")
	}
}

func TestParse_RepairDefaultValidator(t *testing.T) {
	cfg, err := Parse([]byte("repair:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Repair.Validators) != 1 || cfg.Repair.Validators[0] != "yaml" {
		t.Errorf("Repair.Validators = %v, want [yaml]", cfg.Repair.Validators)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvModelAPIKey, "sk-from-env")
	t.Setenv(EnvStoreSecretKey, "store-from-env")
	t.Setenv(EnvDBPassword, "db-from-env")

	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.APIKey != "sk-from-env" {
		t.Errorf("Model.APIKey = %q, want %q", cfg.Model.APIKey, "sk-from-env")
	}
	if cfg.Store.SecretKey != "store-from-env" {
		t.Errorf("Store.SecretKey = %q, want %q", cfg.Store.SecretKey, "store-from-env")
	}
	if cfg.Database.Password != "db-from-env" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "db-from-env")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown driver",
			yaml:    "database:\n  driver: postgres\n",
			wantErr: "database.driver",
		},
		{
			name:    "unknown store backend",
			yaml:    "store:\n  backend: gcs\n",
			wantErr: "store.backend",
		},
		{
			name:    "minio without endpoint",
			yaml:    "store:\n  backend: minio\n  bucket: b\n",
			wantErr: "store.endpoint is required",
		},
		{
			name:    "command backend without command",
			yaml:    "model:\n  backend: command\n",
			wantErr: "model.command is required",
		},
		{
			name:    "overlap not below max",
			yaml:    "chunking:\n  max_chunk_chars: 1000\n  overlap_chars: 1000\n",
			wantErr: "overlap_chars must be smaller",
		},
		{
			name:    "jsonschema without schema",
			yaml:    "repair:\n  enabled: true\n  validators: [jsonschema]\n",
			wantErr: "requires repair.schema_path",
		},
		{
			name:    "unknown validator",
			yaml:    "repair:\n  validators: [xml]\n",
			wantErr: `"xml" is unknown`,
		},
		{
			name:    "bad purge schedule",
			yaml:    "retention:\n  purge_schedule: every day\n",
			wantErr: "retention.purge_schedule",
		},
		{
			name:    "bad tracing exporter",
			yaml:    "tracing:\n  exporter: zipkin\n",
			wantErr: "tracing.exporter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), "config: validation failed") {
				t.Errorf("error = %q, want validation prefix", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: x\nstore:\n  backend: y\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Errorf("error = %q, want errors joined with '; '", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("database: [unclosed"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want to contain %q", err, "config: parse")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err, "config: read")
	}
}
