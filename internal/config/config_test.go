package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFile_Defaults(t *testing.T) {
	cfg, err := LoadConfigFile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Database != "earthquake_dw" {
		t.Errorf("Database.Database = %q, want earthquake_dw", cfg.Database.Database)
	}
	if cfg.Pipeline.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Pipeline.Retry.MaxAttempts)
	}
	if cfg.Pipeline.Retry.BaseDelay != 2*time.Second {
		t.Errorf("Retry.BaseDelay = %v, want 2s", cfg.Pipeline.Retry.BaseDelay)
	}
	if cfg.Pipeline.Retry.MaxDelay != 30*time.Second {
		t.Errorf("Retry.MaxDelay = %v, want 30s", cfg.Pipeline.Retry.MaxDelay)
	}
}

func TestLoadConfigFile_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
database:
  database: quakes_test
pipeline:
  concurrency: 4
  retry:
    max_attempts: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Database != "quakes_test" {
		t.Errorf("Database.Database = %q, want quakes_test", cfg.Database.Database)
	}
	if cfg.Pipeline.Concurrency != 4 {
		t.Errorf("Pipeline.Concurrency = %d, want 4", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Pipeline.Retry.MaxAttempts)
	}

	// Untouched values keep their defaults.
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want localhost", cfg.Database.Host)
	}
}

func TestLoadConfigFile_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  host: from-yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DB_HOST", "from-env")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("PIPELINE_RETRY_MAX_ATTEMPTS", "9")
	t.Setenv("PIPELINE_RETRY_BASE_DELAY", "500ms")
	t.Setenv("PIPELINE_RETRY_MULTIPLIER", "3.5")
	t.Setenv("PIPELINE_RETRY_MAX_DELAY", "1m")

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Host != "from-env" {
		t.Errorf("Database.Host = %q, want from-env", cfg.Database.Host)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Pipeline.Retry.MaxAttempts != 9 {
		t.Errorf("Retry.MaxAttempts = %d, want 9", cfg.Pipeline.Retry.MaxAttempts)
	}
	if cfg.Pipeline.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want 500ms", cfg.Pipeline.Retry.BaseDelay)
	}
	if cfg.Pipeline.Retry.Multiplier != 3.5 {
		t.Errorf("Retry.Multiplier = %v, want 3.5", cfg.Pipeline.Retry.Multiplier)
	}
	if cfg.Pipeline.Retry.MaxDelay != time.Minute {
		t.Errorf("Retry.MaxDelay = %v, want 1m", cfg.Pipeline.Retry.MaxDelay)
	}
}

func TestLoadConfigFile_MissingFile(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero database port", func(c *Config) { c.Database.Port = 0 }, true},
		{"empty database name", func(c *Config) { c.Database.Database = "" }, true},
		{"out of range server port", func(c *Config) { c.Server.Port = 70000 }, true},
		{"zero retry attempts", func(c *Config) { c.Pipeline.Retry.MaxAttempts = 0 }, true},
		{"sub-unit multiplier", func(c *Config) { c.Pipeline.Retry.Multiplier = 0.5 }, true},
		{"zero concurrency", func(c *Config) { c.Pipeline.Concurrency = 0 }, true},
		{"empty export path", func(c *Config) { c.Pipeline.ExportPath = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
