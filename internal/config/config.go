package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration. Values come from
// defaults, then an optional YAML file, then environment overrides.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// PipelineConfig holds batch pipeline settings
type PipelineConfig struct {
	SourcePath  string      `yaml:"source_path"`
	ExportPath  string      `yaml:"export_path"`
	Concurrency int         `yaml:"concurrency"`
	Retry       RetryConfig `yaml:"retry"`
}

// RetryConfig holds the per-stage retry policy
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "postgres",
			Database:        "earthquake_dw",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 1 * time.Minute,
		},
		Pipeline: PipelineConfig{
			SourcePath:  "./data/raw/Sismos.csv",
			ExportPath:  "./data/analytics/earthquakes_analytics.parquet",
			Concurrency: 2,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   2 * time.Second,
				Multiplier:  2.0,
				MaxDelay:    30 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional file
// named by CONFIG_FILE, and environment overrides.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(os.Getenv("CONFIG_FILE"))
}

// LoadConfigFile builds the configuration from defaults, the given YAML
// file (if non-empty), and environment overrides.
func LoadConfigFile(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies DB_* / SERVER_* / PIPELINE_* / LOG_* variables.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Database, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSLMODE")
	setInt(&cfg.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS")
	setInt(&cfg.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS")

	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")

	setString(&cfg.Pipeline.SourcePath, "PIPELINE_SOURCE_PATH")
	setString(&cfg.Pipeline.ExportPath, "PIPELINE_EXPORT_PATH")
	setInt(&cfg.Pipeline.Concurrency, "PIPELINE_CONCURRENCY")
	setInt(&cfg.Pipeline.Retry.MaxAttempts, "PIPELINE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Pipeline.Retry.BaseDelay, "PIPELINE_RETRY_BASE_DELAY")
	setFloat(&cfg.Pipeline.Retry.Multiplier, "PIPELINE_RETRY_MULTIPLIER")
	setDuration(&cfg.Pipeline.Retry.MaxDelay, "PIPELINE_RETRY_MAX_DELAY")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535, got %d", c.Database.Port)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Pipeline.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1, got %d", c.Pipeline.Retry.MaxAttempts)
	}
	if c.Pipeline.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %f", c.Pipeline.Retry.Multiplier)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline concurrency must be at least 1, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.ExportPath == "" {
		return fmt.Errorf("pipeline export path is required")
	}
	return nil
}
