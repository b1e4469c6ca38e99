package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the weather processor.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Processing ProcessingConfig `yaml:"processing"`
	Ops        OpsConfig        `yaml:"ops"`
}

// DatabaseConfig holds PostgreSQL connection and pool settings.
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

// LoggingConfig configures the application logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ProcessingConfig holds the aggregation and scheduling parameters of the
// engine. ExpectedObservationsPerDay and CompletenessThreshold are deployment
// properties of the sensor fleet and are deliberately not derivable from code.
type ProcessingConfig struct {
	ExpectedObservationsPerDay int     `yaml:"expected_observations_per_day"`
	CompletenessThreshold      float64 `yaml:"completeness_threshold"`
	MaxWorkers                 int     `yaml:"max_workers"`
	QueueBatchSize             int     `yaml:"queue_batch_size"`
	MaxDrainPasses             int     `yaml:"max_drain_passes"`
}

// OpsConfig configures the operational HTTP listener (/metrics, /healthz).
// An empty address disables the listener.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration defaults applied before any file or
// environment override.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "weather",
			Database:        "weather",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Processing: ProcessingConfig{
			ExpectedObservationsPerDay: 24,
			CompletenessThreshold:      0.9,
			MaxWorkers:                 4,
			QueueBatchSize:             50,
			MaxDrainPasses:             5,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// (WEATHER_CONFIG_FILE, falling back to ./config.yaml when present), an
// optional .env file, and finally environment variable overrides.
func LoadConfig() (*Config, error) {
	// Missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	cfg := Default()

	path := os.Getenv("WEATHER_CONFIG_FILE")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	setString(&c.Database.Host, "DB_HOST")
	if err := setInt(&c.Database.Port, "DB_PORT"); err != nil {
		return err
	}
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Database, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")
	if err := setInt(&c.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS"); err != nil {
		return err
	}
	if err := setInt(&c.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS"); err != nil {
		return err
	}

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Ops.ListenAddr, "OPS_LISTEN_ADDR")

	if err := setInt(&c.Processing.ExpectedObservationsPerDay, "PROCESSING_EXPECTED_OBSERVATIONS_PER_DAY"); err != nil {
		return err
	}
	if err := setFloat(&c.Processing.CompletenessThreshold, "PROCESSING_COMPLETENESS_THRESHOLD"); err != nil {
		return err
	}
	if err := setInt(&c.Processing.MaxWorkers, "PROCESSING_MAX_WORKERS"); err != nil {
		return err
	}
	if err := setInt(&c.Processing.QueueBatchSize, "PROCESSING_QUEUE_BATCH_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.Processing.MaxDrainPasses, "PROCESSING_MAX_DRAIN_PASSES"); err != nil {
		return err
	}

	return nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database port %d is out of range", c.Database.Port)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Processing.ExpectedObservationsPerDay <= 0 {
		return fmt.Errorf("expected_observations_per_day must be positive, got %d", c.Processing.ExpectedObservationsPerDay)
	}
	if c.Processing.CompletenessThreshold < 0 || c.Processing.CompletenessThreshold > 1 {
		return fmt.Errorf("completeness_threshold must be in [0,1], got %f", c.Processing.CompletenessThreshold)
	}
	if c.Processing.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.Processing.MaxWorkers)
	}
	if c.Processing.QueueBatchSize <= 0 {
		return fmt.Errorf("queue_batch_size must be positive, got %d", c.Processing.QueueBatchSize)
	}
	if c.Processing.MaxDrainPasses <= 0 {
		return fmt.Errorf("max_drain_passes must be positive, got %d", c.Processing.MaxDrainPasses)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer for %s: %q", key, v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid float for %s: %q", key, v)
	}
	*dst = f
	return nil
}
