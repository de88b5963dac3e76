package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied before the YAML file and the environment are read.
const (
	DefaultServerPort       = 8080
	DefaultExporterPort     = 8000
	DefaultIntervalMinutes  = 5
	DefaultExporterInterval = 30 * time.Second
	DefaultIntersections    = 20
	DefaultGeneratorHours   = 24
)

// Output formats understood by the pipeline sinks.
const (
	FormatParquet = "parquet"
	FormatCSV     = "csv"
)

// Config is the full application configuration shared by every binary.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Exporter  ExporterConfig  `yaml:"exporter"`
	Generator GeneratorConfig `yaml:"generator"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the dashboard API listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	// Enabled controls whether the pipeline persists its tables to Postgres.
	// The API server always needs the database.
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig configures the optional stats cache. An empty URL disables it.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	StatsTTL time.Duration `yaml:"stats_ttl"`
	Channel  string        `yaml:"channel"`
}

// Enabled reports whether a Redis URL is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// PipelineConfig configures one batch run.
type PipelineConfig struct {
	SensorDataPath  string   `yaml:"sensor_data_path"`
	MetadataPath    string   `yaml:"metadata_path"`
	OutputDir       string   `yaml:"output_dir"`
	IntervalMinutes int      `yaml:"interval_minutes"`
	Formats         []string `yaml:"formats"`
	BatchSize       int      `yaml:"batch_size"`
}

// ExporterConfig configures the metrics exporter.
type ExporterConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	DataDir        string        `yaml:"data_dir"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// GeneratorConfig configures synthetic data generation.
type GeneratorConfig struct {
	Intersections   int    `yaml:"intersections"`
	Hours           int    `yaml:"hours"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	OutputDir       string `yaml:"output_dir"`
	// Seed makes generation reproducible. Zero means seed from the clock.
	Seed int64 `yaml:"seed"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config populated with development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         DefaultServerPort,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            5432,
			User:            "traffic",
			Password:        "traffic_dev_password",
			Database:        "traffic",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Redis: RedisConfig{
			StatsTTL: 10 * time.Minute,
			Channel:  "traffic:pipeline",
		},
		Pipeline: PipelineConfig{
			SensorDataPath:  "data/raw/traffic_sensor_data.csv",
			MetadataPath:    "data/raw/intersection_metadata.csv",
			OutputDir:       "data/processed",
			IntervalMinutes: DefaultIntervalMinutes,
			Formats:         []string{FormatParquet, FormatCSV},
			BatchSize:       1000,
		},
		Exporter: ExporterConfig{
			Host:           "0.0.0.0",
			Port:           DefaultExporterPort,
			DataDir:        "data/processed",
			UpdateInterval: DefaultExporterInterval,
		},
		Generator: GeneratorConfig{
			Intersections:   DefaultIntersections,
			Hours:           DefaultGeneratorHours,
			IntervalMinutes: DefaultIntervalMinutes,
			OutputDir:       "data/raw",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file
// named by TRAFFIC_CONFIG_FILE, a .env file if present, and finally the
// process environment. Later sources win.
func LoadConfig() (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("TRAFFIC_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("SERVER_HOST", &c.Server.Host)
	num("SERVER_PORT", &c.Server.Port)
	dur("SERVER_READ_TIMEOUT", &c.Server.ReadTimeout)
	dur("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	dur("SERVER_IDLE_TIMEOUT", &c.Server.IdleTimeout)

	flag("DB_ENABLED", &c.Database.Enabled)
	str("DB_HOST", &c.Database.Host)
	num("DB_PORT", &c.Database.Port)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_NAME", &c.Database.Database)
	str("DB_SSLMODE", &c.Database.SSLMode)
	num("DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	num("DB_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	dur("DB_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetime)
	dur("DB_CONN_MAX_IDLE_TIME", &c.Database.ConnMaxIdleTime)

	str("REDIS_URL", &c.Redis.URL)
	dur("REDIS_STATS_TTL", &c.Redis.StatsTTL)
	str("REDIS_CHANNEL", &c.Redis.Channel)

	str("PIPELINE_SENSOR_DATA", &c.Pipeline.SensorDataPath)
	str("PIPELINE_METADATA", &c.Pipeline.MetadataPath)
	str("PIPELINE_OUTPUT_DIR", &c.Pipeline.OutputDir)
	num("PIPELINE_INTERVAL_MINUTES", &c.Pipeline.IntervalMinutes)
	num("PIPELINE_BATCH_SIZE", &c.Pipeline.BatchSize)
	if v := os.Getenv("PIPELINE_FORMATS"); v != "" {
		c.Pipeline.Formats = splitList(v)
	}

	str("EXPORTER_HOST", &c.Exporter.Host)
	num("EXPORTER_PORT", &c.Exporter.Port)
	str("EXPORTER_DATA_DIR", &c.Exporter.DataDir)
	dur("EXPORTER_UPDATE_INTERVAL", &c.Exporter.UpdateInterval)

	num("GENERATOR_INTERSECTIONS", &c.Generator.Intersections)
	num("GENERATOR_HOURS", &c.Generator.Hours)
	num("GENERATOR_INTERVAL_MINUTES", &c.Generator.IntervalMinutes)
	str("GENERATOR_OUTPUT_DIR", &c.Generator.OutputDir)
	num64("GENERATOR_SEED", &c.Generator.Seed)

	str("LOG_LEVEL", &c.Logging.Level)

	return errors.Join(errs...)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port out of range: %d", c.Server.Port))
	}
	if c.Exporter.Port <= 0 || c.Exporter.Port > 65535 {
		errs = append(errs, fmt.Errorf("exporter port out of range: %d", c.Exporter.Port))
	}
	if c.Exporter.UpdateInterval <= 0 {
		errs = append(errs, fmt.Errorf("exporter update interval must be positive, got %s", c.Exporter.UpdateInterval))
	}
	if c.Pipeline.IntervalMinutes <= 0 || c.Pipeline.IntervalMinutes > 60 {
		errs = append(errs, fmt.Errorf("pipeline interval must be in (0, 60] minutes, got %d", c.Pipeline.IntervalMinutes))
	}
	if c.Pipeline.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline batch size must be positive, got %d", c.Pipeline.BatchSize))
	}
	for _, f := range c.Pipeline.Formats {
		if f != FormatParquet && f != FormatCSV {
			errs = append(errs, fmt.Errorf("unknown output format %q", f))
		}
	}
	if c.Generator.Intersections <= 0 {
		errs = append(errs, fmt.Errorf("generator intersections must be positive, got %d", c.Generator.Intersections))
	}
	if c.Generator.Hours <= 0 {
		errs = append(errs, fmt.Errorf("generator hours must be positive, got %d", c.Generator.Hours))
	}
	if c.Generator.IntervalMinutes <= 0 || c.Generator.IntervalMinutes > 60 {
		errs = append(errs, fmt.Errorf("generator interval must be in (0, 60] minutes, got %d", c.Generator.IntervalMinutes))
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
