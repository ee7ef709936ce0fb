package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Coinflow  CoinflowConfig  `yaml:"coinflow"`
	Source    SourceConfig    `yaml:"source"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Storage   StorageConfig   `yaml:"storage"`
	State     StateConfig     `yaml:"state"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`

	// invalidEnv names overrides whose value could not be parsed.
	invalidEnv []string
}

type CoinflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Coingecko CoingeckoConfig `yaml:"coingecko"`
}

type CoingeckoConfig struct {
	BaseURL           string               `yaml:"base_url"`
	APIKey            string               `yaml:"api_key"`
	Currency          string               `yaml:"currency"`
	PerPage           int                  `yaml:"per_page"`
	Timeout           time.Duration        `yaml:"timeout"`
	RequestsPerMinute int                  `yaml:"requests_per_minute"`
	ConnectionPool    ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// WarehouseConfig holds the connection parameters of the raw/derived store.
type WarehouseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type PipelineConfig struct {
	Schedule      time.Duration `yaml:"schedule"`
	OverlapPolicy string        `yaml:"overlap_policy"`
	Task          TaskConfig    `yaml:"task"`
	HistorySize   int           `yaml:"history_size"`
}

// TaskConfig is the retry/timeout budget applied to every task of a run.
type TaskConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Timeout     time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	Compression     string `yaml:"compression"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type StateConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type NotifyConfig struct {
	Slack SlackConfig `yaml:"slack"`
	AMQP  AMQPConfig  `yaml:"amqp"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
}

type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Prometheus bool             `yaml:"prometheus"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when a field is absent from the file.
func Default() Config {
	return Config{
		Coinflow: CoinflowConfig{Name: "coinflow", Version: "1.0.0"},
		Source: SourceConfig{Coingecko: CoingeckoConfig{
			BaseURL:           "https://api.coingecko.com/api/v3",
			Currency:          "usd",
			PerPage:           250,
			Timeout:           30 * time.Second,
			RequestsPerMinute: 10,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    4,
				MaxConnsPerHost: 4,
				IdleConnTimeout: 90 * time.Second,
			},
		}},
		Warehouse: WarehouseConfig{
			Driver:          DriverPostgres,
			SSLMode:         "disable",
			Schema:          "crypto_raw",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Schedule:      5 * time.Minute,
			OverlapPolicy: OverlapDrop,
			HistorySize:   50,
			Task: TaskConfig{
				MaxAttempts: 3,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    30 * time.Minute,
				Timeout:     2 * time.Hour,
			},
		},
		Storage: StorageConfig{S3: S3Config{Prefix: "raw", Compression: "snappy"}},
		State: StateConfig{
			Backend: StateMemory,
			Redis:   RedisConfig{Addr: "localhost:6379", Key: "coinflow:last_success"},
		},
		Notify:    NotifyConfig{Slack: SlackConfig{Username: "coinflow"}},
		Metrics:   MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "Coinflow"}, Prometheus: true},
		Dashboard: DashboardConfig{Address: ":8080", SampleInterval: 5 * time.Second, LogHistory: 200, MetricsHistory: 200},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	OverlapDrop  = "drop"
	OverlapQueue = "queue"

	StateMemory = "memory"
	StateRedis  = "redis"
)

// LoadConfig reads the YAML file at path on top of Default and applies
// environment overrides. An empty path yields defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	path = resolveEnvSpecificPath(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// envValue returns the first non-empty value among the given variables.
func envValue(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	w := &cfg.Warehouse
	if v := envValue("DB_DRIVER", "DATA_DB_DRIVER"); v != "" {
		w.Driver = strings.ToLower(v)
	}
	if v := envValue("DB_HOST", "DATA_DB_HOST"); v != "" {
		w.Host = v
	}
	if v := envValue("DB_PORT", "DATA_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			w.Port = port
		} else {
			cfg.invalidEnv = append(cfg.invalidEnv, "DB_PORT")
		}
	}
	if v := envValue("DB_NAME", "DATA_DB_NAME"); v != "" {
		w.Name = v
	}
	if v := envValue("DB_USER", "DATA_DB_USER"); v != "" {
		w.User = v
	}
	if v := envValue("DB_PASSWORD", "DATA_DB_PASSWORD"); v != "" {
		w.Password = v
	}

	if v := envValue("COINGECKO_API_KEY"); v != "" {
		cfg.Source.Coingecko.APIKey = v
	}
	if v := envValue("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
	}
	if v := envValue("REDIS_ADDR"); v != "" {
		cfg.State.Redis.Addr = v
	}

	if cfg.Storage.S3.Enabled {
		s3 := &cfg.Storage.S3
		if v := envValue("AWS_ACCESS_KEY_ID"); v != "" {
			s3.AccessKeyID = v
		}
		if v := envValue("AWS_SECRET_ACCESS_KEY"); v != "" {
			s3.SecretAccessKey = v
		}
		if v := envValue("AWS_REGION"); v != "" {
			s3.Region = v
		}
		if v := envValue("S3_BUCKET"); v != "" {
			s3.Bucket = v
		}
	}
}

// validateConfig rejects values that can never work. Missing warehouse
// credentials are not checked here; that is the job of Preflight so a run
// can report them as a task failure.
func validateConfig(cfg *Config) error {
	if cfg.Coinflow.Name == "" {
		return fmt.Errorf("coinflow.name is required")
	}
	switch cfg.Warehouse.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("warehouse.driver '%s' is not supported", cfg.Warehouse.Driver)
	}
	if cfg.Source.Coingecko.PerPage <= 0 || cfg.Source.Coingecko.PerPage > 250 {
		return fmt.Errorf("source.coingecko.per_page must be between 1 and 250")
	}
	if cfg.Source.Coingecko.Timeout <= 0 {
		return fmt.Errorf("source.coingecko.timeout must be greater than 0")
	}
	if cfg.Pipeline.Schedule <= 0 {
		return fmt.Errorf("pipeline.schedule must be greater than 0")
	}
	switch cfg.Pipeline.OverlapPolicy {
	case OverlapDrop, OverlapQueue:
	default:
		return fmt.Errorf("pipeline.overlap_policy must be '%s' or '%s'", OverlapDrop, OverlapQueue)
	}
	t := cfg.Pipeline.Task
	if t.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.task.max_attempts must be greater than 0")
	}
	if t.BaseDelay < 0 || t.MaxDelay < t.BaseDelay {
		return fmt.Errorf("pipeline.task.max_delay must not be lower than base_delay")
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("pipeline.task.timeout must be greater than 0")
	}
	switch cfg.State.Backend {
	case StateMemory, StateRedis:
	default:
		return fmt.Errorf("state.backend '%s' is not supported", cfg.State.Backend)
	}
	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}
	return nil
}
