package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketflow  MarketflowConfig  `yaml:"marketflow"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Providers   []ProviderConfig  `yaml:"providers"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Storage     StorageConfig     `yaml:"storage"`
	Replay      ReplayConfig      `yaml:"replay"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type MarketflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
	ErrorBuffer int `yaml:"error_buffer"`
}

type ProviderConfig struct {
	Name               string               `yaml:"name"`
	WsURL              string               `yaml:"ws_url"`
	RestURL            string               `yaml:"rest_url"`
	Timeout            time.Duration        `yaml:"timeout"`
	RateLimitPerSecond int                  `yaml:"rate_limit_per_second"`
	ReconnectAttempts  int                  `yaml:"reconnect_attempts"`
	ReconnectDelay     time.Duration        `yaml:"reconnect_delay"`
	PollIntervalMs     int                  `yaml:"poll_interval_ms"`
	SnapshotLimit      int                  `yaml:"snapshot_limit"`
	EventBuffer        int                  `yaml:"event_buffer"`
	ErrorBuffer        int                  `yaml:"error_buffer"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
	Subscriptions      []SubscriptionConfig `yaml:"subscriptions"`
	ConnectionPool     ConnectionPoolConfig `yaml:"connection_pool"`
}

type SubscriptionConfig struct {
	Symbol    string   `yaml:"symbol"`
	DataTypes []string `yaml:"data_types"`
	Interval  string   `yaml:"interval"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type ReliabilityConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type StorageConfig struct {
	Buffer BufferConfig `yaml:"buffer"`
	S3     S3Config     `yaml:"s3"`
}

type BufferConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type S3Config struct {
	Enabled          bool    `yaml:"enabled"`
	Bucket           string  `yaml:"bucket"`
	Region           string  `yaml:"region"`
	Endpoint         string  `yaml:"endpoint"`
	PathStyle        bool    `yaml:"path_style"`
	Prefix           string  `yaml:"prefix"`
	Compression      string  `yaml:"compression"`
	UploadsPerSecond float64 `yaml:"uploads_per_second"`
	AccessKeyID      string  `yaml:"access_key_id"`
	SecretAccessKey  string  `yaml:"secret_access_key"`
}

type ReplayConfig struct {
	SpeedMultiplier float64 `yaml:"speed_multiplier"`
	StartTimeMs     int64   `yaml:"start_time_ms"`
	EndTimeMs       int64   `yaml:"end_time_ms"`
}

type LoggingConfig struct {
	Level               string `yaml:"level"`
	Format              string `yaml:"format"`
	Output              string `yaml:"output"`
	MaxAge              int    `yaml:"max_age"`
	CloudWatchNamespace string `yaml:"cloudwatch_namespace"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Channels: ChannelsConfig{
			EventBuffer: 1024,
			ErrorBuffer: 16,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Reliability.Retry.MaxAttempts == 0 {
		cfg.Reliability.Retry.MaxAttempts = 5
	}
	if cfg.Reliability.Retry.BaseDelay == 0 {
		cfg.Reliability.Retry.BaseDelay = time.Second
	}
	if cfg.Reliability.Retry.MaxDelay == 0 {
		cfg.Reliability.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Reliability.RateLimit.RequestsPerSecond == 0 {
		cfg.Reliability.RateLimit.RequestsPerSecond = 10
	}
	if cfg.Reliability.CircuitBreaker.FailureThreshold == 0 {
		cfg.Reliability.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.Reliability.CircuitBreaker.RecoveryTimeout == 0 {
		cfg.Reliability.CircuitBreaker.RecoveryTimeout = 60 * time.Second
	}
	if cfg.Storage.Buffer.BatchSize == 0 {
		cfg.Storage.Buffer.BatchSize = 100
	}
	if cfg.Storage.Buffer.FlushInterval == 0 {
		cfg.Storage.Buffer.FlushInterval = 5 * time.Second
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Timeout == 0 {
			p.Timeout = 10 * time.Second
		}
		if p.RateLimitPerSecond == 0 {
			p.RateLimitPerSecond = cfg.Reliability.RateLimit.RequestsPerSecond
		}
		if p.ReconnectAttempts == 0 {
			p.ReconnectAttempts = cfg.Reliability.Retry.MaxAttempts
		}
		if p.ReconnectDelay == 0 {
			p.ReconnectDelay = cfg.Reliability.Retry.BaseDelay
		}
		if p.CircuitBreaker.FailureThreshold == 0 {
			p.CircuitBreaker = cfg.Reliability.CircuitBreaker
		}
		if p.SnapshotLimit == 0 {
			p.SnapshotLimit = 100
		}
		if p.PollIntervalMs == 0 {
			p.PollIntervalMs = 1000
		}
		if p.EventBuffer == 0 {
			p.EventBuffer = cfg.Channels.EventBuffer
		}
		if p.ErrorBuffer == 0 {
			p.ErrorBuffer = cfg.Channels.ErrorBuffer
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketflow.Name == "" {
		return fmt.Errorf("marketflow.name is required")
	}

	if cfg.Marketflow.Version == "" {
		return fmt.Errorf("marketflow.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	seen := make(map[string]struct{}, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate provider name '%s'", p.Name)
		}
		seen[p.Name] = struct{}{}

		if p.ReconnectAttempts < 0 {
			return fmt.Errorf("provider '%s': reconnect_attempts must not be negative", p.Name)
		}
	}

	if cfg.Storage.Buffer.Enabled {
		if cfg.Storage.Buffer.BatchSize <= 0 {
			return fmt.Errorf("storage.buffer.batch_size must be greater than 0")
		}
		if cfg.Storage.Buffer.FlushInterval <= 0 {
			return fmt.Errorf("storage.buffer.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
	}

	if cfg.Replay.SpeedMultiplier < 0 {
		return fmt.Errorf("replay.speed_multiplier must not be negative")
	}

	return nil
}
