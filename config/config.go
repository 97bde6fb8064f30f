package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Depthsync DepthsyncConfig `yaml:"depthsync"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Processor ProcessorConfig `yaml:"processor"`
	Engine    EngineConfig    `yaml:"engine"`
	Source    SourceConfig    `yaml:"source"`
	Publisher PublisherConfig `yaml:"publisher"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DepthsyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Symbol  string `yaml:"symbol"`
}

// ChannelsConfig sizes the ingestion queue between the stream reader and the engine.
type ChannelsConfig struct {
	DiffBuffer      int           `yaml:"diff_buffer"`
	OverflowPolicy  string        `yaml:"overflow_policy"`
	BlockTimeout    time.Duration `yaml:"block_timeout"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

type ProcessorConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type EngineConfig struct {
	MaxSnapshotRetries int           `yaml:"max_snapshot_retries"`
	SnapshotTimeout    time.Duration `yaml:"snapshot_timeout"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	ConnectionPool ConnectionPoolConfig  `yaml:"connection_pool"`
	Stream         BinanceStreamConfig   `yaml:"stream"`
	Snapshot       BinanceSnapshotConfig `yaml:"snapshot"`
}

type BinanceStreamConfig struct {
	URL            string        `yaml:"url"`
	UpdateSpeed    time.Duration `yaml:"update_speed"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type BinanceSnapshotConfig struct {
	URL         string        `yaml:"url"`
	Limit       int           `yaml:"limit"`
	Timeout     time.Duration `yaml:"timeout"`
	MinInterval time.Duration `yaml:"min_interval"`
}

type PublisherConfig struct {
	Period     time.Duration    `yaml:"period"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// envOverrides lists the settings that may be supplied through the environment.
type envOverrides struct {
	Symbol             string   `env:"DEPTHSYNC_SYMBOL"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	AWSRegion          string   `env:"AWS_REGION"`
	AWSAccessKeyID     string   `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string   `env:"AWS_SECRET_ACCESS_KEY"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() Config {
	return Config{
		Depthsync: DepthsyncConfig{
			Name:    "depthsync",
			Version: "dev",
			Symbol:  "BTCUSDT",
		},
		Channels: ChannelsConfig{
			DiffBuffer:      1000,
			OverflowPolicy:  "drop",
			BlockTimeout:    100 * time.Millisecond,
			MetricsInterval: 30 * time.Second,
		},
		Processor: ProcessorConfig{
			IdleTimeout: 5 * time.Second,
		},
		Engine: EngineConfig{
			MaxSnapshotRetries: 3,
			SnapshotTimeout:    10 * time.Second,
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    4,
					MaxConnsPerHost: 4,
					IdleConnTimeout: 90 * time.Second,
				},
				Stream: BinanceStreamConfig{
					URL:            "wss://stream.binance.com:9443/ws",
					ReadTimeout:    5 * time.Second,
					PingInterval:   20 * time.Second,
					ReconnectDelay: 5 * time.Second,
				},
				Snapshot: BinanceSnapshotConfig{
					URL:         "https://api.binance.com",
					Limit:       1000,
					Timeout:     10 * time.Second,
					MinInterval: time.Second,
				},
			},
		},
		Publisher: PublisherConfig{
			Period: 5 * time.Second,
			Kafka: KafkaConfig{
				Topic: "depthsync.top-of-book",
			},
			CloudWatch: CloudWatchConfig{
				Namespace: "Depthsync",
			},
		},
		API: APIConfig{
			Address: "0.0.0.0:8080",
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	config.Depthsync.Symbol = strings.ToUpper(strings.TrimSpace(config.Depthsync.Symbol))
	config.Channels.OverflowPolicy = strings.ToLower(strings.TrimSpace(config.Channels.OverflowPolicy))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}
	if o.Symbol != "" {
		cfg.Depthsync.Symbol = o.Symbol
	}
	if len(o.KafkaBrokers) > 0 {
		cfg.Publisher.Kafka.Brokers = o.KafkaBrokers
	}
	if cfg.Publisher.CloudWatch.Enabled {
		if o.AWSRegion != "" {
			cfg.Publisher.CloudWatch.Region = strings.TrimSpace(o.AWSRegion)
		}
		if o.AWSAccessKeyID != "" {
			cfg.Publisher.CloudWatch.AccessKeyID = strings.TrimSpace(o.AWSAccessKeyID)
		}
		if o.AWSSecretAccessKey != "" {
			cfg.Publisher.CloudWatch.SecretAccessKey = strings.TrimSpace(o.AWSSecretAccessKey)
		}
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Depthsync.Name == "" {
		return fmt.Errorf("depthsync.name is required")
	}
	if cfg.Depthsync.Symbol == "" {
		return fmt.Errorf("depthsync.symbol is required")
	}

	if cfg.Channels.DiffBuffer <= 0 {
		return fmt.Errorf("channels.diff_buffer must be greater than 0")
	}
	switch cfg.Channels.OverflowPolicy {
	case "drop":
	case "block":
		if cfg.Channels.BlockTimeout <= 0 {
			return fmt.Errorf("channels.block_timeout must be greater than 0 with the block policy")
		}
	default:
		return fmt.Errorf("channels.overflow_policy '%s' is invalid", cfg.Channels.OverflowPolicy)
	}

	if cfg.Processor.IdleTimeout <= 0 {
		return fmt.Errorf("processor.idle_timeout must be greater than 0")
	}

	if cfg.Engine.MaxSnapshotRetries < 0 {
		return fmt.Errorf("engine.max_snapshot_retries must not be negative")
	}
	if cfg.Engine.SnapshotTimeout <= 0 {
		return fmt.Errorf("engine.snapshot_timeout must be greater than 0")
	}

	stream := cfg.Source.Binance.Stream
	if stream.URL == "" {
		return fmt.Errorf("source.binance.stream.url is required")
	}
	if stream.UpdateSpeed != 0 && stream.UpdateSpeed != 100*time.Millisecond && stream.UpdateSpeed != time.Second {
		return fmt.Errorf("source.binance.stream.update_speed must be 100ms or 1s")
	}
	if stream.ReadTimeout <= 0 {
		return fmt.Errorf("source.binance.stream.read_timeout must be greater than 0")
	}

	snapshot := cfg.Source.Binance.Snapshot
	if snapshot.URL == "" {
		return fmt.Errorf("source.binance.snapshot.url is required")
	}
	if snapshot.Limit <= 0 || snapshot.Limit > 5000 {
		return fmt.Errorf("source.binance.snapshot.limit must be between 1 and 5000")
	}

	if cfg.Publisher.Period <= 0 {
		return fmt.Errorf("publisher.period must be greater than 0")
	}
	if cfg.Publisher.Kafka.Enabled {
		if len(cfg.Publisher.Kafka.Brokers) == 0 {
			return fmt.Errorf("publisher.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Publisher.Kafka.Topic == "" {
			return fmt.Errorf("publisher.kafka.topic is required when kafka is enabled")
		}
	}
	if cfg.Publisher.CloudWatch.Enabled && cfg.Publisher.CloudWatch.Namespace == "" {
		return fmt.Errorf("publisher.cloudwatch.namespace is required when cloudwatch is enabled")
	}

	if cfg.API.Enabled && cfg.API.Address == "" {
		return fmt.Errorf("api.address is required when the api is enabled")
	}

	return nil
}
