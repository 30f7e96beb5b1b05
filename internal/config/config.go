package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level sagahost.yml configuration
type Config struct {
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// EndpointConfig controls dispatch concurrency and saga locking
type EndpointConfig struct {
	Name            string        `yaml:"name"`
	Workers         int           `yaml:"workers,omitempty"`
	LockTimeout     time.Duration `yaml:"lock_timeout,omitempty"`
	ResolveAttempts int           `yaml:"resolve_attempts,omitempty"`
}

// TransportConfig selects the message transport: "inmem" or "rabbitmq"
type TransportConfig struct {
	Kind          string        `yaml:"kind"`
	URL           string        `yaml:"url,omitempty"`
	Exchange      string        `yaml:"exchange,omitempty"`
	MaxDeliveries int           `yaml:"max_deliveries,omitempty"`
	RetryDelay    time.Duration `yaml:"retry_delay,omitempty"`
	Prefetch      int           `yaml:"prefetch,omitempty"`
}

// StoreConfig selects the saga store: "inmem", "mongodb" or "redis"
type StoreConfig struct {
	Kind            string `yaml:"kind"`
	URI             string `yaml:"uri,omitempty"`
	Database        string `yaml:"database,omitempty"`
	Collection      string `yaml:"collection,omitempty"`
	ExpireInSeconds int32  `yaml:"expire_in_seconds,omitempty"`
	Transactions    bool   `yaml:"transactions,omitempty"`
	Addr            string `yaml:"addr,omitempty"`
	Password        string `yaml:"password,omitempty"`
	DB              int    `yaml:"db,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

// MetricsConfig exposes Prometheus metrics on Addr when set
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Default returns the configuration used when no file is given: everything in memory.
func Default() *Config {
	config := &Config{
		Endpoint:  EndpointConfig{Name: "sagas"},
		Transport: TransportConfig{Kind: "inmem"},
		Store:     StoreConfig{Kind: "inmem"},
	}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Endpoint.Workers == 0 {
		c.Endpoint.Workers = 2
	}
	if c.Endpoint.LockTimeout == 0 {
		c.Endpoint.LockTimeout = 10 * time.Second
	}
	if c.Endpoint.ResolveAttempts == 0 {
		c.Endpoint.ResolveAttempts = 3
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "inmem"
	}
	if c.Transport.MaxDeliveries == 0 {
		c.Transport.MaxDeliveries = 5
	}
	if c.Transport.RetryDelay == 0 {
		c.Transport.RetryDelay = 100 * time.Millisecond
	}
	if c.Transport.Exchange == "" {
		c.Transport.Exchange = "amq.topic"
	}
	if c.Store.Kind == "" {
		c.Store.Kind = "inmem"
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "sagas"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate applies defaults and performs strict validation on the configuration
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Endpoint.Name == "" {
		return fmt.Errorf("endpoint.name is required")
	}
	if c.Endpoint.Workers < 1 {
		return fmt.Errorf("endpoint.workers must be >= 1, got %d", c.Endpoint.Workers)
	}
	if c.Endpoint.LockTimeout < 0 {
		return fmt.Errorf("endpoint.lock_timeout must not be negative")
	}
	if c.Endpoint.ResolveAttempts < 1 {
		return fmt.Errorf("endpoint.resolve_attempts must be >= 1, got %d", c.Endpoint.ResolveAttempts)
	}

	switch c.Transport.Kind {
	case "inmem":
	case "rabbitmq":
		if c.Transport.URL == "" {
			return fmt.Errorf("transport.url is required for rabbitmq")
		}
	default:
		return fmt.Errorf("unsupported transport: %s (expected: inmem, rabbitmq)", c.Transport.Kind)
	}
	if c.Transport.MaxDeliveries < 1 {
		return fmt.Errorf("transport.max_deliveries must be >= 1, got %d", c.Transport.MaxDeliveries)
	}

	switch c.Store.Kind {
	case "inmem":
	case "mongodb":
		if c.Store.URI == "" || c.Store.Database == "" {
			return fmt.Errorf("store.uri and store.database are required for mongodb")
		}
	case "redis":
		if c.Store.Addr == "" {
			return fmt.Errorf("store.addr is required for redis")
		}
	default:
		return fmt.Errorf("unsupported store: %s (expected: inmem, mongodb, redis)", c.Store.Kind)
	}

	return nil
}

// Load reads, parses and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
