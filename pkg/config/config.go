package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// QueueConfig bounds the per-address command queue. Durations are carried in
// milliseconds so the YAML file stays plain integers.
type QueueConfig struct {
	// MinIntervalMs is the minimum gap between consecutive dispatches to one
	// device. Light-stick firmware drops commands arriving faster.
	MinIntervalMs int `yaml:"min_interval_ms" default:"20"`
	// MaxQueueSizePerAddress caps pending commands; overflow evicts oldest.
	MaxQueueSizePerAddress int `yaml:"max_queue_size_per_address" default:"32"`
}

// OTAConfig tunes firmware transfers.
type OTAConfig struct {
	PreferredMTU    int `yaml:"preferred_mtu" default:"247"`
	DefaultPayload  int `yaml:"default_payload" default:"20"`
	ChunkDelayMs    int `yaml:"chunk_delay_ms" default:"5"`
	ResultTimeoutMs int `yaml:"result_timeout_ms" default:"10000"`
}

// Config holds application configuration.
type Config struct {
	LogLevel         string      `yaml:"log_level" default:"info"`
	ConnectTimeoutMs int         `yaml:"connect_timeout_ms" default:"10000"`
	RequestTimeoutMs int         `yaml:"request_timeout_ms" default:"5000"`
	Queue            QueueConfig `yaml:"queue"`
	OTA              OTAConfig   `yaml:"ota"`
}

// Default returns the configuration with every default applied.
func Default() *Config {
	c := new(Config)
	defaults.SetDefaults(c)
	return c
}

// Load reads a YAML config file on top of the defaults. Fields absent from
// the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (q QueueConfig) MinInterval() time.Duration {
	return time.Duration(q.MinIntervalMs) * time.Millisecond
}

func (o OTAConfig) ChunkDelay() time.Duration {
	return time.Duration(o.ChunkDelayMs) * time.Millisecond
}

func (o OTAConfig) ResultTimeout() time.Duration {
	return time.Duration(o.ResultTimeoutMs) * time.Millisecond
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
