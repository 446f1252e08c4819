package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration, loaded once at process start.
type Config struct {
	Name       string          `yaml:"name"`
	LogLevel   string          `yaml:"log_level"`
	ListenAddr string          `yaml:"listen_addr"`
	Database   DatabaseConfig  `yaml:"database"`
	Discord    DiscordConfig   `yaml:"discord"`
	Source     SourceConfig    `yaml:"source"`
	Poller     PollerConfig    `yaml:"poller"`
	Gamertags  GamertagsConfig `yaml:"gamertags"`
}

type DatabaseConfig struct {
	Address string `yaml:"address"`
}

type DiscordConfig struct {
	Token string `yaml:"token"`
}

type SourceConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type PollerConfig struct {
	Interval            time.Duration `yaml:"interval"`
	Concurrency         int           `yaml:"concurrency"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	StartupGrace        time.Duration `yaml:"startup_grace"`
	ChannelFailureLimit int           `yaml:"channel_failure_limit"`
	DataFailureLimit    int           `yaml:"data_failure_limit"`
	FailureCounterTTL   time.Duration `yaml:"failure_counter_ttl"`
}

type GamertagsConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	LookupsPerSec   float64       `yaml:"lookups_per_sec"`
	LookupBatchSize int           `yaml:"lookup_batch_size"`
}

func NewConfig() *Config {
	return &Config{
		Name:       "realmwatch",
		LogLevel:   "info",
		ListenAddr: "127.0.0.1:7351",
		Database: DatabaseConfig{
			Address: "postgres://localhost:5432/realmwatch?sslmode=disable",
		},
		Source: SourceConfig{
			RequestTimeout: 10 * time.Second,
		},
		Poller: PollerConfig{
			Interval:            time.Minute,
			Concurrency:         12,
			StaleAfter:          24 * time.Hour,
			StartupGrace:        5 * time.Minute,
			ChannelFailureLimit: 3,
			DataFailureLimit:    7,
			FailureCounterTTL:   24 * time.Hour,
		},
		Gamertags: GamertagsConfig{
			CacheTTL:        14 * 24 * time.Hour,
			LookupsPerSec:   2,
			LookupBatchSize: 30,
		},
	}
}

// ParseConfig loads configuration from an optional YAML file, with secret
// overrides taken from the environment.
func ParseConfig(path string) (*Config, error) {
	config := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if token := os.Getenv("REALMWATCH_DISCORD_TOKEN"); token != "" {
		config.Discord.Token = token
	}
	if key := os.Getenv("REALMWATCH_SOURCE_API_KEY"); key != "" {
		config.Source.APIKey = key
	}
	if addr := os.Getenv("REALMWATCH_DATABASE_ADDRESS"); addr != "" {
		config.Database.Address = addr
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.Poller.Interval < time.Second {
		return fmt.Errorf("poller interval must be at least 1s, got %v", c.Poller.Interval)
	}
	if c.Poller.Concurrency < 1 {
		return fmt.Errorf("poller concurrency must be at least 1, got %d", c.Poller.Concurrency)
	}
	if c.Poller.ChannelFailureLimit < 1 || c.Poller.DataFailureLimit < 1 {
		return fmt.Errorf("failure limits must be at least 1")
	}
	if c.Poller.StaleAfter <= c.Poller.Interval {
		return fmt.Errorf("stale_after must be longer than the poll interval")
	}
	if c.Database.Address == "" {
		return fmt.Errorf("database address is required")
	}
	return nil
}
