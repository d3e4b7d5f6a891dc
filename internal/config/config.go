// Package config carries the deployment configuration shared by the broker,
// the load balancer, and the client library. Values come from defaults, an
// optional YAML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oriys/fanq/internal/address"
	"github.com/oriys/fanq/internal/protocol"
)

// SnapshotConfig selects where brokers persist their queue state.
type SnapshotConfig struct {
	Backend string      `yaml:"backend"` // file (default) or redis
	Dir     string      `yaml:"dir"`     // file backend: snapshot directory
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds connection settings for the redis snapshot backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the full configuration surface.
type Config struct {
	LoadBalancerAddress string   `yaml:"load_balancer_address"`
	BrokerAddresses     []string `yaml:"broker_addresses"`
	MaxMessageSize      int      `yaml:"max_message_size"`

	// ReplicationAddresses is reserved for future replication; it is parsed
	// and validated but unused by the core.
	ReplicationAddresses []string `yaml:"replication_addresses"`

	Framing     string         `yaml:"framing"` // length-prefix (default) or sentinel
	Snapshot    SnapshotConfig `yaml:"snapshot"`
	MetricsAddr string         `yaml:"metrics_addr"`
	LogLevel    string         `yaml:"log_level"`
	LogFormat   string         `yaml:"log_format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LoadBalancerAddress: "127.0.0.1:9090",
		BrokerAddresses: []string{
			"127.0.0.1:9091",
			"127.0.0.1:9092",
		},
		MaxMessageSize: protocol.DefaultMaxMessageSize,
		ReplicationAddresses: []string{
			"127.0.0.1:8081",
			"127.0.0.1:8082",
		},
		Framing: string(protocol.FramingLengthPrefix),
		Snapshot: SnapshotConfig{
			Backend: "file",
			Dir:     "snapshots",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadFromFile reads a YAML config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LOAD_BALANCER_ADDRESS"); v != "" {
		cfg.LoadBalancerAddress = v
	}
	if v := os.Getenv("BROKER_ADDRESSES"); v != "" {
		cfg.BrokerAddresses = splitList(v)
	}
	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxMessageSize = n
		}
	}
	if v := os.Getenv("REPLICATION_ADDRESS"); v != "" {
		cfg.ReplicationAddresses = splitList(v)
	}
	if v := os.Getenv("FANQ_FRAMING"); v != "" {
		cfg.Framing = v
	}
	if v := os.Getenv("FANQ_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("FANQ_SNAPSHOT_BACKEND"); v != "" {
		cfg.Snapshot.Backend = v
	}
	if v := os.Getenv("FANQ_REDIS_ADDR"); v != "" {
		cfg.Snapshot.Redis.Addr = v
	}
	if v := os.Getenv("FANQ_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("FANQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FANQ_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

// Validate checks addresses and mode selections.
func (c *Config) Validate() error {
	if _, err := address.Parse(c.LoadBalancerAddress); err != nil {
		return fmt.Errorf("load_balancer_address: %w", err)
	}
	if len(c.BrokerAddresses) == 0 {
		return fmt.Errorf("broker_addresses: at least one broker is required")
	}
	if _, err := address.ParseList(c.BrokerAddresses); err != nil {
		return fmt.Errorf("broker_addresses: %w", err)
	}
	if _, err := address.ParseList(c.ReplicationAddresses); err != nil {
		return fmt.Errorf("replication_addresses: %w", err)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	switch protocol.Framing(c.Framing) {
	case protocol.FramingLengthPrefix, protocol.FramingSentinel:
	default:
		return fmt.Errorf("framing: unknown mode %q", c.Framing)
	}
	switch c.Snapshot.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("snapshot.backend: unknown backend %q", c.Snapshot.Backend)
	}
	return nil
}

// LoadBalancerAddr returns the parsed load balancer endpoint.
func (c *Config) LoadBalancerAddr() (address.Address, error) {
	return address.Parse(c.LoadBalancerAddress)
}

// BrokerAddrs returns the parsed broker endpoints.
func (c *Config) BrokerAddrs() ([]address.Address, error) {
	return address.ParseList(c.BrokerAddresses)
}

// FramingMode returns the configured framing.
func (c *Config) FramingMode() protocol.Framing {
	if c.Framing == "" {
		return protocol.FramingLengthPrefix
	}
	return protocol.Framing(c.Framing)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
