// Package config loads binary configuration from the environment, with
// command-line flags layered on top.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Client configures cmd/inbox.
type Client struct {
	BackendURL     string        `env:"INBOX_BACKEND_URL" envDefault:"http://localhost:3000"`
	ChannelPath    string        `env:"INBOX_CHANNEL_PATH" envDefault:"/ws"`
	IdentityFile   string        `env:"INBOX_IDENTITY_FILE"`
	RedisAddr      string        `env:"INBOX_REDIS_ADDR"`
	Profile        string        `env:"INBOX_PROFILE" envDefault:"default"`
	MetricsAddr    string        `env:"INBOX_METRICS_ADDR"`
	HistoryLimit   int           `env:"INBOX_HISTORY_LIMIT" envDefault:"100"`
	RequestTimeout time.Duration `env:"INBOX_REQUEST_TIMEOUT" envDefault:"10s"`
}

// Relay configures cmd/relay.
type Relay struct {
	ListenAddr     string        `env:"RELAY_LISTEN_ADDR" envDefault:":3001"`
	NATSURL        string        `env:"RELAY_NATS_URL" envDefault:"nats://localhost:4222"`
	RedisAddr      string        `env:"RELAY_REDIS_ADDR" envDefault:"localhost:6379"`
	ServerName     string        `env:"RELAY_SERVER_NAME"`
	WorkerPoolSize int           `env:"RELAY_WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"RELAY_MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"RELAY_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"RELAY_WRITE_TIMEOUT" envDefault:"10s"`
	RateLimit      bool          `env:"RELAY_RATE_LIMIT" envDefault:"true"`
	BanThreshold   int           `env:"RELAY_BAN_THRESHOLD" envDefault:"50"`
}

// LoadClient reads Client from the environment, then applies flags from args.
func LoadClient(fs *flag.FlagSet, args []string) (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}

	fs.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "record store base URL, also used for the channel")
	fs.StringVar(&cfg.IdentityFile, "identity", cfg.IdentityFile, "identity file path")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "keep the identity in Redis at this address")
	fs.StringVar(&cfg.Profile, "profile", cfg.Profile, "identity profile name (Redis only)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}
	return cfg, cfg.validate()
}

func (c Client) validate() error {
	if c.BackendURL == "" {
		return errors.New("config: backend url is required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: history limit must be positive, got %d", c.HistoryLimit)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request timeout must be positive, got %s", c.RequestTimeout)
	}
	return nil
}

// LoadRelay reads Relay from the environment, then applies flags from args.
// An empty server name falls back to the hostname.
func LoadRelay(fs *flag.FlagSet, args []string) (Relay, error) {
	var cfg Relay
	if err := ParseEnv(&cfg); err != nil {
		return Relay{}, err
	}

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS server URL")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address")
	fs.BoolVar(&cfg.RateLimit, "ratelimit", cfg.RateLimit, "enforce per-connection and per-IP rate limits")
	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	if cfg.ServerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "relay-unknown"
		}
		cfg.ServerName = hostname
	}
	if cfg.WorkerPoolSize <= 0 || cfg.MaxConnections <= 0 {
		return Relay{}, errors.New("config: worker pool size and max connections must be positive")
	}
	return cfg, nil
}
