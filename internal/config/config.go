// Package config loads session configuration from an optional YAML file, a
// .env file and the process environment, in that order of increasing priority.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

// MinHeartbeatTimeout is the smallest non-zero heartbeat_timeout. The client
// pings once per server ping interval and any frame extends the deadline, so
// the timeout should also exceed that interval; the dialer warns when not.
const MinHeartbeatTimeout = 2 * time.Second

type Config struct {
	Domain          string `yaml:"domain" env:"CYTUBE_DOMAIN"`
	Channel         string `yaml:"channel" env:"CYTUBE_CHANNEL"`
	ChannelPassword string `yaml:"channel_password" env:"CYTUBE_CHANNEL_PASSWORD"`
	User            string `yaml:"user" env:"CYTUBE_USER"`
	Password        string `yaml:"password" env:"CYTUBE_PASSWORD"`
	// Endpoint skips discovery and connects to this socket.io URL directly.
	Endpoint string `yaml:"endpoint" env:"CYTUBE_ENDPOINT"`

	Reconnect        bool          `yaml:"reconnect" env:"CYTUBE_RECONNECT"`
	BackoffMin       time.Duration `yaml:"backoff_min" env:"CYTUBE_BACKOFF_MIN"`
	BackoffMax       time.Duration `yaml:"backoff_max" env:"CYTUBE_BACKOFF_MAX"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"CYTUBE_HEARTBEAT_TIMEOUT"` // 0: twice the server ping interval
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"CYTUBE_HANDSHAKE_TIMEOUT"`
	JoinTimeout      time.Duration `yaml:"join_timeout" env:"CYTUBE_JOIN_TIMEOUT"`
	// ResponseTimeout is how long Chat, PM and AddMedia wait for a failure
	// reply after sending. Zero disables waiting.
	ResponseTimeout time.Duration `yaml:"response_timeout" env:"CYTUBE_RESPONSE_TIMEOUT"`

	ChatBufferSize    int           `yaml:"chat_buffer_size" env:"CYTUBE_CHAT_BUFFER_SIZE"`
	RateLimitInterval time.Duration `yaml:"rate_limit_interval" env:"CYTUBE_RATE_LIMIT_INTERVAL"`
	RateLimitBurst    int           `yaml:"rate_limit_burst" env:"CYTUBE_RATE_LIMIT_BURST"`
	SendQueueSize     int           `yaml:"send_queue_size" env:"CYTUBE_SEND_QUEUE_SIZE"`

	// Proxy is a SOCKS5 proxy address, host[:port]. The port defaults to 1080.
	Proxy string `yaml:"proxy" env:"CYTUBE_PROXY"`

	LogLevel    string `yaml:"log_level" env:"CYTUBE_LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"CYTUBE_LOG_FORMAT"`
	MetricsAddr string `yaml:"metrics_addr" env:"CYTUBE_METRICS_ADDR"`
}

// Default returns the configuration used for every key that is not set.
func Default() Config {
	return Config{
		Domain:            "cytu.be",
		Reconnect:         true,
		BackoffMin:        time.Second,
		BackoffMax:        time.Minute,
		HandshakeTimeout:  10 * time.Second,
		JoinTimeout:       10 * time.Second,
		ResponseTimeout:   500 * time.Millisecond,
		ChatBufferSize:    100,
		RateLimitInterval: time.Second,
		RateLimitBurst:    4,
		SendQueueSize:     64,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds a configuration from the defaults, the YAML file at path (if
// path is not empty), a .env file in the working directory (if present) and
// CYTUBE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Channel == "" {
		return errors.New("channel is required")
	}
	if c.Domain == "" && c.Endpoint == "" {
		return errors.New("domain or endpoint is required")
	}
	if c.Password != "" && c.User == "" {
		return errors.New("password given without user")
	}

	if c.BackoffMin <= 0 {
		return errors.New("backoff_min must be positive")
	}
	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff_max (%s) must not be below backoff_min (%s)", c.BackoffMax, c.BackoffMin)
	}
	if c.HeartbeatTimeout < 0 {
		return errors.New("heartbeat_timeout must not be negative")
	}
	if c.HeartbeatTimeout > 0 && c.HeartbeatTimeout < MinHeartbeatTimeout {
		return fmt.Errorf("heartbeat_timeout (%s) must be 0 or at least %s", c.HeartbeatTimeout, MinHeartbeatTimeout)
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake_timeout must be positive")
	}
	if c.JoinTimeout <= 0 {
		return errors.New("join_timeout must be positive")
	}
	if c.ResponseTimeout < 0 {
		return errors.New("response_timeout must not be negative")
	}

	if c.ChatBufferSize < 1 {
		return errors.New("chat_buffer_size must be at least 1")
	}
	if c.RateLimitInterval <= 0 {
		return errors.New("rate_limit_interval must be positive")
	}
	if c.RateLimitBurst < 1 {
		return errors.New("rate_limit_burst must be at least 1")
	}
	if c.SendQueueSize < 1 {
		return errors.New("send_queue_size must be at least 1")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
