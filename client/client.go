// Package client builds sessions.
//
//	cfg := client.DefaultConfig()
//	cfg.Channel = "mychannel"
//	sess, err := client.New(cfg, client.WithLogger(logger))
package client

import (
	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/internal/config"
	"github.com/luciancaetano/cytubenet/internal/session"
)

// Config is the session configuration. See DefaultConfig for defaults.
type Config = config.Config

// Option customizes a session.
type Option = session.Option

var (
	// WithLogger sets the base *slog.Logger.
	WithLogger = session.WithLogger
	// WithRegisterer registers session metrics on a prometheus.Registerer.
	WithRegisterer = session.WithRegisterer
	// WithClock replaces the clock driving backoff and rate limiting.
	WithClock = session.WithClock
	// WithDecoder adds or replaces the decoder of one server event for a
	// single session.
	WithDecoder = session.WithDecoder
)

// DefaultConfig returns a configuration with every optional key set to its
// default. Channel must still be filled in.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML file (optional), .env and CYTUBE_* variables.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// New creates a session. It does not connect; call Connect.
func New(cfg Config, opts ...Option) (cytubenet.Session, error) {
	s, err := session.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}
