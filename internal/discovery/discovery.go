// Package discovery looks up the socket endpoint serving a channel.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/internal/metrics"
)

const maxConfigBody = 64 * 1024

// ErrNoServers is returned when the socket config lists no servers.
var ErrNoServers = errors.New("socket config lists no servers")

type socketConfig struct {
	Servers []struct {
		URL    string `json:"url"`
		Secure bool   `json:"secure"`
	} `json:"servers"`
	Error string `json:"error"`
}

// Resolver fetches /socketconfig/<channel>.json through a circuit breaker and
// remembers the last endpoint it resolved.
type Resolver struct {
	base    string
	channel string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.RWMutex
	last string
}

type Option func(*resolverOptions)

type resolverOptions struct {
	http         *http.Client
	metrics      *metrics.Metrics
	logger       *slog.Logger
	maxFailures  uint32
	openDuration time.Duration
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *resolverOptions) { o.http = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *resolverOptions) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *resolverOptions) { o.logger = l }
}

// WithBreaker sets how many consecutive failures open the breaker and how long
// it stays open before letting a probe request through.
func WithBreaker(maxFailures uint32, open time.Duration) Option {
	return func(o *resolverOptions) {
		o.maxFailures = maxFailures
		o.openDuration = open
	}
}

// New creates a resolver for channel on domain. A domain without scheme is
// reached over https.
func New(domain, channel string, opts ...Option) *Resolver {
	o := resolverOptions{
		http:         &http.Client{Timeout: 10 * time.Second},
		logger:       slog.Default(),
		maxFailures:  3,
		openDuration: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	base := strings.TrimRight(domain, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}

	r := &Resolver{
		base:    base,
		channel: channel,
		http:    o.http,
		metrics: o.metrics,
		logger:  o.logger.With("component", "discovery"),
	}

	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "discovery",
		MaxRequests: 1,
		Timeout:     o.openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.maxFailures
		},
		// A refusal is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || cytubenet.IsFatal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
			if r.metrics != nil {
				r.metrics.BreakerState.Set(float64(to))
			}
		},
	})
	return r
}

// State returns the breaker state.
func (r *Resolver) State() gobreaker.State {
	return r.cb.State()
}

// Last returns the most recently resolved endpoint, if any.
func (r *Resolver) Last() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Resolve returns the socket.io endpoint for the channel. When the lookup
// fails for a transient reason and an endpoint was resolved before, that
// endpoint is returned instead. A refusal by the server is returned as an
// error matching cytubenet.ErrDiscovery.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.fetch(ctx)
	})
	if err == nil {
		endpoint := res.(string)
		r.mu.Lock()
		r.last = endpoint
		r.mu.Unlock()
		r.count("ok")
		return endpoint, nil
	}

	if cytubenet.IsFatal(err) {
		r.count("error")
		return "", err
	}

	if last := r.Last(); last != "" {
		r.logger.Warn("Discovery failed, reusing last endpoint", "endpoint", last, "err", err)
		r.count("fallback")
		return last, nil
	}
	r.count("error")
	return "", fmt.Errorf("discovery: %w", err)
}

func (r *Resolver) fetch(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/socketconfig/%s.json", r.base, url.PathEscape(r.channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", u, resp.Status)
	}

	var cfg socketConfig
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxConfigBody)).Decode(&cfg); err != nil {
		return "", fmt.Errorf("decode socket config: %w", err)
	}
	if cfg.Error != "" {
		return "", fmt.Errorf("%w: %s", cytubenet.ErrDiscovery, cfg.Error)
	}
	if len(cfg.Servers) == 0 {
		return "", ErrNoServers
	}

	server := cfg.Servers[0].URL
	for _, s := range cfg.Servers {
		if s.Secure {
			server = s.URL
			break
		}
	}
	return strings.TrimRight(server, "/") + "/socket.io/", nil
}

func (r *Resolver) count(result string) {
	if r.metrics != nil {
		r.metrics.DiscoveryRequests.WithLabelValues(result).Inc()
	}
}
