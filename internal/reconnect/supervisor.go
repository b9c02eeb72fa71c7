// Package reconnect supervises the connection lifecycle of a session.
package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/event"
	"github.com/luciancaetano/cytubenet/internal/metrics"
)

// Connection is an established, joined connection.
type Connection interface {
	// Done is closed once the connection is lost or closed.
	Done() <-chan struct{}
	// Err reports why the connection ended.
	Err() error
}

// Attempt dials, joins and authenticates once. It returns after the channel
// join has been acknowledged.
type Attempt func(ctx context.Context) (Connection, error)

type Config struct {
	Reconnect  bool
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Supervisor drives one session through its status machine:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connecting -> ...
//
// ending in Closed or Denied.
type Supervisor struct {
	cfg     Config
	clock   clockwork.Clock
	attempt Attempt
	backoff *Backoff
	notify  func(event.StatusChange)
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.RWMutex
	status    event.Status
	connected int
}

type Option func(*Supervisor)

// WithNotify sets the function called, on the supervisor goroutine, for every
// status transition.
func WithNotify(fn func(event.StatusChange)) Option {
	return func(s *Supervisor) { s.notify = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

func NewSupervisor(cfg Config, clock clockwork.Clock, attempt Attempt, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		clock:   clock,
		attempt: attempt,
		backoff: NewBackoff(cfg.BackoffMin, cfg.BackoffMax),
		notify:  func(event.StatusChange) {},
		logger:  slog.Default(),
		status:  event.StatusDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil, "")
	}
	return s
}

// Status returns the current status.
func (s *Supervisor) Status() event.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Run connects and keeps reconnecting until ctx is done or a failure is not
// retried. It returns nil when stopped through ctx, otherwise the error that
// ended the session.
func (s *Supervisor) Run(ctx context.Context) error {
	s.transition(event.StatusConnecting, nil)

	for {
		conn, err := s.attempt(ctx)
		if ctx.Err() != nil {
			s.transition(event.StatusClosed, nil)
			return nil
		}

		if err == nil {
			s.backoff.Reset()
			s.markConnected()
			s.transition(event.StatusConnected, nil)

			select {
			case <-conn.Done():
				err = conn.Err()
			case <-ctx.Done():
				s.transition(event.StatusClosed, nil)
				return nil
			}
			if ctx.Err() != nil {
				s.transition(event.StatusClosed, nil)
				return nil
			}
		}

		if stop := s.fail(err); stop != nil {
			return stop
		}

		delay := s.backoff.Next()
		s.logger.Warn("Connection failed, retrying", "err", err, "delay", delay)
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			s.transition(event.StatusClosed, nil)
			return nil
		}
		s.transition(event.StatusConnecting, nil)
	}
}

// fail moves to the status that follows a failed attempt or a lost
// connection and returns a non-nil error when the session is over.
func (s *Supervisor) fail(err error) error {
	if err == nil {
		err = cytubenet.ErrNotConnected
	}
	switch {
	case cytubenet.IsFatal(err):
		s.logger.Error("Access denied", "err", err)
		s.transition(event.StatusDenied, err)
		return err
	case !s.cfg.Reconnect:
		s.transition(event.StatusClosed, err)
		return err
	default:
		s.transition(event.StatusReconnecting, err)
		return nil
	}
}

func (s *Supervisor) markConnected() {
	s.mu.Lock()
	s.connected++
	n := s.connected
	s.mu.Unlock()

	if n > 1 {
		s.metrics.Reconnects.Inc()
	}
}

func (s *Supervisor) transition(to event.Status, err error) {
	s.mu.Lock()
	from := s.status
	s.status = to
	s.mu.Unlock()

	s.metrics.Status.Set(float64(to))
	s.metrics.StatusTransitions.WithLabelValues(to.String()).Inc()
	s.logger.Debug("Session status changed", "from", from.String(), "to", to.String())

	s.notify(event.StatusChange{From: from, To: to, Err: err})
}
