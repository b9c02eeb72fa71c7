// Package ratelimit releases outbound frames in submission order at a bounded
// rate.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/internal/metrics"
)

// Sender writes one frame. It may block, e.g. until the session is connected,
// and must return once ctx is done.
type Sender func(ctx context.Context, frame []byte) error

// Config controls the token bucket and the queue bound.
type Config struct {
	// Interval is the time to refill one token.
	Interval time.Duration
	// Burst is the bucket size: how many frames go out back to back.
	Burst int
	// QueueSize bounds the frames waiting for a token.
	QueueSize int
}

type request struct {
	frame  []byte
	result chan error
}

// Limiter is a single FIFO lane in front of a Sender.
type Limiter struct {
	clock   clockwork.Clock
	send    Sender
	bucket  *rate.Limiter
	queue   chan *request
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

type Option func(*Limiter)

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter. Frames are not released until Run is called.
func New(cfg Config, clock clockwork.Clock, send Sender, opts ...Option) *Limiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	l := &Limiter{
		clock:  clock,
		send:   send,
		bucket: rate.NewLimiter(rate.Every(cfg.Interval), cfg.Burst),
		queue:  make(chan *request, cfg.QueueSize),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = metrics.New(nil, "")
	}
	return l
}

// Schedule queues frame for sending. It never blocks: a full queue returns
// cytubenet.ErrQueueFull and a closed limiter cytubenet.ErrSessionClosed.
//
// The returned channel receives exactly one value once the frame has been
// written or has failed.
func (l *Limiter) Schedule(frame []byte) (<-chan error, error) {
	req := &request{frame: frame, result: make(chan error, 1)}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.metrics.SendsRejected.WithLabelValues("closed").Inc()
		return nil, cytubenet.ErrSessionClosed
	}

	select {
	case l.queue <- req:
		l.metrics.SendQueueDepth.Inc()
		return req.result, nil
	default:
		l.metrics.SendsRejected.WithLabelValues("queue_full").Inc()
		return nil, cytubenet.ErrQueueFull
	}
}

// Len returns the number of frames waiting.
func (l *Limiter) Len() int {
	return len(l.queue)
}

// Run releases queued frames until ctx is done or Close is called. Frames
// still queued at that point fail with cytubenet.ErrSessionClosed.
func (l *Limiter) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer l.Close()

	for {
		var req *request
		select {
		case <-ctx.Done():
			return
		case req = <-l.queue:
			l.metrics.SendQueueDepth.Dec()
		}

		if err := l.wait(ctx); err != nil {
			l.fail(req, cytubenet.ErrSessionClosed)
			return
		}

		if err := l.send(ctx, req.frame); err != nil {
			if ctx.Err() != nil {
				l.fail(req, cytubenet.ErrSessionClosed)
				return
			}
			l.logger.Warn("Outbound frame failed", "err", err)
			l.fail(req, err)
			continue
		}
		l.metrics.MessagesSent.Inc()
		req.result <- nil
	}
}

// wait blocks until the bucket holds a token for the next frame.
func (l *Limiter) wait(ctx context.Context) error {
	now := l.clock.Now()
	delay := l.bucket.ReserveN(now, 1).DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	select {
	case <-l.clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) fail(req *request, err error) {
	reason := "error"
	if err == cytubenet.ErrSessionClosed {
		reason = "closed"
	}
	l.metrics.SendsRejected.WithLabelValues(reason).Inc()
	req.result <- err
}

// Close stops the limiter and fails every queued frame. It is safe to call
// more than once.
func (l *Limiter) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()

	for {
		select {
		case req := <-l.queue:
			l.metrics.SendQueueDepth.Dec()
			l.fail(req, cytubenet.ErrSessionClosed)
		default:
			return
		}
	}
}
