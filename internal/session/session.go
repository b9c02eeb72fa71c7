// Package session composes transport, reconnection, dispatch, state and rate
// limiting into a cytubenet.Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/channel"
	"github.com/luciancaetano/cytubenet/event"
	"github.com/luciancaetano/cytubenet/internal/config"
	"github.com/luciancaetano/cytubenet/internal/discovery"
	"github.com/luciancaetano/cytubenet/internal/dispatch"
	"github.com/luciancaetano/cytubenet/internal/metrics"
	"github.com/luciancaetano/cytubenet/internal/protocol"
	"github.com/luciancaetano/cytubenet/internal/ratelimit"
	"github.com/luciancaetano/cytubenet/internal/reconnect"
	"github.com/luciancaetano/cytubenet/internal/transport"
)

const (
	tracerName  = "github.com/luciancaetano/cytubenet"
	inboundSize = 256
)

// resync is queued ahead of a new connection's events so the store expects a
// full reset in order with everything the old connection delivered.
type resync struct{}

func (resync) Kind() event.Kind { return "resync" }

// Session implements cytubenet.Session.
type Session struct {
	cfg     config.Config
	id      string
	clock   clockwork.Clock
	logger  *slog.Logger
	reg     prometheus.Registerer
	metrics *metrics.Metrics
	tracer  trace.Tracer

	decoders *event.Registry
	store    *channel.Store
	disp     *dispatch.Dispatcher
	limiter  *ratelimit.Limiter
	sup      *reconnect.Supervisor
	dialer   *transport.Dialer
	resolver *discovery.Resolver

	ctx    context.Context
	cancel context.CancelFunc

	inbound  chan event.Event
	enqueued atomic.Uint64 // events pushed to inbound
	readers  sync.WaitGroup
	rejoined bool // supervisor goroutine only

	statusMu  sync.Mutex
	statuses  []pendingStatus
	statusSig chan struct{}

	liveMu sync.Mutex
	live   *transport.Conn
	liveCh chan struct{}

	mu        sync.Mutex
	started   bool
	closed    bool
	err       error
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

var _ cytubenet.Session = (*Session)(nil)

// pendingStatus is dispatched only after the first after inbound events, so
// handlers see a connection's events before the status change that ended it.
type pendingStatus struct {
	sc    event.StatusChange
	after uint64
}

type Option func(*Session)

// WithLogger sets the base logger. Session attributes are added to it.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithRegisterer registers the session metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Session) { s.reg = reg }
}

// WithClock replaces the clock used for backoff and rate limiting.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// WithDecoder adds or replaces the decoder for one server event in this
// session only.
func WithDecoder(kind event.Kind, d event.Decoder) Option {
	return func(s *Session) { s.decoders.Register(kind, d) }
}

// New validates cfg and builds a session. Nothing connects until Connect.
func New(cfg config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		id:        uuid.NewString(),
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		decoders:  event.NewRegistry(),
		inbound:   make(chan event.Event, inboundSize),
		statusSig: make(chan struct{}, 1),
		liveCh:    make(chan struct{}),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("channel", cfg.Channel, "session", s.id)
	s.metrics = metrics.New(s.reg, cfg.Channel)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	dialer, err := transport.NewDialer(transport.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Proxy:            cfg.Proxy,
		OnMalformed: func(error) {
			s.metrics.FramesDropped.WithLabelValues("malformed").Inc()
		},
		Logger: s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.dialer = dialer

	if cfg.Endpoint == "" {
		s.resolver = discovery.New(cfg.Domain, cfg.Channel,
			discovery.WithMetrics(s.metrics),
			discovery.WithLogger(s.logger),
		)
	}

	s.store = channel.NewStore(cfg.Channel, cfg.ChatBufferSize)
	s.disp = dispatch.New(s.store,
		dispatch.WithMetrics(s.metrics),
		dispatch.WithLogger(s.logger),
	)
	s.limiter = ratelimit.New(ratelimit.Config{
		Interval:  cfg.RateLimitInterval,
		Burst:     cfg.RateLimitBurst,
		QueueSize: cfg.SendQueueSize,
	}, s.clock, s.deliver,
		ratelimit.WithMetrics(s.metrics),
		ratelimit.WithLogger(s.logger),
	)
	s.sup = reconnect.NewSupervisor(reconnect.Config{
		Reconnect:  cfg.Reconnect,
		BackoffMin: cfg.BackoffMin,
		BackoffMax: cfg.BackoffMax,
	}, s.clock, s.attempt,
		reconnect.WithNotify(s.notify),
		reconnect.WithMetrics(s.metrics),
		reconnect.WithLogger(s.logger),
	)
	return s, nil
}

// ID returns the session's unique identifier, used in logs.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return cytubenet.ErrSessionClosed
	case s.started:
		s.mu.Unlock()
		return cytubenet.ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	go s.dispatchLoop()
	go s.limiter.Run(s.ctx)
	go s.run()

	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return cytubenet.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run owns the supervisor and tears everything down once it returns.
func (s *Session) run() {
	err := s.sup.Run(s.ctx)

	s.cancel()
	s.limiter.Close()
	s.closeLive()
	s.readers.Wait()
	close(s.inbound)

	if err != nil {
		s.logger.Error("Session ended", "status", s.sup.Status().String(), "err", err)
	} else {
		s.logger.Info("Session closed")
	}
	s.finish(err)
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) On(kind cytubenet.Kind, handler cytubenet.Handler) func() {
	return s.disp.On(kind, handler)
}

func (s *Session) Status() cytubenet.Status {
	s.mu.Lock()
	closedEarly := s.closed && !s.started
	s.mu.Unlock()
	if closedEarly {
		return event.StatusClosed
	}
	return s.sup.Status()
}

func (s *Session) Snapshot() cytubenet.Snapshot {
	return s.store.Snapshot()
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the session. It does not wait for the handler goroutine, so it
// may be called from a handler.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.limiter.Close()
	if !started {
		s.finish(nil)
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify runs on the supervisor goroutine and must not block.
func (s *Session) notify(sc event.StatusChange) {
	s.statusMu.Lock()
	s.statuses = append(s.statuses, pendingStatus{sc: sc, after: s.enqueued.Load()})
	s.statusMu.Unlock()

	select {
	case s.statusSig <- struct{}{}:
	default:
	}

	if sc.To == event.StatusConnected {
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

// push queues ev for the dispatch loop. It fails only when the session ends.
func (s *Session) push(ctx context.Context, ev event.Event) bool {
	select {
	case s.inbound <- ev:
		s.enqueued.Add(1)
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatchLoop is the only goroutine that applies events and runs handlers.
func (s *Session) dispatchLoop() {
	var dispatched uint64
	for {
		s.flushStatus(dispatched)

		select {
		case ev, ok := <-s.inbound:
			if !ok {
				s.flushStatus(math.MaxUint64)
				return
			}
			dispatched++
			if _, ok := ev.(resync); ok {
				s.store.ExpectResync()
				continue
			}
			s.disp.Dispatch(ev)
		case <-s.statusSig:
		}
	}
}

// flushStatus dispatches the queued status changes whose preceding events
// have all been dispatched.
func (s *Session) flushStatus(dispatched uint64) {
	s.statusMu.Lock()
	n := 0
	for n < len(s.statuses) && s.statuses[n].after <= dispatched {
		n++
	}
	ready := s.statuses[:n:n]
	s.statuses = s.statuses[n:]
	s.statusMu.Unlock()

	for _, p := range ready {
		s.disp.Dispatch(p.sc)
	}
}

func (s *Session) Send(ctx context.Context, kind cytubenet.Kind, payload any) error {
	result, err := s.SendAsync(kind, payload)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) SendAsync(kind cytubenet.Kind, payload any) (<-chan error, error) {
	var (
		frame []byte
		err   error
	)
	if payload == nil {
		frame, err = protocol.EncodeEvent(string(kind))
	} else {
		frame, err = protocol.EncodeEvent(string(kind), payload)
	}
	if err != nil {
		return nil, err
	}
	return s.limiter.Schedule(frame)
}

// deliver is the limiter's sender. It writes to the live connection and
// follows it across reconnects, so frames are held rather than lost.
func (s *Session) deliver(ctx context.Context, frame []byte) error {
	var failed *transport.Conn
	for {
		conn, err := s.waitLive(ctx, failed)
		if err != nil {
			return err
		}
		err = conn.Send(ctx, frame)
		if errors.Is(err, transport.ErrClosed) {
			failed = conn
			continue
		}
		return err
	}
}

func (s *Session) waitLive(ctx context.Context, not *transport.Conn) (*transport.Conn, error) {
	for {
		s.liveMu.Lock()
		conn, changed := s.live, s.liveCh
		s.liveMu.Unlock()

		if conn != nil && conn != not {
			return conn, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Session) setLive(conn *transport.Conn) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.live = conn
	close(s.liveCh)
	s.liveCh = make(chan struct{})
}

// clearLive forgets conn if it is still the live connection.
func (s *Session) clearLive(conn *transport.Conn) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if s.live == conn {
		s.live = nil
		close(s.liveCh)
		s.liveCh = make(chan struct{})
	}
}

func (s *Session) closeLive() {
	s.liveMu.Lock()
	conn := s.live
	s.liveMu.Unlock()
	if conn != nil {
		conn.Close(context.Background())
	}
}
