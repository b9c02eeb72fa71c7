package session

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/event"
	"github.com/luciancaetano/cytubenet/internal/protocol"
	"github.com/luciancaetano/cytubenet/internal/reconnect"
	"github.com/luciancaetano/cytubenet/internal/transport"
)

var guestLoginLimit = regexp.MustCompile(`(?i)^guest logins .* ([0-9]+) seconds\.`)

// joinAcks are the events the server answers joinChannel with.
var joinAcks = []event.Kind{
	event.KindChannelOpts,
	event.KindSetPermissions,
	event.KindUserlist,
	event.KindPlaylist,
	event.KindNeedPassword,
}

// connection is what the supervisor watches. It ends only after its reader
// has handed every frame to the inbound queue.
type connection struct {
	conn *transport.Conn
	done chan struct{}

	mu  sync.Mutex
	err error
}

var _ reconnect.Connection = (*connection)(nil)

func (c *connection) Done() <-chan struct{} { return c.done }

func (c *connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return c.conn.Err()
}

func (c *connection) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// attempt dials, joins and logs in once.
func (s *Session) attempt(ctx context.Context) (reconnect.Connection, error) {
	ctx, span := s.tracer.Start(ctx, "cytube.connect", trace.WithAttributes(
		attribute.String("cytube.channel", s.cfg.Channel),
		attribute.String("cytube.session", s.id),
	))
	defer span.End()

	start := s.clock.Now()
	lc, err := s.open(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.ConnectDuration.Observe(s.clock.Since(start).Seconds())
	span.SetStatus(codes.Ok, "")
	return lc, nil
}

func (s *Session) open(ctx context.Context, span trace.Span) (*connection, error) {
	endpoint, err := s.endpoint(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("cytube.endpoint", endpoint))

	conn, err := s.dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("conn", conn.ID())
	logger.Debug("Connected", "endpoint", endpoint, "sid", conn.Handshake().SID)

	if s.rejoined && !s.push(ctx, resync{}) {
		conn.Close(context.Background())
		return nil, ctx.Err()
	}

	lc := &connection{conn: conn, done: make(chan struct{})}
	s.readers.Add(1)
	go s.readLoop(lc)

	if err := s.join(ctx, lc); err != nil {
		conn.Close(context.Background())
		return nil, err
	}

	s.rejoined = true
	s.setLive(conn)
	logger.Info("Joined channel", "user", s.cfg.User)
	return lc, nil
}

func (s *Session) endpoint(ctx context.Context) (string, error) {
	if s.cfg.Endpoint != "" {
		return s.cfg.Endpoint, nil
	}
	return s.resolver.Resolve(ctx)
}

// readLoop decodes the frames of one connection into the inbound queue.
func (s *Session) readLoop(lc *connection) {
	defer s.readers.Done()
	defer close(lc.done)
	defer s.clearLive(lc.conn)

	for f := range lc.conn.Frames() {
		if f.Type == protocol.Message && f.Message == protocol.Error {
			s.logger.Warn("Server error", "err", f.Data)
			s.metrics.FramesDropped.WithLabelValues("server_error").Inc()
			continue
		}
		if !f.IsEvent() {
			continue
		}
		s.metrics.FramesReceived.Inc()

		ev, err := s.decoders.Decode(f.Event, f.Args)
		if err != nil {
			s.logger.Warn("Dropping undecodable event", "event", f.Event, "err", err)
			s.metrics.FramesDropped.WithLabelValues("undecodable").Inc()
			continue
		}

		if kick, ok := ev.(event.Kick); ok {
			lc.fail(fmt.Errorf("%w: %s", cytubenet.ErrKicked, kick.Reason))
		}

		if !s.push(s.ctx, ev) {
			return
		}

		if _, ok := ev.(event.Kick); ok {
			lc.conn.Close(context.Background())
		}
	}
}

// join sends joinChannel and, with a configured user, login.
func (s *Session) join(ctx context.Context, lc *connection) error {
	acks, cancel := s.disp.Expect(joinAcks...)
	defer cancel()

	req := map[string]any{"name": s.cfg.Channel}
	if s.cfg.ChannelPassword != "" {
		req["pw"] = s.cfg.ChannelPassword
	}
	ev, err := s.exchange(ctx, lc, cytubenet.CmdJoinChannel, req, acks)
	if err != nil {
		return fmt.Errorf("join %s: %w", s.cfg.Channel, err)
	}
	if np, ok := ev.(event.NeedPassword); ok && np.Needed {
		return cytubenet.ErrChannelPassword
	}

	if s.cfg.User == "" {
		return nil
	}
	return s.login(ctx, lc)
}

func (s *Session) login(ctx context.Context, lc *connection) error {
	req := map[string]any{"name": s.cfg.User}
	if s.cfg.Password != "" {
		req["pw"] = s.cfg.Password
	}

	for {
		acks, cancel := s.disp.Expect(event.KindLogin)
		ev, err := s.exchange(ctx, lc, cytubenet.CmdLogin, req, acks)
		cancel()
		if err != nil {
			return fmt.Errorf("login %s: %w", s.cfg.User, err)
		}

		res := ev.(event.Login)
		if res.Success {
			return nil
		}

		m := guestLoginLimit.FindStringSubmatch(res.Error)
		if m == nil {
			return fmt.Errorf("%w: %s", cytubenet.ErrLoginRejected, res.Error)
		}
		delay, err := strconv.Atoi(m[1])
		if err != nil {
			return fmt.Errorf("%w: %s", cytubenet.ErrLoginRejected, res.Error)
		}
		delay = max(delay, 1)

		s.logger.Warn("Guest login throttled", "retry_in", delay)
		select {
		case <-s.clock.After(time.Duration(delay) * time.Second):
		case <-lc.done:
			return s.lost(lc)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// exchange emits a request directly, bypassing the rate limiter, and waits
// for the first matching reply within the join timeout.
func (s *Session) exchange(ctx context.Context, lc *connection, cmd cytubenet.Kind, req any, acks <-chan event.Event) (event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	if err := lc.conn.Emit(ctx, string(cmd), req); err != nil {
		return nil, err
	}

	select {
	case ev := <-acks:
		return ev, nil
	case <-lc.done:
		return nil, s.lost(lc)
	case <-ctx.Done():
		return nil, fmt.Errorf("no reply to %s: %w", cmd, ctx.Err())
	}
}

func (s *Session) lost(lc *connection) error {
	if err := lc.Err(); err != nil {
		return err
	}
	return cytubenet.ErrNotConnected
}
