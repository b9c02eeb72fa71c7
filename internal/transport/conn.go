package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/cytubenet/internal/protocol"
)

type writeRequest struct {
	data   []byte
	result chan error
}

// Conn is an upgraded Engine.IO connection. It never reconnects: once Done
// is closed the Conn is finished and Err tells why.
type Conn struct {
	id        string
	ws        *websocket.Conn
	handshake protocol.Handshake
	heartbeat time.Duration

	sendCh      chan writeRequest
	frames      chan protocol.Frame
	ctx         context.Context
	cancel      context.CancelFunc
	onMalformed func(error)
	logger      *slog.Logger

	once sync.Once
	mu   sync.RWMutex
	err  error
	done chan struct{}
}

func newConn(ws *websocket.Conn, hs protocol.Handshake, heartbeat time.Duration, onMalformed func(error), logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:          uuid.NewString(),
		ws:          ws,
		handshake:   hs,
		heartbeat:   heartbeat,
		sendCh:      make(chan writeRequest),
		frames:      make(chan protocol.Frame, 256),
		ctx:         ctx,
		cancel:      cancel,
		onMalformed: onMalformed,
		done:        make(chan struct{}),
	}
	c.logger = logger.With("conn", c.id, "sid", hs.SID)

	go c.readPump()
	go c.writePump()
	return c
}

// ID returns a unique identifier for this connection.
func (c *Conn) ID() string {
	return c.id
}

// Handshake returns the parameters negotiated with the server.
func (c *Conn) Handshake() protocol.Handshake {
	return c.handshake
}

// Frames yields inbound message frames in arrival order. The channel is
// closed when the connection ends.
func (c *Conn) Frames() <-chan protocol.Frame {
	return c.frames
}

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil if it is open or was closed
// with Close.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Send writes one encoded frame and waits for the write to complete.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	req := writeRequest{data: frame, result: make(chan error, 1)}

	select {
	case c.sendCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// Emit encodes and sends a Socket.IO event.
func (c *Conn) Emit(ctx context.Context, name string, args ...any) error {
	frame, err := protocol.EncodeEvent(name, args...)
	if err != nil {
		return err
	}
	return c.Send(ctx, frame)
}

// Close closes the connection gracefully.
func (c *Conn) Close(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.finish(nil)
	return nil
}

// finish records the first terminal error and releases everything.
func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn("Connection lost", "err", err)
		}
		c.cancel()
		c.ws.Close()
		close(c.done)
	})
}

// readPump reads frames until the connection fails. Any frame counts as a
// heartbeat and pushes the read deadline out.
func (c *Conn) readPump() {
	defer close(c.frames)

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.heartbeat))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(readError(err))
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", "err", err)
			c.onMalformed(err)
			continue
		}

		switch f.Type {
		case protocol.Ping:
			go c.Send(c.ctx, protocol.Packet(protocol.Pong, f.Data))
			continue
		case protocol.Close:
			c.finish(ErrServerDisconnect)
			return
		case protocol.Message:
		default:
			continue
		}

		if f.Message == protocol.Disconnect {
			c.finish(ErrServerDisconnect)
			return
		}

		select {
		case c.frames <- f:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump serializes writes and sends a ping every ping interval.
func (c *Conn) writePump() {
	interval := c.handshake.Interval()
	if interval <= 0 {
		interval = 25 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case req := <-c.sendCh:
			err := c.write(req.data)
			req.result <- err
			if err != nil {
				c.finish(fmt.Errorf("write: %w", err))
				return
			}

		case <-ticker.C:
			if err := c.write(protocol.Packet(protocol.Ping, "")); err != nil {
				c.finish(fmt.Errorf("ping: %w", err))
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func readError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrHeartbeatTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrServerDisconnect, err)
	}
	return fmt.Errorf("read: %w", err)
}
