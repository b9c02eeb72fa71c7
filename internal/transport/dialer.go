// Package transport speaks Engine.IO v3 over a websocket: the polling
// handshake, the probe/upgrade exchange, heartbeats and frame delivery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"github.com/luciancaetano/cytubenet/internal/protocol"
)

var (
	// ErrHandshake wraps every failure before the connection is established.
	ErrHandshake = errors.New("handshake failed")
	// ErrHeartbeatTimeout ends a connection that stayed silent past its deadline.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrClosed is returned by Send once the connection has ended.
	ErrClosed = errors.New("connection closed")
	// ErrServerDisconnect ends a connection the server closed at protocol level.
	ErrServerDisconnect = errors.New("server disconnected")
)

const (
	defaultProxyPort = "1080"
	maxHandshakeBody = 64 * 1024
	writeWait        = 10 * time.Second
)

// Options configures a Dialer.
type Options struct {
	// HandshakeTimeout bounds the polling request and the websocket upgrade together.
	HandshakeTimeout time.Duration
	// HeartbeatTimeout is how long a connection may stay silent. Zero means
	// twice the server's ping interval.
	HeartbeatTimeout time.Duration
	// Proxy is a SOCKS5 proxy address, host[:port].
	Proxy string
	// OnMalformed is called for every inbound frame that could not be decoded.
	OnMalformed func(err error)
	Logger      *slog.Logger
}

// Dialer opens connections to a Socket.IO endpoint.
type Dialer struct {
	opts   Options
	http   *http.Client
	ws     *websocket.Dialer
	logger *slog.Logger
}

// NewDialer creates a dialer. It fails only for an invalid proxy address.
func NewDialer(opts Options) (*Dialer, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.OnMalformed == nil {
		opts.OnMalformed = func(error) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	netDialer := &net.Dialer{Timeout: opts.HandshakeTimeout, KeepAlive: 30 * time.Second}
	dial := netDialer.DialContext
	if opts.Proxy != "" {
		pd, err := socksDialer(opts.Proxy, netDialer)
		if err != nil {
			return nil, err
		}
		dial = pd.DialContext
	}

	jar, _ := cookiejar.New(nil)
	transport := &http.Transport{
		DialContext:         dial,
		TLSHandshakeTimeout: opts.HandshakeTimeout,
		MaxIdleConns:        2,
		IdleConnTimeout:     30 * time.Second,
	}

	return &Dialer{
		opts: opts,
		http: &http.Client{Transport: transport, Jar: jar},
		ws: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: opts.HandshakeTimeout,
			Jar:              jar,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger,
	}, nil
}

// socksDialer routes everything but loopback addresses through a SOCKS5 proxy.
func socksDialer(addr string, forward *net.Dialer) (*proxy.PerHost, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), defaultProxyPort)
	}

	socks, err := proxy.SOCKS5("tcp", addr, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", addr, err)
	}
	perHost := proxy.NewPerHost(socks, forward)
	perHost.AddFromString("localhost,127.0.0.1,::1")
	return perHost, nil
}

// Dial performs the handshake against endpoint, a Socket.IO base URL such as
// "https://host:8443/socket.io/", and returns the established connection.
func (d *Dialer) Dial(ctx context.Context, endpoint string) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint: %v", ErrHandshake, err)
	}

	hs, err := d.poll(ctx, base)
	if err != nil {
		return nil, err
	}

	ws, err := d.upgrade(ctx, base, hs.SID)
	if err != nil {
		return nil, err
	}

	heartbeat := d.opts.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = 2 * hs.Interval()
	} else if heartbeat <= hs.Interval() {
		d.logger.Warn("Heartbeat timeout does not exceed the server ping interval",
			"heartbeat_timeout", heartbeat, "ping_interval", hs.Interval())
	}
	return newConn(ws, hs, heartbeat, d.opts.OnMalformed, d.logger), nil
}

// poll opens the Engine.IO session over HTTP long-polling.
func (d *Dialer) poll(ctx context.Context, base *url.URL) (protocol.Handshake, error) {
	u := *base
	q := u.Query()
	q.Set("EIO", "3")
	q.Set("transport", "polling")
	q.Set("t", strconv.FormatInt(time.Now().UnixMilli(), 36))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("%w: polling request: %v", ErrHandshake, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return protocol.Handshake{}, fmt.Errorf("%w: polling request: %s", ErrHandshake, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHandshakeBody))
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("%w: polling response: %v", ErrHandshake, err)
	}

	hs, err := protocol.ParseHandshake(body)
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return hs, nil
}

// upgrade moves the session onto a websocket with the probe exchange.
func (d *Dialer) upgrade(ctx context.Context, base *url.URL, sid string) (*websocket.Conn, error) {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("EIO", "3")
	q.Set("transport", "websocket")
	q.Set("sid", sid)
	u.RawQuery = q.Encode()

	ws, resp, err := d.ws.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: websocket upgrade: %v (%s)", ErrHandshake, err, resp.Status)
		}
		return nil, fmt.Errorf("%w: websocket upgrade: %v", ErrHandshake, err)
	}

	if err := probe(ctx, ws); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

func probe(ctx context.Context, ws *websocket.Conn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	ws.SetWriteDeadline(deadline)
	ws.SetReadDeadline(deadline)
	defer ws.SetWriteDeadline(time.Time{})
	defer ws.SetReadDeadline(time.Time{})

	if err := ws.WriteMessage(websocket.TextMessage, protocol.Packet(protocol.Ping, "probe")); err != nil {
		return fmt.Errorf("%w: probe: %v", ErrHandshake, err)
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: probe: %v", ErrHandshake, err)
	}
	f, err := protocol.Decode(data)
	if err != nil || f.Type != protocol.Pong || f.Data != "probe" {
		return fmt.Errorf("%w: unexpected probe reply %q", ErrHandshake, data)
	}

	if err := ws.WriteMessage(websocket.TextMessage, protocol.Packet(protocol.Upgrade, "")); err != nil {
		return fmt.Errorf("%w: upgrade: %v", ErrHandshake, err)
	}
	return nil
}
