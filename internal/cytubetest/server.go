// Package cytubetest runs an in-process channel server speaking the same
// Engine.IO/Socket.IO dialect as the real platform, for tests.
package cytubetest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/cytubenet/internal/protocol"
)

// HandlerFn handles one event emitted by a client.
type HandlerFn = func(c *Client, args []json.RawMessage)

// Options tweak server behaviour for failure tests.
type Options struct {
	// PingInterval is advertised in the handshake. Default 25s.
	PingInterval time.Duration
	// Silent stops the server from answering pings.
	Silent bool
	// BadProbe makes the server answer the upgrade probe incorrectly.
	BadProbe bool
	// RejectPolling fails the polling handshake with 503.
	RejectPolling bool
	// SocketConfig overrides the discovery document. Nil means one insecure
	// server pointing at this test server.
	SocketConfig any
	// ChannelPassword, when set, must be sent with joinChannel.
	ChannelPassword string
	// Accounts maps registered names to passwords. Logins without a password
	// are guest logins.
	Accounts map[string]string
	// ThrottleGuests rejects that many guest logins with a retry hint first.
	ThrottleGuests int
	// Permissions is the initial permission table. Nil means everything is
	// allowed for rank 0.
	Permissions map[string]float64
	// PlaylistLocked is announced with setPlaylistLocked on join.
	PlaylistLocked bool
}

// Server is the fake channel server.
type Server struct {
	*httptest.Server

	opts     Options
	upgrader websocket.Upgrader
	handlers sync.Map // map[string]HandlerFn
	clients  sync.Map // map[string]*Client
	sids     sync.Map // map[string]bool

	connects  atomic.Int64
	onConnect atomic.Value // func(*Client)

	channel *channelState
}

// New starts a server with the default channel handlers installed.
func New(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	s := &Server{
		opts:    opts,
		channel: newChannelState(opts),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", s.handleSocket)
	mux.HandleFunc("/socketconfig/", s.handleSocketConfig)
	s.Server = httptest.NewServer(mux)

	s.installDefaults()
	return s
}

// Endpoint returns the Socket.IO endpoint clients should dial.
func (s *Server) Endpoint() string {
	return s.URL + "/socket.io/"
}

// Domain returns host:port, usable as a discovery domain over plain HTTP.
func (s *Server) Domain() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Handle registers or replaces the handler for an event name.
func (s *Server) Handle(event string, handler HandlerFn) {
	s.handlers.Store(event, handler)
}

// Handler returns the handler registered for event, or nil.
func (s *Server) Handler(event string) HandlerFn {
	if h, ok := s.handlers.Load(event); ok {
		return h.(HandlerFn)
	}
	return nil
}

// OnConnect sets a callback run after each client finished the upgrade.
func (s *Server) OnConnect(fn func(*Client)) {
	s.onConnect.Store(fn)
}

// Connects returns how many websocket sessions were established.
func (s *Server) Connects() int {
	return int(s.connects.Load())
}

// Clients returns the connected clients.
func (s *Server) Clients() []*Client {
	var out []*Client
	s.clients.Range(func(_, value any) bool {
		out = append(out, value.(*Client))
		return true
	})
	return out
}

// WaitClient waits for the n-th client (1-based) to connect.
func (s *Server) WaitClient(n int, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var found *Client
		s.clients.Range(func(_, value any) bool {
			if c := value.(*Client); c.seq == n {
				found = c
				return false
			}
			return true
		})
		if found != nil {
			return found, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, fmt.Errorf("client %d did not connect within %s", n, timeout)
}

// Broadcast emits an event to every connected client.
func (s *Server) Broadcast(event string, args ...any) {
	for _, c := range s.Clients() {
		c.Emit(event, args...)
	}
}

// DropAll closes every client connection without a close handshake.
func (s *Server) DropAll() {
	for _, c := range s.Clients() {
		c.Drop()
	}
}

func (s *Server) handleSocketConfig(w http.ResponseWriter, r *http.Request) {
	doc := s.opts.SocketConfig
	if doc == nil {
		doc = map[string]any{
			"servers": []map[string]any{{"url": s.URL, "secure": false}},
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "3" {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}

	switch q.Get("transport") {
	case "polling":
		s.handlePolling(w)
	case "websocket":
		if _, ok := s.sids.Load(q.Get("sid")); !ok {
			http.Error(w, "unknown sid", http.StatusBadRequest)
			return
		}
		s.handleWebSocket(w, r, q.Get("sid"))
	default:
		http.Error(w, "unknown transport", http.StatusBadRequest)
	}
}

func (s *Server) handlePolling(w http.ResponseWriter) {
	if s.opts.RejectPolling {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}

	sid := uuid.NewString()
	s.sids.Store(sid, true)

	open, _ := json.Marshal(protocol.Handshake{
		SID:          sid,
		Upgrades:     []string{"websocket"},
		PingInterval: int(s.opts.PingInterval / time.Millisecond),
		PingTimeout:  int(2 * s.opts.PingInterval / time.Millisecond),
	})
	packet := "0" + string(open)
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	fmt.Fprintf(w, "%d:%s2:40", len(packet), packet)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, sid string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if err := s.upgradeProbe(conn); err != nil {
		slog.Debug("Probe failed", "sid", sid, "err", err)
		conn.Close()
		return
	}

	client := newClient(conn, sid, int(s.connects.Add(1)))
	s.clients.Store(client.id, client)
	go s.handleClient(client)
}

func (s *Server) upgradeProbe(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	if string(data) != "2probe" {
		return fmt.Errorf("unexpected probe %q", data)
	}

	reply := "3probe"
	if s.opts.BadProbe {
		reply = "3nope"
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
		return err
	}

	_, data, err = conn.ReadMessage()
	if err != nil {
		return err
	}
	if string(data) != "5" {
		return fmt.Errorf("unexpected upgrade %q", data)
	}
	return conn.WriteMessage(websocket.TextMessage, []byte("40"))
}

// handleClient reads frames from one client until it disconnects.
func (s *Server) handleClient(client *Client) {
	defer func() {
		s.clients.Delete(client.id)
		client.Close()
	}()

	if fn, ok := s.onConnect.Load().(func(*Client)); ok && fn != nil {
		fn(client)
	}

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		f, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("Malformed client frame", "frame", string(data), "err", err)
			continue
		}

		switch {
		case f.Type == protocol.Pong:
			client.pongs.Add(1)
		case f.Type == protocol.Ping:
			if !s.opts.Silent {
				client.writeRaw(protocol.Packet(protocol.Pong, f.Data))
			}
		case f.IsEvent():
			client.record(f.Event, f.Args)
			if handler, ok := s.handlers.Load(f.Event); ok {
				handler.(HandlerFn)(client, f.Args)
			}
		}
	}
}

// Client is one connected session as seen by the server.
type Client struct {
	id   string
	sid  string
	seq  int
	conn *websocket.Conn

	writeMu sync.Mutex
	pongs   atomic.Int64

	mu       sync.Mutex
	name     string
	joined   bool
	received []Received
	notify   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Received is an event a client emitted.
type Received struct {
	Event string
	Args  []json.RawMessage
}

func newClient(conn *websocket.Conn, sid string, seq int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:     uuid.NewString(),
		sid:    sid,
		seq:    seq,
		conn:   conn,
		notify: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Seq is the 1-based order in which the client connected.
func (c *Client) Seq() int { return c.seq }

// Pongs returns how many pongs the client sent in reply to server pings.
func (c *Client) Pongs() int { return int(c.pongs.Load()) }

// Emit sends an event to the client.
func (c *Client) Emit(event string, args ...any) error {
	frame, err := protocol.EncodeEvent(event, args...)
	if err != nil {
		return err
	}
	return c.writeRaw(frame)
}

// WriteRaw sends an arbitrary text frame.
func (c *Client) WriteRaw(frame string) error {
	return c.writeRaw([]byte(frame))
}

func (c *Client) writeRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Drop closes the TCP connection without a close handshake.
func (c *Client) Drop() {
	c.cancel()
	c.conn.UnderlyingConn().Close()
}

// Disconnect sends a Socket.IO disconnect packet.
func (c *Client) Disconnect() error {
	return c.WriteRaw("41")
}

// Close closes the connection.
func (c *Client) Close() {
	c.cancel()
	c.conn.Close()
}

// Done is closed once the client is gone.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) record(event string, args []json.RawMessage) {
	c.mu.Lock()
	c.received = append(c.received, Received{Event: event, Args: args})
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// Received returns every event the client emitted so far.
func (c *Client) Received() []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Received(nil), c.received...)
}

// Wait blocks until the client has emitted n events named event.
func (c *Client) Wait(event string, n int, timeout time.Duration) ([]Received, error) {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		var matched []Received
		for _, r := range c.received {
			if r.Event == event {
				matched = append(matched, r)
			}
		}
		notify := c.notify
		c.mu.Unlock()

		if len(matched) >= n {
			return matched, nil
		}
		select {
		case <-notify:
		case <-deadline:
			return matched, fmt.Errorf("got %d %q events, want %d", len(matched), event, n)
		}
	}
}
