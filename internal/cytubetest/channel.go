package cytubetest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/luciancaetano/cytubenet/event"
)

// channelState is the server side of a single channel.
type channelState struct {
	mu        sync.Mutex
	password  string
	accounts  map[string]string
	throttled int
	perms     map[string]float64
	locked    bool
	users     []event.User
	items     []event.Item
	nextUID   int
}

func newChannelState(opts Options) *channelState {
	perms := opts.Permissions
	if perms == nil {
		perms = map[string]float64{
			"chat":            0,
			"chatclear":       0,
			"playlistadd":     0,
			"playlistnext":    0,
			"playlistdelete":  0,
			"playlistmove":    0,
			"oplaylistadd":    0,
			"oplaylistnext":   0,
			"oplaylistdelete": 0,
			"oplaylistmove":   0,
			"addnontemp":      0,
		}
	}
	return &channelState{
		password:  opts.ChannelPassword,
		accounts:  opts.Accounts,
		throttled: opts.ThrottleGuests,
		perms:     perms,
		locked:    opts.PlaylistLocked,
		nextUID:   1,
	}
}

func (s *Server) installDefaults() {
	s.Handle("joinChannel", s.handleJoin)
	s.Handle("login", s.handleLogin)
	s.Handle("chatMsg", s.handleChat)
	s.Handle("pm", s.handlePM)
	s.Handle("queue", s.handleQueue)
	s.Handle("delete", s.handleDelete)
	s.Handle("moveMedia", s.handleMove)
}

// SetPermissions replaces the permission table and pushes it to every client.
func (s *Server) SetPermissions(perms map[string]float64) {
	s.channel.mu.Lock()
	s.channel.perms = perms
	s.channel.mu.Unlock()
	s.Broadcast("setPermissions", perms)
}

// SetUserMeta updates a user's flags and announces them.
func (s *Server) SetUserMeta(name string, meta event.Meta) {
	s.channel.mu.Lock()
	for i := range s.channel.users {
		if strings.EqualFold(s.channel.users[i].Name, name) {
			s.channel.users[i].Meta = meta
		}
	}
	s.channel.mu.Unlock()
	s.Broadcast("setUserMeta", map[string]any{"name": name, "meta": meta})
}

// AddUser adds a user to the channel and announces it.
func (s *Server) AddUser(u event.User) {
	s.channel.mu.Lock()
	s.channel.users = append(s.channel.users, u)
	s.channel.mu.Unlock()
	s.Broadcast("addUser", u)
}

// Kick sends a kick to c and closes its connection.
func (s *Server) Kick(c *Client, reason string) {
	c.Emit("kick", map[string]string{"reason": reason})
	c.Disconnect()
}

// Playlist returns the server's playlist.
func (s *Server) Playlist() []event.Item {
	s.channel.mu.Lock()
	defer s.channel.mu.Unlock()
	return append([]event.Item(nil), s.channel.items...)
}

func arg[T any](args []json.RawMessage) (T, bool) {
	var v T
	if len(args) == 0 {
		return v, false
	}
	return v, json.Unmarshal(args[0], &v) == nil
}

func (s *Server) handleJoin(c *Client, args []json.RawMessage) {
	req, ok := arg[struct {
		Name string `json:"name"`
		PW   string `json:"pw"`
	}](args)
	if !ok {
		return
	}

	ch := s.channel
	ch.mu.Lock()
	if ch.password != "" && req.PW != ch.password {
		ch.mu.Unlock()
		c.Emit("needPassword", true)
		return
	}
	perms := ch.perms
	locked := ch.locked
	users := append([]event.User(nil), ch.users...)
	items := append([]event.Item(nil), ch.items...)
	ch.mu.Unlock()

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()

	c.Emit("rank", 0)
	c.Emit("setPermissions", perms)
	c.Emit("setPlaylistLocked", locked)
	c.Emit("channelOpts", map[string]any{"allow_voteskip": true, "chat_antiflood": false})
	c.Emit("setMotd", "welcome to "+req.Name)
	c.Emit("userlist", users)
	c.Emit("playlist", items)
	c.Emit("usercount", len(users))
}

func (s *Server) handleLogin(c *Client, args []json.RawMessage) {
	req, ok := arg[struct {
		Name string `json:"name"`
		PW   string `json:"pw"`
	}](args)
	if !ok {
		return
	}

	ch := s.channel
	ch.mu.Lock()
	guest := req.PW == ""
	if guest && ch.throttled > 0 {
		ch.throttled--
		ch.mu.Unlock()
		c.Emit("login", map[string]any{
			"success": false,
			"error":   "Guest logins are restricted to one per IP address per 1 seconds.",
		})
		return
	}
	if !guest && ch.accounts[req.Name] != req.PW {
		ch.mu.Unlock()
		c.Emit("login", map[string]any{"success": false, "error": "Invalid username/password combination"})
		return
	}
	rank := 0.0
	if !guest {
		rank = 1
	}
	user := event.User{Name: req.Name, Rank: rank}
	ch.users = append(ch.users, user)
	ch.mu.Unlock()

	c.mu.Lock()
	c.name = req.Name
	c.mu.Unlock()

	c.Emit("login", map[string]any{"success": true, "name": req.Name, "guest": guest})
	c.Emit("rank", rank)
	s.Broadcast("addUser", user)
}

func (s *Server) handleChat(c *Client, args []json.RawMessage) {
	req, ok := arg[struct {
		Msg  string         `json:"msg"`
		Meta map[string]any `json:"meta"`
	}](args)
	if !ok {
		return
	}

	c.mu.Lock()
	name := c.name
	c.mu.Unlock()

	switch req.Msg {
	case "/clear":
		s.Broadcast("clearchat")
	case "/afk":
		ch := s.channel
		ch.mu.Lock()
		afk := false
		for i := range ch.users {
			if strings.EqualFold(ch.users[i].Name, name) {
				ch.users[i].Meta.AFK = !ch.users[i].Meta.AFK
				afk = ch.users[i].Meta.AFK
			}
		}
		ch.mu.Unlock()
		s.Broadcast("setAFK", map[string]any{"name": name, "afk": afk})
	default:
		s.Broadcast("chatMsg", map[string]any{
			"username": name,
			"msg":      req.Msg,
			"meta":     req.Meta,
			"time":     time.Now().UnixMilli(),
		})
	}
}

func (s *Server) handlePM(c *Client, args []json.RawMessage) {
	req, ok := arg[struct {
		To  string `json:"to"`
		Msg string `json:"msg"`
	}](args)
	if !ok {
		return
	}

	c.mu.Lock()
	name := c.name
	c.mu.Unlock()

	c.Emit("pm", map[string]any{
		"username": name,
		"to":       req.To,
		"msg":      req.Msg,
		"meta":     map[string]any{},
		"time":     time.Now().UnixMilli(),
	})
}

func (s *Server) handleQueue(c *Client, args []json.RawMessage) {
	req, ok := arg[struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Pos  string `json:"pos"`
		Temp bool   `json:"temp"`
	}](args)
	if !ok {
		return
	}

	c.mu.Lock()
	name := c.name
	c.mu.Unlock()

	ch := s.channel
	ch.mu.Lock()
	item := event.Item{
		UID:      ch.nextUID,
		Temp:     req.Temp,
		QueuedBy: name,
		Media:    event.Media{Type: req.Type, ID: req.ID, Title: fmt.Sprintf("%s:%s", req.Type, req.ID), Duration: 60},
	}
	ch.nextUID++

	var after any = "prepend"
	switch {
	case req.Pos == "next" && len(ch.items) > 0:
		after = ch.items[0].UID
		ch.items = append(ch.items[:1], append([]event.Item{item}, ch.items[1:]...)...)
	case len(ch.items) > 0:
		after = ch.items[len(ch.items)-1].UID
		ch.items = append(ch.items, item)
	default:
		ch.items = append(ch.items, item)
	}
	ch.mu.Unlock()

	s.Broadcast("queue", map[string]any{"item": item, "after": after})
}

func (s *Server) handleDelete(c *Client, args []json.RawMessage) {
	uid, ok := arg[int](args)
	if !ok {
		return
	}

	ch := s.channel
	ch.mu.Lock()
	for i, it := range ch.items {
		if it.UID == uid {
			ch.items = append(ch.items[:i], ch.items[i+1:]...)
			break
		}
	}
	ch.mu.Unlock()

	s.Broadcast("delete", map[string]int{"uid": uid})
}

func (s *Server) handleMove(c *Client, args []json.RawMessage) {
	req, ok := arg[struct {
		From  int             `json:"from"`
		After json.RawMessage `json:"after"`
	}](args)
	if !ok {
		return
	}
	s.Broadcast("moveVideo", map[string]any{"from": req.From, "after": req.After})
}

// Joined reports whether the client has sent joinChannel.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}
