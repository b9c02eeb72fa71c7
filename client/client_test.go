package client_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/client"
	"github.com/luciancaetano/cytubenet/event"
	"github.com/luciancaetano/cytubenet/internal/cytubetest"
)

const waitFor = 5 * time.Second

type observed struct {
	ev   cytubenet.Event
	snap cytubenet.Snapshot
}

func testConfig(srv *cytubetest.Server) client.Config {
	cfg := client.DefaultConfig()
	cfg.Channel = "room"
	cfg.Endpoint = srv.Endpoint()
	cfg.BackoffMin = 20 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.JoinTimeout = 2 * time.Second
	cfg.RateLimitInterval = 10 * time.Millisecond
	cfg.ResponseTimeout = 200 * time.Millisecond
	return cfg
}

func newSession(t *testing.T, cfg client.Config, opts ...client.Option) cytubenet.Session {
	t.Helper()
	sess, err := client.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		sess.Close(ctx)
	})
	return sess
}

func connect(t *testing.T, sess cytubenet.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
}

func observe(sess cytubenet.Session, kind cytubenet.Kind) <-chan observed {
	ch := make(chan observed, 512)
	sess.On(kind, func(ev cytubenet.Event, snap cytubenet.Snapshot) {
		ch <- observed{ev: ev, snap: snap}
	})
	return ch
}

func next(t *testing.T, ch <-chan observed) observed {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return observed{}
	}
}

func waitStatus(t *testing.T, ch <-chan observed, want cytubenet.Status) event.StatusChange {
	t.Helper()
	for {
		sc := next(t, ch).ev.(event.StatusChange)
		if sc.To == want {
			return sc
		}
	}
}

func waitDone(t *testing.T, sess cytubenet.Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		t.Fatalf("session still running, status %s", sess.Status())
	}
}

func TestUserJoinRankLeave(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	joins := observe(sess, event.KindAddUser)
	ranks := observe(sess, event.KindSetUserRank)
	leaves := observe(sess, event.KindUserLeave)
	connect(t, sess)

	srv.Broadcast("addUser", event.User{Name: "alice", Rank: 0})
	o := next(t, joins)
	_, ok := o.snap.User("alice")
	assert.True(t, ok, "alice present after join")

	srv.Broadcast("setUserRank", map[string]any{"name": "alice", "rank": 3})
	o = next(t, ranks)
	alice, ok := o.snap.User("ALICE")
	require.True(t, ok)
	assert.Equal(t, 3.0, alice.Rank)

	srv.Broadcast("userLeave", map[string]any{"name": "alice"})
	o = next(t, leaves)
	_, ok = o.snap.User("alice")
	assert.False(t, ok, "alice absent after leave")

	_, ok = sess.Snapshot().User("alice")
	assert.False(t, ok)
}

func TestPlaylistMovePreservesItem(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	queued := observe(sess, event.KindQueue)
	moved := observe(sess, event.KindMoveVideo)
	connect(t, sess)

	item := func(uid int, id string, seconds int) event.Item {
		return event.Item{UID: uid, QueuedBy: "bob", Media: event.Media{Type: "yt", ID: id, Title: id, Duration: seconds}}
	}
	srv.Broadcast("queue", map[string]any{"item": item(1, "a", 10), "after": "prepend"})
	srv.Broadcast("queue", map[string]any{"item": item(2, "b", 20), "after": 1})
	srv.Broadcast("queue", map[string]any{"item": item(7, "seven", 215), "after": "prepend"})
	for i := 0; i < 3; i++ {
		next(t, queued)
	}

	snap := sess.Snapshot()
	require.Equal(t, 0, snap.Index(7))
	before, _ := snap.Item(7)

	srv.Broadcast("moveVideo", map[string]any{"from": 7, "after": 2})
	o := next(t, moved)

	assert.Equal(t, 2, o.snap.Index(7))
	after, ok := o.snap.Item(7)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, 215*time.Second, after.Duration())
	assert.Len(t, o.snap.Playlist, 3)
}

func TestHandlersSeeSequentialState(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	counts := observe(sess, event.KindUsercount)
	connect(t, sess)
	next(t, counts) // sent on join

	const n = 50
	for i := 1; i <= n; i++ {
		srv.Broadcast("usercount", i)
	}

	var lastSeq uint64
	for i := 1; i <= n; i++ {
		o := next(t, counts)
		assert.Equal(t, i, o.ev.(event.Usercount).Count)
		assert.Equal(t, i, o.snap.UserCount)
		assert.Greater(t, o.snap.Seq, lastSeq)
		lastSeq = o.snap.Seq
	}
}

func TestChatRoundTrip(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	chats := observe(sess, event.KindChatMsg)
	pms := observe(sess, event.KindPM)
	connect(t, sess)

	ctx := context.Background()
	require.NoError(t, sess.Chat(ctx, "hello"))
	o := next(t, chats)
	assert.Equal(t, "hello", o.ev.(event.ChatMsg).Msg)
	require.NotEmpty(t, o.snap.Chat)
	assert.Equal(t, "hello", o.snap.Chat[len(o.snap.Chat)-1].Body)

	require.NoError(t, sess.PM(ctx, "alice", "psst"))
	o = next(t, pms)
	assert.Equal(t, "alice", o.ev.(event.PM).To)

	clears := observe(sess, event.KindClearChat)
	require.NoError(t, sess.ClearChat(ctx))
	o = next(t, clears)
	assert.Empty(t, o.snap.Chat)
}

func TestAddAndRemoveMedia(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	queued := observe(sess, event.KindQueue)
	deleted := observe(sess, event.KindDelete)
	connect(t, sess)

	ctx := context.Background()
	require.NoError(t, sess.AddMedia(ctx, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", false, true))
	o := next(t, queued)
	require.Len(t, o.snap.Playlist, 1)
	got := o.snap.Playlist[0]
	assert.Equal(t, "yt", got.Media.Type)
	assert.Equal(t, "dQw4w9WgXcQ", got.Media.ID)
	assert.True(t, got.Temp)

	peer, err := srv.WaitClient(1, waitFor)
	require.NoError(t, err)
	reqs, err := peer.Wait("queue", 1, waitFor)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"dQw4w9WgXcQ","type":"yt","pos":"end","temp":true}`, string(reqs[0].Args[0]))

	require.NoError(t, sess.RemoveMedia(ctx, got.UID))
	o = next(t, deleted)
	assert.Empty(t, o.snap.Playlist)

	assert.Error(t, sess.AddMedia(ctx, "ftp://example.com/movie", false, true))
}

func TestPermissionDenied(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{
		Permissions: map[string]float64{"chat": 2, "chatclear": 2, "playlistadd": 0, "addnontemp": 2},
	})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	connect(t, sess)

	require.Eventually(t, func() bool { return len(sess.Snapshot().Permissions) > 0 }, waitFor, 10*time.Millisecond)

	ctx := context.Background()
	assert.ErrorIs(t, sess.Chat(ctx, "hi"), cytubenet.ErrPermissionDenied)
	assert.ErrorIs(t, sess.ClearChat(ctx), cytubenet.ErrPermissionDenied)
	assert.ErrorIs(t, sess.PM(ctx, "alice", "hi"), cytubenet.ErrPermissionDenied)
	assert.ErrorIs(t, sess.AddMedia(ctx, "yt:abc", false, false), cytubenet.ErrPermissionDenied)
	assert.NoError(t, sess.AddMedia(ctx, "yt:abc", false, true))

	peer, err := srv.WaitClient(1, waitFor)
	require.NoError(t, err)
	for _, r := range peer.Received() {
		assert.NotEqual(t, "chatMsg", r.Event)
		assert.NotEqual(t, "pm", r.Event)
	}
}

func TestPlaylistPermissionsFollowLock(t *testing.T) {
	t.Parallel()

	perms := map[string]float64{
		"chat":            0,
		"playlistadd":     1.5,
		"playlistdelete":  2,
		"oplaylistadd":    -1,
		"oplaylistdelete": -1,
	}

	tests := []struct {
		name    string
		locked  bool
		wantErr error
	}{
		{name: "open playlist uses oplaylist actions", locked: false},
		{name: "locked playlist uses playlist actions", locked: true, wantErr: cytubenet.ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := cytubetest.New(cytubetest.Options{Permissions: perms, PlaylistLocked: tt.locked})
			defer srv.Close()

			sess := newSession(t, testConfig(srv))
			queued := observe(sess, event.KindQueue)
			locks := observe(sess, event.KindSetPlaylistLocked)
			connect(t, sess)
			next(t, locks)

			ctx := context.Background()
			err := sess.AddMedia(ctx, "yt:abc", false, true)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorContains(t, err, cytubenet.PermPlaylistAdd)
				assert.ErrorIs(t, sess.RemoveMedia(ctx, 1), tt.wantErr)
				return
			}

			require.NoError(t, err)
			o := next(t, queued)
			require.Len(t, o.snap.Playlist, 1)
			assert.NoError(t, sess.RemoveMedia(ctx, o.snap.Playlist[0].UID))
		})
	}
}

func TestMutedUserCannotChat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		meta event.Meta
	}{
		{name: "muted", meta: event.Meta{Muted: true}},
		{name: "shadow muted", meta: event.Meta{ShadowMuted: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := cytubetest.New(cytubetest.Options{Accounts: map[string]string{"bot": "secret"}})
			defer srv.Close()

			cfg := testConfig(srv)
			cfg.User = "bot"
			cfg.Password = "secret"
			sess := newSession(t, cfg)
			connect(t, sess)
			require.Eventually(t, func() bool {
				_, ok := sess.Snapshot().User("bot")
				return ok
			}, waitFor, 10*time.Millisecond)

			srv.SetUserMeta("bot", tt.meta)
			require.Eventually(t, func() bool {
				u, _ := sess.Snapshot().User("bot")
				return u.Meta.Muted || u.Meta.ShadowMuted
			}, waitFor, 10*time.Millisecond)

			ctx := context.Background()
			assert.ErrorIs(t, sess.Chat(ctx, "hi"), cytubenet.ErrPermissionDenied)
			assert.ErrorIs(t, sess.PM(ctx, "alice", "hi"), cytubenet.ErrPermissionDenied)

			peer, err := srv.WaitClient(1, waitFor)
			require.NoError(t, err)
			for _, r := range peer.Received() {
				assert.NotEqual(t, "chatMsg", r.Event)
				assert.NotEqual(t, "pm", r.Event)
			}
		})
	}
}

func TestServerRejectsCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cmd     string
		reply   string
		payload map[string]any
		call    func(context.Context, cytubenet.Session) error
		wantErr error
		wantMsg string
	}{
		{
			name:    "queueFail",
			cmd:     "queue",
			reply:   "queueFail",
			payload: map[string]any{"msg": "This item is already on the playlist", "link": "https://youtu.be/abc"},
			call: func(ctx context.Context, s cytubenet.Session) error {
				return s.AddMedia(ctx, "yt:abc", false, true)
			},
			wantErr: cytubenet.ErrRejected,
			wantMsg: "already on the playlist",
		},
		{
			name:    "errorMsg",
			cmd:     "pm",
			reply:   "errorMsg",
			payload: map[string]any{"msg": "nobody is not on this channel"},
			call: func(ctx context.Context, s cytubenet.Session) error {
				return s.PM(ctx, "nobody", "hi")
			},
			wantErr: cytubenet.ErrRejected,
			wantMsg: "not on this channel",
		},
		{
			name:    "noflood",
			cmd:     "chatMsg",
			reply:   "noflood",
			payload: map[string]any{"action": "chat", "msg": "You are chatting too fast"},
			call: func(ctx context.Context, s cytubenet.Session) error {
				return s.Chat(ctx, "spam")
			},
			wantErr: cytubenet.ErrPermissionDenied,
			wantMsg: "chatting too fast",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := cytubetest.New(cytubetest.Options{})
			defer srv.Close()
			srv.Handle(tt.cmd, func(c *cytubetest.Client, _ []json.RawMessage) {
				c.Emit(tt.reply, tt.payload)
			})

			cfg := testConfig(srv)
			cfg.ResponseTimeout = 2 * time.Second
			sess := newSession(t, cfg)
			connect(t, sess)

			err := tt.call(context.Background(), sess)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorContains(t, err, tt.wantMsg)
		})
	}
}

func TestNoReplyMeansAccepted(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()
	srv.Handle("queue", func(*cytubetest.Client, []json.RawMessage) {})

	sess := newSession(t, testConfig(srv))
	connect(t, sess)

	start := time.Now()
	require.NoError(t, sess.AddMedia(context.Background(), "yt:abc", false, true))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestLogin(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{Accounts: map[string]string{"bot": "secret"}})
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.User = "bot"
	cfg.Password = "secret"
	sess := newSession(t, cfg)
	connect(t, sess)

	snap := sess.Snapshot()
	assert.Equal(t, "bot", snap.Self)
	assert.Equal(t, event.StatusConnected, sess.Status())

	afk := observe(sess, event.KindSetAFK)
	require.Eventually(t, func() bool {
		_, ok := sess.Snapshot().User("bot")
		return ok
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, sess.SetAFK(context.Background(), true))
	o := next(t, afk)
	u, _ := o.snap.User("bot")
	assert.True(t, u.Meta.AFK)

	// Already AFK: nothing is sent.
	require.NoError(t, sess.SetAFK(context.Background(), true))
	peer, err := srv.WaitClient(1, waitFor)
	require.NoError(t, err)
	sent, err := peer.Wait("chatMsg", 1, waitFor)
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestAccessDenied(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    cytubetest.Options
		setup   func(*client.Config)
		wantErr error
	}{
		{
			name:    "wrong password",
			opts:    cytubetest.Options{Accounts: map[string]string{"bot": "secret"}},
			setup:   func(c *client.Config) { c.User, c.Password = "bot", "nope" },
			wantErr: cytubenet.ErrLoginRejected,
		},
		{
			name:    "channel password",
			opts:    cytubetest.Options{ChannelPassword: "hunter2"},
			setup:   func(c *client.Config) { c.ChannelPassword = "wrong" },
			wantErr: cytubenet.ErrChannelPassword,
		},
		{
			name: "discovery refused",
			opts: cytubetest.Options{SocketConfig: map[string]string{"error": "no such channel"}},
			setup: func(c *client.Config) {
				c.Endpoint = ""
			},
			wantErr: cytubenet.ErrDiscovery,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := cytubetest.New(tt.opts)
			defer srv.Close()

			cfg := testConfig(srv)
			cfg.Domain = srv.URL
			tt.setup(&cfg)
			sess := newSession(t, cfg)

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			err := sess.Connect(ctx)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, cytubenet.ErrAccessDenied)
			waitDone(t, sess)
			assert.Equal(t, event.StatusDenied, sess.Status())
			assert.ErrorIs(t, sess.Err(), tt.wantErr)
		})
	}
}

func TestGuestLoginThrottleRetries(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{ThrottleGuests: 1})
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.User = "guest42"
	sess := newSession(t, cfg)
	connect(t, sess)

	assert.Equal(t, "guest42", sess.Snapshot().Self)
	peer, err := srv.WaitClient(1, waitFor)
	require.NoError(t, err)
	logins, err := peer.Wait("login", 2, waitFor)
	require.NoError(t, err)
	assert.Len(t, logins, 2)
}

func TestDiscovery(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.Endpoint = ""
	cfg.Domain = srv.URL
	sess := newSession(t, cfg)
	connect(t, sess)

	assert.Equal(t, 1, srv.Connects())
}

func TestReconnectAfterDrop(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	statuses := observe(sess, event.KindStatus)
	playlists := observe(sess, event.KindPlaylist)
	connect(t, sess)
	waitStatus(t, statuses, event.StatusConnected)
	next(t, playlists)

	srv.DropAll()

	sc := waitStatus(t, statuses, event.StatusReconnecting)
	assert.Error(t, sc.Err)
	waitStatus(t, statuses, event.StatusConnected)

	second, err := srv.WaitClient(2, waitFor)
	require.NoError(t, err)
	_, err = second.Wait("joinChannel", 1, waitFor)
	require.NoError(t, err)

	o := next(t, playlists)
	assert.False(t, o.snap.Resyncing, "userlist and playlist both resent")

	require.NoError(t, sess.Chat(context.Background(), "back"))
	_, err = second.Wait("chatMsg", 1, waitFor)
	assert.NoError(t, err)
}

func TestServerDisconnectWithoutReconnect(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.Reconnect = false
	sess := newSession(t, cfg)
	connect(t, sess)

	first, err := srv.WaitClient(1, waitFor)
	require.NoError(t, err)
	require.NoError(t, first.Disconnect())

	waitDone(t, sess)
	assert.Equal(t, event.StatusClosed, sess.Status())
	assert.Error(t, sess.Err())
	assert.False(t, cytubenet.IsFatal(sess.Err()))
	assert.Equal(t, 1, srv.Connects())
}

func TestKickIsTerminal(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	kicks := observe(sess, event.KindKick)
	connect(t, sess)

	first, err := srv.WaitClient(1, waitFor)
	require.NoError(t, err)
	srv.Kick(first, "flooding")

	o := next(t, kicks)
	assert.Equal(t, "flooding", o.ev.(event.Kick).Reason)

	waitDone(t, sess)
	assert.Equal(t, event.StatusDenied, sess.Status())
	assert.ErrorIs(t, sess.Err(), cytubenet.ErrKicked)
	assert.Equal(t, 1, srv.Connects())
	assert.ErrorIs(t, sess.Chat(context.Background(), "hi"), cytubenet.ErrSessionClosed)
}

func TestConnectTwice(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	connect(t, sess)
	assert.ErrorIs(t, sess.Connect(context.Background()), cytubenet.ErrAlreadyStarted)
}

func TestCloseBeforeConnect(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	require.NoError(t, sess.Close(context.Background()))

	waitDone(t, sess)
	assert.Equal(t, event.StatusClosed, sess.Status())
	assert.NoError(t, sess.Err())
	assert.ErrorIs(t, sess.Connect(context.Background()), cytubenet.ErrSessionClosed)
	assert.ErrorIs(t, sess.Send(context.Background(), cytubenet.CmdChatMsg, nil), cytubenet.ErrSessionClosed)
	assert.Equal(t, 0, srv.Connects())
}

func TestCloseFromHandler(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	sess := newSession(t, testConfig(srv))
	statuses := observe(sess, event.KindStatus)
	sess.On(event.KindChatMsg, func(cytubenet.Event, cytubenet.Snapshot) {
		sess.Close(context.Background())
	})
	connect(t, sess)

	srv.Broadcast("chatMsg", map[string]any{"username": "alice", "msg": "stop"})

	waitDone(t, sess)
	assert.NoError(t, sess.Err())
	waitStatus(t, statuses, event.StatusClosed)
}

func TestMetricsRegistered(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	reg := prometheus.NewRegistry()
	sess := newSession(t, testConfig(srv), client.WithRegisterer(reg))
	connect(t, sess)

	families, err := reg.Gather()
	require.NoError(t, err)

	var status float64 = -1
	for _, f := range families {
		if f.GetName() == "cytube_session_status" {
			status = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(event.StatusConnected), status)
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := client.DefaultConfig()
	_, err := client.New(cfg)
	assert.Error(t, err, "channel is required")
}
