package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/event"
	"github.com/luciancaetano/cytubenet/internal/config"
	"github.com/luciancaetano/cytubenet/internal/cytubetest"
)

const waitFor = 5 * time.Second

func testConfig(srv *cytubetest.Server) config.Config {
	cfg := config.Default()
	cfg.Channel = "room"
	cfg.Endpoint = srv.Endpoint()
	cfg.BackoffMin = 20 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.JoinTimeout = time.Second
	cfg.RateLimitInterval = 10 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, cfg config.Config) *Session {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

func TestSendBeforeConnectIsHeld(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	s := newTestSession(t, testConfig(srv))
	result, err := s.SendAsync(cytubenet.CmdChatMsg, map[string]any{"msg": "early"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("queued frame never written")
	}

	client, err := srv.WaitClient(1, waitFor)
	require.NoError(t, err)
	got, err := client.Wait("chatMsg", 1, waitFor)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"early"}`, string(got[0].Args[0]))

	// joinChannel goes out before anything queued.
	received := client.Received()
	assert.Equal(t, "joinChannel", received[0].Event)
}

func TestSendQueueFull(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.SendQueueSize = 1
	s := newTestSession(t, cfg)

	_, err := s.SendAsync(cytubenet.CmdChatMsg, map[string]any{"msg": "one"})
	require.NoError(t, err)
	_, err = s.SendAsync(cytubenet.CmdChatMsg, map[string]any{"msg": "two"})
	assert.ErrorIs(t, err, cytubenet.ErrQueueFull)
}

func TestPendingSendsFailOnClose(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	s := newTestSession(t, testConfig(srv))
	result, err := s.SendAsync(cytubenet.CmdChatMsg, map[string]any{"msg": "never"})
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	assert.ErrorIs(t, <-result, cytubenet.ErrSessionClosed)
}

func TestJoinTimeout(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()
	srv.Handle("joinChannel", func(*cytubetest.Client, []json.RawMessage) {})

	cfg := testConfig(srv)
	cfg.Reconnect = false
	cfg.JoinTimeout = 100 * time.Millisecond
	s := newTestSession(t, cfg)

	err := s.Connect(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, event.StatusClosed, s.Status())
	assert.False(t, cytubenet.IsFatal(err))
}

func TestConnectReturnsOnContextButKeepsTrying(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	join := srv.Handler("joinChannel")
	var open atomic.Bool
	srv.Handle("joinChannel", func(c *cytubetest.Client, args []json.RawMessage) {
		if open.Load() {
			join(c, args)
		}
	})

	cfg := testConfig(srv)
	cfg.JoinTimeout = 50 * time.Millisecond
	s := newTestSession(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Connect(ctx), context.DeadlineExceeded)
	assert.False(t, s.Status().Terminal())

	open.Store(true)
	require.Eventually(t, func() bool {
		return s.Status() == event.StatusConnected
	}, waitFor, 10*time.Millisecond)
	assert.GreaterOrEqual(t, srv.Connects(), 2)
}

func TestResyncPendingUntilPlaylistArrives(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	s := newTestSession(t, testConfig(srv))
	statuses := make(chan event.StatusChange, 32)
	s.On(event.KindStatus, func(ev cytubenet.Event, _ cytubenet.Snapshot) {
		statuses <- ev.(event.StatusChange)
	})
	userlists := make(chan cytubenet.Snapshot, 8)
	s.On(event.KindUserlist, func(_ cytubenet.Event, snap cytubenet.Snapshot) {
		userlists <- snap
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	<-userlists

	// The rejoin only resends the user list.
	srv.Handle("joinChannel", func(c *cytubetest.Client, _ []json.RawMessage) {
		c.Emit("setPermissions", map[string]float64{"chat": 0})
		c.Emit("userlist", []event.User{{Name: "alice"}})
	})
	srv.DropAll()

	select {
	case snap := <-userlists:
		assert.True(t, snap.Resyncing)
		_, ok := snap.User("alice")
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("no userlist after reconnect")
	}

	srv.Broadcast("playlist", []event.Item{})
	require.Eventually(t, func() bool { return !s.Snapshot().Resyncing }, waitFor, 10*time.Millisecond)
}

func TestIDsAreUnique(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	a := newTestSession(t, testConfig(srv))
	b := newTestSession(t, testConfig(srv))
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestStatusChangeFollowsConnectionEvents(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	s := newTestSession(t, testConfig(srv))

	var (
		mu    sync.Mutex
		order []string
	)
	s.On(event.KindChatMsg, func(ev cytubenet.Event, _ cytubenet.Snapshot) {
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		order = append(order, ev.(event.ChatMsg).Msg)
		mu.Unlock()
	})
	s.On(event.KindStatus, func(ev cytubenet.Event, _ cytubenet.Snapshot) {
		if ev.(event.StatusChange).To == event.StatusReconnecting {
			mu.Lock()
			order = append(order, "reconnecting")
			mu.Unlock()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	peer, err := srv.WaitClient(1, waitFor)
	require.NoError(t, err)

	const n = 50
	for i := range n {
		require.NoError(t, peer.Emit("chatMsg", map[string]any{"username": "alice", "msg": fmt.Sprint(i), "time": 0}))
	}
	require.NoError(t, peer.Disconnect())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) > n
	}, waitFor, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := range n {
		assert.Equal(t, fmt.Sprint(i), order[i])
	}
	assert.Equal(t, "reconnecting", order[n])
}

func TestWithDecoderIsPerSession(t *testing.T) {
	t.Parallel()

	srv := cytubetest.New(cytubetest.Options{})
	defer srv.Close()

	custom := WithDecoder("announcement", func(args []json.RawMessage) (event.Event, error) {
		var text string
		if err := json.Unmarshal(args[0], &text); err != nil {
			return nil, err
		}
		return event.SetMotd{Motd: text}, nil
	})

	s, err := New(testConfig(srv), custom)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		s.Close(ctx)
	})
	plain := newTestSession(t, testConfig(srv))

	unhandled := make(chan cytubenet.Event, 1)
	plain.On("announcement", func(ev cytubenet.Event, _ cytubenet.Snapshot) {
		unhandled <- ev
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, plain.Connect(ctx))
	_, err = srv.WaitClient(2, waitFor)
	require.NoError(t, err)

	srv.Broadcast("announcement", "maintenance at noon")

	require.Eventually(t, func() bool {
		return s.Snapshot().Motd == "maintenance at noon"
	}, waitFor, 10*time.Millisecond)

	select {
	case ev := <-unhandled:
		assert.IsType(t, event.Unhandled{}, ev)
	case <-time.After(waitFor):
		t.Fatal("plain session never saw the event")
	}
	assert.NotEqual(t, "maintenance at noon", plain.Snapshot().Motd)
}
