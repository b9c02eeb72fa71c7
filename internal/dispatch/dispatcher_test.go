package dispatch

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/channel"
	"github.com/luciancaetano/cytubenet/event"
	"github.com/luciancaetano/cytubenet/internal/metrics"
)

func newDispatcher(t *testing.T) (*Dispatcher, *channel.Store, *metrics.Metrics) {
	t.Helper()
	store := channel.NewStore("room", 10)
	m := metrics.New(prometheus.NewRegistry(), "room")
	return New(store, WithMetrics(m), WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))), store, m
}

func TestDispatchOrder(t *testing.T) {
	t.Parallel()

	d, _, _ := newDispatcher(t)
	var calls []string
	record := func(name string) cytubenet.Handler {
		return func(ev event.Event, _ channel.Snapshot) {
			calls = append(calls, name+":"+string(ev.Kind()))
		}
	}

	d.On(event.Any, record("any1"))
	d.On(event.KindAddUser, record("add1"))
	d.On(event.KindUserLeave, record("leave"))
	d.On(event.KindAddUser, record("add2"))
	d.On(event.Any, record("any2"))

	d.Dispatch(event.AddUser{User: event.User{Name: "a"}})
	d.Dispatch(event.UserLeave{Name: "a"})

	assert.Equal(t, []string{
		"add1:addUser", "add2:addUser", "any1:addUser", "any2:addUser",
		"leave:userLeave", "any1:userLeave", "any2:userLeave",
	}, calls)
}

func TestDispatchHandlersSeePostMutationState(t *testing.T) {
	t.Parallel()

	d, _, _ := newDispatcher(t)
	var seen []int
	d.On(event.KindAddUser, func(ev event.Event, snap channel.Snapshot) {
		_, ok := snap.User(ev.(event.AddUser).User.Name)
		assert.True(t, ok)
		seen = append(seen, len(snap.Users))
	})

	d.Dispatch(event.AddUser{User: event.User{Name: "a"}})
	d.Dispatch(event.AddUser{User: event.User{Name: "b"}})
	d.Dispatch(event.AddUser{User: event.User{Name: "A"}})

	assert.Equal(t, []int{1, 2, 2}, seen)
}

func TestDispatchUnsubscribe(t *testing.T) {
	t.Parallel()

	d, _, _ := newDispatcher(t)
	count := 0
	off := d.On(event.KindChatMsg, func(event.Event, channel.Snapshot) { count++ })

	d.Dispatch(event.ChatMsg{Msg: "one"})
	off()
	off()
	d.Dispatch(event.ChatMsg{Msg: "two"})

	assert.Equal(t, 1, count)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	d, _, m := newDispatcher(t)
	after := false
	d.On(event.KindChatMsg, func(event.Event, channel.Snapshot) { panic("boom") })
	d.On(event.KindChatMsg, func(event.Event, channel.Snapshot) { after = true })

	require.NotPanics(t, func() { d.Dispatch(event.ChatMsg{Msg: "hi"}) })
	assert.True(t, after)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerPanics))
}

func TestDispatchCountsStoreNoops(t *testing.T) {
	t.Parallel()

	d, store, m := newDispatcher(t)
	called := false
	d.On(event.KindUserLeave, func(event.Event, channel.Snapshot) { called = true })

	d.Dispatch(event.UserLeave{Name: "ghost"})

	assert.True(t, called, "no-op events still reach handlers")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreNoops.WithLabelValues("userLeave")))
	assert.Equal(t, uint64(1), store.Snapshot().Seq)
}

func TestDispatchStatusChangeSkipsStore(t *testing.T) {
	t.Parallel()

	d, store, _ := newDispatcher(t)
	var got event.StatusChange
	d.On(event.KindStatus, func(ev event.Event, _ channel.Snapshot) { got = ev.(event.StatusChange) })

	d.Dispatch(event.StatusChange{From: event.StatusConnecting, To: event.StatusConnected})

	assert.Equal(t, event.StatusConnected, got.To)
	assert.Zero(t, store.Snapshot().Seq)
}

func TestDispatchUnhandledLabel(t *testing.T) {
	t.Parallel()

	d, _, m := newDispatcher(t)
	d.Dispatch(event.Unhandled{Name: "somethingNew"})
	d.Dispatch(event.Unhandled{Name: "somethingElse"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsApplied.WithLabelValues("unhandled")))
}

func TestExpect(t *testing.T) {
	t.Parallel()

	d, _, _ := newDispatcher(t)
	ch, cancel := d.Expect(event.KindUserlist, event.KindPlaylist)
	defer cancel()

	d.Dispatch(event.ChatMsg{Msg: "noise"})
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}

	d.Dispatch(event.Playlist{})
	d.Dispatch(event.Userlist{})

	select {
	case ev := <-ch:
		assert.Equal(t, event.KindPlaylist, ev.Kind())
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}

	select {
	case ev := <-ch:
		t.Fatalf("waiter fired twice: %v", ev)
	default:
	}
}

func TestExpectCancel(t *testing.T) {
	t.Parallel()

	d, _, _ := newDispatcher(t)
	ch, cancel := d.Expect(event.KindLogin)
	cancel()

	d.Dispatch(event.Login{Success: true, Name: "bot"})
	select {
	case ev := <-ch:
		t.Fatalf("cancelled waiter received %v", ev)
	default:
	}
}
