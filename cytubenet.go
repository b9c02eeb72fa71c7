package cytubenet

import (
	"context"

	"github.com/luciancaetano/cytubenet/channel"
	"github.com/luciancaetano/cytubenet/event"
)

// Aliases so callers can work with the root package alone.
type (
	Event    = event.Event
	Kind     = event.Kind
	Status   = event.Status
	Snapshot = channel.Snapshot
)

// Handler receives an event together with the channel state right after the
// event was applied.
//
// Handlers run on the session's inbound goroutine, one at a time and in arrival
// order. A handler that blocks stalls the whole session; long work should be
// handed off to another goroutine. Sending from a handler is fine: Send only
// enqueues.
type Handler func(ev Event, snap Snapshot)

// Session is a persistent connection to one channel.
//
// Example usage:
//
//	import "github.com/luciancaetano/cytubenet/client"
//
//	cfg := client.DefaultConfig()
//	cfg.Domain = "cytu.be"
//	cfg.Channel = "mychannel"
//
//	sess, _ := client.New(cfg)
//	sess.On(event.KindChatMsg, func(ev cytubenet.Event, snap cytubenet.Snapshot) {
//	    msg := ev.(event.ChatMsg)
//	    if msg.Msg == "!ping" {
//	        sess.Chat(context.Background(), "pong")
//	    }
//	})
//
//	if err := sess.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	<-sess.Done()
type Session interface {
	// Connect starts the session and blocks until the channel has been joined,
	// the session reached a terminal status, or ctx is done.
	//
	// Once started the session keeps reconnecting in the background (when
	// reconnect is enabled) regardless of ctx; use Close to stop it.
	// Calling Connect more than once returns an error.
	Connect(ctx context.Context) error

	// On registers a handler for one event kind, or for every kind with
	// event.Any. Kind handlers run before wildcard handlers; within each group
	// handlers run in registration order.
	//
	// Status transitions are delivered as event.StatusChange under
	// event.KindStatus.
	//
	// The returned function removes the handler.
	On(kind Kind, handler Handler) (unsubscribe func())

	// Send queues an event for the server and waits until it has been written
	// or ctx is done.
	//
	// Returns ErrQueueFull immediately when the outbound queue is at capacity
	// and ErrSessionClosed when the session closes before the write.
	Send(ctx context.Context, kind Kind, payload any) error

	// SendAsync queues an event without waiting. The returned channel receives
	// exactly one value: nil once written, or the reason it never was.
	SendAsync(kind Kind, payload any) (<-chan error, error)

	// Status returns the current connection status.
	Status() Status

	// Snapshot returns a copy of the current channel state.
	Snapshot() Snapshot

	// Done is closed once the session reaches StatusClosed or StatusDenied.
	Done() <-chan struct{}

	// Err returns the error that ended the session, or nil while it runs or
	// after a clean Close.
	Err() error

	// Close stops the session irrevocably. Pending sends fail with
	// ErrSessionClosed. Close waits for background goroutines until ctx is done.
	Close(ctx context.Context) error

	// Chat sends a chat line. It requires the "chat" permission and an
	// unmuted user, and fails if the server answers with noflood within the
	// response timeout.
	Chat(ctx context.Context, msg string) error

	// PM sends a private message, checked like Chat. An errorMsg reply within
	// the response timeout fails it with ErrRejected.
	PM(ctx context.Context, to, msg string) error

	// AddMedia queues a media URL (or "type:id" shorthand) at the end of the
	// playlist, or right after the current item when next is true. A
	// queueFail reply within the response timeout fails it with ErrRejected.
	AddMedia(ctx context.Context, link string, next, temp bool) error

	// RemoveMedia deletes a playlist item by uid.
	RemoveMedia(ctx context.Context, uid int) error

	// SetAFK toggles the session user's AFK flag.
	SetAFK(ctx context.Context, afk bool) error

	// ClearChat clears the channel's chat history for everyone.
	ClearChat(ctx context.Context) error
}
