// Package cytubenet provides a persistent client for CyTube-style chat and video-queue channels.
//
// A Session keeps one long-lived Socket.IO connection to a channel, mirrors the channel's
// state locally (users, playlist, permissions, chat history) and hands every inbound event,
// together with the state it produced, to registered handlers.
//
// # Architecture
//
// Inbound frames flow through a single goroutine:
//
//	transport frame -> event.Decode -> channel.Store.Apply -> handlers(event, snapshot)
//
// Handlers therefore always observe post-event state and never run concurrently with each
// other. Outbound events go through a rate limiter with a bounded FIFO queue before they
// reach the transport.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/cytubenet/client"
//	    "github.com/luciancaetano/cytubenet/event"
//	)
//
//	sess, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sess.On(event.KindAddUser, func(ev cytubenet.Event, snap cytubenet.Snapshot) {
//	    u := ev.(event.AddUser).User
//	    log.Printf("%s joined, %d users online", u.Name, len(snap.Users))
//	})
//
//	if err := sess.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close(context.Background())
//
// # Reconnection
//
// Transport failures (refused connections, handshake timeouts, missed heartbeats, server
// disconnects) are retried with exponential backoff and jitter between backoff_min and
// backoff_max. Each transition is published as event.StatusChange under event.KindStatus.
// After a reconnect the session re-joins and re-authenticates, and the store marks itself
// Resyncing until the server has resent the user list and playlist.
//
// Authentication rejections, kicks and refused discovery are not retried: the session ends
// in StatusDenied and Err returns an error matching ErrAccessDenied.
//
// # Rate Limiting
//
// Outbound events are released in submission order by a token bucket of rate_limit_burst
// tokens refilled one per rate_limit_interval. When send_queue_size events are already
// waiting, Send fails immediately with ErrQueueFull. Events are held, not dropped, while the
// session reconnects.
//
// # Important
//
//   - Handlers run on the inbound goroutine; a slow handler delays every later event
//   - Snapshots are detached from the store and may be kept; all handlers of one event share
//     the same Snapshot, so treat it as read-only
//   - Close may be called from a handler
//   - Chat, PM and AddMedia wait up to response_timeout for a failure reply, which is
//     dispatched on the inbound goroutine; call them from another goroutine, or use SendAsync
//   - Unknown server events arrive as event.Unhandled; client.WithDecoder adds decoders
//     for one session
//   - Status changes reach handlers after every event the ended connection delivered
package cytubenet
