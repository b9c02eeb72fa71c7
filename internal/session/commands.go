package session

import (
	"context"
	"fmt"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/channel"
	"github.com/luciancaetano/cytubenet/event"
)

// allowed checks action against the mirrored permission table. Actions the
// channel does not list are left for the server to decide.
func (s *Session) allowed(snap channel.Snapshot, action string) error {
	ok, err := snap.HasPermission(action, snap.SelfRank)
	if err != nil {
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", cytubenet.ErrPermissionDenied, action)
	}
	return nil
}

// canChat checks the chat permission and that the session user is not muted.
func (s *Session) canChat(snap channel.Snapshot) error {
	if err := s.allowed(snap, cytubenet.PermChat); err != nil {
		return err
	}
	if u, ok := snap.User(snap.Self); ok && (u.Meta.Muted || u.Meta.ShadowMuted) {
		return fmt.Errorf("%w: muted", cytubenet.ErrPermissionDenied)
	}
	return nil
}

// request sends cmd and waits up to the response timeout for a reply of
// kind. The server only answers failures, so no reply means success.
func (s *Session) request(ctx context.Context, cmd cytubenet.Kind, payload any, reply event.Kind) (event.Event, error) {
	if s.cfg.ResponseTimeout <= 0 {
		return nil, s.Send(ctx, cmd, payload)
	}

	replies, cancel := s.disp.Expect(reply)
	defer cancel()

	if err := s.Send(ctx, cmd, payload); err != nil {
		return nil, err
	}

	select {
	case ev := <-replies:
		return ev, nil
	case <-s.clock.After(s.cfg.ResponseTimeout):
		return nil, nil
	case <-s.done:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) Chat(ctx context.Context, msg string) error {
	if err := s.canChat(s.store.Snapshot()); err != nil {
		return err
	}

	ev, err := s.request(ctx, cytubenet.CmdChatMsg, map[string]any{"msg": msg, "meta": map[string]any{}}, event.KindNoFlood)
	if err != nil {
		return err
	}
	if nf, ok := ev.(event.NoFlood); ok {
		s.logger.Warn("Chat throttled by server", "action", nf.Action, "msg", nf.Msg)
		return fmt.Errorf("%w: %s", cytubenet.ErrPermissionDenied, orDefault(nf.Msg, "noflood"))
	}
	return nil
}

func (s *Session) PM(ctx context.Context, to, msg string) error {
	if err := s.canChat(s.store.Snapshot()); err != nil {
		return err
	}

	ev, err := s.request(ctx, cytubenet.CmdPM, map[string]any{"to": to, "msg": msg, "meta": map[string]any{}}, event.KindErrorMsg)
	if err != nil {
		return err
	}
	if em, ok := ev.(event.ErrorMsg); ok {
		s.logger.Warn("Private message rejected", "to", to, "msg", em.Msg)
		return fmt.Errorf("%w: %s", cytubenet.ErrRejected, orDefault(em.Msg, "no message"))
	}
	return nil
}

func (s *Session) ClearChat(ctx context.Context) error {
	if err := s.allowed(s.store.Snapshot(), cytubenet.PermChatClear); err != nil {
		return err
	}
	return s.Chat(ctx, "/clear")
}

// SetAFK toggles AFK through the /afk chat command, which only flips the
// flag, so nothing is sent when it already has the wanted value.
func (s *Session) SetAFK(ctx context.Context, afk bool) error {
	snap := s.store.Snapshot()
	if u, ok := snap.User(snap.Self); ok && u.Meta.AFK == afk {
		return nil
	}
	return s.Chat(ctx, "/afk")
}

// playlistActions returns the add, next and delete permission keys. A locked
// playlist is governed by the playlist* actions, an open one by oplaylist*.
func playlistActions(locked bool) (add, next, del string) {
	if locked {
		return cytubenet.PermPlaylistAdd, cytubenet.PermPlaylistNext, cytubenet.PermPlaylistDelete
	}
	return cytubenet.PermOPlaylistAdd, cytubenet.PermOPlaylistNext, cytubenet.PermOPlaylistDelete
}

func (s *Session) AddMedia(ctx context.Context, link string, next, temp bool) error {
	ml, err := channel.ParseMediaLink(link)
	if err != nil {
		return err
	}

	snap := s.store.Snapshot()
	addAction, nextAction, _ := playlistActions(snap.PlaylistLocked)
	if err := s.allowed(snap, addAction); err != nil {
		return err
	}
	pos := "end"
	if next {
		pos = "next"
		if err := s.allowed(snap, nextAction); err != nil {
			return err
		}
	}
	if !temp {
		if err := s.allowed(snap, cytubenet.PermAddNonTemp); err != nil {
			return err
		}
	}

	ev, err := s.request(ctx, cytubenet.CmdQueue, map[string]any{
		"id":   ml.ID,
		"type": ml.Type,
		"pos":  pos,
		"temp": temp,
	}, event.KindQueueFail)
	if err != nil {
		return err
	}
	if qf, ok := ev.(event.QueueFail); ok {
		s.logger.Warn("Queue rejected", "link", ml.String(), "msg", qf.Msg)
		return fmt.Errorf("%w: %s", cytubenet.ErrRejected, orDefault(qf.Msg, "no message"))
	}
	return nil
}

func (s *Session) RemoveMedia(ctx context.Context, uid int) error {
	snap := s.store.Snapshot()
	_, _, delAction := playlistActions(snap.PlaylistLocked)
	if err := s.allowed(snap, delAction); err != nil {
		return err
	}
	return s.Send(ctx, cytubenet.CmdDelete, uid)
}

func orDefault(msg, def string) string {
	if msg == "" {
		return def
	}
	return msg
}
