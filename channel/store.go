package channel

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/luciancaetano/cytubenet/event"
)

// DefaultChatBufferSize is used when a Store is created with a non-positive capacity.
const DefaultChatBufferSize = 100

// Errors returned by Apply when an event references state that does not exist.
// They describe a no-op: the Store is left exactly as it was.
var (
	ErrUnknownUser   = errors.New("unknown user")
	ErrUnknownItem   = errors.New("unknown playlist item")
	ErrUnknownAnchor = errors.New("unknown playlist anchor")
)

// Store is the authoritative local mirror of one channel.
type Store struct {
	mu       sync.RWMutex
	capacity int
	state    Snapshot

	pendingUsers    bool
	pendingPlaylist bool
	gap             bool
}

// NewStore creates an empty store for the named channel keeping at most
// chatCapacity chat lines.
func NewStore(name string, chatCapacity int) *Store {
	if chatCapacity <= 0 {
		chatCapacity = DefaultChatBufferSize
	}
	return &Store{
		capacity: chatCapacity,
		state: Snapshot{
			Name:     name,
			SelfRank: -1,
			Paused:   true,
		},
	}
}

// ExpectResync tells the store that the connection was re-established and the
// server is about to resend the user list and playlist.
func (s *Store) ExpectResync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingUsers = true
	s.pendingPlaylist = true
	s.gap = true
	s.state.Resyncing = true
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.state
	snap.Users = make([]User, len(s.state.Users))
	for i, u := range s.state.Users {
		snap.Users[i] = copyUser(u)
	}
	snap.Playlist = slices.Clone(s.state.Playlist)
	snap.Chat = make([]ChatMessage, len(s.state.Chat))
	for i, m := range s.state.Chat {
		m.Meta = maps.Clone(m.Meta)
		snap.Chat[i] = m
	}
	snap.Permissions = maps.Clone(s.state.Permissions)
	snap.Options = maps.Clone(s.state.Options)
	return snap
}

// Apply applies one event atomically. Events that carry no channel state only
// advance the sequence number. A non-nil error means the event was ignored
// (or, for ErrUnknownAnchor on queue, appended at the end).
func (s *Store) Apply(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Seq++
	st := &s.state

	switch e := ev.(type) {
	case event.ChatMsg:
		s.appendChat(ChatMessage{
			Time:     e.Time,
			Username: e.Username,
			Body:     e.Msg,
			Meta:     e.Meta,
			Action:   isAction(e.Msg, e.Meta),
		})
	case event.PM:
		s.appendChat(ChatMessage{
			Time:     e.Time,
			Username: e.Username,
			Body:     e.Msg,
			Meta:     e.Meta,
			Private:  true,
			To:       e.To,
		})
	case event.ClearChat:
		st.Chat = nil

	case event.AddUser:
		u := fromWireUser(e.User)
		if i := s.userIndex(u.Name); i >= 0 {
			st.Users[i] = u
		} else {
			st.Users = append(st.Users, u)
		}
	case event.UserLeave:
		i := s.userIndex(e.Name)
		if i < 0 {
			return ErrUnknownUser
		}
		st.Users = slices.Delete(st.Users, i, i+1)
		if strings.EqualFold(st.Leader, e.Name) {
			st.Leader = ""
		}
	case event.Userlist:
		users := make([]User, 0, len(e.Users))
		for _, w := range e.Users {
			u := fromWireUser(w)
			if i := indexUser(users, u.Name); i >= 0 {
				users[i] = u
				continue
			}
			users = append(users, u)
		}
		st.Users = users
		s.pendingUsers = false
		s.refreshResync()
	case event.SetUserRank:
		i := s.userIndex(e.Name)
		if i < 0 {
			return ErrUnknownUser
		}
		st.Users[i].Rank = e.Rank
	case event.SetUserMeta:
		i := s.userIndex(e.Name)
		if i < 0 {
			return ErrUnknownUser
		}
		st.Users[i].Meta = copyMeta(e.Meta)
	case event.SetUserProfile:
		i := s.userIndex(e.Name)
		if i < 0 {
			return ErrUnknownUser
		}
		st.Users[i].Profile = e.Profile
	case event.SetAFK:
		i := s.userIndex(e.Name)
		if i < 0 {
			return ErrUnknownUser
		}
		st.Users[i].Meta.AFK = e.AFK
	case event.SetLeader:
		st.Leader = e.Name
	case event.Usercount:
		st.UserCount = e.Count
	case event.Rank:
		st.SelfRank = e.Rank
	case event.Login:
		if e.Success {
			st.Self = e.Name
		}

	case event.Queue:
		return s.queue(fromWireItem(e.Item), e.After)
	case event.Delete:
		i := st.Index(e.UID)
		if i < 0 {
			return ErrUnknownItem
		}
		st.Playlist = slices.Delete(st.Playlist, i, i+1)
		if st.HasCurrent && st.Current == e.UID {
			st.HasCurrent = false
			st.Current = 0
			st.CurrentTime = 0
			st.Paused = true
		}
	case event.MoveVideo:
		return s.move(e.From, e.After)
	case event.SetTemp:
		i := st.Index(e.UID)
		if i < 0 {
			return ErrUnknownItem
		}
		st.Playlist[i].Temp = e.Temp
	case event.Playlist:
		items := make([]PlaylistItem, 0, len(e.Items))
		for _, w := range e.Items {
			items = append(items, fromWireItem(w))
		}
		st.Playlist = items
		st.HasCurrent = false
		st.Current = 0
		st.CurrentTime = 0
		st.Paused = true
		s.pendingPlaylist = false
		s.refreshResync()
	case event.SetCurrent:
		if st.Index(e.UID) < 0 {
			return ErrUnknownItem
		}
		st.Current = e.UID
		st.HasCurrent = true
	case event.MediaUpdate:
		st.CurrentTime = e.CurrentTime
		st.Paused = e.Paused
	case event.SetPlaylistMeta:
		st.PlaylistTime = e.RawTime
	case event.SetPlaylistLocked:
		st.PlaylistLocked = e.Locked

	case event.SetPermissions:
		st.Permissions = maps.Clone(e.Permissions)
	case event.ChannelOpts:
		st.Options = maps.Clone(e.Options)
	case event.SetMotd:
		st.Motd = e.Motd
	case event.ChannelCSSJS:
		st.CSS = e.CSS
		st.JS = e.JS
	case event.DrinkCount:
		st.DrinkCount = e.Count
	case event.Voteskip:
		st.Voteskip = Voteskip{Count: e.Count, Need: e.Need}
	}
	return nil
}

func (s *Store) queue(item PlaylistItem, after event.Anchor) error {
	st := &s.state

	list := st.Playlist
	if i := st.Index(item.UID); i >= 0 {
		list = slices.Delete(slices.Clone(list), i, i+1)
	}

	pos, ok := resolve(list, after)
	if !ok {
		pos = len(list)
	}
	st.Playlist = slices.Insert(list, pos, item)

	if !ok {
		return ErrUnknownAnchor
	}
	return nil
}

func (s *Store) move(uid int, after event.Anchor) error {
	st := &s.state

	from := st.Index(uid)
	if from < 0 {
		return ErrUnknownItem
	}
	if after.Mode == event.AnchorAfter && after.UID == uid {
		return nil
	}

	item := st.Playlist[from]
	rest := slices.Delete(slices.Clone(st.Playlist), from, from+1)
	pos, ok := resolve(rest, after)
	if !ok {
		return ErrUnknownAnchor
	}
	st.Playlist = slices.Insert(rest, pos, item)
	return nil
}

// resolve returns the insertion index for anchor within list.
func resolve(list []PlaylistItem, a event.Anchor) (int, bool) {
	switch a.Mode {
	case event.AnchorPrepend:
		return 0, true
	case event.AnchorAfter:
		for i, it := range list {
			if it.UID == a.UID {
				return i + 1, true
			}
		}
		return len(list), false
	case event.AnchorIndex:
		return min(max(a.Index, 0), len(list)), true
	default:
		return len(list), true
	}
}

func (s *Store) appendChat(m ChatMessage) {
	m.Seq = s.state.Seq
	m.AfterGap = s.gap
	s.gap = false

	chat := append(s.state.Chat, m)
	if over := len(chat) - s.capacity; over > 0 {
		chat = slices.Delete(chat, 0, over)
	}
	s.state.Chat = chat
}

func (s *Store) refreshResync() {
	s.state.Resyncing = s.pendingUsers || s.pendingPlaylist
}

func (s *Store) userIndex(name string) int {
	return indexUser(s.state.Users, name)
}

func indexUser(users []User, name string) int {
	for i, u := range users {
		if strings.EqualFold(u.Name, name) {
			return i
		}
	}
	return -1
}

func isAction(msg string, meta map[string]any) bool {
	if strings.HasPrefix(msg, "/me ") {
		return true
	}
	class, _ := meta["addClass"].(string)
	return class == "action"
}

func fromWireUser(u event.User) User {
	return User{Name: u.Name, Rank: u.Rank, Profile: u.Profile, Meta: copyMeta(u.Meta)}
}

func fromWireItem(it event.Item) PlaylistItem {
	return PlaylistItem{UID: it.UID, Media: it.Media, QueuedBy: it.QueuedBy, Temp: it.Temp}
}

func copyMeta(m event.Meta) event.Meta {
	m.Aliases = slices.Clone(m.Aliases)
	return m
}

func copyUser(u User) User {
	u.Meta = copyMeta(u.Meta)
	return u
}
