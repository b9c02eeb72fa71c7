// Package channel holds the local mirror of a channel's state.
//
// A Store is mutated only by applying decoded events one at a time; readers
// receive deep-copied Snapshots and never observe a half-applied event.
package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/luciancaetano/cytubenet/event"
)

// User is a member of the channel. Names are unique case-insensitively.
type User struct {
	Name    string
	Rank    float64
	Profile event.Profile
	Meta    event.Meta
}

// PlaylistItem is one entry of the server-ordered playlist.
type PlaylistItem struct {
	UID      int
	Media    event.Media
	QueuedBy string
	Temp     bool
}

// Duration returns the media length.
func (p PlaylistItem) Duration() time.Duration {
	return time.Duration(p.Media.Duration) * time.Second
}

// ChatMessage is one line of the chat buffer.
type ChatMessage struct {
	Seq      uint64
	Time     time.Time
	Username string
	Body     string
	Meta     map[string]any
	Private  bool
	To       string
	Action   bool
	// AfterGap marks the first message applied after a reconnect; lines sent
	// while disconnected are missing before it.
	AfterGap bool
}

// Voteskip is the current skip vote tally.
type Voteskip struct {
	Count int
	Need  int
}

// Snapshot is a read-only copy of the channel state at one point in time.
type Snapshot struct {
	Name string
	// Seq counts every event handed to the store, including ignored ones. It
	// orders snapshots and is not part of the channel state: two stores with
	// equal state may differ in Seq.
	Seq uint64

	Self      string
	SelfRank  float64
	Users     []User
	UserCount int
	Leader    string

	Playlist       []PlaylistItem
	Current        int
	HasCurrent     bool
	CurrentTime    float64
	Paused         bool
	PlaylistTime   float64
	PlaylistLocked bool

	Permissions map[string]float64
	Options     map[string]any
	Motd        string
	CSS         string
	JS          string
	DrinkCount  int
	Voteskip    Voteskip

	Chat []ChatMessage

	// Resyncing is true after a reconnect until both the user list and the
	// playlist have been replaced by the server.
	Resyncing bool
}

// User returns the user with the given name (case-insensitive).
func (s Snapshot) User(name string) (User, bool) {
	for _, u := range s.Users {
		if strings.EqualFold(u.Name, name) {
			return u, true
		}
	}
	return User{}, false
}

// Index returns the playlist position of uid, or -1.
func (s Snapshot) Index(uid int) int {
	for i, it := range s.Playlist {
		if it.UID == uid {
			return i
		}
	}
	return -1
}

// Item returns the playlist item with the given uid.
func (s Snapshot) Item(uid int) (PlaylistItem, bool) {
	if i := s.Index(uid); i >= 0 {
		return s.Playlist[i], true
	}
	return PlaylistItem{}, false
}

// HasPermission reports whether rank may perform action under the channel's
// permission table. Unknown actions are an error rather than a silent deny.
func (s Snapshot) HasPermission(action string, rank float64) (bool, error) {
	minRank, ok := s.Permissions[action]
	if !ok {
		return false, fmt.Errorf("unknown action %q", action)
	}
	return rank >= minRank, nil
}
