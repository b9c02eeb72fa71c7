package event

import (
	"encoding/json"
	"time"
)

// Profile is a user's public profile.
type Profile struct {
	Image string `json:"image"`
	Text  string `json:"text"`
}

// Meta is per-user connection metadata.
type Meta struct {
	AFK         bool     `json:"afk"`
	Muted       bool     `json:"muted"`
	ShadowMuted bool     `json:"smuted"`
	IP          string   `json:"ip,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// User is a user record as carried by addUser and userlist.
type User struct {
	Name    string  `json:"name"`
	Rank    float64 `json:"rank"`
	Profile Profile `json:"profile"`
	Meta    Meta    `json:"meta"`
}

// Media references playable content on an external provider.
type Media struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Title    string `json:"title"`
	Duration int    `json:"seconds"`
}

// Item is a playlist entry as sent by the server.
type Item struct {
	UID      int    `json:"uid"`
	Temp     bool   `json:"temp"`
	QueuedBy string `json:"queueby"`
	Media    Media  `json:"media"`
}

// AnchorMode selects how an Anchor positions an item.
type AnchorMode int

const (
	AnchorEnd AnchorMode = iota
	AnchorPrepend
	AnchorAfter
	AnchorIndex
)

// Anchor is the server-specified position of an inserted or moved playlist item.
type Anchor struct {
	Mode  AnchorMode
	UID   int
	Index int
}

func End() Anchor          { return Anchor{Mode: AnchorEnd} }
func Prepend() Anchor      { return Anchor{Mode: AnchorPrepend} }
func After(uid int) Anchor { return Anchor{Mode: AnchorAfter, UID: uid} }
func AtIndex(i int) Anchor { return Anchor{Mode: AnchorIndex, Index: i} }

// ChatMsg is a public chat line.
type ChatMsg struct {
	Username string
	Msg      string
	Meta     map[string]any
	Time     time.Time
}

// PM is a private message sent to or by the session user.
type PM struct {
	Username string
	To       string
	Msg      string
	Meta     map[string]any
	Time     time.Time
}

type ClearChat struct{}

type AddUser struct{ User User }

type UserLeave struct{ Name string }

// Userlist replaces the whole user list.
type Userlist struct{ Users []User }

type SetUserRank struct {
	Name string
	Rank float64
}

type SetUserMeta struct {
	Name string
	Meta Meta
}

type SetUserProfile struct {
	Name    string
	Profile Profile
}

type SetAFK struct {
	Name string
	AFK  bool
}

type SetLeader struct{ Name string }

type Usercount struct{ Count int }

// Rank is the session user's own rank.
type Rank struct{ Rank float64 }

// Login is the server's answer to a login request.
type Login struct {
	Success bool
	Name    string
	Guest   bool
	Error   string
}

// Queue inserts Item at Anchor.
type Queue struct {
	Item  Item
	After Anchor
}

type Delete struct{ UID int }

// MoveVideo relocates the item with UID From to After.
type MoveVideo struct {
	From  int
	After Anchor
}

type SetTemp struct {
	UID  int
	Temp bool
}

// Playlist replaces the whole playlist.
type Playlist struct{ Items []Item }

type SetCurrent struct{ UID int }

type MediaUpdate struct {
	CurrentTime float64
	Paused      bool
}

type SetPlaylistMeta struct {
	Count   int
	RawTime float64
	Time    string
}

type SetPlaylistLocked struct{ Locked bool }

// SetPermissions maps an action name to the minimum rank allowed to perform it.
type SetPermissions struct{ Permissions map[string]float64 }

type ChannelOpts struct{ Options map[string]any }

type SetMotd struct{ Motd string }

type ChannelCSSJS struct {
	CSS string
	JS  string
}

type EmoteList struct{ Emotes []json.RawMessage }

type DrinkCount struct{ Count int }

type Voteskip struct {
	Count int
	Need  int
}

// NeedPassword is sent after joinChannel. Needed=true means the channel
// password was missing or wrong.
type NeedPassword struct{ Needed bool }

type Kick struct{ Reason string }

type ErrorMsg struct{ Msg string }

type QueueFail struct {
	Msg  string
	Link string
}

type NoFlood struct {
	Action string
	Msg    string
}

// Unhandled carries an event without a registered decoder.
type Unhandled struct {
	Name string
	Args []json.RawMessage
}

func (ChatMsg) Kind() Kind           { return KindChatMsg }
func (PM) Kind() Kind                { return KindPM }
func (ClearChat) Kind() Kind         { return KindClearChat }
func (AddUser) Kind() Kind           { return KindAddUser }
func (UserLeave) Kind() Kind         { return KindUserLeave }
func (Userlist) Kind() Kind          { return KindUserlist }
func (SetUserRank) Kind() Kind       { return KindSetUserRank }
func (SetUserMeta) Kind() Kind       { return KindSetUserMeta }
func (SetUserProfile) Kind() Kind    { return KindSetUserProfile }
func (SetAFK) Kind() Kind            { return KindSetAFK }
func (SetLeader) Kind() Kind         { return KindSetLeader }
func (Usercount) Kind() Kind         { return KindUsercount }
func (Rank) Kind() Kind              { return KindRank }
func (Login) Kind() Kind             { return KindLogin }
func (Queue) Kind() Kind             { return KindQueue }
func (Delete) Kind() Kind            { return KindDelete }
func (MoveVideo) Kind() Kind         { return KindMoveVideo }
func (SetTemp) Kind() Kind           { return KindSetTemp }
func (Playlist) Kind() Kind          { return KindPlaylist }
func (SetCurrent) Kind() Kind        { return KindSetCurrent }
func (MediaUpdate) Kind() Kind       { return KindMediaUpdate }
func (SetPlaylistMeta) Kind() Kind   { return KindSetPlaylistMeta }
func (SetPlaylistLocked) Kind() Kind { return KindSetPlaylistLocked }
func (SetPermissions) Kind() Kind    { return KindSetPermissions }
func (ChannelOpts) Kind() Kind       { return KindChannelOpts }
func (SetMotd) Kind() Kind           { return KindSetMotd }
func (ChannelCSSJS) Kind() Kind      { return KindChannelCSSJS }
func (EmoteList) Kind() Kind         { return KindEmoteList }
func (DrinkCount) Kind() Kind        { return KindDrinkCount }
func (Voteskip) Kind() Kind          { return KindVoteskip }
func (NeedPassword) Kind() Kind      { return KindNeedPassword }
func (Kick) Kind() Kind              { return KindKick }
func (ErrorMsg) Kind() Kind          { return KindErrorMsg }
func (QueueFail) Kind() Kind         { return KindQueueFail }
func (NoFlood) Kind() Kind           { return KindNoFlood }
func (u Unhandled) Kind() Kind       { return Kind(u.Name) }
