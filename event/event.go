// Package event defines the typed vocabulary of channel events.
//
// Every inbound wire event is decoded into one concrete struct implementing Event.
// The set is closed: names without a registered decoder become Unhandled, so new
// server events never break a session.
package event

// Kind is the wire name of an event (e.g. "chatMsg", "addUser").
type Kind string

// Any matches every event kind when used for handler registration.
const Any Kind = "*"

// Inbound events
const (
	KindChatMsg           Kind = "chatMsg"
	KindPM                Kind = "pm"
	KindClearChat         Kind = "clearchat"
	KindAddUser           Kind = "addUser"
	KindUserLeave         Kind = "userLeave"
	KindUserlist          Kind = "userlist"
	KindSetUserRank       Kind = "setUserRank"
	KindSetUserMeta       Kind = "setUserMeta"
	KindSetUserProfile    Kind = "setUserProfile"
	KindSetAFK            Kind = "setAFK"
	KindSetLeader         Kind = "setLeader"
	KindUsercount         Kind = "usercount"
	KindRank              Kind = "rank"
	KindLogin             Kind = "login"
	KindQueue             Kind = "queue"
	KindDelete            Kind = "delete"
	KindMoveVideo         Kind = "moveVideo"
	KindSetTemp           Kind = "setTemp"
	KindPlaylist          Kind = "playlist"
	KindSetCurrent        Kind = "setCurrent"
	KindMediaUpdate       Kind = "mediaUpdate"
	KindSetPlaylistMeta   Kind = "setPlaylistMeta"
	KindSetPlaylistLocked Kind = "setPlaylistLocked"
	KindSetPermissions    Kind = "setPermissions"
	KindChannelOpts       Kind = "channelOpts"
	KindSetMotd           Kind = "setMotd"
	KindChannelCSSJS      Kind = "channelCSSJS"
	KindEmoteList         Kind = "emoteList"
	KindDrinkCount        Kind = "drinkCount"
	KindVoteskip          Kind = "voteskip"
	KindNeedPassword      Kind = "needPassword"
	KindKick              Kind = "kick"
	KindErrorMsg          Kind = "errorMsg"
	KindQueueFail         Kind = "queueFail"
	KindNoFlood           Kind = "noflood"
)

// Outbound-only events
const (
	KindJoinChannel Kind = "joinChannel"
	KindMoveMedia   Kind = "moveMedia"
)

// KindStatus is emitted locally whenever the session status changes. It never
// appears on the wire.
const KindStatus Kind = "status"

// Event is one decoded channel event.
type Event interface {
	Kind() Kind
}

// Status is the connection state of a session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
	// StatusDenied is terminal like StatusClosed but caused by an authentication
	// rejection, a kick or a ban.
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	case StatusDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusDenied
}

// StatusChange reports a session status transition.
type StatusChange struct {
	From Status
	To   Status
	Err  error
}

func (StatusChange) Kind() Kind { return KindStatus }
