package cytubenet

import "errors"

// Commands sent by the client.
const (
	CmdJoinChannel Kind = "joinChannel"
	CmdLogin       Kind = "login"
	CmdChatMsg     Kind = "chatMsg"
	CmdPM          Kind = "pm"
	CmdQueue       Kind = "queue"
	CmdDelete      Kind = "delete"
	CmdMoveMedia   Kind = "moveMedia"
	CmdVoteskip    Kind = "voteskip"
)

// Channel permission actions, the keys of Snapshot.Permissions. The
// playlist* actions apply while the playlist is locked, the oplaylist* ones
// while it is open.
const (
	PermChat            = "chat"
	PermChatClear       = "chatclear"
	PermPlaylistAdd     = "playlistadd"
	PermPlaylistNext    = "playlistnext"
	PermPlaylistDelete  = "playlistdelete"
	PermPlaylistMove    = "playlistmove"
	PermOPlaylistAdd    = "oplaylistadd"
	PermOPlaylistNext   = "oplaylistnext"
	PermOPlaylistDelete = "oplaylistdelete"
	PermOPlaylistMove   = "oplaylistmove"
	PermAddNonTemp      = "addnontemp"
)

// Session errors. ErrRejected wraps the message of a server reply refusing a
// command, such as queueFail or errorMsg.
var (
	ErrSessionClosed    = errors.New("session closed")
	ErrQueueFull        = errors.New("outbound queue full")
	ErrNotConnected     = errors.New("session not connected")
	ErrAlreadyStarted   = errors.New("session already started")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRejected         = errors.New("rejected by server")
)

// Access errors are terminal: a session failing with one of them ends in
// StatusDenied instead of reconnecting. All of them match ErrAccessDenied.
var (
	ErrAccessDenied    = errors.New("access denied")
	ErrLoginRejected   = accessError("login rejected")
	ErrChannelPassword = accessError("channel password rejected")
	ErrKicked          = accessError("kicked from channel")
	ErrDiscovery       = accessError("channel discovery refused")
)

type deniedError struct{ msg string }

func accessError(msg string) error { return &deniedError{msg: msg} }

func (e *deniedError) Error() string { return e.msg }

func (e *deniedError) Unwrap() error { return ErrAccessDenied }

// IsFatal reports whether err must end a session rather than trigger a
// reconnect.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}
