package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// ErrMalformed is returned when an event's arguments do not match its wire shape.
var ErrMalformed = errors.New("malformed event")

// Decoder maps the positional arguments of one wire event to a typed Event.
type Decoder func(args []json.RawMessage) (Event, error)

// builtin is never modified after init.
var builtin = map[Kind]Decoder{
	KindChatMsg:           decodeChatMsg,
	KindPM:                decodePM,
	KindClearChat:         func([]json.RawMessage) (Event, error) { return ClearChat{}, nil },
	KindAddUser:           decodeAddUser,
	KindUserLeave:         decodeUserLeave,
	KindUserlist:          decodeUserlist,
	KindSetUserRank:       decodeSetUserRank,
	KindSetUserMeta:       decodeSetUserMeta,
	KindSetUserProfile:    decodeSetUserProfile,
	KindSetAFK:            decodeSetAFK,
	KindSetLeader:         decodeSetLeader,
	KindUsercount:         decodeUsercount,
	KindRank:              decodeRank,
	KindLogin:             decodeLogin,
	KindQueue:             decodeQueue,
	KindDelete:            decodeDelete,
	KindMoveVideo:         decodeMoveVideo,
	KindSetTemp:           decodeSetTemp,
	KindPlaylist:          decodePlaylist,
	KindSetCurrent:        decodeSetCurrent,
	KindMediaUpdate:       decodeMediaUpdate,
	KindSetPlaylistMeta:   decodeSetPlaylistMeta,
	KindSetPlaylistLocked: decodeSetPlaylistLocked,
	KindSetPermissions:    decodeSetPermissions,
	KindChannelOpts:       decodeChannelOpts,
	KindSetMotd:           decodeSetMotd,
	KindChannelCSSJS:      decodeChannelCSSJS,
	KindEmoteList:         decodeEmoteList,
	KindDrinkCount:        decodeDrinkCount,
	KindVoteskip:          decodeVoteskip,
	KindNeedPassword:      decodeNeedPassword,
	KindKick:              decodeKick,
	KindErrorMsg:          decodeErrorMsg,
	KindQueueFail:         decodeQueueFail,
	KindNoFlood:           decodeNoFlood,
}

// Registry maps event names to decoders. It starts with the built-in
// vocabulary; Register adds or replaces entries for one registry only.
// Register is not safe to call concurrently with Decode.
type Registry struct {
	decoders map[Kind]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: maps.Clone(builtin)}
}

// Register installs (or replaces) the decoder for kind.
func (r *Registry) Register(kind Kind, d Decoder) {
	r.decoders[kind] = d
}

// Decode turns a wire event into a typed Event. Names without a decoder yield
// Unhandled; only malformed arguments of a known event return an error.
func (r *Registry) Decode(name string, args []json.RawMessage) (Event, error) {
	return decode(r.decoders, name, args)
}

// Decode decodes with the built-in vocabulary.
func Decode(name string, args []json.RawMessage) (Event, error) {
	return decode(builtin, name, args)
}

func decode(decoders map[Kind]Decoder, name string, args []json.RawMessage) (Event, error) {
	d, ok := decoders[Kind(name)]
	if !ok {
		return Unhandled{Name: name, Args: args}, nil
	}

	ev, err := d(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return ev, nil
}

// first unmarshals the first argument into T.
func first[T any](args []json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, errors.New("missing argument")
	}
	if err := json.Unmarshal(args[0], &v); err != nil {
		return v, err
	}
	return v, nil
}

func millis(ms float64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// decodeAnchor reads the "after" field of queue and moveVideo: a uid, the string
// "prepend", or anything else meaning the end of the playlist.
func decodeAnchor(raw json.RawMessage) Anchor {
	if len(raw) == 0 {
		return End()
	}
	var uid float64
	if err := json.Unmarshal(raw, &uid); err == nil {
		return After(int(uid))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s == "prepend" {
		return Prepend()
	}
	return End()
}

type wireChat struct {
	Username string         `json:"username"`
	Msg      string         `json:"msg"`
	Meta     map[string]any `json:"meta"`
	Time     float64        `json:"time"`
	To       string         `json:"to"`
}

func decodeChatMsg(args []json.RawMessage) (Event, error) {
	w, err := first[wireChat](args)
	if err != nil {
		return nil, err
	}
	return ChatMsg{Username: w.Username, Msg: w.Msg, Meta: w.Meta, Time: millis(w.Time)}, nil
}

func decodePM(args []json.RawMessage) (Event, error) {
	w, err := first[wireChat](args)
	if err != nil {
		return nil, err
	}
	return PM{Username: w.Username, To: w.To, Msg: w.Msg, Meta: w.Meta, Time: millis(w.Time)}, nil
}

func decodeUser(raw json.RawMessage) (User, error) {
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, err
	}
	if u.Name == "" {
		return u, errors.New("user without name")
	}
	return u, nil
}

func decodeAddUser(args []json.RawMessage) (Event, error) {
	if len(args) == 0 {
		return nil, errors.New("missing argument")
	}
	u, err := decodeUser(args[0])
	if err != nil {
		return nil, err
	}
	return AddUser{User: u}, nil
}

type wireName struct {
	Name string `json:"name"`
}

func decodeUserLeave(args []json.RawMessage) (Event, error) {
	w, err := first[wireName](args)
	if err != nil {
		return nil, err
	}
	return UserLeave{Name: w.Name}, nil
}

func decodeUserlist(args []json.RawMessage) (Event, error) {
	raws, err := first[[]json.RawMessage](args)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(raws))
	for _, raw := range raws {
		u, err := decodeUser(raw)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return Userlist{Users: users}, nil
}

func decodeSetUserRank(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Name string  `json:"name"`
		Rank float64 `json:"rank"`
	}](args)
	if err != nil {
		return nil, err
	}
	return SetUserRank{Name: w.Name, Rank: w.Rank}, nil
}

func decodeSetUserMeta(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Name string `json:"name"`
		Meta Meta   `json:"meta"`
	}](args)
	if err != nil {
		return nil, err
	}
	return SetUserMeta{Name: w.Name, Meta: w.Meta}, nil
}

func decodeSetUserProfile(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Name    string  `json:"name"`
		Profile Profile `json:"profile"`
	}](args)
	if err != nil {
		return nil, err
	}
	return SetUserProfile{Name: w.Name, Profile: w.Profile}, nil
}

func decodeSetAFK(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Name string `json:"name"`
		AFK  bool   `json:"afk"`
	}](args)
	if err != nil {
		return nil, err
	}
	return SetAFK{Name: w.Name, AFK: w.AFK}, nil
}

func decodeSetLeader(args []json.RawMessage) (Event, error) {
	if len(args) == 0 {
		return SetLeader{}, nil
	}
	// null and "" both clear the leader
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return nil, err
	}
	return SetLeader{Name: name}, nil
}

func decodeUsercount(args []json.RawMessage) (Event, error) {
	n, err := first[int](args)
	if err != nil {
		return nil, err
	}
	return Usercount{Count: n}, nil
}

func decodeRank(args []json.RawMessage) (Event, error) {
	r, err := first[float64](args)
	if err != nil {
		return nil, err
	}
	return Rank{Rank: r}, nil
}

func decodeLogin(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Success bool   `json:"success"`
		Name    string `json:"name"`
		Guest   bool   `json:"guest"`
		Error   string `json:"error"`
	}](args)
	if err != nil {
		return nil, err
	}
	return Login{Success: w.Success, Name: w.Name, Guest: w.Guest, Error: w.Error}, nil
}

func decodeQueue(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Item  Item            `json:"item"`
		After json.RawMessage `json:"after"`
	}](args)
	if err != nil {
		return nil, err
	}
	return Queue{Item: w.Item, After: decodeAnchor(w.After)}, nil
}

func decodeDelete(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		UID int `json:"uid"`
	}](args)
	if err != nil {
		return nil, err
	}
	return Delete{UID: w.UID}, nil
}

func decodeMoveVideo(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		From  int             `json:"from"`
		After json.RawMessage `json:"after"`
	}](args)
	if err != nil {
		return nil, err
	}
	return MoveVideo{From: w.From, After: decodeAnchor(w.After)}, nil
}

func decodeSetTemp(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		UID  int  `json:"uid"`
		Temp bool `json:"temp"`
	}](args)
	if err != nil {
		return nil, err
	}
	return SetTemp{UID: w.UID, Temp: w.Temp}, nil
}

func decodePlaylist(args []json.RawMessage) (Event, error) {
	items, err := first[[]Item](args)
	if err != nil {
		return nil, err
	}
	return Playlist{Items: items}, nil
}

func decodeSetCurrent(args []json.RawMessage) (Event, error) {
	uid, err := first[int](args)
	if err != nil {
		return nil, err
	}
	return SetCurrent{UID: uid}, nil
}

func decodeMediaUpdate(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		CurrentTime float64 `json:"currentTime"`
		Paused      *bool   `json:"paused"`
	}](args)
	if err != nil {
		return nil, err
	}
	paused := true
	if w.Paused != nil {
		paused = *w.Paused
	}
	return MediaUpdate{CurrentTime: w.CurrentTime, Paused: paused}, nil
}

func decodeSetPlaylistMeta(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Count   int     `json:"count"`
		RawTime float64 `json:"rawTime"`
		Time    string  `json:"time"`
	}](args)
	if err != nil {
		return nil, err
	}
	return SetPlaylistMeta{Count: w.Count, RawTime: w.RawTime, Time: w.Time}, nil
}

func decodeSetPlaylistLocked(args []json.RawMessage) (Event, error) {
	locked, err := first[bool](args)
	if err != nil {
		return nil, err
	}
	return SetPlaylistLocked{Locked: locked}, nil
}

func decodeSetPermissions(args []json.RawMessage) (Event, error) {
	perms, err := first[map[string]float64](args)
	if err != nil {
		return nil, err
	}
	return SetPermissions{Permissions: perms}, nil
}

func decodeChannelOpts(args []json.RawMessage) (Event, error) {
	opts, err := first[map[string]any](args)
	if err != nil {
		return nil, err
	}
	return ChannelOpts{Options: opts}, nil
}

func decodeSetMotd(args []json.RawMessage) (Event, error) {
	motd, err := first[string](args)
	if err != nil {
		return nil, err
	}
	return SetMotd{Motd: motd}, nil
}

func decodeChannelCSSJS(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		CSS string `json:"css"`
		JS  string `json:"js"`
	}](args)
	if err != nil {
		return nil, err
	}
	return ChannelCSSJS{CSS: w.CSS, JS: w.JS}, nil
}

func decodeEmoteList(args []json.RawMessage) (Event, error) {
	emotes, err := first[[]json.RawMessage](args)
	if err != nil {
		return nil, err
	}
	return EmoteList{Emotes: emotes}, nil
}

func decodeDrinkCount(args []json.RawMessage) (Event, error) {
	n, err := first[int](args)
	if err != nil {
		return nil, err
	}
	return DrinkCount{Count: n}, nil
}

func decodeVoteskip(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Count int `json:"count"`
		Need  int `json:"need"`
	}](args)
	if err != nil {
		return nil, err
	}
	return Voteskip{Count: w.Count, Need: w.Need}, nil
}

func decodeNeedPassword(args []json.RawMessage) (Event, error) {
	needed, err := first[bool](args)
	if err != nil {
		return nil, err
	}
	return NeedPassword{Needed: needed}, nil
}

func decodeKick(args []json.RawMessage) (Event, error) {
	if len(args) == 0 {
		return Kick{}, nil
	}
	w, err := first[struct {
		Reason string `json:"reason"`
	}](args)
	if err != nil {
		return nil, err
	}
	return Kick{Reason: w.Reason}, nil
}

func decodeErrorMsg(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Msg string `json:"msg"`
	}](args)
	if err != nil {
		return nil, err
	}
	return ErrorMsg{Msg: w.Msg}, nil
}

func decodeQueueFail(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Msg  string `json:"msg"`
		Link string `json:"link"`
	}](args)
	if err != nil {
		return nil, err
	}
	return QueueFail{Msg: w.Msg, Link: w.Link}, nil
}

func decodeNoFlood(args []json.RawMessage) (Event, error) {
	w, err := first[struct {
		Action string `json:"action"`
		Msg    string `json:"msg"`
	}](args)
	if err != nil {
		return nil, err
	}
	return NoFlood{Action: w.Action, Msg: w.Msg}, nil
}
