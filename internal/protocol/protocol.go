// Package protocol implements the Engine.IO v3 / Socket.IO v2 text framing.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const maxFrameSize = 10 * 1024 * 1024 // 10MB max frame size

// PacketType is the Engine.IO packet type, the first byte of every frame.
type PacketType byte

const (
	Open    PacketType = '0'
	Close   PacketType = '1'
	Ping    PacketType = '2'
	Pong    PacketType = '3'
	Message PacketType = '4'
	Upgrade PacketType = '5'
	Noop    PacketType = '6'
)

// MessageType is the Socket.IO packet type carried by Message frames.
type MessageType byte

const (
	Connect     MessageType = '0'
	Disconnect  MessageType = '1'
	Event       MessageType = '2'
	Ack         MessageType = '3'
	Error       MessageType = '4'
	BinaryEvent MessageType = '5'
	BinaryAck   MessageType = '6'
)

// ErrMalformed is wrapped by every Decode error.
var ErrMalformed = errors.New("malformed frame")

// Frame is one decoded packet.
type Frame struct {
	Type PacketType
	// Message is set for Message frames only.
	Message MessageType
	// Namespace is empty for the default "/" namespace.
	Namespace string
	// AckID is -1 when the packet carries no ack id.
	AckID int
	// Event and Args are set for Event and Ack messages.
	Event string
	Args  []json.RawMessage
	// Data is the undecoded remainder for non-event frames, e.g. "probe" or an error text.
	Data string
}

// IsEvent reports whether the frame carries a named event.
func (f Frame) IsEvent() bool {
	return f.Type == Message && f.Message == Event
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses a single text frame. The returned Args reference data; do not modify it.
func Decode(data []byte) (Frame, error) {
	f := Frame{AckID: -1}
	if len(data) == 0 {
		return f, malformed("empty frame")
	}
	if len(data) > maxFrameSize {
		return f, malformed("frame size %d exceeds maximum %d bytes", len(data), maxFrameSize)
	}

	f.Type = PacketType(data[0])
	rest := data[1:]
	switch f.Type {
	case Open, Close, Ping, Pong, Upgrade, Noop:
		f.Data = string(rest)
		return f, nil
	case Message:
	default:
		return f, malformed("unknown packet type %q", data[0])
	}

	if len(rest) == 0 {
		return f, malformed("empty message")
	}
	f.Message = MessageType(rest[0])
	rest = rest[1:]
	if f.Message < Connect || f.Message > BinaryAck {
		return f, malformed("unknown message type %q", byte(f.Message))
	}

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			f.Namespace = string(rest)
			rest = nil
		} else {
			f.Namespace = string(rest[:end])
			rest = rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return f, malformed("ack id: %v", err)
		}
		f.AckID = id
		rest = rest[digits:]
	}

	switch f.Message {
	case Event, BinaryEvent:
		var parts []json.RawMessage
		if err := json.Unmarshal(rest, &parts); err != nil {
			return f, malformed("event payload: %v", err)
		}
		if len(parts) == 0 {
			return f, malformed("event without name")
		}
		if err := json.Unmarshal(parts[0], &f.Event); err != nil {
			return f, malformed("event name: %v", err)
		}
		f.Args = parts[1:]
	case Ack, BinaryAck:
		if err := json.Unmarshal(rest, &f.Args); err != nil {
			return f, malformed("ack payload: %v", err)
		}
	default:
		f.Data = string(rest)
	}
	return f, nil
}

// Packet encodes an Engine.IO control frame.
func Packet(t PacketType, data string) []byte {
	out := make([]byte, 0, 1+len(data))
	out = append(out, byte(t))
	return append(out, data...)
}

// EncodeEvent encodes a Socket.IO event on the default namespace:
//
//	42["name",arg1,arg2,...]
func EncodeEvent(name string, args ...any) ([]byte, error) {
	parts := make([]any, 0, 1+len(args))
	parts = append(parts, name)
	parts = append(parts, args...)

	body, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", name, err)
	}
	if len(body)+2 > maxFrameSize {
		return nil, fmt.Errorf("event %q size %d exceeds maximum %d bytes", name, len(body)+2, maxFrameSize)
	}

	out := make([]byte, 0, len(body)+2)
	out = append(out, byte(Message), byte(Event))
	return append(out, body...), nil
}

// Handshake is the Engine.IO open packet returned by the polling transport.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
}

// Interval returns the server's ping interval.
func (h Handshake) Interval() time.Duration {
	return time.Duration(h.PingInterval) * time.Millisecond
}

// Timeout returns the server's ping timeout.
func (h Handshake) Timeout() time.Duration {
	return time.Duration(h.PingTimeout) * time.Millisecond
}

// ParseHandshake extracts the open packet from a polling response body. The
// body may be length-prefixed and carry further packets after the JSON object.
func ParseHandshake(body []byte) (Handshake, error) {
	var h Handshake
	start := bytes.IndexByte(body, '{')
	if start < 0 {
		return h, malformed("no open packet in %q", truncate(body, 64))
	}
	if err := json.NewDecoder(bytes.NewReader(body[start:])).Decode(&h); err != nil {
		return h, malformed("open packet: %v", err)
	}
	if h.SID == "" {
		return h, malformed("open packet without sid")
	}
	if h.PingInterval <= 0 {
		return h, malformed("open packet with ping interval %d", h.PingInterval)
	}
	return h, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
