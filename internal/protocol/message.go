// Package protocol defines the JSON wire messages exchanged between chat
// clients and the server: a closed union of commands, replies, and errors.
// Every message entering or leaving the server core passes through the
// strict validator in this package.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names carried in the "cmd" field.
const (
	CmdNick     = "nick"
	CmdQuit     = "quit"
	CmdSQuit    = "squit"
	CmdJoin     = "join"
	CmdLeave    = "leave"
	CmdChannels = "channels"
	CmdUsers    = "users"
	CmdMsg      = "msg"
	CmdPing     = "ping"
	CmdPong     = "pong"
)

// Reply names carried in the "reply" field.
const (
	ReplyChannels = "channels"
	ReplyNames    = "names"
)

// ServerName is the reserved source identifier for server-originated
// messages. No client may register it as a nickname.
const ServerName = "SERVER"

// MaxEncodedLen is the maximum serialized length of one message, excluding
// the CRLF terminator. A frame including the terminator never exceeds 1024
// bytes.
const MaxEncodedLen = 1022

// Message is one wire message: exactly one of Cmd, Reply, or Error is set
// and discriminates the variant. The remaining fields are populated per
// variant; see the field tables in Validate.
type Message struct {
	Cmd   string
	Reply string
	Error ErrorKind

	Src      string
	Update   string
	Msg      string
	Channel  string
	Channels []string
	Targets  []string
	Names    []string
	Client   *bool
}

// MarshalJSON emits only the fields that belong to the message's variant, so
// a round trip through the validator never sees stray keys. Required array
// fields are emitted even when empty: the zero-length "names" array is the
// end-of-list sentinel for users replies.
func (m Message) MarshalJSON() ([]byte, error) {
	obj, err := m.wireObject()
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func (m Message) wireObject() (map[string]any, error) {
	switch {
	case m.Cmd != "":
		obj := map[string]any{"cmd": m.Cmd, "src": m.Src}
		switch m.Cmd {
		case CmdNick:
			obj["update"] = m.Update
		case CmdQuit, CmdSQuit, CmdPing, CmdPong:
			obj["msg"] = m.Msg
		case CmdJoin:
			obj["channels"] = nonNil(m.Channels)
		case CmdLeave:
			obj["channels"] = nonNil(m.Channels)
			obj["msg"] = m.Msg
		case CmdChannels:
		case CmdUsers:
			obj["channels"] = nonNil(m.Channels)
			if m.Client != nil {
				obj["client"] = *m.Client
			}
		case CmdMsg:
			obj["targets"] = nonNil(m.Targets)
			obj["msg"] = m.Msg
		default:
			return nil, fmt.Errorf("marshal: unknown command %q", m.Cmd)
		}
		return obj, nil

	case m.Reply != "":
		obj := map[string]any{"reply": m.Reply}
		switch m.Reply {
		case ReplyChannels:
			obj["channels"] = nonNil(m.Channels)
		case ReplyNames:
			obj["channel"] = m.Channel
			obj["names"] = nonNil(m.Names)
			if m.Client != nil {
				obj["client"] = *m.Client
			}
		default:
			return nil, fmt.Errorf("marshal: unknown reply %q", m.Reply)
		}
		return obj, nil

	case m.Error != "":
		return map[string]any{"error": string(m.Error), "msg": m.Msg}, nil
	}
	return nil, fmt.Errorf("marshal: message has no variant")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Encode serializes m compactly after validating it. The returned bytes do
// not include the frame terminator.
func (m Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxEncodedLen {
		return nil, fmt.Errorf("%w: encoded message is %d bytes", ErrTooLong, len(data))
	}
	return data, nil
}
