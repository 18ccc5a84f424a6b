package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
)

var (
	nickRE    = regexp.MustCompile(`^[A-Za-z0-9]{1,10}$`)
	channelRE = regexp.MustCompile(`^#[A-Za-z0-9]{1,10}$`)
)

// ValidNick reports whether s is a well-formed nickname. The reserved
// ServerName passes here; reservation is enforced at registration.
func ValidNick(s string) bool { return nickRE.MatchString(s) }

// ValidChannel reports whether s is a well-formed channel name.
func ValidChannel(s string) bool { return channelRE.MatchString(s) }

// ValidTarget reports whether s is a well-formed nickname or channel name.
func ValidTarget(s string) bool { return ValidNick(s) || ValidChannel(s) }

// fieldSpec lists the keys a variant accepts beyond its discriminator.
type fieldSpec struct {
	required []string
	optional []string
}

var cmdFields = map[string]fieldSpec{
	CmdNick:     {required: []string{"src", "update"}},
	CmdQuit:     {required: []string{"src", "msg"}},
	CmdSQuit:    {required: []string{"src", "msg"}},
	CmdJoin:     {required: []string{"src", "channels"}},
	CmdLeave:    {required: []string{"src", "channels", "msg"}},
	CmdChannels: {required: []string{"src"}},
	CmdUsers:    {required: []string{"src", "channels"}, optional: []string{"client"}},
	CmdMsg:      {required: []string{"src", "targets", "msg"}},
	CmdPing:     {required: []string{"src", "msg"}},
	CmdPong:     {required: []string{"src", "msg"}},
}

var replyFields = map[string]fieldSpec{
	ReplyChannels: {required: []string{"channels"}},
	ReplyNames:    {required: []string{"channel", "names"}, optional: []string{"client"}},
}

// Parse decodes one frame's payload into a validated Message. Any failure
// is a schema-class WireError.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, AsWireError(err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, AsWireError(err)
	}
	return m, nil
}

// UnmarshalJSON performs the structural half of validation: exactly one
// discriminator, no unknown keys, and every field of the right primitive
// type. Semantic rules (name patterns, minItems, uniqueness) live in
// Validate.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return schemaErr("not a JSON object: %v", err)
	}

	*m = Message{}
	_, isCmd := raw["cmd"]
	_, isReply := raw["reply"]
	_, isErr := raw["error"]
	switch {
	case isCmd && !isReply && !isErr:
		return m.decodeCmd(raw)
	case isReply && !isCmd && !isErr:
		return m.decodeReply(raw)
	case isErr && !isCmd && !isReply:
		return m.decodeError(raw)
	}
	return schemaErr("message must have exactly one of cmd, reply, error")
}

func (m *Message) decodeCmd(raw map[string]json.RawMessage) error {
	name, err := strField(raw, "cmd")
	if err != nil {
		return err
	}
	spec, ok := cmdFields[name]
	if !ok {
		return schemaErr("unknown command %q", name)
	}
	if err := checkKeys(raw, "cmd", spec); err != nil {
		return err
	}
	m.Cmd = name
	return m.decodeFields(raw)
}

func (m *Message) decodeReply(raw map[string]json.RawMessage) error {
	name, err := strField(raw, "reply")
	if err != nil {
		return err
	}
	spec, ok := replyFields[name]
	if !ok {
		return schemaErr("unknown reply %q", name)
	}
	if err := checkKeys(raw, "reply", spec); err != nil {
		return err
	}
	m.Reply = name
	return m.decodeFields(raw)
}

func (m *Message) decodeError(raw map[string]json.RawMessage) error {
	kind, err := strField(raw, "error")
	if err != nil {
		return err
	}
	if err := checkKeys(raw, "error", fieldSpec{required: []string{"msg"}}); err != nil {
		return err
	}
	m.Error = ErrorKind(kind)
	return m.decodeFields(raw)
}

// decodeFields fills in every non-discriminator key present in raw.
// checkKeys has already rejected keys that do not belong.
func (m *Message) decodeFields(raw map[string]json.RawMessage) error {
	var err error
	for key := range raw {
		switch key {
		case "cmd", "reply", "error":
		case "src":
			m.Src, err = strField(raw, key)
		case "update":
			m.Update, err = strField(raw, key)
		case "msg":
			m.Msg, err = strField(raw, key)
		case "channel":
			m.Channel, err = strField(raw, key)
		case "channels":
			m.Channels, err = strsField(raw, key)
		case "targets":
			m.Targets, err = strsField(raw, key)
		case "names":
			m.Names, err = strsField(raw, key)
		case "client":
			m.Client, err = boolField(raw, key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func checkKeys(raw map[string]json.RawMessage, discriminator string, spec fieldSpec) error {
	allowed := map[string]bool{discriminator: true}
	for _, k := range spec.required {
		allowed[k] = true
		if _, ok := raw[k]; !ok {
			return schemaErr("missing required field %q", k)
		}
	}
	for _, k := range spec.optional {
		allowed[k] = true
	}
	for k := range raw {
		if !allowed[k] {
			return schemaErr("unknown field %q", k)
		}
	}
	return nil
}

var nullLiteral = []byte("null")

func strField(raw map[string]json.RawMessage, key string) (string, error) {
	data := raw[key]
	if bytes.Equal(bytes.TrimSpace(data), nullLiteral) {
		return "", schemaErr("field %q must be a string", key)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", schemaErr("field %q must be a string", key)
	}
	return s, nil
}

func strsField(raw map[string]json.RawMessage, key string) ([]string, error) {
	data := raw[key]
	if bytes.Equal(bytes.TrimSpace(data), nullLiteral) {
		return nil, schemaErr("field %q must be an array of strings", key)
	}
	var s []string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, schemaErr("field %q must be an array of strings", key)
	}
	if s == nil {
		s = []string{}
	}
	return s, nil
}

func boolField(raw map[string]json.RawMessage, key string) (*bool, error) {
	data := raw[key]
	if bytes.Equal(bytes.TrimSpace(data), nullLiteral) {
		return nil, schemaErr("field %q must be a boolean", key)
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, schemaErr("field %q must be a boolean", key)
	}
	return &b, nil
}

// Validate applies the semantic schema rules to an already-shaped message.
// It is called on every inbound frame after UnmarshalJSON and on every
// outbound message before encoding.
func (m Message) Validate() error {
	switch {
	case m.Cmd != "":
		return m.validateCmd()
	case m.Reply != "":
		return m.validateReply()
	case m.Error != "":
		if !knownErrorKinds[m.Error] {
			return schemaErr("unknown error kind %q", m.Error)
		}
		return nil
	}
	return schemaErr("message has no variant")
}

func (m Message) validateCmd() error {
	if _, ok := cmdFields[m.Cmd]; !ok {
		return schemaErr("unknown command %q", m.Cmd)
	}
	// src may be empty: an unregistered client has no identity yet, and the
	// server stamps the field from its own record before fan-out.
	if m.Src != "" && !ValidTarget(m.Src) {
		return schemaErr("src %q is not a nick or channel", m.Src)
	}
	switch m.Cmd {
	case CmdJoin, CmdLeave, CmdUsers:
		if err := nameList(m.Channels, "channels", ValidChannel, 1); err != nil {
			return err
		}
	case CmdMsg:
		if err := nameList(m.Targets, "targets", ValidTarget, 1); err != nil {
			return err
		}
	}
	return nil
}

func (m Message) validateReply() error {
	switch m.Reply {
	case ReplyChannels:
		return nameList(m.Channels, "channels", ValidChannel, 0)
	case ReplyNames:
		if !ValidChannel(m.Channel) {
			return schemaErr("channel %q is not a channel name", m.Channel)
		}
		return nameList(m.Names, "names", ValidNick, 0)
	}
	return schemaErr("unknown reply %q", m.Reply)
}

// nameList enforces minItems, uniqueItems, and the per-element pattern.
func nameList(items []string, field string, valid func(string) bool, minItems int) error {
	if len(items) < minItems {
		return schemaErr("field %q must have at least %d items", field, minItems)
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if !valid(it) {
			return schemaErr("field %q has malformed name %q", field, it)
		}
		if seen[it] {
			return schemaErr("field %q has duplicate %q", field, it)
		}
		seen[it] = true
	}
	return nil
}

func schemaErr(format string, args ...any) error {
	return &WireError{Kind: ErrSchema, Reason: fmt.Sprintf(format, args...)}
}
