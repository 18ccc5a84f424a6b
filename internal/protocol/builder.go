package protocol

// Builder constructs command messages stamped with a fixed source
// identifier. The server keeps one builder per connection (stamped with the
// registered nick) plus one stamped ServerName for server-originated
// traffic.
type Builder struct {
	src string
}

// NewBuilder returns a builder stamping src on every command it makes.
func NewBuilder(src string) *Builder {
	return &Builder{src: src}
}

// SetSrc changes the stamped source, e.g. after a nick rename.
func (b *Builder) SetSrc(src string) { b.src = src }

// Src returns the currently stamped source.
func (b *Builder) Src() string { return b.src }

func (b *Builder) Nick(update string) Message {
	return Message{Cmd: CmdNick, Src: b.src, Update: update}
}

func (b *Builder) Quit(msg string) Message {
	return Message{Cmd: CmdQuit, Src: b.src, Msg: msg}
}

func (b *Builder) SQuit(msg string) Message {
	return Message{Cmd: CmdSQuit, Src: b.src, Msg: msg}
}

func (b *Builder) Join(channels []string) Message {
	return Message{Cmd: CmdJoin, Src: b.src, Channels: channels}
}

func (b *Builder) Leave(channels []string, msg string) Message {
	return Message{Cmd: CmdLeave, Src: b.src, Channels: channels, Msg: msg}
}

func (b *Builder) Channels() Message {
	return Message{Cmd: CmdChannels, Src: b.src}
}

func (b *Builder) Users(channels []string, client bool) Message {
	return Message{Cmd: CmdUsers, Src: b.src, Channels: channels, Client: &client}
}

func (b *Builder) Msg(targets []string, msg string) Message {
	return Message{Cmd: CmdMsg, Src: b.src, Targets: targets, Msg: msg}
}

func (b *Builder) Ping(msg string) Message {
	return Message{Cmd: CmdPing, Src: b.src, Msg: msg}
}

func (b *Builder) Pong(msg string) Message {
	return Message{Cmd: CmdPong, Src: b.src, Msg: msg}
}

// ErrorMsg builds a wire error reply.
func ErrorMsg(kind ErrorKind, msg string) Message {
	return Message{Error: kind, Msg: msg}
}

// ChannelsReply builds a channels listing reply.
func ChannelsReply(channels []string) Message {
	return Message{Reply: ReplyChannels, Channels: channels}
}

// NamesReply builds one names listing reply for a channel. An empty names
// array marks the end of the listing for that channel.
func NamesReply(channel string, names []string, client *bool) Message {
	return Message{Reply: ReplyNames, Channel: channel, Names: names, Client: client}
}
