package core

import (
	"log/slog"

	"jircd/internal/protocol"
)

// schemaReasonLimit caps how much of a rejected frame is echoed back in the
// schema error, keeping the error itself inside the frame budget.
const schemaReasonLimit = 512

// namesFrameBase is a conservative byte estimate for a names reply with an
// empty list; each listed nickname costs its length plus quotes and comma.
const namesFrameBase = 96

// Dispatcher executes one inbound message at a time against the directory
// and fans the resulting plan out to recipient connections. All transports
// (TCP and WebSocket) feed the same dispatcher.
type Dispatcher struct {
	dir *Directory
}

// NewDispatcher returns a dispatcher bound to dir.
func NewDispatcher(dir *Directory) *Dispatcher {
	return &Dispatcher{dir: dir}
}

// Directory exposes the backing directory for transports and the admin API.
func (dp *Dispatcher) Directory() *Directory { return dp.dir }

// HandleFrame parses and validates one frame payload from c, then executes
// it. A frame that fails validation earns a single schema error carrying a
// prefix of the original bytes; the connection stays open.
func (dp *Dispatcher) HandleFrame(c *Conn, payload []byte) {
	c.Touch()

	msg, err := protocol.Parse(payload)
	if err != nil {
		slog.Debug("rejected frame", "conn_id", c.ID(), "err", err)
		dp.sendError(c, protocol.NewWireError(protocol.ErrSchema, schemaReason(payload)))
		return
	}
	dp.HandleMessage(c, msg)
}

// HandleMessage executes one validated message from c.
func (dp *Dispatcher) HandleMessage(c *Conn, msg protocol.Message) {
	dp.dir.dispatched.Add(1)

	switch {
	case msg.Cmd != "":
		dp.handleCmd(c, msg)
	case msg.Reply != "":
		// Replies are server to client; one arriving here is a confused
		// client, not a protocol violation worth killing the session over.
		slog.Debug("ignoring client reply", "conn_id", c.ID(), "reply", msg.Reply)
	case msg.Error != "":
		slog.Warn("client reported error", "conn_id", c.ID(), "kind", msg.Error, "msg", msg.Msg)
	}
}

// handleCmd routes one command. The client-supplied src field is never
// trusted: registered connections have it overridden with the directory's
// record, and commands that need an identity are rejected until the
// connection registers one.
func (dp *Dispatcher) handleCmd(c *Conn, msg protocol.Message) {
	switch msg.Cmd {
	case protocol.CmdNick:
		plan, err := dp.dir.NickChange(c, msg.Update)
		dp.plan(c, plan, err)

	case protocol.CmdPing:
		dp.send(c, protocol.Message{Cmd: protocol.CmdPong, Src: protocol.ServerName, Msg: msg.Msg})

	case protocol.CmdPong:
		if nonce := c.PingNonce(); nonce == "" || nonce == msg.Msg {
			c.ClearPingNonce()
		}

	case protocol.CmdQuit:
		dp.quit(c, msg.Msg)

	case protocol.CmdSQuit:
		// Only the reserved server identity may shut the server down, and
		// no client can register it, so every wire squit lands here.
		dp.sendError(c, protocol.NewWireError(protocol.ErrNonExist, "squit requires server privilege"))

	case protocol.CmdJoin:
		if !dp.requireNick(c) {
			return
		}
		plan, err := dp.dir.Join(c, msg.Channels)
		dp.plan(c, plan, err)

	case protocol.CmdLeave:
		if !dp.requireNick(c) {
			return
		}
		plan, err := dp.dir.Leave(c, msg.Channels, msg.Msg)
		dp.plan(c, plan, err)

	case protocol.CmdChannels:
		if !dp.requireNick(c) {
			return
		}
		dp.send(c, protocol.ChannelsReply(dp.dir.ListChannels()))

	case protocol.CmdUsers:
		if !dp.requireNick(c) {
			return
		}
		dp.users(c, msg.Channels, msg.Client)

	case protocol.CmdMsg:
		if !dp.requireNick(c) {
			return
		}
		plan, err := dp.dir.FanoutMsg(c, msg.Targets, msg.Msg)
		dp.plan(c, plan, err)
	}
}

// schemaReason returns a prefix of a rejected payload short enough that the
// schema error echoing it still encodes within the frame bound. JSON
// escaping can multiply the size of quote and control bytes, so the cap is
// re-checked against the encoded error, shrinking the prefix until it fits.
func schemaReason(payload []byte) string {
	reason := string(payload)
	if len(reason) > schemaReasonLimit {
		reason = reason[:schemaReasonLimit]
	}
	for len(reason) > 0 {
		if _, err := protocol.ErrorMsg(protocol.ErrSchema, reason).Encode(); err == nil {
			break
		}
		reason = reason[:len(reason)/2]
	}
	return reason
}

// quit runs the voluntary quit path. An unregistered connection has no
// identity to echo, so it is torn down without notifications.
func (dp *Dispatcher) quit(c *Conn, msg string) {
	plan, ok := dp.dir.Quit(c, msg)
	if !ok {
		return
	}
	dp.deliver(plan)
	c.Close()
}

// ConnectionDropped runs the synthetic quit path for a connection that died
// without a quit command: transport error, oversized garbage, keep-alive
// expiry. Remaining members of its channels see a normal quit notification.
func (dp *Dispatcher) ConnectionDropped(c *Conn, reason string) {
	plan, ok := dp.dir.Quit(c, reason)
	if !ok {
		return
	}
	slog.Info("synthetic quit", "conn_id", c.ID(), "reason", reason)
	dp.deliver(plan)
	c.Close()
}

// Shutdown broadcasts a server-originated quit to every live connection,
// clears the directory, and closes the outbound queues so transports can
// flush and tear down their sockets.
func (dp *Dispatcher) Shutdown(msg string) {
	plan := dp.dir.ShutdownAll(msg)
	dp.deliver(plan)
	for _, dv := range plan {
		dv.To.Close()
	}
}

// users answers one names listing per requested channel. Long member lists
// are split across several names replies so each frame stays within the
// wire bound; a zero-length names array terminates the listing for that
// channel. Unknown channels yield nonexist errors without aborting the
// remaining listings.
func (dp *Dispatcher) users(c *Conn, channels []string, client *bool) {
	if len(channels) == 0 {
		dp.sendError(c, protocol.NewWireError(protocol.ErrNoChannel, "users requires at least one channel"))
		return
	}
	for _, name := range channels {
		names, err := dp.dir.ListUsers(name)
		if err != nil {
			dp.sendError(c, protocol.AsWireError(err))
			continue
		}
		for _, chunk := range chunkNames(name, names) {
			dp.send(c, protocol.NamesReply(name, chunk, client))
		}
		dp.send(c, protocol.NamesReply(name, []string{}, client))
	}
}

// chunkNames splits names so every reply frame stays within the wire bound.
func chunkNames(channel string, names []string) [][]string {
	budget := protocol.MaxEncodedLen - namesFrameBase - len(channel)

	var chunks [][]string
	var cur []string
	used := 0
	for _, n := range names {
		cost := len(n) + 3
		if len(cur) > 0 && used+cost > budget {
			chunks = append(chunks, cur)
			cur, used = nil, 0
		}
		cur = append(cur, n)
		used += cost
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// requireNick rejects commands that need a registered identity.
func (dp *Dispatcher) requireNick(c *Conn) bool {
	if c.Registered() {
		return true
	}
	dp.sendError(c, protocol.NewWireError(protocol.ErrBadNick, "register a nickname first"))
	return false
}

// plan delivers the outcome of a compound directory operation, or reports
// its failure back to the origin.
func (dp *Dispatcher) plan(c *Conn, deliveries []Delivery, err error) {
	if err != nil {
		dp.sendError(c, protocol.AsWireError(err))
		return
	}
	dp.deliver(deliveries)
}

// deliver enqueues every delivery in plan order. A connection whose send
// queue is stalled or closed is reaped through the synthetic quit path
// after the rest of the plan completes.
func (dp *Dispatcher) deliver(plan []Delivery) {
	var stalled []*Conn
	for _, dv := range plan {
		if err := dv.To.Enqueue(dv.Msg); err != nil {
			dp.dir.dropped.Add(1)
			if err == errSendStalled {
				stalled = append(stalled, dv.To)
			}
			slog.Debug("delivery dropped", "conn_id", dv.To.ID(), "err", err)
			continue
		}
		dp.dir.delivered.Add(1)
	}
	for _, c := range stalled {
		dp.ConnectionDropped(c, "connection dropped")
	}
}

func (dp *Dispatcher) send(c *Conn, msg protocol.Message) {
	dp.deliver([]Delivery{{To: c, Msg: msg}})
}

func (dp *Dispatcher) sendError(c *Conn, werr *protocol.WireError) {
	dp.send(c, protocol.ErrorMsg(werr.Kind, werr.Reason))
}
