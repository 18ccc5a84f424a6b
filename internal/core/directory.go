package core

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"jircd/internal/protocol"
)

// Delivery pairs one outbound message with its recipient. Compound
// directory operations return their whole fan-out plan so that the plan is
// computed against the same state snapshot as the mutation.
type Delivery struct {
	To  *Conn
	Msg protocol.Message
}

type channel struct {
	name    string
	created time.Time
	members map[*Conn]struct{}
}

// sortedMembers returns the member connections ordered by nickname.
func (ch *channel) sortedMembers() []*Conn {
	out := make([]*Conn, 0, len(ch.members))
	for m := range ch.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick() < out[j].Nick() })
	return out
}

// Directory is the single authoritative store for connections, nicknames,
// channels, and memberships. Every mutation happens under one mutex, so
// each dispatcher step observes and produces a consistent snapshot.
//
// Memberships are stored forward only (channel to member set); the set of
// channels a connection has joined is recomputed on demand.
type Directory struct {
	mu       sync.RWMutex
	conns    map[string]*Conn // conn ID → conn
	nicks    map[string]*Conn
	channels map[string]*channel

	dispatched atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		conns:    make(map[string]*Conn),
		nicks:    make(map[string]*Conn),
		channels: make(map[string]*channel),
	}
}

// Add registers a freshly accepted connection. It holds no nickname and no
// memberships until its first successful nick command.
func (d *Directory) Add(c *Conn) {
	d.mu.Lock()
	d.conns[c.id] = c
	total := len(d.conns)
	d.mu.Unlock()

	slog.Info("connection added", "conn_id", c.id, "remote", c.remote, "total_conns", total)
}

// ConnCount returns the number of live connections.
func (d *Directory) ConnCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// Conns returns a snapshot of all live connections.
func (d *Directory) Conns() []*Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		out = append(out, c)
	}
	return out
}

// channelsOf recomputes the forward index: the channels containing c, in
// name order. Callers hold d.mu.
func (d *Directory) channelsOf(c *Conn) []*channel {
	var out []*channel
	for _, ch := range d.channels {
		if _, ok := ch.members[c]; ok {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// NickChange registers a first nickname or renames an existing one. On
// success the plan notifies every channel containing c, plus c itself so
// the client can confirm its own change. Rename notifications carry the
// old nickname as source; initial registrations carry the new one, having
// no prior identity on the wire.
func (d *Directory) NickChange(c *Conn, update string) ([]Delivery, error) {
	if !protocol.ValidNick(update) || update == protocol.ServerName {
		return nil, protocol.NewWireError(protocol.ErrBadNick, "invalid nickname: "+update)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if holder, ok := d.nicks[update]; ok {
		reason := "nickname in use: " + update
		if holder == c {
			reason = "nickname already set: " + update
		}
		return nil, protocol.NewWireError(protocol.ErrNickInUse, reason)
	}
	if _, live := d.conns[c.id]; !live {
		return nil, protocol.NewWireError(protocol.ErrNonExist, "connection is closed")
	}

	old := c.Nick()
	if old != "" {
		delete(d.nicks, old)
	}
	d.nicks[update] = c
	c.setNick(update)

	src := old
	if src == "" {
		src = update
	}
	note := protocol.Message{Cmd: protocol.CmdNick, Src: src, Update: update}

	recipients := d.audienceLocked(c)
	plan := make([]Delivery, 0, len(recipients))
	for _, to := range recipients {
		plan = append(plan, Delivery{To: to, Msg: note})
	}

	slog.Info("nick change", "conn_id", c.id, "old", old, "new", update)
	return plan, nil
}

// audienceLocked returns c plus every member of every channel containing c,
// deduplicated and ordered by nickname. Callers hold d.mu.
func (d *Directory) audienceLocked(c *Conn) []*Conn {
	seen := map[*Conn]struct{}{c: {}}
	for _, ch := range d.channelsOf(c) {
		for m := range ch.members {
			seen[m] = struct{}{}
		}
	}
	out := make([]*Conn, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick() < out[j].Nick() })
	return out
}

// Join adds c to each named channel, creating missing ones. Malformed names
// fail the whole call with badchannel and no mutation. Channels c already
// belongs to are skipped; if nothing is newly joined the call fails with
// member. Each member of each newly joined channel, c included, is notified
// of that one channel.
func (d *Directory) Join(c *Conn, channels []string) ([]Delivery, error) {
	for _, name := range channels {
		if !protocol.ValidChannel(name) {
			return nil, protocol.NewWireError(protocol.ErrBadChannel, "invalid channel name: "+name)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var added []string
	for _, name := range channels {
		if ch, ok := d.channels[name]; ok {
			if _, member := ch.members[c]; member {
				continue
			}
		}
		added = append(added, name)
	}
	if len(added) == 0 {
		return nil, protocol.NewWireError(protocol.ErrMember, "already a member of all requested channels")
	}

	var plan []Delivery
	for _, name := range added {
		ch, ok := d.channels[name]
		if !ok {
			ch = &channel{name: name, created: time.Now(), members: make(map[*Conn]struct{})}
			d.channels[name] = ch
		}
		ch.members[c] = struct{}{}

		note := protocol.Message{Cmd: protocol.CmdJoin, Src: c.Nick(), Channels: []string{name}}
		for _, to := range ch.sortedMembers() {
			plan = append(plan, Delivery{To: to, Msg: note})
		}
	}

	slog.Info("join", "nick", c.Nick(), "channels", added)
	return plan, nil
}

// Leave removes c from each named channel. The call is atomic: if c is not
// a member of every listed channel it fails with nonmember and mutates
// nothing. Every prior member of each channel, c included, is notified;
// channels left empty are deleted after the plan is computed.
func (d *Directory) Leave(c *Conn, channels []string, msg string) ([]Delivery, error) {
	for _, name := range channels {
		if !protocol.ValidChannel(name) {
			return nil, protocol.NewWireError(protocol.ErrBadChannel, "invalid channel name: "+name)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, name := range channels {
		ch, ok := d.channels[name]
		if !ok {
			return nil, protocol.NewWireError(protocol.ErrNonMember, "not a member of "+name)
		}
		if _, member := ch.members[c]; !member {
			return nil, protocol.NewWireError(protocol.ErrNonMember, "not a member of "+name)
		}
	}

	var plan []Delivery
	for _, name := range channels {
		ch := d.channels[name]
		note := protocol.Message{Cmd: protocol.CmdLeave, Src: c.Nick(), Channels: []string{name}, Msg: msg}
		for _, to := range ch.sortedMembers() {
			plan = append(plan, Delivery{To: to, Msg: note})
		}

		delete(ch.members, c)
		if len(ch.members) == 0 {
			delete(d.channels, name)
		}
	}

	slog.Info("leave", "nick", c.Nick(), "channels", channels)
	return plan, nil
}

// Quit removes c from every channel it is in, deletes channels left empty,
// drops its nickname, and removes it from the directory. The plan carries
// one quit notification per affected connection, c included, so the client
// can shut down cleanly. ok is false when c was already removed.
func (d *Directory) Quit(c *Conn, msg string) (plan []Delivery, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, live := d.conns[c.id]; !live {
		return nil, false
	}

	nick := c.Nick()
	if nick != "" {
		note := protocol.Message{Cmd: protocol.CmdQuit, Src: nick, Msg: msg}
		for _, to := range d.audienceLocked(c) {
			plan = append(plan, Delivery{To: to, Msg: note})
		}
	}

	for _, ch := range d.channelsOf(c) {
		delete(ch.members, c)
		if len(ch.members) == 0 {
			delete(d.channels, ch.name)
		}
	}
	if nick != "" {
		delete(d.nicks, nick)
		c.setNick("")
	}
	delete(d.conns, c.id)

	slog.Info("quit", "conn_id", c.id, "nick", nick, "reason", msg, "remaining_conns", len(d.conns))
	return plan, true
}

// ShutdownAll plans a server-originated quit to every live connection and
// empties the directory. Used for squit and SIGINT shutdown.
func (d *Directory) ShutdownAll(msg string) []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()

	note := protocol.Message{Cmd: protocol.CmdQuit, Src: protocol.ServerName, Msg: msg}
	conns := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })

	plan := make([]Delivery, 0, len(conns))
	for _, c := range conns {
		plan = append(plan, Delivery{To: c, Msg: note})
	}

	d.conns = make(map[string]*Conn)
	d.nicks = make(map[string]*Conn)
	d.channels = make(map[string]*channel)

	slog.Info("directory cleared for shutdown", "notified", len(plan))
	return plan
}

// ListChannels returns all current channel names in sorted order.
func (d *Directory) ListChannels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListUsers returns the sorted nicknames of a channel's members, or
// nonexist when the channel is unknown.
func (d *Directory) ListUsers(channel string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ch, ok := d.channels[channel]
	if !ok {
		return nil, protocol.NewWireError(protocol.ErrNonExist, "no such channel: "+channel)
	}
	out := make([]string, 0, len(ch.members))
	for m := range ch.members {
		out = append(out, m.Nick())
	}
	sort.Strings(out)
	return out, nil
}

// LookupNick resolves a nickname to its connection.
func (d *Directory) LookupNick(nick string) (*Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.nicks[nick]
	return c, ok
}

// FanoutMsg resolves each target of a msg command and plans its delivery.
// Nickname targets resolve to the owning connection; channel targets to the
// channel's members excluding the sender, in nickname order. The call is
// all-or-nothing: any unresolvable target fails the whole fan-out.
// Recipients are deduplicated by connection identity, keeping the earliest
// position in the plan.
func (d *Directory) FanoutMsg(c *Conn, targets []string, msg string) ([]Delivery, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var recipients []*Conn
	seen := make(map[*Conn]struct{})
	add := func(to *Conn) {
		if _, dup := seen[to]; dup {
			return
		}
		seen[to] = struct{}{}
		recipients = append(recipients, to)
	}

	for _, target := range targets {
		switch {
		case protocol.ValidNick(target):
			to, ok := d.nicks[target]
			if !ok {
				return nil, protocol.NewWireError(protocol.ErrNonExist, "no such user: "+target)
			}
			add(to)
		case protocol.ValidChannel(target):
			ch, ok := d.channels[target]
			if !ok {
				return nil, protocol.NewWireError(protocol.ErrNonExist, "no such channel: "+target)
			}
			for _, to := range ch.sortedMembers() {
				if to != c {
					add(to)
				}
			}
		default:
			return nil, protocol.NewWireError(protocol.ErrBadChannel, "invalid target: "+target)
		}
	}

	note := protocol.Message{Cmd: protocol.CmdMsg, Src: c.Nick(), Targets: targets, Msg: msg}
	plan := make([]Delivery, 0, len(recipients))
	for _, to := range recipients {
		plan = append(plan, Delivery{To: to, Msg: note})
	}
	return plan, nil
}

// UserView is a read-only snapshot of one registered user for the admin API.
type UserView struct {
	Nick     string   `json:"nick"`
	Remote   string   `json:"remote,omitempty"`
	Channels []string `json:"channels"`
}

// ChannelView is a read-only snapshot of one channel for the admin API.
type ChannelView struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Members []string  `json:"members"`
}

// Snapshot returns sorted views of all registered users and channels.
func (d *Directory) Snapshot() ([]UserView, []ChannelView) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make([]UserView, 0, len(d.nicks))
	for nick, c := range d.nicks {
		var joined []string
		for _, ch := range d.channelsOf(c) {
			joined = append(joined, ch.name)
		}
		if joined == nil {
			joined = []string{}
		}
		users = append(users, UserView{Nick: nick, Remote: c.remote, Channels: joined})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Nick < users[j].Nick })

	chans := make([]ChannelView, 0, len(d.channels))
	for name, ch := range d.channels {
		members := make([]string, 0, len(ch.members))
		for m := range ch.members {
			members = append(members, m.Nick())
		}
		sort.Strings(members)
		chans = append(chans, ChannelView{Name: name, Created: ch.created, Members: members})
	}
	sort.Slice(chans, func(i, j int) bool { return chans[i].Name < chans[j].Name })

	return users, chans
}

// Stats returns and resets the dispatch counters accumulated since the
// previous call.
func (d *Directory) Stats() (dispatched, delivered, dropped uint64, conns, channels int) {
	dispatched = d.dispatched.Swap(0)
	delivered = d.delivered.Swap(0)
	dropped = d.dropped.Swap(0)

	d.mu.RLock()
	conns = len(d.conns)
	channels = len(d.channels)
	d.mu.RUnlock()
	return
}
