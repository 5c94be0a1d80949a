package handlers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/superbot/pkg/client"
	"github.com/aeolun/superbot/pkg/protocol"
)

// LostUserEvent is triggered with a LostUser payload when a nickname is no
// longer visible in any channel the bot occupies
const LostUserEvent = "channels.lostuser"

// rejoinDelay is how long to wait before rejoining after a kick
var rejoinDelay = 3 * time.Second

// LostUser is the payload of LostUserEvent
type LostUser struct {
	Nickname string
}

// Member is one user's standing in a channel
type Member struct {
	Op    bool
	Voice bool
}

// Channel is the bot's view of one joined channel
type Channel struct {
	Name    string
	Members map[string]Member // keyed by lowercased nickname
	Nicks   map[string]string // lowercased -> display nickname
}

func newChannel(name string) *Channel {
	return &Channel{Name: name, Members: make(map[string]Member), Nicks: make(map[string]string)}
}

func (c *Channel) add(nick string, m Member) {
	key := strings.ToLower(nick)
	c.Members[key] = m
	c.Nicks[key] = nick
}

func (c *Channel) remove(nick string) bool {
	key := strings.ToLower(nick)
	_, ok := c.Members[key]
	delete(c.Members, key)
	delete(c.Nicks, key)
	return ok
}

func (c *Channel) clone() *Channel {
	out := newChannel(c.Name)
	for k, m := range c.Members {
		out.Members[k] = m
		out.Nicks[k] = c.Nicks[k]
	}
	return out
}

// Channels joins the configured channels and tracks who is in them
type Channels struct {
	hc         *client.HandlerContext
	lostUserID int

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewChannels(hc *client.HandlerContext) (client.Handler, error) {
	c := &Channels{
		hc:         hc,
		lostUserID: hc.EventID(LostUserEvent),
		channels:   make(map[string]*Channel),
	}
	hc.On(protocol.KindJoin, c.onJoin)
	hc.On(protocol.KindPart, c.onPart)
	hc.On(protocol.KindKick, c.onKick)
	hc.On(protocol.KindQuit, c.onQuit)
	hc.On(protocol.KindNick, c.onNick)
	hc.On(protocol.KindMode, c.onMode)
	hc.On(protocol.KindNumeric, c.onNumeric)
	return c, nil
}

func (c *Channels) Init(state any) error {
	if saved, ok := state.(map[string]*Channel); ok {
		c.mu.Lock()
		for name, ch := range saved {
			c.channels[name] = ch.clone()
		}
		c.mu.Unlock()
	}

	for _, entry := range c.hc.Config().CloneChannels(c.hc.Clone()) {
		name, key, _ := strings.Cut(entry, " ")
		name = strings.ToLower(name)
		if c.IsOn(name) {
			continue
		}
		if err := c.hc.Send(protocol.Join(name, key)); err != nil {
			return fmt.Errorf("join %s: %w", name, err)
		}
	}
	return nil
}

func (c *Channels) SaveState() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := make(map[string]*Channel, len(c.channels))
	for name, ch := range c.channels {
		saved[name] = ch.clone()
	}
	return saved, nil
}

// IsOn reports whether the bot is in channel
func (c *Channels) IsOn(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[strings.ToLower(channel)]
	return ok
}

// Joined returns the channels the bot is in, sorted
func (c *Channels) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Members returns the display nicknames in channel, sorted
func (c *Channels) Members(channel string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[strings.ToLower(channel)]
	if !ok {
		return nil
	}
	nicks := make([]string, 0, len(ch.Nicks))
	for _, nick := range ch.Nicks {
		nicks = append(nicks, nick)
	}
	sort.Strings(nicks)
	return nicks
}

// Member returns nick's standing in channel
func (c *Channels) Member(channel, nick string) (Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[strings.ToLower(channel)]
	if !ok {
		return Member{}, false
	}
	m, ok := ch.Members[strings.ToLower(nick)]
	return m, ok
}

func (c *Channels) isMe(nick string) bool {
	return strings.EqualFold(nick, c.hc.Nickname())
}

// visibleLocked reports whether nick shares any channel with the bot
func (c *Channels) visibleLocked(nick string) bool {
	key := strings.ToLower(nick)
	for _, ch := range c.channels {
		if _, ok := ch.Members[key]; ok {
			return true
		}
	}
	return false
}

func (c *Channels) lost(nicks []string) {
	for _, nick := range nicks {
		c.hc.Trigger(c.lostUserID, LostUser{Nickname: nick})
	}
}

func (c *Channels) onJoin(msg protocol.Message) error {
	m := msg.(*protocol.JoinMessage)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isMe(m.Joiner()) {
		ch := newChannel(m.Channel)
		ch.add(m.Joiner(), Member{})
		c.channels[m.Channel] = ch
		return nil
	}
	if ch, ok := c.channels[m.Channel]; ok {
		ch.add(m.Joiner(), Member{})
	}
	return nil
}

// leave forgets channel and returns the users no longer visible
func (c *Channels) leaveLocked(channel string) []string {
	ch, ok := c.channels[channel]
	if !ok {
		return nil
	}
	delete(c.channels, channel)
	var gone []string
	for key, nick := range ch.Nicks {
		if !c.isMe(nick) && !c.visibleLocked(key) {
			gone = append(gone, nick)
		}
	}
	sort.Strings(gone)
	return gone
}

// removeLocked drops nick from channel and returns it if it is now invisible
func (c *Channels) removeLocked(channel, nick string) []string {
	ch, ok := c.channels[channel]
	if !ok || !ch.remove(nick) || c.visibleLocked(nick) {
		return nil
	}
	return []string{nick}
}

func (c *Channels) onPart(msg protocol.Message) error {
	m := msg.(*protocol.PartMessage)
	c.mu.Lock()
	var gone []string
	if c.isMe(m.Leaver()) {
		gone = c.leaveLocked(m.Channel)
	} else {
		gone = c.removeLocked(m.Channel, m.Leaver())
	}
	c.mu.Unlock()
	c.lost(gone)
	return nil
}

func (c *Channels) onKick(msg protocol.Message) error {
	m := msg.(*protocol.KickMessage)
	c.mu.Lock()
	var gone []string
	kickedMe := c.isMe(m.Kicked)
	if kickedMe {
		gone = c.leaveLocked(m.Channel)
	} else {
		gone = c.removeLocked(m.Channel, m.Kicked)
	}
	c.mu.Unlock()
	c.lost(gone)

	if kickedMe {
		c.hc.ReportStatus(fmt.Sprintf("%s was kicked from %s by %s (%s)", c.hc.Clone(), m.Channel, m.Kicker(), m.Reason))
		channel := m.Channel
		c.hc.Timers().Schedule(func() { c.rejoin(channel) }, rejoinDelay)
	}
	return nil
}

// rejoin joins channel again if it is still configured
func (c *Channels) rejoin(channel string) {
	for _, entry := range c.hc.Config().CloneChannels(c.hc.Clone()) {
		name, key, _ := strings.Cut(entry, " ")
		if strings.EqualFold(name, channel) {
			c.hc.Send(protocol.Join(channel, key))
			return
		}
	}
}

func (c *Channels) onQuit(msg protocol.Message) error {
	m := msg.(*protocol.QuitMessage)
	nick := m.Quitter()
	c.mu.Lock()
	seen := false
	for _, ch := range c.channels {
		if ch.remove(nick) {
			seen = true
		}
	}
	c.mu.Unlock()
	if seen {
		c.lost([]string{nick})
	}
	return nil
}

func (c *Channels) onNick(msg protocol.Message) error {
	m := msg.(*protocol.NickMessage)
	old := m.OldNick()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		member, ok := ch.Members[strings.ToLower(old)]
		if !ok {
			continue
		}
		ch.remove(old)
		ch.add(m.NewNick, member)
	}
	return nil
}

// modesWithArg lists channel modes that carry a parameter (l only when set)
const modesWithArg = "kovbeIhl"

func (c *Channels) onMode(msg protocol.Message) error {
	m := msg.(*protocol.ModeMessage)
	fields := strings.Fields(m.Modes)
	if len(fields) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[m.Target]
	if !ok {
		return nil
	}

	args := fields[1:]
	adding := true
	for _, r := range fields[0] {
		switch r {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}
		if !strings.ContainsRune(modesWithArg, r) || (r == 'l' && !adding) {
			continue
		}
		if len(args) == 0 {
			break
		}
		arg := args[0]
		args = args[1:]

		key := strings.ToLower(arg)
		member, ok := ch.Members[key]
		if !ok {
			continue
		}
		switch r {
		case 'o':
			member.Op = adding
		case 'v':
			member.Voice = adding
		default:
			continue
		}
		ch.Members[key] = member
	}
	return nil
}

func (c *Channels) onNumeric(msg protocol.Message) error {
	m := msg.(*protocol.NumericMessage)
	switch {
	case m.Code == protocol.RplNamReply:
		c.onNames(m.Text)
	case protocol.IsJoinFailure(m.Code):
		channel, reason, _ := strings.Cut(m.Text, " :")
		c.hc.ReportStatus(fmt.Sprintf("%s could not join %s: %s", c.hc.Clone(), strings.TrimSpace(channel), reason))
	}
	return nil
}

// onNames handles "= #chan :@op +voice user"
func (c *Channels) onNames(text string) {
	head, names, ok := strings.Cut(text, " :")
	if !ok {
		return
	}
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return
	}
	channel := strings.ToLower(fields[len(fields)-1])

	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[channel]
	if !ok {
		return
	}
	for _, name := range strings.Fields(names) {
		var member Member
		for len(name) > 0 && strings.IndexByte("@+%~&", name[0]) >= 0 {
			switch name[0] {
			case '@', '~', '&':
				member.Op = true
			case '+':
				member.Voice = true
			}
			name = name[1:]
		}
		if name != "" {
			ch.add(name, member)
		}
	}
}
