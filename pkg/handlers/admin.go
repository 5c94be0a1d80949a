package handlers

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/aeolun/superbot/pkg/client"
	"github.com/aeolun/superbot/pkg/config"
	"github.com/aeolun/superbot/pkg/protocol"
)

// MaxChannels caps how many channels one clone may be told to join
const MaxChannels = 20

type command func(a *Admin, msg *protocol.ChatMessage, args []string) string

var commands = map[string]command{
	"!addmodule":     (*Admin).addModule,
	"!removemodule":  (*Admin).removeModule,
	"!reloadmodules": (*Admin).reloadModules,
	"!listmodules":   (*Admin).listModules,
	"!listclones":    (*Admin).listClones,
	"!killclone":     (*Admin).killClone,
	"!startclone":    (*Admin).startClone,
	"!reconnect":     (*Admin).reconnect,
	"!join":          (*Admin).join,
	"!part":          (*Admin).part,
}

// Admin answers control commands from users matching the admins variable
type Admin struct {
	hc *client.HandlerContext
}

func NewAdmin(hc *client.HandlerContext) (client.Handler, error) {
	a := &Admin{hc: hc}
	hc.On(protocol.KindChat, a.onChat)
	return a, nil
}

func (a *Admin) Init(state any) error {
	return nil
}

// IsAdmin reports whether source (nick!user@host) matches an admins mask
// at global, network or channel scope
func (a *Admin) IsAdmin(source, channel string) bool {
	source = strings.ToLower(source)
	nick, _, _ := strings.Cut(source, "!")
	for _, value := range a.hc.Config().Vars("admins", a.hc.Network(), channel) {
		for _, mask := range config.SplitList(strings.ToLower(value)) {
			subject := source
			if !strings.Contains(mask, "!") {
				subject = nick
			}
			if matchMask(mask, subject) {
				return true
			}
		}
	}
	return false
}

// matchMask matches an IRC hostmask where * spans any run of characters
// and ? exactly one, separators included
func matchMask(mask, subject string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range mask {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	return err == nil && re.MatchString(subject)
}

func (a *Admin) onChat(m protocol.Message) error {
	msg := m.(*protocol.ChatMessage)
	if !msg.Privmsg || !msg.IsCommand {
		return nil
	}
	cmd, ok := commands[msg.Command]
	if !ok {
		return nil
	}
	channel := ""
	if strings.HasPrefix(msg.Target, "#") {
		channel = msg.Target
	}
	if !a.IsAdmin(msg.Source, channel) {
		return nil
	}

	reply := cmd(a, msg, strings.Fields(msg.Args))
	if reply == "" {
		return nil
	}
	to := msg.Target
	if channel == "" {
		to = msg.From()
	}
	return a.hc.Send(protocol.Privmsg(to, reply))
}

func (a *Admin) addModule(_ *protocol.ChatMessage, args []string) string {
	if len(args) != 1 {
		return "Usage: !addmodule <name>"
	}
	if err := a.hc.AddHandler(args[0]); err != nil {
		return err.Error()
	}
	return "Adding " + args[0]
}

func (a *Admin) removeModule(_ *protocol.ChatMessage, args []string) string {
	if len(args) != 1 {
		return "Usage: !removemodule <name>"
	}
	if err := a.hc.RemoveHandler(args[0]); err != nil {
		return err.Error()
	}
	return "Removing " + args[0]
}

func (a *Admin) reloadModules(_ *protocol.ChatMessage, _ []string) string {
	a.hc.Reload()
	return "Reloading modules"
}

func (a *Admin) listModules(_ *protocol.ChatMessage, _ []string) string {
	m := a.hc.Manager()
	return fmt.Sprintf("Loaded: %s; available: %s",
		strings.Join(m.Handlers(), ", "), strings.Join(m.Catalog().Names(), ", "))
}

func (a *Admin) listClones(_ *protocol.ChatMessage, _ []string) string {
	infos := a.hc.Manager().List()
	if len(infos) == 0 {
		return "No clones running"
	}
	parts := make([]string, 0, len(infos))
	for _, info := range infos {
		parts = append(parts, fmt.Sprintf("%s (%s, %s, %s)", info.Name, info.Network, info.Nickname, info.State))
	}
	return strings.Join(parts, ", ")
}

func (a *Admin) killClone(_ *protocol.ChatMessage, args []string) string {
	if len(args) != 1 {
		return "Usage: !killclone <clone>"
	}
	name := args[0]
	if err := a.hc.Manager().Terminate(name); err != nil {
		return err.Error()
	}
	a.hc.Config().RemoveClone(name)
	return "Killed " + name
}

// startClone handles "!startclone <clone> [network nickname [channels]]"
func (a *Admin) startClone(_ *protocol.ChatMessage, args []string) string {
	if len(args) != 1 && len(args) != 3 && len(args) != 4 {
		return "Usage: !startclone <clone> [network nickname [channels]]"
	}
	name := args[0]
	cfg := a.hc.Config()
	if len(args) >= 3 {
		if strings.ContainsAny(name, ",") {
			return "Clone names cannot contain commas"
		}
		network := strings.ToLower(args[1])
		if _, err := cfg.Servers(network); err != nil {
			return err.Error()
		}
		cfg.Put(name+",network", network)
		cfg.Put(name+",nickname", args[2])
		if len(args) == 4 {
			cfg.Put(name+",channels", args[3])
		}
	}
	if err := a.hc.Manager().StartSession(name); err != nil {
		return err.Error()
	}
	return "Starting " + name
}

func (a *Admin) reconnect(_ *protocol.ChatMessage, args []string) string {
	name := a.hc.Clone()
	if len(args) > 0 {
		name = args[0]
	}
	if err := a.hc.Manager().Reconnect(name); err != nil {
		return err.Error()
	}
	return "Reconnecting " + name
}

func channelName(entry string) string {
	name, _, _ := strings.Cut(entry, " ")
	return strings.ToLower(name)
}

func (a *Admin) join(_ *protocol.ChatMessage, args []string) string {
	if len(args) < 1 || len(args) > 2 || !strings.HasPrefix(args[0], "#") {
		return "Usage: !join <#channel> [key]"
	}
	channel := strings.ToLower(args[0])
	key := ""
	if len(args) == 2 {
		key = args[1]
	}

	cfg := a.hc.Config()
	clone := a.hc.Clone()
	entries := cfg.CloneChannels(clone)
	idx := slices.IndexFunc(entries, func(e string) bool { return channelName(e) == channel })
	if idx < 0 && len(entries) >= MaxChannels {
		return fmt.Sprintf("Already configured for %d channels", MaxChannels)
	}

	entry := channel
	if key != "" {
		entry += " " + key
	}
	if idx >= 0 {
		entries[idx] = entry
	} else {
		entries = append(entries, entry)
	}
	cfg.SetCloneChannels(clone, entries)

	if err := a.hc.Send(protocol.Join(channel, key)); err != nil {
		return err.Error()
	}
	return "Joining " + channel
}

func (a *Admin) part(_ *protocol.ChatMessage, args []string) string {
	if len(args) != 1 {
		return "Usage: !part <#channel>"
	}
	channel := strings.ToLower(args[0])

	cfg := a.hc.Config()
	clone := a.hc.Clone()
	entries := slices.DeleteFunc(cfg.CloneChannels(clone), func(e string) bool { return channelName(e) == channel })
	cfg.SetCloneChannels(clone, entries)

	if err := a.hc.Send(protocol.Part(channel, "")); err != nil {
		if errors.Is(err, client.ErrNotConnected) {
			return "Not connected"
		}
		return err.Error()
	}
	return "Leaving " + channel
}
