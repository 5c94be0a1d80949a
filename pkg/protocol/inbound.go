package protocol

import (
	"gopkg.in/irc.v4"
)

// Kind identifies the concrete variant of an inbound Message
type Kind uint8

const (
	KindChat Kind = iota
	KindJoin
	KindKick
	KindMode
	KindNick
	KindPart
	KindPing
	KindQuit
	KindNumeric
	KindTopic
	KindUnknown
)

// Kinds lists every inbound variant in declaration order
var Kinds = []Kind{
	KindChat, KindJoin, KindKick, KindMode, KindNick, KindPart,
	KindPing, KindQuit, KindNumeric, KindTopic, KindUnknown,
}

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "CHAT"
	case KindJoin:
		return "JOIN"
	case KindKick:
		return "KICK"
	case KindMode:
		return "MODE"
	case KindNick:
		return "NICK"
	case KindPart:
		return "PART"
	case KindPing:
		return "PING"
	case KindQuit:
		return "QUIT"
	case KindNumeric:
		return "NUMERIC"
	case KindTopic:
		return "TOPIC"
	default:
		return "UNKNOWN"
	}
}

// Message is an immutable parsed inbound line. The concrete type is one of
// the *Message structs in this file; switch on Kind() or use a type switch.
type Message interface {
	Kind() Kind
}

// nickOf returns the nickname part of a nick!user@host source
func nickOf(source string) string {
	if source == "" {
		return ""
	}
	return irc.ParsePrefix(source).Name
}

// ChatMessage is a PRIVMSG or NOTICE
type ChatMessage struct {
	Source  string // nick!user@host of the sender
	Target  string // channel (lowercased) or nickname
	Text    string
	Privmsg bool // false for NOTICE

	// Command classification, computed once at parse time
	IsCommand bool
	Command   string // e.g. "!hello", lowercased
	Args      string
}

func (m *ChatMessage) Kind() Kind { return KindChat }

// From returns the sender's nickname
func (m *ChatMessage) From() string { return nickOf(m.Source) }

// JoinMessage is a JOIN
type JoinMessage struct {
	Source  string
	Channel string
}

func (m *JoinMessage) Kind() Kind { return KindJoin }

// Joiner returns the joining user's nickname
func (m *JoinMessage) Joiner() string { return nickOf(m.Source) }

// KickMessage is a KICK
type KickMessage struct {
	Source  string
	Channel string
	Kicked  string
	Reason  string
}

func (m *KickMessage) Kind() Kind { return KindKick }

// Kicker returns the kicking user's nickname
func (m *KickMessage) Kicker() string { return nickOf(m.Source) }

// ModeMessage is a MODE change
type ModeMessage struct {
	Source string
	Target string
	Modes  string
}

func (m *ModeMessage) Kind() Kind { return KindMode }

// From returns the nickname that set the mode
func (m *ModeMessage) From() string { return nickOf(m.Source) }

// NickMessage is a nickname change
type NickMessage struct {
	Source  string
	NewNick string
}

func (m *NickMessage) Kind() Kind { return KindNick }

// OldNick returns the nickname before the change
func (m *NickMessage) OldNick() string { return nickOf(m.Source) }

// PartMessage is a PART
type PartMessage struct {
	Source  string
	Channel string
	Reason  string
}

func (m *PartMessage) Kind() Kind { return KindPart }

// Leaver returns the departing user's nickname
func (m *PartMessage) Leaver() string { return nickOf(m.Source) }

// PingMessage is a server PING
type PingMessage struct {
	Code string
}

func (m *PingMessage) Kind() Kind { return KindPing }

// QuitMessage is a QUIT
type QuitMessage struct {
	Source string
	Reason string
}

func (m *QuitMessage) Kind() Kind { return KindQuit }

// Quitter returns the quitting user's nickname
func (m *QuitMessage) Quitter() string { return nickOf(m.Source) }

// NumericMessage is a numeric server reply
type NumericMessage struct {
	Code   int
	Target string
	Text   string
}

func (m *NumericMessage) Kind() Kind { return KindNumeric }

// TopicMessage is a TOPIC change
type TopicMessage struct {
	Source  string
	Channel string
	Text    string
}

func (m *TopicMessage) Kind() Kind { return KindTopic }

// From returns the nickname that changed the topic
func (m *TopicMessage) From() string { return nickOf(m.Source) }

// UnknownMessage carries a line the parser did not recognise, unchanged
type UnknownMessage struct {
	Line string
}

func (m *UnknownMessage) Kind() Kind { return KindUnknown }
