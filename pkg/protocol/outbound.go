package protocol

import (
	"fmt"
	"strings"

	"gopkg.in/irc.v4"
)

// Outbound is a message waiting to be written to the server. Target is the
// round-robin fairness key for the outbound queue; targetless messages
// return "".
type Outbound interface {
	Target() string
	String() string
}

// Line is the Outbound implementation used by every constructor below
type Line struct {
	target string
	msg    *irc.Message
	raw    string
}

func (l *Line) Target() string { return l.target }

// String renders the wire form without the line terminator
func (l *Line) String() string {
	if l.msg == nil {
		return l.raw
	}
	return l.msg.String()
}

func newLine(target, command string, params ...string) *Line {
	return &Line{
		target: target,
		msg:    &irc.Message{Command: command, Params: params},
	}
}

// Privmsg sends text to a channel or nickname
func Privmsg(to, text string) *Line {
	return newLine(to, "PRIVMSG", to, text)
}

// Notice sends a notice to a channel or nickname
func Notice(to, text string) *Line {
	return newLine(to, "NOTICE", to, text)
}

// Join joins one or more comma-separated channels, with optional keys
func Join(channels, keys string) *Line {
	if keys == "" {
		return newLine("", "JOIN", channels)
	}
	return newLine("", "JOIN", channels, keys)
}

// Part leaves a channel
func Part(channel, reason string) *Line {
	if reason == "" {
		return newLine(channel, "PART", channel)
	}
	return newLine(channel, "PART", channel, reason)
}

// Nick claims a nickname
func Nick(nickname string) *Line {
	return newLine("", "NICK", nickname)
}

// User sends the registration identity. local and remote are quoted the way
// older ircds expect them.
func User(ident, local, remote, realname string) *Line {
	return &Line{raw: fmt.Sprintf("USER %s \"%s\" \"%s\" :%s", ident, local, remote, realname)}
}

// Pong answers a server PING with the same code
func Pong(code string) *Line {
	return newLine("", "PONG", code)
}

// Quit disconnects with a reason
func Quit(reason string) *Line {
	return newLine("", "QUIT", reason)
}

// Mode changes channel or user modes. modes may hold several space-separated
// parameters ("+o nick").
func Mode(target, modes string) *Line {
	params := append([]string{target}, strings.Fields(modes)...)
	return newLine(target, "MODE", params...)
}

// Topic sets a channel topic
func Topic(channel, topic string) *Line {
	return newLine(channel, "TOPIC", channel, topic)
}

// Kick removes a user from a channel
func Kick(channel, nickname, reason string) *Line {
	return newLine(channel, "KICK", channel, nickname, reason)
}

// Whois requests information about a nickname
func Whois(nickname string) *Line {
	return newLine(nickname, "WHOIS", nickname)
}

// Ison asks whether the given nicknames are online
func Ison(nicknames ...string) *Line {
	return newLine("", "ISON", nicknames...)
}

// Raw sends a preformatted line. target is used only for queue fairness.
func Raw(target, line string) *Line {
	return &Line{target: target, raw: line}
}
