package protocol

import (
	"strconv"
	"strings"
)

// CommandTrigger marks a chat message as a bot command
const CommandTrigger = '!'

// Parse converts a raw protocol line into a typed Message. It never fails:
// anything it cannot classify comes back as *UnknownMessage holding the
// original line.
func Parse(line string) Message {
	tok := tokenizer{line: line}
	count := len(strings.FieldsFunc(line, isSeparator))
	if count < 2 {
		return &UnknownMessage{Line: line}
	}

	part1 := tok.next()
	part2 := tok.next()
	if part1 == "PING" {
		return &PingMessage{Code: strings.TrimPrefix(part2, ":")}
	}
	if part2 == "QUIT" {
		return &QuitMessage{Source: stripSource(part1), Reason: stripBody(tok.rest())}
	}

	if count < 3 {
		return &UnknownMessage{Line: line}
	}
	part3 := tok.next()
	switch part2 {
	case "JOIN":
		return &JoinMessage{Source: stripSource(part1), Channel: strings.ToLower(stripSource(part3))}
	case "PART":
		return &PartMessage{Source: stripSource(part1), Channel: strings.ToLower(part3), Reason: stripBody(tok.rest())}
	case "NICK":
		return &NickMessage{Source: stripSource(part1), NewNick: stripSource(part3)}
	}

	if count < 4 {
		return &UnknownMessage{Line: line}
	}
	switch part2 {
	case "PRIVMSG", "NOTICE":
		return newChat(part1, part3, tok.rest(), part2 == "PRIVMSG")
	case "MODE":
		return &ModeMessage{Source: stripSource(part1), Target: strings.ToLower(part3), Modes: stripBody(tok.rest())}
	case "TOPIC":
		return &TopicMessage{Source: stripSource(part1), Channel: strings.ToLower(part3), Text: stripBody(tok.rest())}
	}

	// Numeric replies win over the remaining verbs
	if code, err := strconv.Atoi(part2); err == nil {
		return &NumericMessage{Code: code, Target: part3, Text: stripBody(tok.rest())}
	}

	if count < 5 {
		return &UnknownMessage{Line: line}
	}
	part4 := tok.next()
	if part2 == "KICK" {
		return &KickMessage{
			Source:  stripSource(part1),
			Channel: strings.ToLower(part3),
			Kicked:  part4,
			Reason:  stripBody(tok.rest()),
		}
	}

	return &UnknownMessage{Line: line}
}

func newChat(source, target, body string, privmsg bool) *ChatMessage {
	if strings.HasPrefix(target, "#") {
		target = strings.ToLower(target)
	}
	msg := &ChatMessage{
		Source:  stripSource(source),
		Target:  target,
		Text:    stripBody(body),
		Privmsg: privmsg,
	}
	msg.IsCommand, msg.Command, msg.Args = classifyCommand(msg.Text)
	return msg
}

// classifyCommand splits "  !Cmd some args" into ("!cmd", "some args")
func classifyCommand(text string) (bool, string, string) {
	start := strings.IndexFunc(text, func(r rune) bool { return r != ' ' })
	if start == -1 || text[start] != CommandTrigger {
		return false, "", ""
	}
	end := strings.IndexByte(text[start:], ' ')
	if end == -1 {
		return true, strings.ToLower(text[start:]), ""
	}
	end += start
	command := strings.ToLower(text[start:end])
	if end+1 >= len(text) {
		return true, command, ""
	}
	return true, command, text[end+1:]
}

// stripSource removes the ':' sender marker from an identity token
func stripSource(s string) string {
	if len(s) > 1 && s[0] == ':' {
		return s[1:]
	}
	return s
}

// stripBody removes the " :" trailing marker from the remainder of a line
func stripBody(s string) string {
	if strings.HasPrefix(s, " :") && len(s) > 2 {
		return s[2:]
	}
	return strings.TrimLeft(s, whitespace)
}

const whitespace = " \t\n\r\f"

func isSeparator(r rune) bool { return strings.ContainsRune(whitespace, r) }

// tokenizer walks whitespace-separated tokens while keeping access to the
// untouched remainder of the line
type tokenizer struct {
	line string
	pos  int
}

func (t *tokenizer) next() string {
	for t.pos < len(t.line) && strings.IndexByte(whitespace, t.line[t.pos]) >= 0 {
		t.pos++
	}
	start := t.pos
	for t.pos < len(t.line) && strings.IndexByte(whitespace, t.line[t.pos]) < 0 {
		t.pos++
	}
	return t.line[start:t.pos]
}

// rest returns everything after the last token, including the separator
func (t *tokenizer) rest() string {
	return t.line[t.pos:]
}
