// Package command detects and tokenizes prefix commands in free text.
package command

import (
	"strings"
)

// Built-in command names
const (
	NameGroupID = "groupid"
	NameStatus  = "status"
	NameHelp    = "help"
)

// Parsed is the result of command detection on a message body
type Parsed struct {
	IsCommand bool
	Name      string   // first token, lower-cased, without the prefix
	Args      []string // remaining whitespace-separated tokens
	RawArgs   string   // args joined by single spaces
}

// Parse tokenizes text against a command prefix. Text must start with the
// prefix (exact byte match) to be a command; anything else yields
// {IsCommand: false}.
func Parse(text, prefix string) Parsed {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return Parsed{}
	}

	rest := strings.TrimSpace(text[len(prefix):])
	if rest == "" {
		return Parsed{}
	}

	tokens := strings.Fields(rest)
	return Parsed{
		IsCommand: true,
		Name:      strings.ToLower(tokens[0]),
		Args:      tokens[1:],
		RawArgs:   strings.Join(tokens[1:], " "),
	}
}

// StripLeadingMentions removes the leading run of "@"-prefixed tokens that
// group clients prepend when a message starts by mentioning the bot, so
// the command prefix check sees the actual text.
func StripLeadingMentions(text string) string {
	rest := strings.TrimLeft(text, " \t")
	for strings.HasPrefix(rest, "@") {
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			return ""
		}
		rest = strings.TrimLeft(rest[end:], " \t")
	}
	return rest
}
