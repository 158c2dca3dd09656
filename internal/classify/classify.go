// Package classify turns a raw inbound message envelope into the derived,
// ephemeral view the policy engine consumes: sender identity, chat type,
// mention list and plain-text body.
package classify

import (
	"errors"
	"strings"
)

// ErrNotDisplayable marks an inbound event with no extractable message
// body. Not every transport event is a displayable message, so callers
// skip these silently.
var ErrNotDisplayable = errors.New("no message body in envelope")

// Content is one content-type variant of a message: the plain text (or
// caption) and the mention list carried alongside it.
type Content struct {
	Text     string
	Mentions []string
}

// Envelope is the transport-neutral inbound message. Message formats vary
// by content type, so the known variants are explicit fields; mention
// extraction iterates this fixed set rather than reflecting over payloads.
type Envelope struct {
	ChatID      string
	SenderID    string
	SenderAltID string // alternate addressing for the same sender (LID vs phone number)
	FromSelf    bool

	Text         *Content
	ImageCaption *Content
	VideoCaption *Content
}

// Message is the classified view of one inbound event. Never persisted.
type Message struct {
	ChatID       string
	SenderID     string
	SenderAltID  string
	IsGroup      bool
	IsOwner      bool
	MentionedIDs []string
	Text         string
}

// Classify derives the policy-facing view of an envelope. ownerNumber is
// the configured owner phone number; an empty value means no sender is
// ever the owner.
func Classify(env *Envelope, ownerNumber string) (*Message, error) {
	variants := env.variants()

	var body string
	found := false
	for _, c := range variants {
		if c != nil {
			body = c.Text
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNotDisplayable
	}

	// First non-empty mention list wins across the variant set
	var mentions []string
	for _, c := range variants {
		if c != nil && len(c.Mentions) > 0 {
			mentions = c.Mentions
			break
		}
	}

	return &Message{
		ChatID:       env.ChatID,
		SenderID:     env.SenderID,
		SenderAltID:  env.SenderAltID,
		IsGroup:      IsGroupChat(env.ChatID),
		IsOwner:      senderIsOwner(env, ownerNumber),
		MentionedIDs: mentions,
		Text:         body,
	}, nil
}

func (env *Envelope) variants() []*Content {
	return []*Content{env.Text, env.ImageCaption, env.VideoCaption}
}

// IsGroupChat derives the chat type from the identifier shape
func IsGroupChat(chatID string) bool {
	return strings.HasSuffix(chatID, "@g.us")
}

// NormalizeIdentity strips the transport session qualifier (device suffix)
// and server from an identifier. Two identifiers differing only in those
// parts refer to the same sender.
func NormalizeIdentity(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return strings.TrimSpace(id)
}

// PhoneNumber extracts the digits of an identifier, or "" when it carries
// none
func PhoneNumber(id string) string {
	var b strings.Builder
	for _, r := range NormalizeIdentity(id) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameSender compares two identifiers, preferring phone-number equality
// when both carry one and falling back to normalized-identifier equality.
func SameSender(a, b string) bool {
	pa, pb := PhoneNumber(a), PhoneNumber(b)
	if pa != "" && pb != "" {
		return pa == pb
	}
	return NormalizeIdentity(a) == NormalizeIdentity(b)
}

// SenderMatches reports whether a configured entry (phone-like string or
// raw identifier) refers to this message's sender, trying both the primary
// and the alternate sender identity.
func (m *Message) SenderMatches(entry string) bool {
	if SameSender(m.SenderID, entry) {
		return true
	}
	return m.SenderAltID != "" && SameSender(m.SenderAltID, entry)
}

// SenderKey returns the stable key for routing and bookkeeping: the phone
// number when one is extractable, the normalized identifier otherwise.
func (m *Message) SenderKey() string {
	if p := PhoneNumber(m.SenderID); p != "" {
		return p
	}
	if m.SenderAltID != "" {
		if p := PhoneNumber(m.SenderAltID); p != "" {
			return p
		}
	}
	return NormalizeIdentity(m.SenderID)
}

func senderIsOwner(env *Envelope, ownerNumber string) bool {
	owner := PhoneNumber(ownerNumber)
	if owner == "" {
		return false
	}
	if PhoneNumber(env.SenderID) == owner {
		return true
	}
	return env.SenderAltID != "" && PhoneNumber(env.SenderAltID) == owner
}

// IsMentioningSelf reports whether the bot's own identity appears in a
// mention list. Matching accepts either a normalized-identifier or a
// phone-number match, which defends against a format mismatch between how
// the session sees its own identity and how mentions reference it.
func IsMentioningSelf(mentions []string, botIdentity string) bool {
	if botIdentity == "" {
		return false
	}
	self := NormalizeIdentity(botIdentity)
	selfPhone := PhoneNumber(botIdentity)
	for _, m := range mentions {
		if NormalizeIdentity(m) == self {
			return true
		}
		if selfPhone != "" && PhoneNumber(m) == selfPhone {
			return true
		}
	}
	return false
}
