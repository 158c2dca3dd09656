// Package policy decides whether the gateway replies to an inbound
// message. Denials are deliberate silent no-ops: the gateway never sends a
// message to explain why it declined to reply.
package policy

import (
	"strings"

	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/classify"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/settings"
)

// Mention gating for groups is a constant rule, not a setting: a schema
// change can never switch it off.
const groupRequiresMention = true

// ShouldRespond is the admission decision. First matching rule wins:
//
//  1. Owner restriction short-circuits everything.
//  2. A non-empty user allowlist denies senders matching neither it nor
//     the owner.
//  3. Direct chats are allowed from here on.
//  4. Groups are denied when group replies are disabled.
//  5. The group allowlist applies: with requireGroupAllowlist an empty
//     list is fail-closed; without it a non-empty list still restricts.
//  6. The bot must be mentioned, and its own identity must be known.
func ShouldRespond(s *settings.Settings, m *classify.Message, botIdentity string) bool {
	if s.RestrictToOwner {
		return m.IsOwner
	}

	if len(s.AllowedUsers) > 0 && !m.IsOwner && !senderAllowed(s.AllowedUsers, m) {
		return false
	}

	if !m.IsGroup {
		return true
	}

	if !s.RespondToGroups {
		return false
	}

	if !groupListPermits(s, m.ChatID) {
		return false
	}

	if groupRequiresMention {
		if botIdentity == "" {
			return false
		}
		if !classify.IsMentioningSelf(m.MentionedIDs, botIdentity) {
			return false
		}
	}

	return true
}

// IsGroupAllowed is the softer "is this group known" check used by
// commands, without the mention gating of the full admission decision.
func IsGroupAllowed(s *settings.Settings, chatID string) bool {
	return groupListPermits(s, chatID)
}

func groupListPermits(s *settings.Settings, chatID string) bool {
	list := effectiveGroupList(s)
	if s.RequireGroupAllowlist {
		// Fail closed: no allowlist means no group replies anywhere
		return len(list) > 0 && containsChat(list, chatID)
	}
	// A non-empty list still restricts; an empty one imposes nothing
	if len(list) == 0 {
		return true
	}
	return containsChat(list, chatID)
}

func effectiveGroupList(s *settings.Settings) []string {
	// AllowedGroups is trimmed at load time; guard anyway for hand-built values
	out := make([]string, 0, len(s.AllowedGroups))
	for _, g := range s.AllowedGroups {
		if t := strings.TrimSpace(g); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func containsChat(list []string, chatID string) bool {
	for _, g := range list {
		if g == chatID {
			return true
		}
	}
	return false
}

func senderAllowed(allowed []string, m *classify.Message) bool {
	for _, entry := range allowed {
		if m.SenderMatches(entry) {
			return true
		}
	}
	return false
}
