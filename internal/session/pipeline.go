package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/classify"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/command"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/completion"
	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/policy"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/provider"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/settings"
)

// handleInbound runs the full decision pipeline for one message. Every
// denial is a silent no-op; every per-message failure is contained here so
// a bad message never takes the session down.
func (s *Session) handleInbound(ctx context.Context, env *classify.Envelope) {
	if env == nil || env.FromSelf {
		return
	}

	cfg := s.store.Read()

	msg, err := classify.Classify(env, cfg.OwnerNumber)
	if err != nil {
		if errors.Is(err, classify.ErrNotDisplayable) {
			L_debug("session: skipping non-displayable event", "chat", env.ChatID)
		} else {
			L_warn("session: classify failed", "chat", env.ChatID, "error", err)
		}
		return
	}

	body := msg.Text
	if msg.IsGroup {
		// Group clients prepend the mention to the text, hiding the prefix
		body = command.StripLeadingMentions(msg.Text)
	}

	parsed := command.Parse(body, cfg.GroupCommandPrefix)
	if parsed.IsCommand {
		if s.handleBuiltin(ctx, cfg, msg, parsed) {
			return
		}
		// Unrecognized commands go through the normal pipeline with the
		// arguments as the prompt
		body = parsed.RawArgs
	}

	if !policy.ShouldRespond(cfg, msg, s.transport.SelfID()) {
		L_debug("session: message denied by policy", "chat", msg.ChatID, "group", msg.IsGroup)
		return
	}

	if msg.IsGroup && cfg.GroupRequireCommand && !parsed.IsCommand {
		L_debug("session: group requires commands, ignoring free text", "chat", msg.ChatID)
		return
	}

	if strings.TrimSpace(body) == "" {
		return
	}

	cooldown := time.Duration(cfg.CooldownSecondsDm) * time.Second
	if msg.IsGroup {
		cooldown = time.Duration(cfg.CooldownSecondsGroup) * time.Second
	}
	if !s.limiter.Allow(msg.ChatID, cooldown) {
		L_debug("session: chat on cooldown", "chat", msg.ChatID)
		return
	}

	s.reply(ctx, cfg, msg, body)
}

// reply resolves the profile and provider for the sender and sends one
// completion back to the chat
func (s *Session) reply(ctx context.Context, cfg *settings.Settings, msg *classify.Message, prompt string) {
	prof := settings.ResolveProfileFor(cfg, msg.SenderKey())

	pc := provider.Resolve(cfg, prof, s.secrets)
	if err := pc.Validate(); err != nil {
		var cfgErr *provider.ConfigError
		if errors.As(err, &cfgErr) {
			// Misconfiguration is answered in-chat so the operator sees it
			// where they asked, not only in the logs
			s.send(ctx, msg.ChatID, "", cfgErr.Message)
			return
		}
		L_error("session: provider validation failed", "error", err)
		return
	}

	var turns []completion.Message
	if sys := systemPrompt(prof); sys != "" {
		turns = append(turns, completion.Message{Role: completion.RoleSystem, Content: sys})
	}
	turns = append(turns, completion.Message{Role: completion.RoleUser, Content: prompt})

	L_info("session: requesting completion", "chat", msg.ChatID, "profile", prof.Name, "provider", pc.Provider, "model", prof.Model)

	text, err := s.completions.Complete(ctx, pc, prof.Model, turns, 0, 0)
	if err != nil {
		// Timeouts and provider failures both get one user-facing line
		var timeoutErr *completion.TimeoutError
		var provErr *completion.ProviderError
		switch {
		case errors.As(err, &timeoutErr):
			s.send(ctx, msg.ChatID, prof.BotTag, "Sorry, the model took too long to reply. Please try again.")
		case errors.As(err, &provErr):
			L_error("session: provider request failed", "chat", msg.ChatID, "status", provErr.StatusCode, "error", err)
			s.send(ctx, msg.ChatID, prof.BotTag, fmt.Sprintf("Sorry, the model request failed (HTTP %d). Please try again later.", provErr.StatusCode))
		default:
			L_error("session: completion failed", "chat", msg.ChatID, "error", err)
		}
		return
	}

	text = completion.Truncate(text, cfg.MaxResponseChars)
	s.send(ctx, msg.ChatID, prof.BotTag, text)
}

// handleBuiltin answers the built-in commands, each with its own gating.
// Returns false for an unrecognized command so the caller can run it
// through the completion pipeline instead. Gating denials stay silent.
func (s *Session) handleBuiltin(ctx context.Context, cfg *settings.Settings, msg *classify.Message, parsed command.Parsed) bool {
	switch parsed.Name {
	case command.NameGroupID:
		// Bootstrapping command: the owner needs the id of a group before
		// it is allowlisted, so the group allowlist cannot gate it. Owner
		// plus an explicit mention keeps it from leaking ids to strangers.
		if !msg.IsGroup || !msg.IsOwner || !classify.IsMentioningSelf(msg.MentionedIDs, s.transport.SelfID()) {
			L_debug("session: groupid denied", "chat", msg.ChatID, "group", msg.IsGroup, "owner", msg.IsOwner)
			return true
		}
		note := "not in the allowlist"
		if policy.IsGroupAllowed(cfg, msg.ChatID) {
			note = "in the allowlist"
		}
		s.send(ctx, msg.ChatID, "", fmt.Sprintf("Group ID: %s (%s)", msg.ChatID, note))
		return true

	case command.NameStatus:
		if !msg.IsOwner || (msg.IsGroup && !policy.IsGroupAllowed(cfg, msg.ChatID)) {
			L_debug("session: status denied", "chat", msg.ChatID, "owner", msg.IsOwner)
			return true
		}
		s.send(ctx, msg.ChatID, "", s.statusSummary(cfg))
		return true

	case command.NameHelp:
		if msg.IsGroup && !msg.IsOwner && !policy.IsGroupAllowed(cfg, msg.ChatID) {
			L_debug("session: help denied", "chat", msg.ChatID)
			return true
		}
		s.send(ctx, msg.ChatID, "", helpText(cfg.GroupCommandPrefix))
		return true
	}
	return false
}

func (s *Session) statusSummary(cfg *settings.Settings) string {
	prof := settings.ResolveActiveProfile(cfg)

	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", s.State())
	fmt.Fprintf(&b, "Profile: %s\n", prof.Name)
	fmt.Fprintf(&b, "Provider: %s\n", prof.Provider)
	fmt.Fprintf(&b, "Model: %s\n", prof.Model)
	fmt.Fprintf(&b, "DM policy: %s\n", cfg.DMPolicy)
	fmt.Fprintf(&b, "Group policy: %s", cfg.GroupPolicy)
	return b.String()
}

func helpText(prefix string) string {
	return fmt.Sprintf("Commands:\n%sgroupid - show this group's id\n%sstatus - show gateway status\n%shelp - this message",
		prefix, prefix, prefix)
}

// systemPrompt joins the profile persona and system prompt into one
// system turn
func systemPrompt(prof *settings.Profile) string {
	var parts []string
	if p := strings.TrimSpace(prof.Persona); p != "" {
		parts = append(parts, p)
	}
	if p := strings.TrimSpace(prof.SystemPrompt); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(parts, "\n\n")
}

func (s *Session) send(ctx context.Context, chatID, tag, text string) {
	if tag != "" {
		text = tag + " " + text
	}
	if err := s.transport.SendText(ctx, chatID, text); err != nil {
		L_error("session: send failed", "chat", chatID, "error", err)
	}
}
