// Package ratelimit tracks per-chat reply cooldowns with bounded memory.
package ratelimit

import (
	"context"
	"sync"
	"time"

	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
)

// Eviction bounds memory for long-lived processes, not correctness: a
// false "cooldown expired" after eviction is acceptable because entries
// only age out long after any realistic cooldown window.
const (
	sweepInterval = 10 * time.Minute
	entryTTL      = 6 * time.Hour
)

// Limiter owns the chat-id -> last-reply-time map. No other component
// reads or writes it.
type Limiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time // test hook
}

// New creates an empty limiter
func New() *Limiter {
	return &Limiter{
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Allow reports whether a reply in this chat is currently permitted, and
// records the reply time when it is. A non-positive cooldown disables the
// limit entirely: always allowed, nothing recorded.
func (l *Limiter) Allow(chatID string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if prev, ok := l.last[chatID]; ok && now.Sub(prev) < cooldown {
		return false
	}
	l.last[chatID] = now
	return true
}

// StartSweeper runs the periodic eviction until the context is cancelled
func (l *Limiter) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-entryTTL)
	removed := 0
	for chatID, t := range l.last {
		if t.Before(cutoff) {
			delete(l.last, chatID)
			removed++
		}
	}
	if removed > 0 {
		L_debug("ratelimit: swept stale entries", "removed", removed, "remaining", len(l.last))
	}
}

// Len returns the number of tracked chats
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.last)
}
