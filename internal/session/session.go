// Package session drives the messaging connection through its lifecycle
// and runs the reply pipeline for every inbound message.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/completion"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/events"
	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/ratelimit"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/secrets"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/settings"
)

// reconnectDelay is the fixed pause before a reconnect attempt. One timer
// at most is armed; overlapping disconnect events never stack attempts.
const reconnectDelay = 1500 * time.Millisecond

// State is the session lifecycle state
type State string

const (
	StateDisconnected State = "disconnected"
	StateStarting     State = "starting"
	StateOnline       State = "online"
	StateClosing      State = "closing"
	StateError        State = "error"
)

// Session owns the connection lifecycle: it connects the transport,
// reconnects after transient drops, stops on logout, and hands every
// inbound message to the pipeline.
type Session struct {
	transport   Transport
	store       *settings.Store
	secrets     secrets.Store
	limiter     *ratelimit.Limiter
	completions *completion.Client
	emitter     *events.Emitter

	mu             sync.Mutex
	state          State
	reconnectArmed bool
	closing        bool

	allowlistWarn sync.Once
}

// New creates a session over a transport
func New(t Transport, store *settings.Store, sec secrets.Store, em *events.Emitter) *Session {
	if sec == nil {
		sec = secrets.None{}
	}
	return &Session{
		transport:   t,
		store:       store,
		secrets:     sec,
		limiter:     ratelimit.New(),
		completions: completion.NewClient(),
		emitter:     em,
		state:       StateDisconnected,
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run connects and processes transport events until the context is
// cancelled or the session hits a terminal error. A server-side logout is
// terminal: the device must be re-paired, so Run returns an error instead
// of reconnecting.
func (s *Session) Run(ctx context.Context) error {
	s.limiter.StartSweeper(ctx)

	s.setState(StateStarting)
	if err := s.transport.Connect(ctx); err != nil {
		s.setState(StateError)
		s.emitter.Error(fmt.Sprintf("failed to connect: %v", err))
		return fmt.Errorf("session: failed to connect: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.close()
			return nil
		case ev, ok := <-s.transport.Events():
			if !ok {
				s.setState(StateDisconnected)
				return nil
			}
			if err := s.handleTransportEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.setState(StateClosing)
	s.transport.Disconnect()
	s.setState(StateDisconnected)
	L_info("session: shut down")
}

func (s *Session) handleTransportEvent(ctx context.Context, ev TransportEvent) error {
	switch e := ev.(type) {
	case Opened:
		s.mu.Lock()
		s.reconnectArmed = false
		s.mu.Unlock()
		s.setState(StateOnline)
		L_info("session: online", "self", e.SelfID)
		s.emitter.Log("info", fmt.Sprintf("connected as %s", e.SelfID))
		s.warnEmptyAllowlist()

	case QRCode:
		L_info("session: pairing code received, waiting for scan")
		s.emitter.Log("info", "pairing code received, waiting for scan")
		s.emitter.QR(e.Code)

	case Inbound:
		go s.handleInbound(ctx, e.Envelope)

	case Closed:
		if e.LoggedOut {
			s.setState(StateError)
			msg := fmt.Sprintf("logged out by the server (%s), re-pair the device", e.Reason)
			s.emitter.Error(msg)
			return fmt.Errorf("session: %s", msg)
		}
		s.scheduleReconnect(ctx, e.Reason)
	}
	return nil
}

func (s *Session) scheduleReconnect(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.closing || s.reconnectArmed {
		s.mu.Unlock()
		return
	}
	s.reconnectArmed = true
	s.mu.Unlock()

	s.setState(StateDisconnected)
	L_warn("session: connection lost, reconnecting", "reason", reason, "delay", reconnectDelay)
	s.emitter.Log("warn", fmt.Sprintf("connection lost (%s), reconnecting", reason))

	time.AfterFunc(reconnectDelay, func() {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.setState(StateStarting)
		if err := s.transport.Connect(ctx); err != nil {
			L_error("session: reconnect failed", "error", err)
			s.mu.Lock()
			s.reconnectArmed = false
			s.mu.Unlock()
			s.scheduleReconnect(ctx, err.Error())
		}
	})
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	L_debug("session: state change", "state", string(next))
	s.emitter.Status(string(next))
}

// warnEmptyAllowlist warns once per process when group replies are enabled
// but the fail-closed allowlist is empty, so silence in groups is
// explainable without reading the policy code.
func (s *Session) warnEmptyAllowlist() {
	cfg := s.store.Read()
	if cfg.RespondToGroups && cfg.RequireGroupAllowlist && len(cfg.AllowedGroups) == 0 {
		s.allowlistWarn.Do(func() {
			const msg = "group replies are enabled but the group allowlist is empty, no group will be answered until one is added"
			L_warn("session: " + msg)
			s.emitter.Log("warn", msg)
		})
	}
}
