package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/events"
	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/settings"
)

type sentMessage struct {
	ChatID string
	Text   string
}

// fakeTransport is an in-memory Transport for driving the state machine
type fakeTransport struct {
	mu       sync.Mutex
	events   chan TransportEvent
	sent     []sentMessage
	connects int
	self     string

	connectErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan TransportEvent, 32),
		self:   "27820000000@s.whatsapp.net",
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Disconnect() {}

func (f *fakeTransport) SendText(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeTransport) SelfID() string {
	return f.self
}

func (f *fakeTransport) Events() <-chan TransportEvent {
	return f.events
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestSession(t *testing.T, raw string) (*Session, *fakeTransport, *settings.Store) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "botassist.json")
	store := settings.NewStore(path)
	if raw != "" {
		if _, err := store.Save(settingsMap(t, raw)); err != nil {
			t.Fatal(err)
		}
	} else {
		store.Load()
	}

	ft := newFakeTransport()
	sess := New(ft, store, nil, events.NewEmitter(64))
	return sess, ft, store
}

func settingsMap(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("bad test settings: %v", err)
	}
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSessionGoesOnline(t *testing.T) {
	sess, ft, _ := newTestSession(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sess.State() == StateStarting || sess.State() == StateOnline }, "session never left disconnected")

	ft.events <- Opened{SelfID: ft.self}
	waitFor(t, time.Second, func() bool { return sess.State() == StateOnline }, "session never went online")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v on graceful shutdown", err)
	}
	if sess.State() != StateDisconnected {
		t.Errorf("state after shutdown = %s", sess.State())
	}
}

func TestSessionReconnectsOnce(t *testing.T) {
	sess, ft, _ := newTestSession(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	ft.events <- Opened{SelfID: ft.self}
	waitFor(t, time.Second, func() bool { return sess.State() == StateOnline }, "session never went online")

	// A burst of disconnect events arms exactly one reconnect timer
	ft.events <- Closed{Reason: "network blip"}
	ft.events <- Closed{Reason: "network blip again"}

	waitFor(t, time.Second, func() bool { return sess.State() == StateDisconnected }, "session never saw the disconnect")
	if got := ft.connectCount(); got != 1 {
		t.Fatalf("connects before the delay = %d, want 1", got)
	}

	waitFor(t, 3*time.Second, func() bool { return ft.connectCount() == 2 }, "reconnect never fired")

	time.Sleep(200 * time.Millisecond)
	if got := ft.connectCount(); got != 2 {
		t.Errorf("connects = %d, duplicate reconnects were scheduled", got)
	}
}

func TestSessionLogoutIsTerminal(t *testing.T) {
	sess, ft, _ := newTestSession(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	ft.events <- Opened{SelfID: ft.self}
	ft.events <- Closed{Reason: "401", LoggedOut: true}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run should return an error on logout")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after logout")
	}

	if sess.State() != StateError {
		t.Errorf("state = %s, want error", sess.State())
	}

	time.Sleep(2 * time.Second)
	if got := ft.connectCount(); got != 1 {
		t.Errorf("connects = %d, logout must not trigger a reconnect", got)
	}
}

func TestSessionEmitsStatusAndQR(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botassist.json")
	store := settings.NewStore(path)
	store.Load()

	ft := newFakeTransport()
	em := events.NewEmitter(64)
	sess := New(ft, store, nil, em)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	ft.events <- QRCode{Code: "pairing-code-data"}
	ft.events <- Opened{SelfID: ft.self}

	var sawQR, sawOnline bool
	deadline := time.After(time.Second)
	for !(sawQR && sawOnline) {
		select {
		case ev := <-em.Events():
			switch {
			case ev.Kind == events.KindQR && ev.Data == "pairing-code-data":
				sawQR = true
			case ev.Kind == events.KindStatus && ev.Status == string(StateOnline):
				sawOnline = true
			}
		case <-deadline:
			t.Fatalf("missing events: qr=%v online=%v", sawQR, sawOnline)
		}
	}
}

func TestSessionEmitsLogEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botassist.json")
	store := settings.NewStore(path)
	// Group replies on with an empty fail-closed allowlist triggers the
	// one-time warning when the session comes online
	if _, err := store.Save(settingsMap(t, `{"respondToGroups": true}`)); err != nil {
		t.Fatal(err)
	}

	ft := newFakeTransport()
	em := events.NewEmitter(64)
	sess := New(ft, store, nil, em)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	ft.events <- Opened{SelfID: ft.self}

	var sawConnected, sawAllowlistWarn bool
	deadline := time.After(time.Second)
	for !(sawConnected && sawAllowlistWarn) {
		select {
		case ev := <-em.Events():
			if ev.Kind != events.KindLog {
				continue
			}
			switch {
			case ev.Level == "info" && strings.Contains(ev.Message, "connected as"):
				sawConnected = true
			case ev.Level == "warn" && strings.Contains(ev.Message, "allowlist is empty"):
				sawAllowlistWarn = true
			}
		case <-deadline:
			t.Fatalf("missing log events: connected=%v allowlistWarn=%v", sawConnected, sawAllowlistWarn)
		}
	}
}

func TestStatusSummaryListsActiveProfile(t *testing.T) {
	sess, _, store := newTestSession(t, `{"model": "llama-3.3-70b-versatile"}`)

	summary := sess.statusSummary(store.Read())
	for _, want := range []string{"State:", "Profile: Default", "Model: llama-3.3-70b-versatile", "Group policy: off"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}
