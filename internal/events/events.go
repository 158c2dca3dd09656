// Package events defines the typed notification stream the gateway core
// emits to its host process (desktop shell, headless runner, test harness).
// The core never assumes a delivery transport; hosts drain the channel.
package events

import (
	"sync/atomic"

	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
)

// Kind identifies the notification type
type Kind string

const (
	KindLog    Kind = "log"
	KindStatus Kind = "status"
	KindQR     Kind = "qr"
	KindError  Kind = "error"
)

// Event is a single lifecycle notification
type Event struct {
	Kind    Kind   `json:"kind"`
	Level   string `json:"level,omitempty"`   // log events: "debug", "info", "warn", "error"
	Message string `json:"message,omitempty"` // log and error events
	Status  string `json:"status,omitempty"`  // status events: session state name
	Data    string `json:"data,omitempty"`    // qr events: raw pairing code
}

// Emitter fans lifecycle notifications out to a single subscriber channel.
// Emission never blocks the pipeline: when the subscriber falls behind the
// buffer, events are dropped and counted.
type Emitter struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewEmitter creates an emitter with the given buffer size
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events returns the subscriber channel
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close closes the subscriber channel. Emit must not be called after Close.
func (e *Emitter) Close() {
	close(e.ch)
}

func (e *Emitter) emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		n := e.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			L_warn("events: subscriber lagging, dropping", "dropped", n)
		}
	}
}

// Log emits a log notification
func (e *Emitter) Log(level, message string) {
	e.emit(Event{Kind: KindLog, Level: level, Message: message})
}

// Status emits a session status change
func (e *Emitter) Status(status string) {
	e.emit(Event{Kind: KindStatus, Status: status})
}

// QR emits a pairing code for the host to render
func (e *Emitter) QR(data string) {
	e.emit(Event{Kind: KindQR, Data: data})
}

// Error emits a fatal error notification
func (e *Emitter) Error(message string) {
	e.emit(Event{Kind: KindError, Message: message})
}
