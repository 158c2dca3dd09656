package session

import (
	"context"

	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/classify"
)

// Transport is the messaging connection the session drives. The concrete
// implementation owns the wire protocol; the session only sees lifecycle
// events and inbound envelopes.
type Transport interface {
	// Connect starts the connection. Pairing codes and inbound traffic
	// arrive on Events.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down. Events stays open so the
	// session can reconnect the same transport.
	Disconnect()
	// SendText delivers a plain-text message to a chat
	SendText(ctx context.Context, chatID, text string) error
	// SelfID returns the bot's own identity, or "" before pairing
	SelfID() string
	// Events is the transport's lifecycle and message stream
	Events() <-chan TransportEvent
}

// TransportEvent is one item on a transport's event stream
type TransportEvent interface {
	transportEvent()
}

// Opened signals an established, authenticated connection
type Opened struct {
	SelfID string
}

// Closed signals a lost or terminated connection. LoggedOut means the
// server invalidated the device session: reconnecting is pointless until
// the device is re-paired.
type Closed struct {
	Reason    string
	LoggedOut bool
}

// QRCode carries a pairing code for the host to render
type QRCode struct {
	Code string
}

// Inbound carries one received message
type Inbound struct {
	Envelope *classify.Envelope
}

func (Opened) transportEvent()  {}
func (Closed) transportEvent()  {}
func (QRCode) transportEvent()  {}
func (Inbound) transportEvent() {}
