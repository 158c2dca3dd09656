package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/N1ghthill/botassist-whatsapp-sub000/internal/classify"
	. "github.com/N1ghthill/botassist-whatsapp-sub000/internal/logging"
)

// waLogger bridges whatsmeow's waLog.Logger to our L_* functions
type waLogger struct {
	module string
}

func (l *waLogger) Debugf(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Infof(msg string, args ...interface{}) {
	L_info(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{module: l.module + "/" + module}
}

// WhatsApp implements Transport over whatsmeow with a sqlite-backed
// device store
type WhatsApp struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	events    chan TransportEvent
	dropped   atomic.Int64
}

// NewWhatsApp opens (or creates) the device store at dbPath and prepares a
// client for the first stored device. An unpaired store yields a client
// with no identity; Connect then runs the QR pairing flow.
func NewWhatsApp(dbPath string) (*WhatsApp, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", &waLogger{module: "store"})
	if err := container.Upgrade(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to upgrade device store: %w", err)
	}

	device, err := container.GetFirstDevice(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(device, &waLogger{module: "client"})

	w := &WhatsApp{
		client:    client,
		container: container,
		events:    make(chan TransportEvent, 128),
	}
	client.AddEventHandler(w.handleEvent)
	return w, nil
}

// Connect starts the client. When no device is paired, pairing codes are
// pushed as QRCode events until the scan completes.
func (w *WhatsApp) Connect(ctx context.Context) error {
	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to get pairing channel: %w", err)
		}
		go w.pumpQR(qrChan)
	}
	return w.client.Connect()
}

func (w *WhatsApp) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			w.push(QRCode{Code: item.Code})
		case "success":
			L_info("whatsapp: pairing scan accepted")
		case "timeout":
			w.push(Closed{Reason: "pairing code expired"})
		default:
			w.push(Closed{Reason: "pairing failed: " + item.Event})
		}
	}
}

// Disconnect tears down the connection, keeping the event channel open
// for a later reconnect
func (w *WhatsApp) Disconnect() {
	w.client.Disconnect()
}

// SendText sends a plain text message to a chat JID
func (w *WhatsApp) SendText(ctx context.Context, chatID, text string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	_, err = w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

// SelfID returns the paired JID, or "" before pairing
func (w *WhatsApp) SelfID() string {
	if w.client.Store.ID == nil {
		return ""
	}
	return w.client.Store.ID.String()
}

// Events returns the transport event stream
func (w *WhatsApp) Events() <-chan TransportEvent {
	return w.events
}

func (w *WhatsApp) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		w.push(Inbound{Envelope: envelopeFromMessage(v)})
	case *events.Connected:
		w.push(Opened{SelfID: w.SelfID()})
	case *events.Disconnected:
		w.push(Closed{Reason: "server connection closed"})
	case *events.StreamReplaced:
		w.push(Closed{Reason: "stream replaced by another session"})
	case *events.LoggedOut:
		w.push(Closed{Reason: fmt.Sprintf("logged out (%v)", v.Reason), LoggedOut: true})
	}
}

// push never blocks the whatsmeow event goroutine: a stalled session
// loses events rather than wedging the client.
func (w *WhatsApp) push(ev TransportEvent) {
	select {
	case w.events <- ev:
	default:
		n := w.dropped.Add(1)
		if !IsShuttingDown() {
			L_warn("whatsapp: event buffer full, dropping", "dropped", n)
		}
	}
}

// envelopeFromMessage converts a whatsmeow message event into the
// transport-neutral envelope. WhatsApp may address the sender by LID with
// the phone number in SenderAlt or vice versa, so both identities travel
// with the envelope.
func envelopeFromMessage(evt *events.Message) *classify.Envelope {
	env := &classify.Envelope{
		ChatID:   evt.Info.Chat.String(),
		SenderID: evt.Info.Sender.String(),
		FromSelf: evt.Info.IsFromMe,
	}
	if !evt.Info.SenderAlt.IsEmpty() {
		env.SenderAltID = evt.Info.SenderAlt.String()
	}

	msg := evt.Message
	if msg == nil {
		return env
	}

	if msg.GetConversation() != "" {
		env.Text = &classify.Content{Text: msg.GetConversation()}
	} else if ext := msg.GetExtendedTextMessage(); ext != nil {
		env.Text = &classify.Content{
			Text:     ext.GetText(),
			Mentions: ext.GetContextInfo().GetMentionedJID(),
		}
	}

	if img := msg.GetImageMessage(); img != nil && img.GetCaption() != "" {
		env.ImageCaption = &classify.Content{
			Text:     img.GetCaption(),
			Mentions: img.GetContextInfo().GetMentionedJID(),
		}
	}

	if vid := msg.GetVideoMessage(); vid != nil && vid.GetCaption() != "" {
		env.VideoCaption = &classify.Content{
			Text:     vid.GetCaption(),
			Mentions: vid.GetContextInfo().GetMentionedJID(),
		}
	}

	return env
}
