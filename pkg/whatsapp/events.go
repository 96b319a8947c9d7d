// pkg/whatsapp/events.go
package whatsapp

import "time"

// EventType tags an Event. The set is closed.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventDisconnected  EventType = "disconnected"
	EventMessage       EventType = "message"
	EventMessageCreate EventType = "message_create"
	// EventStateChanged carries the WhatsApp Web app state (CONNECTED, TIMEOUT, ...).
	EventStateChanged EventType = "state_changed"
)

func (t EventType) valid() bool {
	switch t {
	case EventQR, EventAuthenticated, EventReady, EventDisconnected,
		EventMessage, EventMessageCreate, EventStateChanged:
		return true
	}
	return false
}

func (t EventType) isMessage() bool {
	return t == EventMessage || t == EventMessageCreate
}

// Event is delivered to listeners. Which payload field is set depends on Type:
// QR for EventQR, Reason for EventDisconnected, PageState for EventStateChanged and
// Message for EventMessage and EventMessageCreate.
type Event struct {
	Type      EventType
	At        time.Time
	QR        string
	Reason    string
	PageState string
	Message   *Message
}

// Handler receives events. A returned error is logged and does not affect other handlers.
type Handler func(Event) error
