package wire

import (
	"encoding/json"

	"github.com/nestly/inbox/internal/store"
)

// Frame is one message on the event stream.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data into a frame for the given event name.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// Incoming event names, grouped by the canonical event they produce.
var (
	newMessageEvents = []string{"new-message", "newMessage", "booking-message", "private-message", "message"}
	typingEvents     = []string{"typing", "user-typing", "typing-start", "typing-stop", "stop-typing"}
	readEvents       = []string{"messages-read", "read-receipt", "message-read"}
	presenceEvents   = []string{"user-online", "user-offline", "presence", "online-users"}
)

// Outgoing event names.
const (
	EventJoinThread       = "join-thread"
	EventLeaveThread      = "leave-thread"
	EventTypingStart      = "typing-start"
	EventTypingStop       = "typing-stop"
	EventPresenceAnnounce = "presence-announce"
	EventPresenceQuery    = "presence-query"
)

// Event is a normalized stream event. It is one of NewMessage,
// TypingChanged, ReadReceipt, PresenceChanged or PresenceSnapshot.
type Event interface {
	event()
}

type NewMessage struct {
	ThreadKey       string
	CounterpartID   string
	CounterpartName string
	BookingID       string
	Message         store.Message
}

type TypingChanged struct {
	ThreadKey string
	UserID    string
	Typing    bool
}

// ReadReceipt reports that ByUserID has read the messages SenderID wrote in
// the thread.
type ReadReceipt struct {
	ThreadKey string
	ByUserID  string
	SenderID  string
}

type PresenceChanged struct {
	UserID string
	Online bool
}

type PresenceSnapshot struct {
	OnlineIDs []string
}

func (NewMessage) event()       {}
func (TypingChanged) event()    {}
func (ReadReceipt) event()      {}
func (PresenceChanged) event()  {}
func (PresenceSnapshot) event() {}

// ThreadRef is the routing part of outgoing thread-scoped payloads.
type ThreadRef struct {
	To        string `json:"to,omitempty"`
	BookingID string `json:"bookingId,omitempty"`
}

// TypingPayload is sent with typing-start and typing-stop.
type TypingPayload struct {
	ThreadRef
	From     string `json:"from"`
	Name     string `json:"name,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// PresencePayload is sent with presence-announce.
type PresencePayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}
