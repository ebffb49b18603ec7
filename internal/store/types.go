package store

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Context carries the booking a thread is scoped to, if any.
type Context struct {
	BookingID string
}

// Thread is one conversation with a counterpart, optionally tied to a booking.
// ID is the thread key: the booking id when present, else the counterpart id.
type Thread struct {
	ID                 string
	CounterpartID      string
	CounterpartName    string
	LastMessagePreview string
	LastMessageTime    time.Time
	UnreadCount        int
	Context            Context
	IsTyping           bool
}

// ReplyRef is a denormalized snapshot of the message being replied to.
type ReplyRef struct {
	ID         string
	SenderName string
	Text       string
}

// Message is one entry in a thread log.
type Message struct {
	ID          string
	ClientID    string // local id assigned before the server acknowledged it
	ThreadID    string
	SenderID    string
	SenderName  string
	Content     string
	Attachments []Attachment
	Timestamp   time.Time
	Status      Status
	ReplyTo     *ReplyRef
	Error       string
	Hidden      bool
}

// KeyFor resolves the thread key for a counterpart and optional booking.
func KeyFor(counterpartID, bookingID string) string {
	if bookingID != "" {
		return bookingID
	}
	return counterpartID
}

const previewLen = 100

// Preview renders the thread-list preview line for a message.
func Preview(m Message) string {
	text := strings.Join(strings.Fields(m.Content), " ")
	if text == "" && len(m.Attachments) > 0 {
		text = "Attachment: " + m.Attachments[0].Name
		if n := len(m.Attachments); n > 1 {
			text += " (+" + strconv.Itoa(n-1) + ")"
		}
	}
	return truncate(text, previewLen)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	return m
}
