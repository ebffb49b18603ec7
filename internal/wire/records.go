package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ref is a user or booking reference. Peers send it as a bare id (string or
// number) or as an object carrying the id under one of several names.
type Ref struct {
	ID   string
	Name string
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, &r.ID)
	case '{':
		var obj struct {
			ID        flexID `json:"id"`
			MongoID   flexID `json:"_id"`
			UserID    flexID `json:"userId"`
			Name      string `json:"name"`
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		r.ID = first(string(obj.ID), string(obj.MongoID), string(obj.UserID))
		r.Name = first(obj.Name, strings.TrimSpace(obj.FirstName+" "+obj.LastName))
		return nil
	default:
		var id flexID
		if err := id.UnmarshalJSON(b); err != nil {
			return fmt.Errorf("ref: %w", err)
		}
		r.ID = string(id)
		return nil
	}
}

// flexID is an identifier sent either as a string or as a number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, (*string)(f))
	}
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.Name == "" {
		return json.Marshal(r.ID)
	}
	return json.Marshal(map[string]string{"id": r.ID, "name": r.Name})
}

// Time accepts RFC 3339 strings and unix epochs in milliseconds.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("time %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("time: %w", err)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// AttachmentRecord is an attachment descriptor as sent by the server: an
// object, or just the URL.
type AttachmentRecord struct {
	ID      string `json:"id,omitempty"`
	URL     string `json:"url"`
	Name    string `json:"name,omitempty"`
	Mime    string `json:"mime,omitempty"`
	IsImage bool   `json:"isImage,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

func (a *AttachmentRecord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &a.URL)
	}
	type plain AttachmentRecord
	var obj struct {
		plain
		MongoID  string `json:"_id"`
		MimeType string `json:"mimeType"`
		Type     string `json:"type"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*a = AttachmentRecord(obj.plain)
	a.ID = first(a.ID, obj.MongoID)
	a.Name = first(a.Name, obj.Filename)
	a.Mime = first(a.Mime, obj.MimeType, obj.Type)
	return nil
}

// LastMessage is the preview block of a thread record. Some servers send it as
// a plain string.
type LastMessage struct {
	Text      string `json:"text"`
	CreatedAt Time   `json:"createdAt"`
}

func (l *LastMessage) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &l.Text)
	}
	type plain LastMessage
	var obj struct {
		plain
		Message string `json:"message"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*l = LastMessage(obj.plain)
	l.Text = first(l.Text, obj.Message, obj.Content)
	return nil
}

// ThreadRecord is one row of the thread list endpoint.
type ThreadRecord struct {
	UserID      Ref          `json:"userId"`
	User        Ref          `json:"user"`
	Name        string       `json:"name"`
	LastMessage *LastMessage `json:"lastMessage"`
	UpdatedAt   Time         `json:"updatedAt"`
	UnreadCount int          `json:"unreadCount"`
	BookingID   Ref          `json:"bookingId"`
	Context     *struct {
		BookingID Ref `json:"bookingId"`
	} `json:"context"`
}

// MessageRecord is a message in any of the shapes the server produces: the
// REST history row, the booking-scoped envelope {bookingId, message:{...}}
// and the flat peer envelope {from, to, message, createdAt}.
type MessageRecord struct {
	ID          string             `json:"id"`
	MongoID     string             `json:"_id"`
	Sender      Ref                `json:"sender"`
	From        Ref                `json:"from"`
	SenderID    Ref                `json:"senderId"`
	SenderName  string             `json:"senderName"`
	To          Ref                `json:"to"`
	Receiver    Ref                `json:"receiver"`
	RecipientID Ref                `json:"recipientId"`
	Message     json.RawMessage    `json:"message"`
	Text        string             `json:"text"`
	Content     string             `json:"content"`
	Attachments []AttachmentRecord `json:"attachments"`
	CreatedAt   Time               `json:"createdAt"`
	Timestamp   Time               `json:"timestamp"`
	IsRead      bool               `json:"isRead"`
	BookingID   Ref                `json:"bookingId"`
	Booking     Ref                `json:"booking"`
	Context     *struct {
		BookingID Ref `json:"bookingId"`
	} `json:"context"`
	ReplyTo json.RawMessage `json:"replyTo"`
}

// flat is a MessageRecord with every alias resolved.
type flat struct {
	ID            string
	SenderID      string
	SenderName    string
	RecipientID   string
	RecipientName string
	Text          string
	BookingID     string
	Attachments   []AttachmentRecord
	At            time.Time
	IsRead        bool
	Reply         json.RawMessage
}

const maxNesting = 3

// ServerID returns the id the server assigned, looking through nested
// envelopes. It is empty when the record carries none.
func (r MessageRecord) ServerID() string {
	f, err := r.flatten()
	if err != nil {
		return ""
	}
	return f.ID
}

func (r MessageRecord) flatten() (flat, error) {
	return r.flattenDepth(0)
}

func (r MessageRecord) flattenDepth(depth int) (flat, error) {
	sender := pick(r.Sender, r.From, r.SenderID)
	recipient := pick(r.To, r.Receiver, r.RecipientID)
	f := flat{
		ID:            first(r.ID, r.MongoID),
		SenderID:      sender.ID,
		SenderName:    first(sender.Name, r.SenderName),
		RecipientID:   recipient.ID,
		RecipientName: recipient.Name,
		Text:          first(r.Text, r.Content),
		BookingID:     first(r.BookingID.ID, r.Booking.ID),
		Attachments:   r.Attachments,
		At:            firstTime(r.CreatedAt.Time, r.Timestamp.Time),
		IsRead:        r.IsRead,
		Reply:         r.ReplyTo,
	}
	if f.BookingID == "" && r.Context != nil {
		f.BookingID = r.Context.BookingID.ID
	}

	body := bytes.TrimSpace(r.Message)
	switch {
	case len(body) == 0 || bytes.Equal(body, []byte("null")):
	case body[0] == '"':
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return flat{}, err
		}
		f.Text = first(f.Text, s)
	case body[0] == '{':
		if depth >= maxNesting {
			return flat{}, fmt.Errorf("message nested deeper than %d", maxNesting)
		}
		var inner MessageRecord
		if err := json.Unmarshal(body, &inner); err != nil {
			return flat{}, err
		}
		in, err := inner.flattenDepth(depth + 1)
		if err != nil {
			return flat{}, err
		}
		f = merge(in, f)
	default:
		return flat{}, fmt.Errorf("unexpected message body %.20q", body)
	}
	return f, nil
}

// merge fills the empty fields of inner from the envelope.
func merge(inner, env flat) flat {
	inner.ID = first(inner.ID, env.ID)
	inner.SenderID = first(inner.SenderID, env.SenderID)
	inner.SenderName = first(inner.SenderName, env.SenderName)
	inner.RecipientID = first(inner.RecipientID, env.RecipientID)
	inner.RecipientName = first(inner.RecipientName, env.RecipientName)
	inner.Text = first(inner.Text, env.Text)
	inner.BookingID = first(inner.BookingID, env.BookingID)
	if len(inner.Attachments) == 0 {
		inner.Attachments = env.Attachments
	}
	inner.At = firstTime(inner.At, env.At)
	inner.IsRead = inner.IsRead || env.IsRead
	if len(inner.Reply) == 0 {
		inner.Reply = env.Reply
	}
	return inner
}

// replyRecord is a reply reference given either as an id or as a snapshot.
type replyRecord struct {
	ID         string
	SenderName string
	Text       string
}

func parseReply(raw json.RawMessage) (replyRecord, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return replyRecord{}, false
	}
	var ref Ref
	if raw[0] != '{' {
		if err := json.Unmarshal(raw, &ref); err != nil || ref.ID == "" {
			return replyRecord{}, false
		}
		return replyRecord{ID: ref.ID}, true
	}
	var rec MessageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return replyRecord{}, false
	}
	f, err := rec.flatten()
	if err != nil || f.ID == "" {
		return replyRecord{}, false
	}
	return replyRecord{ID: f.ID, SenderName: f.SenderName, Text: f.Text}, true
}

func pick(refs ...Ref) Ref {
	var out Ref
	for _, r := range refs {
		if out.ID == "" {
			out.ID = r.ID
		}
		if out.Name == "" && (r.ID == "" || r.ID == out.ID) {
			out.Name = r.Name
		}
	}
	return out
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(vals ...time.Time) time.Time {
	for _, v := range vals {
		if !v.IsZero() {
			return v
		}
	}
	return time.Time{}
}
