package wire

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/nestly/inbox/internal/store"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed event")
)

// Lookup resolves a message id to a message already in the local store.
type Lookup func(id string) (store.Message, bool)

// Normalizer turns raw frames and REST records into canonical values. Self
// is the local user id; it decides which participant is the counterpart.
type Normalizer struct {
	Self     string
	SelfName string
	Now      func() time.Time
	Lookup   Lookup
}

func NewNormalizer(self, selfName string) *Normalizer {
	return &Normalizer{Self: self, SelfName: selfName, Now: time.Now}
}

// Decode parses a raw stream frame and normalizes it.
func (n *Normalizer) Decode(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return n.Normalize(f)
}

// Normalize maps one frame to exactly one canonical event.
func (n *Normalizer) Normalize(f Frame) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch {
	case slices.Contains(newMessageEvents, f.Event):
		var rec MessageRecord
		if err = json.Unmarshal(f.Data, &rec); err == nil {
			ev, err = n.Message(rec)
		}
	case slices.Contains(typingEvents, f.Event):
		ev, err = n.typing(f.Event, f.Data)
	case slices.Contains(readEvents, f.Event):
		ev, err = n.readReceipt(f.Data)
	case slices.Contains(presenceEvents, f.Event):
		ev, err = n.presence(f.Event, f.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			return nil, fmt.Errorf("%s: %w", f.Event, err)
		}
		return nil, fmt.Errorf("%s: %w: %v", f.Event, ErrMalformed, err)
	}
	return ev, nil
}

// Message normalizes a message record from either envelope shape.
func (n *Normalizer) Message(rec MessageRecord) (NewMessage, error) {
	f, err := rec.flatten()
	if err != nil {
		return NewMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.SenderID == "" {
		return NewMessage{}, fmt.Errorf("%w: message without sender", ErrMalformed)
	}

	counterpart, counterpartName := f.SenderID, f.SenderName
	if f.SenderID == n.Self {
		counterpart, counterpartName = f.RecipientID, f.RecipientName
	}
	key := store.KeyFor(counterpart, f.BookingID)
	if key == "" {
		return NewMessage{}, fmt.Errorf("%w: no thread for message from %s", ErrMalformed, f.SenderID)
	}

	m := n.toMessage(key, f, nil)
	return NewMessage{
		ThreadKey:       key,
		CounterpartID:   counterpart,
		CounterpartName: counterpartName,
		BookingID:       f.BookingID,
		Message:         m,
	}, nil
}

// History maps one page of thread history. Reply references are resolved
// against the page first and then against the local store.
func (n *Normalizer) History(threadID string, recs []MessageRecord) []store.Message {
	flats := make([]flat, 0, len(recs))
	byID := make(map[string]store.Message, len(recs))
	for _, rec := range recs {
		f, err := rec.flatten()
		if err != nil {
			continue
		}
		flats = append(flats, f)
		if f.ID != "" {
			byID[f.ID] = store.Message{ID: f.ID, SenderName: n.senderName(f), Content: f.Text}
		}
	}
	out := make([]store.Message, 0, len(flats))
	for _, f := range flats {
		out = append(out, n.toMessage(threadID, f, byID))
	}
	return out
}

// Thread maps a thread list record.
func (n *Normalizer) Thread(rec ThreadRecord) (store.Thread, error) {
	user := pick(rec.UserID, rec.User)
	if user.ID == "" {
		return store.Thread{}, fmt.Errorf("%w: thread without counterpart", ErrMalformed)
	}
	booking := rec.BookingID.ID
	if booking == "" && rec.Context != nil {
		booking = rec.Context.BookingID.ID
	}
	t := store.Thread{
		ID:              store.KeyFor(user.ID, booking),
		CounterpartID:   user.ID,
		CounterpartName: first(rec.Name, user.Name),
		LastMessageTime: rec.UpdatedAt.Time,
		UnreadCount:     max(rec.UnreadCount, 0),
		Context:         store.Context{BookingID: booking},
	}
	if rec.LastMessage != nil {
		t.LastMessagePreview = store.Preview(store.Message{Content: rec.LastMessage.Text})
		t.LastMessageTime = firstTime(rec.LastMessage.CreatedAt.Time, t.LastMessageTime)
	}
	return t, nil
}

// Threads maps a thread list, skipping malformed rows, sorted newest first.
func (n *Normalizer) Threads(recs []ThreadRecord) []store.Thread {
	out := make([]store.Thread, 0, len(recs))
	for _, rec := range recs {
		t, err := n.Thread(rec)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out
}

// Attachment maps a server attachment descriptor.
func Attachment(rec AttachmentRecord) store.Attachment {
	return store.Attachment{
		ID:       first(rec.ID, rec.URL),
		Name:     rec.Name,
		MimeType: rec.Mime,
		URL:      rec.URL,
		IsImage:  rec.IsImage || store.IsImageType(rec.Mime),
	}
}

func (n *Normalizer) toMessage(threadID string, f flat, page map[string]store.Message) store.Message {
	at := f.At
	if at.IsZero() {
		at = n.now()
	}
	m := store.Message{
		ID:         f.ID,
		ThreadID:   threadID,
		SenderID:   f.SenderID,
		SenderName: n.senderName(f),
		Content:    f.Text,
		Timestamp:  at,
		Status:     store.Delivered,
	}
	if m.ID == "" {
		m.ID = derivedID(f, at)
	}
	if f.IsRead {
		m.Status = store.Read
	}
	for _, a := range f.Attachments {
		m.Attachments = append(m.Attachments, Attachment(a))
	}
	if r, ok := parseReply(f.Reply); ok {
		m.ReplyTo = n.resolveReply(r, page)
	}
	return m
}

func (n *Normalizer) resolveReply(r replyRecord, page map[string]store.Message) *store.ReplyRef {
	ref := &store.ReplyRef{ID: r.ID, SenderName: r.SenderName, Text: r.Text}
	if ref.Text != "" {
		return ref
	}
	orig, ok := page[r.ID]
	if !ok && n.Lookup != nil {
		orig, ok = n.Lookup(r.ID)
	}
	if ok {
		ref.SenderName = first(ref.SenderName, orig.SenderName)
		ref.Text = store.Preview(orig)
	}
	return ref
}

func (n *Normalizer) senderName(f flat) string {
	if f.SenderID == n.Self {
		return first(f.SenderName, n.SelfName)
	}
	return f.SenderName
}

func (n *Normalizer) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

// derivedID names a message the server sent without an id, so that both
// delivery paths of the same message resolve to the same key.
func derivedID(f flat, at time.Time) string {
	h := sha1.New()
	for _, part := range []string{f.SenderID, f.BookingID, f.Text, strconv.FormatInt(at.UnixMilli(), 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "h-" + hex.EncodeToString(h.Sum(nil))[:16]
}

type routing struct {
	From      Ref `json:"from"`
	UserID    Ref `json:"userId"`
	User      Ref `json:"user"`
	SenderID  Ref `json:"senderId"`
	To        Ref `json:"to"`
	BookingID Ref `json:"bookingId"`
	Context   *struct {
		BookingID Ref `json:"bookingId"`
	} `json:"context"`
}

func (r routing) booking() string {
	if r.BookingID.ID != "" || r.Context == nil {
		return r.BookingID.ID
	}
	return r.Context.BookingID.ID
}

// counterpart returns the participant that is not the local user.
func (n *Normalizer) counterpart(actor, other string) string {
	if actor != "" && actor != n.Self {
		return actor
	}
	return other
}

func (n *Normalizer) typing(event string, data json.RawMessage) (Event, error) {
	var p struct {
		routing
		IsTyping      *bool `json:"isTyping"`
		IsTypingSnake *bool `json:"is_typing"`
		Typing        *bool `json:"typing"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	user := pick(p.From, p.UserID, p.User, p.SenderID).ID
	if user == "" {
		return nil, fmt.Errorf("%w: typing without user", ErrMalformed)
	}

	typing := event != "typing-stop" && event != "stop-typing"
	for _, v := range []*bool{p.IsTyping, p.IsTypingSnake, p.Typing} {
		if v != nil {
			typing = *v
			break
		}
	}
	key := store.KeyFor(n.counterpart(user, p.To.ID), p.booking())
	if key == "" {
		return nil, fmt.Errorf("%w: typing without thread", ErrMalformed)
	}
	return TypingChanged{ThreadKey: key, UserID: user, Typing: typing}, nil
}

func (n *Normalizer) readReceipt(data json.RawMessage) (Event, error) {
	var p struct {
		routing
		ReaderID Ref `json:"readerId"`
		ReadBy   Ref `json:"readBy"`
		By       Ref `json:"by"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	reader := pick(p.ReaderID, p.ReadBy, p.By, p.UserID, p.From).ID
	if reader == "" {
		return nil, fmt.Errorf("%w: receipt without reader", ErrMalformed)
	}
	subject := p.SenderID.ID
	if subject == "" {
		subject = n.Self
		if reader == n.Self {
			subject = p.To.ID
		}
	}
	key := store.KeyFor(n.counterpart(reader, first(subject, p.To.ID)), p.booking())
	if key == "" || subject == "" {
		return nil, fmt.Errorf("%w: receipt without thread", ErrMalformed)
	}
	return ReadReceipt{ThreadKey: key, ByUserID: reader, SenderID: subject}, nil
}

func (n *Normalizer) presence(event string, data json.RawMessage) (Event, error) {
	if event == "online-users" {
		ids, err := decodeIDList(data)
		if err != nil {
			return nil, err
		}
		return PresenceSnapshot{OnlineIDs: ids}, nil
	}

	var ref Ref
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, err
	}
	online := event != "user-offline"
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var p struct {
			User   Ref    `json:"user"`
			Online *bool  `json:"online"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		ref.ID = first(ref.ID, p.User.ID)
		if event == "presence" {
			switch {
			case p.Online != nil:
				online = *p.Online
			case p.Status != "":
				online = p.Status == "online"
			}
		}
	}
	if ref.ID == "" {
		return nil, fmt.Errorf("%w: presence without user", ErrMalformed)
	}
	return PresenceChanged{UserID: ref.ID, Online: online}, nil
}

func decodeIDList(data json.RawMessage) ([]string, error) {
	var refs []Ref
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p struct {
			Users       []Ref `json:"users"`
			OnlineUsers []Ref `json:"onlineUsers"`
			UserIDs     []Ref `json:"userIds"`
			Online      []Ref `json:"online"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		refs = slices.Concat(p.Users, p.OnlineUsers, p.UserIDs, p.Online)
	} else if err := json.Unmarshal(data, &refs); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.ID != "" && !slices.Contains(ids, r.ID) {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}
