package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nestly/inbox/internal/bus"
)

var (
	ErrNotFound          = errors.New("message not found")
	ErrDuplicate         = errors.New("message already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// MessageChange is the payload of message.* bus events.
type MessageChange struct {
	ThreadID string
	ID       string
	Status   Status
}

// Messages holds the per-thread message logs for the session. Each log is
// append-only in arrival order; every logical message has exactly one entry,
// reachable through its current id.
type Messages struct {
	mu   sync.RWMutex
	logs map[string][]*Message
	byID map[string]*Message
	bus  *bus.Bus
}

func NewMessages(b *bus.Bus) *Messages {
	return &Messages{
		logs: make(map[string][]*Message),
		byID: make(map[string]*Message),
		bus:  b,
	}
}

// Seed replaces a thread log with server history. Entries the history does
// not contain are kept after it in their original order: unsettled sends and
// messages that arrived live while the history was in flight. Messages hidden
// with RemoveForMe stay hidden.
func (s *Messages) Seed(threadID string, history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.logs[threadID]
	prev := make(map[string]*Message, len(old))
	for _, m := range old {
		prev[m.ID] = m
		delete(s.byID, m.ID)
	}

	log := make([]*Message, 0, len(history)+len(old))
	for _, h := range history {
		if h.ID == "" {
			continue
		}
		if _, dup := s.byID[h.ID]; dup {
			continue
		}
		m := h.clone()
		m.ThreadID = threadID
		if m.Status == "" {
			m.Status = Delivered
		}
		if p, ok := prev[m.ID]; ok {
			m.Hidden = p.Hidden
			m.ClientID = p.ClientID
			if p.Status == Read {
				m.Status = Read
			}
		}
		log = append(log, &m)
		s.byID[m.ID] = &m
	}
	for _, m := range old {
		if _, known := s.byID[m.ID]; known {
			continue
		}
		log = append(log, m)
		s.byID[m.ID] = m
	}
	s.logs[threadID] = log
	s.bus.Emit(bus.KindMessagesSeeded, MessageChange{ThreadID: threadID})
}

// Append adds a remote message. It reports false if the id is already known.
func (s *Messages) Append(m Message) bool {
	if m.Status == "" {
		m.Status = Delivered
	}
	return s.insert(m) == nil
}

// AppendPending inserts an optimistic local message in status pending.
func (s *Messages) AppendPending(m Message) error {
	m.Status = Pending
	m.Error = ""
	return s.insert(m)
}

func (s *Messages) insert(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		return fmt.Errorf("insert message: %w", ErrNotFound)
	}
	if _, ok := s.byID[m.ID]; ok {
		return ErrDuplicate
	}
	c := m.clone()
	s.logs[c.ThreadID] = append(s.logs[c.ThreadID], &c)
	s.byID[c.ID] = &c
	s.bus.Emit(bus.KindMessageUpserted, MessageChange{ThreadID: c.ThreadID, ID: c.ID, Status: c.Status})
	return nil
}

// Ack reconciles a pending message with the server copy. The entry keeps its
// slot in the log and takes the server id; the local id is kept in ClientID.
// If the server copy already reached the log some other way, that entry is
// dropped so only one remains.
func (s *Messages) Ack(localID string, server Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[localID]
	if !ok {
		return Message{}, fmt.Errorf("ack %s: %w", localID, ErrNotFound)
	}
	if !m.Status.CanTransition(Delivered) {
		return Message{}, fmt.Errorf("ack %s from %s: %w", localID, m.Status, ErrInvalidTransition)
	}
	s.settleLocked(m, server)
	return m.clone(), nil
}

// Reconcile settles a failed send from senderID whose server copy showed up
// anyway, as an echo of the same content. The failed entry takes the server
// id in place. It reports false when no such entry exists in the thread.
func (s *Messages) Reconcile(threadID, senderID, content string, server Message) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.logs[threadID] {
		if m.Status == Failed && m.SenderID == senderID && m.Content == content {
			s.settleLocked(m, server)
			return m.clone(), true
		}
	}
	return Message{}, false
}

// settleLocked moves m onto its server copy and marks it delivered.
func (s *Messages) settleLocked(m *Message, server Message) {
	localID := m.ID
	if server.ID != "" && server.ID != localID {
		if other, dup := s.byID[server.ID]; dup && other != m {
			s.removeLocked(other)
		}
		delete(s.byID, localID)
		m.ID = server.ID
		s.byID[m.ID] = m
	}
	m.ClientID = localID
	if !server.Timestamp.IsZero() {
		m.Timestamp = server.Timestamp
	}
	if server.Content != "" {
		m.Content = server.Content
	}
	if len(server.Attachments) > 0 {
		m.Attachments = append([]Attachment(nil), server.Attachments...)
	}
	if server.ReplyTo != nil {
		r := *server.ReplyTo
		m.ReplyTo = &r
	}
	m.Status = Delivered
	m.Error = ""

	s.bus.Emit(bus.KindSendAck, MessageChange{ThreadID: m.ThreadID, ID: m.ID, Status: m.Status})
}

// Fail marks a pending message failed. Content and attachments are kept so a
// retry can resubmit them.
func (s *Messages) Fail(id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("fail %s: %w", id, ErrNotFound)
	}
	if !m.Status.CanTransition(Failed) {
		return fmt.Errorf("fail %s from %s: %w", id, m.Status, ErrInvalidTransition)
	}
	m.Status = Failed
	if cause != nil {
		m.Error = cause.Error()
	}
	s.bus.Emit(bus.KindSendFailed, MessageChange{ThreadID: m.ThreadID, ID: m.ID, Status: m.Status})
	return nil
}

// Requeue moves a failed message back to pending for a retry.
func (s *Messages) Requeue(id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, fmt.Errorf("requeue %s: %w", id, ErrNotFound)
	}
	if !m.Status.CanTransition(Pending) {
		return Message{}, fmt.Errorf("requeue %s from %s: %w", id, m.Status, ErrInvalidTransition)
	}
	m.Status = Pending
	m.Error = ""
	s.bus.Emit(bus.KindMessageUpserted, MessageChange{ThreadID: m.ThreadID, ID: m.ID, Status: m.Status})
	return m.clone(), nil
}

// UpdateAttachments stores the attachment list of a message, typically after
// some of its files were uploaded.
func (s *Messages) UpdateAttachments(id string, atts []Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("update attachments %s: %w", id, ErrNotFound)
	}
	m.Attachments = append([]Attachment(nil), atts...)
	return nil
}

// MarkReadBy flips every delivered message in the thread authored by
// senderID to read and returns how many changed.
func (s *Messages) MarkReadBy(threadID, senderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.logs[threadID] {
		if m.SenderID != senderID || !m.Status.CanTransition(Read) {
			continue
		}
		m.Status = Read
		n++
	}
	if n > 0 {
		s.bus.Emit(bus.KindMessageUpserted, MessageChange{ThreadID: threadID, Status: Read})
	}
	return n
}

// RemoveForMe hides a message locally. Nothing is sent to the server.
func (s *Messages) RemoveForMe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.Hidden {
		return false
	}
	m.Hidden = true
	s.bus.Emit(bus.KindMessageUpserted, MessageChange{ThreadID: m.ThreadID, ID: m.ID, Status: m.Status})
	return true
}

func (s *Messages) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

func (s *Messages) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// IsSettled reports whether the message exists and is no longer pending.
func (s *Messages) IsSettled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return ok && m.Status.Settled()
}

// List returns the visible messages of a thread in log order.
func (s *Messages) List(threadID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.logs[threadID]))
	for _, m := range s.logs[threadID] {
		if m.Hidden {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}

// HasPendingMatch reports whether the thread has an unacknowledged message
// from senderID with the given content. Transport echoes of our own sends
// are recognised this way before the REST response arrives.
func (s *Messages) HasPendingMatch(threadID, senderID, content string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.logs[threadID] {
		if m.Status == Pending && m.SenderID == senderID && m.Content == content {
			return true
		}
	}
	return false
}

func (s *Messages) removeLocked(target *Message) {
	log := s.logs[target.ThreadID]
	for i, m := range log {
		if m == target {
			s.logs[target.ThreadID] = append(log[:i], log[i+1:]...)
			break
		}
	}
	if s.byID[target.ID] == target {
		delete(s.byID, target.ID)
	}
}
