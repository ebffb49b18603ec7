package sync

import (
	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/presence"
	"github.com/nestly/inbox/internal/store"
	"github.com/nestly/inbox/internal/wire"
)

// Engine applies normalized stream events to the stores. It is idempotent:
// echoes of the local user's pending sends and messages already applied are
// dropped, so the first normalized copy of a message wins.
type Engine struct {
	self     string
	messages *store.Messages
	threads  *store.Threads
	presence *presence.Tracker
	logger   *zap.Logger
}

// NewEngine creates a sync engine. presence may be nil.
func NewEngine(self string, messages *store.Messages, threads *store.Threads, tracker *presence.Tracker, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		self:     self,
		messages: messages,
		threads:  threads,
		presence: tracker,
		logger:   logger,
	}
}

// Apply applies one event and reports whether it changed anything. The
// caller serializes calls with every other store mutation.
func (e *Engine) Apply(ev wire.Event) bool {
	switch ev := ev.(type) {
	case wire.NewMessage:
		return e.IngestMessage(ev)
	case wire.TypingChanged:
		if ev.UserID == e.self {
			return false
		}
		e.threads.ApplyTyping(ev.ThreadKey, ev.UserID, ev.Typing)
		return true
	case wire.ReadReceipt:
		n := e.messages.MarkReadBy(ev.ThreadKey, ev.SenderID)
		if ev.ByUserID == e.self {
			e.threads.MarkRead(ev.ThreadKey)
		}
		return n > 0
	case wire.PresenceChanged, wire.PresenceSnapshot:
		if e.presence == nil {
			return false
		}
		return e.presence.Apply(ev)
	}
	return false
}

// IngestMessage adds a message from the stream unless it is an echo or a
// duplicate. The thread is created on first contact.
func (e *Engine) IngestMessage(ev wire.NewMessage) bool {
	m := ev.Message
	fromSelf := m.SenderID == e.self
	if fromSelf && e.messages.HasPendingMatch(ev.ThreadKey, e.self, m.Content) {
		e.logger.Debug("dropping echo of pending send", zap.String("thread_key", ev.ThreadKey), zap.String("msg_id", m.ID))
		return false
	}
	if e.messages.Has(m.ID) {
		e.logger.Debug("dropping duplicate message", zap.String("thread_key", ev.ThreadKey), zap.String("msg_id", m.ID))
		return false
	}
	if fromSelf {
		if settled, ok := e.messages.Reconcile(ev.ThreadKey, e.self, m.Content, m); ok {
			e.logger.Debug("echo settled failed send", zap.String("thread_key", ev.ThreadKey), zap.String("msg_id", settled.ID))
			e.threads.Touch(ev.ThreadKey, settled)
			return true
		}
	}

	e.threads.Ensure(store.Thread{
		ID:              ev.ThreadKey,
		CounterpartID:   ev.CounterpartID,
		CounterpartName: ev.CounterpartName,
		Context:         store.Context{BookingID: ev.BookingID},
	})
	if !e.messages.Append(m) {
		return false
	}
	e.threads.ApplyNewMessage(ev.ThreadKey, m, fromSelf)
	return true
}
