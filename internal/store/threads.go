package store

import (
	"sort"
	"sync"
	"time"

	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/timers"
)

// DefaultTypingExpiry clears a remote typing badge when no stop event arrives.
const DefaultTypingExpiry = 4000 * time.Millisecond

// ThreadChange is the payload of thread.* bus events.
type ThreadChange struct {
	ID     string
	Active string
}

// Threads is the ordered thread list. It is always sorted by
// LastMessageTime, newest first.
type Threads struct {
	mu     sync.RWMutex
	items  []*Thread
	byID   map[string]*Thread
	active string

	sched  *timers.Scheduler
	expiry time.Duration
	bus    *bus.Bus
	outer  sync.Locker
}

func NewThreads(sched *timers.Scheduler, b *bus.Bus, typingExpiry time.Duration) *Threads {
	if sched == nil {
		sched = timers.NewScheduler(nil)
	}
	if typingExpiry <= 0 {
		typingExpiry = DefaultTypingExpiry
	}
	return &Threads{
		byID:   make(map[string]*Thread),
		sched:  sched,
		expiry: typingExpiry,
		bus:    b,
	}
}

// SetLock makes timer callbacks take l before touching the list, so they
// serialize with callers that mutate the stores under l.
func (s *Threads) SetLock(l sync.Locker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outer = l
}

// Replace swaps in a freshly loaded list. Typing badges of surviving threads
// are kept; the active thread is kept if it is still present or was
// synthesized locally.
func (s *Threads) Replace(list []Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.byID
	s.items = s.items[:0]
	s.byID = make(map[string]*Thread, len(list))
	for _, t := range list {
		if t.ID == "" {
			continue
		}
		if _, dup := s.byID[t.ID]; dup {
			continue
		}
		c := t
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if old, ok := prev[c.ID]; ok {
			c.IsTyping = old.IsTyping
		}
		if c.ID == s.active {
			c.UnreadCount = 0
		}
		s.items = append(s.items, &c)
		s.byID[c.ID] = &c
	}
	if old, ok := prev[s.active]; ok {
		if _, still := s.byID[s.active]; !still {
			c := *old
			s.items = append(s.items, &c)
			s.byID[c.ID] = &c
		}
	}
	s.sortLocked()
	s.publish("")
}

// Ensure inserts t unless a thread with the same id exists. It returns the
// stored thread and whether it was created.
func (s *Threads) Ensure(t Thread) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byID[t.ID]; ok {
		if cur.CounterpartName == "" && t.CounterpartName != "" {
			cur.CounterpartName = t.CounterpartName
		}
		return *cur, false
	}
	c := t
	c.UnreadCount = max(c.UnreadCount, 0)
	s.items = append(s.items, &c)
	s.byID[c.ID] = &c
	s.sortLocked()
	s.publish(c.ID)
	return c, true
}

func (s *Threads) Get(id string) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return Thread{}, false
	}
	return *t, true
}

// FindByCounterpart returns the thread with the counterpart, preferring one
// that is not scoped to a booking.
func (s *Threads) FindByCounterpart(counterpartID string) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byID[counterpartID]; ok && t.CounterpartID == counterpartID {
		return *t, true
	}
	for _, t := range s.items {
		if t.CounterpartID == counterpartID {
			return *t, true
		}
	}
	return Thread{}, false
}

func (s *Threads) List() []Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Thread, len(s.items))
	for i, t := range s.items {
		out[i] = *t
	}
	return out
}

func (s *Threads) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Active returns the id of the open thread, or "".
func (s *Threads) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// IsActive reports whether id is the open thread.
func (s *Threads) IsActive(id string) bool {
	return id != "" && s.Active() == id
}

// Select makes id the active thread and resets its unread count.
func (s *Threads) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	s.active = id
	t.UnreadCount = 0
	s.bus.Emit(bus.KindThreadSelected, ThreadChange{ID: id, Active: id})
	s.publish(id)
	return true
}

// Deselect closes the active thread.
func (s *Threads) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = ""
	s.publish("")
}

func (s *Threads) MarkRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byID[id]; ok && t.UnreadCount != 0 {
		t.UnreadCount = 0
		s.publish(id)
	}
}

// ApplyNewMessage updates the thread for an incoming message. The unread
// count grows only for threads that are not open, and never for messages
// the local user wrote.
func (s *Threads) ApplyNewMessage(key string, m Message, fromSelf bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[key]
	if !ok {
		return
	}
	if key != s.active && !fromSelf {
		t.UnreadCount++
	}
	t.LastMessagePreview = Preview(m)
	if m.Timestamp.After(t.LastMessageTime) {
		t.LastMessageTime = m.Timestamp
	}
	s.sortLocked()
	s.publish(key)
}

// Touch updates the preview after a local send.
func (s *Threads) Touch(key string, m Message) {
	s.ApplyNewMessage(key, m, true)
}

// ApplyTyping sets the typing badge of a thread. A badge clears itself after
// the expiry window even if no stop event arrives; every start re-arms it.
func (s *Threads) ApplyTyping(key, userID string, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[key]
	if !ok {
		return
	}
	timer := timers.Key{Scope: key, Kind: timers.RemoteTyping}
	if !typing {
		s.sched.Cancel(timer)
		s.setTypingLocked(t, false)
		return
	}
	s.setTypingLocked(t, true)
	outer := s.outer
	s.sched.Schedule(timer, s.expiry, func() {
		if outer != nil {
			outer.Lock()
			defer outer.Unlock()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		// Re-armed while waiting for the lock.
		if s.sched.Pending(timer) {
			return
		}
		if t, ok := s.byID[key]; ok {
			s.setTypingLocked(t, false)
		}
	})
}

func (s *Threads) setTypingLocked(t *Thread, typing bool) {
	if t.IsTyping == typing {
		return
	}
	t.IsTyping = typing
	s.bus.Emit(bus.KindTypingChanged, ThreadChange{ID: t.ID, Active: s.active})
}

// StartNew opens a conversation with a counterpart. An existing thread for the
// same key (or, without a booking, the same counterpart) is activated instead
// of creating a duplicate; otherwise an empty thread without history is added.
func (s *Threads) StartNew(counterpartID, counterpartName, bookingID string) Thread {
	key := KeyFor(counterpartID, bookingID)
	if _, ok := s.Get(key); !ok && bookingID == "" {
		if t, found := s.FindByCounterpart(counterpartID); found {
			key = t.ID
		}
	}
	s.Ensure(Thread{
		ID:              key,
		CounterpartID:   counterpartID,
		CounterpartName: counterpartName,
		Context:         Context{BookingID: bookingID},
	})
	s.Select(key)
	t, _ := s.Get(key)
	return t
}

func (s *Threads) sortLocked() {
	sort.SliceStable(s.items, func(i, j int) bool {
		a, b := s.items[i], s.items[j]
		if !a.LastMessageTime.Equal(b.LastMessageTime) {
			return a.LastMessageTime.After(b.LastMessageTime)
		}
		return a.ID < b.ID
	})
}

func (s *Threads) publish(id string) {
	s.bus.Emit(bus.KindThreadsChanged, ThreadChange{ID: id, Active: s.active})
}
