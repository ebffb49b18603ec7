package timers

import (
	"sync"
	"time"
)

// Kind names a class of timer. Typing and presence timers live in the same
// registry but never collide because the kind is part of the key.
type Kind string

const (
	LocalTyping      Kind = "typing.local"
	RemoteTyping     Kind = "typing.remote"
	PresenceSnapshot Kind = "presence.snapshot"
)

// Key identifies one timer: a scope (thread key, "global", ...) plus a kind.
type Key struct {
	Scope string
	Kind  Kind
}

type entry struct {
	stop Stopper
	gen  uint64
}

// Scheduler owns every outstanding timer of the client, keyed by Key.
// Scheduling a key that already has a timer replaces it.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	entries map[Key]entry
	gen     uint64
	stopped bool
}

func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = Real()
	}
	return &Scheduler{clock: clock, entries: make(map[Key]entry)}
}

func (s *Scheduler) Clock() Clock { return s.clock }

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Schedule runs fn after d unless the key is cancelled or rescheduled first.
// It reports false once the scheduler is stopped.
func (s *Scheduler) Schedule(key Key, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if old, ok := s.entries[key]; ok {
		old.stop.Stop()
	}
	s.gen++
	gen := s.gen
	stop := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.entries[key]
		if !ok || cur.gen != gen {
			// Superseded between firing and acquiring the lock.
			s.mu.Unlock()
			return
		}
		delete(s.entries, key)
		s.mu.Unlock()
		fn()
	})
	s.entries[key] = entry{stop: stop, gen: gen}
	return true
}

// Cancel stops the timer for key. It reports whether one was pending.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.stop.Stop()
	delete(s.entries, key)
	return true
}

// CancelScope stops every timer whose key has the given scope.
func (s *Scheduler) CancelScope(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if k.Scope == scope {
			e.stop.Stop()
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *Scheduler) Pending(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels all timers and rejects further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for k, e := range s.entries {
		e.stop.Stop()
		delete(s.entries, k)
	}
}
