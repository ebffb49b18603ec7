package notice

import (
	"sync"
	"time"
)

// Flash holds the latest transient notice for display.
type Flash struct {
	mu      sync.RWMutex
	message string
	expires time.Time
	now     func() time.Time
}

// Set stores a flash message that expires after the given duration.
func (f *Flash) Set(msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.expires = f.clock().Add(d)
}

// Get returns the current flash message, or empty if expired.
func (f *Flash) Get() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.clock().After(f.expires) {
		return ""
	}
	return f.message
}

func (f *Flash) clock() time.Time {
	if f.now == nil {
		return time.Now()
	}
	return f.now()
}
