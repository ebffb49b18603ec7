package presence

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/timers"
	"github.com/nestly/inbox/internal/wire"
)

const DefaultSnapshotTimeout = 10 * time.Second

// Emitter sends frames on the event stream.
type Emitter interface {
	Emit(event string, data any) error
}

// Options configures a Tracker.
type Options struct {
	UserID          string
	UserName        string
	Emitter         Emitter
	Scheduler       *timers.Scheduler
	SnapshotTimeout time.Duration
	Bus             *bus.Bus
	Logger          *zap.Logger
}

// Tracker keeps the set of online users. The set is rebuilt from a snapshot
// after every (re)connect and cleared on disconnect so no stale user is shown
// online.
type Tracker struct {
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	online    map[string]struct{}
	connected bool
}

func New(opts Options) *Tracker {
	if opts.Scheduler == nil {
		opts.Scheduler = timers.NewScheduler(nil)
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = DefaultSnapshotTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{opts: opts, logger: logger, online: make(map[string]struct{})}
}

var snapshotKey = timers.Key{Scope: "global", Kind: timers.PresenceSnapshot}

// OnConnect announces the local user and asks for a full snapshot. If none
// arrives within the snapshot timeout the query is repeated.
func (t *Tracker) OnConnect() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.emit(wire.EventPresenceAnnounce, wire.PresencePayload{UserID: t.opts.UserID, Name: t.opts.UserName})
	t.query()
}

func (t *Tracker) query() {
	t.emit(wire.EventPresenceQuery, nil)
	t.opts.Scheduler.Schedule(snapshotKey, t.opts.SnapshotTimeout, func() {
		t.mu.RLock()
		connected := t.connected
		t.mu.RUnlock()
		if connected {
			t.logger.Debug("presence snapshot overdue, querying again")
			t.query()
		}
	})
}

// OnDisconnect forgets everyone.
func (t *Tracker) OnDisconnect() {
	t.opts.Scheduler.Cancel(snapshotKey)
	t.mu.Lock()
	t.connected = false
	changed := len(t.online) > 0
	t.online = make(map[string]struct{})
	t.mu.Unlock()
	if changed {
		t.publish()
	}
}

// Apply handles a presence event and reports whether it was one.
func (t *Tracker) Apply(ev wire.Event) bool {
	switch e := ev.(type) {
	case wire.PresenceSnapshot:
		t.ApplySnapshot(e.OnlineIDs)
	case wire.PresenceChanged:
		t.ApplyChange(e.UserID, e.Online)
	default:
		return false
	}
	return true
}

// ApplySnapshot replaces the whole set.
func (t *Tracker) ApplySnapshot(ids []string) {
	t.opts.Scheduler.Cancel(snapshotKey)
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	t.mu.Lock()
	t.online = set
	t.mu.Unlock()
	t.publish()
}

// ApplyChange marks one user online or offline.
func (t *Tracker) ApplyChange(id string, online bool) {
	t.mu.Lock()
	_, was := t.online[id]
	if online {
		t.online[id] = struct{}{}
	} else {
		delete(t.online, id)
	}
	t.mu.Unlock()
	if was != online {
		t.publish()
	}
}

func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (t *Tracker) emit(event string, data any) {
	if t.opts.Emitter == nil {
		return
	}
	if err := t.opts.Emitter.Emit(event, data); err != nil {
		t.logger.Debug("presence emit failed", zap.String("event", event), zap.Error(err))
	}
}

func (t *Tracker) publish() {
	t.opts.Bus.Emit(bus.KindPresenceChanged, t.Online())
}
