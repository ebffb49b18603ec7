package presence

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/timers"
	"github.com/nestly/inbox/internal/wire"
)

// mockEmitter records emitted events for test assertions.
type mockEmitter struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (m *mockEmitter) Emit(event string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	m.data = append(m.data, data)
	return nil
}

func (m *mockEmitter) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == event {
			n++
		}
	}
	return n
}

func testTracker(t *testing.T) (*Tracker, *mockEmitter, *timers.Manual) {
	t.Helper()
	clk := timers.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	em := &mockEmitter{}
	tr := New(Options{
		UserID:          "me",
		UserName:        "Me",
		Emitter:         em,
		Scheduler:       timers.NewScheduler(clk),
		SnapshotTimeout: 5 * time.Second,
		Bus:             bus.New(),
	})
	return tr, em, clk
}

func TestConnectAnnouncesAndQueries(t *testing.T) {
	tr, em, _ := testTracker(t)
	tr.OnConnect()

	if em.count(wire.EventPresenceAnnounce) != 1 || em.count(wire.EventPresenceQuery) != 1 {
		t.Fatalf("events = %v", em.events)
	}
	if p, ok := em.data[0].(wire.PresencePayload); !ok || p.UserID != "me" {
		t.Errorf("announce payload = %#v", em.data[0])
	}
}

func TestSnapshotReplacesSet(t *testing.T) {
	tr, _, _ := testTracker(t)
	tr.ApplyChange("U9", true)
	tr.Apply(wire.PresenceSnapshot{OnlineIDs: []string{"U2", "U1"}})

	if got := tr.Online(); !slices.Equal(got, []string{"U1", "U2"}) {
		t.Errorf("online = %v", got)
	}
	if tr.IsOnline("U9") {
		t.Error("snapshot should drop users it does not list")
	}
}

func TestIncrementalChanges(t *testing.T) {
	tr, _, _ := testTracker(t)
	tr.Apply(wire.PresenceChanged{UserID: "U1", Online: true})
	tr.Apply(wire.PresenceChanged{UserID: "U2", Online: true})
	tr.Apply(wire.PresenceChanged{UserID: "U1", Online: false})
	if got := tr.Online(); !slices.Equal(got, []string{"U2"}) {
		t.Errorf("online = %v", got)
	}
	if tr.Apply(wire.TypingChanged{}) {
		t.Error("non-presence event should not be handled")
	}
}

func TestDisconnectClearsAndReconnectRebuilds(t *testing.T) {
	tr, em, _ := testTracker(t)
	tr.OnConnect()
	tr.ApplySnapshot([]string{"U1", "U2"})

	tr.OnDisconnect()
	if len(tr.Online()) != 0 {
		t.Fatalf("online after disconnect = %v", tr.Online())
	}

	tr.OnConnect()
	if em.count(wire.EventPresenceAnnounce) != 2 || em.count(wire.EventPresenceQuery) != 2 {
		t.Errorf("reconnect did not re-announce: %v", em.events)
	}
	tr.ApplySnapshot([]string{"U2"})
	if !tr.IsOnline("U2") || tr.IsOnline("U1") {
		t.Errorf("online = %v", tr.Online())
	}
}

func TestSnapshotTimeoutRequeries(t *testing.T) {
	tr, em, clk := testTracker(t)
	tr.OnConnect()
	clk.Advance(5 * time.Second)
	if n := em.count(wire.EventPresenceQuery); n != 2 {
		t.Fatalf("queries = %d, want 2", n)
	}
	tr.ApplySnapshot(nil)
	clk.Advance(time.Minute)
	if n := em.count(wire.EventPresenceQuery); n != 2 {
		t.Errorf("queries after snapshot = %d, want 2", n)
	}
}

func TestNoRequeryAfterDisconnect(t *testing.T) {
	tr, em, clk := testTracker(t)
	tr.OnConnect()
	tr.OnDisconnect()
	clk.Advance(time.Minute)
	if n := em.count(wire.EventPresenceQuery); n != 1 {
		t.Errorf("queries = %d, want 1", n)
	}
}
