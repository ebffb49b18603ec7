package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/nestly/inbox/internal/timers"
	"github.com/nestly/inbox/internal/wire"
)

type sent struct {
	event   string
	payload wire.TypingPayload
}

// mockEmitter records typing frames for test assertions.
type mockEmitter struct {
	mu   sync.Mutex
	sent []sent
}

func (m *mockEmitter) Emit(event string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, _ := data.(wire.TypingPayload)
	m.sent = append(m.sent, sent{event, p})
	return nil
}

func (m *mockEmitter) count(event, to string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.event == event && (to == "" || s.payload.To == to || s.payload.BookingID == to) {
			n++
		}
	}
	return n
}

func testCoordinator(t *testing.T) (*Coordinator, *mockEmitter, *timers.Manual, *timers.Scheduler) {
	t.Helper()
	clk := timers.NewManual(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	sched := timers.NewScheduler(clk)
	em := &mockEmitter{}
	c := New(Options{UserID: "me", UserName: "Me", Emitter: em, Scheduler: sched})
	return c, em, clk, sched
}

func TestSingleStartSignal(t *testing.T) {
	c, em, clk, _ := testCoordinator(t)

	// A keystroke every 100ms for 2500ms, then nothing.
	for elapsed := time.Duration(0); elapsed <= 2500*time.Millisecond; elapsed += 100 * time.Millisecond {
		c.OnLocalInput("U1")
		clk.Advance(100 * time.Millisecond)
	}
	if em.count(wire.EventTypingStop, "") != 0 {
		t.Fatal("stop emitted while still typing")
	}
	clk.Advance(3 * time.Second)

	if got := em.count(wire.EventTypingStart, "U1"); got != 1 {
		t.Errorf("start signals = %d, want 1", got)
	}
	if got := em.count(wire.EventTypingStop, "U1"); got != 1 {
		t.Errorf("stop signals = %d, want 1", got)
	}
	if c.Signaling("U1") {
		t.Error("still signaling after idle expiry")
	}
}

func TestIdleWindowResetsOnKeystroke(t *testing.T) {
	c, em, clk, _ := testCoordinator(t)
	c.OnLocalInput("U1")
	clk.Advance(2999 * time.Millisecond)
	c.OnLocalInput("U1")
	clk.Advance(2999 * time.Millisecond)
	if em.count(wire.EventTypingStop, "") != 0 {
		t.Fatal("stop fired before idle window elapsed since last keystroke")
	}
	clk.Advance(time.Millisecond)
	if em.count(wire.EventTypingStop, "U1") != 1 {
		t.Error("expected stop after idle window")
	}
}

func TestSendStopsTyping(t *testing.T) {
	c, em, clk, sched := testCoordinator(t)
	c.OnLocalInput("U1")
	c.OnSend("U1")
	if em.count(wire.EventTypingStop, "U1") != 1 {
		t.Fatal("send should emit stop")
	}
	if sched.Len() != 0 {
		t.Errorf("timers left after send: %d", sched.Len())
	}
	clk.Advance(time.Minute)
	if em.count(wire.EventTypingStop, "U1") != 1 {
		t.Error("stop emitted twice")
	}

	c.OnSend("U1")
	if em.count(wire.EventTypingStop, "U1") != 1 {
		t.Error("send without typing should not emit stop")
	}
}

func TestSwitchThreadCancelsPrevious(t *testing.T) {
	c, em, clk, sched := testCoordinator(t)
	c.OnLocalInput("U1")
	c.SwitchThread("U2")
	if em.count(wire.EventTypingStop, "U1") != 1 {
		t.Fatal("switch should stop typing in previous thread")
	}
	if sched.Pending(timers.Key{Scope: "U1", Kind: timers.LocalTyping}) {
		t.Error("previous thread timer still pending")
	}

	c.OnLocalInput("U2")
	c.OnLocalInput("U3")
	if em.count(wire.EventTypingStop, "U2") != 1 {
		t.Error("typing in another thread should stop the first")
	}
	if sched.Len() != 1 {
		t.Errorf("timers = %d, want 1", sched.Len())
	}
	clk.Advance(3 * time.Second)
	if em.count(wire.EventTypingStop, "U3") != 1 {
		t.Error("expected stop for U3")
	}
}

func TestResolverRoutesBookingThreads(t *testing.T) {
	clk := timers.NewManual(time.Time{})
	em := &mockEmitter{}
	c := New(Options{
		UserID:    "me",
		Emitter:   em,
		Scheduler: timers.NewScheduler(clk),
		Resolve: func(key string) wire.ThreadRef {
			return wire.ThreadRef{To: "host-1", BookingID: key}
		},
	})
	c.OnLocalInput("b-1")
	if len(em.sent) != 1 {
		t.Fatalf("sent = %v", em.sent)
	}
	p := em.sent[0].payload
	if p.To != "host-1" || p.BookingID != "b-1" || p.From != "me" || !p.IsTyping {
		t.Errorf("payload = %+v", p)
	}
}

func TestStopAll(t *testing.T) {
	c, em, _, sched := testCoordinator(t)
	c.OnLocalInput("U1")
	c.Stop()
	if em.count(wire.EventTypingStop, "U1") != 1 || sched.Len() != 0 {
		t.Errorf("stop all: sent=%v timers=%d", em.sent, sched.Len())
	}
}
