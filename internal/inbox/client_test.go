package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nestly/inbox/internal/api"
	"github.com/nestly/inbox/internal/auth"
	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/store"
	"github.com/nestly/inbox/internal/timers"
	"github.com/nestly/inbox/internal/transport"
	"github.com/nestly/inbox/internal/wire"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeTransport records emitted frames and lets tests drive the handlers.
type fakeTransport struct {
	mu       sync.Mutex
	handlers transport.Handlers
	emitted  []wire.Frame
	up       bool
	closed   bool
}

func (f *fakeTransport) SetHandlers(h transport.Handlers) {
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.up = true
	h := f.handlers
	f.mu.Unlock()
	if h.OnConnect != nil {
		h.OnConnect()
	}
	return nil
}

func (f *fakeTransport) Emit(event string, data any) error {
	frame, err := wire.NewFrame(event, data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return transport.ErrNotConnected
	}
	f.emitted = append(f.emitted, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.up = false
	f.mu.Unlock()
	return nil
}

// deliver hands the transport handler a frame written as "event|json".
func (f *fakeTransport) deliver(t *testing.T, raw string) {
	t.Helper()
	event, data, ok := strings.Cut(raw, "|")
	if !ok {
		t.Fatalf("bad frame %s", raw)
	}
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnFrame(wire.Frame{Event: event, Data: []byte(data)})
}

func (f *fakeTransport) events(name string) []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Frame
	for _, fr := range f.emitted {
		if fr.Event == name {
			out = append(out, fr)
		}
	}
	return out
}

// fakeAPI serves canned threads and histories and answers sends.
type fakeAPI struct {
	mu      sync.Mutex
	threads []wire.ThreadRecord
	history map[string][]wire.MessageRecord
	gate    chan struct{}
	sends   []api.SendRequest
	nextID  int
}

func (a *fakeAPI) ListThreads(ctx context.Context) ([]wire.ThreadRecord, error) {
	return a.threads, nil
}

func (a *fakeAPI) ListMessages(ctx context.Context, counterpartID, bookingID string) ([]wire.MessageRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history[store.KeyFor(counterpartID, bookingID)], nil
}

func (a *fakeAPI) MarkRead(ctx context.Context, req api.MarkReadRequest) error { return nil }

func (a *fakeAPI) UploadAttachment(ctx context.Context, name string, r io.Reader) (wire.AttachmentRecord, error) {
	return wire.AttachmentRecord{URL: "https://cdn/" + name, Name: name}, nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, req api.SendRequest) (wire.MessageRecord, error) {
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return wire.MessageRecord{}, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, req)
	a.nextID++
	return wire.MessageRecord{
		MongoID:   fmt.Sprintf("srv-%d", a.nextID),
		Sender:    wire.Ref{ID: "me"},
		To:        wire.Ref{ID: req.To},
		Text:      req.Text,
		CreatedAt: wire.Time{Time: t0.Add(time.Minute)},
	}, nil
}

type harness struct {
	c     *Client
	tr    *fakeTransport
	api   *fakeAPI
	clock *timers.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tr: &fakeTransport{},
		api: &fakeAPI{
			threads: []wire.ThreadRecord{
				{UserID: wire.Ref{ID: "U1"}, Name: "Ana", UnreadCount: 3, UpdatedAt: wire.Time{Time: t0}},
				{UserID: wire.Ref{ID: "U2"}, Name: "Bo", UpdatedAt: wire.Time{Time: t0.Add(-time.Hour)}},
			},
			history: map[string][]wire.MessageRecord{},
		},
		clock: timers.NewManual(t0),
	}
	c, err := New(Options{
		Identity:  auth.Identity{UserID: "me", UserName: "Me"},
		API:       h.api,
		Transport: h.tr,
		Bus:       bus.New(),
		Scheduler: timers.NewScheduler(h.clock),
	})
	if err != nil {
		t.Fatal(err)
	}
	h.c = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(Options{API: &fakeAPI{}, Transport: &fakeTransport{}})
	if !errors.Is(err, auth.ErrNoUser) {
		t.Errorf("err = %v, want ErrNoUser", err)
	}
}

func TestStartWithDeepLink(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(context.Background(), DeepLink{CounterpartID: "U123", CounterpartName: "Cy"}); err != nil {
		t.Fatal(err)
	}
	h.c.Wait()

	if got := h.c.Active(); got != "U123" {
		t.Fatalf("active = %q, want U123", got)
	}
	if len(h.c.Threads()) != 3 {
		t.Errorf("threads = %+v", h.c.Threads())
	}
	joins := h.tr.events(wire.EventJoinThread)
	if len(joins) != 1 || string(joins[0].Data) != `{"to":"U123"}` {
		t.Errorf("joins = %+v", joins)
	}
	if len(h.tr.events(wire.EventPresenceAnnounce)) != 1 || len(h.tr.events(wire.EventPresenceQuery)) != 1 {
		t.Error("presence not announced on connect")
	}
}

func TestSelectThreadResetsUnreadAndSwitchesRoom(t *testing.T) {
	h := newHarness(t)
	h.api.history["U1"] = []wire.MessageRecord{{ID: "m1", Sender: wire.Ref{ID: "U1"}, Text: "hi", CreatedAt: wire.Time{Time: t0}}}
	if err := h.c.Start(context.Background(), DeepLink{}); err != nil {
		t.Fatal(err)
	}

	if err := h.c.SelectThread("U1"); err != nil {
		t.Fatal(err)
	}
	h.c.Typing("U1")
	if err := h.c.SelectThread("U2"); err != nil {
		t.Fatal(err)
	}
	h.c.Wait()

	th, _ := h.c.Thread("U1")
	if th.UnreadCount != 0 {
		t.Errorf("unread = %d", th.UnreadCount)
	}
	if len(h.tr.events(wire.EventTypingStart)) != 1 || len(h.tr.events(wire.EventTypingStop)) != 1 {
		t.Error("typing not stopped on switch")
	}
	leaves := h.tr.events(wire.EventLeaveThread)
	if len(leaves) != 1 || string(leaves[0].Data) != `{"to":"U1"}` {
		t.Errorf("leaves = %+v", leaves)
	}
	if len(h.tr.events(wire.EventJoinThread)) != 2 {
		t.Error("expected a join per selected thread")
	}
	if err := h.c.SelectThread("nope"); !errors.Is(err, ErrUnknownThread) {
		t.Errorf("err = %v", err)
	}
}

func TestEchoBeforeAckKeepsOneMessage(t *testing.T) {
	h := newHarness(t)
	h.api.gate = make(chan struct{})
	if err := h.c.Start(context.Background(), DeepLink{CounterpartID: "U1"}); err != nil {
		t.Fatal(err)
	}
	h.c.Wait()

	id, err := h.c.Send("U1", "see you at 3", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.tr.deliver(t, `new-message|{"_id":"srv-1","from":"me","to":"U1","message":"see you at 3"}`)
	close(h.api.gate)
	h.c.Wait()

	msgs := h.c.Messages("U1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "srv-1" || msgs[0].ClientID != id || msgs[0].Status != store.Delivered {
		t.Errorf("message = %+v", msgs[0])
	}
	h.tr.deliver(t, `new-message|{"_id":"srv-1","from":"me","to":"U1","message":"see you at 3"}`)
	if len(h.c.Messages("U1")) != 1 {
		t.Error("late echo duplicated the message")
	}
}

func TestIncomingOnOtherThreadBumpsUnread(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(context.Background(), DeepLink{CounterpartID: "U1"}); err != nil {
		t.Fatal(err)
	}
	h.c.Wait()

	h.tr.deliver(t, `new-message|{"_id":"m9","from":"U2","to":"me","message":"ping","createdAt":"2026-03-01T11:00:00Z"}`)
	th, _ := h.c.Thread("U2")
	if th.UnreadCount != 1 || th.LastMessagePreview != "ping" {
		t.Errorf("thread = %+v", th)
	}
	if h.c.Threads()[0].ID != "U2" {
		t.Error("thread with newest message should sort first")
	}
}

func TestDisconnectClearsPresenceAndReportsAuth(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(context.Background(), DeepLink{}); err != nil {
		t.Fatal(err)
	}
	ch, unsub := h.c.Bus().Subscribe("notice.", 8)
	defer unsub()

	h.tr.deliver(t, `online-users|["U1","U2"]`)
	if !h.c.IsOnline("U1") {
		t.Fatal("snapshot not applied")
	}
	h.c.HandleDisconnect(transport.ErrUnauthorized)
	h.c.HandleDisconnect(transport.ErrUnauthorized)
	if h.c.IsOnline("U1") || h.c.Connected() {
		t.Error("state kept after disconnect")
	}

	n := 0
	for len(ch) > 0 {
		if ev := <-ch; ev.Kind == bus.KindNoticeAuth {
			n++
		}
	}
	if n != 1 {
		t.Errorf("auth notices = %d, want 1", n)
	}
}

func TestCloseSettlesPendingSends(t *testing.T) {
	h := newHarness(t)
	h.api.gate = make(chan struct{})
	if err := h.c.Start(context.Background(), DeepLink{CounterpartID: "U1"}); err != nil {
		t.Fatal(err)
	}
	h.c.Wait()
	id, err := h.c.Send("U1", "hello", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.c.Close(); err != nil {
		t.Fatal(err)
	}
	m, _ := h.c.Message(id)
	if m.Status != store.Failed {
		t.Errorf("status = %s, want failed", m.Status)
	}
	if _, err := h.c.Send("U1", "again", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close err = %v", err)
	}
}

func TestTypingAfterCloseIsIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(context.Background(), DeepLink{CounterpartID: "U1"}); err != nil {
		t.Fatal(err)
	}
	h.c.Wait()
	if err := h.c.Close(); err != nil {
		t.Fatal(err)
	}
	starts := len(h.tr.events(wire.EventTypingStart))

	h.c.Typing("U1")
	if h.c.typing.Signaling("U1") {
		t.Error("typing signal armed after close")
	}
	if got := len(h.tr.events(wire.EventTypingStart)); got != starts {
		t.Errorf("typing starts = %d, want %d", got, starts)
	}
}

func TestRemoteTypingExpiryTakesClientLock(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(context.Background(), DeepLink{}); err != nil {
		t.Fatal(err)
	}
	h.c.Wait()
	h.tr.deliver(t, `typing|{"from":"U1","to":"me","isTyping":true}`)
	if th, _ := h.c.Thread("U1"); !th.IsTyping {
		t.Fatal("expected typing badge")
	}

	h.c.mu.Lock()
	done := make(chan struct{})
	go func() {
		h.clock.Advance(store.DefaultTypingExpiry)
		close(done)
	}()
	select {
	case <-done:
		h.c.mu.Unlock()
		t.Fatal("expiry ran while the client lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	h.c.mu.Unlock()
	<-done
	if th, _ := h.c.Thread("U1"); th.IsTyping {
		t.Error("badge not cleared after expiry")
	}
}
