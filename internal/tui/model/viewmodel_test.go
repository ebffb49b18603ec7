package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nestly/inbox/internal/auth"
	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/notice"
	"github.com/nestly/inbox/internal/store"
)

type sendCall struct {
	thread  string
	text    string
	atts    []store.Attachment
	replyTo *store.ReplyRef
}

// fakeInbox records the calls the view model makes.
type fakeInbox struct {
	bus      *bus.Bus
	notifier *notice.Notifier
	threads  []store.Thread
	messages map[string][]store.Message
	active   string
	online   []string
	sendErr  error

	sends   []sendCall
	retried []string
	typed   []string
}

func newFake() *fakeInbox {
	b := bus.New()
	return &fakeInbox{
		bus:      b,
		notifier: notice.New(b, nil),
		threads: []store.Thread{
			{ID: "U1", CounterpartID: "U1", CounterpartName: "Ana Lima", LastMessagePreview: "see you", UnreadCount: 2},
			{ID: "b-9", CounterpartID: "U2", CounterpartName: "Bo", LastMessagePreview: "keys?", Context: store.Context{BookingID: "b-9"}},
		},
		messages: map[string][]store.Message{},
	}
}

func (f *fakeInbox) Identity() auth.Identity { return auth.Identity{UserID: "me", UserName: "Me"} }
func (f *fakeInbox) Threads() []store.Thread { return f.threads }
func (f *fakeInbox) Thread(id string) (store.Thread, bool) {
	for _, t := range f.threads {
		if t.ID == id {
			return t, true
		}
	}
	return store.Thread{}, false
}
func (f *fakeInbox) Active() string                      { return f.active }
func (f *fakeInbox) Messages(key string) []store.Message { return f.messages[key] }
func (f *fakeInbox) Message(id string) (store.Message, bool) {
	for _, list := range f.messages {
		for _, m := range list {
			if m.ID == id {
				return m, true
			}
		}
	}
	return store.Message{}, false
}
func (f *fakeInbox) IsOnline(id string) bool    { return false }
func (f *fakeInbox) Online() []string           { return f.online }
func (f *fakeInbox) Connected() bool            { return true }
func (f *fakeInbox) Bus() *bus.Bus              { return f.bus }
func (f *fakeInbox) Notifier() *notice.Notifier { return f.notifier }
func (f *fakeInbox) CloseThread()               { f.active = "" }
func (f *fakeInbox) Typing(key string)          { f.typed = append(f.typed, key) }
func (f *fakeInbox) RemoveForMe(id string) bool { return true }
func (f *fakeInbox) Retry(id string) error      { f.retried = append(f.retried, id); return nil }
func (f *fakeInbox) SelectThread(id string) error {
	if _, ok := f.Thread(id); !ok {
		return errors.New("unknown thread")
	}
	f.active = id
	return nil
}
func (f *fakeInbox) StartNewThread(cp, name, booking string) store.Thread {
	t := store.Thread{ID: store.KeyFor(cp, booking), CounterpartID: cp, CounterpartName: name, Context: store.Context{BookingID: booking}}
	f.threads = append(f.threads, t)
	f.active = t.ID
	return t
}
func (f *fakeInbox) Send(key, text string, atts []store.Attachment, replyTo *store.ReplyRef) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends = append(f.sends, sendCall{key, text, atts, replyTo})
	return "local-1", nil
}

func TestFilterThreads(t *testing.T) {
	vm := New(newFake(), "main", nil)
	tests := []struct {
		filter string
		want   []string
	}{
		{"", []string{"U1", "b-9"}},
		{"ana", []string{"U1"}},
		{"KEYS", []string{"b-9"}},
		{"b-9", []string{"b-9"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		vm.SetFilter(tt.filter)
		got := vm.Threads()
		if len(got) != len(tt.want) {
			t.Errorf("filter %q: got %d threads, want %v", tt.filter, len(got), tt.want)
			continue
		}
		for i, id := range tt.want {
			if got[i].ID != id {
				t.Errorf("filter %q: thread %d = %s, want %s", tt.filter, i, got[i].ID, id)
			}
		}
	}
}

func TestSendCarriesDraftAndResetsIt(t *testing.T) {
	f := newFake()
	f.messages["U1"] = []store.Message{{ID: "m1", ThreadID: "U1", SenderName: "Ana", Content: "what time?"}}
	vm := New(f, "main", nil)

	if err := vm.Send("hi"); !errors.Is(err, ErrNoThread) {
		t.Fatalf("send without thread err = %v", err)
	}
	if err := vm.Open("U1"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "plan.png")
	if err := os.WriteFile(path, []byte("png"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := vm.Attach(path); err != nil {
		t.Fatal(err)
	}
	if err := vm.Attach(t.TempDir()); err == nil {
		t.Error("attaching a directory succeeded")
	}
	if err := vm.Reply("m1"); err != nil {
		t.Fatal(err)
	}
	atts, reply := vm.Draft()
	if len(atts) != 1 || atts[0] != "plan.png" || reply == nil || reply.Text != "what time?" {
		t.Fatalf("draft = %v %+v", atts, reply)
	}

	if err := vm.Send("at 3"); err != nil {
		t.Fatal(err)
	}
	if len(f.sends) != 1 {
		t.Fatalf("sends = %+v", f.sends)
	}
	s := f.sends[0]
	if s.thread != "U1" || s.text != "at 3" || len(s.atts) != 1 || !s.atts[0].IsImage || s.replyTo.ID != "m1" {
		t.Errorf("send = %+v", s)
	}
	if atts, reply := vm.Draft(); atts != nil || reply != nil {
		t.Error("draft kept after send")
	}
}

func TestSendFailureFlashesError(t *testing.T) {
	f := newFake()
	f.active = "U1"
	f.sendErr = errors.New("message must have text or attachments")
	vm := New(f, "main", nil)

	if err := vm.Send(""); err == nil {
		t.Fatal("expected error")
	}
	text, isErr := vm.Flash()
	if !isErr || text == "" {
		t.Errorf("flash = %q/%v", text, isErr)
	}
}

func TestRetryLastPicksNewestFailure(t *testing.T) {
	f := newFake()
	f.active = "U1"
	f.messages["U1"] = []store.Message{
		{ID: "local-1", Status: store.Failed},
		{ID: "m2", Status: store.Delivered},
		{ID: "local-3", Status: store.Failed},
	}
	vm := New(f, "main", nil)
	if err := vm.RetryLast(); err != nil {
		t.Fatal(err)
	}
	if len(f.retried) != 1 || f.retried[0] != "local-3" {
		t.Errorf("retried = %v", f.retried)
	}

	f.messages["U1"] = []store.Message{{ID: "m2", Status: store.Delivered}}
	if err := vm.RetryLast(); !errors.Is(err, ErrNothingToRetry) {
		t.Errorf("err = %v", err)
	}
}

func TestOpenWithAndFind(t *testing.T) {
	f := newFake()
	vm := New(f, "main", nil)

	th := vm.OpenWith("U5", "Cy", "b-2")
	if th.ID != "b-2" || f.active != "b-2" {
		t.Errorf("thread = %+v active = %s", th, f.active)
	}
	if got, ok := vm.FindThread("ana"); !ok || got.ID != "U1" {
		t.Errorf("find by name = %+v %v", got, ok)
	}
	if got, ok := vm.FindThread("b-9"); !ok || got.CounterpartID != "U2" {
		t.Errorf("find by id = %+v %v", got, ok)
	}
	vm.Typing()
	if len(f.typed) != 1 || f.typed[0] != "b-2" {
		t.Errorf("typed = %v", f.typed)
	}
}

func TestHeader(t *testing.T) {
	f := newFake()
	f.online = []string{"U1", "U7"}
	vm := New(f, "work", func() string { return "RECONNECTING" })
	h := vm.Header()
	if h.Profile != "work" || h.User != "Me" || h.State != "reconnecting" || h.Threads != 2 || h.Unread != 2 || h.Online != 2 {
		t.Errorf("header = %+v", h)
	}
}

func TestWatchSignalsRefresh(t *testing.T) {
	f := newFake()
	vm := New(f, "main", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		vm.Watch(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		f.bus.Emit(bus.KindThreadsChanged, nil)
		select {
		case <-vm.RefreshCh():
			cancel()
			<-done
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			cancel()
			t.Fatal("no refresh signal")
		}
	}
}
