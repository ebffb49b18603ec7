// Package model holds the screen state of the TUI on top of a running
// inbox client.
package model

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nestly/inbox/internal/auth"
	"github.com/nestly/inbox/internal/bus"
	"github.com/nestly/inbox/internal/notice"
	"github.com/nestly/inbox/internal/store"
	"github.com/nestly/inbox/internal/tui/ui"
)

var (
	ErrNoThread       = errors.New("no conversation open")
	ErrNothingToRetry = errors.New("no failed message to retry")
)

const infoFor = 3 * time.Second

// Inbox is the client surface the screen drives.
type Inbox interface {
	Identity() auth.Identity
	Threads() []store.Thread
	Thread(id string) (store.Thread, bool)
	Active() string
	Messages(threadKey string) []store.Message
	Message(id string) (store.Message, bool)
	IsOnline(userID string) bool
	Online() []string
	Connected() bool
	Bus() *bus.Bus
	Notifier() *notice.Notifier

	SelectThread(id string) error
	StartNewThread(counterpartID, counterpartName, bookingID string) store.Thread
	CloseThread()
	Send(threadKey, content string, atts []store.Attachment, replyTo *store.ReplyRef) (string, error)
	Retry(id string) error
	Typing(threadKey string)
	RemoveForMe(id string) bool
}

// ViewModel caches what the screen shows between redraws and turns key
// presses into client calls.
type ViewModel struct {
	inbox   Inbox
	profile string
	state   func() string

	mu      sync.Mutex
	filter  string
	pending []store.Attachment
	replyTo *store.ReplyRef
	info    notice.Flash

	refreshCh chan struct{}
}

// New creates a view model. state reports the transport state for the
// header and may be nil.
func New(inbox Inbox, profile string, state func() string) *ViewModel {
	return &ViewModel{
		inbox:     inbox,
		profile:   profile,
		state:     state,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh signals that the screen should be redrawn. Bursts of events
// collapse into one signal.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// Watch turns client events into refresh signals until ctx is done.
func (vm *ViewModel) Watch(ctx context.Context) {
	events, unsub := vm.inbox.Bus().Subscribe("", 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			vm.signalRefresh()
		}
	}
}

// Header returns the session summary.
func (vm *ViewModel) Header() ui.HeaderData {
	id := vm.inbox.Identity()
	threads := vm.inbox.Threads()
	unread := 0
	for _, t := range threads {
		unread += t.UnreadCount
	}
	connected := vm.inbox.Connected()
	state := "offline"
	if connected {
		state = "connected"
	}
	if vm.state != nil {
		state = strings.ToLower(vm.state())
	}
	user := id.UserName
	if user == "" {
		user = id.UserID
	}
	return ui.HeaderData{
		Profile:   vm.profile,
		User:      user,
		State:     state,
		Connected: connected,
		Threads:   len(threads),
		Unread:    unread,
		Online:    len(vm.inbox.Online()),
	}
}

// SetFilter narrows the thread list to threads whose name, preview or
// booking contains s.
func (vm *ViewModel) SetFilter(s string) {
	vm.mu.Lock()
	vm.filter = strings.TrimSpace(s)
	vm.mu.Unlock()
	vm.signalRefresh()
}

func (vm *ViewModel) Filter() string {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.filter
}

// Threads returns the visible threads in display order.
func (vm *ViewModel) Threads() []store.Thread {
	all := vm.inbox.Threads()
	f := strings.ToLower(vm.Filter())
	if f == "" {
		return all
	}
	out := all[:0:0]
	for _, t := range all {
		for _, field := range []string{t.CounterpartName, t.CounterpartID, t.LastMessagePreview, t.Context.BookingID} {
			if strings.Contains(strings.ToLower(field), f) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func (vm *ViewModel) IsOnline(userID string) bool { return vm.inbox.IsOnline(userID) }

// Conversation returns the open thread and its visible messages.
func (vm *ViewModel) Conversation() (store.Thread, []store.Message, bool) {
	id := vm.inbox.Active()
	if id == "" {
		return store.Thread{}, nil, false
	}
	t, ok := vm.inbox.Thread(id)
	if !ok {
		return store.Thread{}, nil, false
	}
	return t, vm.inbox.Messages(id), true
}

// Open selects a thread and drops the draft state of the previous one.
func (vm *ViewModel) Open(id string) error {
	if err := vm.inbox.SelectThread(id); err != nil {
		return err
	}
	vm.resetDraft()
	return nil
}

// OpenWith opens the thread with a user, or with a booking when bookingID
// is set, creating it if needed.
func (vm *ViewModel) OpenWith(userID, name, bookingID string) store.Thread {
	t := vm.inbox.StartNewThread(userID, name, bookingID)
	vm.resetDraft()
	return t
}

// FindThread resolves a thread id or a case-insensitive name prefix.
func (vm *ViewModel) FindThread(query string) (store.Thread, bool) {
	if t, ok := vm.inbox.Thread(query); ok {
		return t, true
	}
	q := strings.ToLower(query)
	for _, t := range vm.inbox.Threads() {
		if strings.HasPrefix(strings.ToLower(t.CounterpartName), q) {
			return t, true
		}
	}
	return store.Thread{}, false
}

// Close leaves the open thread.
func (vm *ViewModel) Close() {
	vm.inbox.CloseThread()
	vm.resetDraft()
}

func (vm *ViewModel) resetDraft() {
	vm.mu.Lock()
	vm.pending = nil
	vm.replyTo = nil
	vm.mu.Unlock()
	vm.signalRefresh()
}

// Attach queues a file for the next message.
func (vm *ViewModel) Attach(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("attach: %s is a directory", path)
	}
	mt := mime.TypeByExtension(filepath.Ext(path))
	att := store.Attachment{
		Name:     filepath.Base(path),
		MimeType: mt,
		IsImage:  store.IsImageType(mt),
		Local:    store.FilePath(path),
	}
	vm.mu.Lock()
	vm.pending = append(vm.pending, att)
	vm.mu.Unlock()
	vm.Info("Attached " + att.Name)
	return nil
}

// Reply makes the next message a reply to message id.
func (vm *ViewModel) Reply(id string) error {
	m, ok := vm.inbox.Message(id)
	if !ok {
		return fmt.Errorf("reply: unknown message %s", id)
	}
	vm.mu.Lock()
	vm.replyTo = &store.ReplyRef{ID: m.ID, SenderName: m.SenderName, Text: store.Preview(m)}
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Draft describes what will go out with the next message.
func (vm *ViewModel) Draft() (attachments []string, replyTo *store.ReplyRef) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, a := range vm.pending {
		attachments = append(attachments, a.Name)
	}
	if vm.replyTo != nil {
		r := *vm.replyTo
		replyTo = &r
	}
	return attachments, replyTo
}

// Send sends text with any queued attachments to the open thread.
func (vm *ViewModel) Send(text string) error {
	id := vm.inbox.Active()
	if id == "" {
		return ErrNoThread
	}
	vm.mu.Lock()
	atts, reply := vm.pending, vm.replyTo
	vm.mu.Unlock()

	if _, err := vm.inbox.Send(id, text, atts, reply); err != nil {
		vm.inbox.Notifier().Error("Send failed: " + err.Error())
		return err
	}
	vm.resetDraft()
	return nil
}

// Typing records a keystroke in the composer.
func (vm *ViewModel) Typing() {
	if id := vm.inbox.Active(); id != "" {
		vm.inbox.Typing(id)
	}
}

// RetryLast resends the most recent failed message of the open thread.
func (vm *ViewModel) RetryLast() error {
	_, msgs, ok := vm.Conversation()
	if !ok {
		return ErrNoThread
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Status == store.Failed {
			return vm.inbox.Retry(msgs[i].ID)
		}
	}
	return ErrNothingToRetry
}

// Remove hides a message on this device.
func (vm *ViewModel) Remove(id string) bool {
	return vm.inbox.RemoveForMe(id)
}

// Info shows a short informational notice.
func (vm *ViewModel) Info(text string) {
	vm.info.Set(text, infoFor)
	vm.signalRefresh()
}

// Flash returns the notice to show, preferring errors.
func (vm *ViewModel) Flash() (text string, isErr bool) {
	if text := vm.inbox.Notifier().Flash().Get(); text != "" {
		return text, true
	}
	return vm.info.Get(), false
}
