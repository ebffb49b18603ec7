package views

import (
	"strings"
	"testing"
	"time"

	"github.com/nestly/inbox/internal/store"
	"github.com/nestly/inbox/internal/tui/ui"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		multiline bool
		want      string
	}{
		{"plain", "hello", false, "hello"},
		{"tags escaped", "[red]x", false, "[red[]x"},
		{"newline flattened", "a\nb", false, "a b"},
		{"newline kept", "a\nb", true, "a\nb"},
		{"skin tone dropped", "👍\U0001F3FB", false, "👍"},
		{"bidi override dropped", "a\u202eb", false, "ab"},
		{"control dropped", "a\x07b", false, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clean(tt.in, tt.multiline); got != tt.want {
				t.Errorf("clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStamp(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.Local)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, ""},
		{time.Date(2026, 3, 10, 9, 5, 0, 0, time.Local), "09:05"},
		{time.Date(2026, 1, 2, 9, 5, 0, 0, time.Local), "Jan 02"},
		{time.Date(2025, 12, 31, 9, 5, 0, 0, time.Local), "2025-12-31"},
	}
	for _, tt := range tests {
		if got := stamp(tt.at, now); got != tt.want {
			t.Errorf("stamp(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestRenderMessage(t *testing.T) {
	theme := ui.DefaultTheme()
	now := time.Now()
	tests := []struct {
		name    string
		msg     store.Message
		want    []string
		notWant []string
	}{
		{
			name:    "peer message with reply",
			msg:     store.Message{SenderID: "U1", SenderName: "Ana", Content: "sure", ReplyTo: &store.ReplyRef{SenderName: "You", Text: "3pm?"}},
			want:    []string{"Ana", "> You: 3pm?", "sure"},
			notWant: []string{"sending"},
		},
		{
			name: "own pending",
			msg:  store.Message{SenderID: "me", Content: "hi", Status: store.Pending},
			want: []string{"You", "sending..."},
		},
		{
			name: "own failed with attachment",
			msg: store.Message{SenderID: "me", Status: store.Failed, Error: "upload failed",
				Attachments: []store.Attachment{{Name: "plan.pdf"}}},
			want: []string{"! upload failed (r to retry)", "+ plan.pdf (not uploaded)"},
		},
		{
			name: "own read",
			msg:  store.Message{SenderID: "me", Content: "ok", Status: store.Read},
			want: []string{"read"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderMessage(tt.msg, "me", now, theme)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("missing %q in %q", w, got)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("unexpected %q in %q", w, got)
				}
			}
		})
	}
}

func TestThreadListSelection(t *testing.T) {
	tl := NewThreadList(ui.DefaultTheme())
	threads := []store.Thread{{ID: "U1", CounterpartName: "Ana"}, {ID: "b-9", CounterpartName: "Bo"}}
	tl.Update(threads, nil, "")
	tl.Select(2, 0)
	if got := tl.Selected(); got != "b-9" {
		t.Fatalf("selected = %q", got)
	}

	// b-9 moves to the top; the cursor follows it.
	tl.Update([]store.Thread{threads[1], threads[0]}, nil, "")
	if got := tl.Selected(); got != "b-9" {
		t.Errorf("selected after reorder = %q", got)
	}
	if tl.At(2) != "U1" || tl.At(3) != "" || tl.At(0) != "" {
		t.Error("At out of sync with the listed threads")
	}
}

func TestConversationHighlightSurvivesUpdate(t *testing.T) {
	c := NewConversation(ui.DefaultTheme(), "me")
	th := store.Thread{ID: "U1", CounterpartName: "Ana"}
	msgs := []store.Message{{ID: "m1", SenderID: "U1"}, {ID: "local-1", ClientID: "local-1", SenderID: "me", Status: store.Pending}}
	c.Update(th, msgs, false)

	if _, ok := c.Highlighted(); ok {
		t.Fatal("highlight before any move")
	}
	c.Move(-1)
	if m, _ := c.Highlighted(); m.ID != "local-1" {
		t.Fatalf("highlighted = %q", m.ID)
	}

	// The pending message is acknowledged and gets its server id.
	acked := []store.Message{msgs[0], {ID: "srv-1", ClientID: "local-1", SenderID: "me", Status: store.Delivered}}
	c.Update(th, acked, false)
	if m, ok := c.Highlighted(); !ok || m.ID != "srv-1" {
		t.Errorf("highlight lost after ack: %+v", m)
	}
	c.Move(-5)
	if m, _ := c.Highlighted(); m.ID != "m1" {
		t.Errorf("highlighted = %q, want m1", m.ID)
	}
}
