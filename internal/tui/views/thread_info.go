package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/nestly/inbox/internal/store"
	"github.com/nestly/inbox/internal/tui/ui"
)

// ThreadInfo shows the details of a conversation.
type ThreadInfo struct {
	*tview.TextView
	theme *ui.Theme
}

func NewThreadInfo(theme *ui.Theme) *ThreadInfo {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitleColor(theme.TitleColor)
	return &ThreadInfo{TextView: tv, theme: theme}
}

func (ti *ThreadInfo) Update(t store.Thread, online bool, messages int) {
	ti.Clear()
	fg := ui.Tag(ti.theme.FgColor)
	ct := ui.Tag(ti.theme.CounterColor)

	presence := "offline"
	if online {
		presence = "online"
	}
	booking := t.Context.BookingID
	if booking == "" {
		booking = "-"
	}
	last := "-"
	if !t.LastMessageTime.IsZero() {
		last = t.LastMessageTime.Local().Format(time.DateTime)
	}

	rows := []struct{ label, value string }{
		{"Name", clean(t.CounterpartName, false)},
		{"User", clean(t.CounterpartID, false)},
		{"Booking", clean(booking, false)},
		{"Presence", presence},
		{"Unread", fmt.Sprint(t.UnreadCount)},
		{"Messages", fmt.Sprint(messages)},
		{"Last Active", last},
		{"Last Message", clean(t.LastMessagePreview, false)},
	}
	_, _ = fmt.Fprintln(ti)
	for _, r := range rows {
		_, _ = fmt.Fprintf(ti, " [%s::b]%-13s[-:-:-] [%s]%s[-]\n", fg, r.label+":", ct, r.value)
	}
	ti.SetTitle(fmt.Sprintf(" %s ", clean(t.CounterpartName, false)))
}
