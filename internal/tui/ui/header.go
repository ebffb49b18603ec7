package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

// HeaderData is the session summary drawn above the pages.
type HeaderData struct {
	Profile   string
	User      string
	State     string
	Connected bool
	Threads   int
	Unread    int
	Online    int
}

// Header is the one-line session summary.
type Header struct {
	*tview.TextView
	theme *Theme
}

func NewHeader(theme *Theme) *Header {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	return &Header{TextView: tv, theme: theme}
}

func (h *Header) Update(d HeaderData) {
	h.Clear()
	title := Tag(h.theme.TitleColor)
	fg := Tag(h.theme.FgColor)
	ct := Tag(h.theme.CounterColor)

	dot := Tag(h.theme.FailedColor)
	if d.Connected {
		dot = Tag(h.theme.OnlineColor)
	}
	_, _ = fmt.Fprintf(h,
		" [%s::b]inbox[-:-:-] [%s]%s[-] [%s]|[-] [%s]%s[-] [%s]|[-] [%s]●[-] [%s]%s[-] [%s]|[-] [%s]threads[-] [%s]%d[-] [%s]unread[-] [%s]%d[-] [%s]online[-] [%s]%d[-]",
		title, fg, tview.Escape(d.Profile),
		fg, ct, tview.Escape(d.User),
		fg, dot, fg, d.State,
		fg, fg, ct, d.Threads, fg, ct, d.Unread, fg, ct, d.Online,
	)
}
