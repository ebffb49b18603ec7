package views

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"

	"github.com/nestly/inbox/internal/tui/ui"
)

// HelpView lists keys and commands.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{TextView: tv, theme: theme}
	hv.render()
	return hv
}

var helpSections = []struct {
	title string
	rows  [][2]string
}{
	{"Global", [][2]string{
		{":", "Command mode"},
		{"?", "This help"},
		{"Esc", "Back"},
		{"Ctrl-C", "Quit"},
	}},
	{"Conversations", [][2]string{
		{"Enter", "Open conversation"},
		{"/", "Filter by name, booking or text"},
		{"1-9", "Open the n-th conversation"},
		{"q", "Quit"},
	}},
	{"Conversation", [][2]string{
		{"i", "Write a message"},
		{"Enter", "Send (in the composer)"},
		{"j/k", "Highlight next / previous message"},
		{"R", "Reply to the highlighted message"},
		{"x", "Remove the highlighted message on this device"},
		{"r", "Retry the last failed message"},
		{"d", "Conversation details"},
	}},
	{"Commands", [][2]string{
		{":open <name|id>", "Open a conversation"},
		{":new <user> [name]", "Start a conversation with a user"},
		{":booking <id> [user]", "Open the conversation of a booking"},
		{":attach <path>", "Attach a file to the next message"},
		{":retry", "Retry the last failed message"},
		{":close", "Leave the open conversation"},
		{":quit", "Quit"},
	}},
}

func (hv *HelpView) render() {
	kc := ui.Tag(hv.theme.KeyColor)
	var b strings.Builder
	for _, s := range helpSections {
		fmt.Fprintf(&b, "\n  [::b]%s[-:-:-]\n\n", s.title)
		for _, r := range s.rows {
			fmt.Fprintf(&b, "  [%s]%-22s[-] %s\n", kc, tview.Escape(r[0]), r[1])
		}
	}
	hv.SetText(b.String())
}
