package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/nestly/inbox/internal/store"
	"github.com/nestly/inbox/internal/tui/ui"
)

// ThreadList is the conversation table.
type ThreadList struct {
	*tview.Table
	theme   *ui.Theme
	threads []store.Thread
	now     func() time.Time
}

func NewThreadList(theme *ui.Theme) *ThreadList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitleColor(theme.TitleColor)
	return &ThreadList{Table: table, theme: theme, now: time.Now}
}

// Update redraws the table, keeping the cursor on the same thread when it
// is still listed.
func (tl *ThreadList) Update(threads []store.Thread, online func(string) bool, filter string) {
	selected := tl.Selected()
	tl.threads = threads
	tl.Clear()

	for col, h := range []struct {
		text string
		exp  int
	}{{"", 0}, {" NAME", 1}, {" BOOKING", 0}, {" LAST MESSAGE", 3}, {" TIME", 0}} {
		tl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(tl.theme.TableHeaderFg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	now := tl.now()
	row := 1
	for i, t := range threads {
		dot := " "
		if online != nil && online(t.CounterpartID) {
			dot = "●"
		}
		name := t.CounterpartName
		if name == "" {
			name = t.CounterpartID
		}
		name = clean(name, false)
		if t.UnreadCount > 0 {
			name = fmt.Sprintf("(%d) %s", t.UnreadCount, name)
		}
		preview := clean(t.LastMessagePreview, false)
		previewColor := tl.theme.FgColor
		if t.IsTyping {
			preview = "typing..."
			previewColor = tl.theme.OnlineColor
		}
		attr := tcell.AttrNone
		if t.UnreadCount > 0 {
			attr = tcell.AttrBold
		}

		tl.SetCell(i+1, 0, tview.NewTableCell(dot).SetTextColor(tl.theme.OnlineColor))
		tl.SetCell(i+1, 1, tview.NewTableCell(" "+name).SetExpansion(1).SetTextColor(tl.theme.FgColor).SetAttributes(attr))
		tl.SetCell(i+1, 2, tview.NewTableCell(" "+clean(t.Context.BookingID, false)).SetTextColor(tl.theme.MutedColor))
		tl.SetCell(i+1, 3, tview.NewTableCell(" "+preview).SetExpansion(3).SetTextColor(previewColor))
		tl.SetCell(i+1, 4, tview.NewTableCell(stamp(t.LastMessageTime, now)).SetTextColor(tl.theme.MutedColor).SetAlign(tview.AlignRight))
		if t.ID == selected {
			row = i + 1
		}
	}
	if len(threads) > 0 {
		tl.Select(row, 0)
	}

	if filter != "" {
		tl.SetTitle(fmt.Sprintf(" Conversations (%d) /%s ", len(threads), clean(filter, false)))
	} else {
		tl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(threads)))
	}
}

// Selected returns the id of the thread under the cursor.
func (tl *ThreadList) Selected() string {
	row, _ := tl.GetSelection()
	if row < 1 || row > len(tl.threads) {
		return ""
	}
	return tl.threads[row-1].ID
}

// At returns the id of the n-th listed thread, counting from 1.
func (tl *ThreadList) At(n int) string {
	if n < 1 || n > len(tl.threads) {
		return ""
	}
	return tl.threads[n-1].ID
}
