package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/nestly/inbox/internal/store"
	"github.com/nestly/inbox/internal/tui/ui"
)

// Conversation shows one thread: the message log, the draft line and the
// composer.
type Conversation struct {
	*tview.Flex
	theme    *ui.Theme
	log      *tview.TextView
	draft    *tview.TextView
	composer *tview.InputField
	self     string
	now      func() time.Time

	msgs   []store.Message
	cursor int // index into msgs, -1 when nothing is highlighted

	onSend func(text string)
	onType func()
}

// NewConversation creates the view for the user self.
func NewConversation(theme *ui.Theme, self string) *Conversation {
	log := tview.NewTextView().
		SetDynamicColors(true).
		SetRegions(true).
		SetScrollable(true).
		SetWordWrap(true)
	log.SetBorder(true)
	log.SetBorderColor(theme.BorderColor)
	log.SetBackgroundColor(theme.BgColor)
	log.SetTextColor(theme.FgColor)
	log.SetTitleColor(theme.TitleColor)

	draft := tview.NewTextView().SetDynamicColors(true)
	draft.SetBackgroundColor(theme.BgColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.KeyColor)
	composer.SetTitle(" Message (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	c := &Conversation{
		Flex: tview.NewFlex().
			SetDirection(tview.FlexRow).
			AddItem(log, 0, 1, true).
			AddItem(draft, 1, 0, false).
			AddItem(composer, 3, 0, false),
		theme:    theme,
		log:      log,
		draft:    draft,
		composer: composer,
		self:     self,
		now:      time.Now,
		cursor:   -1,
	}

	composer.SetChangedFunc(func(text string) {
		if text != "" && c.onType != nil {
			c.onType()
		}
	})
	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || c.onSend == nil {
			return
		}
		c.onSend(composer.GetText())
	})
	return c
}

func (c *Conversation) SetOnSend(fn func(text string)) { c.onSend = fn }

func (c *Conversation) SetOnType(fn func()) { c.onType = fn }

// ClearComposer empties the input after a successful send.
func (c *Conversation) ClearComposer() { c.composer.SetText("") }

func (c *Conversation) Log() *tview.TextView { return c.log }

func (c *Conversation) Composer() *tview.InputField { return c.composer }

// Update redraws the thread. The highlighted message stays highlighted
// while it is still in the log.
func (c *Conversation) Update(t store.Thread, msgs []store.Message, online bool) {
	var keep string
	if c.cursor >= 0 && c.cursor < len(c.msgs) {
		keep = c.msgs[c.cursor].ID
	}
	c.msgs = msgs
	c.cursor = -1
	for i, m := range msgs {
		if keep != "" && (m.ID == keep || m.ClientID == keep) {
			c.cursor = i
		}
	}

	title := t.CounterpartName
	if title == "" {
		title = t.CounterpartID
	}
	title = clean(title, false)
	if t.Context.BookingID != "" {
		title += " · booking " + clean(t.Context.BookingID, false)
	}
	if online {
		title += fmt.Sprintf(" [%s]●[-]", ui.Tag(c.theme.OnlineColor))
	}
	c.log.SetTitle(" " + title + " ")

	now := c.now()
	var b strings.Builder
	for i, m := range msgs {
		fmt.Fprintf(&b, `["m%d"]`, i)
		b.WriteString(renderMessage(m, c.self, now, c.theme))
		b.WriteString(`[""]`)
		b.WriteString("\n")
	}
	if t.IsTyping {
		fmt.Fprintf(&b, "[%s]%s is typing...[-]\n", ui.Tag(c.theme.MutedColor), clean(t.CounterpartName, false))
	}
	c.log.SetText(b.String())
	c.highlight()
}

// UpdateDraft shows queued attachments and the message being replied to.
func (c *Conversation) UpdateDraft(attachments []string, replyTo *store.ReplyRef) {
	c.draft.Clear()
	var parts []string
	if replyTo != nil {
		parts = append(parts, fmt.Sprintf("replying to %s: %s", clean(replyTo.SenderName, false), clean(replyTo.Text, false)))
	}
	for _, a := range attachments {
		parts = append(parts, "+ "+clean(a, false))
	}
	if len(parts) > 0 {
		_, _ = fmt.Fprintf(c.draft, " [%s]%s[-]", ui.Tag(c.theme.MutedColor), strings.Join(parts, "  "))
	}
}

// Move shifts the highlight by delta messages.
func (c *Conversation) Move(delta int) {
	if len(c.msgs) == 0 {
		return
	}
	switch {
	case c.cursor < 0 && delta < 0:
		c.cursor = len(c.msgs) - 1
	case c.cursor < 0:
		c.cursor = 0
	default:
		c.cursor = min(max(c.cursor+delta, 0), len(c.msgs)-1)
	}
	c.highlight()
}

// Highlighted returns the highlighted message, if any.
func (c *Conversation) Highlighted() (store.Message, bool) {
	if c.cursor < 0 || c.cursor >= len(c.msgs) {
		return store.Message{}, false
	}
	return c.msgs[c.cursor], true
}

// Reset forgets the highlight, for a newly opened thread.
func (c *Conversation) Reset() {
	c.cursor = -1
	c.msgs = nil
	c.composer.SetText("")
}

func (c *Conversation) highlight() {
	if c.cursor < 0 {
		c.log.Highlight()
		c.log.ScrollToEnd()
		return
	}
	c.log.Highlight(fmt.Sprintf("m%d", c.cursor))
	c.log.ScrollToHighlight()
}

// renderMessage draws one message: header line, optional reply quote,
// content, attachments and, for own messages, the delivery state.
func renderMessage(m store.Message, self string, now time.Time, theme *ui.Theme) string {
	own := m.SenderID == self
	sender := clean(m.SenderName, false)
	color := theme.PeerColor
	if own {
		sender = "You"
		color = theme.OwnColor
	}
	if sender == "" {
		sender = clean(m.SenderID, false)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s::b]%s[-:-:-] [%s]%s[-]\n", ui.Tag(color), sender, ui.Tag(theme.MutedColor), stamp(m.Timestamp, now))
	if r := m.ReplyTo; r != nil {
		fmt.Fprintf(&b, "[%s]  > %s: %s[-]\n", ui.Tag(theme.MutedColor), clean(r.SenderName, false), clean(r.Text, false))
	}
	if m.Content != "" {
		b.WriteString(clean(m.Content, true))
		b.WriteString("\n")
	}
	for _, a := range m.Attachments {
		where := clean(a.URL, false)
		if !a.Uploaded() {
			where = "not uploaded"
		}
		fmt.Fprintf(&b, "  [%s]+ %s (%s)[-]\n", ui.Tag(theme.MutedColor), clean(a.Name, false), where)
	}
	if own {
		switch m.Status {
		case store.Pending:
			fmt.Fprintf(&b, "[%s]  sending...[-]\n", ui.Tag(theme.PendingColor))
		case store.Failed:
			reason := clean(m.Error, false)
			if reason == "" {
				reason = "not sent"
			}
			fmt.Fprintf(&b, "[%s]  ! %s (r to retry)[-]\n", ui.Tag(theme.FailedColor), reason)
		case store.Read:
			fmt.Fprintf(&b, "[%s]  read[-]\n", ui.Tag(theme.MutedColor))
		}
	}
	return b.String()
}
