package ui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"

	"github.com/nestly/inbox/internal/tui/keys"
)

// HintBar lists the shortcuts of the visible page on one line.
type HintBar struct {
	*tview.TextView
	theme *Theme
}

func NewHintBar(theme *Theme) *HintBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	return &HintBar{TextView: tv, theme: theme}
}

func (h *HintBar) Update(hints []keys.Hint) {
	h.Clear()
	kc := Tag(h.theme.KeyColor)
	parts := make([]string, 0, len(hints))
	for _, hint := range hints {
		parts = append(parts, fmt.Sprintf("[%s::b]<%s>[-:-:-] %s", kc, hint.Key, hint.Description))
	}
	_, _ = fmt.Fprint(h, " "+strings.Join(parts, "  "))
}
