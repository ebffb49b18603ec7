package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

// FlashBar shows the latest notice until it expires.
type FlashBar struct {
	*tview.TextView
	theme *Theme
	text  string
}

func NewFlashBar(theme *Theme) *FlashBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	return &FlashBar{TextView: tv, theme: theme}
}

// Update renders text; an empty text clears the bar. Errors are drawn in
// the error color.
func (fb *FlashBar) Update(text string, isErr bool) {
	if text == fb.text {
		return
	}
	fb.text = text
	fb.Clear()
	if text == "" {
		return
	}
	color := fb.theme.FlashInfoColor
	if isErr {
		color = fb.theme.FlashErrColor
	}
	_, _ = fmt.Fprintf(fb, " [%s]%s[-]", Tag(color), tview.Escape(text))
}
