// Package tui is the terminal front end of the inbox.
package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/nestly/inbox/internal/tui/keys"
	"github.com/nestly/inbox/internal/tui/model"
	"github.com/nestly/inbox/internal/tui/ui"
	"github.com/nestly/inbox/internal/tui/views"
)

const (
	pageThreads = "threads"
	pageThread  = "thread"
	pageInfo    = "info"
	pageHelp    = "help"
)

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	theme    *ui.Theme
	vm       *model.ViewModel
	registry *keys.Registry

	root    *tview.Flex
	pages   *ui.Pages
	header  *ui.Header
	hints   *ui.HintBar
	flash   *ui.FlashBar
	prompt  *ui.Prompt
	threads *views.ThreadList
	conv    *views.Conversation
	info    *views.ThreadInfo
	help    *views.HelpView

	promptOpen bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApp creates the TUI for the signed-in user self.
func NewApp(vm *model.ViewModel, self string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:      tview.NewApplication(),
		theme:    theme,
		vm:       vm,
		registry: keys.NewRegistry(),
		pages:    ui.NewPages(),
		header:   ui.NewHeader(theme),
		hints:    ui.NewHintBar(theme),
		flash:    ui.NewFlashBar(theme),
		prompt:   ui.NewPrompt(theme),
		threads:  views.NewThreadList(theme),
		conv:     views.NewConversation(theme, self),
		info:     views.NewThreadInfo(theme),
		help:     views.NewHelpView(theme),
		ctx:      ctx,
		cancel:   cancel,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	r := a.registry
	r.AddGlobal(&keys.Action{Key: tcell.KeyRune, Rune: ':', Description: "Command", Handler: func() { a.openPrompt(ui.PromptCommand) }})
	r.AddGlobal(&keys.Action{Key: tcell.KeyRune, Rune: '?', Description: "Help", Handler: func() { a.pages.Push(pageHelp) }})

	r.AddPage(pageThreads, &keys.Action{Key: tcell.KeyEnter, Description: "Open", Handler: func() { a.openThread(a.threads.Selected()) }})
	r.AddPage(pageThreads, &keys.Action{Key: tcell.KeyRune, Rune: '/', Description: "Filter", Handler: func() { a.openPrompt(ui.PromptFilter) }})
	r.AddPage(pageThreads, &keys.Action{Key: tcell.KeyRune, Rune: 'q', Description: "Quit", Handler: a.app.Stop})

	r.AddPage(pageThread, &keys.Action{Key: tcell.KeyRune, Rune: 'i', Description: "Write", Handler: func() { a.app.SetFocus(a.conv.Composer()) }})
	r.AddPage(pageThread, &keys.Action{Key: tcell.KeyRune, Rune: 'r', Description: "Retry", Handler: func() { a.report(a.vm.RetryLast()) }})
	r.AddPage(pageThread, &keys.Action{Key: tcell.KeyRune, Rune: 'R', Description: "Reply", Handler: a.replyHighlighted})
	r.AddPage(pageThread, &keys.Action{Key: tcell.KeyRune, Rune: 'x', Description: "Remove", Handler: a.removeHighlighted})
	r.AddPage(pageThread, &keys.Action{Key: tcell.KeyRune, Rune: 'd', Description: "Details", Handler: func() { a.pages.Push(pageInfo) }})
	r.AddPage(pageThread, &keys.Action{Key: tcell.KeyRune, Rune: 'j', Hidden: true, Handler: func() { a.conv.Move(1) }})
	r.AddPage(pageThread, &keys.Action{Key: tcell.KeyRune, Rune: 'k', Hidden: true, Handler: func() { a.conv.Move(-1) }})
	r.AddPage(pageThread, &keys.Action{Key: tcell.KeyEscape, Description: "Back", Handler: a.back})

	for _, page := range []string{pageInfo, pageHelp} {
		r.AddPage(page, &keys.Action{Key: tcell.KeyEscape, Description: "Back", Handler: a.back})
	}
}

func (a *App) setupCallbacks() {
	a.conv.SetOnType(a.vm.Typing)
	a.conv.SetOnSend(func(text string) {
		if err := a.vm.Send(text); err == nil {
			a.conv.ClearComposer()
		}
		a.render()
	})

	a.prompt.SetOnChange(func(mode ui.PromptMode, text string) {
		if mode == ui.PromptFilter {
			a.vm.SetFilter(text)
		}
	})
	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.closePrompt()
		if mode == ui.PromptCommand {
			a.runCommand(ParseCommand(text))
		}
	})
	a.prompt.SetOnCancel(func() {
		if a.prompt.Mode() == ui.PromptFilter {
			a.vm.SetFilter("")
		}
		a.closePrompt()
	})

	a.pages.SetOnChange(func(top string) {
		a.hints.Update(a.registry.Hints(top))
	})
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageThreads, a.threads, true, false)
	a.pages.AddPage(pageThread, a.conv, true, false)
	a.pages.AddPage(pageInfo, a.info, true, false)
	a.pages.AddPage(pageHelp, a.help, true, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.header, 1, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.flash, 1, 0, false).
		AddItem(a.hints, 1, 0, false)
	a.app.SetRoot(a.root, true)

	a.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if a.promptOpen {
			return ev
		}
		if a.app.GetFocus() == a.conv.Composer() {
			if ev.Key() == tcell.KeyEscape {
				a.app.SetFocus(a.conv.Log())
				return nil
			}
			return ev
		}

		page := a.pages.Current()
		if page == pageThreads && ev.Key() == tcell.KeyRune && ev.Rune() >= '1' && ev.Rune() <= '9' {
			a.openThread(a.threads.At(int(ev.Rune() - '0')))
			return nil
		}
		if a.registry.HandleEvent(page, ev) {
			return nil
		}
		return ev
	})
}

func (a *App) openPrompt(mode ui.PromptMode) {
	filter := a.vm.Filter()
	a.prompt.Activate(mode)
	if mode == ui.PromptFilter {
		a.prompt.SetText(filter)
	}
	a.promptOpen = true
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) closePrompt() {
	a.promptOpen = false
	a.root.ResizeItem(a.prompt, 0, 0)
	a.focusPage()
}

func (a *App) runCommand(cmd Command) {
	out, err := execute(a.vm, cmd)
	a.report(err)
	switch out {
	case showThread:
		a.showThread()
	case showList:
		a.pages.Reset(pageThreads)
		a.focusPage()
	case showHelp:
		a.pages.Push(pageHelp)
	case quit:
		a.app.Stop()
	}
	a.render()
}

func (a *App) openThread(id string) {
	if id == "" {
		return
	}
	if err := a.vm.Open(id); err != nil {
		a.report(err)
		return
	}
	a.showThread()
}

func (a *App) showThread() {
	a.conv.Reset()
	a.pages.Reset(pageThreads)
	a.pages.Push(pageThread)
	a.focusPage()
	a.render()
}

func (a *App) back() {
	if a.pages.Current() == pageThread {
		a.vm.Close()
	}
	a.pages.Pop()
	a.focusPage()
	a.render()
}

func (a *App) focusPage() {
	switch a.pages.Current() {
	case pageThread:
		a.app.SetFocus(a.conv.Log())
	case pageInfo:
		a.app.SetFocus(a.info)
	case pageHelp:
		a.app.SetFocus(a.help)
	default:
		a.app.SetFocus(a.threads)
	}
}

func (a *App) replyHighlighted() {
	m, ok := a.conv.Highlighted()
	if !ok {
		a.vm.Info("Highlight a message with j/k first")
		return
	}
	a.report(a.vm.Reply(m.ID))
	a.app.SetFocus(a.conv.Composer())
}

func (a *App) removeHighlighted() {
	m, ok := a.conv.Highlighted()
	if !ok {
		a.vm.Info("Highlight a message with j/k first")
		return
	}
	if a.vm.Remove(m.ID) {
		a.vm.Info("Message removed on this device")
	}
}

func (a *App) report(err error) {
	if err != nil {
		a.vm.Info(err.Error())
	}
}

// render redraws every widget from the view model. Must run on the UI
// goroutine.
func (a *App) render() {
	a.header.Update(a.vm.Header())
	a.threads.Update(a.vm.Threads(), a.vm.IsOnline, a.vm.Filter())

	if t, msgs, ok := a.vm.Conversation(); ok {
		online := a.vm.IsOnline(t.CounterpartID)
		a.conv.Update(t, msgs, online)
		a.conv.UpdateDraft(a.vm.Draft())
		a.info.Update(t, online, len(msgs))
	} else if cur := a.pages.Current(); cur == pageThread || cur == pageInfo {
		a.pages.Reset(pageThreads)
		a.focusPage()
	}

	a.flash.Update(a.vm.Flash())
	a.hints.Update(a.registry.Hints(a.pages.Current()))
}

func (a *App) refreshLoop() {
	// Ticks expire flash notices and relative timestamps.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.vm.RefreshCh():
		case <-ticker.C:
		}
		a.app.QueueUpdateDraw(a.render)
	}
}

// Run shows the screen until the user quits. A conversation already open
// in the client, such as one from a deep link, is shown first.
func (a *App) Run() error {
	a.pages.Reset(pageThreads)
	if _, _, ok := a.vm.Conversation(); ok {
		a.pages.Push(pageThread)
	}
	a.focusPage()
	a.render()

	go a.vm.Watch(a.ctx)
	go a.refreshLoop()
	defer a.cancel()
	return a.app.Run()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
