// Package keys maps key presses to actions per page.
package keys

import "github.com/gdamore/tcell/v2"

// Action is one key binding.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Label       string // key as shown in the hint bar
	Description string
	Handler     func()
	Hidden      bool
}

// Matches reports whether ev triggers the action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

func (a *Action) label() string {
	if a.Label != "" {
		return a.Label
	}
	if a.Key == tcell.KeyRune {
		return string(a.Rune)
	}
	return tcell.KeyNames[a.Key]
}

// Registry holds bindings per page plus global ones. Bindings keep their
// registration order so hints render stably.
type Registry struct {
	global []*Action
	pages  map[string][]*Action
}

func NewRegistry() *Registry {
	return &Registry{pages: make(map[string][]*Action)}
}

func (r *Registry) AddGlobal(a *Action) {
	r.global = append(r.global, a)
}

func (r *Registry) AddPage(page string, a *Action) {
	r.pages[page] = append(r.pages[page], a)
}

// Hint is a key label and its description.
type Hint struct {
	Key         string
	Description string
}

// Hints returns the visible bindings of page followed by the global ones.
func (r *Registry) Hints(page string) []Hint {
	var out []Hint
	for _, set := range [][]*Action{r.pages[page], r.global} {
		for _, a := range set {
			if !a.Hidden {
				out = append(out, Hint{Key: a.label(), Description: a.Description})
			}
		}
	}
	return out
}

// HandleEvent runs the first binding of page, then of the global set, that
// matches ev. It reports whether one did.
func (r *Registry) HandleEvent(page string, ev *tcell.EventKey) bool {
	for _, set := range [][]*Action{r.pages[page], r.global} {
		for _, a := range set {
			if a.Matches(ev) {
				a.Handler()
				return true
			}
		}
	}
	return false
}
