package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nestly/inbox/internal/tui/model"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return Command{}
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}
}

// outcome tells the shell what to show after a command ran.
type outcome int

const (
	stay outcome = iota
	showThread
	showList
	showHelp
	quit
)

var errUsage = errors.New("usage")

func usage(format string) error {
	return fmt.Errorf("%w: %s", errUsage, format)
}

// execute runs cmd against vm.
func execute(vm *model.ViewModel, cmd Command) (outcome, error) {
	switch cmd.Name {
	case "":
		return stay, nil
	case "q", "quit":
		return quit, nil
	case "h", "help":
		return showHelp, nil
	case "open", "o":
		if len(cmd.Args) == 0 {
			return stay, usage(":open <name|id>")
		}
		q := strings.Join(cmd.Args, " ")
		t, ok := vm.FindThread(q)
		if !ok {
			return stay, fmt.Errorf("no conversation matches %q", q)
		}
		if err := vm.Open(t.ID); err != nil {
			return stay, err
		}
		return showThread, nil
	case "new":
		if len(cmd.Args) == 0 {
			return stay, usage(":new <user> [name]")
		}
		vm.OpenWith(cmd.Args[0], strings.Join(cmd.Args[1:], " "), "")
		return showThread, nil
	case "booking":
		if len(cmd.Args) == 0 {
			return stay, usage(":booking <id> [user]")
		}
		if t, ok := vm.FindThread(cmd.Args[0]); ok {
			if err := vm.Open(t.ID); err != nil {
				return stay, err
			}
			return showThread, nil
		}
		if len(cmd.Args) < 2 {
			return stay, fmt.Errorf("unknown booking %s: give the guest or host id to start it", cmd.Args[0])
		}
		vm.OpenWith(cmd.Args[1], "", cmd.Args[0])
		return showThread, nil
	case "attach", "a":
		if len(cmd.Args) == 0 {
			return stay, usage(":attach <path>")
		}
		return stay, vm.Attach(strings.Join(cmd.Args, " "))
	case "retry":
		return stay, vm.RetryLast()
	case "close":
		vm.Close()
		return showList, nil
	default:
		return stay, fmt.Errorf("unknown command: %s", cmd.Name)
	}
}
