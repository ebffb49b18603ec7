package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nestly/inbox/internal/bus"
)

// State is the lifecycle state of the event-stream connection.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	AuthRequired State = "AUTH_REQUIRED"
	Closed       State = "CLOSED"
)

var ErrInvalidTransition = errors.New("invalid transition")

// validTransitions defines allowed state transitions. Closed is terminal.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Connected, Reconnecting, AuthRequired, Closed},
	Connected:    {Reconnecting, AuthRequired, Closed},
	Reconnecting: {Connecting, Closed},
	AuthRequired: {Connecting, Closed},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
	now     func() time.Time
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		since:   time.Now(),
		bus:     b,
		now:     time.Now,
	}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the machine entered its current state.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, m.current, to)
	}
	from := m.current
	m.current = to
	m.since = m.now()
	m.bus.Emit(bus.KindTransportStatus, StatusChange{From: from, To: to, At: m.since})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
	At   time.Time
}
