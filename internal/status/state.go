package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/campus/internal/bus"
)

// State is a lifecycle state of a live channel or of the daemon session.
type State string

// Live channel states.
const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
	Closed       State = "CLOSED"
)

// Session states.
const (
	Booting   State = "BOOTING"
	SignedOut State = "SIGNED_OUT"
	Ready     State = "READY"
	Error     State = "ERROR"
)

// Transitions maps each state to the states it may move to.
type Transitions map[State][]State

// ChannelTransitions governs a live channel. Closed is terminal.
var ChannelTransitions = Transitions{
	Idle:         {Connecting, Closed},
	Connecting:   {Open, Reconnecting, Closed},
	Open:         {Reconnecting, Closed},
	Reconnecting: {Connecting, Failed, Closed},
	Failed:       {Connecting, Closed},
}

// SessionTransitions governs the signed-in session of the daemon.
var SessionTransitions = Transitions{
	Booting:   {SignedOut, Ready, Error},
	SignedOut: {Ready, Error},
	Ready:     {SignedOut, Error},
	Error:     {Booting, SignedOut},
}

// Machine tracks and enforces state transitions for one named subject.
type Machine struct {
	mu      sync.RWMutex
	subject string
	kind    string
	table   Transitions
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewChannelMachine returns a machine for the channel key, starting Idle.
func NewChannelMachine(key string, b *bus.Bus) *Machine {
	return newMachine(key, bus.KindChannelStatus, ChannelTransitions, Idle, b)
}

// NewSessionMachine returns a machine for the named session, starting Booting.
func NewSessionMachine(session string, b *bus.Bus) *Machine {
	return newMachine(session, bus.KindSessionStatus, SessionTransitions, Booting, b)
}

func newMachine(subject, kind string, table Transitions, initial State, b *bus.Bus) *Machine {
	return &Machine{
		subject: subject,
		kind:    kind,
		table:   table,
		current: initial,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.table[m.current], to) {
		return fmt.Errorf("%s: invalid transition from %s to %s", m.subject, m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      m.kind,
			Timestamp: m.since,
			Payload: StatusChange{
				Subject: m.subject,
				From:    from,
				To:      to,
			},
		})
	}
	return nil
}

// TransitionIf moves to `to` only when the machine is currently in one of
// `from`. It reports whether the transition happened.
func (m *Machine) TransitionIf(to State, from ...State) bool {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if !slices.Contains(from, cur) {
		return false
	}
	return m.Transition(to) == nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Subject string
	From    State
	To      State
}
