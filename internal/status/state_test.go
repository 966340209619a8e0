package status

import (
	"testing"

	"github.com/matheus3301/campus/internal/bus"
)

func TestInitialState(t *testing.T) {
	if got := NewChannelMachine("k", nil).Current(); got != Idle {
		t.Errorf("channel initial state = %s, want IDLE", got)
	}
	if got := NewSessionMachine("main", nil).Current(); got != Booting {
		t.Errorf("session initial state = %s, want BOOTING", got)
	}
}

func TestValidChannelTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Connecting, Open},
		{Connecting, Reconnecting},
		{Open, Reconnecting},
		{Open, Closed},
		{Reconnecting, Connecting},
		{Reconnecting, Failed},
		{Failed, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewChannelMachine("post_chat:carpool:r1", nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewChannelMachine("k", nil)
	if err := m.Transition(Open); err == nil {
		t.Error("Transition(IDLE -> OPEN) should fail; a channel must connect first")
	}
}

// TestClosedIsTerminal guards against a released channel being revived by a
// late transport callback.
func TestClosedIsTerminal(t *testing.T) {
	m := NewChannelMachine("k", nil)
	walkTo(t, m, Open)
	if err := m.Transition(Closed); err != nil {
		t.Fatal(err)
	}
	for _, to := range []State{Idle, Connecting, Open, Reconnecting, Failed} {
		if err := m.Transition(to); err == nil {
			t.Errorf("Transition(CLOSED -> %s) should fail", to)
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	m := NewChannelMachine("notifications:p1", b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindChannelStatus {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindChannelStatus)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.Subject != "notifications:p1" || change.From != Idle || change.To != Connecting {
		t.Errorf("change = %+v, want notifications:p1 IDLE -> CONNECTING", change)
	}
}

func TestTransitionIf(t *testing.T) {
	m := NewChannelMachine("k", nil)
	walkTo(t, m, Open)

	if m.TransitionIf(Connecting, Reconnecting, Failed) {
		t.Error("TransitionIf should not fire from OPEN")
	}
	if !m.TransitionIf(Reconnecting, Open) {
		t.Error("TransitionIf(RECONNECTING, OPEN) should fire")
	}
	if m.Current() != Reconnecting {
		t.Errorf("state = %s, want RECONNECTING", m.Current())
	}
}

// TestSessionSignOutCycle walks a user signing in, out and back in.
func TestSessionSignOutCycle(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewSessionMachine("main", b)
	for _, s := range []State{Ready, SignedOut, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if len(ch) != 3 {
		t.Errorf("got %d session events, want 3", len(ch))
	}
	if err := m.Transition(Booting); err == nil {
		t.Error("READY -> BOOTING should fail")
	}
}

// walkTo is a helper that transitions the machine to a target channel state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:         {},
		Connecting:   {Connecting},
		Open:         {Connecting, Open},
		Reconnecting: {Connecting, Open, Reconnecting},
		Failed:       {Connecting, Reconnecting, Failed},
		Closed:       {Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
