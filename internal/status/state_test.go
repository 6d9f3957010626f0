package status

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Starting},
		{Idle, Stopped},
		{Starting, Active},
		{Starting, Failed},
		{Active, Stopping},
		{Failed, Stopping},
		{Stopping, Stopped},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
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
	m := NewMachine(nil)
	if err := m.Transition(Active); err == nil {
		t.Error("Transition(IDLE -> ACTIVE) should fail")
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Stopped)
	for _, s := range []State{Idle, Starting, Active, Stopping, Failed} {
		if err := m.Transition(s); err == nil {
			t.Errorf("Transition(STOPPED -> %s) should fail", s)
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Starting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != "session.status_changed" {
		t.Errorf("event kind = %q, want session.status_changed", evt.Kind)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Idle || change.To != Starting {
		t.Errorf("change = %v -> %v, want IDLE -> STARTING", change.From, change.To)
	}
}

// TestFailedStartStillStops verifies that a session whose start failed can
// still be torn down: STARTING → FAILED → STOPPING → STOPPED.
func TestFailedStartStillStops(t *testing.T) {
	m := NewMachine(nil)
	steps := []State{Starting, Failed, Stopping, Stopped}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

func TestFailRecordsCause(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(Topic, 10)
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Starting)
	<-ch

	cause := errors.New("subscribe refused")
	if err := m.Fail(cause); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if !errors.Is(m.Cause(), cause) {
		t.Errorf("Cause() = %v, want %v", m.Cause(), cause)
	}
	change := (<-ch).Payload.(StatusChange)
	if change.To != Failed || !errors.Is(change.Cause, cause) {
		t.Errorf("change = %+v, want FAILED with cause", change)
	}
}

func TestTransitionErrorType(t *testing.T) {
	m := NewMachine(nil)
	err := m.Transition(Stopping)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T, want *TransitionError", err)
	}
	if te.From != Idle || te.To != Stopping {
		t.Errorf("TransitionError = %+v", te)
	}
}

func TestSinceTracksEntry(t *testing.T) {
	m := NewMachine(nil)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return at }
	if err := m.Transition(Starting); err != nil {
		t.Fatal(err)
	}
	if !m.Since().Equal(at) {
		t.Errorf("Since() = %v, want %v", m.Since(), at)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:     {},
		Starting: {Starting},
		Active:   {Starting, Active},
		Failed:   {Starting, Failed},
		Stopping: {Starting, Active, Stopping},
		Stopped:  {Starting, Active, Stopping, Stopped},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
