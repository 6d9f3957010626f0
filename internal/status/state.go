// Package status tracks the lifecycle of a user session.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
)

// State is a session lifecycle state.
type State string

const (
	Idle     State = "IDLE"
	Starting State = "STARTING"
	Active   State = "ACTIVE"
	Stopping State = "STOPPING"
	Stopped  State = "STOPPED"
	Failed   State = "FAILED"
)

// Topic is the bus topic status changes are published on.
const Topic = "session.status"

// A session runs once: Stopped has no way out.
var edges = map[State]map[State]bool{
	Idle:     {Starting: true, Stopped: true},
	Starting: {Active: true, Failed: true},
	Active:   {Stopping: true},
	Failed:   {Stopping: true},
	Stopping: {Stopped: true},
}

// TransitionError reports a move the lifecycle does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// StatusChange is the payload of every event on Topic.
type StatusChange struct {
	From  State
	To    State
	Cause error // set when To is Failed
}

// Machine enforces the lifecycle and announces each step on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	cause   error
	updates *bus.Bus
	now     func() time.Time
}

// NewMachine creates a machine in Idle. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Idle, since: time.Now(), updates: b, now: time.Now}
}

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

// Cause returns the error that moved the machine to Failed, if any.
func (m *Machine) Cause() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cause
}

func (m *Machine) Transition(to State) error {
	return m.move(to, nil)
}

// Fail moves to Failed and remembers why.
func (m *Machine) Fail(cause error) error {
	return m.move(Failed, cause)
}

func (m *Machine) move(to State, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !edges[from][to] {
		return &TransitionError{From: from, To: to}
	}
	at := m.now()
	m.current, m.since = to, at
	if to == Failed {
		m.cause = cause
	}
	if m.updates == nil {
		return nil
	}
	m.updates.Publish(bus.Event{
		Topic:     Topic,
		Kind:      "session.status_changed",
		Timestamp: at,
		Payload:   StatusChange{From: from, To: to, Cause: cause},
	})
	return nil
}
