package runtime

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a strategy slot.
type State string

const (
	StateNew       State = "NEW"       // constructed, nothing loaded
	StateReady     State = "READY"     // state loaded, not consuming events
	StateRunning   State = "RUNNING"   // mailbox loop live
	StateStopping  State = "STOPPING"  // drain in progress
	StateStopped   State = "STOPPED"   // terminal until reset
	StateResetting State = "RESETTING" // clearing guards for a fresh run
)

// transition defines one valid lifecycle edge.
type transition struct {
	from, to State
}

var validTransitions = map[transition]string{
	{StateNew, StateReady}:         "state loaded",
	{StateReady, StateRunning}:     "started",
	{StateReady, StateStopped}:     "stopped before running",
	{StateRunning, StateStopping}:  "stop requested",
	{StateStopping, StateStopped}:  "drained",
	{StateStopped, StateResetting}: "reset requested",
	{StateResetting, StateReady}:   "re-armed",
}

// Lifecycle is a table-validated strategy state machine.
type Lifecycle struct {
	mu      sync.Mutex
	current State
}

// NewLifecycle starts at NEW.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{current: StateNew}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Transition moves to the target state, rejecting edges the table does not
// allow.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := validTransitions[transition{l.current, to}]; !ok {
		return fmt.Errorf("invalid lifecycle transition %s -> %s", l.current, to)
	}
	l.current = to
	return nil
}

// Is reports whether the lifecycle currently sits in any of the given states.
func (l *Lifecycle) Is(states ...State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range states {
		if l.current == s {
			return true
		}
	}
	return false
}
