package app

import (
	"fmt"
	"sync"
)

// State is the application lifecycle phase. Transitions only move forward;
// a stopped application is never restarted in place.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRegistering
	StateStarting
	StateReady
	StateDraining
	StateStopping
	StateStopped
)

var stateNames = [...]string{
	"IDLE", "CONNECTING", "REGISTERING", "STARTING",
	"READY", "DRAINING", "STOPPING", "STOPPED",
}

func (s State) String() string {
	if s < StateIdle || s > StateStopped {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// validTransitions encodes the forward-only lifecycle graph. Any state may
// jump to STOPPING on fatal startup errors.
var validTransitions = map[State][]State{
	StateIdle:        {StateConnecting},
	StateConnecting:  {StateRegistering, StateStopping},
	StateRegistering: {StateStarting, StateStopping},
	StateStarting:    {StateReady, StateStopping},
	StateReady:       {StateDraining, StateStopping},
	StateDraining:    {StateStopping},
	StateStopping:    {StateStopped},
}

// Lifecycle tracks the current phase and rejects illegal transitions.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateIdle}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to the target state or fails without side effects.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, allowed := range validTransitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal lifecycle transition %s -> %s", l.state, to)
}

// Require fails unless the lifecycle is in the given state.
func (l *Lifecycle) Require(s State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != s {
		return fmt.Errorf("operation requires state %s, currently %s", s, l.state)
	}
	return nil
}
