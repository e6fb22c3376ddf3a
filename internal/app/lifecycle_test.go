package app

import "testing"

func TestLifecycleHappyPath(t *testing.T) {
	l := NewLifecycle()
	path := []State{
		StateConnecting, StateRegistering, StateStarting,
		StateReady, StateDraining, StateStopping, StateStopped,
	}
	for _, s := range path {
		if err := l.Transition(s); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
		if l.State() != s {
			t.Fatalf("State() = %s, want %s", l.State(), s)
		}
	}
}

func TestLifecycleRejectsSkips(t *testing.T) {
	l := NewLifecycle()
	if err := l.Transition(StateReady); err == nil {
		t.Fatal("IDLE -> READY was allowed")
	}
	if l.State() != StateIdle {
		t.Fatalf("failed transition moved the state to %s", l.State())
	}
}

func TestLifecycleRejectsBackwards(t *testing.T) {
	l := NewLifecycle()
	mustTransition(t, l, StateConnecting, StateRegistering, StateStarting, StateReady)

	if err := l.Transition(StateConnecting); err == nil {
		t.Fatal("READY -> CONNECTING was allowed")
	}
}

func TestLifecycleEarlyStatesCanStop(t *testing.T) {
	for _, from := range []State{StateConnecting, StateRegistering, StateStarting} {
		l := NewLifecycle()
		mustTransition(t, l, StateConnecting)
		for s := StateRegistering; s <= from; s++ {
			mustTransition(t, l, s)
		}
		if err := l.Transition(StateStopping); err != nil {
			t.Fatalf("%s -> STOPPING: %v", from, err)
		}
	}
}

func TestLifecycleStoppedIsTerminal(t *testing.T) {
	l := NewLifecycle()
	mustTransition(t, l, StateConnecting, StateStopping, StateStopped)

	for s := StateIdle; s <= StateStopped; s++ {
		if err := l.Transition(s); err == nil {
			t.Fatalf("STOPPED -> %s was allowed", s)
		}
	}
}

func TestLifecycleRequire(t *testing.T) {
	l := NewLifecycle()
	if err := l.Require(StateIdle); err != nil {
		t.Fatalf("Require(IDLE): %v", err)
	}
	if err := l.Require(StateReady); err == nil {
		t.Fatal("Require(READY) passed in IDLE")
	}
}

func mustTransition(t *testing.T, l *Lifecycle, states ...State) {
	t.Helper()
	for _, s := range states {
		if err := l.Transition(s); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}
}
