// ABOUTME: Server lifecycle states and the observer list
// ABOUTME: Transitions fire in strict order; each observer sees each event once

package server

import "sync"

// State is a lifecycle state. The order is strict and total; ERROR is
// terminal and reachable from any state before STOPPING, including a READY
// server whose listener dies.
type State string

const (
	StateInstanced         State = "INSTANCED"
	StateInitializing      State = "INITIALIZING"
	StateInitialized       State = "INITIALIZED"
	StateStarting          State = "STARTING"
	StateStartingConnected State = "STARTING_CONNECTED"
	StateStarted           State = "STARTED"
	StateReady             State = "READY"
	StateStopping          State = "STOPPING"
	StateStopped           State = "STOPPED"
	StateError             State = "ERROR"
)

// Observer receives each state transition exactly once, in order. Observers
// run synchronously on the transitioning goroutine; slow observers delay
// state transitions.
type Observer func(State)

type lifecycle struct {
	mu        sync.Mutex
	state     State
	failure   error
	observers []Observer
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: StateInstanced}
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failure
}

func (l *lifecycle) subscribe(fn Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// transitionFrom moves to next only when the current state is from,
// notifying observers. It reports whether the transition happened.
func (l *lifecycle) transitionFrom(from, next State) bool {
	l.mu.Lock()
	if l.state != from {
		l.mu.Unlock()
		return false
	}
	l.state = next
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(next)
	}
	return true
}

// transition moves unconditionally.
func (l *lifecycle) transition(next State) {
	l.mu.Lock()
	l.state = next
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(next)
	}
}

// fail records the error and enters the terminal ERROR state.
func (l *lifecycle) fail(err error) {
	l.mu.Lock()
	l.failure = err
	l.mu.Unlock()
	l.transition(StateError)
}

// failIn enters ERROR only while the current state is one of from, so a
// late failure cannot clobber an orderly stop. It reports whether the
// transition happened.
func (l *lifecycle) failIn(err error, from ...State) bool {
	l.mu.Lock()
	current := l.state
	match := false
	for _, s := range from {
		if current == s {
			match = true
			break
		}
	}
	if !match {
		l.mu.Unlock()
		return false
	}
	l.failure = err
	l.state = StateError
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(StateError)
	}
	return true
}
