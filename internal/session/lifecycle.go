package session

import (
	"sync"
)

// State of a browser session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAttached
	StateNavigating
	StateReattaching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	case StateNavigating:
		return "navigating"
	case StateReattaching:
		return "reattaching"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateAttached, StateDisconnected},
	StateAttached:     {StateNavigating, StateReattaching},
	StateNavigating:   {StateAttached},
	StateReattaching:  {StateAttached},
}

// Lifecycle guards the session state machine and remembers the primary target. Any state may
// move to Closed; Closed is terminal.
type Lifecycle struct {
	mu     sync.Mutex
	state  State
	target string
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Target returns the primary target id, empty unless attached.
func (l *Lifecycle) Target() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

// IsPrimary reports whether targetID is the current primary target.
func (l *Lifecycle) IsPrimary(targetID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return targetID != "" && targetID == l.target
}

func (l *Lifecycle) move(to State) error {
	if l.state == StateClosed {
		return ErrClosed
	}
	for _, allowed := range transitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return &InvalidTransitionError{From: l.state, To: to}
}

// Connect moves Disconnected to Connecting.
func (l *Lifecycle) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(StateConnecting)
}

// Fail returns a Connecting session to Disconnected.
func (l *Lifecycle) Fail() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(StateDisconnected)
}

// Attach records targetID as the primary target.
func (l *Lifecycle) Attach(targetID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.move(StateAttached); err != nil {
		return err
	}
	l.target = targetID
	return nil
}

// Navigate moves Attached to Navigating. Call Attach with the same target once done.
func (l *Lifecycle) Navigate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(StateNavigating)
}

// Reattach moves Attached to Reattaching. The old target stays primary until Attach.
func (l *Lifecycle) Reattach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(StateReattaching)
}

// Close moves any state to Closed and forgets the target. It reports whether this call closed it.
func (l *Lifecycle) Close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.state = StateClosed
	l.target = ""
	return true
}
