package sshpool

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateResolving  ConnectionState = "resolving"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateDead       ConnectionState = "dead"
	StateDestroyed  ConnectionState = "destroyed"
)

func (s ConnectionState) String() string {
	return string(s)
}

// StateTransition records a state change for debugging.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateCallback is called when a connection's state changes.
type StateCallback func(key string, from, to ConnectionState)

// maxTransitionsPerKey limits the number of stored state transitions per key.
const maxTransitionsPerKey = 50

// StateTracker records connection states and transition history. It is safe
// for concurrent use so the API can read history without going through the
// loop.
type StateTracker struct {
	mu          sync.RWMutex
	states      map[string]ConnectionState
	transitions map[string][]StateTransition
	callbacks   []StateCallback
	now         func() time.Time
}

func NewStateTracker(now func() time.Time) *StateTracker {
	if now == nil {
		now = time.Now
	}
	return &StateTracker{
		states:      make(map[string]ConnectionState),
		transitions: make(map[string][]StateTransition),
		now:         now,
	}
}

// Get returns the current state for key, or StateIdle if none was set.
func (t *StateTracker) Get(key string) ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[key]
	if !ok {
		return StateIdle
	}
	return state
}

// Set updates the state for key. If it changed, the transition is recorded
// and callbacks fire outside the lock. Returns the previous state.
func (t *StateTracker) Set(key string, to ConnectionState) ConnectionState {
	t.mu.Lock()
	from, ok := t.states[key]
	if !ok {
		from = StateIdle
	}
	if from == to {
		t.mu.Unlock()
		return from
	}
	t.states[key] = to

	transitions := append(t.transitions[key], StateTransition{From: from, To: to, Timestamp: t.now()})
	if len(transitions) > maxTransitionsPerKey {
		transitions = transitions[len(transitions)-maxTransitionsPerKey:]
	}
	t.transitions[key] = transitions

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(key, from, to)
	}
	return from
}

// Remove drops the current state but keeps history, so a destroyed
// connection's past stays visible until the key is reused.
func (t *StateTracker) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, key)
}

// Transitions returns a copy of the recorded history for key.
func (t *StateTracker) Transitions(key string) []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.transitions[key]
	out := make([]StateTransition, len(src))
	copy(out, src)
	return out
}

// All returns a copy of every current state.
func (t *StateTracker) All() map[string]ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ConnectionState, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// OnStateChange registers a callback fired on every state change.
func (t *StateTracker) OnStateChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
