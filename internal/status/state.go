// Package status tracks the connection lifecycle as an explicit state
// machine with validated transitions.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tripmate/chatd/internal/bus"
)

// State is a connection lifecycle state.
type State string

const (
	// Disconnected is the initial state and the re-entrant state after any
	// failure or teardown.
	Disconnected State = "DISCONNECTED"
	// Connecting means a dial attempt is in flight.
	Connecting State = "CONNECTING"
	// Connected means the socket is authenticated and live.
	Connected State = "CONNECTED"
	// Stale means the socket is open at the transport layer but liveness
	// pongs stopped arriving; a forced reconnect follows.
	Stale State = "STALE"
	// AuthRequired means the server refused or revoked the credential.
	// No automatic reconnection happens from here.
	AuthRequired State = "AUTH_REQUIRED"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, AuthRequired},
	Connected:    {Stale, Disconnected, AuthRequired},
	Stale:        {Disconnected},
	AuthRequired: {Connecting},
}

// Change is the payload published on every state transition.
type Change struct {
	From State
	To   State
}

// Machine enforces connection state transitions and broadcasts every change
// on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state or returns an error if the move is not
// allowed from the current state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.KindConnStateChanged, Change{From: from, To: to})
	}
	return nil
}
