package eventloop

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// LoopState represents the current state of the event loop.
//
// State Machine:
//
//	StateCreated → StateRunning    [Run()]
//	StateCreated → StateStopped    [Shutdown() before Run()]
//	StateRunning → StateStopping   [Shutdown() or Run context cancelled]
//	StateStopping → StateStopped   [drain complete]
//	StateStopped → (terminal)
type LoopState uint64

const (
	// StateCreated indicates the loop has been created but not started.
	StateCreated LoopState = iota
	// StateRunning indicates the loop is processing events.
	StateRunning
	// StateStopping indicates shutdown has been requested, and the task
	// queue is being drained.
	StateStopping
	// StateStopped indicates the loop has released its resources.
	StateStopped
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state holder with cache-line padding.
type FastState struct { // betteralign:ignore
	_ cpu.CacheLinePad
	v atomic.Uint64
	_ cpu.CacheLinePad
}

// Load returns the current state atomically.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state. Only used for irreversible states.
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// CanAcceptWork returns true if the loop accepts new tasks.
func (s *FastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateCreated || state == StateRunning
}
