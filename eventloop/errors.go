package eventloop

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-reactor/poller"
)

// Standard errors.
var (
	// ErrShuttingDown is returned by operations submitted after shutdown has
	// begun, and to waiters whose task was abandoned by shutdown.
	ErrShuttingDown = errors.New("eventloop: shutting down")

	// ErrLoopAlreadyRunning is returned when Run is called more than once.
	ErrLoopAlreadyRunning = errors.New("eventloop: loop is already running")

	// ErrReentrantRun is returned when Run is called from within the loop.
	ErrReentrantRun = errors.New("eventloop: cannot call Run from within the loop")

	// ErrTasksDropped is matched by [*TasksDroppedError].
	ErrTasksDropped = errors.New("eventloop: tasks dropped at shutdown")

	// ErrForeignHandle is returned when a handle is used with a loop other
	// than the one that registered it.
	ErrForeignHandle = errors.New("eventloop: handle belongs to another loop")

	// ErrHangup is passed to OnError when the peer closed its end and the
	// descriptor has no read interest to observe EOF.
	ErrHangup = errors.New("eventloop: descriptor hung up")

	// ErrDescriptor is passed to OnError when the descriptor reported an
	// error condition, but the underlying error could not be determined.
	ErrDescriptor = errors.New("eventloop: descriptor error condition")

	// ErrWakeClosed is returned by Signal after the wake channel is closed.
	ErrWakeClosed = errors.New("eventloop: wake channel closed")
)

// Re-exported multiplexer errors, for convenience.
var (
	ErrFDAlreadyRegistered = poller.ErrFDAlreadyRegistered
	ErrFDNotRegistered     = poller.ErrFDNotRegistered
	ErrCapacityExceeded    = poller.ErrCapacityExceeded
)

// TasksDroppedError reports tasks still queued when the shutdown grace
// expired. Those tasks never ran.
type TasksDroppedError struct {
	Dropped int
}

func (e *TasksDroppedError) Error() string {
	return fmt.Sprintf("eventloop: %d task(s) dropped at shutdown", e.Dropped)
}

// Is matches [ErrTasksDropped].
func (e *TasksDroppedError) Is(target error) bool {
	return target == ErrTasksDropped
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: callback panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FaultKind identifies the callback that faulted.
type FaultKind int

const (
	// FaultTask is a posted task.
	FaultTask FaultKind = iota
	// FaultTimer is a timer callback.
	FaultTimer
	// FaultReadable is an OnReadable handler.
	FaultReadable
	// FaultWritable is an OnWritable handler.
	FaultWritable
	// FaultError is an OnError handler, or an error condition on a
	// descriptor without one.
	FaultError
)

func (k FaultKind) String() string {
	switch k {
	case FaultTask:
		return "task"
	case FaultTimer:
		return "timer"
	case FaultReadable:
		return "readable"
	case FaultWritable:
		return "writable"
	case FaultError:
		return "error"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// CallbackFault describes a callback that panicked or returned an error. The
// loop recovers and continues, publishing the fault on [Loop.Faults].
type CallbackFault struct {
	Time time.Time
	Err  error
	Loop uint64
	Kind FaultKind
	// FD is the descriptor, or -1 for tasks and timers.
	FD int
}

func (e *CallbackFault) Error() string {
	if e.FD >= 0 {
		return fmt.Sprintf("eventloop: loop %d: %s callback fd %d: %v", e.Loop, e.Kind, e.FD, e.Err)
	}
	return fmt.Sprintf("eventloop: loop %d: %s callback: %v", e.Loop, e.Kind, e.Err)
}

func (e *CallbackFault) Unwrap() error { return e.Err }

// Panicked reports whether the callback panicked, as opposed to returning
// an error.
func (e *CallbackFault) Panicked() bool {
	var p PanicError
	return errors.As(e.Err, &p)
}
