// Package poller abstracts "wait for readiness" over a watched descriptor set.
//
// A [Multiplexer] is backed by one of several OS facilities, chosen at
// construction:
//   - Linux: epoll (default), poll(2)
//   - Darwin/BSD: kqueue (default), poll(2)
//
// Callers depend only on the register/modify/unregister/wait contract.
// Registration changes take effect on the next [Multiplexer.Wait] call.
//
// # Safety
//
// A Multiplexer is owned by a single goroutine (the event loop) and is not
// safe for concurrent use. Always Unregister a descriptor before closing it,
// to prevent stale readiness due to descriptor reuse.
package poller

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/go-reactor/internal/syncx"
)

// Interest is a set of readiness conditions.
type Interest uint32

const (
	// Readable indicates the descriptor is ready for reading.
	Readable Interest = 1 << iota
	// Writable indicates the descriptor is ready for writing.
	Writable
	// Error indicates an error condition on the descriptor. Error conditions
	// are always reported, regardless of the registered interest.
	Error
	// Hangup indicates the peer closed its end. Only ever reported.
	Hangup
)

// String returns a compact representation, e.g. "r|w".
func (x Interest) String() string {
	if x == 0 {
		return "none"
	}
	var parts []string
	if x&Readable != 0 {
		parts = append(parts, "r")
	}
	if x&Writable != 0 {
		parts = append(parts, "w")
	}
	if x&Error != 0 {
		parts = append(parts, "err")
	}
	if x&Hangup != 0 {
		parts = append(parts, "hup")
	}
	return strings.Join(parts, "|")
}

// Event is a single readiness notification.
type Event struct {
	FD    int
	Ready Interest
}

// Backend identifies the OS readiness facility behind a Multiplexer.
type Backend int

const (
	// BackendAuto selects the best facility for the platform.
	BackendAuto Backend = iota
	// BackendEpoll is Linux epoll(7), level triggered.
	BackendEpoll
	// BackendKqueue is BSD/Darwin kqueue(2).
	BackendKqueue
	// BackendPoll is the portable poll(2) facility.
	BackendPoll
)

func (x Backend) String() string {
	switch x {
	case BackendAuto:
		return "auto"
	case BackendEpoll:
		return "epoll"
	case BackendKqueue:
		return "kqueue"
	case BackendPoll:
		return "poll"
	default:
		return fmt.Sprintf("Backend(%d)", int(x))
	}
}

// ParseBackend is the inverse of [Backend.String].
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return BackendAuto, nil
	case "epoll":
		return BackendEpoll, nil
	case "kqueue":
		return BackendKqueue, nil
	case "poll":
		return BackendPoll, nil
	default:
		return 0, fmt.Errorf("poller: unknown backend %q", s)
	}
}

// Standard errors.
var (
	ErrCapacityExceeded    = errors.New("poller: descriptor capacity exceeded")
	ErrFDOutOfRange        = errors.New("poller: fd out of range")
	ErrFDAlreadyRegistered = errors.New("poller: fd already registered")
	ErrFDNotRegistered     = errors.New("poller: fd not registered")
	ErrClosed              = errors.New("poller: multiplexer closed")
	ErrBackendUnsupported  = errors.New("poller: backend not supported on this platform")
)

// Multiplexer waits for readiness on a set of descriptors.
type Multiplexer interface {
	// Register adds fd with the given interest.
	Register(fd int, interest Interest) error
	// Modify replaces the interest of a registered fd.
	Modify(fd int, interest Interest) error
	// Unregister removes fd.
	Unregister(fd int) error
	// Wait blocks until at least one descriptor is ready, the timeout
	// elapses, or the wait is interrupted by a registered wake descriptor.
	// A zero timeout polls without blocking, a negative timeout blocks
	// indefinitely. Ready descriptors are written to events, and the count
	// is returned. Interrupted system waits are retried internally.
	Wait(timeout time.Duration, events []Event) (int, error)
	// Len returns the number of registered descriptors.
	Len() int
	// Backend identifies the facility in use.
	Backend() Backend
	// Close releases the facility. Subsequent calls fail with ErrClosed.
	Close() error
}

type options struct {
	backend        Backend
	maxDescriptors int64
}

// Option configures New.
type Option func(*options)

// WithBackend selects the readiness facility. Defaults to BackendAuto.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithMaxDescriptors limits the number of registered descriptors, beyond the
// limits of the facility itself. Register fails with ErrCapacityExceeded once
// the limit is reached. Values <= 0 mean unlimited.
func WithMaxDescriptors(n int) Option {
	return func(o *options) { o.maxDescriptors = int64(n) }
}

// New opens a Multiplexer.
func New(opts ...Option) (Multiplexer, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	backend := o.backend
	if backend == BackendAuto {
		backend = defaultBackend
	}
	m, err := open(backend)
	if err != nil {
		return nil, err
	}
	if o.maxDescriptors > 0 {
		m = &limited{Multiplexer: m, permits: syncx.NewSemaphore(o.maxDescriptors)}
	}
	return m, nil
}

// limited enforces WithMaxDescriptors.
type limited struct {
	Multiplexer
	permits *syncx.Semaphore
}

func (x *limited) Register(fd int, interest Interest) error {
	if !x.permits.TryAcquire() {
		return fmt.Errorf("poller: register fd %d: %w (limit %d)", fd, ErrCapacityExceeded, x.permits.Size())
	}
	if err := x.Multiplexer.Register(fd, interest); err != nil {
		x.permits.Release()
		return err
	}
	return nil
}

func (x *limited) Unregister(fd int) error {
	if err := x.Multiplexer.Unregister(fd); err != nil {
		return err
	}
	x.permits.Release()
	return nil
}

// timeoutMillis converts a timeout to the millisecond form taken by the
// facilities, rounding sub-millisecond positive durations up.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	if d == 0 {
		return 0
	}
	if d < time.Millisecond {
		return 1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	const maxMillis = 1<<31 - 1
	if ms > maxMillis {
		return maxMillis
	}
	return int(ms)
}

// deadlineFor returns the absolute deadline for a Wait timeout, or the zero
// time for a blocking wait.
func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// remaining recomputes the timeout after an interrupted wait. ok is false if
// the deadline has already passed.
func remaining(timeout time.Duration, deadline time.Time) (time.Duration, bool) {
	if timeout <= 0 {
		return timeout, true
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0, false
	}
	return d, true
}

func wrapCapacity(op string, fd int, err error) error {
	return fmt.Errorf("poller: %s fd %d: %w: %w", op, fd, ErrCapacityExceeded, err)
}
