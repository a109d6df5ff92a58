// Package syncx holds the small synchronization building blocks shared by the
// ring buffer and the event loop: a reader/writer lock contract, a counting
// semaphore with bounded acquisition, and a broadcast notifier.
package syncx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned by the bounded wait helpers when the deadline passes
// before the condition is met.
var ErrTimeout = errors.New("syncx: timed out")

// RWLocker is the mutual exclusion contract used for data that has one writer
// and many readers. [sync.RWMutex] satisfies it.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

var _ RWLocker = (*sync.RWMutex)(nil)

// Semaphore is a counting semaphore.
type Semaphore struct {
	w *semaphore.Weighted
	n int64
}

// NewSemaphore returns a semaphore with n permits. It panics if n < 1.
func NewSemaphore(n int64) *Semaphore {
	if n < 1 {
		panic(`syncx: semaphore size must be positive`)
	}
	return &Semaphore{w: semaphore.NewWeighted(n), n: n}
}

// Size returns the total number of permits.
func (x *Semaphore) Size() int64 { return x.n }

// Acquire blocks until a permit is available or ctx is done.
func (x *Semaphore) Acquire(ctx context.Context) error {
	return x.w.Acquire(ctx, 1)
}

// TryAcquire takes a permit without blocking, reporting success.
func (x *Semaphore) TryAcquire() bool {
	return x.w.TryAcquire(1)
}

// AcquireTimeout blocks for at most d. A negative d blocks indefinitely, zero
// behaves like TryAcquire. Returns ErrTimeout on expiry.
func (x *Semaphore) AcquireTimeout(d time.Duration) error {
	if d == 0 {
		if x.TryAcquire() {
			return nil
		}
		return ErrTimeout
	}
	ctx := context.Background()
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := x.w.Acquire(ctx, 1); err != nil {
		return ErrTimeout
	}
	return nil
}

// Release returns a permit. Releasing more than was acquired panics.
func (x *Semaphore) Release() {
	x.w.Release(1)
}

// Notifier is a broadcast signal. Waiters block on the channel returned by
// [Notifier.Chan], which is closed by the next [Notifier.Broadcast].
//
// The usual protocol for a condition guarded by atomics is:
//
//	ch := n.Chan() // registers interest
//	if conditionMet() { n.Done(); return }
//	<-ch
//	n.Done()
//
// Broadcast is cheap when nobody is waiting.
type Notifier struct {
	mu      sync.Mutex
	ch      chan struct{}
	waiters atomic.Int64
}

// Chan registers the caller as a waiter and returns the channel that the next
// Broadcast will close. Every call must be paired with [Notifier.Done].
func (x *Notifier) Chan() <-chan struct{} {
	x.waiters.Add(1)
	x.mu.Lock()
	if x.ch == nil {
		x.ch = make(chan struct{})
	}
	ch := x.ch
	x.mu.Unlock()
	return ch
}

// Done deregisters a waiter.
func (x *Notifier) Done() {
	x.waiters.Add(-1)
}

// Waiting reports whether any waiter is registered.
func (x *Notifier) Waiting() bool {
	return x.waiters.Load() > 0
}

// Broadcast wakes every registered waiter.
func (x *Notifier) Broadcast() {
	if x.waiters.Load() <= 0 {
		return
	}
	x.mu.Lock()
	if x.ch != nil {
		close(x.ch)
		x.ch = nil
	}
	x.mu.Unlock()
}

// WaitFor blocks until cond returns true, ctx is done, or the deadline passes.
// A zero deadline means no deadline. cond is re-evaluated after every
// broadcast, and must be safe to call concurrently with the broadcaster.
func (x *Notifier) WaitFor(ctx context.Context, deadline time.Time, cond func() bool) error {
	if cond() {
		return nil
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return ErrTimeout
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}

	for {
		ch := x.Chan()
		if cond() {
			x.Done()
			return nil
		}
		select {
		case <-ch:
			x.Done()
		case <-timeout:
			x.Done()
			if cond() {
				return nil
			}
			return ErrTimeout
		case <-done:
			x.Done()
			return ctx.Err()
		}
	}
}
