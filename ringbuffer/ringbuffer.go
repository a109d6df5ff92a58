// Package ringbuffer implements a bounded single-producer, multi-consumer
// ring. Each consumer reads through its own [Cursor], at its own pace, and
// every consumer observes the same items (no per-consumer copies).
//
// When the ring is full, the [Policy] decides: [Block] makes the producer
// wait for the slowest consumer, [Drop] overwrites, and consumers that fall
// more than a full ring behind observe a single [*GapError] before resuming
// at the oldest item still held.
package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-reactor/internal/syncx"
	"golang.org/x/sys/cpu"
)

// Standard errors.
var (
	ErrWouldBlockTimeout = errors.New("ringbuffer: would block: timed out")
	ErrGapDetected       = errors.New("ringbuffer: gap detected")
	ErrEmpty             = errors.New("ringbuffer: empty")
	ErrClosed            = errors.New("ringbuffer: closed")
	ErrDetached          = errors.New("ringbuffer: cursor detached")
	ErrInvalidCapacity   = errors.New("ringbuffer: capacity must be positive")
)

// GapError is returned by a read when the cursor was overrun, under the Drop
// policy. The cursor has already moved to the oldest item still held.
type GapError struct {
	// Skipped is the number of items the cursor missed.
	Skipped uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("ringbuffer: gap detected: skipped %d item(s)", e.Skipped)
}

// Is matches [ErrGapDetected].
func (e *GapError) Is(target error) bool {
	return target == ErrGapDetected
}

type slot[T any] struct {
	mu  sync.RWMutex
	seq uint64
	val T
}

// Ring is a bounded SPMC ring buffer. Sequence numbers start at 1.
type Ring[T any] struct {
	_    cpu.CacheLinePad
	head atomic.Uint64 // last published sequence
	_    cpu.CacheLinePad
	// retained is the oldest sequence that may still be read. Under Block it
	// trails the slowest cursor, and only the producer path or Detach
	// advance it.
	retained atomic.Uint64
	_        cpu.CacheLinePad

	slots []slot[T]
	// mask is capacity-1 for power of two capacities, zero otherwise
	mask     uint64
	capacity uint64
	opts     *ringOptions

	publishMu sync.Mutex
	closed    atomic.Bool

	cursorsMu sync.Mutex
	cursors   map[uint64]*Cursor[T]
	cursorSeq uint64
	notify    atomic.Pointer[[]func()]

	// published wakes readers, advanced wakes the producer
	published syncx.Notifier
	advanced  syncx.Notifier
}

// New constructs a ring holding exactly capacity items. Power of two
// capacities index slots with a mask, others with a modulo.
func New[T any](capacity int, opts ...Option) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	o, err := resolveRingOptions(opts)
	if err != nil {
		return nil, err
	}
	c := uint64(capacity)
	r := &Ring[T]{
		slots:    make([]slot[T], c),
		capacity: c,
		opts:     o,
		cursors:  make(map[uint64]*Cursor[T]),
	}
	if c&(c-1) == 0 {
		r.mask = c - 1
	}
	r.retained.Store(1)
	return r, nil
}

func (r *Ring[T]) slot(seq uint64) *slot[T] {
	if r.mask != 0 || r.capacity == 1 {
		return &r.slots[seq&r.mask]
	}
	return &r.slots[seq%r.capacity]
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return int(r.capacity) }

// Policy returns the full-ring policy.
func (r *Ring[T]) Policy() Policy { return r.opts.policy }

// Head returns the sequence of the most recently published item, or 0.
func (r *Ring[T]) Head() uint64 { return r.head.Load() }

// Len returns the number of items held, that a replaying cursor could read.
func (r *Ring[T]) Len() int {
	head := r.head.Load()
	return int(head + 1 - r.oldest(head))
}

// Cursors returns the number of attached cursors.
func (r *Ring[T]) Cursors() int {
	r.cursorsMu.Lock()
	defer r.cursorsMu.Unlock()
	return len(r.cursors)
}

// Closed reports whether Close has been called.
func (r *Ring[T]) Closed() bool { return r.closed.Load() }

func (r *Ring[T]) oldest(head uint64) uint64 {
	o := r.retained.Load()
	if head >= r.capacity {
		if v := head + 1 - r.capacity; v > o {
			o = v
		}
	}
	return o
}

// Publish appends item. Only one goroutine may publish at a time.
//
// Under Block, if the target slot still holds an item some cursor has not
// read (or, with no cursors attached, the ring is full), Publish waits until
// it is released, ctx is done, or the publish timeout passes, failing with
// ErrWouldBlockTimeout in the latter cases. Under Drop, Publish never waits.
func (r *Ring[T]) Publish(ctx context.Context, item T) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.closed.Load() {
		return ErrClosed
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	seq := r.head.Load() + 1

	if r.opts.policy == Block && seq >= r.retained.Load()+r.capacity {
		var deadline time.Time
		if r.opts.publishTimeout > 0 {
			deadline = time.Now().Add(r.opts.publishTimeout)
		}
		err := r.advanced.WaitFor(ctx, deadline, func() bool {
			return r.closed.Load() || seq < r.refreshRetained()+r.capacity
		})
		if err != nil {
			if errors.Is(err, syncx.ErrTimeout) {
				return ErrWouldBlockTimeout
			}
			return fmt.Errorf("%w: %w", ErrWouldBlockTimeout, err)
		}
		if r.closed.Load() {
			return ErrClosed
		}
	}

	s := r.slot(seq)
	s.mu.Lock()
	s.seq = seq
	s.val = item
	s.mu.Unlock()

	r.head.Store(seq)

	if r.opts.policy == Drop && seq >= r.capacity {
		if v := seq + 1 - r.capacity; v > r.retained.Load() {
			r.retained.Store(v)
		}
	}

	r.published.Broadcast()
	r.runNotify()

	return nil
}

// refreshRetained advances retained to the slowest cursor.
func (r *Ring[T]) refreshRetained() uint64 {
	r.cursorsMu.Lock()
	defer r.cursorsMu.Unlock()
	return r.refreshRetainedLocked()
}

func (r *Ring[T]) refreshRetainedLocked() uint64 {
	retained := r.retained.Load()
	if len(r.cursors) == 0 {
		return retained
	}
	low := ^uint64(0)
	for _, c := range r.cursors {
		if next := c.next.Load(); next < low {
			low = next
		}
	}
	if low > retained {
		r.retained.Store(low)
		return low
	}
	return retained
}

func (r *Ring[T]) runNotify() {
	if fns := r.notify.Load(); fns != nil {
		for _, fn := range *fns {
			fn()
		}
	}
}

func (r *Ring[T]) rebuildNotifyLocked() {
	var fns []func()
	for _, c := range r.cursors {
		if c.notifyFn != nil {
			fns = append(fns, c.notifyFn)
		}
	}
	if len(fns) == 0 {
		r.notify.Store(nil)
		return
	}
	r.notify.Store(&fns)
}

// Attach creates a cursor. With replayFromOldest, the cursor starts at the
// oldest item still held, otherwise it only observes items published after
// Attach returns.
func (r *Ring[T]) Attach(replayFromOldest bool) (*Cursor[T], error) {
	r.cursorsMu.Lock()
	defer r.cursorsMu.Unlock()
	if r.closed.Load() {
		return nil, ErrClosed
	}
	r.cursorSeq++
	c := &Cursor[T]{ring: r, id: r.cursorSeq}
	head := r.head.Load()
	if replayFromOldest {
		c.next.Store(r.oldest(head))
	} else {
		c.next.Store(head + 1)
	}
	r.cursors[c.id] = c
	return c, nil
}

// Close marks the ring closed. Publish fails with ErrClosed, and readers
// receive ErrClosed once they have read every remaining item. A Publish
// racing with Close may or may not be observed by readers.
func (r *Ring[T]) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	r.advanced.Broadcast()
	r.published.Broadcast()
	r.runNotify()
	return nil
}

// Cursor is a consumer's position in a ring. A cursor must only be read by
// one goroutine at a time.
type Cursor[T any] struct {
	_        cpu.CacheLinePad
	next     atomic.Uint64
	_        cpu.CacheLinePad
	ring     *Ring[T]
	notifyFn func()
	id       uint64
	detached atomic.Bool
}

// ID returns the cursor's identifier, unique within its ring.
func (c *Cursor[T]) ID() uint64 { return c.id }

// Next returns the sequence of the next item to be read.
func (c *Cursor[T]) Next() uint64 { return c.next.Load() }

// Lag returns the number of published items not yet read.
func (c *Cursor[T]) Lag() uint64 {
	next, head := c.next.Load(), c.ring.head.Load()
	if next > head {
		return 0
	}
	return head - next + 1
}

// SetNotify registers fn to be called, on the producer's goroutine, after
// every publish and on Close. fn must not block. A nil fn removes the hook.
func (c *Cursor[T]) SetNotify(fn func()) error {
	r := c.ring
	r.cursorsMu.Lock()
	defer r.cursorsMu.Unlock()
	if c.detached.Load() {
		return ErrDetached
	}
	c.notifyFn = fn
	r.rebuildNotifyLocked()
	return nil
}

// Detach removes the cursor. Blocked reads on the cursor return ErrDetached.
func (c *Cursor[T]) Detach() error {
	r := c.ring
	r.cursorsMu.Lock()
	if !c.detached.CompareAndSwap(false, true) {
		r.cursorsMu.Unlock()
		return ErrDetached
	}
	delete(r.cursors, c.id)
	r.rebuildNotifyLocked()
	if r.opts.policy == Block {
		if len(r.cursors) == 0 {
			// the backlog starts where the last cursor left off
			if next := c.next.Load(); next > r.retained.Load() {
				r.retained.Store(next)
			}
		} else {
			r.refreshRetainedLocked()
		}
	}
	r.cursorsMu.Unlock()

	r.advanced.Broadcast()
	r.published.Broadcast()
	return nil
}

// TryRead reads the next item without blocking, failing with ErrEmpty if
// there is none.
func (c *Cursor[T]) TryRead() (T, error) {
	return c.read(context.Background(), false, time.Time{})
}

// Read reads the next item. If blocking, it waits for the next publish, for
// at most timeout if positive, failing with ErrWouldBlockTimeout on expiry.
// If not blocking, it fails with ErrEmpty if there is no item.
//
// Under Drop, a read by an overrun cursor returns a [*GapError] instead of
// an item, and the following read resumes in order.
func (c *Cursor[T]) Read(blocking bool, timeout time.Duration) (T, error) {
	var deadline time.Time
	if blocking && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return c.read(context.Background(), blocking, deadline)
}

// ReadContext reads the next item, blocking until one is published or ctx
// is done.
func (c *Cursor[T]) ReadContext(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.read(ctx, true, time.Time{})
}

func (c *Cursor[T]) read(ctx context.Context, blocking bool, deadline time.Time) (T, error) {
	var zero T
	r := c.ring
	for {
		if c.detached.Load() {
			return zero, ErrDetached
		}
		if item, ok, err := c.poll(); ok {
			return item, err
		}
		if r.closed.Load() {
			// items published before Close are still delivered
			if item, ok, err := c.poll(); ok {
				return item, err
			}
			return zero, ErrClosed
		}
		if !blocking {
			return zero, ErrEmpty
		}
		err := r.published.WaitFor(ctx, deadline, func() bool {
			return c.detached.Load() || r.closed.Load() || c.next.Load() <= r.head.Load()
		})
		if err != nil {
			if errors.Is(err, syncx.ErrTimeout) {
				return zero, ErrWouldBlockTimeout
			}
			return zero, err
		}
	}
}

// poll attempts a single read. ok is false if no item is available.
func (c *Cursor[T]) poll() (item T, ok bool, err error) {
	r := c.ring
	for {
		next := c.next.Load()
		head := r.head.Load()
		if next > head {
			return item, false, nil
		}

		if r.opts.policy == Drop && head >= r.capacity && next <= head-r.capacity {
			oldest := head - r.capacity + 1
			c.next.Store(oldest)
			return item, true, &GapError{Skipped: oldest - next}
		}

		s := r.slot(next)
		s.mu.RLock()
		seq, val := s.seq, s.val
		s.mu.RUnlock()
		if seq != next {
			// overwritten since head was loaded
			continue
		}

		c.next.Store(next + 1)
		if r.opts.policy == Block {
			r.advanced.Broadcast()
		}
		return val, true, nil
	}
}
