// Package timerwheel implements the deadline-ordered timer store used by the
// event loop.
//
// Entries are kept in a binary heap ordered by deadline, then insertion
// order. Cancellation marks the entry's [Token] and is reclaimed lazily, when
// the entry reaches the top of the heap. A [Wheel] is owned by a single
// goroutine, however [Token.Cancel] may be called from any goroutine.
package timerwheel

import (
	"container/heap"
	"errors"
	"sync/atomic"
	"time"
)

// ErrInvalidInterval is returned when scheduling a repeating timer with a
// non-positive interval.
var ErrInvalidInterval = errors.New("timerwheel: interval must be positive")

var tokenIDCounter atomic.Uint64

const (
	tokenPending uint32 = iota
	tokenRunning
	tokenCancelled
	tokenFired
)

// Token identifies a scheduled timer, and is used to cancel it.
type Token struct {
	id        uint64
	state     atomic.Uint32
	repeating atomic.Bool
}

// NewToken allocates a token, for use with [Wheel.Add].
func NewToken() *Token {
	return &Token{id: tokenIDCounter.Add(1)}
}

// ID returns a process-unique identifier.
func (x *Token) ID() uint64 { return x.id }

// Cancel prevents any future firing of the timer, and reports whether it
// did so. A callback that is already running is not interrupted, and
// cancelling a one-shot timer from within its own callback returns false.
func (x *Token) Cancel() bool {
	if x == nil {
		return false
	}
	for {
		switch s := x.state.Load(); s {
		case tokenPending:
			if x.state.CompareAndSwap(s, tokenCancelled) {
				return true
			}
		case tokenRunning:
			if !x.repeating.Load() {
				return false
			}
			if x.state.CompareAndSwap(s, tokenCancelled) {
				return true
			}
		default:
			return false
		}
	}
}

// Cancelled reports whether Cancel succeeded.
func (x *Token) Cancelled() bool {
	return x != nil && x.state.Load() == tokenCancelled
}

// Done reports whether the timer will never fire again, either because it
// was cancelled, or because it was a one-shot timer that fired.
func (x *Token) Done() bool {
	if x == nil {
		return true
	}
	s := x.state.Load()
	return s == tokenCancelled || s == tokenFired
}

type entry struct {
	deadline time.Time
	seq      uint64
	interval time.Duration
	fn       func()
	token    *Token
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Wheel stores timers. The zero value is not usable, use [New].
type Wheel struct {
	clock func() time.Time
	heap  entryHeap
	seq   uint64
}

// Option configures New.
type Option func(*Wheel)

// WithClock overrides time.Now, used to reschedule repeating timers.
func WithClock(clock func() time.Time) Option {
	return func(w *Wheel) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// New constructs an empty Wheel.
func New(opts ...Option) *Wheel {
	w := &Wheel{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Now returns the current time, per the wheel's clock.
func (w *Wheel) Now() time.Time { return w.clock() }

// Schedule adds a one-shot timer, firing no earlier than delay from now.
func (w *Wheel) Schedule(delay time.Duration, fn func()) *Token {
	if delay < 0 {
		delay = 0
	}
	tok := NewToken()
	w.Add(tok, w.clock().Add(delay), 0, fn)
	return tok
}

// ScheduleRepeating adds a timer firing every interval, the first firing
// being one interval from now.
func (w *Wheel) ScheduleRepeating(interval time.Duration, fn func()) (*Token, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	tok := NewToken()
	w.Add(tok, w.clock().Add(interval), interval, fn)
	return tok, nil
}

// Add inserts an entry for a token allocated by [NewToken], with an absolute
// deadline. An interval of 0 means one-shot. Tokens already cancelled are
// ignored, which allows the deadline to be computed on one goroutine and the
// entry added later, on the owning goroutine.
func (w *Wheel) Add(tok *Token, deadline time.Time, interval time.Duration, fn func()) {
	if interval < 0 {
		interval = 0
	}
	tok.repeating.Store(interval > 0)
	if tok.Done() {
		return
	}
	w.seq++
	heap.Push(&w.heap, &entry{
		deadline: deadline,
		seq:      w.seq,
		interval: interval,
		fn:       fn,
		token:    tok,
	})
}

// reclaim pops cancelled entries from the top of the heap.
func (w *Wheel) reclaim() {
	for len(w.heap) != 0 && w.heap[0].token.Cancelled() {
		heap.Pop(&w.heap)
	}
}

// Next returns the earliest deadline of any live timer.
func (w *Wheel) Next() (time.Time, bool) {
	w.reclaim()
	if len(w.heap) == 0 {
		return time.Time{}, false
	}
	return w.heap[0].deadline, true
}

// Timeout converts [Wheel.Next] into a wait timeout relative to now: -1 if
// there are no timers, 0 if a timer is already due.
func (w *Wheel) Timeout(now time.Time) time.Duration {
	deadline, ok := w.Next()
	if !ok {
		return -1
	}
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Due is an entry removed from the wheel by [Wheel.PopDue]. It must be
// passed to [Wheel.Done] after its callback is run.
type Due struct {
	e *entry
}

// Deadline returns the time the entry was due.
func (x Due) Deadline() time.Time { return x.e.deadline }

// Func returns the callback.
func (x Due) Func() func() { return x.e.fn }

// Token returns the entry's token.
func (x Due) Token() *Token { return x.e.token }

// Repeating reports whether the entry has an interval.
func (x Due) Repeating() bool { return x.e.interval > 0 }

// PopDue removes the earliest live entry with a deadline at or before now,
// committing it to run: from this point Cancel no longer prevents the
// callback, which the caller must run before calling [Wheel.Done].
func (w *Wheel) PopDue(now time.Time) (Due, bool) {
	for {
		w.reclaim()
		if len(w.heap) == 0 || w.heap[0].deadline.After(now) {
			return Due{}, false
		}
		e := heap.Pop(&w.heap).(*entry)
		if e.token.state.CompareAndSwap(tokenPending, tokenRunning) {
			return Due{e: e}, true
		}
	}
}

// Done completes a popped entry. Repeating entries that were not cancelled
// are rescheduled one interval from the current time, so an overdue timer
// fires at most once per pass.
func (w *Wheel) Done(d Due) {
	e := d.e
	if e == nil {
		return
	}
	if e.interval == 0 {
		e.token.state.CompareAndSwap(tokenRunning, tokenFired)
		return
	}
	if !e.token.state.CompareAndSwap(tokenRunning, tokenPending) {
		return
	}
	e.deadline = w.clock().Add(e.interval)
	w.seq++
	e.seq = w.seq
	heap.Push(&w.heap, e)
}

// Fire runs every entry due at or before now, in deadline order, via run (or
// directly if run is nil). Returns the number of callbacks run.
func (w *Wheel) Fire(now time.Time, run func(fn func())) int {
	var n int
	for {
		d, ok := w.PopDue(now)
		if !ok {
			return n
		}
		if fn := d.Func(); fn != nil {
			if run != nil {
				run(fn)
			} else {
				fn()
			}
		}
		n++
		w.Done(d)
	}
}

// Len returns the number of stored entries, including cancelled entries not
// yet reclaimed.
func (w *Wheel) Len() int { return len(w.heap) }

// Live returns the number of entries that have not been cancelled.
func (w *Wheel) Live() int {
	var n int
	for _, e := range w.heap {
		if !e.token.Cancelled() {
			n++
		}
	}
	return n
}

// Clear cancels and removes every entry.
func (w *Wheel) Clear() int {
	n := len(w.heap)
	for i, e := range w.heap {
		e.token.Cancel()
		w.heap[i] = nil
	}
	w.heap = w.heap[:0]
	return n
}
