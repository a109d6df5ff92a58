package reactor

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/ringbuffer"
)

// consumeBatch bounds the items handled per drain task, so a fast producer
// cannot starve the loop's descriptor callbacks.
const consumeBatch = 256

// NewRing creates a ring with the given full-ring policy.
func NewRing[T any](capacity int, policy ringbuffer.Policy, opts ...ringbuffer.Option) (*ringbuffer.Ring[T], error) {
	return ringbuffer.New[T](capacity, append([]ringbuffer.Option{ringbuffer.WithPolicy(policy)}, opts...)...)
}

// ConsumeFunc handles an item read from a ring. gap is non-nil (and item the
// zero value) if the cursor was overrun. Returning an error stops the
// consumer.
type ConsumeFunc[T any] func(item T, gap *ringbuffer.GapError) error

// Consumer drains a ring cursor on an event loop.
type Consumer[T any] struct {
	loop      *eventloop.Loop
	cursor    *ringbuffer.Cursor[T]
	fn        ConsumeFunc[T]
	done      chan struct{}
	err       error
	once      sync.Once
	scheduled atomic.Bool
	stopped   atomic.Bool
}

// Consume calls fn on loop for every item read through cursor. Reads are
// triggered by publishes (via the cursor's notify hook), and coalesced into a
// single drain task per loop iteration. The consumer owns cursor, detaching
// it when it stops: once the ring closes, fn fails, Stop is called, or the
// loop shuts down.
func Consume[T any](loop *eventloop.Loop, cursor *ringbuffer.Cursor[T], fn ConsumeFunc[T]) (*Consumer[T], error) {
	if fn == nil {
		return nil, eventloop.ErrNilCallback
	}
	c := &Consumer[T]{
		loop:   loop,
		cursor: cursor,
		fn:     fn,
		done:   make(chan struct{}),
	}
	if err := cursor.SetNotify(c.notify); err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-loop.Done():
			c.finish(eventloop.ErrShuttingDown)
		case <-c.done:
		}
	}()
	// anything already readable, e.g. when replaying
	c.notify()
	return c, nil
}

// Done is closed once the consumer has stopped.
func (c *Consumer[T]) Done() <-chan struct{} { return c.done }

// Err waits for the consumer to stop, then returns the reason: nil if the
// ring closed or Stop was called, otherwise the error from fn, or
// [eventloop.ErrShuttingDown] if the loop stopped first.
func (c *Consumer[T]) Err() error {
	<-c.done
	return c.err
}

// Stop stops the consumer and detaches its cursor. A drain already running
// on the loop may deliver at most one more item.
func (c *Consumer[T]) Stop() {
	c.finish(nil)
}

func (c *Consumer[T]) notify() {
	if c.stopped.Load() || !c.scheduled.CompareAndSwap(false, true) {
		return
	}
	if err := c.loop.Post(c.drain); err != nil {
		c.finish(err)
	}
}

func (c *Consumer[T]) drain() {
	c.scheduled.Store(false)
	for i := 0; i < consumeBatch; i++ {
		if c.stopped.Load() {
			return
		}
		item, err := c.cursor.TryRead()
		var gap *ringbuffer.GapError
		switch {
		case err == nil:
		case errors.As(err, &gap):
		case errors.Is(err, ringbuffer.ErrEmpty):
			return
		case errors.Is(err, ringbuffer.ErrClosed), errors.Is(err, ringbuffer.ErrDetached):
			c.finish(nil)
			return
		default:
			c.finish(err)
			return
		}
		if err := c.fn(item, gap); err != nil {
			c.finish(err)
			return
		}
	}
	// yield to the loop, then continue
	c.notify()
}

func (c *Consumer[T]) finish(err error) {
	c.once.Do(func() {
		c.stopped.Store(true)
		c.err = err
		_ = c.cursor.Detach()
		close(c.done)
	})
}
