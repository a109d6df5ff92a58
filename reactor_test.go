//go:build linux || darwin || freebsd

package reactor

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/poller"
	"github.com/joeycumines/go-reactor/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const waitFor = 5 * time.Second

func startRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	r, err := Start(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop(waitFor) })
	for _, loop := range r.Pool().Loops() {
		require.Eventually(t, func() bool { return loop.State() == eventloop.StateRunning }, waitFor, time.Millisecond)
	}
	return r
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRuntime_ReadableUntilAllBytesConsumed(t *testing.T) {
	const total = 256 << 10

	r := startRuntime(t, Config{Loops: 2})

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	want := make([]byte, total)
	for i := range want {
		want[i] = byte(i % 251)
	}

	var (
		got       bytes.Buffer
		callbacks int
		done      = make(chan struct{})
	)
	h, err := r.RegisterDescriptor(7, fds[0], poller.Readable, eventloop.Handlers{
		OnReadable: func(fd int) error {
			callbacks++
			var buf [4096]byte
			n, err := unix.Read(fd, buf[:])
			if err == unix.EAGAIN {
				return nil
			}
			if err != nil {
				return err
			}
			got.Write(buf[:n])
			if got.Len() == total {
				close(done)
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.Same(t, r.LoopFor(7), h.Loop())

	go func() {
		b := want
		for len(b) != 0 {
			n, err := unix.Write(fds[1], b)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return
			}
			b = b[n:]
		}
	}()

	waitClosed(t, done, "all bytes")
	require.NoError(t, r.Deregister(h))

	// reads happened on the loop, the deregister above orders them before us
	assert.Equal(t, want, got.Bytes())
	assert.Greater(t, callbacks, 1)
}

func TestRuntime_UpdateInterest(t *testing.T) {
	r := startRuntime(t, Config{Loops: 1})
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	writable := make(chan struct{}, 1)
	h, err := r.RegisterDescriptor(0, fds[0], poller.Readable, eventloop.Handlers{
		OnReadable: func(int) error { return nil },
		OnWritable: func(int) error {
			select {
			case writable <- struct{}{}:
			default:
			}
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.UpdateInterest(h, poller.Readable|poller.Writable))
	waitClosed(t, writable, "writable")
	assert.Equal(t, poller.Readable|poller.Writable, h.Interest())
	require.NoError(t, r.Deregister(h))
}

func TestRuntime_TimersAndTasks(t *testing.T) {
	r := startRuntime(t, Config{Loops: 2})

	fired := make(chan struct{})
	_, err := r.ScheduleOnce(nil, time.Millisecond, func() { close(fired) })
	require.NoError(t, err)
	waitClosed(t, fired, "timer")

	var ticks atomic.Int32
	tok, err := r.ScheduleEvery(r.Loop(1), time.Millisecond, func() { ticks.Add(1) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, waitFor, time.Millisecond)
	assert.True(t, r.Cancel(tok))

	cancelled, err := r.ScheduleOnce(r.Loop(0), time.Hour, func() { t.Error("cancelled timer fired") })
	require.NoError(t, err)
	assert.True(t, r.Cancel(cancelled))

	ran := make(chan struct{})
	require.NoError(t, r.Post(r.Loop(0), func() { close(ran) }))
	waitClosed(t, ran, "task")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, r.Post(nil, wg.Done))
	}
	wg.Wait()
}

func TestRuntime_Stop(t *testing.T) {
	r, err := Start(context.Background(), Config{Loops: 2})
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, r.Post(nil, func() { ran.Add(1) }))
	}
	require.NoError(t, r.Stop(waitFor))
	assert.Equal(t, int32(20), ran.Load())
	waitClosed(t, r.Done(), "runtime done")

	assert.ErrorIs(t, r.Post(nil, func() {}), ErrStopped)
	_, err = r.ScheduleOnce(r.Loop(0), time.Millisecond, func() {})
	assert.ErrorIs(t, err, ErrStopped)
	_, err = r.RegisterDescriptor(1, 0, poller.Readable, eventloop.Handlers{})
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, r.Stop(waitFor))
}

func TestRuntime_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := Start(ctx, Config{Loops: 1, StopGrace: time.Second})
	require.NoError(t, err)
	cancel()
	waitClosed(t, r.Done(), "runtime done")
	for _, loop := range r.Pool().Loops() {
		assert.Equal(t, eventloop.StateStopped, loop.State())
	}
}

func TestRuntime_DrainFaults(t *testing.T) {
	r, err := Start(context.Background(), Config{Loops: 2})
	require.NoError(t, err)

	for i := 0; i < r.Pool().Len(); i++ {
		require.NoError(t, r.Post(r.Loop(i), func() { panic("boom") }))
	}

	var (
		mu     sync.Mutex
		faults []*eventloop.CallbackFault
	)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	drained := make(chan error, 1)
	go func() {
		drained <- r.DrainFaults(ctx, func(f *eventloop.CallbackFault) {
			mu.Lock()
			faults = append(faults, f)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(faults) == 2
	}, waitFor, time.Millisecond)

	require.NoError(t, r.Stop(waitFor))
	require.NoError(t, <-drained, "stream closes once every loop stops")

	loops := make(map[uint64]bool)
	for _, f := range faults {
		assert.Equal(t, eventloop.FaultTask, f.Kind)
		assert.True(t, f.Panicked())
		loops[f.Loop] = true
	}
	assert.Len(t, loops, 2)
}

func TestRuntime_DrainFaultsContext(t *testing.T) {
	r := startRuntime(t, Config{Loops: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.DrainFaults(ctx, func(*eventloop.CallbackFault) {}), context.Canceled)
}

func TestConsume_DeliversInOrder(t *testing.T) {
	const total = 2000
	r := startRuntime(t, Config{Loops: 2})

	ring, err := NewRing[int](8, ringbuffer.Block)
	require.NoError(t, err)
	cursor, err := ring.Attach(false)
	require.NoError(t, err)

	var (
		got  []int
		done = make(chan struct{})
	)
	c, err := Consume(r.Loop(1), cursor, func(item int, gap *ringbuffer.GapError) error {
		if gap != nil {
			return gap
		}
		got = append(got, item)
		if len(got) == total {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 1; i <= total; i++ {
		require.NoError(t, ring.Publish(context.Background(), i))
	}
	waitClosed(t, done, "items")

	require.NoError(t, ring.Close())
	waitClosed(t, c.Done(), "consumer")
	require.NoError(t, c.Err())
	assert.Zero(t, ring.Cursors())

	for i, v := range got {
		if v != i+1 {
			t.Fatalf("item %d: got %d", i, v)
		}
	}
}

func TestConsume_ReportsGap(t *testing.T) {
	r := startRuntime(t, Config{Loops: 1})

	ring, err := NewRing[int](4, ringbuffer.Drop)
	require.NoError(t, err)
	cursor, err := ring.Attach(false)
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		require.NoError(t, ring.Publish(context.Background(), i))
	}

	type result struct {
		item int
		gap  uint64
	}
	results := make(chan result, 16)
	_, err = Consume(r.Loop(0), cursor, func(item int, gap *ringbuffer.GapError) error {
		if gap != nil {
			results <- result{gap: gap.Skipped}
		} else {
			results <- result{item: item}
		}
		return nil
	})
	require.NoError(t, err)

	for _, want := range []result{{gap: 6}, {item: 7}, {item: 8}, {item: 9}, {item: 10}} {
		select {
		case v := <-results:
			assert.Equal(t, want, v)
		case <-time.After(waitFor):
			t.Fatal("timed out")
		}
	}
}

func TestConsume_HandlerErrorStops(t *testing.T) {
	r := startRuntime(t, Config{Loops: 1})
	ring, err := NewRing[int](4, ringbuffer.Block, ringbuffer.WithPublishTimeout(waitFor))
	require.NoError(t, err)
	cursor, err := ring.Attach(false)
	require.NoError(t, err)

	errStop := errors.New("stop")
	c, err := Consume(r.Loop(0), cursor, func(item int, _ *ringbuffer.GapError) error {
		if item == 3 {
			return errStop
		}
		return nil
	})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, ring.Publish(context.Background(), i))
	}
	assert.ErrorIs(t, c.Err(), errStop)
	assert.Zero(t, ring.Cursors())

	// the detached cursor no longer holds the producer back
	for i := 4; i <= 7; i++ {
		require.NoError(t, ring.Publish(context.Background(), i))
	}
}

func TestConsume_StopsWithLoop(t *testing.T) {
	r, err := Start(context.Background(), Config{Loops: 1})
	require.NoError(t, err)
	ring, err := NewRing[string](4, ringbuffer.Drop)
	require.NoError(t, err)
	cursor, err := ring.Attach(false)
	require.NoError(t, err)

	c, err := Consume(r.Loop(0), cursor, func(string, *ringbuffer.GapError) error { return nil })
	require.NoError(t, err)

	require.NoError(t, r.Stop(waitFor))
	assert.ErrorIs(t, c.Err(), eventloop.ErrShuttingDown)
	assert.NoError(t, ring.Publish(context.Background(), "after"))
}

func TestConsume_Stop(t *testing.T) {
	r := startRuntime(t, Config{Loops: 1})
	ring, err := NewRing[int](4, ringbuffer.Block)
	require.NoError(t, err)
	cursor, err := ring.Attach(true)
	require.NoError(t, err)

	_, err = Consume[int](r.Loop(0), cursor, nil)
	assert.ErrorIs(t, err, eventloop.ErrNilCallback)

	c, err := Consume(r.Loop(0), cursor, func(int, *ringbuffer.GapError) error { return nil })
	require.NoError(t, err)
	c.Stop()
	waitClosed(t, c.Done(), "consumer")
	assert.NoError(t, c.Err())
	_, err = cursor.TryRead()
	assert.ErrorIs(t, err, ringbuffer.ErrDetached)
}
