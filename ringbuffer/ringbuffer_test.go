package ringbuffer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func newRing(t *testing.T, capacity int, opts ...Option) *Ring[int] {
	t.Helper()
	r, err := New[int](capacity, opts...)
	require.NoError(t, err)
	return r
}

func publishAll(t *testing.T, r *Ring[int], from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		require.NoError(t, r.Publish(context.Background(), i))
	}
}

func TestNew_Capacity(t *testing.T) {
	for _, n := range [...]int{1, 2, 3, 4, 5, 1000} {
		r := newRing(t, n)
		assert.Equal(t, n, r.Cap(), "capacity %d", n)
	}

	_, err := New[int](0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = New[int](4, WithPolicy(Policy(7)))
	assert.Error(t, err)
	_, err = New[int](4, WithPublishTimeout(-time.Second))
	assert.Error(t, err)
}

func TestRing_OddCapacityBlock(t *testing.T) {
	r := newRing(t, 5, WithPublishTimeout(10*time.Millisecond))
	c, err := r.Attach(false)
	require.NoError(t, err)

	publishAll(t, r, 1, 5)
	assert.ErrorIs(t, r.Publish(context.Background(), 6), ErrWouldBlockTimeout)
	assert.Equal(t, 5, r.Len())

	// wraps around the slots more than once
	for want := 1; want <= 12; want++ {
		v, err := c.TryRead()
		require.NoError(t, err)
		assert.Equal(t, want, v)
		require.NoError(t, r.Publish(context.Background(), want+5))
	}
}

func TestRing_OddCapacityDropGap(t *testing.T) {
	r := newRing(t, 5, WithPolicy(Drop))
	c, err := r.Attach(false)
	require.NoError(t, err)

	publishAll(t, r, 1, 7)
	assert.Equal(t, 5, r.Len())

	_, err = c.TryRead()
	var gap *GapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, uint64(2), gap.Skipped)
	for want := 3; want <= 7; want++ {
		v, err := c.TryRead()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	_, err = c.TryRead()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("DROP")
	require.NoError(t, err)
	assert.Equal(t, Drop, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Block, p)
	_, err = ParsePolicy("spill")
	assert.Error(t, err)
	assert.Equal(t, "block", Block.String())
	assert.Equal(t, "Policy(9)", Policy(9).String())
}

func TestRing_BlockWithNoConsumers(t *testing.T) {
	r := newRing(t, 4, WithPublishTimeout(20*time.Millisecond))
	publishAll(t, r, 1, 4)
	assert.Equal(t, 4, r.Len())

	start := time.Now()
	err := r.Publish(context.Background(), 5)
	assert.ErrorIs(t, err, ErrWouldBlockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, uint64(4), r.Head())

	c, err := r.Attach(true)
	require.NoError(t, err)
	v, err := c.TryRead()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, r.Publish(context.Background(), 5))
	assert.ErrorIs(t, r.Publish(context.Background(), 6), ErrWouldBlockTimeout)

	for want := 2; want <= 5; want++ {
		v, err := c.TryRead()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	_, err = c.TryRead()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRing_BlockUnblocksOnRead(t *testing.T) {
	r := newRing(t, 2)
	c, err := r.Attach(false)
	require.NoError(t, err)
	publishAll(t, r, 1, 2)

	published := make(chan error, 1)
	go func() { published <- r.Publish(context.Background(), 3) }()

	select {
	case err := <-published:
		t.Fatalf("publish did not block: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	v, err := c.TryRead()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("publish still blocked")
	}
}

func TestRing_BlockPublishContext(t *testing.T) {
	r := newRing(t, 1)
	publishAll(t, r, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := r.Publish(ctx, 2)
	assert.ErrorIs(t, err, ErrWouldBlockTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRing_BlockNeverOverwritesUnread(t *testing.T) {
	const total = 20000
	r := newRing(t, 8)
	var cursors []*Cursor[int]
	for i := 0; i < 3; i++ {
		c, err := r.Attach(true)
		require.NoError(t, err)
		cursors = append(cursors, c)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(cursors))
	for _, c := range cursors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for want := 1; want <= total; want++ {
				v, err := c.ReadContext(context.Background())
				if err != nil {
					errs <- err
					return
				}
				if v != want {
					errs <- assert.AnError
					return
				}
			}
		}()
	}

	publishAll(t, r, 1, total)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRing_DropGap(t *testing.T) {
	r := newRing(t, 4, WithPolicy(Drop))
	c, err := r.Attach(false)
	require.NoError(t, err)

	publishAll(t, r, 1, 10)
	assert.Equal(t, uint64(10), c.Lag())

	_, err = c.TryRead()
	var gap *GapError
	require.ErrorAs(t, err, &gap)
	assert.ErrorIs(t, err, ErrGapDetected)
	assert.Equal(t, uint64(6), gap.Skipped)

	for want := 7; want <= 10; want++ {
		v, err := c.TryRead()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	_, err = c.TryRead()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRing_DropNeverBlocks(t *testing.T) {
	r := newRing(t, 2, WithPolicy(Drop))
	_, err := r.Attach(false)
	require.NoError(t, err)
	publishAll(t, r, 1, 100)
	assert.Equal(t, 2, r.Len())
}

func TestRing_AttachReplay(t *testing.T) {
	r := newRing(t, 4, WithPolicy(Drop))
	publishAll(t, r, 1, 6)

	replay, err := r.Attach(true)
	require.NoError(t, err)
	future, err := r.Attach(false)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Cursors())

	v, err := replay.TryRead()
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = future.TryRead()
	assert.ErrorIs(t, err, ErrEmpty)

	publishAll(t, r, 7, 7)
	v, err = future.TryRead()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, uint64(4), replay.Lag())
}

func TestRing_MultipleConsumersSeeEveryItem(t *testing.T) {
	r := newRing(t, 4)
	a, err := r.Attach(false)
	require.NoError(t, err)
	b, err := r.Attach(false)
	require.NoError(t, err)

	publishAll(t, r, 1, 4)
	for want := 1; want <= 4; want++ {
		v, err := a.TryRead()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	// b still holds everything back
	assert.ErrorIs(t, r.Publish(ctxTimeout(t, 10*time.Millisecond), 5), ErrWouldBlockTimeout)
	for want := 1; want <= 4; want++ {
		v, err := b.TryRead()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	require.NoError(t, r.Publish(context.Background(), 5))
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestCursor_ReadTimeout(t *testing.T) {
	r := newRing(t, 4)
	c, err := r.Attach(false)
	require.NoError(t, err)

	_, err = c.Read(false, 0)
	assert.ErrorIs(t, err, ErrEmpty)

	start := time.Now()
	_, err = c.Read(true, 15*time.Millisecond)
	assert.ErrorIs(t, err, ErrWouldBlockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.Publish(context.Background(), 42)
	}()
	v, err := c.Read(true, waitFor)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCursor_Detach(t *testing.T) {
	r := newRing(t, 2, WithPublishTimeout(10*time.Millisecond))
	c, err := r.Attach(false)
	require.NoError(t, err)

	blocked := make(chan error, 1)
	go func() {
		_, err := c.ReadContext(context.Background())
		blocked <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Detach())
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrDetached)
	case <-time.After(waitFor):
		t.Fatal("read not woken by detach")
	}

	assert.ErrorIs(t, c.Detach(), ErrDetached)
	assert.ErrorIs(t, c.SetNotify(func() {}), ErrDetached)
	_, err = c.TryRead()
	assert.ErrorIs(t, err, ErrDetached)
	assert.Zero(t, r.Cursors())
}

func TestCursor_DetachReleasesProducer(t *testing.T) {
	r := newRing(t, 2, WithPublishTimeout(10*time.Millisecond))
	slow, err := r.Attach(false)
	require.NoError(t, err)
	fast, err := r.Attach(false)
	require.NoError(t, err)

	publishAll(t, r, 1, 2)
	for i := 0; i < 2; i++ {
		_, err := fast.TryRead()
		require.NoError(t, err)
	}
	assert.ErrorIs(t, r.Publish(context.Background(), 3), ErrWouldBlockTimeout)

	require.NoError(t, slow.Detach())
	require.NoError(t, r.Publish(context.Background(), 3))
}

func TestRing_Close(t *testing.T) {
	r := newRing(t, 4)
	c, err := r.Attach(false)
	require.NoError(t, err)
	publishAll(t, r, 1, 2)

	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Close(), ErrClosed)
	assert.True(t, r.Closed())
	assert.ErrorIs(t, r.Publish(context.Background(), 3), ErrClosed)
	_, err = r.Attach(false)
	assert.ErrorIs(t, err, ErrClosed)

	for want := 1; want <= 2; want++ {
		v, err := c.Read(true, waitFor)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	_, err = c.Read(true, waitFor)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRing_CloseWakesBlockedProducer(t *testing.T) {
	r := newRing(t, 1)
	publishAll(t, r, 1, 1)
	published := make(chan error, 1)
	go func() { published <- r.Publish(context.Background(), 2) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Close())
	select {
	case err := <-published:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("publish not woken by close")
	}
}

func TestCursor_SetNotify(t *testing.T) {
	r := newRing(t, 8)
	c, err := r.Attach(false)
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, c.SetNotify(func() { calls.Add(1) }))
	publishAll(t, r, 1, 3)
	assert.Equal(t, int32(3), calls.Load())

	require.NoError(t, c.SetNotify(nil))
	publishAll(t, r, 4, 4)
	assert.Equal(t, int32(3), calls.Load())

	require.NoError(t, c.SetNotify(func() { calls.Add(1) }))
	require.NoError(t, r.Close())
	assert.Equal(t, int32(4), calls.Load())
}

func TestRing_DropConcurrentReaders(t *testing.T) {
	const total = 50000
	r, err := New[uint64](16, WithPolicy(Drop))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		c, err := r.Attach(false)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var (
				last    uint64
				skipped uint64
				got     uint64
			)
			for {
				v, err := c.ReadContext(context.Background())
				if err == ErrClosed {
					break
				}
				if gap, ok := err.(*GapError); ok {
					skipped += gap.Skipped
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				got++
				if last != 0 {
					assert.Greater(t, v, last)
				}
				last = v
			}
			assert.Equal(t, uint64(total), got+skipped)
		}()
	}

	for i := uint64(1); i <= total; i++ {
		require.NoError(t, r.Publish(context.Background(), i))
	}
	require.NoError(t, r.Close())
	wg.Wait()
}

func TestRing_ReplayYieldsHeldItemsFirst(t *testing.T) {
	r := newRing(t, 4)
	publishAll(t, r, 1, 3)
	c, err := r.Attach(true)
	require.NoError(t, err)
	publishAll(t, r, 4, 4)

	for want := 1; want <= 4; want++ {
		v, err := c.TryRead()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	assert.Zero(t, c.Lag())
}
