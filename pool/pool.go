// Package pool distributes work over a fixed set of event loops, each running
// on a dedicated goroutine locked to its own OS thread.
//
// Loops are selected by affinity key (jump consistent hash, so the same key
// maps to the same loop for the lifetime of the pool), or round robin for
// work with no affinity. Round robin does not inspect load.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// Standard errors.
var (
	ErrPoolShuttingDown = errors.New("pool: shutting down")
	ErrInvalidSize      = errors.New("pool: size must be positive")
	ErrAlreadyStarted   = errors.New("pool: already started")
)

const (
	poolCreated int32 = iota
	poolRunning
	poolStopping
	poolStopped
)

// Pool is a fixed-size set of event loops.
type Pool struct {
	loops   []*eventloop.Loop
	opts    *poolOptions
	logger  *logiface.Logger[logiface.Event]
	done    chan struct{}
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	stopErr error
	next    atomic.Uint64
	state   atomic.Int32
}

// New creates n loops. They do not run until [Pool.Start].
func New(n int, opts ...Option) (*Pool, error) {
	if n <= 0 {
		return nil, ErrInvalidSize
	}
	o, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}

	loopOpts := o.loopOpts
	if o.logger != nil {
		loopOpts = append([]eventloop.LoopOption{eventloop.WithLogger(o.logger)}, loopOpts...)
	}

	p := &Pool{
		loops:  make([]*eventloop.Loop, 0, n),
		opts:   o,
		logger: o.logger,
		done:   make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		loop, err := eventloop.New(loopOpts...)
		if err != nil {
			for _, l := range p.loops {
				_ = l.Shutdown(context.Background())
			}
			return nil, err
		}
		p.loops = append(p.loops, loop)
	}
	return p, nil
}

// Start runs every loop on its own goroutine, locked to an OS thread (and
// pinned to a CPU, if configured). It returns once every loop is running, so
// a following Stop always drains.
func (p *Pool) Start() error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if !p.state.CompareAndSwap(poolCreated, poolRunning) {
		if p.state.Load() == poolRunning {
			return ErrAlreadyStarted
		}
		return ErrPoolShuttingDown
	}
	for i, loop := range p.loops {
		p.wg.Add(1)
		go p.runLoop(i, loop)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	for _, loop := range p.loops {
		<-loop.Started()
	}
	p.logger.Info().Int("loops", len(p.loops)).Log("pool started")
	return nil
}

func (p *Pool) runLoop(i int, loop *eventloop.Loop) {
	defer p.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if p.opts.pin {
		cpu := p.cpuFor(i)
		if err := pinThread(cpu); err != nil {
			p.logger.Warning().
				Uint64("loop", loop.ID()).
				Int("cpu", cpu).
				Err(err).
				Log("failed to pin loop thread")
		} else {
			p.logger.Debug().Uint64("loop", loop.ID()).Int("cpu", cpu).Log("pinned loop thread")
		}
	}

	if err := loop.Run(context.Background()); err != nil {
		p.logger.Err().Uint64("loop", loop.ID()).Err(err).Log("loop exited with error")
	}
}

func (p *Pool) cpuFor(i int) int {
	if len(p.opts.cpus) != 0 {
		return p.opts.cpus[i%len(p.opts.cpus)]
	}
	return i % runtime.NumCPU()
}

// Len returns the number of loops.
func (p *Pool) Len() int { return len(p.loops) }

// Loop returns the i-th loop.
func (p *Pool) Loop(i int) *eventloop.Loop { return p.loops[i] }

// Loops returns every loop, in index order.
func (p *Pool) Loops() []*eventloop.Loop {
	return append([]*eventloop.Loop(nil), p.loops...)
}

// Next returns loops in round robin order.
func (p *Pool) Next() *eventloop.Loop {
	return p.loops[(p.next.Add(1)-1)%uint64(len(p.loops))]
}

// LoopFor returns the loop for an affinity key. The mapping is stable for the
// lifetime of the pool.
func (p *Pool) LoopFor(key uint64) *eventloop.Loop {
	return p.loops[jumpHash(key, len(p.loops))]
}

// LoopForString is LoopFor, for string keys.
func (p *Pool) LoopForString(key string) *eventloop.Loop {
	return p.LoopFor(xxhash.Sum64String(key))
}

// Index returns the index of loop within the pool, or -1.
func (p *Pool) Index(loop *eventloop.Loop) int {
	for i, l := range p.loops {
		if l == loop {
			return i
		}
	}
	return -1
}

// Post runs fn on any loop, chosen round robin.
func (p *Pool) Post(fn func()) error {
	return p.PostTo(p.Next(), fn)
}

// PostTo runs fn on the given loop.
func (p *Pool) PostTo(loop *eventloop.Loop, fn func()) error {
	if s := p.state.Load(); s == poolStopping || s == poolStopped {
		return ErrPoolShuttingDown
	}
	if err := loop.Post(fn); err != nil {
		if errors.Is(err, eventloop.ErrShuttingDown) {
			return ErrPoolShuttingDown
		}
		return err
	}
	return nil
}

// Done is closed once every loop has stopped, after a successful Start.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Stats returns a snapshot of every loop's counters, in index order.
func (p *Pool) Stats() []eventloop.Stats {
	stats := make([]eventloop.Stats, len(p.loops))
	for i, loop := range p.loops {
		stats[i] = loop.Stats()
	}
	return stats
}

// Stop shuts down every loop concurrently, each draining its task queue
// within ctx, then waits for their goroutines to exit. Tasks dropped by any
// loop are summed into a single [*eventloop.TasksDroppedError]. Submissions
// fail with ErrPoolShuttingDown from the moment Stop is called. Subsequent
// calls return the same result.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	var started bool
	for {
		s := p.state.Load()
		if s == poolStopping || s == poolStopped {
			return p.stopErr
		}
		if p.state.CompareAndSwap(s, poolStopping) {
			started = s == poolRunning
			break
		}
	}

	dropped := make([]int, len(p.loops))
	var g errgroup.Group
	for i, loop := range p.loops {
		g.Go(func() error {
			err := loop.Shutdown(ctx)
			var tde *eventloop.TasksDroppedError
			if errors.As(err, &tde) {
				dropped[i] = tde.Dropped
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	if started {
		p.wg.Wait()
	}

	var total int
	for _, n := range dropped {
		total += n
	}
	if total != 0 {
		if err != nil {
			err = errors.Join(err, &eventloop.TasksDroppedError{Dropped: total})
		} else {
			err = &eventloop.TasksDroppedError{Dropped: total}
		}
	}

	p.stopErr = err
	p.state.Store(poolStopped)

	p.logger.Info().Int("dropped", total).Log("pool stopped")

	return err
}

// StopTimeout is Stop with a grace period.
func (p *Pool) StopTimeout(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return p.Stop(ctx)
}

// jumpHash is the jump consistent hash of Lamping and Veach.
func jumpHash(key uint64, buckets int) int {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
