package reactor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/poller"
	"github.com/joeycumines/go-reactor/pool"
	"github.com/joeycumines/go-reactor/timerwheel"
	"github.com/joeycumines/logiface"
)

// DefaultStopGrace bounds the shutdown triggered by the Start context.
const DefaultStopGrace = 5 * time.Second

// ErrStopped is returned by Runtime methods once Stop has been called.
var ErrStopped = pool.ErrPoolShuttingDown

// Config configures a [Runtime].
type Config struct {
	// Logger is used by every loop, and the pool. Nil disables logging.
	Logger *logiface.Logger[logiface.Event]

	// Loops is the number of event loops. Defaults to runtime.NumCPU().
	Loops int

	// Backend selects the readiness facility. Defaults to the platform's
	// native facility.
	Backend poller.Backend

	// MaxDescriptors caps the descriptors registered per loop, zero for no
	// cap beyond the facility's own.
	MaxDescriptors int

	// PinCPUs pins each loop's thread to a CPU (linux only). CPUs, if set,
	// lists the CPUs to use, assigned round robin.
	PinCPUs bool
	CPUs    []int

	// FaultBuffer sizes each loop's fault channel.
	FaultBuffer int

	// StopGrace bounds the shutdown triggered by the Start context.
	// Defaults to DefaultStopGrace.
	StopGrace time.Duration

	// LoopOptions are applied to every loop, after the above.
	LoopOptions []eventloop.LoopOption
}

// Runtime is a started pool of event loops, scoped to the context it was
// started with.
type Runtime struct {
	pool       *pool.Pool
	logger     *logiface.Logger[logiface.Event]
	faultsOnce sync.Once
	faults     chan *eventloop.CallbackFault
	stopOnce   sync.Once
	stopErr    error
	stopped    chan struct{}
}

// Start creates and starts a runtime. Once ctx is done, the runtime stops
// with the configured grace period.
func Start(ctx context.Context, cfg Config) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	n := cfg.Loops
	if n == 0 {
		n = runtime.NumCPU()
	}

	var loopOpts []eventloop.LoopOption
	if cfg.Backend != poller.BackendAuto {
		loopOpts = append(loopOpts, eventloop.WithBackend(cfg.Backend))
	}
	if cfg.MaxDescriptors != 0 {
		loopOpts = append(loopOpts, eventloop.WithMaxDescriptors(cfg.MaxDescriptors))
	}
	if cfg.FaultBuffer != 0 {
		loopOpts = append(loopOpts, eventloop.WithFaultBuffer(cfg.FaultBuffer))
	}
	loopOpts = append(loopOpts, cfg.LoopOptions...)

	poolOpts := []pool.Option{
		pool.WithLogger(cfg.Logger),
		pool.WithLoopOptions(loopOpts...),
	}
	if cfg.PinCPUs {
		poolOpts = append(poolOpts, pool.WithCPUPinning(cfg.CPUs...))
	}

	p, err := pool.New(n, poolOpts...)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}

	r := &Runtime{
		pool:    p,
		logger:  cfg.Logger,
		stopped: make(chan struct{}),
	}

	grace := cfg.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	go func() {
		select {
		case <-ctx.Done():
			if err := r.Stop(grace); err != nil {
				r.logger.Warning().Err(err).Log("runtime stopped with error")
			}
		case <-r.stopped:
		}
	}()

	return r, nil
}

// Pool returns the underlying pool.
func (r *Runtime) Pool() *pool.Pool { return r.pool }

// Loop returns the i-th loop.
func (r *Runtime) Loop(i int) *eventloop.Loop { return r.pool.Loop(i) }

// LoopFor returns the loop owning the given affinity key.
func (r *Runtime) LoopFor(key uint64) *eventloop.Loop { return r.pool.LoopFor(key) }

// Done is closed once Stop has completed.
func (r *Runtime) Done() <-chan struct{} { return r.stopped }

// Stop shuts down every loop, each draining its queued tasks within grace.
// Subsequent calls return the same result.
func (r *Runtime) Stop(grace time.Duration) error {
	r.stopOnce.Do(func() {
		r.stopErr = r.pool.StopTimeout(grace)
		close(r.stopped)
	})
	return r.stopErr
}

// RegisterDescriptor registers fd with the loop owning key. The descriptor
// stays on that loop until deregistered.
func (r *Runtime) RegisterDescriptor(key uint64, fd int, interest poller.Interest, handlers eventloop.Handlers) (*eventloop.Handle, error) {
	return translate(r.pool.LoopFor(key).RegisterDescriptor(fd, interest, handlers))
}

// UpdateInterest replaces the interest set of h.
func (r *Runtime) UpdateInterest(h *eventloop.Handle, interest poller.Interest) error {
	_, err := translate(struct{}{}, h.Loop().UpdateInterest(h, interest))
	return err
}

// Deregister removes h from its loop. No callback for h runs after
// Deregister returns.
func (r *Runtime) Deregister(h *eventloop.Handle) error {
	return h.Loop().Deregister(h)
}

// ScheduleOnce runs fn on loop after delay. A nil loop selects any loop.
func (r *Runtime) ScheduleOnce(loop *eventloop.Loop, delay time.Duration, fn func()) (*timerwheel.Token, error) {
	if loop == nil {
		loop = r.pool.Next()
	}
	return translate(loop.ScheduleOnce(delay, fn))
}

// ScheduleEvery runs fn on loop every interval. A nil loop selects any loop.
func (r *Runtime) ScheduleEvery(loop *eventloop.Loop, interval time.Duration, fn func()) (*timerwheel.Token, error) {
	if loop == nil {
		loop = r.pool.Next()
	}
	return translate(loop.ScheduleEvery(interval, fn))
}

// Cancel cancels a timer, reporting whether it was prevented from running
// (again).
func (r *Runtime) Cancel(tok *timerwheel.Token) bool {
	return tok.Cancel()
}

// Post runs fn on loop. A nil loop selects any loop, round robin.
func (r *Runtime) Post(loop *eventloop.Loop, fn func()) error {
	if loop == nil {
		return r.pool.Post(fn)
	}
	return r.pool.PostTo(loop, fn)
}

func translate[T any](v T, err error) (T, error) {
	if errors.Is(err, eventloop.ErrShuttingDown) {
		err = ErrStopped
	}
	return v, err
}

// Faults returns the faults of every loop, merged. The first call starts
// forwarding from the loops' own fault channels, which should not be read
// directly after that. The channel is closed once every loop has stopped.
func (r *Runtime) Faults() <-chan *eventloop.CallbackFault {
	r.faultsOnce.Do(func() {
		loops := r.pool.Loops()
		r.faults = make(chan *eventloop.CallbackFault, len(loops)*8)
		var wg sync.WaitGroup
		for _, loop := range loops {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.forwardFaults(loop)
			}()
		}
		go func() {
			wg.Wait()
			close(r.faults)
		}()
	})
	return r.faults
}

func (r *Runtime) forwardFaults(loop *eventloop.Loop) {
	src := loop.Faults()
	for {
		select {
		case f := <-src:
			select {
			case r.faults <- f:
			case <-loop.Done():
				r.offerFault(f)
			}
		case <-loop.Done():
			for {
				select {
				case f := <-src:
					r.offerFault(f)
				default:
					return
				}
			}
		}
	}
}

// offerFault delivers f if there is room, once its loop has stopped.
func (r *Runtime) offerFault(f *eventloop.CallbackFault) {
	select {
	case r.faults <- f:
	default:
		r.logger.Warning().
			Uint64("loop", f.Loop).
			Stringer("kind", f.Kind).
			Err(f.Err).
			Log("fault dropped after loop stopped")
	}
}

// DrainFaults calls handler for every fault, until ctx is done (returning
// its error) or every loop has stopped (returning nil).
func (r *Runtime) DrainFaults(ctx context.Context, handler func(*eventloop.CallbackFault)) error {
	faults := r.Faults()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-faults:
			if !ok {
				return nil
			}
			handler(f)
		}
	}
}
