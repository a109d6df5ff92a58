package eventloop

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-reactor/poller"
	"github.com/joeycumines/go-reactor/timerwheel"
	"github.com/joeycumines/logiface"
)

// ErrNilCallback is returned when a required callback is nil.
var ErrNilCallback = errors.New("eventloop: nil callback")

// Handlers are the callbacks for a registered descriptor. All are invoked on
// the loop goroutine. Any of them may be nil.
type Handlers struct {
	// OnReadable is called when the descriptor is readable, including at
	// EOF. A returned error is reported as a fault.
	OnReadable func(fd int) error
	// OnWritable is called when the descriptor is writable. A returned error
	// is reported as a fault.
	OnWritable func(fd int) error
	// OnError is called on an error condition, or on hangup if the
	// descriptor has no read handler to observe EOF. If nil, the descriptor
	// is deregistered and a fault is reported instead.
	OnError func(fd int, err error)
}

var handleIDCounter atomic.Uint64

// Handle is a descriptor registration, owned by exactly one loop.
type Handle struct {
	loop     *Loop
	handlers Handlers
	id       uint64
	fd       int
	interest atomic.Uint32
	active   atomic.Bool
}

// ID returns a process-unique identifier for the registration.
func (h *Handle) ID() uint64 { return h.id }

// FD returns the registered descriptor.
func (h *Handle) FD() int { return h.fd }

// Loop returns the owning loop.
func (h *Handle) Loop() *Loop { return h.loop }

// Interest returns the current interest set.
func (h *Handle) Interest() poller.Interest { return poller.Interest(h.interest.Load()) }

// Registered reports whether the handle has not been deregistered.
func (h *Handle) Registered() bool { return h.active.Load() }

type task struct {
	queued  time.Time
	fn      func()
	abandon func()
}

type readyHandle struct {
	h     *Handle
	ready poller.Interest
}

var loopIDCounter atomic.Uint64

// Loop is a single-threaded reactor. It waits for descriptor readiness,
// timer deadlines and posted tasks, and runs the corresponding callbacks on
// one goroutine, locked to an OS thread.
//
// Registration, scheduling and posting are safe from any goroutine. Calls
// made from a foreign goroutine are applied on the loop, and registration
// calls wait for the result.
type Loop struct {
	state FastState

	mux     poller.Multiplexer
	wake    *WakeChannel
	timers  *timerwheel.Wheel
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	faults  chan *CallbackFault
	started chan struct{}
	done    chan struct{}
	opts    *loopOptions

	// mu guards queue, stopCtx, and transitions out of StateRunning
	mu      sync.Mutex
	queue   *queue.Queue
	stopCtx context.Context
	stopErr error

	// startMu serializes Run, Shutdown, and direct registration before Run
	startMu   sync.Mutex
	startOnce sync.Once

	// dispatchMu is held by the loop goroutine while it dispatches descriptor
	// callbacks
	dispatchMu sync.Mutex

	// loop goroutine only
	handles map[int]*Handle
	events  []poller.Event
	ready   []readyHandle

	id              uint64
	loopGoroutineID atomic.Uint64

	iterations    atomic.Uint64
	tasksRun      atomic.Uint64
	timersFired   atomic.Uint64
	faultCount    atomic.Uint64
	faultsDropped atomic.Uint64
	descriptors   atomic.Int64
}

// New creates a loop, opening its multiplexer and wake channel. The loop
// does nothing until [Loop.Run] is called.
func New(opts ...LoopOption) (*Loop, error) {
	o, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	muxOpts := []poller.Option{poller.WithBackend(o.backend)}
	if o.maxDescriptors > 0 {
		// +1 for the wake channel
		muxOpts = append(muxOpts, poller.WithMaxDescriptors(o.maxDescriptors+1))
	}
	mux, err := poller.New(muxOpts...)
	if err != nil {
		return nil, err
	}

	wake, err := NewWakeChannel()
	if err != nil {
		_ = mux.Close()
		return nil, err
	}

	if err := mux.Register(wake.FD(), poller.Readable); err != nil {
		_ = mux.Close()
		_ = wake.Close()
		return nil, err
	}

	l := &Loop{
		id:      loopIDCounter.Add(1),
		mux:     mux,
		wake:    wake,
		timers:  timerwheel.New(),
		faults:  make(chan *CallbackFault, o.faultBuffer),
		started: make(chan struct{}),
		done:    make(chan struct{}),
		opts:    o,
		queue:   queue.New(),
		handles: make(map[int]*Handle),
		events:  make([]poller.Event, o.maxEvents),
	}

	if o.logger != nil {
		l.logger = o.logger.Clone().Uint64("loop", l.id).Logger()
	}
	if len(o.faultRates) != 0 {
		l.limiter = catrate.NewLimiter(o.faultRates)
	}

	l.logger.Debug().
		Str("backend", mux.Backend().String()).
		Log("event loop created")

	return l, nil
}

// ID returns a process-unique identifier for the loop.
func (l *Loop) ID() uint64 { return l.id }

// State returns the current lifecycle state.
func (l *Loop) State() LoopState { return l.state.Load() }

// Backend returns the multiplexer facility in use.
func (l *Loop) Backend() poller.Backend { return l.mux.Backend() }

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Started is closed once the loop has left StateCreated, either because Run
// began or because Shutdown was called first.
func (l *Loop) Started() <-chan struct{} { return l.started }

func (l *Loop) markStarted() { l.startOnce.Do(func() { close(l.started) }) }

// Faults returns the fault side channel. Faults are published without
// blocking, and dropped (see [Stats.FaultsDropped]) if the buffer is full.
// The channel is never closed.
func (l *Loop) Faults() <-chan *CallbackFault { return l.faults }

// Run runs the event loop on the calling goroutine, locked to its OS thread,
// until it is shut down. Cancelling ctx initiates shutdown (draining every
// queued task), in which case ctx.Err() is returned.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	l.startMu.Lock()
	if !l.state.TryTransition(StateCreated, StateRunning) {
		state := l.state.Load()
		l.startMu.Unlock()
		if state == StateRunning {
			return ErrLoopAlreadyRunning
		}
		return ErrShuttingDown
	}
	l.markStarted()
	l.startMu.Unlock()

	l.run(ctx)

	return ctx.Err()
}

func (l *Loop) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// wake the loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.requestStop(context.Background())
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Info().Log("event loop started")

	for l.state.Load() == StateRunning {
		l.tick()
	}

	l.finish()
}

// Shutdown stops the loop. Submissions fail with ErrShuttingDown from the
// moment Shutdown is called. Tasks already queued run until the queue is
// empty or ctx is done, after which the remaining tasks are dropped and
// reported as a [*TasksDroppedError]. Timers are cancelled, and the
// multiplexer and wake channel are closed.
//
// Shutdown blocks until the loop has stopped, unless called from the loop
// goroutine itself, in which case it returns nil immediately and the loop
// stops after the current callback returns. Every call returns the same
// result.
func (l *Loop) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l.startMu.Lock()
	if l.state.Load() == StateCreated {
		l.mu.Lock()
		l.state.Store(StateStopping)
		l.stopCtx = ctx
		l.mu.Unlock()
		l.markStarted()
		l.finish()
		l.startMu.Unlock()
		return l.stopErr
	}
	l.startMu.Unlock()

	l.requestStop(ctx)

	if l.isLoopThread() {
		return nil
	}

	<-l.done
	return l.stopErr
}

func (l *Loop) requestStop(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.TryTransition(StateRunning, StateStopping) {
		return false
	}
	l.stopCtx = ctx
	_ = l.wake.Signal()
	return true
}

// finish drains the task queue and releases resources. Called once, by the
// loop goroutine, or by Shutdown if the loop never ran.
func (l *Loop) finish() {
	l.mu.Lock()
	ctx := l.stopCtx
	l.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if l.loopGoroutineID.Load() != 0 {
		for ctx.Err() == nil {
			t, ok := l.popTask()
			if !ok {
				break
			}
			l.runTask(t)
		}
	}

	l.mu.Lock()
	abandoned := make([]*task, 0, l.queue.Length())
	for l.queue.Length() != 0 {
		abandoned = append(abandoned, l.queue.Remove().(*task))
	}
	_ = l.wake.Close()
	l.mu.Unlock()

	for _, t := range abandoned {
		if t.abandon != nil {
			t.abandon()
		}
	}

	cancelled := l.timers.Clear()

	for fd, h := range l.handles {
		h.active.Store(false)
		delete(l.handles, fd)
	}
	l.descriptors.Store(0)

	_ = l.mux.Close()

	if len(abandoned) != 0 {
		l.stopErr = &TasksDroppedError{Dropped: len(abandoned)}
	}

	l.state.Store(StateStopped)
	close(l.done)

	l.logger.Info().
		Int("dropped", len(abandoned)).
		Int("timers_cancelled", cancelled).
		Log("event loop stopped")
}

// tick runs a single iteration: wait, drain the wake channel, run due tasks
// and timers, then dispatch descriptor callbacks.
func (l *Loop) tick() {
	l.iterations.Add(1)

	n, err := l.mux.Wait(l.pollTimeout(), l.events)
	if err != nil {
		l.logger.Err().Err(err).Log("multiplexer wait failed")
		// avoid spinning on a persistent failure
		time.Sleep(time.Millisecond)
		n = 0
	}

	ready := l.ready[:0]
	wakeFD := l.wake.FD()
	for _, ev := range l.events[:n] {
		if ev.FD == wakeFD {
			l.wake.Drain()
			continue
		}
		if h := l.handles[ev.FD]; h != nil {
			ready = append(ready, readyHandle{h: h, ready: ev.Ready})
		}
	}

	l.runDue()

	if len(ready) != 0 {
		l.dispatchMu.Lock()
		for i := range ready {
			l.dispatch(ready[i].h, ready[i].ready)
			ready[i] = readyHandle{}
		}
		l.dispatchMu.Unlock()
	}
	l.ready = ready[:0]
}

func (l *Loop) pollTimeout() time.Duration {
	l.mu.Lock()
	queued := l.queue.Length()
	l.mu.Unlock()
	if queued != 0 || l.state.Load() != StateRunning {
		return 0
	}
	timeout := l.timers.Timeout(time.Now())
	if limit := l.opts.maxPollTimeout; limit > 0 && (timeout < 0 || timeout > limit) {
		timeout = limit
	}
	return timeout
}

// runDue runs the tasks queued at the start of the pass, merged with the
// timers due at the start of the pass, in timestamp order. Timers run first
// on equal timestamps.
func (l *Loop) runDue() {
	now := time.Now()

	l.mu.Lock()
	budget := l.queue.Length()
	l.mu.Unlock()

	for l.state.Load() == StateRunning {
		var (
			taskAt  time.Time
			hasTask bool
		)
		if budget > 0 {
			taskAt, hasTask = l.peekTask()
		}

		if deadline, ok := l.timers.Next(); ok && !deadline.After(now) && (!hasTask || !deadline.After(taskAt)) {
			if d, ok := l.timers.PopDue(now); ok {
				l.runTimer(d)
				continue
			}
		}

		if !hasTask {
			return
		}
		t, ok := l.popTask()
		if !ok {
			return
		}
		budget--
		l.runTask(t)
	}
}

func (l *Loop) peekTask() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queue.Length() == 0 {
		return time.Time{}, false
	}
	return l.queue.Peek().(*task).queued, true
}

func (l *Loop) popTask() (*task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queue.Length() == 0 {
		return nil, false
	}
	return l.queue.Remove().(*task), true
}

func (l *Loop) runTask(t *task) {
	l.tasksRun.Add(1)
	fn := t.fn
	_ = l.safeExecute(FaultTask, -1, func() error {
		fn()
		return nil
	})
}

func (l *Loop) runTimer(d timerwheel.Due) {
	l.timersFired.Add(1)
	fn := d.Func()
	_ = l.safeExecute(FaultTimer, -1, func() error {
		fn()
		return nil
	})
	l.timers.Done(d)
}

// dispatch invokes the handlers for a ready descriptor. The registration and
// loop state are re-checked before each callback, as any callback may
// deregister or shut the loop down.
func (l *Loop) dispatch(h *Handle, ready poller.Interest) {
	fd := h.fd

	if ready&poller.Error != 0 && l.live(h) {
		l.handleError(h, descriptorError(fd))
	}

	if ready&poller.Readable != 0 && h.Interest()&poller.Readable != 0 && l.live(h) && h.handlers.OnReadable != nil {
		_ = l.safeExecute(FaultReadable, fd, func() error { return h.handlers.OnReadable(fd) })
	}

	if ready&poller.Writable != 0 && h.Interest()&poller.Writable != 0 && l.live(h) && h.handlers.OnWritable != nil {
		_ = l.safeExecute(FaultWritable, fd, func() error { return h.handlers.OnWritable(fd) })
	}

	if ready&poller.Hangup != 0 && ready&poller.Error == 0 && l.live(h) &&
		(h.Interest()&poller.Readable == 0 || h.handlers.OnReadable == nil) {
		l.handleError(h, ErrHangup)
	}
}

// live reports whether h may still be dispatched. Once stopping, only the
// task queue is drained.
func (l *Loop) live(h *Handle) bool {
	return h.active.Load() && l.state.Load() == StateRunning
}

func (l *Loop) handleError(h *Handle, err error) {
	if h.handlers.OnError != nil {
		_ = l.safeExecute(FaultError, h.fd, func() error {
			h.handlers.OnError(h.fd, err)
			return nil
		})
		return
	}
	// level triggered: without a handler the condition would repeat forever
	l.reportFault(FaultError, h.fd, err)
	if derr := l.deregister(h); derr != nil {
		l.logger.Warning().Int("fd", h.fd).Err(derr).Log("failed to deregister faulted descriptor")
	}
}

// safeExecute runs fn, converting a panic or returned error into a fault.
func (l *Loop) safeExecute(kind FaultKind, fd int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r, Stack: debug.Stack()}
		}
		if err != nil {
			l.reportFault(kind, fd, err)
		}
	}()
	return fn()
}

func (l *Loop) reportFault(kind FaultKind, fd int, err error) {
	l.faultCount.Add(1)

	fault := &CallbackFault{
		Time: time.Now(),
		Err:  err,
		Loop: l.id,
		Kind: kind,
		FD:   fd,
	}

	select {
	case l.faults <- fault:
	default:
		l.faultsDropped.Add(1)
	}

	if l.logger == nil {
		return
	}
	if l.limiter != nil {
		if _, ok := l.limiter.Allow(kind); !ok {
			return
		}
	}
	l.logger.Err().
		Str("kind", kind.String()).
		Int("fd", fd).
		Bool("panic", fault.Panicked()).
		Err(err).
		Log("callback fault")
}

// Post queues fn to run on the loop goroutine, in FIFO order with other
// posted tasks. Fails with ErrShuttingDown once shutdown has begun.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}
	return l.post(&task{fn: fn})
}

func (l *Loop) post(t *task) error {
	t.queued = time.Now()
	l.mu.Lock()
	if !l.state.CanAcceptWork() {
		l.mu.Unlock()
		return ErrShuttingDown
	}
	l.queue.Add(t)
	// coalesced, cheap if already pending; under mu as finish closes the
	// wake channel under mu
	_ = l.wake.Signal()
	l.mu.Unlock()
	return nil
}

var errCallPanicked = errors.New("eventloop: loop call panicked")

// call runs fn on the loop goroutine and returns its result. Runs inline if
// called from the loop goroutine, or before the loop has started.
func (l *Loop) call(fn func() error) error {
	if l.isLoopThread() {
		return fn()
	}

	l.startMu.Lock()
	if l.state.Load() == StateCreated {
		defer l.startMu.Unlock()
		return fn()
	}
	l.startMu.Unlock()

	result := make(chan error, 1)
	err := l.post(&task{
		fn: func() {
			err := errCallPanicked
			defer func() { result <- err }()
			err = fn()
		},
		abandon: func() { result <- ErrShuttingDown },
	})
	if err != nil {
		return err
	}
	return <-result
}

// RegisterDescriptor adds fd to the loop's watched set. The descriptor
// should be non-blocking. Each descriptor may be registered with at most one
// loop at a time.
func (l *Loop) RegisterDescriptor(fd int, interest poller.Interest, handlers Handlers) (*Handle, error) {
	if fd < 0 {
		return nil, poller.ErrFDOutOfRange
	}
	h := &Handle{
		loop:     l,
		handlers: handlers,
		id:       handleIDCounter.Add(1),
		fd:       fd,
	}
	h.interest.Store(uint32(interest))
	if err := l.call(func() error { return l.register(h) }); err != nil {
		return nil, err
	}
	return h, nil
}

func (l *Loop) register(h *Handle) error {
	if !l.state.CanAcceptWork() {
		return ErrShuttingDown
	}
	if _, ok := l.handles[h.fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if err := l.mux.Register(h.fd, h.Interest()); err != nil {
		return err
	}
	l.handles[h.fd] = h
	h.active.Store(true)
	l.descriptors.Add(1)
	l.logger.Debug().Int("fd", h.fd).Stringer("interest", h.Interest()).Log("descriptor registered")
	return nil
}

// UpdateInterest replaces the interest set of a registration, effective from
// the next wait.
func (l *Loop) UpdateInterest(h *Handle, interest poller.Interest) error {
	if h == nil || h.loop != l {
		return ErrForeignHandle
	}
	return l.call(func() error {
		if !h.active.Load() || l.handles[h.fd] != h {
			return ErrFDNotRegistered
		}
		if err := l.mux.Modify(h.fd, interest); err != nil {
			return err
		}
		h.interest.Store(uint32(interest))
		return nil
	})
}

// Deregister removes a registration. No callback for the handle starts after
// Deregister returns. The descriptor is not closed.
func (l *Loop) Deregister(h *Handle) error {
	if h == nil || h.loop != l {
		return ErrForeignHandle
	}
	err := l.call(func() error { return l.deregister(h) })
	if errors.Is(err, ErrShuttingDown) {
		// stopping loops release every registration, but a dispatch may
		// have begun before the state changed
		h.active.Store(false)
		if !l.isLoopThread() {
			//lint:ignore SA2001 waits out a dispatch already in progress
			l.dispatchMu.Lock()
			l.dispatchMu.Unlock()
		}
		return nil
	}
	return err
}

func (l *Loop) deregister(h *Handle) error {
	if !h.active.Load() || l.handles[h.fd] != h {
		return ErrFDNotRegistered
	}
	delete(l.handles, h.fd)
	h.active.Store(false)
	l.descriptors.Add(-1)
	l.logger.Debug().Int("fd", h.fd).Log("descriptor deregistered")
	return l.mux.Unregister(h.fd)
}

// ScheduleOnce runs fn on the loop, no earlier than delay from now.
func (l *Loop) ScheduleOnce(delay time.Duration, fn func()) (*timerwheel.Token, error) {
	return l.schedule(delay, 0, fn)
}

// ScheduleEvery runs fn on the loop every interval, starting one interval
// from now. An overdue timer fires once, then is rescheduled one interval
// after its callback returns.
func (l *Loop) ScheduleEvery(interval time.Duration, fn func()) (*timerwheel.Token, error) {
	if interval <= 0 {
		return nil, timerwheel.ErrInvalidInterval
	}
	return l.schedule(interval, interval, fn)
}

func (l *Loop) schedule(delay, interval time.Duration, fn func()) (*timerwheel.Token, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	if delay < 0 {
		delay = 0
	}
	tok := timerwheel.NewToken()
	deadline := time.Now().Add(delay)
	add := func() { l.timers.Add(tok, deadline, interval, fn) }

	if l.isLoopThread() {
		if !l.state.CanAcceptWork() {
			return nil, ErrShuttingDown
		}
		add()
		return tok, nil
	}

	l.startMu.Lock()
	if l.state.Load() == StateCreated {
		add()
		l.startMu.Unlock()
		return tok, nil
	}
	l.startMu.Unlock()

	if err := l.post(&task{fn: add}); err != nil {
		return nil, err
	}
	return tok, nil
}

// Cancel cancels a timer. Safe from any goroutine. See [timerwheel.Token.Cancel].
func (l *Loop) Cancel(tok *timerwheel.Token) bool {
	return tok.Cancel()
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// goroutinePrefix starts the first line of every runtime.Stack trace.
var goroutinePrefix = []byte("goroutine ")

// getGoroutineID parses the id from the header of the current goroutine's
// stack trace, returning zero if the header is not recognised.
func getGoroutineID() uint64 {
	var buf [64]byte
	header, ok := bytes.CutPrefix(buf[:runtime.Stack(buf[:], false)], goroutinePrefix)
	if !ok {
		return 0
	}
	if i := bytes.IndexByte(header, ' '); i >= 0 {
		header = header[:i]
	}
	id, err := strconv.ParseUint(string(header), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
