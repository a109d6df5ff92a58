package eventloop

// Stats is a point-in-time snapshot of loop counters.
type Stats struct {
	// Iterations is the number of completed waits.
	Iterations uint64
	// TasksRun counts posted tasks, including internal registration tasks.
	TasksRun    uint64
	TimersFired uint64
	// Faults counts every callback fault, published or not.
	Faults        uint64
	FaultsDropped uint64
	// WakeOverflows counts wake signals that found the channel full.
	WakeOverflows uint64
	Queued        int
	Descriptors   int
	State         LoopState
}

// Stats returns a snapshot of the loop's counters. Safe from any goroutine.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	queued := l.queue.Length()
	l.mu.Unlock()
	return Stats{
		Iterations:    l.iterations.Load(),
		TasksRun:      l.tasksRun.Load(),
		TimersFired:   l.timersFired.Load(),
		Faults:        l.faultCount.Load(),
		FaultsDropped: l.faultsDropped.Load(),
		WakeOverflows: l.wake.Overflows(),
		Queued:        queued,
		Descriptors:   int(l.descriptors.Load()),
		State:         l.state.Load(),
	}
}
