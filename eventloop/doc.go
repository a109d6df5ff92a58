// Package eventloop provides a single-threaded reactor: one goroutine, locked
// to an OS thread, that waits on a [poller.Multiplexer] and runs descriptor
// callbacks, timers, and posted tasks.
//
// # Iteration
//
// Each iteration computes the wait timeout (zero if tasks are queued,
// otherwise the nearest timer deadline), waits for readiness, drains the
// [WakeChannel] if it was signalled, runs the tasks and due timers present at
// the start of the pass merged by timestamp, then dispatches descriptor
// callbacks in the order reported by the multiplexer.
//
// # Faults
//
// Callbacks that panic or return an error do not stop the loop. Each failure
// becomes a [*CallbackFault], published on [Loop.Faults] and logged.
//
// # Shutdown
//
// [Loop.Shutdown] stops accepting work, drains the task queue within the
// caller's context, cancels timers, and closes the multiplexer. Tasks that
// could not run are reported via [*TasksDroppedError].
package eventloop
