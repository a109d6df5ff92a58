// Package reactor runs reactor-style event loops over a fixed pool of OS
// threads, and fans data from a single producer out to many readers through a
// bounded ring buffer.
//
// A [Runtime] owns a [pool.Pool] of [eventloop.Loop] values. Descriptors are
// registered on the loop owning an affinity key, and their callbacks always
// run on that loop. Timers and posted tasks run on an explicit loop, or any
// loop (round robin).
//
// Rings ([ringbuffer.Ring]) are independent of the loops. [Consume] bridges a
// ring cursor onto a loop, so readers can live alongside descriptor
// callbacks without blocking.
//
// Callback panics and errors never stop a loop. They are reported as
// [*eventloop.CallbackFault] values, see [Runtime.Faults] and
// [Runtime.DrainFaults].
package reactor
