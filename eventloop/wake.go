package eventloop

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// WakeChannel interrupts a blocked multiplexer wait. Its read descriptor is
// registered for read interest on the loop's multiplexer, and [WakeChannel.Signal]
// makes it readable.
//
// Signals are coalesced: at most one token is outstanding until the loop
// calls [WakeChannel.Drain].
type WakeChannel struct {
	rfd, wfd  int
	pending   atomic.Bool
	closed    atomic.Bool
	overflows atomic.Uint64
	buf       [64]byte
}

// NewWakeChannel opens a wake channel (eventfd on Linux, a self-pipe on
// other unix platforms).
func NewWakeChannel() (*WakeChannel, error) {
	rfd, wfd, err := openWakeDescriptors()
	if err != nil {
		return nil, err
	}
	return &WakeChannel{rfd: rfd, wfd: wfd}, nil
}

// FD returns the descriptor to register for read interest.
func (w *WakeChannel) FD() int { return w.rfd }

// Signal wakes the loop. Safe to call from any goroutine, and never blocks.
func (w *WakeChannel) Signal() error {
	if w.closed.Load() {
		return ErrWakeClosed
	}
	if !w.pending.CompareAndSwap(false, true) {
		return nil
	}
	// native endianness, eventfd requires exactly 8 bytes
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	for {
		_, err := unix.Write(w.wfd, buf)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			// full, the loop is already due to wake
			w.overflows.Add(1)
			return nil
		default:
			w.pending.Store(false)
			if w.closed.Load() {
				return ErrWakeClosed
			}
			return err
		}
	}
}

// Drain consumes every pending token, then re-arms Signal. Must only be
// called by the owning loop. Returns the number of reads that returned data.
func (w *WakeChannel) Drain() int {
	var n int
	for {
		_, err := unix.Read(w.rfd, w.buf[:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			break
		}
		n++
	}
	w.pending.Store(false)
	return n
}

// Pending reports whether a signal is outstanding.
func (w *WakeChannel) Pending() bool { return w.pending.Load() }

// Overflows returns the number of signals that found the channel full. These
// are not errors, the loop wakes regardless.
func (w *WakeChannel) Overflows() uint64 { return w.overflows.Load() }

// Close releases the descriptors.
func (w *WakeChannel) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return ErrWakeClosed
	}
	err := unix.Close(w.rfd)
	if w.wfd != w.rfd {
		if e := unix.Close(w.wfd); err == nil {
			err = e
		}
	}
	return err
}
