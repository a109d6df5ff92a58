//go:build darwin || freebsd

package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const defaultBackend = BackendKqueue

func open(b Backend) (Multiplexer, error) {
	switch b {
	case BackendKqueue:
		return newKqueue()
	case BackendPoll:
		return newPoll(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrBackendUnsupported, b)
	}
}

// kqueue is a kqueue(2) Multiplexer. Read and write readiness arrive as
// separate filters, and are merged into a single Event per descriptor.
type kqueue struct {
	kq       int
	eventBuf []unix.Kevent_t
	fds      map[int]Interest
	merge    map[int]int
	closed   bool
}

func newKqueue() (*kqueue, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		if isCapacityErrno(err) {
			return nil, fmt.Errorf("poller: kqueue: %w: %w", ErrCapacityExceeded, err)
		}
		return nil, fmt.Errorf("poller: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &kqueue{
		kq:       kq,
		eventBuf: make([]unix.Kevent_t, 128),
		fds:      make(map[int]Interest),
		merge:    make(map[int]int),
	}, nil
}

func (p *kqueue) Backend() Backend { return BackendKqueue }

func (p *kqueue) Len() int { return len(p.fds) }

func (p *kqueue) Register(fd int, interest Interest) error {
	if p.closed {
		return ErrClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if changes := interestToKevents(fd, interest, unix.EV_ADD|unix.EV_ENABLE); len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			if isCapacityErrno(err) {
				return wrapCapacity("register", fd, err)
			}
			return fmt.Errorf("poller: register fd %d: %w", fd, err)
		}
	}
	p.fds[fd] = interest
	return nil
}

func (p *kqueue) Modify(fd int, interest Interest) error {
	if p.closed {
		return ErrClosed
	}
	old, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if removed := old &^ interest; removed&(Readable|Writable) != 0 {
		// ignore errors: the filter may already be gone
		_, _ = unix.Kevent(p.kq, interestToKevents(fd, removed, unix.EV_DELETE), nil, nil)
	}
	if added := interest &^ old; added&(Readable|Writable) != 0 {
		if _, err := unix.Kevent(p.kq, interestToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
			if isCapacityErrno(err) {
				return wrapCapacity("modify", fd, err)
			}
			return fmt.Errorf("poller: modify fd %d: %w", fd, err)
		}
	}
	p.fds[fd] = interest
	return nil
}

func (p *kqueue) Unregister(fd int) error {
	if p.closed {
		return ErrClosed
	}
	interest, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	if changes := interestToKevents(fd, interest, unix.EV_DELETE); len(changes) > 0 {
		// closed descriptors are removed by the kernel
		_, _ = unix.Kevent(p.kq, changes, nil, nil)
	}
	return nil
}

func (p *kqueue) Wait(timeout time.Duration, events []Event) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if len(events) == 0 {
		return 0, nil
	}
	if len(p.eventBuf) < len(events) {
		p.eventBuf = make([]unix.Kevent_t, len(events))
	}
	buf := p.eventBuf[:len(events)]

	deadline := deadlineFor(timeout)
	for {
		var ts *unix.Timespec
		if timeout >= 0 {
			t := unix.NsecToTimespec(int64(timeout))
			ts = &t
		}
		n, err := unix.Kevent(p.kq, nil, buf, ts)
		if err == nil {
			return p.collect(buf[:n], events), nil
		}
		if !errors.Is(err, unix.EINTR) {
			return 0, fmt.Errorf("poller: kevent: %w", err)
		}
		var ok bool
		if timeout, ok = remaining(timeout, deadline); !ok {
			return 0, nil
		}
	}
}

func (p *kqueue) collect(raw []unix.Kevent_t, events []Event) int {
	clear(p.merge)
	n := 0
	for i := range raw {
		fd := int(raw[i].Ident)
		ready := keventToInterest(&raw[i])
		if j, ok := p.merge[fd]; ok {
			events[j].Ready |= ready
			continue
		}
		p.merge[fd] = n
		events[n] = Event{FD: fd, Ready: ready}
		n++
	}
	return n
}

func (p *kqueue) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	p.fds = nil
	return unix.Close(p.kq)
}

func interestToKevents(fd int, interest Interest, flags int) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if interest&Readable != 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_READ, flags)
		changes = append(changes, kev)
	}
	if interest&Writable != 0 {
		var kev unix.Kevent_t
		unix.SetKevent(&kev, fd, unix.EVFILT_WRITE, flags)
		changes = append(changes, kev)
	}
	return changes
}

func keventToInterest(kev *unix.Kevent_t) Interest {
	var interest Interest
	switch kev.Filter {
	case unix.EVFILT_READ:
		interest |= Readable
	case unix.EVFILT_WRITE:
		interest |= Writable
	}
	if kev.Flags&unix.EV_EOF != 0 {
		interest |= Hangup
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		interest |= Error
	}
	return interest
}

func isCapacityErrno(err error) bool {
	return errors.Is(err, unix.ENOSPC) ||
		errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOMEM)
}
