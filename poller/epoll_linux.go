//go:build linux

package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const defaultBackend = BackendEpoll

func open(b Backend) (Multiplexer, error) {
	switch b {
	case BackendEpoll:
		return newEpoll()
	case BackendPoll:
		return newPoll(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrBackendUnsupported, b)
	}
}

// epoll is a level-triggered epoll(7) Multiplexer.
type epoll struct {
	epfd     int
	eventBuf []unix.EpollEvent
	fds      map[int]Interest
	closed   bool
}

func newEpoll() (*epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		if isCapacityErrno(err) {
			return nil, fmt.Errorf("poller: epoll_create1: %w: %w", ErrCapacityExceeded, err)
		}
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &epoll{
		epfd:     epfd,
		eventBuf: make([]unix.EpollEvent, 128),
		fds:      make(map[int]Interest),
	}, nil
}

func (p *epoll) Backend() Backend { return BackendEpoll }

func (p *epoll) Len() int { return len(p.fds) }

func (p *epoll) Register(fd int, interest Interest) error {
	if p.closed {
		return ErrClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		switch {
		case errors.Is(err, unix.EEXIST):
			return ErrFDAlreadyRegistered
		case isCapacityErrno(err):
			return wrapCapacity("register", fd, err)
		}
		return fmt.Errorf("poller: register fd %d: %w", fd, err)
	}
	p.fds[fd] = interest
	return nil
}

func (p *epoll) Modify(fd int, interest Interest) error {
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	ev := unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("poller: modify fd %d: %w", fd, err)
	}
	p.fds[fd] = interest
	return nil
}

func (p *epoll) Unregister(fd int) error {
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	// the kernel drops closed descriptors on its own
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil &&
		!errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("poller: unregister fd %d: %w", fd, err)
	}
	return nil
}

func (p *epoll) Wait(timeout time.Duration, events []Event) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if len(events) == 0 {
		return 0, nil
	}
	if len(p.eventBuf) < len(events) {
		p.eventBuf = make([]unix.EpollEvent, len(events))
	}
	buf := p.eventBuf[:len(events)]

	deadline := deadlineFor(timeout)
	for {
		n, err := unix.EpollWait(p.epfd, buf, timeoutMillis(timeout))
		if err == nil {
			for i := 0; i < n; i++ {
				events[i] = Event{FD: int(buf[i].Fd), Ready: epollToInterest(buf[i].Events)}
			}
			return n, nil
		}
		if !errors.Is(err, unix.EINTR) {
			return 0, fmt.Errorf("poller: epoll_wait: %w", err)
		}
		var ok bool
		if timeout, ok = remaining(timeout, deadline); !ok {
			return 0, nil
		}
	}
}

func (p *epoll) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	p.fds = nil
	return unix.Close(p.epfd)
}

func interestToEpoll(interest Interest) uint32 {
	var v uint32
	if interest&Readable != 0 {
		v |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		v |= unix.EPOLLOUT
	}
	return v
}

func epollToInterest(v uint32) Interest {
	var interest Interest
	if v&unix.EPOLLIN != 0 {
		interest |= Readable
	}
	if v&unix.EPOLLOUT != 0 {
		interest |= Writable
	}
	if v&unix.EPOLLERR != 0 {
		interest |= Error
	}
	if v&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		interest |= Hangup
	}
	return interest
}

func isCapacityErrno(err error) bool {
	return errors.Is(err, unix.ENOSPC) ||
		errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOMEM)
}
