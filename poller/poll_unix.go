//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// poll is a poll(2) Multiplexer. Every Wait passes the full descriptor set to
// the kernel, so it is the least efficient facility, but available on every
// unix platform. Ready descriptors are reported starting from a rotating
// offset, so a short events slice cannot starve the tail of the set.
type poll struct {
	fds    []unix.PollFd
	index  map[int]int
	offset int
	closed bool
}

func newPoll() *poll {
	return &poll{index: make(map[int]int)}
}

func (p *poll) Backend() Backend { return BackendPoll }

func (p *poll) Len() int { return len(p.fds) }

func (p *poll) Register(fd int, interest Interest) error {
	if p.closed {
		return ErrClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if _, ok := p.index[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: interestToPoll(interest)})
	return nil
}

func (p *poll) Modify(fd int, interest Interest) error {
	if p.closed {
		return ErrClosed
	}
	i, ok := p.index[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	p.fds[i].Events = interestToPoll(interest)
	return nil
}

func (p *poll) Unregister(fd int) error {
	if p.closed {
		return ErrClosed
	}
	i, ok := p.index[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	last := len(p.fds) - 1
	if i != last {
		p.fds[i] = p.fds[last]
		p.index[int(p.fds[i].Fd)] = i
	}
	p.fds = p.fds[:last]
	delete(p.index, fd)
	return nil
}

func (p *poll) Wait(timeout time.Duration, events []Event) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if len(events) == 0 {
		return 0, nil
	}

	deadline := deadlineFor(timeout)
	for {
		ready, err := unix.Poll(p.fds, timeoutMillis(timeout))
		if err == nil {
			if ready == 0 {
				return 0, nil
			}
			return p.collect(events), nil
		}
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOMEM):
			// nfds exceeded RLIMIT_NOFILE, or the kernel could not allocate the set
			return 0, fmt.Errorf("poller: poll %d fds: %w: %w", len(p.fds), ErrCapacityExceeded, err)
		default:
			return 0, fmt.Errorf("poller: poll: %w", err)
		}
		var ok bool
		if timeout, ok = remaining(timeout, deadline); !ok {
			return 0, nil
		}
	}
}

func (p *poll) collect(events []Event) int {
	total := len(p.fds)
	if p.offset >= total {
		p.offset = 0
	}
	n := 0
	for k := 0; k < total && n < len(events); k++ {
		i := (p.offset + k) % total
		if p.fds[i].Revents == 0 {
			continue
		}
		events[n] = Event{FD: int(p.fds[i].Fd), Ready: pollToInterest(p.fds[i].Revents)}
		p.fds[i].Revents = 0
		n++
	}
	p.offset++
	return n
}

func (p *poll) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	p.fds = nil
	p.index = nil
	return nil
}

func interestToPoll(interest Interest) int16 {
	var v int16
	if interest&Readable != 0 {
		v |= unix.POLLIN
	}
	if interest&Writable != 0 {
		v |= unix.POLLOUT
	}
	return v
}

func pollToInterest(v int16) Interest {
	var interest Interest
	if v&unix.POLLIN != 0 {
		interest |= Readable
	}
	if v&unix.POLLOUT != 0 {
		interest |= Writable
	}
	if v&(unix.POLLERR|unix.POLLNVAL) != 0 {
		interest |= Error
	}
	if v&unix.POLLHUP != 0 {
		interest |= Hangup
	}
	return interest
}
