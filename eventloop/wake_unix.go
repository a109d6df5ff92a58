//go:build unix && !linux

package eventloop

import (
	"golang.org/x/sys/unix"
)

// openWakeDescriptors uses a self-pipe, both ends non-blocking, so a full
// pipe surfaces as EAGAIN rather than stalling Signal.
func openWakeDescriptors() (rfd, wfd int, err error) {
	var p [2]int
	if err = unix.Pipe(p[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err = unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return -1, -1, err
		}
	}
	return p[0], p[1], nil
}
