//go:build linux

package eventloop

import (
	"golang.org/x/sys/unix"
)

// openWakeDescriptors uses a single eventfd, as both ends. Each signal adds
// one to its counter, and a read resets it.
func openWakeDescriptors() (rfd, wfd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}
