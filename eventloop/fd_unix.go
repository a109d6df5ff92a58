//go:build unix

package eventloop

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// descriptorError resolves the pending error of a socket, falling back to
// ErrDescriptor for other descriptor types.
func descriptorError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || v == 0 {
		return ErrDescriptor
	}
	return syscall.Errno(v)
}
