//go:build netbsd || openbsd || dragonfly

package poller

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const defaultBackend = BackendPoll

func open(b Backend) (Multiplexer, error) {
	if b != BackendPoll {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnsupported, b)
	}
	return newPoll(), nil
}

func isCapacityErrno(err error) bool {
	return errors.Is(err, unix.ENOSPC) ||
		errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOMEM)
}
