//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package poller

import "fmt"

const defaultBackend = BackendPoll

func open(b Backend) (Multiplexer, error) {
	return nil, fmt.Errorf("%w: %s", ErrBackendUnsupported, b)
}
