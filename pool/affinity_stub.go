//go:build !linux

package pool

import "errors"

func pinThread(int) error {
	return errors.New("pool: cpu pinning not supported on this platform")
}
