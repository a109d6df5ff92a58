//go:build linux || darwin || freebsd

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testBackends() []Backend {
	return []Backend{defaultBackend, BackendPoll}
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func openBackend(t *testing.T, b Backend, opts ...Option) Multiplexer {
	t.Helper()
	m, err := New(append([]Option{WithBackend(b)}, opts...)...)
	require.NoError(t, err)
	require.Equal(t, b, m.Backend())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMultiplexer_ReadReadiness(t *testing.T) {
	for _, b := range testBackends() {
		t.Run(b.String(), func(t *testing.T) {
			m := openBackend(t, b)
			a, peer := socketPair(t)
			require.NoError(t, m.Register(a, Readable))
			require.Equal(t, 1, m.Len())

			events := make([]Event, 8)
			n, err := m.Wait(0, events)
			require.NoError(t, err)
			assert.Zero(t, n, "nothing written yet")

			_, err = unix.Write(peer, []byte("hello"))
			require.NoError(t, err)

			n, err = m.Wait(time.Second, events)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			assert.Equal(t, a, events[0].FD)
			assert.NotZero(t, events[0].Ready&Readable)

			// level triggered: still readable until drained
			n, err = m.Wait(0, events)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			buf := make([]byte, 16)
			_, err = unix.Read(a, buf)
			require.NoError(t, err)
			n, err = m.Wait(0, events)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestMultiplexer_ModifyAppliesToNextWait(t *testing.T) {
	for _, b := range testBackends() {
		t.Run(b.String(), func(t *testing.T) {
			m := openBackend(t, b)
			a, _ := socketPair(t)
			require.NoError(t, m.Register(a, Readable))

			events := make([]Event, 4)
			n, err := m.Wait(0, events)
			require.NoError(t, err)
			require.Zero(t, n)

			require.NoError(t, m.Modify(a, Readable|Writable))
			n, err = m.Wait(time.Second, events)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			assert.NotZero(t, events[0].Ready&Writable)

			require.NoError(t, m.Modify(a, Readable))
			n, err = m.Wait(0, events)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestMultiplexer_UnregisterStopsReadiness(t *testing.T) {
	for _, b := range testBackends() {
		t.Run(b.String(), func(t *testing.T) {
			m := openBackend(t, b)
			a, _ := socketPair(t)
			require.NoError(t, m.Register(a, Writable))
			require.ErrorIs(t, m.Register(a, Writable), ErrFDAlreadyRegistered)
			require.NoError(t, m.Unregister(a))
			require.ErrorIs(t, m.Unregister(a), ErrFDNotRegistered)
			require.ErrorIs(t, m.Modify(a, Readable), ErrFDNotRegistered)

			events := make([]Event, 4)
			n, err := m.Wait(0, events)
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Zero(t, m.Len())
		})
	}
}

func TestMultiplexer_WaitTimeout(t *testing.T) {
	for _, b := range testBackends() {
		t.Run(b.String(), func(t *testing.T) {
			m := openBackend(t, b)
			a, _ := socketPair(t)
			require.NoError(t, m.Register(a, Readable))
			start := time.Now()
			n, err := m.Wait(30*time.Millisecond, make([]Event, 1))
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
		})
	}
}

func TestMultiplexer_Hangup(t *testing.T) {
	for _, b := range testBackends() {
		t.Run(b.String(), func(t *testing.T) {
			m := openBackend(t, b)
			fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
			require.NoError(t, err)
			defer unix.Close(fds[0])
			require.NoError(t, m.Register(fds[0], Readable))
			require.NoError(t, unix.Close(fds[1]))

			events := make([]Event, 1)
			n, err := m.Wait(time.Second, events)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			assert.NotZero(t, events[0].Ready&(Hangup|Readable))
		})
	}
}

func TestMultiplexer_MaxDescriptors(t *testing.T) {
	m := openBackend(t, defaultBackend, WithMaxDescriptors(1))
	a, c := socketPair(t)
	require.NoError(t, m.Register(a, Readable))
	require.ErrorIs(t, m.Register(c, Readable), ErrCapacityExceeded)
	require.NoError(t, m.Unregister(a))
	require.NoError(t, m.Register(c, Readable))
}

func TestMultiplexer_Closed(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Close(), ErrClosed)
	require.ErrorIs(t, m.Register(0, Readable), ErrClosed)
	_, err = m.Wait(0, make([]Event, 1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestNew_UnsupportedBackend(t *testing.T) {
	unsupported := BackendKqueue
	if defaultBackend == BackendKqueue {
		unsupported = BackendEpoll
	}
	_, err := New(WithBackend(unsupported))
	require.ErrorIs(t, err, ErrBackendUnsupported)
}

func TestParseBackend(t *testing.T) {
	for _, b := range []Backend{BackendAuto, BackendEpoll, BackendKqueue, BackendPoll} {
		got, err := ParseBackend(b.String())
		require.NoError(t, err)
		assert.Equal(t, b, got)
	}
	_, err := ParseBackend("select")
	assert.Error(t, err)
}

func TestTimeoutMillis(t *testing.T) {
	for _, tc := range []struct {
		in   time.Duration
		want int
	}{
		{-time.Second, -1},
		{0, 0},
		{time.Microsecond, 1},
		{time.Millisecond, 1},
		{1500 * time.Microsecond, 2},
		{time.Second, 1000},
	} {
		assert.Equal(t, tc.want, timeoutMillis(tc.in), tc.in.String())
	}
}

func TestInterest_String(t *testing.T) {
	assert.Equal(t, "none", Interest(0).String())
	assert.Equal(t, "r|w", (Readable | Writable).String())
	assert.Equal(t, "err|hup", (Error | Hangup).String())
}
