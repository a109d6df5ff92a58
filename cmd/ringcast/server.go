package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	reactor "github.com/joeycumines/go-reactor"
	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/internal/syncx"
	"github.com/joeycumines/go-reactor/poller"
	"github.com/joeycumines/go-reactor/ringbuffer"
	"github.com/joeycumines/go-reactor/timerwheel"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// maxPending is the most output buffered for a client before it is
// disconnected as too slow.
const maxPending = 1 << 20

var errLineTooLong = errors.New("ringcast: line too long")

type serverConfig struct {
	Logger         *logiface.Logger[logiface.Event]
	Listen         string
	Policy         ringbuffer.Policy
	PublishTimeout time.Duration
	StatsInterval  time.Duration
	Capacity       int
	MaxLine        int
	MaxClients     int
}

type server struct {
	rt        *reactor.Runtime
	ring      *ringbuffer.Ring[[]byte]
	publisher *eventloop.Loop
	listener  *eventloop.Handle
	stats     *timerwheel.Token
	slots     *syncx.Semaphore
	logger    *logiface.Logger[logiface.Event]
	cfg       serverConfig
	addr      string
	lfd       int
	closeOnce sync.Once
	nextID    atomic.Uint64
	clients   atomic.Int64
	published atomic.Uint64
}

func newServer(rt *reactor.Runtime, cfg serverConfig) (*server, error) {
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = 4096
	}

	ring, err := reactor.NewRing[[]byte](cfg.Capacity, cfg.Policy, ringbuffer.WithPublishTimeout(cfg.PublishTimeout))
	if err != nil {
		return nil, err
	}

	lfd, addr, err := listen(cfg.Listen)
	if err != nil {
		return nil, err
	}

	s := &server{
		rt:        rt,
		ring:      ring,
		publisher: rt.Loop(0),
		logger:    cfg.Logger,
		cfg:       cfg,
		addr:      addr,
		lfd:       lfd,
	}

	if cfg.MaxClients > 0 {
		s.slots = syncx.NewSemaphore(int64(cfg.MaxClients))
	}

	// accepting and publishing share a loop, so Publish has a single caller
	s.listener, err = s.publisher.RegisterDescriptor(lfd, poller.Readable, eventloop.Handlers{
		OnReadable: s.accept,
	})
	if err != nil {
		_ = unix.Close(lfd)
		return nil, err
	}

	if cfg.StatsInterval > 0 {
		s.stats, err = rt.ScheduleEvery(s.publisher, cfg.StatsInterval, s.logStats)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// Addr returns the listening address.
func (s *server) Addr() string { return s.addr }

// Close stops accepting, and closes the ring, which disconnects nobody but
// stops delivery.
func (s *server) Close() {
	s.closeOnce.Do(func() {
		if s.stats != nil {
			s.rt.Cancel(s.stats)
		}
		_ = s.rt.Deregister(s.listener)
		_ = unix.Close(s.lfd)
		_ = s.ring.Close()
	})
}

func (s *server) accept(fd int) error {
	for {
		nfd, _, err := unix.Accept(fd)
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return fmt.Errorf("accept: %w", err)
		}

		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			return fmt.Errorf("accept: %w", err)
		}

		if s.slots != nil && !s.slots.TryAcquire() {
			_ = unix.Close(nfd)
			s.logger.Warning().Int64("max_clients", s.slots.Size()).Log("client rejected")
			continue
		}

		c := &client{s: s, fd: nfd, id: s.nextID.Add(1)}
		c.loop = s.rt.LoopFor(c.id)
		if err := s.rt.Post(c.loop, c.start); err != nil {
			c.release()
			return err
		}
	}
}

// publish hands line to the publishing loop.
func (s *server) publish(line []byte) {
	err := s.rt.Post(s.publisher, func() {
		if err := s.ring.Publish(context.Background(), line); err != nil {
			if !errors.Is(err, ringbuffer.ErrClosed) {
				s.logger.Warning().Err(err).Log("line not published")
			}
			return
		}
		s.published.Add(1)
	})
	if err != nil {
		s.logger.Debug().Err(err).Log("line not published")
	}
}

func (s *server) logStats() {
	var tasks, faults uint64
	for _, st := range s.rt.Pool().Stats() {
		tasks += st.TasksRun
		faults += st.Faults
	}
	s.logger.Info().
		Int64("clients", s.clients.Load()).
		Uint64("published", s.published.Load()).
		Int("buffered", s.ring.Len()).
		Uint64("tasks", tasks).
		Uint64("faults", faults).
		Log("ringcast stats")
}

// client state is only touched by its loop.
type client struct {
	s        *server
	loop     *eventloop.Loop
	handle   *eventloop.Handle
	consumer *reactor.Consumer[[]byte]
	in       []byte
	out      []byte
	id       uint64
	fd       int
	closed   bool
}

func (c *client) start() {
	s := c.s
	cursor, err := s.ring.Attach(false)
	if err != nil {
		c.release()
		return
	}

	c.handle, err = c.loop.RegisterDescriptor(c.fd, poller.Readable, eventloop.Handlers{
		OnReadable: c.onReadable,
		OnWritable: c.onWritable,
		OnError:    c.onError,
	})
	if err != nil {
		_ = cursor.Detach()
		c.release()
		s.logger.Warning().Err(err).Log("failed to register client")
		return
	}

	s.clients.Add(1)
	c.consumer, err = reactor.Consume(c.loop, cursor, c.deliver)
	if err != nil {
		_ = cursor.Detach()
		c.close()
		return
	}

	s.logger.Debug().Uint64("client", c.id).Uint64("loop", c.loop.ID()).Log("client connected")
}

func (c *client) onReadable(fd int) error {
	var buf [4096]byte
	n, err := unix.Read(fd, buf[:])
	switch {
	case err == nil:
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return nil
	default:
		c.close()
		return err
	}
	if n == 0 {
		c.close()
		return nil
	}

	c.in = append(c.in, buf[:n]...)
	for {
		i := bytes.IndexByte(c.in, '\n')
		if i < 0 {
			break
		}
		// the ring shares the line with every reader, so it must not alias c.in
		c.s.publish(bytes.Clone(c.in[:i+1]))
		c.in = c.in[i+1:]
	}
	if len(c.in) > c.s.cfg.MaxLine {
		c.close()
		return errLineTooLong
	}
	if len(c.in) == 0 {
		c.in = nil
	}
	return nil
}

func (c *client) deliver(line []byte, gap *ringbuffer.GapError) error {
	if c.closed {
		return nil
	}
	if gap != nil {
		c.out = append(c.out, "! skipped "...)
		c.out = strconv.AppendUint(c.out, gap.Skipped, 10)
		c.out = append(c.out, " line(s)\n"...)
	} else {
		c.out = append(c.out, line...)
	}
	return c.flush()
}

func (c *client) onWritable(int) error {
	return c.flush()
}

func (c *client) flush() error {
	for len(c.out) != 0 {
		n, err := unix.Write(c.fd, c.out)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil {
			c.close()
			return err
		}
		c.out = c.out[n:]
	}

	if len(c.out) == 0 {
		c.out = nil
		if c.handle.Interest()&poller.Writable != 0 {
			return c.loop.UpdateInterest(c.handle, poller.Readable)
		}
		return nil
	}

	if len(c.out) > maxPending {
		c.close()
		return fmt.Errorf("ringcast: client %d too slow, %d bytes pending", c.id, len(c.out))
	}
	if c.handle.Interest()&poller.Writable == 0 {
		return c.loop.UpdateInterest(c.handle, poller.Readable|poller.Writable)
	}
	return nil
}

func (c *client) onError(_ int, err error) {
	c.s.logger.Debug().Uint64("client", c.id).Err(err).Log("client error")
	c.close()
}

func (c *client) close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.consumer != nil {
		c.consumer.Stop()
	}
	_ = c.loop.Deregister(c.handle)
	c.release()
	c.s.clients.Add(-1)
	c.s.logger.Debug().Uint64("client", c.id).Log("client disconnected")
}

// release closes the connection and frees its slot.
func (c *client) release() {
	_ = unix.Close(c.fd)
	if c.s.slots != nil {
		c.s.slots.Release()
	}
}

// listen opens a non-blocking TCP listening socket.
func listen(address string) (int, string, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return -1, "", err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	ip := net.IPv4zero
	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			return -1, "", fmt.Errorf("invalid host %q", host)
		}
	}

	var (
		domain = unix.AF_INET
		sa     unix.Sockaddr
	)
	if ip4 := ip.To4(); ip4 != nil {
		addr := &unix.SockaddrInet4{Port: port}
		copy(addr.Addr[:], ip4)
		sa = addr
	} else {
		domain = unix.AF_INET6
		addr := &unix.SockaddrInet6{Port: port}
		copy(addr.Addr[:], ip.To16())
		sa = addr
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, "", fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := setupListener(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, "", err
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return -1, "", fmt.Errorf("getsockname: %w", err)
	}
	switch v := bound.(type) {
	case *unix.SockaddrInet4:
		return fd, net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port)), nil
	case *unix.SockaddrInet6:
		return fd, net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port)), nil
	default:
		return fd, address, nil
	}
}

func setupListener(fd int, sa unix.Sockaddr) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set nonblock: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set reuseaddr: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}
