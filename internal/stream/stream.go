// Package stream provides a byte-oriented, timeout-aware connection
// abstraction on top of raw file descriptors, and a TLS-capable variant that
// layers crypto/tls over the same descriptor.
//
// Grounded on the teacher's direct syscall.Socket/Read/Write/EpollCtl usage
// (server/engine/epoll.go, server/engine/pool.go), ported to
// golang.org/x/sys/unix so the same descriptor can be driven by both a
// blocking Stream and the poll(2)-based Poller (internal/poller).
package stream

import (
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Read/Write when the stream's configured
// timeout elapses before the operation can complete.
var ErrTimeout = errors.New("stream: timeout")

// Negative, zero and positive Timeout values carry the meanings from
// SPEC_FULL.md §4.2: negative means block indefinitely, zero means fail
// immediately unless already ready, positive is an ordinary deadline.
const (
	TimeoutIndefinite time.Duration = -1
	TimeoutImmediate  time.Duration = 0
)

// Stream is the contract the Worker, Listener and Poller use to talk to a
// client connection, whether plaintext or TLS.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// Fd returns the underlying file descriptor, for Poller registration.
	Fd() int

	// SetTimeout configures the deadline applied to the *next* Read or
	// Write call (TimeoutIndefinite/TimeoutImmediate or a positive
	// duration).
	SetTimeout(d time.Duration)

	RemoteAddr() net.Addr
}

// blockHooks' before/after let TLSStream release and reacquire its global
// mutex exactly around the poll wait performed by Conn.Read/Conn.Write,
// mirroring ssl.cpp's lock.Unlock()/poll()/lock.Lock() dance.
type blockHooks struct {
	before func()
	after  func()
}

// Conn is a plaintext Stream backed by a non-blocking socket fd, driven with
// unix.Poll when a read or write would otherwise block.
type Conn struct {
	fd      int
	remote  net.Addr
	timeout time.Duration
	hooks   blockHooks
}

// NewConn wraps an already-connected, non-blocking socket fd.
func NewConn(fd int, remote net.Addr) *Conn {
	return &Conn{fd: fd, remote: remote, timeout: TimeoutIndefinite}
}

func (c *Conn) Fd() int                    { return c.fd }
func (c *Conn) RemoteAddr() net.Addr       { return c.remote }
func (c *Conn) LocalAddr() net.Addr        { return nil }
func (c *Conn) SetTimeout(d time.Duration) { c.timeout = d }

// The following satisfy net.Conn so a *Conn can be handed to crypto/tls.
// They translate absolute deadlines into the same relative c.timeout that
// SetTimeout uses, since Conn's Read/Write loop only understands durations.

func (c *Conn) SetDeadline(t time.Time) error {
	c.timeout = deadlineToTimeout(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

func deadlineToTimeout(t time.Time) time.Duration {
	if t.IsZero() {
		return TimeoutIndefinite
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return d
}

func (c *Conn) setBlockHooks(h blockHooks) { c.hooks = h }

func (c *Conn) Read(p []byte) (int, error) {
	deadline, hasDeadline := c.deadline()
	for {
		n, err := unix.Read(c.fd, p)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, err
		}
		if c.timeout == TimeoutImmediate {
			return 0, ErrTimeout
		}
		if err := c.awaitReadable(deadline, hasDeadline); err != nil {
			return 0, err
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	deadline, hasDeadline := c.deadline()
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if n > 0 {
			written += n
		}
		if err == nil {
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return written, err
		}
		if c.timeout == TimeoutImmediate {
			return written, ErrTimeout
		}
		if err := c.awaitWritable(deadline, hasDeadline); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

func (c *Conn) deadline() (time.Time, bool) {
	if c.timeout < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(c.timeout), true
}

func (c *Conn) awaitReadable(deadline time.Time, hasDeadline bool) error {
	return c.poll(unix.POLLIN, deadline, hasDeadline)
}

func (c *Conn) awaitWritable(deadline time.Time, hasDeadline bool) error {
	return c.poll(unix.POLLOUT, deadline, hasDeadline)
}

// poll blocks the caller on a single-fd poll(2) for the requested event,
// releasing c.hooks.before (if set) for the duration of the syscall and
// reacquiring via c.hooks.after immediately after it returns. This is the
// mechanism TLSStream relies on to free the process-wide TLS mutex while a
// slow client is simply waiting on the network.
func (c *Conn) poll(events int16, deadline time.Time, hasDeadline bool) error {
	ms := -1
	if hasDeadline {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		ms = int(remaining / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}

	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}

	if c.hooks.before != nil {
		c.hooks.before()
	}
	n, err := unix.Poll(fds, ms)
	if c.hooks.after != nil {
		c.hooks.after()
	}

	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if n == 0 {
		return ErrTimeout
	}
	return nil
}
