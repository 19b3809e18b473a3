// Package listener owns one bound, listening socket per configured
// endpoint and feeds accepted connections into the queue as Jobs.
//
// Grounded on tntnet.cpp's Listener/SslListener construction inside
// Tntnet::init (one Listener per Listen/SslListen config entry) and the
// teacher's raw syscall.Socket/Bind/Listen sequence in server/engine,
// ported to golang.org/x/sys/unix per SPEC_FULL.md §10.9.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/kfcemployee/tntcore/internal/job"
	"github.com/kfcemployee/tntcore/internal/queue"
	"github.com/kfcemployee/tntcore/internal/stream"
)

// Config bundles the per-endpoint settings a Listener needs, resolved from
// config.Options by the caller (internal/core).
type Config struct {
	IP   string
	Port int

	Backlog int
	Retry   int

	TLS *stream.ServerConfig

	KeepAliveMax int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// BufferSize sets SO_RCVBUF/SO_SNDBUF on each accepted socket when > 0
	// (the BufferSize config key, SPEC_FULL.md §6).
	BufferSize int
}

// Listener accepts connections on one endpoint and enqueues a Job per
// accepted connection.
type Listener struct {
	name string
	fd   int
	addr net.Addr

	cfg   Config
	queue *queue.Queue

	nextJobID *atomic.Uint64
	shutdown  *atomic.Bool

	log zerolog.Logger
}

// New binds and listens on cfg's endpoint, retrying transient bind failures
// up to cfg.Retry times with exponential backoff, mirroring tntnet.cpp's
// listen-retry loop.
func New(name string, cfg Config, q *queue.Queue, nextJobID *atomic.Uint64, shutdown *atomic.Bool, log zerolog.Logger) (*Listener, error) {
	fd, addr, err := bindWithRetry(cfg.IP, cfg.Port, cfg.Backlog, cfg.Retry)
	if err != nil {
		return nil, err
	}
	return &Listener{
		name:      name,
		fd:        fd,
		addr:      addr,
		cfg:       cfg,
		queue:     q,
		nextJobID: nextJobID,
		shutdown:  shutdown,
		log:       log.With().Str("listener", name).Str("addr", addr.String()).Logger(),
	}, nil
}

func bindWithRetry(ip string, port, backlog, retry int) (int, net.Addr, error) {
	var lastErr error
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt <= retry; attempt++ {
		fd, addr, err := bindOnce(ip, port, backlog)
		if err == nil {
			return fd, addr, nil
		}
		lastErr = err
		if attempt < retry {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return 0, nil, fmt.Errorf("listener: bind %s:%d failed after %d retries: %w", ip, port, retry, lastErr)
}

func bindOnce(ip string, port, backlog int) (int, net.Addr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, nil, fmt.Errorf("invalid listen address %q", ip)
	}

	if v4 := parsed.To4(); v4 != nil {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
		if err != nil {
			return 0, nil, err
		}
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

		var addr [4]byte
		copy(addr[:], v4)
		sa := &unix.SockaddrInet4{Port: port, Addr: addr}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return 0, nil, err
		}
		if err := unix.Listen(fd, backlog); err != nil {
			unix.Close(fd)
			return 0, nil, err
		}
		return fd, &net.TCPAddr{IP: parsed, Port: port}, nil
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return 0, nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var addr [16]byte
	copy(addr[:], parsed.To16())
	sa := &unix.SockaddrInet6{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, nil, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return 0, nil, err
	}
	return fd, &net.TCPAddr{IP: parsed, Port: port}, nil
}

// Run accepts connections until shutdown is observed, then closes the
// listening socket and returns. It is meant to be run in its own goroutine,
// one per Listener, as SPEC_FULL.md §4.3 requires.
func (l *Listener) Run() error {
	l.log.Info().Msg("listener started")
	defer l.log.Info().Msg("listener stopped")

	for {
		if l.shutdown.Load() {
			return unix.Close(l.fd)
		}

		connFd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				l.awaitAcceptable()
				continue
			}
			if err == unix.EINTR {
				continue
			}
			l.log.Warn().Err(err).Msg("accept failed")
			continue
		}

		remote := sockaddrToAddr(sa)
		l.handleAccepted(connFd, remote)
	}
}

func (l *Listener) handleAccepted(fd int, remote net.Addr) {
	if l.cfg.BufferSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, l.cfg.BufferSize)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, l.cfg.BufferSize)
	}

	conn := stream.NewConn(fd, remote)

	var s stream.Stream = conn
	if l.cfg.TLS != nil {
		ts := stream.NewTLSStream(conn, l.cfg.TLS)
		conn.SetTimeout(l.cfg.ReadTimeout)
		if err := ts.Accept(context.Background()); err != nil {
			l.log.Debug().Err(err).Msg("tls handshake failed, closing connection")
			_ = conn.Close()
			return
		}
		s = ts
	}

	id := l.nextJobID.Add(1)
	j := job.Acquire(id, s, int32(l.cfg.KeepAliveMax))
	j.ReadTimeout = l.cfg.ReadTimeout
	j.WriteTimeout = l.cfg.WriteTimeout

	if err := l.queue.Put(j); err != nil {
		l.log.Debug().Err(err).Msg("dropping accepted connection, queue closed")
		_ = s.Close()
		job.Release(j)
	}
}

// awaitAcceptable polls the listening fd briefly so the accept loop can
// recheck the shutdown flag between polls instead of blocking indefinitely.
func (l *Listener) awaitAcceptable() {
	fds := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}
	_, _ = unix.Poll(fds, 200)
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}

// Addr returns the endpoint this Listener is bound to.
func (l *Listener) Addr() net.Addr { return l.addr }
