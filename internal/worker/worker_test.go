package worker

import (
	"bufio"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kfcemployee/tntcore/internal/dispatcher"
	"github.com/kfcemployee/tntcore/internal/httpproto"
	"github.com/kfcemployee/tntcore/internal/job"
	"github.com/kfcemployee/tntcore/internal/poller"
	"github.com/kfcemployee/tntcore/internal/queue"
	"github.com/kfcemployee/tntcore/internal/stream"
)

func newSocketpairClient(t *testing.T) (*stream.Conn, *stream.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	server := stream.NewConn(fds[0], nil)
	client := stream.NewConn(fds[1], nil)
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func testSet(t *testing.T, d *dispatcher.Dispatcher) (*Set, *queue.Queue, *atomic.Bool) {
	t.Helper()
	q := queue.New(8)
	p, err := poller.New(q, zerolog.Nop())
	require.NoError(t, err)

	var shutdown atomic.Bool
	done := make(chan error, 1)
	go func() { done <- p.Run(shutdown.Load) }()
	t.Cleanup(func() { shutdown.Store(true); p.Stop(); <-done })

	opts := Options{
		MaxRequestTime:     time.Second,
		KeepAliveTimeout:   time.Second,
		SocketReadTimeout:  time.Second,
		SocketWriteTimeout: time.Second,
		DefaultContentType: "text/plain",
	}
	s := NewSet(1, opts, q, p, d, &shutdown, func(error) {}, zerolog.Nop())
	return s, q, &shutdown
}

func TestWorkerServesRequestAndCloses(t *testing.T) {
	d := dispatcher.New(0)
	require.NoError(t, d.AddRule(dispatcher.Rule{Pattern: "/hello", Handler: func(req *httpproto.Request) (*httpproto.Reply, bool) {
		return &httpproto.Reply{Code: 200, Body: []byte("hi")}, true
	}}))

	s, q, _ := testSet(t, d)
	s.Spawn()

	server, client := newSocketpairClient(t)
	j := job.Acquire(1, server, 0)
	require.NoError(t, q.Put(j))

	_, err := client.Write([]byte("GET /hello HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	client.SetTimeout(time.Second)
	line, err := bufio.NewReader(readerFunc(client.Read)).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "200 OK")
}

func TestWorkerKeepAliveParksJob(t *testing.T) {
	d := dispatcher.New(0)
	require.NoError(t, d.AddRule(dispatcher.Rule{Pattern: "/k", Handler: func(req *httpproto.Request) (*httpproto.Reply, bool) {
		return &httpproto.Reply{Code: 200, Body: []byte("ok")}, true
	}}))

	s, q, _ := testSet(t, d)
	s.Spawn()

	server, client := newSocketpairClient(t)
	j := job.Acquire(2, server, 3)
	require.NoError(t, q.Put(j))

	_, err := client.Write([]byte("GET /k HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n"))
	require.NoError(t, err)

	client.SetTimeout(time.Second)
	line, err := bufio.NewReader(readerFunc(client.Read)).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "200 OK")

	// The connection should remain open (parked in the poller) rather than
	// being closed, since KeepAlive was requested and the counter allowed it.
	_, err = client.Write([]byte("x"))
	assert.NoError(t, err)
}

// readerFunc adapts a Read method value to io.Reader for bufio.NewReader.
type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
