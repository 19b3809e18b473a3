package stream

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpairConns returns two connected, non-blocking Conns sharing a
// kernel socketpair, standing in for a real TCP connection in tests.
func socketpairConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	a := NewConn(fds[0], nil)
	b := NewConn(fds[1], nil)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestConnReadWriteRoundTrip(t *testing.T) {
	a, b := socketpairConns(t)

	_, err := a.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestConnReadTimeoutImmediate(t *testing.T) {
	_, b := socketpairConns(t)
	b.SetTimeout(TimeoutImmediate)

	buf := make([]byte, 16)
	_, err := b.Read(buf)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConnReadTimeoutElapses(t *testing.T) {
	_, b := socketpairConns(t)
	b.SetTimeout(20 * time.Millisecond)

	buf := make([]byte, 16)
	start := time.Now()
	_, err := b.Read(buf)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnReadBlocksUntilDataArrives(t *testing.T) {
	a, b := socketpairConns(t)
	b.SetTimeout(time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = a.Write([]byte("x"))
	}()

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
}

func TestConnReadEOFOnPeerClose(t *testing.T) {
	a, b := socketpairConns(t)
	require.NoError(t, a.Close())

	buf := make([]byte, 16)
	_, err := b.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDeadlineToTimeout(t *testing.T) {
	assert.Equal(t, TimeoutIndefinite, deadlineToTimeout(time.Time{}))
	assert.Equal(t, time.Duration(0), deadlineToTimeout(time.Now().Add(-time.Second)))
	assert.Greater(t, deadlineToTimeout(time.Now().Add(time.Minute)), time.Duration(0))
}
