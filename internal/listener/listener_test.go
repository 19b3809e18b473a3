package listener

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfcemployee/tntcore/internal/job"
	"github.com/kfcemployee/tntcore/internal/queue"
)

func TestListenerAcceptsConnectionAndEnqueuesJob(t *testing.T) {
	q := queue.New(4)
	var nextID atomic.Uint64
	var shutdown atomic.Bool

	l, err := New("test", Config{
		IP:           "127.0.0.1",
		Port:         19080 + int(time.Now().UnixNano()%400),
		Backlog:      8,
		Retry:        1,
		KeepAliveMax: 5,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, q, &nextID, &shutdown, zerolog.Nop())
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- l.Run() }()
	t.Cleanup(func() { shutdown.Store(true); <-runDone })

	conn, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	var got *job.Job
	done := make(chan struct{})
	go func() {
		j, err := q.Get()
		require.NoError(t, err)
		got = j
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not enqueue a job for the accepted connection")
	}
	assert.Equal(t, uint64(1), got.ID)
}

func TestListenerStopsOnShutdown(t *testing.T) {
	q := queue.New(4)
	var nextID atomic.Uint64
	var shutdown atomic.Bool

	l, err := New("test", Config{
		IP:      "127.0.0.1",
		Port:    19500 + int(time.Now().UnixNano()%400),
		Backlog: 8,
		Retry:   1,
	}, q, &nextID, &shutdown, zerolog.Nop())
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- l.Run() }()

	shutdown.Store(true)
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after shutdown flag was set")
	}
}
