package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfcemployee/tntcore/internal/job"
)

func newJob(id uint64) *job.Job {
	return job.Acquire(id, nil, 0)
}

func TestPutGetFIFO(t *testing.T) {
	q := New(4)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Put(newJob(i)))
	}

	for i := uint64(1); i <= 3; i++ {
		j, err := q.Get()
		require.NoError(t, err)
		assert.Equal(t, i, j.ID)
	}
}

func TestCapacityBlocksProducer(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Put(newJob(1)))

	putDone := make(chan struct{})
	go func() {
		_ = q.Put(newJob(2))
		close(putDone)
	}()

	select {
	case <-putDone:
		t.Fatal("Put should have blocked while queue at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Get()
	require.NoError(t, err)

	select {
	case <-putDone:
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock after a Get freed capacity")
	}
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := New(4)

	var got *job.Job
	done := make(chan struct{})
	go func() {
		j, err := q.Get()
		require.NoError(t, err)
		got = j
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, q.IdleWorkers())

	require.NoError(t, q.Put(newJob(7)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Put")
	}
	assert.Equal(t, uint64(7), got.ID)
}

func TestNoIdleWorkersSignal(t *testing.T) {
	q := New(4)

	// No worker is blocked in Get, so the first Put must raise the hint.
	require.NoError(t, q.Put(newJob(1)))

	select {
	case <-q.NoIdleWorkers():
	default:
		t.Fatal("expected NoIdleWorkers to be signalled")
	}
}

func TestCloseDrainsThenErrors(t *testing.T) {
	q := New(4)
	require.NoError(t, q.Put(newJob(1)))
	require.NoError(t, q.Put(newJob(2)))

	q.Close()

	_, err := q.Get()
	require.NoError(t, err)
	_, err = q.Get()
	require.NoError(t, err)

	_, err = q.Get()
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, q.Put(newJob(3)), ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	q := New(1)
	q.Close()
	q.Close()
	_, err := q.Get()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSetCapacityShrinkBlocksUntilDrained(t *testing.T) {
	q := New(4)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Put(newJob(i)))
	}

	q.SetCapacity(2)

	putDone := make(chan struct{})
	go func() {
		_ = q.Put(newJob(4))
		close(putDone)
	}()

	select {
	case <-putDone:
		t.Fatal("Put should block: size (3) already exceeds shrunk capacity (2)")
	case <-time.After(50 * time.Millisecond):
	}

	// One Get leaves size 2, equal to the new capacity: Put still blocks.
	_, err := q.Get()
	require.NoError(t, err)
	_, err = q.Get()
	require.NoError(t, err)

	select {
	case <-putDone:
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock once size fell below new capacity")
	}
}

func TestConcurrentProducersConsumersPreserveCount(t *testing.T) {
	q := New(8)
	const n = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < n; i++ {
			require.NoError(t, q.Put(newJob(i)))
		}
	}()

	seen := 0
	for seen < n {
		_, err := q.Get()
		require.NoError(t, err)
		seen++
	}
	wg.Wait()
	assert.Equal(t, n, seen)
}
