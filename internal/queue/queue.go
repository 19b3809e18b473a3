// Package queue implements the BoundedJobQueue: the FIFO producer–consumer
// boundary between Listeners/Poller (producers) and Workers (consumers).
//
// Grounded on the teacher's jobs channel (server/engine/epoll.go's
// `jobs := make(chan int, 1024)`), generalized to a resizable, capacity-
// enforcing FIFO with explicit idle-worker accounting, since a Go channel's
// capacity is fixed at creation and SPEC_FULL.md §4.1 requires SetCapacity to
// shrink a live queue.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/kfcemployee/tntcore/internal/job"
)

// ErrClosed is returned by Get once the queue has been closed and drained,
// and by Put once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// ErrTimeout is returned by GetTimeout when no Job became available before
// the deadline elapsed.
var ErrTimeout = errors.New("queue: timeout")

// Queue is the BoundedJobQueue described in SPEC_FULL.md §4.1.
type Queue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items []*job.Job
	cap   int

	idleWorkers int

	// wake is an edge-triggered, capacity-1 "no idle workers" hint consumed
	// by the ServerCore's elasticity loop. A non-blocking send means the
	// signal may coalesce multiple Puts into a single wakeup, which is
	// explicitly permitted by the spec (advisory, may be spurious).
	wake chan struct{}

	closed bool
}

// New constructs a queue with the given capacity.
func New(capacity int) *Queue {
	q := &Queue{
		cap:  capacity,
		wake: make(chan struct{}, 1),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// NoIdleWorkers returns the channel the ServerCore's control loop selects
// on. A receive unblocks whenever some Put found no worker idle at the
// moment it happened; it is a hint, not a count (see SPEC_FULL.md §4.1).
func (q *Queue) NoIdleWorkers() <-chan struct{} { return q.wake }

// Put appends j to the queue, blocking the caller while the queue is at
// capacity. Returns ErrClosed if the queue has been closed.
func (q *Queue) Put(j *job.Job) error {
	q.mu.Lock()
	for len(q.items) >= q.cap && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	noIdle := q.idleWorkers == 0
	q.items = append(q.items, j)
	q.notEmpty.Signal()
	q.mu.Unlock()

	if noIdle {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Get removes and returns the head Job, blocking while the queue is empty.
// Once the queue is closed, Get continues to drain whatever remains before
// returning ErrClosed, satisfying the "workers drain the queue to empty
// before exiting" shutdown rule in SPEC_FULL.md §4.6.
func (q *Queue) Get() (*job.Job, error) {
	q.mu.Lock()
	q.idleWorkers++
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		q.idleWorkers--
		q.mu.Unlock()
		return nil, ErrClosed
	}

	q.idleWorkers--
	j := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	q.mu.Unlock()
	return j, nil
}

// GetTimeout behaves like Get but gives up and returns ErrTimeout if no Job
// arrives within d. It exists so a Worker can periodically reconsider
// self-retirement (SPEC_FULL.md §4.5) without staying blocked in Get forever;
// sync.Cond has no native timed wait, so this uses the standard Go idiom of
// a time.AfterFunc that broadcasts notEmpty to force a recheck of the
// deadline on every wake.
func (q *Queue) GetTimeout(d time.Duration) (*job.Job, error) {
	deadline := time.Now().Add(d)

	q.mu.Lock()
	q.idleWorkers++
	for len(q.items) == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.idleWorkers--
			q.mu.Unlock()
			return nil, ErrTimeout
		}

		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		q.notEmpty.Wait()
		timer.Stop()
	}

	if len(q.items) == 0 {
		q.idleWorkers--
		q.mu.Unlock()
		return nil, ErrClosed
	}

	q.idleWorkers--
	j := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	q.mu.Unlock()
	return j, nil
}

// Wake forces a spurious receive on the noIdleWorkers channel, used by the
// Timer to unblock the ServerCore's control loop during shutdown fanout
// (SPEC_FULL.md §4.7).
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// SetCapacity changes the queue's capacity. It may shrink below the current
// size: Jobs already enqueued remain valid, but Put blocks until size falls
// below the new cap.
func (q *Queue) SetCapacity(n int) {
	q.mu.Lock()
	q.cap = n
	q.mu.Unlock()
	q.notFull.Broadcast()
}

// Close marks the queue closed and wakes every blocked Put/Get so shutdown
// can proceed. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Size returns the current number of enqueued Jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the current capacity.
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cap
}

// IdleWorkers returns the number of workers currently blocked in Get.
func (q *Queue) IdleWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idleWorkers
}
