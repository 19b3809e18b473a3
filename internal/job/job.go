// Package job defines the unit of work that flows between the queue, the
// worker pool and the poller.
package job

import (
	"sync"
	"time"

	"github.com/kfcemployee/tntcore/internal/stream"
)

const defaultMaxRequestSize = 1<<16 - 1

// maxRequestSize backs bufPool's allocation size. It defaults to
// defaultMaxRequestSize and can be overridden once at startup via Configure,
// before any Listener begins accepting connections, so the MaxRequestSize
// config key (SPEC_FULL.md §6) actually governs the pooled buffer size
// rather than a value baked in at compile time.
var maxRequestSize = defaultMaxRequestSize

// Configure sets the buffer size new pooled Jobs are allocated with. It must
// be called before the first Acquire; calling it afterwards only affects
// buffers allocated from then on, since already-pooled buffers keep their
// original capacity.
func Configure(bufSize int) {
	if bufSize <= 0 {
		bufSize = defaultMaxRequestSize
	}
	maxRequestSize = bufSize
}

// Job binds one client connection to its in-flight request state. A Job is
// owned by exactly one of {queue, Worker, Poller} at any instant; see
// DESIGN.md for the ownership discussion.
type Job struct {
	ID uint64

	Stream stream.Stream

	// KeepAlive is the number of additional times this connection may be
	// reused after the current request completes. It is decremented by the
	// Worker, never by the Job itself.
	KeepAlive int32

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Buf holds request bytes read so far but not yet fully parsed. It is
	// pooled (see bufPool) so steady-state operation performs no
	// allocation once warmed up.
	Buf []byte

	// Deadline is set by the Poller when a Job is parked; it is the wall
	// clock time after which the parked connection is considered idle-timed-out.
	Deadline time.Time
}

var (
	jobPool = sync.Pool{New: func() any { return &Job{} }}
	bufPool = sync.Pool{New: func() any { return make([]byte, 0, maxRequestSize) }}
)

// Acquire returns a Job from the pool, wired to s, ready for a fresh request.
func Acquire(id uint64, s stream.Stream, keepAlive int32) *Job {
	j := jobPool.Get().(*Job)
	j.ID = id
	j.Stream = s
	j.KeepAlive = keepAlive
	j.Deadline = time.Time{}
	if j.Buf == nil {
		j.Buf = bufPool.Get().([]byte)
	}
	j.Buf = j.Buf[:0]
	return j
}

// Release returns j's buffer to the pool and j itself to the job pool. The
// caller must not use j after calling Release, and must have already closed
// j.Stream if the connection is being torn down.
func Release(j *Job) {
	if j.Buf != nil {
		bufPool.Put(j.Buf[:0])
	}
	j.Stream = nil
	j.Buf = nil
	jobPool.Put(j)
}
