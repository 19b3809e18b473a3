// Package worker implements the WorkerSet: the elastic pool of consumer
// goroutines that dequeue Jobs, drive one request/reply cycle through the
// HTTP and dispatcher collaborators, and either close the connection or
// park it for keep-alive reuse.
//
// Grounded on tntnet's worker.cpp Worker::threadLoop (dequeue -> parse ->
// dispatch -> reply -> park-or-close, self-retirement when idle above
// minThreads) and the teacher's engine/pool.go goroutine-per-worker style,
// generalized to the spec's elasticity and watchdog rules (SPEC_FULL.md
// §4.5).
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kfcemployee/tntcore/internal/dispatcher"
	"github.com/kfcemployee/tntcore/internal/httpproto"
	"github.com/kfcemployee/tntcore/internal/job"
	"github.com/kfcemployee/tntcore/internal/poller"
	"github.com/kfcemployee/tntcore/internal/queue"
	"github.com/kfcemployee/tntcore/internal/stream"
)

// idleGrace bounds how long a Worker blocks in GetTimeout before it
// reconsiders whether it should self-retire; it does not otherwise affect
// behavior.
const idleGrace = 30 * time.Second

// Options bundles the per-request settings a Worker needs, resolved from
// config.Options by the caller (internal/core).
type Options struct {
	MaxRequestTime     time.Duration
	KeepAliveTimeout   time.Duration
	SocketReadTimeout  time.Duration
	SocketWriteTimeout time.Duration
	DefaultContentType string
	Compression        httpproto.CompressionOptions
}

// Set is the WorkerSet described in SPEC_FULL.md §3: a live pool of Worker
// goroutines whose size the ServerCore grows between minThreads and
// maxThreads.
type Set struct {
	wg     sync.WaitGroup
	live   atomic.Int64
	nextID atomic.Uint64

	minThreads atomic.Int64

	opts       Options
	queue      *queue.Queue
	poller     *poller.Poller
	dispatcher *dispatcher.Dispatcher
	shutdown   *atomic.Bool

	// fatal is invoked exactly once per fatal condition (e.g. the
	// MaxRequestTime watchdog tripping) to drive the shutdown protocol.
	fatal func(error)

	log zerolog.Logger
}

// NewSet constructs an empty WorkerSet. Call Spawn minThreads times to
// reach the initial pool size.
func NewSet(minThreads int, opts Options, q *queue.Queue, p *poller.Poller, d *dispatcher.Dispatcher, shutdown *atomic.Bool, fatal func(error), log zerolog.Logger) *Set {
	s := &Set{
		opts:       opts,
		queue:      q,
		poller:     p,
		dispatcher: d,
		shutdown:   shutdown,
		fatal:      fatal,
		log:        log.With().Str("component", "worker").Logger(),
	}
	s.minThreads.Store(int64(minThreads))
	return s
}

// SetMinThreads adjusts the floor below which a Worker will not self-retire.
// The Timer drives this to 0 during shutdown fanout, mirroring tntnet.cpp's
// `Worker::setMinThreads(0)` call in timerTask.
func (s *Set) SetMinThreads(n int) { s.minThreads.Store(int64(n)) }

// Len returns the current number of live Worker goroutines.
func (s *Set) Len() int { return int(s.live.Load()) }

// Spawn starts one new Worker goroutine. Non-blocking; the goroutine runs
// until it self-retires or the queue closes.
func (s *Set) Spawn() {
	id := s.nextID.Add(1)
	s.live.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.live.Add(-1)
		s.runWorker(id)
	}()
}

// Wait blocks until every spawned Worker has exited.
func (s *Set) Wait() { s.wg.Wait() }

func (s *Set) shouldRetire() bool {
	return int64(s.Len()) > s.minThreads.Load()
}

func (s *Set) runWorker(id uint64) {
	log := s.log.With().Uint64("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		j, err := s.queue.GetTimeout(idleGrace)
		switch err {
		case nil:
			// fallthrough to processing below
		case queue.ErrClosed:
			return
		case queue.ErrTimeout:
			if s.shouldRetire() {
				return
			}
			continue
		default:
			log.Warn().Err(err).Msg("unexpected queue error")
			return
		}

		start := time.Now()
		s.handle(j, log)
		if elapsed := time.Since(start); elapsed > s.opts.MaxRequestTime {
			err := fmt.Errorf("worker %d: request exceeded MaxRequestTime (%s > %s)", id, elapsed, s.opts.MaxRequestTime)
			log.Error().Err(err).Msg("watchdog tripped")
			s.fatal(err)
		}

		if s.shutdown.Load() {
			// Drain whatever remains rather than exiting mid-burst, per
			// SPEC_FULL.md §9's resolution of the Listener/shutdown race.
			for {
				j, err := s.queue.Get()
				if err != nil {
					return
				}
				s.handle(j, log)
			}
		}
	}
}

func (s *Set) handle(j *job.Job, log zerolog.Logger) {
	j.Stream.SetTimeout(s.opts.SocketReadTimeout)

	var hbuf [32]httpproto.Header
	var req httpproto.Request
	if err := httpproto.ReadRequest(j.Stream, j, hbuf[:], &req); err != nil {
		s.closeJob(j)
		return
	}

	handlers := s.dispatcher.Match(&req)
	var reply *httpproto.Reply
	for _, h := range handlers {
		if r, ok := h(&req); ok {
			reply = r
			break
		}
	}
	if reply == nil {
		reply = &httpproto.Reply{Code: 404, Body: []byte("not found")}
	}

	reply.KeepAlive = j.KeepAlive > 0 && req.WantsKeepAlive()
	httpproto.PrepareReply(reply, req.Header("Accept-Encoding"), s.opts.DefaultContentType, s.opts.Compression)

	j.Stream.SetTimeout(s.opts.SocketWriteTimeout)
	buf := make([]byte, httpproto.ResponseSize(reply))
	n := httpproto.BuildResponse(buf, reply)
	if _, err := j.Stream.Write(buf[:n]); err != nil {
		log.Debug().Err(err).Msg("write failed")
		s.closeJob(j)
		return
	}

	if reply.KeepAlive {
		j.KeepAlive--
		j.Stream.SetTimeout(stream.TimeoutIndefinite)
		s.poller.Park(j, time.Now().Add(s.opts.KeepAliveTimeout))
		return
	}
	s.closeJob(j)
}

func (s *Set) closeJob(j *job.Job) {
	_ = j.Stream.Close()
	job.Release(j)
}
