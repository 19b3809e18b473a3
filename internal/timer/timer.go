// Package timer implements the 1 Hz housekeeping tick: a session-timeout
// sweep on every tick and, once the shutdown flag is set, the shutdown
// fanout (dropping the worker floor to zero, waking the control loop,
// stopping the Poller). The tick does not evict idle workers while the
// server runs; workers above the floor retire on their own after an idle
// GetTimeout in internal/worker.
//
// Grounded on tntnet.cpp's Tntnet::timerTask, which runs once per second on
// its own thread (SPEC_FULL.md §4.7).
package timer

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kfcemployee/tntcore/internal/poller"
	"github.com/kfcemployee/tntcore/internal/queue"
	"github.com/kfcemployee/tntcore/internal/scope"
	"github.com/kfcemployee/tntcore/internal/worker"
)

// Tick is 1 Hz, matching tntnet.cpp's timerTask interval.
const Tick = time.Second

// Timer drives the periodic housekeeping the ServerCore depends on.
type Timer struct {
	scopes   *scope.Manager
	workers  *worker.Set
	poller   *poller.Poller
	queue    *queue.Queue
	shutdown *atomic.Bool
	log      zerolog.Logger
}

// New constructs a Timer wired to the collaborators it sweeps/signals.
func New(scopes *scope.Manager, workers *worker.Set, p *poller.Poller, q *queue.Queue, shutdown *atomic.Bool, log zerolog.Logger) *Timer {
	return &Timer{
		scopes:   scopes,
		workers:  workers,
		poller:   p,
		queue:    q,
		shutdown: shutdown,
		log:      log.With().Str("component", "timer").Logger(),
	}
}

// Run blocks, ticking once per second, until shutdown is observed. On the
// first tick where shutdown is set, it performs the shutdown fanout
// described in SPEC_FULL.md §4.7 and returns.
func (t *Timer) Run() error {
	t.log.Info().Msg("timer started")
	defer t.log.Info().Msg("timer stopped")

	ticker := time.NewTicker(Tick)
	defer ticker.Stop()

	for range ticker.C {
		evicted := t.scopes.Sweep(time.Now())
		if evicted > 0 {
			t.log.Debug().Int("evicted_sessions", evicted).Msg("session sweep")
		}

		if t.shutdown.Load() {
			t.log.Info().Msg("shutdown fanout")
			// Let every Worker above zero self-retire on its next idle check.
			t.workers.SetMinThreads(0)
			// Unblock the ServerCore's control loop, which selects on this
			// channel, so it can observe the shutdown flag without waiting
			// for a real queue-saturation event.
			t.queue.Wake()
			t.poller.Stop()
			return nil
		}
	}
	return nil
}
