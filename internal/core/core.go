// Package core implements the ServerCore: the supervisor that owns the
// queue, listeners, poller, worker set and timer, and runs the elasticity
// control loop and shutdown protocol described in SPEC_FULL.md §4.6.
//
// Goroutine fan-out is supervised with golang.org/x/sync/errgroup rather
// than a hand-rolled sync.WaitGroup plus error channel, per SPEC_FULL.md
// §10.8 — the first fatal error from any collaborator cancels the group's
// context and drives Shutdown.
package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kfcemployee/tntcore/internal/config"
	"github.com/kfcemployee/tntcore/internal/dispatcher"
	"github.com/kfcemployee/tntcore/internal/httpproto"
	"github.com/kfcemployee/tntcore/internal/job"
	"github.com/kfcemployee/tntcore/internal/listener"
	"github.com/kfcemployee/tntcore/internal/poller"
	"github.com/kfcemployee/tntcore/internal/queue"
	"github.com/kfcemployee/tntcore/internal/scope"
	"github.com/kfcemployee/tntcore/internal/stream"
	"github.com/kfcemployee/tntcore/internal/timer"
	"github.com/kfcemployee/tntcore/internal/worker"
)

// ServerCore owns every long-lived collaborator for one running server
// instance.
type ServerCore struct {
	opts       *config.Options
	dispatcher *dispatcher.Dispatcher
	scopes     *scope.Manager
	log        zerolog.Logger

	queue     *queue.Queue
	poller    *poller.Poller
	workers   *worker.Set
	listeners []*listener.Listener
	timer     *timer.Timer

	nextJobID atomic.Uint64
	shutdown  atomic.Bool
	fatalOnce sync.Once
	fatalErr  error
}

// New constructs a ServerCore from resolved options, a populated dispatcher
// (every MapUrl/VMapUrl rule already registered against a handler), and a
// root logger every component sub-loggers from.
func New(opts *config.Options, d *dispatcher.Dispatcher, log zerolog.Logger) (*ServerCore, error) {
	job.Configure(opts.MaxRequestSize)

	sc := &ServerCore{
		opts:       opts,
		dispatcher: d,
		scopes:     scope.NewManager(opts.SessionTimeout),
		log:        log,
		queue:      queue.New(opts.QueueSize),
	}

	p, err := poller.New(sc.queue, log)
	if err != nil {
		return nil, fmt.Errorf("core: poller: %w", err)
	}
	sc.poller = p

	sc.workers = worker.NewSet(opts.MinThreads, worker.Options{
		MaxRequestTime:     opts.MaxRequestTime,
		KeepAliveTimeout:   opts.KeepAliveTimeout,
		SocketReadTimeout:  opts.SocketReadTimeout,
		SocketWriteTimeout: opts.SocketWriteTimeout,
		DefaultContentType: opts.DefaultContentType,
		Compression: httpproto.CompressionOptions{
			Enabled:         opts.EnableCompression,
			MinCompressSize: opts.MinCompressSize,
		},
	}, sc.queue, sc.poller, sc.dispatcher, &sc.shutdown, sc.Fatal, log)

	sc.timer = timer.New(sc.scopes, sc.workers, sc.poller, sc.queue, &sc.shutdown, log)

	for i, ep := range opts.Listen {
		l, err := listener.New(fmt.Sprintf("http-%d", i), listener.Config{
			IP:           ep.IP,
			Port:         ep.Port,
			Backlog:      opts.ListenBacklog,
			Retry:        opts.ListenRetry,
			KeepAliveMax: opts.KeepAliveMax,
			ReadTimeout:  opts.SocketReadTimeout,
			WriteTimeout: opts.SocketWriteTimeout,
			BufferSize:   opts.BufferSize,
		}, sc.queue, &sc.nextJobID, &sc.shutdown, log)
		if err != nil {
			return nil, fmt.Errorf("core: listener %s:%d: %w", ep.IP, ep.Port, err)
		}
		sc.listeners = append(sc.listeners, l)
	}

	for i, ep := range opts.SslListen {
		tlsCfg, err := stream.NewServerConfig(ep.Cert, ep.Key)
		if err != nil {
			return nil, fmt.Errorf("core: tls listener %s:%d: %w", ep.IP, ep.Port, err)
		}
		l, err := listener.New(fmt.Sprintf("https-%d", i), listener.Config{
			IP:           ep.IP,
			Port:         ep.Port,
			Backlog:      opts.ListenBacklog,
			Retry:        opts.ListenRetry,
			TLS:          tlsCfg,
			KeepAliveMax: opts.KeepAliveMax,
			ReadTimeout:  opts.SocketReadTimeout,
			WriteTimeout: opts.SocketWriteTimeout,
			BufferSize:   opts.BufferSize,
		}, sc.queue, &sc.nextJobID, &sc.shutdown, log)
		if err != nil {
			return nil, fmt.Errorf("core: tls listener %s:%d: %w", ep.IP, ep.Port, err)
		}
		sc.listeners = append(sc.listeners, l)
	}

	return sc, nil
}

// Fatal records err (the first one wins) and initiates shutdown, mirroring
// SPEC_FULL.md §7's "Fatal" error kind: the watchdog tripping, a bind
// failure, or an unrecoverable TLS init error all route here.
func (sc *ServerCore) Fatal(err error) {
	sc.fatalOnce.Do(func() {
		sc.fatalErr = err
		sc.log.Error().Err(err).Msg("fatal condition, initiating shutdown")
	})
	sc.Shutdown()
}

// Shutdown sets the process-wide shutdown flag. Idempotent, satisfying
// SPEC_FULL.md §8's "repeated Shutdown() calls are idempotent" property.
func (sc *ServerCore) Shutdown() {
	sc.shutdown.Store(true)
	sc.queue.Wake()
	sc.poller.Stop()
}

// Run starts every collaborator and blocks until shutdown completes,
// returning the first fatal error observed (nil on a clean shutdown).
func (sc *ServerCore) Run(ctx context.Context) error {
	if err := sc.opts.ApplyEnv(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < sc.opts.MinThreads; i++ {
		sc.workers.Spawn()
	}

	for _, l := range sc.listeners {
		l := l
		g.Go(func() error {
			if err := l.Run(); err != nil {
				sc.Fatal(err)
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := sc.poller.Run(sc.shutdown.Load); err != nil {
			sc.Fatal(err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := sc.timer.Run(); err != nil {
			sc.Fatal(err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		sc.controlLoop(gctx)
		return nil
	})

	err := g.Wait()
	sc.workers.Wait()
	if err != nil {
		return err
	}
	return sc.fatalErr
}

// controlLoop is the elasticity loop of SPEC_FULL.md §4.6: it watches the
// queue's noIdleWorkers hint and grows the worker pool up to maxThreads,
// damped by ThreadStartDelay, until shutdown is observed.
func (sc *ServerCore) controlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			sc.runShutdownProtocol()
			return
		case <-sc.queue.NoIdleWorkers():
			if sc.shutdown.Load() {
				sc.runShutdownProtocol()
				return
			}
			if sc.workers.Len() < sc.opts.MaxThreads {
				sc.workers.Spawn()
			}
			time.Sleep(sc.opts.ThreadStartDelay)
		}
	}
}

// runShutdownProtocol executes SPEC_FULL.md §4.6's five-step teardown.
// Listeners and the Poller stop accepting new work on their own once they
// observe the shutdown flag (already set by whoever called Shutdown); this
// closes the queue so idle Workers unblock and drain whatever remains.
func (sc *ServerCore) runShutdownProtocol() {
	sc.log.Info().Msg("shutdown protocol running")
	sc.queue.Close()
}
