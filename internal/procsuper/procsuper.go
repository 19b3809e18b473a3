// Package procsuper implements the monitor/worker process supervision
// pattern: a long-lived monitor process re-execs itself as a worker child,
// writes a PID file for the child, restarts it on abnormal exit with
// backoff, and fans out termination signals to the child.
//
// Grounded on tntnet.cpp's monitorProcess/workerProcess fork-and-restart
// loop and tnt/tntnet.h's PID-file/user/group fields. Go cannot fork() as
// cheaply as the source's C++ runtime, so the monitor re-execs os.Args[0]
// with a sentinel environment variable instead — the idiomatic Go
// substitute for fork()+exec (SPEC_FULL.md §10.6).
package procsuper

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// WorkerEnvVar, when set in the child's environment, tells main() to skip
// the monitor and run the serving core directly.
const WorkerEnvVar = "TNTCORE_WORKER"

// Options configures the monitor loop.
type Options struct {
	// Args are the arguments re-exec'd into the worker process (normally
	// os.Args[1:]).
	Args []string

	PidFile string

	// RestartBackoff bounds the delay before restarting a worker that exited
	// abnormally; it grows with consecutive failures up to this value.
	RestartBackoff time.Duration

	Log zerolog.Logger
}

// Monitor supervises one worker child process.
type Monitor struct {
	opts Options
}

// NewMonitor constructs a Monitor with the given options.
func NewMonitor(opts Options) *Monitor {
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = 30 * time.Second
	}
	return &Monitor{opts: opts}
}

// Run re-execs the current binary as a worker process, restarting it on
// abnormal exit, until the monitor itself receives SIGTERM/SIGINT/SIGHUP, at
// which point it forwards the signal to the worker and exits once the
// worker has exited.
func (m *Monitor) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	backoff := time.Second
	for {
		cmd, err := m.spawn()
		if err != nil {
			return fmt.Errorf("procsuper: spawn: %w", err)
		}

		if err := m.writePidFile(cmd.Process.Pid); err != nil {
			m.opts.Log.Warn().Err(err).Msg("failed to write pid file")
		}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case sig := <-sigCh:
			m.opts.Log.Info().Str("signal", sig.String()).Msg("forwarding signal to worker")
			_ = cmd.Process.Signal(sig)
			<-done
			m.removePidFile()
			return nil

		case err := <-done:
			m.removePidFile()
			if err == nil {
				m.opts.Log.Info().Msg("worker exited cleanly")
				return nil
			}
			m.opts.Log.Warn().Err(err).Msg("worker exited abnormally, restarting")
			time.Sleep(backoff)
			if backoff < m.opts.RestartBackoff {
				backoff *= 2
				if backoff > m.opts.RestartBackoff {
					backoff = m.opts.RestartBackoff
				}
			}
		}
	}
}

func (m *Monitor) spawn() (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(self, m.opts.Args...)
	cmd.Env = append(os.Environ(), WorkerEnvVar+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (m *Monitor) writePidFile(pid int) error {
	if m.opts.PidFile == "" {
		return nil
	}
	return os.WriteFile(m.opts.PidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (m *Monitor) removePidFile() {
	if m.opts.PidFile == "" {
		return
	}
	_ = os.Remove(m.opts.PidFile)
}

// IsWorker reports whether the current process was re-exec'd by a Monitor.
func IsWorker() bool {
	return os.Getenv(WorkerEnvVar) != ""
}
