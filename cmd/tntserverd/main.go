// Command tntserverd is the process entrypoint: it resolves configuration,
// wires the URL dispatcher, and runs the serving core either directly or
// under a monitor process that restarts it on abnormal exit.
//
// Grounded on goji's serve.go (flag + bind + graceful) and tntnet's
// cxxtools::arg-based main, enriched with github.com/spf13/cobra for
// subcommands/flags and go.uber.org/automaxprocs to size GOMAXPROCS to the
// container's cgroup quota before the worker pool is sized (SPEC_FULL.md
// §10.2).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/kfcemployee/tntcore/internal/config"
	"github.com/kfcemployee/tntcore/internal/core"
	"github.com/kfcemployee/tntcore/internal/dispatcher"
	"github.com/kfcemployee/tntcore/internal/httpproto"
	"github.com/kfcemployee/tntcore/internal/procsuper"
)

// version is set at build time via -ldflags; it defaults to "dev" so `go
// run`/ad-hoc builds still print something sensible.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		confPath string
		pidFile  string
		daemon   bool
		user     string
	)

	root := &cobra.Command{
		Use:   "tntserverd",
		Short: "Multi-threaded HTTP/HTTPS application server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the server (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(confPath, pidFile, daemon, user)
		},
	}
	runCmd.Flags().StringVar(&confPath, "conf", "/etc/tntserverd.conf", "path to the configuration file")
	runCmd.Flags().StringVar(&pidFile, "pidfile", "", "path to write the worker's PID file (monitor mode only)")
	runCmd.Flags().BoolVar(&daemon, "daemon", false, "run under a monitor process that restarts the server on abnormal exit")
	runCmd.Flags().StringVar(&user, "user", "", "drop privileges to this user after binding listeners (unimplemented: logged only)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}

	root.AddCommand(runCmd, versionCmd)
	root.RunE = runCmd.RunE
	root.Flags().AddFlagSet(runCmd.Flags())
	return root
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func runServer(confPath, pidFile string, daemon bool, user string) error {
	log := newLogger()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("failed to adjust GOMAXPROCS")
	}

	if daemon && !procsuper.IsWorker() {
		mon := procsuper.NewMonitor(procsuper.Options{
			Args:    os.Args[1:],
			PidFile: pidFile,
			Log:     log,
		})
		return mon.Run()
	}

	if user != "" {
		log.Warn().Str("user", user).Msg("privilege drop requested but not implemented by this build")
	}

	cfg, err := config.Load(confPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts, err := config.Resolve(cfg)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}

	d := dispatcher.New(opts.MaxUrlMapCache)
	if err := wireDispatcher(d, opts.MapUrl, log); err != nil {
		return fmt.Errorf("wire dispatcher: %w", err)
	}

	sc, err := core.New(opts, d, log)
	if err != nil {
		return fmt.Errorf("construct server core: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("signal received, shutting down")
		sc.Shutdown()
	}()

	return sc.Run(ctx)
}

// wireDispatcher resolves each config.MapRule's Component name against the
// built-in component registry and registers the resulting dispatcher.Rule.
// A real deployment would extend this registry with application-specific
// handlers; this build ships the two components tntnet.cpp's own default
// config commonly wires: a static file server and a debugging echo
// endpoint, mirroring the teacher's commented Static()/File() API.
func wireDispatcher(d *dispatcher.Dispatcher, rules []config.MapRule, log zerolog.Logger) error {
	for _, r := range rules {
		h, err := resolveComponent(r)
		if err != nil {
			return err
		}
		if err := d.AddRule(dispatcher.Rule{
			Vhost:     r.Vhost,
			Pattern:   r.Pattern,
			Component: r.Component,
			PathInfo:  r.PathInfo,
			Args:      r.Args,
			Handler:   h,
		}); err != nil {
			return fmt.Errorf("MapUrl %s -> %s: %w", r.Pattern, r.Component, err)
		}
		log.Debug().Str("pattern", r.Pattern).Str("component", r.Component).Msg("registered route")
	}
	return nil
}

func resolveComponent(r config.MapRule) (dispatcher.Handler, error) {
	switch r.Component {
	case "static":
		if len(r.Args) == 0 {
			return nil, fmt.Errorf("static component requires a docroot argument")
		}
		return staticHandler(r.Args[0]), nil
	case "echo":
		return echoHandler(), nil
	default:
		return nil, fmt.Errorf("unknown component %q", r.Component)
	}
}

// staticHandler serves files under docroot, joined with the request path,
// refusing to escape docroot.
func staticHandler(docroot string) dispatcher.Handler {
	return func(req *httpproto.Request) (*httpproto.Reply, bool) {
		rel := string(req.Path)
		clean := filepath.Clean("/" + rel)
		full := filepath.Join(docroot, clean)
		if !strings.HasPrefix(full, filepath.Clean(docroot)) {
			return &httpproto.Reply{Code: 403, Body: []byte("forbidden")}, true
		}

		data, err := os.ReadFile(full)
		if err != nil {
			return &httpproto.Reply{Code: 404, Body: []byte("not found")}, true
		}

		ct := http.DetectContentType(data)
		return &httpproto.Reply{
			Code:    200,
			Headers: []httpproto.Header{{Key: []byte("Content-Type"), Val: []byte(ct)}},
			Body:    data,
		}, true
	}
}

func echoHandler() dispatcher.Handler {
	return func(req *httpproto.Request) (*httpproto.Reply, bool) {
		return &httpproto.Reply{
			Code: 200,
			Body: append(append([]byte{}, req.Method...), append([]byte(" "), req.Path...)...),
		}, true
	}
}
