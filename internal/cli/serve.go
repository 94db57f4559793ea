package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/akattendance/punchsync/internal/admission"
	"github.com/akattendance/punchsync/internal/api"
	"github.com/akattendance/punchsync/internal/config"
	"github.com/akattendance/punchsync/internal/engine"
	"github.com/akattendance/punchsync/internal/facematch"
	"github.com/akattendance/punchsync/internal/trigger"
	"github.com/akattendance/punchsync/internal/wake"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture API and background sync",
		Long: `Run the device process: the local HTTP API the capture UI talks to,
the connectivity monitor, the sync trigger surface, the optional periodic
ticker and the optional background wake consumer.

A sync pass starts on startup when the remote is reachable, on every
reconnection, on POST /sync, on each tick and on each wake message.
SIGINT or SIGTERM stops intake and waits for a running pass to return.

Example:
  punchsync serve --config /etc/punchsync.cue
  PUNCHSYNC_REMOTE=memory punchsync serve --addr 127.0.0.1:8080 -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides config http_addr)")
	return cmd
}

// relay breaks the construction cycle monitor -> surface -> engine -> monitor.
type relay struct{ target trigger.Poster }

func (r *relay) Post(t trigger.Trigger) bool { return r.target.Post(t) }

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.HTTPAddr = opts.Addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("error closing resources", "error", err)
		}
	}()

	rl := &relay{}
	monitor := trigger.NewMonitor(a.remote, rl, trigger.WithProbeInterval(cfg.ProbeInterval))
	eng := a.engine(engine.WithConnectivity(monitor))
	surface := trigger.NewSurface(eng)
	rl.target = surface

	gate := admission.NewGate(a.store, facematch.New(a.store),
		admission.WithThreshold(cfg.FaceThreshold),
		admission.WithRecorder(a.remote),
	)
	deps := api.Deps{
		Gate:      gate,
		Queue:     a.store,
		Status:    eng,
		Triggers:  surface,
		JWTSecret: cfg.JWTSecret,
	}
	if cfg.Remote == config.RemoteMySQL {
		deps.PhotoDir = cfg.PhotoDir
	}
	server := api.New(deps)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 1)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("component stopped", "component", name, "error", err)
			select {
			case errc <- fmt.Errorf("%s: %w", name, err):
			default:
			}
			cancel()
		}()
	}

	spawn("surface", surface.Run)
	spawn("monitor", monitor.Run)
	spawn("ticker", func(ctx context.Context) error {
		trigger.Tick(ctx, surface, cfg.SyncInterval)
		return nil
	})
	if cfg.AMQPURL != "" {
		spawn("wake", wake.NewConsumer(cfg.AMQPURL, surface).Run)
	}
	spawn("http", func(ctx context.Context) error {
		return server.Serve(ctx, cfg.HTTPAddr)
	})

	slog.Info("punchsync started",
		"db", cfg.DBPath,
		"remote", cfg.Remote,
		"http_addr", cfg.HTTPAddr,
		"sync_interval", cfg.SyncInterval,
		"lease", a.lease != nil,
		"wake", cfg.AMQPURL != "",
	)

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()

	select {
	case err := <-errc:
		return WrapExitError(ExitFailure, "serve failed", err)
	default:
	}
	slog.Info("stopped gracefully")
	return nil
}
