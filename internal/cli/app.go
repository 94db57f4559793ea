package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/akattendance/punchsync/internal/config"
	"github.com/akattendance/punchsync/internal/engine"
	"github.com/akattendance/punchsync/internal/lease"
	"github.com/akattendance/punchsync/internal/remote"
	"github.com/akattendance/punchsync/internal/store"
)

// app holds the collaborators a command opens from configuration.
type app struct {
	cfg    config.Config
	store  *store.Store
	remote remote.Backend
	lease  *lease.Lease // nil without redis

	closers []func() error
}

// openApp opens the local store and the remote backend. The remote is not
// contacted: a device that starts offline still serves captures.
func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open local queue", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	switch cfg.Remote {
	case config.RemoteMemory:
		slog.Warn("using in-memory remote backend, uploads are not persisted")
		a.remote = remote.NewMemory()
	default:
		blobs, err := remote.NewFileBlobs(cfg.PhotoDir, cfg.PhotoBaseURL)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to prepare photo storage", err)
		}
		db, err := remote.DialMySQL(cfg.MySQL)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "invalid mysql configuration", err)
		}
		a.closers = append(a.closers, db.Close)
		a.remote = remote.NewMySQL(db, blobs)
	}

	if cfg.RedisAddr != "" {
		client, err := lease.Connect(ctx, lease.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			slog.Warn("sync lease disabled", "error", err)
		} else {
			a.closers = append(a.closers, client.Close)
			a.lease = lease.New(client, lease.WithTTL(cfg.LeaseTTL))
		}
	}
	return a, nil
}

// engine builds a sync engine over the app's store and remote.
func (a *app) engine(opts ...engine.EngineOption) *engine.Engine {
	base := []engine.EngineOption{
		engine.WithCallTimeout(a.cfg.CallTimeout),
		engine.WithRetentionDays(a.cfg.RetentionDays),
	}
	if a.lease != nil {
		base = append(base, engine.WithLease(a.lease))
	}
	return engine.New(a.store, a.remote, append(base, opts...)...)
}

// Close releases everything openApp opened, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
