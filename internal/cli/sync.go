package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/akattendance/punchsync/internal/engine"
)

// probed is the connectivity of one-shot commands: a single Ping at start.
type probed bool

func (p probed) Online() bool { return bool(p) }

func probe(ctx context.Context, a *app) probed {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.remote.Ping(ctx) == nil
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass",
		Long: `Run one sync pass now: upload every queued punch in capture order,
refresh the face template, location and settings caches, and sweep
synced punches older than the retention window.

A pass that finds the remote unreachable is skipped, not failed.

Exit codes:
  0 - pass ran or was skipped
  1 - the local queue failed during the pass`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, rootOpts)
		},
	}
}

func runSync(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	eng := a.engine(engine.WithConnectivity(probe(ctx, a)))
	rep, syncErr := eng.SyncAll(ctx)

	var b strings.Builder
	if !rep.Ran() {
		fmt.Fprintf(&b, "Sync skipped: %s\n", rep.Skipped)
	} else {
		fmt.Fprintf(&b, "Sync pass %s\n", rep.PassID)
		fmt.Fprintf(&b, "  uploaded: %d\n", rep.Uploaded)
		fmt.Fprintf(&b, "  failed:   %d\n", rep.Failed)
		if rep.PhotoFailures > 0 {
			fmt.Fprintf(&b, "  photo failures: %d\n", rep.PhotoFailures)
		}
		if rep.StoreFaults > 0 {
			fmt.Fprintf(&b, "  store faults: %d\n", rep.StoreFaults)
		}
		fmt.Fprintf(&b, "  purged:   %d\n", rep.Purged)
	}
	if err := opts.formatter(cmd).Emit(rep, b.String()); err != nil {
		return err
	}
	if syncErr != nil {
		return WrapExitError(ExitFailure, "sync pass hit local store failures", syncErr)
	}
	return nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.engine(engine.WithConnectivity(probe(ctx, a))).Status(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read status", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Online:    %t\n", st.Online)
	fmt.Fprintf(&b, "Unsynced:  %d\n", st.UnsyncedCount)
	last := st.LastSyncTime
	if last == "" {
		last = "never"
	}
	fmt.Fprintf(&b, "Last sync: %s\n", last)
	if st.LeaseHolder != "" {
		fmt.Fprintf(&b, "Lease:     held by %s\n", st.LeaseHolder)
	}
	for _, s := range st.Stuck {
		fmt.Fprintf(&b, "  punch %d: %d attempts, last error: %s\n", s.PunchID, s.Attempts, s.LastError)
	}
	return opts.formatter(cmd).Emit(st, b.String())
}

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Days int
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced punches older than the retention window",
		Long: `Delete synced punches whose sync time is more than --days days ago.
Unsynced punches are never deleted. Without --days the configured
retention window applies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.Days, "days", 0, "retention window in days (default: configured retention_days)")
	return cmd
}

func runPurge(cmd *cobra.Command, opts *PurgeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	days := cfg.RetentionDays
	if cmd.Flags().Changed("days") {
		if opts.Days < 1 {
			return NewExitError(ExitCommandError, "--days must be at least 1")
		}
		days = opts.Days
	}

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.PurgeSyncedOlderThan(cmd.Context(), days)
	if err != nil {
		return WrapExitError(ExitFailure, "purge failed", err)
	}
	return opts.formatter(cmd).Emit(
		map[string]any{"purged": n, "days": days},
		fmt.Sprintf("Purged %d synced punches older than %d days\n", n, days),
	)
}
