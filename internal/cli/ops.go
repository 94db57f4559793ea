package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/akattendance/punchsync/internal/export"
	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/wake"
)

// WakeOptions holds flags for the wake command.
type WakeOptions struct {
	*RootOptions
	URL string
}

// NewWakeCommand creates the wake command.
func NewWakeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WakeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "wake",
		Short: "Publish a background wake message",
		Long: `Publish one SYNC_PUNCHES message to the durable sync-punches queue.
A running "punchsync serve" with amqp_url configured turns it into a
background-wake sync trigger. Schedulers (cron, systemd timers) call this.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWake(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "AMQP broker URL (overrides config amqp_url)")
	return cmd
}

func runWake(cmd *cobra.Command, opts *WakeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	url := cfg.AMQPURL
	if opts.URL != "" {
		url = opts.URL
	}
	if url == "" {
		url = wake.DefaultURL
	}

	if err := wake.Publish(cmd.Context(), url); err != nil {
		return WrapExitError(ExitFailure, "failed to publish wake message", err)
	}
	return opts.formatter(cmd).Emit(
		map[string]any{"queue": wake.QueueName, "published_at": time.Now().UTC()},
		fmt.Sprintf("Published wake message to %s\n", wake.QueueName),
	)
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Out string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the local queue to an xlsx workbook",
		Long: `Write every punch in the local queue, synced or not, to an xlsx
workbook with one Queue sheet. Useful to hand a device's backlog to
an administrator when it cannot reach the server.

Example:
  punchsync export --out backlog.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file (required)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	punches, err := a.store.Punches(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read queue", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(opts.Out), ".export-*.xlsx")
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot write output", err)
	}
	defer os.Remove(tmp.Name())

	if err := export.WriteWorkbook(tmp, punches); err != nil {
		tmp.Close()
		return WrapExitError(ExitFailure, "failed to write workbook", err)
	}
	if err := tmp.Close(); err != nil {
		return WrapExitError(ExitFailure, "failed to write workbook", err)
	}
	if err := os.Rename(tmp.Name(), opts.Out); err != nil {
		return WrapExitError(ExitFailure, "failed to write workbook", err)
	}

	return opts.formatter(cmd).Emit(
		map[string]any{"out": opts.Out, "rows": len(punches)},
		fmt.Sprintf("Wrote %d punches to %s\n", len(punches), opts.Out),
	)
}

// PhotosCleanupOptions holds flags for the photos-cleanup command.
type PhotosCleanupOptions struct {
	*RootOptions
	Days int
}

// NewPhotosCleanupCommand creates the photos-cleanup command.
func NewPhotosCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PhotosCleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "photos-cleanup",
		Short: "Delete remote punch photos older than the photo retention window",
		Long: `Delete the stored photos of remote punch records dated before the
photo retention window and clear their photo URLs. Rows themselves are kept.

The window is the photo_retention_days setting of the remote backend,
falling back to the locally cached copy and then to 30 days.

Example:
  punchsync photos-cleanup
  punchsync photos-cleanup --days 60`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPhotosCleanup(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.Days, "days", 0, "photo retention window in days (default: photo_retention_days setting)")
	return cmd
}

func runPhotosCleanup(cmd *cobra.Command, opts *PhotosCleanupOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	override := cmd.Flags().Changed("days")
	if override && opts.Days < 1 {
		return NewExitError(ExitCommandError, "--days must be at least 1")
	}

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	days := opts.Days
	if !override {
		days, err = photoRetentionDays(cmd.Context(), a)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read photo retention", err)
		}
	}

	n, err := a.remote.CleanupOldPhotos(cmd.Context(), days)
	if err != nil {
		return WrapExitError(ExitFailure, "photo cleanup failed", err)
	}
	return opts.formatter(cmd).Emit(
		map[string]any{"cleaned": n, "retention_days": days},
		fmt.Sprintf("Cleaned %d photos older than %d days\n", n, days),
	)
}

// photoRetentionDays reads photo_retention_days from the remote backend,
// then from the local settings cache, then falls back to the default.
func photoRetentionDays(ctx context.Context, a *app) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	settings, err := a.remote.Settings(rctx, punch.SettingPhotoRetentionDays)
	cancel()
	if err != nil {
		slog.Warn("remote settings unavailable, using cached photo retention", "error", err)
	} else if n, err := strconv.Atoi(settings[punch.SettingPhotoRetentionDays]); err == nil && n > 0 {
		return n, nil
	}

	n, err := a.store.IntSetting(ctx, punch.SettingPhotoRetentionDays, punch.DefaultPhotoRetentionDays)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return punch.DefaultPhotoRetentionDays, nil
	}
	return n, nil
}
