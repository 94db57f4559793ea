package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/remote"
	"github.com/akattendance/punchsync/internal/store"
)

const (
	// DefaultCallTimeout bounds every individual remote call of a pass.
	DefaultCallTimeout = 30 * time.Second

	// DefaultRetentionDays is how long synced items are kept locally.
	DefaultRetentionDays = 7
)

// Skip reasons reported when SyncAll returns without running a pass.
const (
	SkipOffline        = "offline"
	SkipAlreadyRunning = "already_running"
	SkipLeaseHeld      = "lease_held"
)

// Store is the subset of the local store used by the engine.
type Store interface {
	ListUnsynced(ctx context.Context) ([]punch.QueuedPunch, error)
	MarkSynced(ctx context.Context, id int64) error
	RecordSyncFailure(ctx context.Context, id int64, cause error) error
	PurgeSyncedOlderThan(ctx context.Context, days int) (int64, error)
	ReplaceFaceTemplates(ctx context.Context, templates []punch.FaceTemplate) error
	ReplacePunchLocations(ctx context.Context, locations []punch.Location) error
	PutSettings(ctx context.Context, settings map[string]string) error
	PutSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, bool, error)
	UnsyncedCount(ctx context.Context) (int, error)
	SyncAttempts(ctx context.Context) ([]store.SyncAttempt, error)
}

// Remote is the subset of the remote backend used by a sync pass.
type Remote interface {
	UploadPhoto(ctx context.Context, laborID, key string, jpeg []byte) (string, error)
	UpsertPunch(ctx context.Context, rec remote.Record) error
	UpdateDailyAttendance(ctx context.Context, laborID, date string) error
	TouchLaborerSync(ctx context.Context, laborID string, at time.Time) error
	ActiveFaceTemplates(ctx context.Context) ([]punch.FaceTemplate, error)
	ActiveLocations(ctx context.Context) ([]punch.Location, error)
	Settings(ctx context.Context, keys ...string) (map[string]string, error)
}

// Connectivity reports whether the remote backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// Lease guards a pass across processes sharing one device store.
// TryAcquire returns ok=false when another holder owns the lease.
type Lease interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// LeaseHolder is implemented by leases that can name their current holder.
type LeaseHolder interface {
	Holder(ctx context.Context) (string, error)
}

// downloadedSettings are the remote settings mirrored into the local cache.
var downloadedSettings = []string{
	punch.SettingMaxPunchesPerDay,
	punch.SettingPhotoRetentionDays,
}

// Report summarizes one SyncAll call.
type Report struct {
	PassID  string `json:"pass_id,omitempty"`
	Skipped string `json:"skipped,omitempty"`

	Uploaded      int `json:"uploaded"`
	Failed        int `json:"failed"`
	PhotoFailures int `json:"photo_failures"`
	StoreFaults   int `json:"store_faults"`

	TemplatesRefreshed bool `json:"templates_refreshed"`
	LocationsRefreshed bool `json:"locations_refreshed"`
	SettingsRefreshed  bool `json:"settings_refreshed"`

	Purged int64 `json:"purged"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Ran reports whether the call ran a pass rather than skipping.
func (r Report) Ran() bool { return r.Skipped == "" }

// Status is a point-in-time view of the sync state.
type Status struct {
	Online        bool                `json:"online"`
	Syncing       bool                `json:"syncing"`
	UnsyncedCount int                 `json:"unsynced_count"`
	LastSyncTime  string              `json:"last_sync_time,omitempty"`
	LeaseHolder   string              `json:"lease_holder,omitempty"`
	Stuck         []store.SyncAttempt `json:"stuck"`
}

// Engine moves queued punches to the remote backend and refreshes the local
// caches from it.
//
// At most one pass runs per Engine at any time. A SyncAll call that arrives
// while a pass is in progress returns immediately with SkipAlreadyRunning; it
// is never queued behind the running pass.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	store  Store
	remote Remote

	conn  Connectivity
	lease Lease
	ids   IDGenerator
	now   func() time.Time

	callTimeout   time.Duration
	retentionDays int

	syncing atomic.Bool
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithConnectivity sets the online check consulted before each pass.
// Default: always online.
func WithConnectivity(c Connectivity) EngineOption {
	return func(e *Engine) {
		e.conn = c
	}
}

// WithLease sets a cross-process lease taken for the duration of a pass.
func WithLease(l Lease) EngineOption {
	return func(e *Engine) {
		e.lease = l
	}
}

// WithIDGenerator sets the pass id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithCallTimeout sets the deadline of each remote call.
//
// Default: 30s (DefaultCallTimeout)
func WithCallTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.callTimeout = d
	}
}

// WithRetentionDays sets how many days synced items are kept.
//
// Default: 7 (DefaultRetentionDays)
func WithRetentionDays(days int) EngineOption {
	return func(e *Engine) {
		e.retentionDays = days
	}
}

// WithClock sets the time source used for laborer sync stamps and
// lastSyncTime.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// New creates an Engine over the local store s and the remote backend r.
func New(s Store, r Remote, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         s,
		remote:        r,
		conn:          alwaysOnline{},
		ids:           UUIDv7Generator{},
		now:           time.Now,
		callTimeout:   DefaultCallTimeout,
		retentionDays: DefaultRetentionDays,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Syncing reports whether a pass is currently running.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// SyncAll runs one sync pass: upload every unsynced item in capture order,
// refresh the face template, location and settings caches, sweep old synced
// items and record lastSyncTime.
//
// Once started, a pass always runs to the end. A remote failure leaves the
// item unsynced for the next pass; a local store failure is logged, counted
// in StoreFaults and the pass moves on to the next item or phase. The
// returned error joins the store failures of the pass and is nil when there
// were none.
func (e *Engine) SyncAll(ctx context.Context) (Report, error) {
	if !e.conn.Online() {
		slog.Debug("sync skipped", "reason", SkipOffline)
		return Report{Skipped: SkipOffline}, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		slog.Debug("sync skipped", "reason", SkipAlreadyRunning)
		return Report{Skipped: SkipAlreadyRunning}, nil
	}
	defer e.syncing.Store(false)

	if e.lease != nil {
		release, ok, err := e.lease.TryAcquire(ctx)
		switch {
		case err != nil:
			slog.Warn("sync lease unavailable, continuing without it", "error", err)
		case !ok:
			slog.Debug("sync skipped", "reason", SkipLeaseHeld)
			return Report{Skipped: SkipLeaseHeld}, nil
		default:
			defer release()
		}
	}

	p := &pass{
		rep: Report{
			PassID:    e.ids.Generate(),
			StartedAt: e.now().UTC(),
		},
	}
	p.log = slog.With("pass_id", p.rep.PassID)
	p.log.Info("sync pass started")

	e.upload(ctx, p)
	e.download(ctx, p)

	if purged, err := e.store.PurgeSyncedOlderThan(ctx, e.retentionDays); err != nil {
		p.storeFault("purge synced punches", err)
	} else {
		p.rep.Purged = purged
	}

	p.rep.FinishedAt = e.now().UTC()
	if err := e.store.PutSetting(ctx, punch.SettingLastSyncTime, p.rep.FinishedAt.Format(time.RFC3339)); err != nil {
		p.storeFault("record last sync time", err)
	}

	p.log.Info("sync pass finished",
		"uploaded", p.rep.Uploaded,
		"failed", p.rep.Failed,
		"photo_failures", p.rep.PhotoFailures,
		"store_faults", p.rep.StoreFaults,
		"purged", p.rep.Purged,
	)
	if len(p.faults) > 0 {
		return p.rep, fmt.Errorf("sync pass %s: %w", p.rep.PassID, errors.Join(p.faults...))
	}
	return p.rep, nil
}

// pass carries the state of one running SyncAll.
type pass struct {
	rep    Report
	log    *slog.Logger
	faults []error
}

func (p *pass) storeFault(op string, err error) {
	p.rep.StoreFaults++
	p.faults = append(p.faults, fmt.Errorf("%s: %w", op, err))
	p.log.Error("local store failed", "op", op, "error", err)
}

func (e *Engine) upload(ctx context.Context, p *pass) {
	items, err := e.store.ListUnsynced(ctx)
	if err != nil {
		p.storeFault("list unsynced punches", err)
		return
	}

	for i, item := range items {
		if ctx.Err() != nil {
			p.log.Warn("sync pass cancelled", "remaining", len(items)-i)
			return
		}

		if err := e.uploadOne(ctx, p, item); err != nil {
			p.rep.Failed++
			p.log.Warn("punch upload failed",
				"punch_id", item.ID,
				"labor_id", item.LaborID,
				"error", err,
			)
			if recErr := e.store.RecordSyncFailure(ctx, item.ID, err); recErr != nil {
				p.log.Warn("failed to record sync failure", "punch_id", item.ID, "error", recErr)
			}
			continue
		}

		// The remote row exists; the item stays unsynced locally and the
		// next pass upserts it again under the same key.
		if err := e.store.MarkSynced(ctx, item.ID); err != nil {
			p.storeFault(fmt.Sprintf("mark punch %d synced", item.ID), err)
			continue
		}
		p.rep.Uploaded++

		if err := e.call(ctx, func(ctx context.Context) error {
			return e.remote.TouchLaborerSync(ctx, item.LaborID, e.now())
		}); err != nil {
			p.log.Warn("failed to update laborer sync time", "labor_id", item.LaborID, "error", err)
		}
	}
}

// uploadOne sends one item. A failed photo upload is tolerated and the
// record is upserted without a photo URL; a failed upsert is the item's
// failure.
func (e *Engine) uploadOne(ctx context.Context, p *pass, item punch.QueuedPunch) error {
	var photoURL string
	if item.HasPhoto() {
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			photoURL, err = e.remote.UploadPhoto(ctx, item.LaborID, item.Key, item.Photo)
			return err
		})
		if err != nil {
			p.rep.PhotoFailures++
			photoURL = ""
			p.log.Warn("photo upload failed", "punch_id", item.ID, "error", err)
		}
	}

	if err := e.call(ctx, func(ctx context.Context) error {
		return e.remote.UpsertPunch(ctx, remote.RecordOf(item, photoURL))
	}); err != nil {
		return err
	}

	if err := e.call(ctx, func(ctx context.Context) error {
		return e.remote.UpdateDailyAttendance(ctx, item.LaborID, item.Date)
	}); err != nil {
		p.log.Warn("daily attendance update failed",
			"labor_id", item.LaborID,
			"date", item.Date,
			"error", err,
		)
	}
	return nil
}

// download refreshes each cache independently.
func (e *Engine) download(ctx context.Context, p *pass) {
	var templates []punch.FaceTemplate
	if err := e.call(ctx, func(ctx context.Context) error {
		var err error
		templates, err = e.remote.ActiveFaceTemplates(ctx)
		return err
	}); err != nil {
		p.log.Error("face template download failed", "error", err)
	} else if err := e.store.ReplaceFaceTemplates(ctx, templates); err != nil {
		if punch.IsStorageFault(err) {
			p.storeFault("replace face templates", err)
		} else {
			p.log.Error("face templates rejected", "error", err)
		}
	} else {
		p.rep.TemplatesRefreshed = true
	}

	var locations []punch.Location
	if err := e.call(ctx, func(ctx context.Context) error {
		var err error
		locations, err = e.remote.ActiveLocations(ctx)
		return err
	}); err != nil {
		p.log.Error("location download failed", "error", err)
	} else if err := e.store.ReplacePunchLocations(ctx, locations); err != nil {
		p.storeFault("replace punch locations", err)
	} else {
		p.rep.LocationsRefreshed = true
	}

	var settings map[string]string
	if err := e.call(ctx, func(ctx context.Context) error {
		var err error
		settings, err = e.remote.Settings(ctx, downloadedSettings...)
		return err
	}); err != nil {
		p.log.Error("settings download failed", "error", err)
		return
	}
	for k, v := range settings {
		if _, err := strconv.Atoi(v); err != nil {
			p.log.Warn("ignoring non-numeric setting", "key", k, "value", v)
			delete(settings, k)
		}
	}
	if err := e.store.PutSettings(ctx, settings); err != nil {
		p.storeFault("store settings", err)
		return
	}
	p.rep.SettingsRefreshed = true
}

// call runs fn under the per-call deadline. A deadline hit is reported as
// a remote fault like any other failure.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) && !punch.IsRemoteFault(err) {
		return punch.RemoteFault("call timed out", err)
	}
	return err
}

// Status reports the current sync state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	n, err := e.store.UnsyncedCount(ctx)
	if err != nil {
		return Status{}, err
	}
	last, _, err := e.store.GetSetting(ctx, punch.SettingLastSyncTime)
	if err != nil {
		return Status{}, err
	}
	stuck, err := e.store.SyncAttempts(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Online:        e.conn.Online(),
		Syncing:       e.Syncing(),
		UnsyncedCount: n,
		LastSyncTime:  last,
		Stuck:         stuck,
	}
	if h, ok := e.lease.(LeaseHolder); ok {
		holder, err := h.Holder(ctx)
		if err != nil {
			slog.Warn("failed to read sync lease holder", "error", err)
		} else {
			st.LeaseHolder = holder
		}
	}
	return st, nil
}
