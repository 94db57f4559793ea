package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/akattendance/punchsync/internal/engine"
	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/remote"
	"github.com/akattendance/punchsync/internal/store"
	"github.com/akattendance/punchsync/internal/testutil"
)

// Epoch is the clock reading at the start of every scenario.
var Epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const (
	defaultDepartment = "D-1"
	defaultLocationID = "loc-1"
	defaultLocation   = "Gate A"
	defaultConfidence = 0.9
)

// fakeJPEG is attached to punches enqueued with photo: true.
var fakeJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

type connectivity struct{ v atomic.Bool }

func (c *connectivity) Online() bool { return c.v.Load() }

// harness is the device under test. The remote, clock and id generator
// outlive a restart; the store and engine do not.
type harness struct {
	dbPath string
	clock  *testutil.Clock
	remote *remote.Memory
	conn   *connectivity
	ids    *testutil.SequentialIDs
	logger *slog.Logger

	store  *store.Store
	engine *engine.Engine
}

// Run plays the scenario against a fresh SQLite file in a temporary
// directory and evaluates its assertions.
//
// The returned error covers failures of the harness itself (a store that
// cannot open, a step that cannot be applied). Failed expectations and
// assertions are reported in Result.
func Run(s *Scenario) (*Result, error) {
	return RunContext(context.Background(), s, nil)
}

// RunContext is Run with a context and logger. A nil logger discards.
func RunContext(ctx context.Context, s *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dir, err := os.MkdirTemp("", "punchsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	clock := testutil.NewClock(Epoch)
	mem := remote.NewMemory()
	mem.SetClock(clock.Now)

	h := &harness{
		dbPath: filepath.Join(dir, "device.db"),
		clock:  clock,
		remote: mem,
		conn:   &connectivity{},
		ids:    testutil.NewSequentialIDs("pass"),
		logger: logger.With("scenario", s.Name),
	}
	h.conn.v.Store(true)

	if err := h.open(); err != nil {
		return nil, err
	}
	defer func() { h.store.Close() }()

	result := NewResult()
	for i, st := range s.Steps {
		ev, err := h.step(ctx, i+1, st, result)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, st.Do, err)
		}
		result.Trace = append(result.Trace, ev)
	}

	for _, msg := range h.evaluate(ctx, s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *harness) open() error {
	st, err := store.Open(h.dbPath, store.WithClock(h.clock.Now))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	h.store = st
	h.engine = engine.New(st, h.remote,
		engine.WithConnectivity(h.conn),
		engine.WithClock(h.clock.Now),
		engine.WithIDGenerator(h.ids),
	)
	return nil
}

func (h *harness) step(ctx context.Context, n int, st Step, result *Result) (TraceEvent, error) {
	ev := TraceEvent{Step: n, Do: st.Do}

	switch st.Do {
	case DoEnqueue:
		p := punch.Punch{
			LaborID:      st.Labor,
			DepartmentID: or(st.Department, defaultDepartment),
			Date:         or(st.Date, Epoch.Format(punch.DateLayout)),
			Time:         st.Time,
			Type:         punch.Type(or(st.Type, string(punch.Login))),
			LocationID:   defaultLocationID,
			LocationName: defaultLocation,
			Confidence:   defaultConfidence,
		}
		if st.Photo {
			p.Photo = fakeJPEG
		}
		id, err := h.store.EnqueuePunch(ctx, p)
		if err != nil {
			return ev, err
		}
		ev.ID, ev.Labor, ev.Time, ev.Type = id, p.LaborID, p.Time, string(p.Type)

	case DoOnline, DoOffline:
		online := st.Do == DoOnline
		h.conn.v.Store(online)
		h.remote.SetOnline(online)

	case DoRestart:
		if err := h.store.Close(); err != nil {
			return ev, fmt.Errorf("failed to close store: %w", err)
		}
		if err := h.open(); err != nil {
			return ev, err
		}

	case DoSync:
		rep, err := h.engine.SyncAll(ctx)
		if err != nil {
			return ev, err
		}
		unsynced, err := h.store.UnsyncedCount(ctx)
		if err != nil {
			return ev, err
		}
		ev.Sync = &SyncSummary{
			Pass:       rep.PassID,
			Skipped:    rep.Skipped,
			Uploaded:   rep.Uploaded,
			Failed:     rep.Failed,
			Purged:     rep.Purged,
			RemoteRows: len(h.remote.Rows()),
			Unsynced:   unsynced,
		}
		if st.Expect != nil {
			for _, msg := range checkExpect(*st.Expect, rep) {
				result.AddError(fmt.Sprintf("step %d: %s", n, msg))
			}
		}

	case DoFailUpserts:
		h.remote.FailUpserts(st.Count)
		ev.Count = st.Count

	case DoLoseAcks:
		h.remote.LoseAcks(true)

	case DoHeal:
		h.remote.Heal()

	case DoAdvance:
		h.clock.Advance(time.Duration(st.Days) * 24 * time.Hour)
		ev.Days = st.Days

	default:
		return ev, fmt.Errorf("unknown step %q", st.Do)
	}

	h.logger.Debug("scenario step", "step", n, "do", st.Do)
	return ev, nil
}

func checkExpect(want SyncExpect, rep engine.Report) []string {
	var errs []string
	if want.Skipped != nil && *want.Skipped != rep.Skipped {
		errs = append(errs, fmt.Sprintf("sync skipped = %q, want %q", rep.Skipped, *want.Skipped))
	}
	if want.Uploaded != nil && *want.Uploaded != rep.Uploaded {
		errs = append(errs, fmt.Sprintf("sync uploaded = %d, want %d", rep.Uploaded, *want.Uploaded))
	}
	if want.Failed != nil && *want.Failed != rep.Failed {
		errs = append(errs, fmt.Sprintf("sync failed = %d, want %d", rep.Failed, *want.Failed))
	}
	if want.Purged != nil && *want.Purged != rep.Purged {
		errs = append(errs, fmt.Sprintf("sync purged = %d, want %d", rep.Purged, *want.Purged))
	}
	return errs
}

func (h *harness) evaluate(ctx context.Context, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var got int
		switch a.Type {
		case AssertRemoteRows:
			got = len(h.remote.Rows())
		case AssertUnsynced:
			n, err := h.store.UnsyncedCount(ctx)
			if err != nil {
				errs = append(errs, fmt.Sprintf("assertion %d: %v", i+1, err))
				continue
			}
			got = n
		case AssertRetained:
			all, err := h.store.Punches(ctx)
			if err != nil {
				errs = append(errs, fmt.Sprintf("assertion %d: %v", i+1, err))
				continue
			}
			got = len(all)
		case AssertUploadOrder:
			var labors []string
			for _, c := range h.remote.CallsOf(remote.OpUpsertPunch) {
				labors = append(labors, c.LaborID)
			}
			if !slices.Equal(labors, a.Labors) {
				errs = append(errs, fmt.Sprintf("assertion %d: upload order %v, want %v", i+1, labors, a.Labors))
			}
			continue
		default:
			errs = append(errs, fmt.Sprintf("assertion %d: unknown type %q", i+1, a.Type))
			continue
		}
		if got != a.Count {
			errs = append(errs, fmt.Sprintf("assertion %d: %s = %d, want %d", i+1, a.Type, got, a.Count))
		}
	}
	return errs
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
