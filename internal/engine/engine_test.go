package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/remote"
	"github.com/akattendance/punchsync/internal/store"
	"github.com/akattendance/punchsync/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	ctx    context.Context
	store  *store.Store
	remote *remote.Memory
	clock  *testutil.Clock
	online *onlineFlag
	engine *Engine
}

type onlineFlag struct{ v atomic.Bool }

func (f *onlineFlag) Online() bool { return f.v.Load() }

// newTestEnv wires a real store in a temp dir to the memory backend, all on
// one fake clock.
func newTestEnv(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()

	clock := testutil.NewClock(testEpoch)
	s, err := store.Open(filepath.Join(t.TempDir(), "punches.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mem := remote.NewMemory()
	mem.SetClock(clock.Now)

	online := &onlineFlag{}
	online.v.Store(true)

	base := []EngineOption{
		WithConnectivity(online),
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewSequentialIDs("pass")),
	}
	e := New(s, mem, append(base, opts...)...)

	return &testEnv{
		ctx:    context.Background(),
		store:  s,
		remote: mem,
		clock:  clock,
		online: online,
		engine: e,
	}
}

// enqueue queues a login punch for laborID at clock time hhmmss.
func (env *testEnv) enqueue(t *testing.T, laborID, hhmmss string, photo []byte) int64 {
	t.Helper()
	id, err := env.store.EnqueuePunch(env.ctx, punch.Punch{
		LaborID:      laborID,
		DepartmentID: "D-1",
		Date:         "2026-03-02",
		Time:         hhmmss,
		Type:         punch.Login,
		LocationID:   "loc-1",
		LocationName: "Gate A",
		Confidence:   0.91,
		Photo:        photo,
	})
	require.NoError(t, err)
	return id
}

func (env *testEnv) keys(t *testing.T) []string {
	t.Helper()
	all, err := env.store.Punches(env.ctx)
	require.NoError(t, err)
	keys := make([]string, 0, len(all))
	for _, qp := range all {
		keys = append(keys, qp.Key)
	}
	return keys
}

func (env *testEnv) unsynced(t *testing.T) int {
	t.Helper()
	n, err := env.store.UnsyncedCount(env.ctx)
	require.NoError(t, err)
	return n
}

func upsertKeys(m *remote.Memory) []string {
	var keys []string
	for _, c := range m.CallsOf(remote.OpUpsertPunch) {
		keys = append(keys, c.Key)
	}
	return keys
}

func TestSyncAll_UploadsInCaptureOrder(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "L-2", "08:00:00", nil)
	env.enqueue(t, "L-1", "08:01:00", nil)
	env.enqueue(t, "L-3", "07:59:00", nil)

	rep, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	assert.True(t, rep.Ran())
	assert.Equal(t, "pass-1", rep.PassID)
	assert.Equal(t, 3, rep.Uploaded)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, env.keys(t), upsertKeys(env.remote), "upserts must follow local id order")
	assert.Len(t, env.remote.Rows(), 3)
	assert.Zero(t, env.unsynced(t))
	assert.Equal(t, []string{"L-2/2026-03-02", "L-1/2026-03-02", "L-3/2026-03-02"}, env.remote.Attendance())

	at, ok := env.remote.LastSync("L-1")
	require.True(t, ok)
	assert.Equal(t, testEpoch, at)
}

func TestSyncAll_OfflineSkipsWithoutTouchingQueue(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "L-1", "08:00:00", nil)
	env.online.v.Store(false)

	rep, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, SkipOffline, rep.Skipped)
	assert.Empty(t, env.remote.Calls())
	assert.Equal(t, 1, env.unsynced(t))

	_, ok, err := env.store.GetSetting(env.ctx, punch.SettingLastSyncTime)
	require.NoError(t, err)
	assert.False(t, ok, "a skipped pass must not record lastSyncTime")
}

func TestSyncAll_PartialFailureContinues(t *testing.T) {
	env := newTestEnv(t)
	first := env.enqueue(t, "L-1", "08:00:00", nil)
	env.enqueue(t, "L-2", "08:00:00", nil)
	env.enqueue(t, "L-3", "08:00:00", nil)
	env.remote.FailUpserts(1)

	rep, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Uploaded)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, env.unsynced(t))

	stuck, err := env.store.SyncAttempts(env.ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, first, stuck[0].PunchID)
	assert.Equal(t, 1, stuck[0].Attempts)
	assert.Contains(t, stuck[0].LastError, remote.ErrInjected.Error())

	rep, err = env.engine.SyncAll(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Zero(t, env.unsynced(t))
	assert.Len(t, env.remote.Rows(), 3)

	stuck, err = env.store.SyncAttempts(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, stuck, "a synced item leaves no failure record")
}

func TestSyncAll_LostAckDoesNotDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "L-1", "08:00:00", nil)
	env.enqueue(t, "L-1", "12:00:00", nil)
	env.remote.LoseAcks(true)

	rep, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 2, env.unsynced(t))
	require.Len(t, env.remote.Rows(), 2, "the remote applied both writes")

	env.remote.Heal()
	rep, err = env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Uploaded)
	assert.Zero(t, env.unsynced(t))
	assert.Len(t, env.remote.Rows(), 2, "re-upload must not create a second row")
	assert.Len(t, env.remote.CallsOf(remote.OpUpsertPunch), 4)
}

func TestSyncAll_SingleFlight(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "L-1", "08:00:00", nil)
	env.enqueue(t, "L-2", "08:00:00", nil)

	release := env.remote.BlockUpserts()
	t.Cleanup(release)

	var wg sync.WaitGroup
	var first Report
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = env.engine.SyncAll(env.ctx)
	}()

	require.Eventually(t, func() bool {
		return len(env.remote.CallsOf(remote.OpUpsertPunch)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, env.engine.Syncing())

	for i := 0; i < 5; i++ {
		rep, err := env.engine.SyncAll(env.ctx)
		require.NoError(t, err)
		assert.Equal(t, SkipAlreadyRunning, rep.Skipped)
	}

	release()
	wg.Wait()

	assert.Equal(t, 2, first.Uploaded)
	assert.False(t, env.engine.Syncing())
	assert.Equal(t, 1, env.remote.MaxConcurrentUpserts())
	assert.Len(t, env.remote.CallsOf(remote.OpUpsertPunch), 2)
}

func TestSyncAll_PhotoUploadFailureStillSyncsRecord(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "L-1", "08:00:00", []byte("jpeg-1"))
	env.remote.FailPhotoUploads(true)

	rep, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, 1, rep.PhotoFailures)
	rows := env.remote.Rows()
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].PhotoURL)
}

func TestSyncAll_PhotoUploaded(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "L-1", "08:00:00", []byte("jpeg-1"))

	_, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	rows := env.remote.Rows()
	require.Len(t, rows, 1)
	path := remote.PhotoPath("L-1", rows[0].Key)
	assert.Equal(t, "memory://"+remote.Bucket+"/"+path, rows[0].PhotoURL)
	assert.Equal(t, []byte("jpeg-1"), env.remote.Photos()[path])
}

func TestSyncAll_DailyAttendanceFailureIsNotItemFailure(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "L-1", "08:00:00", nil)
	env.remote.FailDailyAttendance(true)

	rep, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Uploaded)
	assert.Zero(t, env.unsynced(t))
	assert.Empty(t, env.remote.Attendance())
}

func TestSyncAll_DownloadsAreIndependent(t *testing.T) {
	env := newTestEnv(t)

	cached := punch.FaceTemplate{LaborID: "L-old", Name: "Old", DepartmentID: "D-1", Descriptor: testutil.Descriptor(0.1)}
	require.NoError(t, env.store.ReplaceFaceTemplates(env.ctx, []punch.FaceTemplate{cached}))

	env.remote.SetFaceTemplates([]punch.FaceTemplate{
		{LaborID: "L-new", Name: "New", DepartmentID: "D-1", Descriptor: testutil.Descriptor(0.2)},
	})
	env.remote.SetLocations([]punch.Location{
		{ID: "loc-1", Name: "Gate A", DepartmentID: "D-1", Latitude: 10, Longitude: 20, Radius: 100, Status: punch.LocationActive},
		{ID: "loc-2", Name: "Old gate", DepartmentID: "D-1", Latitude: 10, Longitude: 20, Radius: 100, Status: "inactive"},
	})
	env.remote.SetSetting(punch.SettingMaxPunchesPerDay, "4")
	env.remote.FailDownloads(true, false)

	rep, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	assert.False(t, rep.TemplatesRefreshed)
	assert.True(t, rep.LocationsRefreshed)
	assert.True(t, rep.SettingsRefreshed)

	templates, err := env.store.FaceTemplates(env.ctx)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "L-old", templates[0].LaborID, "failed download keeps the previous cache")

	locs, err := env.store.PunchLocations(env.ctx, "D-1")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "loc-1", locs[0].ID)

	limit, err := env.store.IntSetting(env.ctx, punch.SettingMaxPunchesPerDay, punch.DefaultMaxPunchesPerDay)
	require.NoError(t, err)
	assert.Equal(t, 4, limit)
}

func TestSyncAll_IgnoresNonNumericSetting(t *testing.T) {
	env := newTestEnv(t)
	env.remote.SetSetting(punch.SettingMaxPunchesPerDay, "lots")
	env.remote.SetSetting(punch.SettingPhotoRetentionDays, "30")

	_, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	_, ok, err := env.store.GetSetting(env.ctx, punch.SettingMaxPunchesPerDay)
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := env.store.GetSetting(env.ctx, punch.SettingPhotoRetentionDays)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "30", v)
}

func TestSyncAll_RetentionSweep(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "L-1", "08:00:00", nil)

	_, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	env.remote.FailUpserts(-1)
	env.enqueue(t, "L-2", "08:00:00", nil)

	env.clock.Advance(6 * 24 * time.Hour)
	rep, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Purged, "synced six days ago is inside the window")

	env.clock.Advance(2 * 24 * time.Hour)
	rep, err = env.engine.SyncAll(env.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.Purged)

	all, err := env.store.Punches(env.ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "L-2", all[0].LaborID, "unsynced items are never purged")
	assert.False(t, all[0].Synced)
}

func TestSyncAll_RecordsLastSyncTime(t *testing.T) {
	env := newTestEnv(t)
	env.remote.FailUpserts(-1)
	env.enqueue(t, "L-1", "08:00:00", nil)

	_, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	v, ok, err := env.store.GetSetting(env.ctx, punch.SettingLastSyncTime)
	require.NoError(t, err)
	require.True(t, ok, "a pass that ran records lastSyncTime even when items failed")
	assert.Equal(t, testEpoch.Format(time.RFC3339), v)
}

func TestSyncAll_CallTimeoutIsItemFailure(t *testing.T) {
	env := newTestEnv(t, WithCallTimeout(20*time.Millisecond))
	env.enqueue(t, "L-1", "08:00:00", nil)
	release := env.remote.BlockUpserts()
	t.Cleanup(release)

	rep, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, env.unsynced(t))

	stuck, err := env.store.SyncAttempts(env.ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Contains(t, stuck[0].LastError, context.DeadlineExceeded.Error())
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, "L-1", "08:00:00", nil)
	env.enqueue(t, "L-2", "08:00:00", nil)
	env.remote.FailUpserts(1)

	_, err := env.engine.SyncAll(env.ctx)
	require.NoError(t, err)

	st, err := env.engine.Status(env.ctx)
	require.NoError(t, err)

	assert.True(t, st.Online)
	assert.False(t, st.Syncing)
	assert.Equal(t, 1, st.UnsyncedCount)
	assert.Equal(t, testEpoch.Format(time.RFC3339), st.LastSyncTime)
	require.Len(t, st.Stuck, 1)
	assert.Equal(t, 1, st.Stuck[0].Attempts)
}

type fakeLease struct {
	held     bool
	holder   string
	err      error
	released int
}

func (l *fakeLease) Holder(ctx context.Context) (string, error) {
	return l.holder, l.err
}

func (l *fakeLease) TryAcquire(ctx context.Context) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

func TestSyncAll_Lease(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		env := newTestEnv(t, WithLease(&fakeLease{held: true}))
		env.enqueue(t, "L-1", "08:00:00", nil)

		rep, err := env.engine.SyncAll(env.ctx)
		require.NoError(t, err)
		assert.Equal(t, SkipLeaseHeld, rep.Skipped)
		assert.Equal(t, 1, env.unsynced(t))
		assert.False(t, env.engine.Syncing())
	})

	t.Run("acquired and released", func(t *testing.T) {
		lease := &fakeLease{}
		env := newTestEnv(t, WithLease(lease))
		env.enqueue(t, "L-1", "08:00:00", nil)

		rep, err := env.engine.SyncAll(env.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Uploaded)
		assert.Equal(t, 1, lease.released)
	})

	t.Run("lease backend down", func(t *testing.T) {
		env := newTestEnv(t, WithLease(&fakeLease{err: errors.New("connection refused")}))
		env.enqueue(t, "L-1", "08:00:00", nil)

		rep, err := env.engine.SyncAll(env.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Uploaded)
	})
}

// faultyStore fails selected writes of the wrapped store.
type faultyStore struct {
	*store.Store
	failMark      map[int64]bool
	failTemplates int
}

func (f *faultyStore) MarkSynced(ctx context.Context, id int64) error {
	if f.failMark[id] {
		return punch.StorageFault("mark synced", errors.New("disk I/O error"))
	}
	return f.Store.MarkSynced(ctx, id)
}

func (f *faultyStore) ReplaceFaceTemplates(ctx context.Context, templates []punch.FaceTemplate) error {
	if f.failTemplates > 0 {
		f.failTemplates--
		return punch.StorageFault("replace face templates", errors.New("disk I/O error"))
	}
	return f.Store.ReplaceFaceTemplates(ctx, templates)
}

func TestSyncAll_StoreFaultDoesNotAbortPass(t *testing.T) {
	env := newTestEnv(t)
	first := env.enqueue(t, "L-1", "08:00:00", nil)
	env.enqueue(t, "L-2", "08:00:00", nil)
	env.enqueue(t, "L-3", "08:00:00", nil)
	env.remote.SetFaceTemplates([]punch.FaceTemplate{
		{LaborID: "L-1", Name: "One", DepartmentID: "D-1", Descriptor: testutil.Descriptor(0.1)},
	})
	env.remote.SetLocations([]punch.Location{
		{ID: "loc-1", Name: "Gate A", DepartmentID: "D-1", Latitude: 10, Longitude: 20, Radius: 100, Status: punch.LocationActive},
	})

	fs := &faultyStore{Store: env.store, failMark: map[int64]bool{first: true}, failTemplates: 1}
	e := New(fs, env.remote,
		WithClock(env.clock.Now),
		WithIDGenerator(testutil.NewSequentialIDs("pass")),
	)

	rep, err := e.SyncAll(env.ctx)
	require.Error(t, err)
	assert.True(t, punch.IsStorageFault(err))

	assert.True(t, rep.Ran())
	assert.Equal(t, 2, rep.Uploaded)
	assert.Equal(t, 2, rep.StoreFaults)
	assert.Equal(t, env.keys(t), upsertKeys(env.remote), "items after the fault are still uploaded")
	assert.Equal(t, 1, env.unsynced(t))

	assert.False(t, rep.TemplatesRefreshed)
	assert.True(t, rep.LocationsRefreshed)
	assert.True(t, rep.SettingsRefreshed)
	locs, err := env.store.PunchLocations(env.ctx, "D-1")
	require.NoError(t, err)
	assert.Len(t, locs, 1)

	_, ok, err := env.store.GetSetting(env.ctx, punch.SettingLastSyncTime)
	require.NoError(t, err)
	assert.True(t, ok, "lastSyncTime is recorded despite store faults")

	delete(fs.failMark, first)
	rep, err = e.SyncAll(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.True(t, rep.TemplatesRefreshed)
	assert.Zero(t, env.unsynced(t))
	assert.Len(t, env.remote.Rows(), 3, "re-upserting the stranded item does not duplicate it")
}

func TestStatus_LeaseHolder(t *testing.T) {
	env := newTestEnv(t, WithLease(&fakeLease{held: true, holder: "device-b"}))
	st, err := env.engine.Status(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, "device-b", st.LeaseHolder)

	env = newTestEnv(t, WithLease(&fakeLease{err: errors.New("connection refused")}))
	st, err = env.engine.Status(env.ctx)
	require.NoError(t, err, "an unreadable lease does not fail status")
	assert.Empty(t, st.LeaseHolder)
}
