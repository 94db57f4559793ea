package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/testutil"
)

func TestEnqueuePunch_AssignsMonotonicIDs(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	var last int64
	for i, tm := range []string{"08:00:00", "08:00:01", "08:00:02"} {
		id, err := s.EnqueuePunch(ctx, testPunch("L-001", tm))
		require.NoError(t, err)
		assert.Greater(t, id, last, "id %d not increasing", i)
		last = id
	}
}

func TestEnqueuePunch_StoresFields(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	p := testPunch("L-001", "08:00:00")
	p.Photo = []byte{0xFF, 0xD8, 0xFF}

	id, err := s.EnqueuePunch(ctx, p)
	require.NoError(t, err)

	items, err := s.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, punch.MustKey(p), got.Key)
	assert.Equal(t, p.LaborID, got.LaborID)
	assert.Equal(t, p.Type, got.Type)
	assert.Equal(t, p.Photo, got.Photo)
	assert.InDelta(t, p.Confidence, got.Confidence, 1e-9)
	assert.False(t, got.Synced)
	assert.Nil(t, got.SyncedAt)
	assert.True(t, got.CreatedAt.Equal(testEpoch))
}

func TestEnqueuePunch_DuplicateKeyReturnsExistingID(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	p := testPunch("L-001", "08:00:00")
	id1, err := s.EnqueuePunch(ctx, p)
	require.NoError(t, err)

	p.Confidence = 0.7
	id2, err := s.EnqueuePunch(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	n, err := s.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnqueuePunch_RejectsInvalid(t *testing.T) {
	s, _ := createTestStore(t)

	p := testPunch("", "08:00:00")
	_, err := s.EnqueuePunch(context.Background(), p)
	require.Error(t, err)
	assert.False(t, punch.IsStorageFault(err))
}

func TestEnqueuePunch_StorageFaultWhenClosed(t *testing.T) {
	s, _ := createTestStore(t)
	require.NoError(t, s.db.Close())

	_, err := s.EnqueuePunch(context.Background(), testPunch("L-001", "08:00:00"))
	require.Error(t, err)
	assert.True(t, punch.IsStorageFault(err))
}

func TestEnqueuePunch_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	var ids []int64
	for _, tm := range []string{"08:00:00", "12:00:00", "17:00:00"} {
		id, err := s1.EnqueuePunch(ctx, testPunch("L-001", tm))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	items, err := s2.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, ids[i], it.ID)
	}

	// Ids keep increasing after restart.
	id, err := s2.EnqueuePunch(ctx, testPunch("L-002", "08:00:00"))
	require.NoError(t, err)
	assert.Greater(t, id, ids[2])
}

func TestMarkSynced_Idempotent(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueuePunch(ctx, testPunch("L-001", "08:00:00"))
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(ctx, id))
	all, err := s.Punches(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Synced)
	require.NotNil(t, all[0].SyncedAt)
	first := *all[0].SyncedAt

	// Second call later must not rewrite syncedAt.
	clock.Advance(time.Hour)
	require.NoError(t, s.MarkSynced(ctx, id))
	all, err = s.Punches(ctx)
	require.NoError(t, err)
	assert.True(t, all[0].SyncedAt.Equal(first))

	// Unknown id is a no-op.
	assert.NoError(t, s.MarkSynced(ctx, 9999))

	unsynced, err := s.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestPurgeSyncedOlderThan_RetentionWindow(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	old, err := s.EnqueuePunch(ctx, testPunch("L-001", "08:00:00"))
	require.NoError(t, err)
	recent, err := s.EnqueuePunch(ctx, testPunch("L-001", "12:00:00"))
	require.NoError(t, err)
	pending, err := s.EnqueuePunch(ctx, testPunch("L-001", "17:00:00"))
	require.NoError(t, err)

	// old synced 8 days before the sweep, recent 6 days before.
	require.NoError(t, s.MarkSynced(ctx, old))
	clock.Advance(2 * 24 * time.Hour)
	require.NoError(t, s.MarkSynced(ctx, recent))
	clock.Advance(6 * 24 * time.Hour)

	n, err := s.PurgeSyncedOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.Punches(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, recent, all[0].ID)
	assert.Equal(t, pending, all[1].ID)
	assert.False(t, all[1].Synced, "unsynced items are never purged")
}

func TestPurgeSyncedOlderThan_KeepsOldUnsynced(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	_, err := s.EnqueuePunch(ctx, testPunch("L-001", "08:00:00"))
	require.NoError(t, err)
	clock.Advance(365 * 24 * time.Hour)

	n, err := s.PurgeSyncedOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplaceFaceTemplates(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceFaceTemplates(ctx, []punch.FaceTemplate{
		testTemplate("L-001", 0.1),
		testTemplate("L-002", 0.2),
	}))
	require.NoError(t, s.ReplaceFaceTemplates(ctx, []punch.FaceTemplate{
		testTemplate("L-003", 0.3),
	}))

	all, err := s.FaceTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "L-003", all[0].LaborID)
	assert.Equal(t, testutil.Descriptor(0.3), all[0].Descriptor)
}

func TestReplaceFaceTemplates_RollsBackOnFailure(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceFaceTemplates(ctx, []punch.FaceTemplate{testTemplate("L-001", 0.1)}))

	// Duplicate labor id violates the primary key halfway through.
	err := s.ReplaceFaceTemplates(ctx, []punch.FaceTemplate{
		testTemplate("L-002", 0.2),
		testTemplate("L-002", 0.3),
	})
	require.Error(t, err)

	all, err := s.FaceTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "L-001", all[0].LaborID)

	// Wrong descriptor length also leaves the cache untouched.
	bad := testTemplate("L-009", 0.1)
	bad.Descriptor = bad.Descriptor[:10]
	require.Error(t, s.ReplaceFaceTemplates(ctx, []punch.FaceTemplate{bad}))
	all, err = s.FaceTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReplacePunchLocations_RollsBackOnFailure(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	gate := punch.Location{ID: "loc-1", Name: "Gate A", DepartmentID: "D-1", Radius: 100, Status: "active"}
	require.NoError(t, s.ReplacePunchLocations(ctx, []punch.Location{gate}))

	err := s.ReplacePunchLocations(ctx, []punch.Location{
		{ID: "loc-2", Name: "Yard", DepartmentID: "D-1", Radius: 50, Status: "active"},
		{ID: "loc-2", Name: "Yard again", DepartmentID: "D-1", Radius: 50, Status: "active"},
	})
	require.Error(t, err)
	assert.True(t, punch.IsStorageFault(err))

	locs, err := s.PunchLocations(ctx, "D-1")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, gate, locs[0])
}

func TestPutSetting_Upserts(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetSetting(ctx, punch.SettingMaxPunchesPerDay)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutSetting(ctx, punch.SettingMaxPunchesPerDay, "4"))
	require.NoError(t, s.PutSettings(ctx, map[string]string{
		punch.SettingMaxPunchesPerDay:   "6",
		punch.SettingPhotoRetentionDays: "30",
	}))

	v, ok, err := s.GetSetting(ctx, punch.SettingMaxPunchesPerDay)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "6", v)

	n, err := s.IntSetting(ctx, punch.SettingPhotoRetentionDays, 0)
	require.NoError(t, err)
	assert.Equal(t, 30, n)
}

func TestRecordSyncFailure_CountsUntilSynced(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueuePunch(ctx, testPunch("L-001", "08:00:00"))
	require.NoError(t, err)

	require.NoError(t, s.RecordSyncFailure(ctx, id, errors.New("timeout")))
	require.NoError(t, s.RecordSyncFailure(ctx, id, errors.New("connection reset")))

	attempts, err := s.SyncAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, id, attempts[0].PunchID)
	assert.Equal(t, 2, attempts[0].Attempts)
	assert.Equal(t, "connection reset", attempts[0].LastError)

	require.NoError(t, s.MarkSynced(ctx, id))
	attempts, err = s.SyncAttempts(ctx)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}
