package admission

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akattendance/punchsync/internal/facematch"
	"github.com/akattendance/punchsync/internal/geofence"
	"github.com/akattendance/punchsync/internal/lowconf"
	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/store"
	"github.com/akattendance/punchsync/internal/testutil"
)

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
	state lowconf.State
	err   error
}

func (r *fakeRecorder) RecordLowConfidence(_ context.Context, laborID string, day time.Time) (lowconf.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, laborID)
	if r.err != nil {
		return lowconf.State{}, r.err
	}
	r.state = lowconf.Escalate(r.state, day)
	return r.state, nil
}

var morning = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, opts ...Option) (*Gate, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.ReplaceFaceTemplates(ctx, []punch.FaceTemplate{
		{LaborID: "L-001", Name: "Ravi", DepartmentID: "D-1", Descriptor: testutil.Descriptor(0.5)},
	}))
	require.NoError(t, s.ReplacePunchLocations(ctx, []punch.Location{
		{ID: "loc-1", Name: "Gate A", DepartmentID: "D-1", Latitude: 0, Longitude: 0, Radius: 100, Status: punch.LocationActive},
	}))

	return NewGate(s, facematch.New(s), opts...), s
}

func capture(at time.Time) Capture {
	return Capture{
		LaborID:      "L-001",
		DepartmentID: "D-1",
		Latitude:     0.0001,
		Longitude:    0,
		Descriptor:   testutil.Descriptor(0.5),
		At:           at,
	}
}

func unsynced(t *testing.T, s *store.Store) []punch.QueuedPunch {
	t.Helper()
	items, err := s.ListUnsynced(context.Background())
	require.NoError(t, err)
	return items
}

func TestAdmit_AlternatesLoginLogout(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	a1, err := g.Admit(ctx, capture(morning))
	require.NoError(t, err)
	assert.Equal(t, punch.Login, a1.Type)
	assert.Equal(t, "Gate A", a1.Location)

	a2, err := g.Admit(ctx, capture(morning.Add(9*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, punch.Logout, a2.Type)

	// A new day starts with login again.
	a3, err := g.Admit(ctx, capture(morning.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, punch.Login, a3.Type)

	items := unsynced(t, s)
	require.Len(t, items, 3)
	assert.Equal(t, "2026-03-02", items[0].Date)
	assert.Equal(t, "08:00:00", items[0].Time)
	assert.Equal(t, "loc-1", items[0].LocationID)
	assert.Equal(t, 1.0, items[0].Confidence)
}

func TestAdmit_NextTypeCountsSyncedPunches(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	a, err := g.Admit(ctx, capture(morning))
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, a.ID))

	typ, err := g.NextType(ctx, "L-001", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, punch.Logout, typ)
}

func TestAdmit_PunchLimit(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()
	require.NoError(t, s.PutSetting(ctx, punch.SettingMaxPunchesPerDay, "2"))

	_, err := g.Admit(ctx, capture(morning))
	require.NoError(t, err)
	_, err = g.Admit(ctx, capture(morning.Add(time.Hour)))
	require.NoError(t, err)

	_, err = g.Admit(ctx, capture(morning.Add(2*time.Hour)))
	require.Error(t, err)
	assert.Equal(t, punch.ErrCodePunchLimit, punch.CodeOf(err))
	assert.Len(t, unsynced(t, s), 2)
}

func TestAdmit_LowConfidenceSignalsRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	g, s := setup(t, WithRecorder(rec))
	ctx := context.Background()

	c := capture(morning)
	c.Descriptor = testutil.Descriptor(0.55) // confidence ~0.43

	for i := 0; i < 3; i++ {
		_, err := g.Admit(ctx, c)
		require.Error(t, err)
		assert.Equal(t, punch.ErrCodeLowConfidence, punch.CodeOf(err))
	}

	assert.Len(t, rec.calls, 3)
	assert.True(t, rec.state.NeedsReenrollment)
	assert.Empty(t, unsynced(t, s), "rejections write nothing")
}

func TestAdmit_RecorderFailureKeepsRejection(t *testing.T) {
	rec := &fakeRecorder{err: punch.RemoteFault("record low confidence", errors.New("offline"))}
	g, s := setup(t, WithRecorder(rec))

	c := capture(morning)
	c.Descriptor = testutil.Descriptor(0.9)

	_, err := g.Admit(context.Background(), c)
	assert.Equal(t, punch.ErrCodeLowConfidence, punch.CodeOf(err))
	assert.Len(t, rec.calls, 1)
	assert.Empty(t, unsynced(t, s))
}

func TestAdmit_ThresholdIsConfigurable(t *testing.T) {
	g, _ := setup(t, WithThreshold(0.4))

	c := capture(morning)
	c.Descriptor = testutil.Descriptor(0.55)

	_, err := g.Admit(context.Background(), c)
	assert.NoError(t, err)
}

func TestAdmit_NotEnrolled(t *testing.T) {
	g, _ := setup(t)

	c := capture(morning)
	c.LaborID = "L-404"

	_, err := g.Admit(context.Background(), c)
	assert.Equal(t, punch.ErrCodeNotEnrolled, punch.CodeOf(err))
}

func TestAdmit_Geofence(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	outside := capture(morning)
	outside.Latitude = 100.5 / geofence.EarthRadius * 180 / math.Pi

	_, err := g.Admit(ctx, outside)
	require.Error(t, err)
	assert.Equal(t, punch.ErrCodeOutsideGeofence, punch.CodeOf(err))
	var pe *punch.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "L-001", pe.LaborID)

	otherDept := capture(morning)
	otherDept.DepartmentID = "D-2"
	_, err = g.Admit(ctx, otherDept)
	assert.Equal(t, punch.ErrCodeNoLocations, punch.CodeOf(err))

	assert.Empty(t, unsynced(t, s))
}

func TestAdmit_StorageFaultIsNotSaved(t *testing.T) {
	g, s := setup(t)
	require.NoError(t, s.Close())

	_, err := g.Admit(context.Background(), capture(morning))
	require.Error(t, err)
	assert.True(t, punch.IsStorageFault(err))
}

func TestAdmit_Photo(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1280, 960))))

	withPhoto := capture(morning)
	withPhoto.Photo = buf.Bytes()
	_, err := g.Admit(ctx, withPhoto)
	require.NoError(t, err)

	broken := capture(morning.Add(time.Hour))
	broken.Photo = []byte("not an image")
	_, err = g.Admit(ctx, broken)
	require.NoError(t, err, "a bad photo never blocks capture")

	items := unsynced(t, s)
	require.Len(t, items, 2)
	assert.True(t, items[0].HasPhoto())
	assert.Equal(t, []byte{0xFF, 0xD8}, items[0].Photo[:2], "stored as JPEG")
	assert.False(t, items[1].HasPhoto())
}

func TestAdmit_RequiresIdentity(t *testing.T) {
	g, _ := setup(t)

	c := capture(morning)
	c.LaborID = ""
	_, err := g.Admit(context.Background(), c)
	assert.Error(t, err)

	c = capture(time.Time{})
	_, err = g.Admit(context.Background(), c)
	assert.Error(t, err)
}
