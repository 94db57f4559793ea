package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// createTestStore opens a fresh store in a temp dir with a fake clock.
func createTestStore(t *testing.T) (*Store, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(testEpoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// testPunch creates a valid login punch for laborID at the given clock time.
func testPunch(laborID, clock string) punch.Punch {
	return punch.Punch{
		LaborID:      laborID,
		DepartmentID: "D-1",
		Date:         "2026-03-02",
		Time:         clock,
		Type:         punch.Login,
		LocationID:   "loc-1",
		LocationName: "Gate A",
		Confidence:   0.9,
	}
}

func testTemplate(laborID string, v float64) punch.FaceTemplate {
	return punch.FaceTemplate{
		LaborID:      laborID,
		Name:         "Laborer " + laborID,
		DepartmentID: "D-1",
		Descriptor:   testutil.Descriptor(v),
	}
}
