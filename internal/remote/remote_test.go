package remote

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/akattendance/punchsync/internal/punch"
)

func TestPhotoPath(t *testing.T) {
	key := strings.Repeat("ab", 32)
	assert.Equal(t, "punches/L-001_abababababababab.jpg", PhotoPath("L-001", key))
	assert.Equal(t, "punches/L-001_short.jpg", PhotoPath("L-001", "short"))
}

func TestPhotoPathFromURL(t *testing.T) {
	path, ok := PhotoPathFromURL("https://cdn.example.com/storage/punch-photos/punches/L-001_x.jpg")
	assert.True(t, ok)
	assert.Equal(t, "punches/L-001_x.jpg", path)

	_, ok = PhotoPathFromURL("https://cdn.example.com/other/L-001_x.jpg")
	assert.False(t, ok)
	_, ok = PhotoPathFromURL("https://cdn.example.com/punch-photos/")
	assert.False(t, ok)
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01", RetentionCutoff(now, 30))
}

func TestMySQLConfigDSN(t *testing.T) {
	dsn := MySQLConfig{User: "sync", Password: "s3cret", Host: "db", Port: "3306", Name: "attendance"}.DSN()
	assert.True(t, strings.HasPrefix(dsn, "sync:s3cret@tcp(db:3306)/attendance?"), dsn)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestFaultWrapsOnce(t *testing.T) {
	cause := errors.New("boom")
	err := fault("outer", fault("inner", cause))

	assert.True(t, punch.IsRemoteFault(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, strings.Count(err.Error(), "REMOTE_FAULT"))
	assert.NoError(t, fault("nothing", nil))
}
