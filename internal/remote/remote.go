// Package remote implements the remote backend the sync engine uploads to
// and downloads caches from.
//
// MySQL is the production relational backend, with photos kept in a Blobs
// store. Memory is an in-process backend with failure injection, used by
// tests, scenarios and --remote memory.
//
// Every method returns errors wrapped as punch.Error with code REMOTE_FAULT.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/akattendance/punchsync/internal/lowconf"
	"github.com/akattendance/punchsync/internal/punch"
)

// Bucket is the blob bucket holding punch photos.
const Bucket = "punch-photos"

// PhotoContentType is the content type of uploaded photos.
const PhotoContentType = "image/jpeg"

// ErrOffline is the cause of every call made while the backend is
// unreachable.
var ErrOffline = errors.New("remote backend unreachable")

// Record is the remote punch row. Key is unique remotely: upserting the same
// key twice leaves one row.
type Record struct {
	Key          string     `json:"punch_key"`
	LaborID      string     `json:"labor_id"`
	DepartmentID string     `json:"department_id"`
	Date         string     `json:"date"`
	Time         string     `json:"time"`
	Type         punch.Type `json:"type"`
	LocationID   string     `json:"location_id"`
	LocationName string     `json:"location_name"`
	Confidence   float64    `json:"confidence"`
	PhotoURL     string     `json:"photo_url,omitempty"`
}

// RecordOf builds the remote row of a queued punch.
func RecordOf(q punch.QueuedPunch, photoURL string) Record {
	return Record{
		Key:          q.Key,
		LaborID:      q.LaborID,
		DepartmentID: q.DepartmentID,
		Date:         q.Date,
		Time:         q.Time,
		Type:         q.Type,
		LocationID:   q.LocationID,
		LocationName: q.LocationName,
		Confidence:   q.Confidence,
		PhotoURL:     photoURL,
	}
}

// Backend is the full remote collaborator.
type Backend interface {
	// UploadPhoto stores a JPEG and returns its public URL. The object name
	// is derived from the punch key, so a repeated upload overwrites.
	UploadPhoto(ctx context.Context, laborID, key string, jpeg []byte) (string, error)

	// UpsertPunch inserts the row or leaves the existing row of the same key.
	UpsertPunch(ctx context.Context, rec Record) error

	// UpdateDailyAttendance recomputes the laborer's derived day status.
	UpdateDailyAttendance(ctx context.Context, laborID, date string) error

	// TouchLaborerSync sets the laborer's last sync timestamp.
	TouchLaborerSync(ctx context.Context, laborID string, at time.Time) error

	// ActiveFaceTemplates returns templates of active, enrolled laborers.
	ActiveFaceTemplates(ctx context.Context) ([]punch.FaceTemplate, error)

	// ActiveLocations returns punch locations with status active.
	ActiveLocations(ctx context.Context) ([]punch.Location, error)

	// Settings returns the values of the requested keys that are set.
	Settings(ctx context.Context, keys ...string) (map[string]string, error)

	// RecordLowConfidence escalates the laborer's low-confidence counter
	// (read-modify-write) and returns the new state.
	RecordLowConfidence(ctx context.Context, laborID string, day time.Time) (lowconf.State, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// CleanupOldPhotos deletes photos of punches dated before the retention
	// window and clears their URLs. Returns the number of rows cleaned.
	CleanupOldPhotos(ctx context.Context, retentionDays int) (int, error)
}

// PhotoPath returns the object path of a punch photo inside Bucket.
func PhotoPath(laborID, key string) string {
	prefix := key
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return fmt.Sprintf("punches/%s_%s.jpg", laborID, prefix)
}

// PhotoPathFromURL extracts the object path from a public photo URL.
func PhotoPathFromURL(url string) (string, bool) {
	marker := Bucket + "/"
	i := strings.LastIndex(url, marker)
	if i < 0 || i+len(marker) == len(url) {
		return "", false
	}
	return url[i+len(marker):], true
}

// RetentionCutoff returns the first date (YYYY-MM-DD) whose photos are kept.
func RetentionCutoff(now time.Time, retentionDays int) string {
	return now.AddDate(0, 0, -retentionDays).Format(punch.DateLayout)
}

func fault(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *punch.Error
	if errors.As(err, &pe) && pe.Code == punch.ErrCodeRemoteFault {
		return err
	}
	return punch.RemoteFault(op, err)
}
