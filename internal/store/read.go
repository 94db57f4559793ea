package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/akattendance/punchsync/internal/punch"
)

// ErrNotFound is returned by single-row reads when no row matches.
var ErrNotFound = errors.New("not found")

const queuedPunchColumns = `
	id, punch_key, labor_id, department_id, punch_date, punch_time, punch_type,
	location_id, location_name, confidence, photo, synced, created_at, synced_at`

// ListUnsynced returns every unsynced queue item in ascending id order,
// which is capture order.
//
// Returns an empty slice (not nil) if the queue is drained.
func (s *Store) ListUnsynced(ctx context.Context) ([]punch.QueuedPunch, error) {
	return s.queryPunches(ctx, "list unsynced", `
		SELECT `+queuedPunchColumns+`
		FROM queued_punches
		WHERE synced = 0
		ORDER BY id ASC
	`)
}

// Punches returns every retained queue item, synced or not, in id order.
func (s *Store) Punches(ctx context.Context) ([]punch.QueuedPunch, error) {
	return s.queryPunches(ctx, "list punches", `
		SELECT `+queuedPunchColumns+`
		FROM queued_punches
		ORDER BY id ASC
	`)
}

// LastPunch returns the most recently captured punch of a laborer on date,
// synced or not. Returns ErrNotFound if there is none.
func (s *Store) LastPunch(ctx context.Context, laborID, date string) (punch.QueuedPunch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queuedPunchColumns+`
		FROM queued_punches
		WHERE labor_id = ? AND punch_date = ?
		ORDER BY id DESC
		LIMIT 1
	`, laborID, date)

	qp, err := scanQueuedPunch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return punch.QueuedPunch{}, ErrNotFound
	}
	if err != nil {
		return punch.QueuedPunch{}, punch.StorageFault("last punch", err)
	}
	return qp, nil
}

// CountPunches returns the number of retained punches of a laborer on date.
func (s *Store) CountPunches(ctx context.Context, laborID, date string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queued_punches
		WHERE labor_id = ? AND punch_date = ?
	`, laborID, date).Scan(&n); err != nil {
		return 0, punch.StorageFault("count punches", err)
	}
	return n, nil
}

// UnsyncedCount returns the number of queue items awaiting upload.
func (s *Store) UnsyncedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_punches WHERE synced = 0`,
	).Scan(&n); err != nil {
		return 0, punch.StorageFault("unsynced count", err)
	}
	return n, nil
}

// FaceTemplate returns the cached template of a laborer.
// Returns ErrNotFound if the laborer has no cached template.
func (s *Store) FaceTemplate(ctx context.Context, laborID string) (punch.FaceTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT labor_id, name, department_id, descriptor
		FROM face_templates
		WHERE labor_id = ?
	`, laborID)

	ft, err := scanFaceTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return punch.FaceTemplate{}, ErrNotFound
	}
	if err != nil {
		return punch.FaceTemplate{}, punch.StorageFault("face template", err)
	}
	return ft, nil
}

// FaceTemplates returns every cached template ordered by labor id.
func (s *Store) FaceTemplates(ctx context.Context) ([]punch.FaceTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT labor_id, name, department_id, descriptor
		FROM face_templates
		ORDER BY labor_id ASC
	`)
	if err != nil {
		return nil, punch.StorageFault("face templates", err)
	}
	defer rows.Close()

	templates := []punch.FaceTemplate{}
	for rows.Next() {
		ft, err := scanFaceTemplate(rows)
		if err != nil {
			return nil, punch.StorageFault("face templates", err)
		}
		templates = append(templates, ft)
	}
	if err := rows.Err(); err != nil {
		return nil, punch.StorageFault("iterate face templates", err)
	}
	return templates, nil
}

// PunchLocations returns the cached active locations of a department in
// insertion order. The geofence resolver keeps the first of equally distant
// locations, so the order is stable across calls.
func (s *Store) PunchLocations(ctx context.Context, departmentID string) ([]punch.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, department_id, latitude, longitude, radius, status
		FROM punch_locations
		WHERE department_id = ? AND status = ?
		ORDER BY rowid ASC
	`, departmentID, punch.LocationActive)
	if err != nil {
		return nil, punch.StorageFault("punch locations", err)
	}
	defer rows.Close()

	locations := []punch.Location{}
	for rows.Next() {
		var loc punch.Location
		if err := rows.Scan(
			&loc.ID, &loc.Name, &loc.DepartmentID,
			&loc.Latitude, &loc.Longitude, &loc.Radius, &loc.Status,
		); err != nil {
			return nil, punch.StorageFault("scan punch location", err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, punch.StorageFault("iterate punch locations", err)
	}
	return locations, nil
}

// GetSetting returns the value of a setting and whether it is set.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, punch.StorageFault("get setting "+key, err)
	}
	return value, true, nil
}

// IntSetting returns a setting parsed as an integer, or def when the
// setting is unset or not a number.
func (s *Store) IntSetting(ctx context.Context, key string, def int) (int, error) {
	v, ok, err := s.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, nil
	}
	return n, nil
}

// SyncAttempt is the failure record of an unsynced queue item.
type SyncAttempt struct {
	PunchID       int64     `json:"punch_id"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// SyncAttempts returns the failure records of unsynced items, most
// attempted first.
func (s *Store) SyncAttempts(ctx context.Context) ([]SyncAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.punch_id, a.attempts, a.last_error, a.last_attempt_at
		FROM sync_attempts a
		JOIN queued_punches q ON q.id = a.punch_id
		WHERE q.synced = 0
		ORDER BY a.attempts DESC, a.punch_id ASC
	`)
	if err != nil {
		return nil, punch.StorageFault("sync attempts", err)
	}
	defer rows.Close()

	attempts := []SyncAttempt{}
	for rows.Next() {
		var a SyncAttempt
		var at string
		if err := rows.Scan(&a.PunchID, &a.Attempts, &a.LastError, &at); err != nil {
			return nil, punch.StorageFault("scan sync attempt", err)
		}
		if a.LastAttemptAt, err = parseTime(at); err != nil {
			return nil, punch.StorageFault("parse last_attempt_at", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, punch.StorageFault("iterate sync attempts", err)
	}
	return attempts, nil
}

func (s *Store) queryPunches(ctx context.Context, op, query string, args ...any) ([]punch.QueuedPunch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, punch.StorageFault(op, err)
	}
	defer rows.Close()

	punches := []punch.QueuedPunch{}
	for rows.Next() {
		qp, err := scanQueuedPunch(rows)
		if err != nil {
			return nil, punch.StorageFault(op, err)
		}
		punches = append(punches, qp)
	}
	if err := rows.Err(); err != nil {
		return nil, punch.StorageFault(op, err)
	}
	return punches, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanQueuedPunch(sc scanner) (punch.QueuedPunch, error) {
	var (
		qp        punch.QueuedPunch
		typ       string
		synced    int
		createdAt string
		syncedAt  sql.NullString
	)
	if err := sc.Scan(
		&qp.ID, &qp.Key, &qp.LaborID, &qp.DepartmentID, &qp.Date, &qp.Time, &typ,
		&qp.LocationID, &qp.LocationName, &qp.Confidence, &qp.Photo,
		&synced, &createdAt, &syncedAt,
	); err != nil {
		return punch.QueuedPunch{}, err
	}

	qp.Type = punch.Type(typ)
	qp.Synced = synced == 1

	var err error
	if qp.CreatedAt, err = parseTime(createdAt); err != nil {
		return punch.QueuedPunch{}, fmt.Errorf("parse created_at: %w", err)
	}
	if syncedAt.Valid {
		t, err := parseTime(syncedAt.String)
		if err != nil {
			return punch.QueuedPunch{}, fmt.Errorf("parse synced_at: %w", err)
		}
		qp.SyncedAt = &t
	}
	return qp, nil
}

func scanFaceTemplate(sc scanner) (punch.FaceTemplate, error) {
	var ft punch.FaceTemplate
	var descriptor string
	if err := sc.Scan(&ft.LaborID, &ft.Name, &ft.DepartmentID, &descriptor); err != nil {
		return punch.FaceTemplate{}, err
	}
	if err := json.Unmarshal([]byte(descriptor), &ft.Descriptor); err != nil {
		return punch.FaceTemplate{}, fmt.Errorf("decode descriptor of %s: %w", ft.LaborID, err)
	}
	return ft, nil
}
