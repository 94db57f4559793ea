package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/akattendance/punchsync/internal/lowconf"
	"github.com/akattendance/punchsync/internal/punch"
)

// MySQLConfig holds connection parameters of the remote database.
type MySQLConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// DSN formats the driver connection string. DATETIME columns are parsed into
// time.Time in UTC.
func (c MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = c.Host + ":" + c.Port
	cfg.DBName = c.Name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// DialMySQL configures a connection pool without touching the network.
func DialMySQL(cfg MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// MySQL is the relational remote backend.
//
// Tables read or written: punch_records (unique punch_key), laborers,
// punch_locations, settings; and the stored procedure
// update_daily_attendance(labor_id, date).
type MySQL struct {
	db    *sql.DB
	blobs Blobs
	now   func() time.Time
}

// NewMySQL creates a backend over db storing photos in blobs.
func NewMySQL(db *sql.DB, blobs Blobs) *MySQL {
	return &MySQL{db: db, blobs: blobs, now: time.Now}
}

// UploadPhoto implements Backend.
func (m *MySQL) UploadPhoto(ctx context.Context, laborID, key string, jpeg []byte) (string, error) {
	url, err := m.blobs.Put(ctx, PhotoPath(laborID, key), jpeg, PhotoContentType)
	if err != nil {
		return "", fault("upload photo", err)
	}
	return url, nil
}

// UpsertPunch implements Backend. A second upsert of the same key keeps the
// first row and only fills in a photo URL the first attempt lacked.
func (m *MySQL) UpsertPunch(ctx context.Context, rec Record) error {
	var photo sql.NullString
	if rec.PhotoURL != "" {
		photo = sql.NullString{String: rec.PhotoURL, Valid: true}
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO punch_records
		(punch_key, labor_id, department_id, date, time, type,
		 location_id, location_name, confidence, photo_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE photo_url = COALESCE(photo_url, VALUES(photo_url))
	`,
		rec.Key, rec.LaborID, rec.DepartmentID, rec.Date, rec.Time, string(rec.Type),
		rec.LocationID, rec.LocationName, rec.Confidence, photo,
	)
	return fault("upsert punch", err)
}

// UpdateDailyAttendance implements Backend.
func (m *MySQL) UpdateDailyAttendance(ctx context.Context, laborID, date string) error {
	_, err := m.db.ExecContext(ctx, `CALL update_daily_attendance(?, ?)`, laborID, date)
	return fault("update daily attendance", err)
}

// TouchLaborerSync implements Backend.
func (m *MySQL) TouchLaborerSync(ctx context.Context, laborID string, at time.Time) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE laborers SET last_sync_at = ? WHERE labor_id = ?`, at.UTC(), laborID)
	return fault("touch laborer sync", err)
}

// ActiveFaceTemplates implements Backend. Laborers whose stored descriptor
// is malformed are skipped with a warning so one bad row cannot block the
// cache refresh.
func (m *MySQL) ActiveFaceTemplates(ctx context.Context) ([]punch.FaceTemplate, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT labor_id, name, department_id, face_descriptor
		FROM laborers
		WHERE status = 'active' AND face_enrolled = TRUE AND face_descriptor IS NOT NULL
		ORDER BY labor_id
	`)
	if err != nil {
		return nil, fault("face templates", err)
	}
	defer rows.Close()

	templates := []punch.FaceTemplate{}
	for rows.Next() {
		var ft punch.FaceTemplate
		var raw []byte
		if err := rows.Scan(&ft.LaborID, &ft.Name, &ft.DepartmentID, &raw); err != nil {
			return nil, fault("scan face template", err)
		}
		if err := json.Unmarshal(raw, &ft.Descriptor); err != nil || len(ft.Descriptor) != punch.DescriptorLength {
			slog.Warn("skipping malformed face descriptor", "labor_id", ft.LaborID, "length", len(ft.Descriptor), "error", err)
			continue
		}
		templates = append(templates, ft)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("iterate face templates", err)
	}
	return templates, nil
}

// ActiveLocations implements Backend.
func (m *MySQL) ActiveLocations(ctx context.Context) ([]punch.Location, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, department_id, latitude, longitude, radius, status
		FROM punch_locations
		WHERE status = 'active'
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fault("locations", err)
	}
	defer rows.Close()

	locations := []punch.Location{}
	for rows.Next() {
		var loc punch.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.DepartmentID,
			&loc.Latitude, &loc.Longitude, &loc.Radius, &loc.Status); err != nil {
			return nil, fault("scan location", err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fault("iterate locations", err)
	}
	return locations, nil
}

// Settings implements Backend.
func (m *MySQL) Settings(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		var v string
		err := m.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE `+"`key`"+` = ?`, k).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fault("setting "+k, err)
		}
		out[k] = v
	}
	return out, nil
}

// RecordLowConfidence implements Backend. The read and the write run in one
// transaction holding the laborer row lock.
func (m *MySQL) RecordLowConfidence(ctx context.Context, laborID string, day time.Time) (lowconf.State, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return lowconf.State{}, fault("record low confidence: begin", err)
	}
	defer tx.Rollback()

	var (
		prev     lowconf.State
		lastDate sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT low_confidence_count, last_low_confidence_date
		FROM laborers WHERE labor_id = ? FOR UPDATE
	`, laborID).Scan(&prev.Count, &lastDate)
	if errors.Is(err, sql.ErrNoRows) {
		return lowconf.State{}, fault("record low confidence", fmt.Errorf("laborer %s not found", laborID))
	}
	if err != nil {
		return lowconf.State{}, fault("record low confidence: read", err)
	}
	if lastDate.Valid {
		prev.LastDate = lastDate.Time
	}

	next := lowconf.Escalate(prev, day)
	if _, err := tx.ExecContext(ctx, `
		UPDATE laborers
		SET low_confidence_count = ?, last_low_confidence_date = ?, needs_reenrollment = ?
		WHERE labor_id = ?
	`, next.Count, next.LastDate.Format(punch.DateLayout), next.NeedsReenrollment, laborID); err != nil {
		return lowconf.State{}, fault("record low confidence: write", err)
	}
	if err := tx.Commit(); err != nil {
		return lowconf.State{}, fault("record low confidence: commit", err)
	}
	return next, nil
}

// Ping implements Backend.
func (m *MySQL) Ping(ctx context.Context) error {
	return fault("ping", m.db.PingContext(ctx))
}

// CleanupOldPhotos implements Backend.
func (m *MySQL) CleanupOldPhotos(ctx context.Context, retentionDays int) (int, error) {
	cutoff := RetentionCutoff(m.now(), retentionDays)

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, photo_url FROM punch_records
		WHERE date < ? AND photo_url IS NOT NULL
	`, cutoff)
	if err != nil {
		return 0, fault("cleanup photos: query", err)
	}
	type oldPhoto struct {
		id  int64
		url string
	}
	var old []oldPhoto
	for rows.Next() {
		var p oldPhoto
		if err := rows.Scan(&p.id, &p.url); err != nil {
			rows.Close()
			return 0, fault("cleanup photos: scan", err)
		}
		old = append(old, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fault("cleanup photos: iterate", err)
	}
	if err := rows.Close(); err != nil {
		return 0, fault("cleanup photos: close", err)
	}

	cleaned := 0
	for _, p := range old {
		if path, ok := PhotoPathFromURL(p.url); ok {
			if err := m.blobs.Delete(ctx, path); err != nil {
				slog.Warn("failed to delete photo", "path", path, "error", err)
				continue
			}
		}
		if _, err := m.db.ExecContext(ctx,
			`UPDATE punch_records SET photo_url = NULL WHERE id = ?`, p.id); err != nil {
			return cleaned, fault("cleanup photos: clear url", err)
		}
		cleaned++
	}
	return cleaned, nil
}
