package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akattendance/punchsync/internal/punch"
)

// EnqueuePunch appends a punch to the queue with synced=false and
// createdAt=now, and returns its local sequence id.
//
// The idempotency key is computed here. Enqueuing a punch whose key is
// already queued returns the existing id: a double-submitted capture is the
// same punch, not a second one.
//
// Any persistence failure is returned as STORAGE_FAULT. On success the row is
// committed and survives process restart.
func (s *Store) EnqueuePunch(ctx context.Context, p punch.Punch) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("enqueue punch: %w", err)
	}
	key, err := punch.Key(p)
	if err != nil {
		return 0, fmt.Errorf("enqueue punch: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, punch.StorageFault("enqueue punch: begin transaction", err)
	}
	defer tx.Rollback()

	var photo []byte
	if len(p.Photo) > 0 {
		photo = p.Photo
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO queued_punches
		(punch_key, labor_id, department_id, punch_date, punch_time, punch_type,
		 location_id, location_name, confidence, photo, synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(punch_key) DO NOTHING
	`,
		key,
		p.LaborID,
		p.DepartmentID,
		p.Date,
		p.Time,
		string(p.Type),
		p.LocationID,
		p.LocationName,
		p.Confidence,
		photo,
		formatTime(s.now()),
	)
	if err != nil {
		return 0, punch.StorageFault("enqueue punch", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, punch.StorageFault("enqueue punch: rows affected", err)
	}

	var id int64
	if affected == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM queued_punches WHERE punch_key = ?`, key,
		).Scan(&id); err != nil {
			return 0, punch.StorageFault("enqueue punch: existing key", err)
		}
	} else {
		id, err = res.LastInsertId()
		if err != nil {
			return 0, punch.StorageFault("enqueue punch: last insert id", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, punch.StorageFault("enqueue punch: commit", err)
	}
	return id, nil
}

// MarkSynced marks a queue item as uploaded and clears its failure record.
//
// Idempotent: an absent id or an item that is already synced is a no-op, and
// syncedAt of an already-synced item is never rewritten.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return punch.StorageFault("mark synced: begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE queued_punches
		SET synced = 1, synced_at = ?
		WHERE id = ? AND synced = 0
	`, formatTime(s.now()), id); err != nil {
		return punch.StorageFault("mark synced", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_attempts WHERE punch_id = ?`, id,
	); err != nil {
		return punch.StorageFault("mark synced: clear attempts", err)
	}

	if err := tx.Commit(); err != nil {
		return punch.StorageFault("mark synced: commit", err)
	}
	return nil
}

// PurgeSyncedOlderThan deletes synced items whose syncedAt is more than
// days before now. Unsynced items are never deleted.
// Returns the number of rows removed.
func (s *Store) PurgeSyncedOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queued_punches
		WHERE synced = 1 AND synced_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, punch.StorageFault("purge synced", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, punch.StorageFault("purge synced: rows affected", err)
	}
	return n, nil
}

// ReplaceFaceTemplates swaps the face template cache for templates.
// Clear and insert run in one transaction: on any failure the previous
// contents are kept.
func (s *Store) ReplaceFaceTemplates(ctx context.Context, templates []punch.FaceTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return punch.StorageFault("replace face templates: begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM face_templates`); err != nil {
		return punch.StorageFault("replace face templates: clear", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO face_templates (labor_id, name, department_id, descriptor)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return punch.StorageFault("replace face templates: prepare", err)
	}
	defer stmt.Close()

	for _, ft := range templates {
		if len(ft.Descriptor) != punch.DescriptorLength {
			return fmt.Errorf("replace face templates: labor %s: descriptor length %d, want %d",
				ft.LaborID, len(ft.Descriptor), punch.DescriptorLength)
		}
		descriptor, err := json.Marshal(ft.Descriptor)
		if err != nil {
			return fmt.Errorf("replace face templates: labor %s: %w", ft.LaborID, err)
		}
		if _, err := stmt.ExecContext(ctx, ft.LaborID, ft.Name, ft.DepartmentID, string(descriptor)); err != nil {
			return punch.StorageFault(fmt.Sprintf("replace face templates: insert %s", ft.LaborID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return punch.StorageFault("replace face templates: commit", err)
	}
	return nil
}

// ReplacePunchLocations swaps the punch location cache for locations.
// Clear and insert run in one transaction: on any failure the previous
// contents are kept.
func (s *Store) ReplacePunchLocations(ctx context.Context, locations []punch.Location) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return punch.StorageFault("replace punch locations: begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM punch_locations`); err != nil {
		return punch.StorageFault("replace punch locations: clear", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO punch_locations
		(id, name, department_id, latitude, longitude, radius, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return punch.StorageFault("replace punch locations: prepare", err)
	}
	defer stmt.Close()

	for _, loc := range locations {
		if _, err := stmt.ExecContext(ctx,
			loc.ID, loc.Name, loc.DepartmentID,
			loc.Latitude, loc.Longitude, loc.Radius, loc.Status,
		); err != nil {
			return punch.StorageFault(fmt.Sprintf("replace punch locations: insert %s", loc.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return punch.StorageFault("replace punch locations: commit", err)
	}
	return nil
}

// PutSetting upserts a single setting.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	if err := putSetting(ctx, s.db, key, value); err != nil {
		return punch.StorageFault("put setting "+key, err)
	}
	return nil
}

// PutSettings upserts several settings in one transaction.
func (s *Store) PutSettings(ctx context.Context, settings map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return punch.StorageFault("put settings: begin transaction", err)
	}
	defer tx.Rollback()

	for k, v := range settings {
		if err := putSetting(ctx, tx, k, v); err != nil {
			return punch.StorageFault("put setting "+k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return punch.StorageFault("put settings: commit", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putSetting(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// RecordSyncFailure counts a failed upload attempt for a queue item.
// Diagnostics only: the item stays unsynced and is retried on every pass.
func (s *Store) RecordSyncFailure(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_attempts (punch_id, attempts, last_error, last_attempt_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(punch_id) DO UPDATE SET
			attempts = attempts + 1,
			last_error = excluded.last_error,
			last_attempt_at = excluded.last_attempt_at
	`, id, msg, formatTime(s.now()))
	if err != nil {
		return punch.StorageFault("record sync failure", err)
	}
	return nil
}
