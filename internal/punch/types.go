package punch

import (
	"fmt"
	"time"
)

// Type is the direction of a punch.
type Type string

const (
	// Login clocks a laborer in.
	Login Type = "login"
	// Logout clocks a laborer out.
	Logout Type = "logout"
)

// Next returns the type that follows t in the login/logout alternation.
func (t Type) Next() Type {
	if t == Login {
		return Logout
	}
	return Login
}

// Valid reports whether t is a known punch type.
func (t Type) Valid() bool {
	return t == Login || t == Logout
}

// Layouts used for the calendar day and clock time of a punch.
// Both are interpreted in the time zone of the capturing device.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// Setting keys held in the local settings cache.
const (
	SettingLastSyncTime       = "lastSyncTime"
	SettingMaxPunchesPerDay   = "max_punches_per_day"
	SettingPhotoRetentionDays = "photo_retention_days"
)

// DefaultMaxPunchesPerDay applies when max_punches_per_day is unset.
const DefaultMaxPunchesPerDay = 999

// DefaultPhotoRetentionDays applies when photo_retention_days is unset.
const DefaultPhotoRetentionDays = 30

// DescriptorLength is the length of a face descriptor vector.
const DescriptorLength = 128

// LocationActive is the status of a punch location that accepts punches.
const LocationActive = "active"

// Punch is a capture event as admitted by the admission gate.
type Punch struct {
	LaborID      string
	DepartmentID string
	Date         string // YYYY-MM-DD, capture-local
	Time         string // HH:MM:SS, capture-local
	Type         Type
	LocationID   string
	LocationName string
	Confidence   float64 // face-match score in [0, 1]
	Photo        []byte  // JPEG, nil when capture failed or was skipped
}

// Validate checks the fields the store and remote backend rely on.
func (p Punch) Validate() error {
	if p.LaborID == "" {
		return fmt.Errorf("labor id is required")
	}
	if p.DepartmentID == "" {
		return fmt.Errorf("department id is required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("invalid punch type %q", p.Type)
	}
	if _, err := time.Parse(DateLayout, p.Date); err != nil {
		return fmt.Errorf("invalid date %q: %w", p.Date, err)
	}
	if _, err := time.Parse(TimeLayout, p.Time); err != nil {
		return fmt.Errorf("invalid time %q: %w", p.Time, err)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0, 1]", p.Confidence)
	}
	return nil
}

// QueuedPunch is a punch held in the local queue.
//
// INVARIANT: SyncedAt is non-nil iff Synced is true.
type QueuedPunch struct {
	Punch

	ID        int64  // local sequence id
	Key       string // idempotency key, see Key
	Synced    bool
	CreatedAt time.Time
	SyncedAt  *time.Time
}

// HasPhoto reports whether a photo blob is attached.
func (q QueuedPunch) HasPhoto() bool {
	return len(q.Photo) > 0
}

// FaceTemplate is a cached enrolled face descriptor for one laborer.
type FaceTemplate struct {
	LaborID      string    `json:"labor_id"`
	Name         string    `json:"name"`
	DepartmentID string    `json:"department_id"`
	Descriptor   []float64 `json:"descriptor"`
}

// Location is a punch location: a circle of Radius meters around a center.
type Location struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	DepartmentID string  `json:"department_id"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	Radius       float64 `json:"radius"`
	Status       string  `json:"status"`
}

// Active reports whether the location accepts punches.
func (l Location) Active() bool {
	return l.Status == LocationActive
}
