package remote

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/akattendance/punchsync/internal/lowconf"
	"github.com/akattendance/punchsync/internal/punch"
)

// Call is one entry of the Memory call log.
type Call struct {
	Op      string `json:"op"`
	LaborID string `json:"labor_id,omitempty"`
	Key     string `json:"key,omitempty"`
}

// Memory call log operations.
const (
	OpUploadPhoto      = "upload_photo"
	OpUpsertPunch      = "upsert_punch"
	OpDailyAttendance  = "update_daily_attendance"
	OpTouchLaborer     = "touch_laborer"
	OpFaceTemplates    = "face_templates"
	OpLocations        = "locations"
	OpSettings         = "settings"
	OpLowConfidence    = "record_low_confidence"
	OpCleanupOldPhotos = "cleanup_old_photos"
)

// ErrInjected is the cause of failures injected into Memory.
var ErrInjected = errors.New("injected failure")

// Memory is an in-process Backend. It enforces the same unique constraint
// on punch keys as the relational backend.
//
// Failures can be injected per operation class; while offline every call
// (Ping included) fails with ErrOffline.
//
// Thread-safety: All methods are safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	rows       map[string]Record
	rowOrder   []string
	calls      []Call
	photos     map[string][]byte
	templates  []punch.FaceTemplate
	locations  []punch.Location
	settings   map[string]string
	lowConf    map[string]lowconf.State
	lastSync   map[string]time.Time
	attendance []string

	offline         bool
	failUpserts     int // remaining injected upsert failures, <0 = all
	failPhotos      bool
	failAttendance  bool
	failTemplates   bool
	failLocations   bool
	loseAcks        bool
	upsertGate      chan struct{}
	upsertsInFlight int
	maxInFlight     int
	now             func() time.Time
}

// NewMemory creates an empty, online backend.
func NewMemory() *Memory {
	return &Memory{
		rows:     make(map[string]Record),
		photos:   make(map[string][]byte),
		settings: make(map[string]string),
		lowConf:  make(map[string]lowconf.State),
		lastSync: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock overrides the clock used by CleanupOldPhotos.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetOnline toggles reachability.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = !online
}

// FailUpserts makes the next n upserts fail. n < 0 fails all until Heal.
func (m *Memory) FailUpserts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpserts = n
}

// FailPhotoUploads makes photo uploads fail until Heal.
func (m *Memory) FailPhotoUploads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPhotos = fail
}

// FailDailyAttendance makes update_daily_attendance fail until Heal.
func (m *Memory) FailDailyAttendance(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAttendance = fail
}

// FailDownloads makes the template and/or location reads fail until Heal.
func (m *Memory) FailDownloads(templates, locations bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTemplates = templates
	m.failLocations = locations
}

// LoseAcks makes upserts apply and then report failure, as when the
// acknowledgement is lost on the way back.
func (m *Memory) LoseAcks(lose bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loseAcks = lose
}

// Heal clears every injected failure. Reachability is unchanged.
func (m *Memory) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpserts = 0
	m.failPhotos = false
	m.failAttendance = false
	m.failTemplates = false
	m.failLocations = false
	m.loseAcks = false
}

// BlockUpserts holds every upsert until the returned release func is called.
func (m *Memory) BlockUpserts() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.upsertGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.upsertGate == gate {
				m.upsertGate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// SetFaceTemplates sets the source of truth for ActiveFaceTemplates.
func (m *Memory) SetFaceTemplates(templates []punch.FaceTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates = slices.Clone(templates)
}

// SetLocations sets the punch locations; inactive ones are filtered on read.
func (m *Memory) SetLocations(locations []punch.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations = slices.Clone(locations)
}

// SetSetting sets a remote setting.
func (m *Memory) SetSetting(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
}

// Rows returns the stored punch rows in first-insert order.
func (m *Memory) Rows() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.rowOrder))
	for _, k := range m.rowOrder {
		out = append(out, m.rows[k])
	}
	return out
}

// Calls returns a copy of the call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallsOf returns the logged calls of one operation, in order.
func (m *Memory) CallsOf(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// MaxConcurrentUpserts returns the highest number of upserts observed in
// flight at once.
func (m *Memory) MaxConcurrentUpserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// Photos returns the stored photo objects by path.
func (m *Memory) Photos() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.photos)
}

// LowConfidence returns the low-confidence state of a laborer.
func (m *Memory) LowConfidence(laborID string) lowconf.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowConf[laborID]
}

// LastSync returns the laborer's last sync timestamp.
func (m *Memory) LastSync(laborID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastSync[laborID]
	return t, ok
}

// Attendance returns the "labor_id/date" pairs update_daily_attendance was
// issued for, in order.
func (m *Memory) Attendance() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.attendance)
}

// enter logs a call and fails it when offline. Caller holds m.mu.
func (m *Memory) enter(c Call) error {
	m.calls = append(m.calls, c)
	if m.offline {
		return ErrOffline
	}
	return nil
}

// UploadPhoto implements Backend.
func (m *Memory) UploadPhoto(ctx context.Context, laborID, key string, jpeg []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(Call{Op: OpUploadPhoto, LaborID: laborID, Key: key}); err != nil {
		return "", fault("upload photo", err)
	}
	if err := ctx.Err(); err != nil {
		return "", fault("upload photo", err)
	}
	if m.failPhotos {
		return "", fault("upload photo", ErrInjected)
	}
	path := PhotoPath(laborID, key)
	m.photos[path] = slices.Clone(jpeg)
	return "memory://" + Bucket + "/" + path, nil
}

// UpsertPunch implements Backend.
func (m *Memory) UpsertPunch(ctx context.Context, rec Record) error {
	m.mu.Lock()
	if err := m.enter(Call{Op: OpUpsertPunch, LaborID: rec.LaborID, Key: rec.Key}); err != nil {
		m.mu.Unlock()
		return fault("upsert punch", err)
	}
	gate := m.upsertGate
	m.upsertsInFlight++
	m.maxInFlight = max(m.maxInFlight, m.upsertsInFlight)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.upsertsInFlight--
		m.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fault("upsert punch", ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUpserts != 0 {
		if m.failUpserts > 0 {
			m.failUpserts--
		}
		return fault("upsert punch", ErrInjected)
	}

	if existing, ok := m.rows[rec.Key]; ok {
		if existing.PhotoURL == "" && rec.PhotoURL != "" {
			existing.PhotoURL = rec.PhotoURL
			m.rows[rec.Key] = existing
		}
	} else {
		m.rows[rec.Key] = rec
		m.rowOrder = append(m.rowOrder, rec.Key)
	}

	if m.loseAcks {
		return fault("upsert punch", ErrInjected)
	}
	return nil
}

// UpdateDailyAttendance implements Backend.
func (m *Memory) UpdateDailyAttendance(ctx context.Context, laborID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(Call{Op: OpDailyAttendance, LaborID: laborID}); err != nil {
		return fault("update daily attendance", err)
	}
	if m.failAttendance {
		return fault("update daily attendance", ErrInjected)
	}
	m.attendance = append(m.attendance, laborID+"/"+date)
	return nil
}

// TouchLaborerSync implements Backend.
func (m *Memory) TouchLaborerSync(ctx context.Context, laborID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(Call{Op: OpTouchLaborer, LaborID: laborID}); err != nil {
		return fault("touch laborer sync", err)
	}
	m.lastSync[laborID] = at
	return nil
}

// ActiveFaceTemplates implements Backend.
func (m *Memory) ActiveFaceTemplates(ctx context.Context) ([]punch.FaceTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(Call{Op: OpFaceTemplates}); err != nil {
		return nil, fault("face templates", err)
	}
	if m.failTemplates {
		return nil, fault("face templates", ErrInjected)
	}
	out := make([]punch.FaceTemplate, 0, len(m.templates))
	for _, ft := range m.templates {
		ft.Descriptor = slices.Clone(ft.Descriptor)
		out = append(out, ft)
	}
	return out, nil
}

// ActiveLocations implements Backend.
func (m *Memory) ActiveLocations(ctx context.Context) ([]punch.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(Call{Op: OpLocations}); err != nil {
		return nil, fault("locations", err)
	}
	if m.failLocations {
		return nil, fault("locations", ErrInjected)
	}
	out := []punch.Location{}
	for _, loc := range m.locations {
		if loc.Active() {
			out = append(out, loc)
		}
	}
	return out, nil
}

// Settings implements Backend.
func (m *Memory) Settings(ctx context.Context, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(Call{Op: OpSettings}); err != nil {
		return nil, fault("settings", err)
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m.settings[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// RecordLowConfidence implements Backend.
func (m *Memory) RecordLowConfidence(ctx context.Context, laborID string, day time.Time) (lowconf.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(Call{Op: OpLowConfidence, LaborID: laborID}); err != nil {
		return lowconf.State{}, fault("record low confidence", err)
	}
	next := lowconf.Escalate(m.lowConf[laborID], day)
	m.lowConf[laborID] = next
	return next, nil
}

// Ping implements Backend. Pings are not logged.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return fault("ping", ErrOffline)
	}
	return nil
}

// CleanupOldPhotos implements Backend.
func (m *Memory) CleanupOldPhotos(ctx context.Context, retentionDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(Call{Op: OpCleanupOldPhotos}); err != nil {
		return 0, fault("cleanup old photos", err)
	}

	cutoff := RetentionCutoff(m.now(), retentionDays)
	cleaned := 0
	for _, k := range m.rowOrder {
		rec := m.rows[k]
		if rec.PhotoURL == "" || rec.Date >= cutoff {
			continue
		}
		if path, ok := PhotoPathFromURL(rec.PhotoURL); ok {
			delete(m.photos, path)
		}
		rec.PhotoURL = ""
		m.rows[k] = rec
		cleaned++
	}
	return cleaned, nil
}
