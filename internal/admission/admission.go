// Package admission decides whether a capture becomes a queued punch.
//
// A capture goes through one terminal step:
//
//  1. next type from the laborer's most recent local punch today
//  2. per-day limit (max_punches_per_day, default 999)
//  3. face match against the cached template
//  4. geofence against the cached locations
//  5. enqueue into the local store
//
// Steps 1-4 read only the local store, and step 5 writes only the local
// store, so online and offline captures take the identical path.
// A rejection at any step writes nothing to the queue.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/akattendance/punchsync/internal/geofence"
	"github.com/akattendance/punchsync/internal/lowconf"
	"github.com/akattendance/punchsync/internal/photo"
	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/store"
)

// DefaultThreshold is the minimum accepted face-match confidence.
const DefaultThreshold = 0.6

// DefaultRecorderTimeout bounds the low-confidence signal.
const DefaultRecorderTimeout = 5 * time.Second

// Store is the subset of the local store the gate uses.
type Store interface {
	LastPunch(ctx context.Context, laborID, date string) (punch.QueuedPunch, error)
	CountPunches(ctx context.Context, laborID, date string) (int, error)
	IntSetting(ctx context.Context, key string, def int) (int, error)
	PunchLocations(ctx context.Context, departmentID string) ([]punch.Location, error)
	EnqueuePunch(ctx context.Context, p punch.Punch) (int64, error)
}

// Matcher scores a probe descriptor against the laborer's template.
type Matcher interface {
	Confidence(ctx context.Context, laborID string, probe []float64) (float64, error)
}

// Recorder receives low-confidence signals.
type Recorder interface {
	RecordLowConfidence(ctx context.Context, laborID string, day time.Time) (lowconf.State, error)
}

// Capture is one punch attempt from the capture UI.
type Capture struct {
	LaborID      string    `json:"labor_id"`
	DepartmentID string    `json:"department_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Descriptor   []float64 `json:"descriptor"`
	Photo        []byte    `json:"photo,omitempty"`
	At           time.Time `json:"at"` // device clock, in the device time zone
}

// Admission is the result of an admitted capture.
type Admission struct {
	ID       int64       `json:"id"`
	Punch    punch.Punch `json:"-"`
	Type     punch.Type  `json:"type"`
	Location string      `json:"location"`
	Distance float64     `json:"distance_m"`
}

// Gate admits captures into the local queue.
type Gate struct {
	store           Store
	matcher         Matcher
	recorder        Recorder
	threshold       float64
	recorderTimeout time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithThreshold sets the minimum accepted confidence.
func WithThreshold(t float64) Option {
	return func(g *Gate) { g.threshold = t }
}

// WithRecorder sets the low-confidence recorder. Without one, low-confidence
// rejections are only logged.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// WithRecorderTimeout bounds each low-confidence signal.
func WithRecorderTimeout(d time.Duration) Option {
	return func(g *Gate) { g.recorderTimeout = d }
}

// NewGate creates a gate.
func NewGate(s Store, m Matcher, opts ...Option) *Gate {
	g := &Gate{
		store:           s,
		matcher:         m,
		threshold:       DefaultThreshold,
		recorderTimeout: DefaultRecorderTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit runs the admission steps for c.
//
// Rejections are *punch.Error with a rejection code (see punch.IsRejection).
// A STORAGE_FAULT means the punch was not saved.
func (g *Gate) Admit(ctx context.Context, c Capture) (Admission, error) {
	if c.LaborID == "" || c.DepartmentID == "" {
		return Admission{}, errors.New("admit: labor id and department id are required")
	}
	if c.At.IsZero() {
		return Admission{}, errors.New("admit: capture time is required")
	}
	date := c.At.Format(punch.DateLayout)

	typ, err := g.nextType(ctx, c.LaborID, date)
	if err != nil {
		return Admission{}, err
	}

	limit, err := g.store.IntSetting(ctx, punch.SettingMaxPunchesPerDay, punch.DefaultMaxPunchesPerDay)
	if err != nil {
		return Admission{}, err
	}
	count, err := g.store.CountPunches(ctx, c.LaborID, date)
	if err != nil {
		return Admission{}, err
	}
	if count >= limit {
		return Admission{}, punch.Reject(punch.ErrCodePunchLimit, c.LaborID,
			fmt.Sprintf("%d punches today, limit is %d", count, limit),
			map[string]string{"count": strconv.Itoa(count), "limit": strconv.Itoa(limit)})
	}

	confidence, err := g.matcher.Confidence(ctx, c.LaborID, c.Descriptor)
	if err != nil {
		return Admission{}, err
	}
	if confidence < g.threshold {
		g.signalLowConfidence(ctx, c.LaborID, c.At)
		return Admission{}, punch.Reject(punch.ErrCodeLowConfidence, c.LaborID,
			fmt.Sprintf("face match %.2f below threshold %.2f", confidence, g.threshold),
			map[string]string{"confidence": strconv.FormatFloat(confidence, 'f', 4, 64)})
	}

	locations, err := g.store.PunchLocations(ctx, c.DepartmentID)
	if err != nil {
		return Admission{}, err
	}
	match, err := geofence.Resolve(c.Latitude, c.Longitude, c.DepartmentID, locations)
	if err != nil {
		var pe *punch.Error
		if errors.As(err, &pe) {
			pe.LaborID = c.LaborID
		}
		return Admission{}, err
	}

	p := punch.Punch{
		LaborID:      c.LaborID,
		DepartmentID: c.DepartmentID,
		Date:         date,
		Time:         c.At.Format(punch.TimeLayout),
		Type:         typ,
		LocationID:   match.Location.ID,
		LocationName: match.Location.Name,
		Confidence:   confidence,
		Photo:        g.normalizePhoto(c),
	}

	id, err := g.store.EnqueuePunch(ctx, p)
	if err != nil {
		return Admission{}, err
	}

	slog.Info("punch admitted",
		"id", id, "labor_id", p.LaborID, "type", p.Type,
		"location_id", p.LocationID, "distance_m", match.Distance, "confidence", confidence)

	return Admission{
		ID:       id,
		Punch:    p,
		Type:     typ,
		Location: match.Location.Name,
		Distance: match.Distance,
	}, nil
}

// NextType returns the type the laborer's next punch on date would get.
func (g *Gate) NextType(ctx context.Context, laborID, date string) (punch.Type, error) {
	return g.nextType(ctx, laborID, date)
}

func (g *Gate) nextType(ctx context.Context, laborID, date string) (punch.Type, error) {
	last, err := g.store.LastPunch(ctx, laborID, date)
	if errors.Is(err, store.ErrNotFound) {
		return punch.Login, nil
	}
	if err != nil {
		return "", err
	}
	return last.Type.Next(), nil
}

// signalLowConfidence notifies the recorder. Failures never change the
// rejection; offline they are expected.
func (g *Gate) signalLowConfidence(ctx context.Context, laborID string, at time.Time) {
	if g.recorder == nil {
		slog.Warn("low confidence capture, no recorder configured", "labor_id", laborID)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.recorderTimeout)
	defer cancel()

	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	state, err := g.recorder.RecordLowConfidence(ctx, laborID, day)
	if err != nil {
		slog.Warn("failed to record low confidence", "labor_id", laborID, "error", err)
		return
	}
	if state.NeedsReenrollment {
		slog.Warn("laborer flagged for re-enrollment", "labor_id", laborID, "count", state.Count)
	}
}

// normalizePhoto re-encodes the capture photo. A photo that cannot be
// processed is dropped and the punch is queued without one.
func (g *Gate) normalizePhoto(c Capture) []byte {
	if len(c.Photo) == 0 {
		return nil
	}
	out, err := photo.Normalize(c.Photo)
	if err != nil {
		slog.Warn("dropping capture photo", "labor_id", c.LaborID, "error", err)
		return nil
	}
	return out
}
