// Package facematch scores a probe face descriptor against the laborer's
// cached enrollment template. It reads only the local cache, so it works
// offline.
package facematch

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/store"
)

// TemplateSource reads cached face templates.
type TemplateSource interface {
	FaceTemplate(ctx context.Context, laborID string) (punch.FaceTemplate, error)
}

// Matcher compares probes with cached templates.
type Matcher struct {
	templates TemplateSource
}

// New creates a Matcher reading from templates.
func New(templates TemplateSource) *Matcher {
	return &Matcher{templates: templates}
}

// Confidence returns the match score of probe against laborID's template,
// in [0, 1]: one minus the euclidean distance, clamped.
//
// Returns NOT_ENROLLED when no template is cached for the laborer.
func (m *Matcher) Confidence(ctx context.Context, laborID string, probe []float64) (float64, error) {
	tmpl, err := m.templates.FaceTemplate(ctx, laborID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, punch.Reject(punch.ErrCodeNotEnrolled, laborID, "no face template cached", nil)
	}
	if err != nil {
		return 0, err
	}
	return Score(tmpl.Descriptor, probe)
}

// Score returns clamp(1 - |a - b|, 0, 1).
func Score(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("descriptor length mismatch: %d vs %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Max(0, math.Min(1, 1-math.Sqrt(sum))), nil
}
