package harness

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/akattendance/punchsync/internal/punch"
)

// Scenario is a scripted device history plus the assertions that must hold
// once it has played out.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Steps       []Step      `yaml:"steps"`
	Assertions  []Assertion `yaml:"assertions"`
}

// Step is one scripted event. Which fields apply depends on Do.
type Step struct {
	Do string `yaml:"do"`

	// enqueue
	Labor      string `yaml:"labor,omitempty"`
	Department string `yaml:"department,omitempty"`
	Date       string `yaml:"date,omitempty"`
	Time       string `yaml:"time,omitempty"`
	Type       string `yaml:"type,omitempty"`
	Photo      bool   `yaml:"photo,omitempty"`

	// fail_upserts
	Count int `yaml:"count,omitempty"`

	// advance
	Days int `yaml:"days,omitempty"`

	// sync
	Expect *SyncExpect `yaml:"expect,omitempty"`
}

// SyncExpect is checked against the report of a sync step. Nil fields are
// not checked.
type SyncExpect struct {
	Skipped  *string `yaml:"skipped,omitempty"`
	Uploaded *int    `yaml:"uploaded,omitempty"`
	Failed   *int    `yaml:"failed,omitempty"`
	Purged   *int64  `yaml:"purged,omitempty"`
}

// Assertion is evaluated after the last step.
type Assertion struct {
	Type   string   `yaml:"type"`
	Count  int      `yaml:"count,omitempty"`
	Labors []string `yaml:"labors,omitempty"`
}

// Step actions.
const (
	DoEnqueue     = "enqueue"
	DoOnline      = "online"
	DoOffline     = "offline"
	DoRestart     = "restart"
	DoSync        = "sync"
	DoFailUpserts = "fail_upserts"
	DoLoseAcks    = "lose_acks"
	DoHeal        = "heal"
	DoAdvance     = "advance"
)

// Assertion types.
const (
	// AssertRemoteRows counts rows in the remote punch table.
	AssertRemoteRows = "remote_rows"
	// AssertUnsynced counts local items still waiting for upload.
	AssertUnsynced = "unsynced"
	// AssertRetained counts local items, synced or not.
	AssertRetained = "retained"
	// AssertUploadOrder lists the labor id of every upsert call, retries
	// included, in call order.
	AssertUploadOrder = "upload_order"
)

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)
)

// LoadScenario reads a scenario file. Unknown fields are rejected so a
// misspelt key fails loudly instead of being ignored.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %s: at least one step is required", s.Name)
	}
	for i, st := range s.Steps {
		if err := validateStep(st); err != nil {
			return fmt.Errorf("scenario %s: step %d: %w", s.Name, i+1, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("scenario %s: assertion %d: %w", s.Name, i+1, err)
		}
	}
	return nil
}

func validateStep(st Step) error {
	switch st.Do {
	case DoEnqueue:
		if st.Labor == "" {
			return fmt.Errorf("enqueue requires labor")
		}
		if !timeRe.MatchString(st.Time) {
			return fmt.Errorf("enqueue time %q is not HH:MM:SS", st.Time)
		}
		if st.Date != "" && !dateRe.MatchString(st.Date) {
			return fmt.Errorf("enqueue date %q is not YYYY-MM-DD", st.Date)
		}
		if st.Type != "" && !punch.Type(st.Type).Valid() {
			return fmt.Errorf("enqueue type %q is not login or logout", st.Type)
		}
	case DoFailUpserts:
		if st.Count < 1 {
			return fmt.Errorf("fail_upserts requires a positive count")
		}
	case DoAdvance:
		if st.Days < 1 {
			return fmt.Errorf("advance requires a positive number of days")
		}
	case DoSync, DoOnline, DoOffline, DoRestart, DoLoseAcks, DoHeal:
	case "":
		return fmt.Errorf("do is required")
	default:
		return fmt.Errorf("unknown step %q", st.Do)
	}
	if st.Expect != nil && st.Do != DoSync {
		return fmt.Errorf("expect is only valid on sync steps")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertRemoteRows, AssertUnsynced, AssertRetained:
		if a.Count < 0 {
			return fmt.Errorf("%s count must not be negative", a.Type)
		}
	case AssertUploadOrder:
		if len(a.Labors) == 0 {
			return fmt.Errorf("upload_order requires labors")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
