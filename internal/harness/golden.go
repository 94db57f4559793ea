package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/akattendance/punchsync/internal/punch"
)

// Snapshot renders a trace as canonical JSON, one line per event after a
// header line naming the scenario. Keys are sorted, so equal traces give
// byte-identical snapshots.
func Snapshot(name string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer

	header, err := punch.MarshalCanonical(map[string]any{"scenario": name})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, ev := range trace {
		line, err := punch.MarshalCanonical(ev.canonical())
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden runs the scenario, fails t on any expectation or assertion
// error, and compares the trace with testdata/golden/{name}.golden.
//
// To regenerate golden files:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) error {
	t.Helper()

	result, err := Run(s)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", s.Name, msg)
	}

	snap, err := Snapshot(s.Name, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, snap)
	return nil
}
