package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "offline_then_reconnect.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "offline_then_reconnect", s.Name)
	require.Len(t, s.Steps, 7)
	assert.Equal(t, DoOffline, s.Steps[0].Do)
	assert.Equal(t, "L-1", s.Steps[1].Labor)
	assert.Equal(t, "08:00:00", s.Steps[1].Time)
	require.NotNil(t, s.Steps[3].Expect)
	assert.Equal(t, "offline", *s.Steps[3].Expect.Skipped)
	assert.Nil(t, s.Steps[3].Expect.Uploaded)
	assert.Len(t, s.Assertions, 4)
	assert.Equal(t, []string{"L-1", "L-2"}, s.Assertions[3].Labors)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: typo
steps:
  - do: sync
assertion:
  - type: unsynced
`), 0o644))

	_, err := LoadScenario(path)
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	cases := map[string]struct {
		yaml string
		want string
	}{
		"missing name": {
			yaml: "steps:\n  - do: sync\n",
			want: "name is required",
		},
		"no steps": {
			yaml: "name: empty\n",
			want: "at least one step",
		},
		"unknown step": {
			yaml: "name: x\nsteps:\n  - do: reboot\n",
			want: `unknown step "reboot"`,
		},
		"enqueue without labor": {
			yaml: "name: x\nsteps:\n  - do: enqueue\n    time: \"08:00:00\"\n",
			want: "requires labor",
		},
		"enqueue bad time": {
			yaml: "name: x\nsteps:\n  - do: enqueue\n    labor: L-1\n    time: \"8am\"\n",
			want: "not HH:MM:SS",
		},
		"enqueue bad type": {
			yaml: "name: x\nsteps:\n  - do: enqueue\n    labor: L-1\n    time: \"08:00:00\"\n    type: lunch\n",
			want: "not login or logout",
		},
		"advance without days": {
			yaml: "name: x\nsteps:\n  - do: advance\n",
			want: "positive number of days",
		},
		"expect on non-sync": {
			yaml: "name: x\nsteps:\n  - do: heal\n    expect: { uploaded: 1 }\n",
			want: "only valid on sync",
		},
		"unknown assertion": {
			yaml: "name: x\nsteps:\n  - do: sync\nassertions:\n  - type: vibes\n",
			want: `unknown assertion type "vibes"`,
		},
		"upload order without labors": {
			yaml: "name: x\nsteps:\n  - do: sync\nassertions:\n  - type: upload_order\n",
			want: "requires labors",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tc.yaml))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}
