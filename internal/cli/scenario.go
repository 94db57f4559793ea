package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/akattendance/punchsync/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Filter    string // glob over scenario file names, without extension
	GoldenDir string // compare traces with <dir>/<name>.golden
	Update    bool   // rewrite golden files instead of comparing
	Trace     bool   // print each trace
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioReport is the outcome of a scenario command.
type ScenarioReport struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>...",
		Short: "Replay device scenarios against the sync engine",
		Long: `Replay YAML device scenarios against a throwaway local queue and an
in-memory remote, then check their assertions. With --golden-dir each
trace is also compared with <dir>/<name>.golden.

Exit codes:
  0 - all scenarios passed
  1 - one or more scenarios failed
  2 - command error (missing files, bad filter)

Examples:
  punchsync scenario ./scenarios
  punchsync scenario ./scenarios --golden-dir ./golden --update
  punchsync scenario lost_ack.yaml --trace`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "directory of golden trace files")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files (requires --golden-dir)")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print each scenario trace")

	return cmd
}

func runScenarios(cmd *cobra.Command, opts *ScenarioOptions, args []string) error {
	if opts.Update && opts.GoldenDir == "" {
		return NewExitError(ExitCommandError, "--update requires --golden-dir")
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return WrapExitError(ExitCommandError, "invalid filter pattern", err)
		}
	}

	var files []string
	for _, arg := range args {
		found, err := findScenarioFiles(arg, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("cannot read %s", arg), err)
		}
		files = append(files, found...)
	}

	report := ScenarioReport{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	var text bytes.Buffer
	if len(files) == 0 {
		text.WriteString("No scenarios found.\n")
	}

	for _, file := range files {
		res := runScenarioFile(file, opts, &text)
		report.Scenarios = append(report.Scenarios, res)
		if res.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	if len(files) > 0 {
		fmt.Fprintf(&text, "\n%d passed, %d failed, %d total\n", report.Passed, report.Failed, report.Total)
	}

	if err := opts.formatter(cmd).Emit(report, text.String()); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, report.Total))
	}
	return nil
}

// findScenarioFiles returns path itself, or the .yaml/.yml files under it
// whose base name matches filter.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			if ok, _ := filepath.Match(filter, name); !ok {
				return nil
			}
		}
		files = append(files, p)
		return nil
	})
	return files, err
}

func runScenarioFile(file string, opts *ScenarioOptions, w io.Writer) ScenarioResult {
	fail := func(name string, errs ...string) ScenarioResult {
		fmt.Fprintf(w, "✗ %s\n", name)
		for _, e := range errs {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return ScenarioResult{Name: name, Pass: false, Errors: errs}
	}

	s, err := harness.LoadScenario(file)
	if err != nil {
		return fail(filepath.Base(file), fmt.Sprintf("load error: %v", err))
	}

	result, err := harness.Run(s)
	if err != nil {
		return fail(s.Name, fmt.Sprintf("execution error: %v", err))
	}

	snap, err := harness.Snapshot(s.Name, result.Trace)
	if err != nil {
		return fail(s.Name, fmt.Sprintf("trace error: %v", err))
	}
	if opts.Trace {
		w.Write(snap)
	}

	errs := result.Errors
	if opts.GoldenDir != "" {
		golden := filepath.Join(opts.GoldenDir, s.Name+".golden")
		if opts.Update {
			if err := os.MkdirAll(opts.GoldenDir, 0o755); err != nil {
				return fail(s.Name, fmt.Sprintf("golden update error: %v", err))
			}
			if err := os.WriteFile(golden, snap, 0o644); err != nil {
				return fail(s.Name, fmt.Sprintf("golden update error: %v", err))
			}
		} else {
			want, err := os.ReadFile(golden)
			switch {
			case err != nil:
				errs = append(errs, fmt.Sprintf("golden file: %v", err))
			case !bytes.Equal(want, snap):
				errs = append(errs, "trace does not match golden file (run with --update to regenerate)")
			}
		}
	}

	if len(errs) > 0 {
		return fail(s.Name, errs...)
	}
	fmt.Fprintf(w, "✓ %s\n", s.Name)
	return ScenarioResult{Name: s.Name, Pass: true}
}
