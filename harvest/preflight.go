// ABOUTME: Pre-execution validation that checks the engine install and directory layout.
// ABOUTME: Runs before any worker starts to provide fast, clear failure messages.
package harvest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// PreflightCheck represents a single validation check to run before a batch.
type PreflightCheck struct {
	Name  string                          // human-readable check name
	Check func(ctx context.Context) error // the actual check; nil error means pass
}

// PreflightResult holds the aggregated results of all preflight checks.
type PreflightResult struct {
	Passed []string           // names of checks that passed
	Failed []PreflightFailure // checks that failed with reasons
}

// PreflightFailure records a single check failure with its name and reason.
type PreflightFailure struct {
	Name   string
	Reason string
}

// OK returns true if no checks failed.
func (r PreflightResult) OK() bool {
	return len(r.Failed) == 0
}

// Error formats all failures as a multi-line string. Returns empty string if
// no failures.
func (r PreflightResult) Error() string {
	if len(r.Failed) == 0 {
		return ""
	}
	lines := make([]string, 0, len(r.Failed)+1)
	lines = append(lines, fmt.Sprintf("preflight: %d check(s) failed:", len(r.Failed)))
	for _, f := range r.Failed {
		lines = append(lines, fmt.Sprintf("  - %s: %s", f.Name, f.Reason))
	}
	return strings.Join(lines, "\n")
}

// RunPreflight executes all checks and collects results. Every check is run
// regardless of whether earlier checks fail, so the caller gets a complete
// picture of what needs to be fixed.
func RunPreflight(ctx context.Context, checks []PreflightCheck) PreflightResult {
	result := PreflightResult{
		Passed: make([]string, 0, len(checks)),
		Failed: make([]PreflightFailure, 0),
	}

	for _, c := range checks {
		if err := c.Check(ctx); err != nil {
			result.Failed = append(result.Failed, PreflightFailure{
				Name:   c.Name,
				Reason: err.Error(),
			})
		} else {
			result.Passed = append(result.Passed, c.Name)
		}
	}

	return result
}

// BuildPreflightChecks derives the check set from the configuration:
//   - engine binary resolvable and executable (skipped with a custom Factory)
//   - input directory readable and non-empty
//   - output directory creatable and writable
//   - each configured server's control script resolvable
//   - no other live orchestrator holding the output directory's pid file
func BuildPreflightChecks(cfg Config, out *OutputDir) []PreflightCheck {
	var checks []PreflightCheck

	if cfg.Factory == nil {
		binary := cfg.Engine.BinaryPath
		checks = append(checks, PreflightCheck{
			Name: "engine-binary",
			Check: func(ctx context.Context) error {
				if binary == "" {
					if _, err := exec.LookPath("metamap"); err != nil {
						return fmt.Errorf("engine binary not found on PATH (set engine.binary)")
					}
					return nil
				}
				info, err := os.Stat(binary)
				if err != nil {
					return fmt.Errorf("engine binary %s: %w", binary, err)
				}
				if info.Mode()&0o111 == 0 {
					return fmt.Errorf("engine binary %s is not executable", binary)
				}
				return nil
			},
		})
	}

	inputDir := cfg.InputDir
	checks = append(checks, PreflightCheck{
		Name: "input-dir",
		Check: func(ctx context.Context) error {
			entries, err := os.ReadDir(inputDir)
			if err != nil {
				return fmt.Errorf("input directory %s: %w", inputDir, err)
			}
			for _, e := range entries {
				if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
					return nil
				}
			}
			return fmt.Errorf("input directory %s contains no input files", inputDir)
		},
	})

	checks = append(checks, PreflightCheck{
		Name: "output-dir",
		Check: func(ctx context.Context) error {
			probe, err := os.CreateTemp(out.Base, ".preflight-*")
			if err != nil {
				return fmt.Errorf("output directory %s is not writable: %w", out.Base, err)
			}
			name := probe.Name()
			probe.Close()
			os.Remove(name)
			return nil
		},
	})

	for _, spec := range cfg.Servers {
		if spec.ControlScript == "" {
			continue
		}
		script := spec.ControlScript
		name := spec.Name
		checks = append(checks, PreflightCheck{
			Name: fmt.Sprintf("control-script:%s", name),
			Check: func(ctx context.Context) error {
				if strings.ContainsRune(script, os.PathSeparator) {
					if _, err := os.Stat(script); err != nil {
						return fmt.Errorf("control script for %s: %w", name, err)
					}
					return nil
				}
				if _, err := exec.LookPath(script); err != nil {
					return fmt.Errorf("control script %s for %s not found on PATH", script, name)
				}
				return nil
			},
		})
	}

	checks = append(checks, PreflightCheck{
		Name: "stale-pid",
		Check: func(ctx context.Context) error {
			pid, err := out.ReadPID()
			if err != nil {
				// Absent or unreadable pid file means nothing is running.
				return nil
			}
			alive, err := process.PidExists(int32(pid))
			if err == nil && alive && pid != os.Getpid() {
				return fmt.Errorf("another orchestrator (pid %d) appears to own %s", pid, out.Base)
			}
			return nil
		},
	})

	return checks
}
