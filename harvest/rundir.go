// ABOUTME: OutputDir manages the on-disk layout of a batch output directory.
// ABOUTME: Provides paths for records, state, pid file, and the failed_files quarantine.
package harvest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	stateFileName = ".state.json"
	pidFileName   = ".pid"
	failedDirName = "failed_files"
)

// OutputDir represents one batch output directory. The directory and its
// state file are the only shared mutable resource in the system.
type OutputDir struct {
	Base string
}

// OpenOutputDir creates the output directory and its quarantine subdirectory
// if they do not already exist.
func OpenOutputDir(base string) (*OutputDir, error) {
	if base == "" {
		return nil, fmt.Errorf("output directory must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(base, failedDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &OutputDir{Base: base}, nil
}

// StatePath returns the path of the persisted run state snapshot.
func (d *OutputDir) StatePath() string { return filepath.Join(d.Base, stateFileName) }

// PIDPath returns the path of the orchestrator pid file.
func (d *OutputDir) PIDPath() string { return filepath.Join(d.Base, pidFileName) }

// FailedDir returns the quarantine directory for malformed or errored records.
func (d *OutputDir) FailedDir() string { return filepath.Join(d.Base, failedDirName) }

// OutputPath returns the record path for an input basename.
func (d *OutputDir) OutputPath(basename string) string {
	return filepath.Join(d.Base, OutputName(basename))
}

// WritePID records the current process id for external liveness checks.
func (d *OutputDir) WritePID() error {
	return os.WriteFile(d.PIDPath(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPID returns the recorded orchestrator pid, or an error if absent or malformed.
func (d *OutputDir) ReadPID() (int, error) {
	data, err := os.ReadFile(d.PIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

// RemovePID deletes the pid file. Missing files are not an error.
func (d *OutputDir) RemovePID() error {
	err := os.Remove(d.PIDPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Quarantine moves the output record for basename into failed_files,
// suffixing a timestamp so repeated quarantines of the same input never
// collide. Missing records are ignored.
func (d *OutputDir) Quarantine(basename string) error {
	src := d.OutputPath(basename)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(d.FailedDir(), fmt.Sprintf("%s.%d", OutputName(basename), time.Now().UnixNano()))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("quarantine %q: %w", basename, err)
	}
	return nil
}
