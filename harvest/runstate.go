// ABOUTME: RunState data model and the StateStore that persists it to .state.json.
// ABOUTME: Every mutation follows read-mutate-replace: whole-document atomic writes, never appends.
package harvest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// stateVersion is bumped whenever the persisted layout changes shape.
const stateVersion = 1

// Run status values persisted in the state snapshot.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RetryEntry tracks the failure history of one input file, keyed by its
// path in the failed-file map. Created on first failure, incremented on each
// subsequent failure, removed on success.
type RetryEntry struct {
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error"`
	Class         ErrorClass `json:"class"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
}

// WorkerStatus is the live assignment of one worker.
type WorkerStatus struct {
	State       string    `json:"state"` // "processing", "idle"
	CurrentFile string    `json:"current_file,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RunState is the persisted progress snapshot for one output directory.
// Completed counts are recomputed from the completion oracle on resume, not
// trusted blindly.
type RunState struct {
	Version        int                     `json:"version"`
	RunID          string                  `json:"run_id"`
	InputDir       string                  `json:"input_dir"`
	Status         string                  `json:"status"`
	TotalFiles     int                     `json:"total_files"`
	Completed      int                     `json:"completed"`
	StartedAt      time.Time               `json:"started_at"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
	ElapsedSeconds float64                 `json:"elapsed_seconds"`
	Timings        map[string]float64      `json:"timings"` // basename -> seconds
	Workers        map[string]WorkerStatus `json:"workers"` // worker id -> assignment
	Failed         map[string]*RetryEntry  `json:"failed"`  // input path -> retry entry
	Error          string                  `json:"error,omitempty"`
}

// GenerateRunID produces a lexicographically sortable ULID run identifier.
func GenerateRunID() string { return ulid.Make().String() }

// newRunState builds a fresh snapshot with all maps allocated.
func newRunState(runID, inputDir string, total int) *RunState {
	return &RunState{
		Version:    stateVersion,
		RunID:      runID,
		InputDir:   inputDir,
		Status:     StatusRunning,
		TotalFiles: total,
		StartedAt:  time.Now(),
		Timings:    map[string]float64{},
		Workers:    map[string]WorkerStatus{},
		Failed:     map[string]*RetryEntry{},
	}
}

// StateStore owns the .state.json snapshot for one output directory. All
// mutation goes through Mutate, which applies the change under a lock and
// atomically replaces the whole document, so a crash mid-write always leaves
// the previous valid snapshot intact.
type StateStore struct {
	path  string
	mu    sync.Mutex
	state *RunState
}

// NewStateStore creates a store bound to the output directory's state path.
// No file is touched until Create or Load.
func NewStateStore(out *OutputDir) *StateStore {
	return &StateStore{path: out.StatePath()}
}

// Create initializes a fresh in-memory state and persists it.
func (s *StateStore) Create(runID, inputDir string, total int) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = newRunState(runID, inputDir, total)
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	snap := s.snapshotLocked()
	return &snap, nil
}

// Load reads the persisted snapshot from disk into the store. Returns an
// error if the file is absent or corrupt, or if it carries an unknown version.
func (s *StateStore) Load() (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if st.Version > stateVersion {
		return nil, fmt.Errorf("state file version %d is newer than supported version %d", st.Version, stateVersion)
	}
	if st.Timings == nil {
		st.Timings = map[string]float64{}
	}
	if st.Workers == nil {
		st.Workers = map[string]WorkerStatus{}
	}
	if st.Failed == nil {
		st.Failed = map[string]*RetryEntry{}
	}
	s.state = &st
	snap := s.snapshotLocked()
	return &snap, nil
}

// Exists reports whether a persisted snapshot is present on disk.
func (s *StateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Mutate applies fn to the state under the store lock and persists the whole
// document. The store must have been initialized via Create or Load.
func (s *StateStore) Mutate(fn func(*RunState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("state store not initialized")
	}
	fn(s.state)
	return s.saveLocked()
}

// Snapshot returns a deep copy of the current state.
func (s *StateStore) Snapshot() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// MarkCompleted records a successful file: bumps the completed count and the
// per-file timing.
func (s *StateStore) MarkCompleted(basename string, elapsed time.Duration) error {
	return s.Mutate(func(st *RunState) {
		st.Completed++
		st.Timings[basename] = elapsed.Seconds()
	})
}

// RecordFailure creates or increments the retry entry for an input path.
func (s *StateStore) RecordFailure(path, errText string, class ErrorClass) error {
	return s.Mutate(func(st *RunState) {
		entry, ok := st.Failed[path]
		if !ok {
			entry = &RetryEntry{}
			st.Failed[path] = entry
		}
		entry.Attempts++
		entry.LastError = errText
		entry.Class = class
		entry.LastAttemptAt = time.Now()
	})
}

// ClearFailure removes an input path from the failed-file map, typically
// after a successful retry.
func (s *StateStore) ClearFailure(path string) error {
	return s.Mutate(func(st *RunState) {
		delete(st.Failed, path)
	})
}

// SetWorker updates one worker's live assignment.
func (s *StateStore) SetWorker(workerID, state, currentFile string) error {
	return s.Mutate(func(st *RunState) {
		st.Workers[workerID] = WorkerStatus{State: state, CurrentFile: currentFile, UpdatedAt: time.Now()}
	})
}

// Finalize stamps the terminal status, completion time, and elapsed seconds,
// then persists. Called from the orchestrator's cleanup path so interrupted
// runs still checkpoint.
func (s *StateStore) Finalize(status string, runErr error) error {
	return s.Mutate(func(st *RunState) {
		now := time.Now()
		st.Status = status
		st.CompletedAt = &now
		st.ElapsedSeconds = now.Sub(st.StartedAt).Seconds()
		if runErr != nil {
			st.Error = runErr.Error()
		}
	})
}

// saveLocked atomically replaces the state file. Caller must hold s.mu.
func (s *StateStore) saveLocked() error {
	return writeJSONAtomic(s.path, s.state)
}

// snapshotLocked deep-copies the state. Caller must hold s.mu.
func (s *StateStore) snapshotLocked() RunState {
	cp := *s.state
	cp.Timings = make(map[string]float64, len(s.state.Timings))
	for k, v := range s.state.Timings {
		cp.Timings[k] = v
	}
	cp.Workers = make(map[string]WorkerStatus, len(s.state.Workers))
	for k, v := range s.state.Workers {
		cp.Workers[k] = v
	}
	cp.Failed = make(map[string]*RetryEntry, len(s.state.Failed))
	for k, v := range s.state.Failed {
		e := *v
		cp.Failed[k] = &e
	}
	return cp
}

// writeJSONAtomic writes a JSON-encoded value using a temp file + rename so
// readers never observe a partial document.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
