// ABOUTME: Append-only NDJSON event log plus an atomically rewritten live.json status snapshot.
// ABOUTME: External monitors poll live.json; the NDJSON log is the full event history for one directory.
package harvest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// progressEntry is one line in the NDJSON log.
type progressEntry struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	File      string         `json:"file,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// LiveState is the current run snapshot written to live.json after each
// event so external tools can poll for status without parsing the log.
type LiveState struct {
	Status      string   `json:"status"`
	ActiveFiles []string `json:"active_files"`
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	Total       int      `json:"total"`
	ETASeconds  float64  `json:"eta_seconds,omitempty"`
	StartedAt   string   `json:"started_at,omitempty"`
	UpdatedAt   string   `json:"updated_at"`
	EventCount  int      `json:"event_count"`
}

// ProgressLogger appends events to progress.ndjson and maintains live.json.
type ProgressLogger struct {
	dir         string
	file        *os.File
	state       LiveState
	etaPerFile  float64 // average seconds per file; 0 = unknown
	mu          sync.Mutex
	closed      bool
	WriteErrors int // count of write errors, for diagnostics
}

// NewProgressLogger opens progress.ndjson for appending in dir and writes an
// initial live.json with pending status.
func NewProgressLogger(dir string, total int) (*ProgressLogger, error) {
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	pl := &ProgressLogger{
		dir: dir,
		file: f,
		state: LiveState{
			Status:      "pending",
			ActiveFiles: []string{},
			Total:       total,
		},
	}

	if err := pl.writeLiveJSON(); err != nil {
		f.Close()
		return nil, err
	}
	return pl, nil
}

// SetPerFileEstimate installs the average per-file duration used for the ETA
// in live.json, typically sourced from the duration history database.
func (p *ProgressLogger) SetPerFileEstimate(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.etaPerFile = seconds
}

// HandleEvent appends the event to the NDJSON log, folds it into the live
// state, and atomically rewrites live.json. Matches the engine's
// EventHandler signature so it can be wired directly.
func (p *ProgressLogger) HandleEvent(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)

	entry := progressEntry{
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
		Type:      string(evt.Type),
		File:      evt.File,
		Data:      evt.Data,
	}

	// Best-effort append: live state is updated even if the log write fails.
	line, err := json.Marshal(entry)
	if err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] marshal error: %v\n", err)
	} else {
		line = append(line, '\n')
		if _, err := p.file.Write(line); err != nil {
			p.WriteErrors++
			fmt.Fprintf(os.Stderr, "[progress] write error: %v\n", err)
		}
	}

	switch evt.Type {
	case EventRunStarted:
		p.state.Status = "running"
		p.state.StartedAt = evt.Timestamp.UTC().Format(time.RFC3339)
		if n, ok := evt.Data["completed"].(int); ok {
			p.state.Completed = n
		}
	case EventFileStarted:
		p.state.ActiveFiles = append(p.state.ActiveFiles, evt.File)
	case EventFileCompleted:
		p.state.Completed++
		p.state.ActiveFiles = removeString(p.state.ActiveFiles, evt.File)
	case EventFileFailed:
		p.state.Failed++
		p.state.ActiveFiles = removeString(p.state.ActiveFiles, evt.File)
	case EventRunCompleted:
		p.state.Status = "completed"
		p.state.ActiveFiles = []string{}
	case EventRunFailed:
		p.state.Status = "failed"
	case EventRunCancelled:
		p.state.Status = "cancelled"
	}

	if p.etaPerFile > 0 {
		remaining := p.state.Total - p.state.Completed - p.state.Failed
		if remaining < 0 {
			remaining = 0
		}
		p.state.ETASeconds = float64(remaining) * p.etaPerFile
	}

	p.state.EventCount++
	p.state.UpdatedAt = now

	if err := p.writeLiveJSON(); err != nil {
		fmt.Fprintf(os.Stderr, "[progress] live.json write error: %v\n", err)
	}
}

// State returns a copy of the current live state.
func (p *ProgressLogger) State() LiveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := p.state
	cp.ActiveFiles = make([]string, len(p.state.ActiveFiles))
	copy(cp.ActiveFiles, p.state.ActiveFiles)
	return cp
}

// Close closes the NDJSON file. After Close, HandleEvent is a no-op.
func (p *ProgressLogger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.file.Close()
}

// writeLiveJSON atomically rewrites live.json. Caller must hold p.mu.
func (p *ProgressLogger) writeLiveJSON() error {
	return writeJSONAtomic(filepath.Join(p.dir, "live.json"), p.state)
}

// removeString returns s without the first occurrence of v.
func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
