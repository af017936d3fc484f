// ABOUTME: Tests for the NDJSON progress log and the live.json status snapshot.
// ABOUTME: Covers event folding, ETA computation, and close semantics.
package harvest

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestProgressLoggerWritesInitialLiveJSON(t *testing.T) {
	dir := t.TempDir()
	pl, err := NewProgressLogger(dir, 10)
	if err != nil {
		t.Fatalf("new progress logger: %v", err)
	}
	defer pl.Close()

	data, err := os.ReadFile(filepath.Join(dir, "live.json"))
	if err != nil {
		t.Fatalf("read live.json: %v", err)
	}
	var state LiveState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("parse live.json: %v", err)
	}
	if state.Status != "pending" {
		t.Errorf("expected pending status, got %q", state.Status)
	}
	if state.Total != 10 {
		t.Errorf("expected total 10, got %d", state.Total)
	}
}

func TestProgressLoggerFoldsEvents(t *testing.T) {
	dir := t.TempDir()
	pl, err := NewProgressLogger(dir, 3)
	if err != nil {
		t.Fatalf("new progress logger: %v", err)
	}
	defer pl.Close()

	now := time.Now()
	pl.HandleEvent(Event{Type: EventRunStarted, Timestamp: now})
	pl.HandleEvent(Event{Type: EventFileStarted, File: "a.txt", Timestamp: now})
	pl.HandleEvent(Event{Type: EventFileCompleted, File: "a.txt", Timestamp: now})
	pl.HandleEvent(Event{Type: EventFileStarted, File: "b.txt", Timestamp: now})
	pl.HandleEvent(Event{Type: EventFileFailed, File: "b.txt", Timestamp: now})

	state := pl.State()
	if state.Status != "running" {
		t.Errorf("expected running, got %q", state.Status)
	}
	if state.Completed != 1 || state.Failed != 1 {
		t.Errorf("expected 1 completed and 1 failed, got %d/%d", state.Completed, state.Failed)
	}
	if len(state.ActiveFiles) != 0 {
		t.Errorf("expected no active files, got %v", state.ActiveFiles)
	}
	if state.EventCount != 5 {
		t.Errorf("expected 5 events counted, got %d", state.EventCount)
	}
}

func TestProgressLoggerNDJSONLines(t *testing.T) {
	dir := t.TempDir()
	pl, err := NewProgressLogger(dir, 1)
	if err != nil {
		t.Fatalf("new progress logger: %v", err)
	}

	now := time.Now()
	pl.HandleEvent(Event{Type: EventRunStarted, Timestamp: now})
	pl.HandleEvent(Event{Type: EventFileStarted, File: "a.txt", Timestamp: now})
	pl.Close()

	f, err := os.Open(filepath.Join(dir, "progress.ndjson"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Errorf("line %d does not parse: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("expected 2 log lines, got %d", lines)
	}
}

func TestProgressLoggerETA(t *testing.T) {
	dir := t.TempDir()
	pl, err := NewProgressLogger(dir, 10)
	if err != nil {
		t.Fatalf("new progress logger: %v", err)
	}
	defer pl.Close()

	pl.SetPerFileEstimate(30)
	pl.HandleEvent(Event{Type: EventFileCompleted, File: "a.txt", Timestamp: time.Now()})

	state := pl.State()
	if state.ETASeconds != 270 {
		t.Errorf("expected ETA 270s for 9 remaining files, got %v", state.ETASeconds)
	}
}

func TestProgressLoggerClosedIsNoOp(t *testing.T) {
	pl, err := NewProgressLogger(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("new progress logger: %v", err)
	}
	pl.Close()
	pl.HandleEvent(Event{Type: EventRunStarted, Timestamp: time.Now()})
	if got := pl.State().EventCount; got != 0 {
		t.Errorf("expected no events after close, got %d", got)
	}
}
