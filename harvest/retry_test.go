// ABOUTME: Tests for error classification, backoff delays, and retry candidate selection.
// ABOUTME: Covers the substring rule table, attempt ceilings, and class filtering.
package harvest

import (
	"errors"
	"testing"
	"time"
)

// --- Classify tests ---

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		text string
		want ErrorClass
	}{
		{"java.lang.OutOfMemoryError: Java heap space", ClassMemory},
		{"fork: cannot allocate memory", ClassMemory},
		{"dial tcp 127.0.0.1:1795: connection refused", ClassConnection},
		{"write: broken pipe", ClassConnection},
		{"context deadline exceeded", ClassTimeout},
		{"engine timed out after 10m", ClassTimeout},
		{"fielded output line has 4 fields, want 9", ClassMalformed},
		{"empty result: engine returned no concepts", ClassMalformed},
		{"something else entirely", ClassOther},
		{"", ClassOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.text); got != tc.want {
			t.Errorf("Classify(%q): expected %q, got %q", tc.text, tc.want, got)
		}
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	if got := Classify("CONNECTION REFUSED"); got != ClassConnection {
		t.Errorf("expected connection, got %q", got)
	}
}

// Memory rules outrank timeout rules: an OOM that also mentions a timeout is
// a memory failure.
func TestClassifyMemoryBeatsTimeout(t *testing.T) {
	if got := Classify("OutOfMemoryError while waiting, timed out"); got != ClassMemory {
		t.Errorf("expected memory, got %q", got)
	}
}

// --- BackoffConfig tests ---

func TestDelayForAttemptConstant(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 0; attempt < 3; attempt++ {
		if got := b.DelayForAttempt(attempt); got != 5*time.Second {
			t.Errorf("attempt %d: expected 5s, got %v", attempt, got)
		}
	}
}

func TestDelayForAttemptCapped(t *testing.T) {
	b := BackoffConfig{InitialDelay: time.Second, Factor: 10, MaxDelay: 30 * time.Second}
	if got := b.DelayForAttempt(5); got != 30*time.Second {
		t.Errorf("expected cap at 30s, got %v", got)
	}
}

// --- RetryManager tests ---

func stateWithFailures(entries map[string]*RetryEntry) *RunState {
	return &RunState{Failed: entries}
}

func TestSelectCandidatesExcludesExhausted(t *testing.T) {
	m := NewRetryManager(3)
	state := stateWithFailures(map[string]*RetryEntry{
		"/in/a.txt": {Attempts: 1, Class: ClassTimeout},
		"/in/b.txt": {Attempts: 3, Class: ClassTimeout},
	})
	got := m.SelectCandidates(state, "")
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].Path != "/in/a.txt" {
		t.Errorf("expected /in/a.txt, got %q", got[0].Path)
	}
}

func TestSelectCandidatesClassFilter(t *testing.T) {
	m := NewRetryManager(3)
	state := stateWithFailures(map[string]*RetryEntry{
		"/in/a.txt": {Attempts: 1, Class: ClassTimeout},
		"/in/b.txt": {Attempts: 1, Class: ClassMemory},
	})
	got := m.SelectCandidates(state, ClassMemory)
	if len(got) != 1 || got[0].Path != "/in/b.txt" {
		t.Errorf("expected only the memory-class entry, got %v", got)
	}
}

func TestSelectCandidatesSortedByPath(t *testing.T) {
	m := NewRetryManager(3)
	state := stateWithFailures(map[string]*RetryEntry{
		"/in/c.txt": {Attempts: 1},
		"/in/a.txt": {Attempts: 1},
		"/in/b.txt": {Attempts: 1},
	})
	got := m.SelectCandidates(state, "")
	want := []string{"/in/a.txt", "/in/b.txt", "/in/c.txt"}
	for i, w := range want {
		if got[i].Path != w {
			t.Errorf("position %d: expected %q, got %q", i, w, got[i].Path)
		}
	}
}

func TestApplyOutcomeSuccessClears(t *testing.T) {
	store := newTestStore(t)
	store.Create("run-1", "/in", 1)
	store.RecordFailure("/in/a.txt", "boom", ClassOther)

	m := NewRetryManager(3)
	if err := m.ApplyOutcome(store, "/in/a.txt", nil); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}
	if snap := store.Snapshot(); len(snap.Failed) != 0 {
		t.Errorf("expected cleared failure map, got %v", snap.Failed)
	}
}

func TestApplyOutcomeFailureIncrements(t *testing.T) {
	store := newTestStore(t)
	store.Create("run-1", "/in", 1)
	store.RecordFailure("/in/a.txt", "boom", ClassOther)

	m := NewRetryManager(3)
	if err := m.ApplyOutcome(store, "/in/a.txt", errors.New("timed out again")); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}
	entry := store.Snapshot().Failed["/in/a.txt"]
	if entry.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", entry.Attempts)
	}
	if entry.Class != ClassTimeout {
		t.Errorf("expected reclassified timeout, got %q", entry.Class)
	}
}
