// ABOUTME: Tests for the completion oracle's four-way verdict over output records.
// ABOUTME: Covers marker symmetry with RecordWriter and fail-safe degradation to Incomplete.
package harvest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/2389-research/gleaner/metamap"
)

func writeRecordFile(t *testing.T, dir, basename, content string) string {
	t.Helper()
	path := filepath.Join(dir, OutputName(basename))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write record file: %v", err)
	}
	return path
}

func TestInspectOutputNotStarted(t *testing.T) {
	dir := t.TempDir()
	got := InspectOutput(filepath.Join(dir, "missing.txt.csv"), "missing.txt")
	if got != NotStarted {
		t.Errorf("expected NotStarted, got %v", got)
	}
}

func TestInspectOutputCompleteOK(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordFile(t, dir, "doc1.txt",
		"START:doc1.txt\n"+OutputHeader+"\nC1,1.00,a,A,a,,,0/1\nEND:doc1.txt\n")
	if got := InspectOutput(path, "doc1.txt"); got != CompleteOK {
		t.Errorf("expected CompleteOK, got %v", got)
	}
}

func TestInspectOutputCompleteError(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordFile(t, dir, "doc1.txt",
		"START:doc1.txt\n"+OutputHeader+"\nEND:doc1.txt:ERROR\n")
	if got := InspectOutput(path, "doc1.txt"); got != CompleteError {
		t.Errorf("expected CompleteError, got %v", got)
	}
}

func TestInspectOutputHeaderOnlyIsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordFile(t, dir, "doc1.txt", "START:doc1.txt\n"+OutputHeader+"\n")
	if got := InspectOutput(path, "doc1.txt"); got != Incomplete {
		t.Errorf("expected Incomplete for header-terminated record, got %v", got)
	}
}

func TestInspectOutputTruncatedMidRowsIsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordFile(t, dir, "doc1.txt",
		"START:doc1.txt\n"+OutputHeader+"\nC1,1.00,a,A,a,,,0/1\n")
	if got := InspectOutput(path, "doc1.txt"); got != Incomplete {
		t.Errorf("expected Incomplete for truncated record, got %v", got)
	}
}

func TestInspectOutputWrongStartMarkerIsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordFile(t, dir, "doc1.txt",
		"START:other.txt\n"+OutputHeader+"\nEND:other.txt\n")
	if got := InspectOutput(path, "doc1.txt"); got != Incomplete {
		t.Errorf("expected Incomplete for mismatched start marker, got %v", got)
	}
}

func TestInspectOutputEmptyFileIsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordFile(t, dir, "doc1.txt", "")
	if got := InspectOutput(path, "doc1.txt"); got != Incomplete {
		t.Errorf("expected Incomplete for empty file, got %v", got)
	}
}

// The oracle must only look at the tail, so large records with many rows
// still classify correctly.
func TestInspectOutputLargeRecord(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	sb.WriteString("START:doc1.txt\n" + OutputHeader + "\n")
	for i := 0; i < 5000; i++ {
		sb.WriteString("C0018787,4.20,heart,Heart,heart,bpoc,MSH,117/5\n")
	}
	sb.WriteString("END:doc1.txt\n")
	path := writeRecordFile(t, dir, "doc1.txt", sb.String())
	if got := InspectOutput(path, "doc1.txt"); got != CompleteOK {
		t.Errorf("expected CompleteOK, got %v", got)
	}
}

// Marker symmetry: whatever RecordWriter produces, the oracle must classify
// as the matching verdict.
func TestOracleAgreesWithRecordWriter(t *testing.T) {
	dir := t.TempDir()

	ok, err := NewRecordWriter(dir, "ok.txt")
	if err != nil {
		t.Fatalf("new record writer: %v", err)
	}
	ok.WriteConcept(metamap.Concept{CUI: "C1", Score: 1})
	ok.Finalize()

	bad, err := NewRecordWriter(dir, "bad.txt")
	if err != nil {
		t.Fatalf("new record writer: %v", err)
	}
	bad.MarkFailed()
	bad.Finalize()

	if got := InspectOutput(filepath.Join(dir, OutputName("ok.txt")), "ok.txt"); got != CompleteOK {
		t.Errorf("expected CompleteOK for successful record, got %v", got)
	}
	if got := InspectOutput(filepath.Join(dir, OutputName("bad.txt")), "bad.txt"); got != CompleteError {
		t.Errorf("expected CompleteError for failed record, got %v", got)
	}
}

func TestCompletionString(t *testing.T) {
	cases := map[Completion]string{
		NotStarted:    "not_started",
		Incomplete:    "incomplete",
		CompleteOK:    "complete_ok",
		CompleteError: "complete_error",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}
