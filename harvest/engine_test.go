// ABOUTME: End-to-end orchestrator tests: full batch, crash-free resume, and retry passes.
// ABOUTME: Runs against a fake engine and a live TCP listener standing in for a sidecar.
package harvest

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/2389-research/gleaner/metamap"
)

// testBatchConfig builds a runnable config over real temp dirs, a fake
// engine, and a listener-backed sidecar server.
func testBatchConfig(t *testing.T, inputDir, outputDir string) Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	return Config{
		InputDir:  inputDir,
		OutputDir: outputDir,
		Workers:   4,
		Instances: 2,
		Servers:   []ServerSpec{{Name: "aux", Port: port}},
		Factory: fakeFactory(func(ctx context.Context, doc string) ([]metamap.Concept, error) {
			if doc == "EMPTY" {
				return nil, nil
			}
			return []metamap.Concept{{CUI: "C0000001", Score: 1}}, nil
		}),
	}
}

func TestOrchestratorFullBatch(t *testing.T) {
	inputDir, files := writeInputs(t, 10, map[int]bool{4: true})
	outputDir := t.TempDir()

	orch, err := NewOrchestrator(testBatchConfig(t, inputDir, outputDir))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	summary, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Status != StatusCompleted {
		t.Errorf("expected completed status, got %q", summary.Status)
	}
	if summary.Total != 10 {
		t.Errorf("expected 10 total, got %d", summary.Total)
	}
	if summary.Completed != 9 {
		t.Errorf("expected 9 completed, got %d", summary.Completed)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", summary.Failed)
	}

	okCount := 0
	for _, f := range files {
		if InspectOutput(filepath.Join(outputDir, OutputName(f.Base)), f.Base) == CompleteOK {
			okCount++
		}
	}
	if okCount != 9 {
		t.Errorf("expected 9 clean records on disk, got %d", okCount)
	}

	// Run artifacts: state snapshot, progress log, live status.
	for _, name := range []string{".state.json", "progress.ndjson", "live.json"} {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}

	// The pid file is cleaned up after the run.
	if _, err := os.Stat(filepath.Join(outputDir, ".pid")); !os.IsNotExist(err) {
		t.Error("expected pid file removed after run")
	}
}

// A second run over the same directories reprocesses nothing: completed
// records are skipped and the error record waits for an explicit retry pass.
func TestOrchestratorResumeIsIdempotent(t *testing.T) {
	inputDir, files := writeInputs(t, 6, map[int]bool{2: true})
	outputDir := t.TempDir()

	first, err := NewOrchestrator(testBatchConfig(t, inputDir, outputDir))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Capture record contents so we can prove the resume rewrote nothing.
	before := map[string]string{}
	for _, f := range files {
		data, _ := os.ReadFile(filepath.Join(outputDir, OutputName(f.Base)))
		before[f.Base] = string(data)
	}

	second, err := NewOrchestrator(testBatchConfig(t, inputDir, outputDir))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	summary, err := second.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if summary.Skipped != 5 {
		t.Errorf("expected 5 skipped on resume, got %d", summary.Skipped)
	}
	for _, f := range files {
		data, _ := os.ReadFile(filepath.Join(outputDir, OutputName(f.Base)))
		if string(data) != before[f.Base] {
			t.Errorf("file %s: resume must not rewrite completed records", f.Base)
		}
	}
}

// A crash can land between the completed counter being persisted and the end
// marker reaching disk. On resume the counter must be reset to what the record
// markers prove, or the reprocessed file gets counted twice.
func TestOrchestratorResumeRecomputesCompletedFromRecords(t *testing.T) {
	inputDir, files := writeInputs(t, 5, nil)
	outputDir := t.TempDir()

	first, err := NewOrchestrator(testBatchConfig(t, inputDir, outputDir))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Drop one record's end marker while leaving .state.json counting it done.
	path := filepath.Join(outputDir, OutputName(files[0].Base))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	truncated := strings.Join(lines[:len(lines)-1], "\n") + "\n"
	if err := os.WriteFile(path, []byte(truncated), 0o644); err != nil {
		t.Fatalf("truncate record: %v", err)
	}
	if got := InspectOutput(path, files[0].Base); got != Incomplete {
		t.Fatalf("expected truncated record Incomplete, got %v", got)
	}

	second, err := NewOrchestrator(testBatchConfig(t, inputDir, outputDir))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	summary, err := second.Run(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}

	okCount := 0
	for _, f := range files {
		if InspectOutput(filepath.Join(outputDir, OutputName(f.Base)), f.Base) == CompleteOK {
			okCount++
		}
	}
	if okCount != 5 {
		t.Fatalf("expected all 5 records complete after resume, got %d", okCount)
	}
	if summary.Completed != okCount {
		t.Errorf("expected completed count %d to agree with the records on disk, got %d", okCount, summary.Completed)
	}
	if summary.Skipped != 4 {
		t.Errorf("expected 4 skipped on resume, got %d", summary.Skipped)
	}
}

func TestOrchestratorRetryPassReprocessesFailures(t *testing.T) {
	inputDir, _ := writeInputs(t, 4, map[int]bool{3: true})
	outputDir := t.TempDir()

	first, err := NewOrchestrator(testBatchConfig(t, inputDir, outputDir))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Fix the failing document so the retry can succeed.
	if err := os.WriteFile(filepath.Join(inputDir, "doc03.txt"), []byte("now has text"), 0o644); err != nil {
		t.Fatalf("rewrite input: %v", err)
	}

	retrier, err := NewOrchestrator(testBatchConfig(t, inputDir, outputDir))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	summary, err := retrier.RunRetryPass(context.Background(), "")
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}

	if summary.Failed != 0 {
		t.Errorf("expected no failures after retry, got %d", summary.Failed)
	}
	if got := InspectOutput(filepath.Join(outputDir, OutputName("doc03.txt")), "doc03.txt"); got != CompleteOK {
		t.Errorf("expected CompleteOK after retry, got %v", got)
	}

	// The old error record was quarantined, not overwritten in place silently.
	quarantined, _ := os.ReadDir(filepath.Join(outputDir, failedDirName))
	if len(quarantined) == 0 {
		t.Error("expected the failed record quarantined before reprocessing")
	}
}

func TestOrchestratorRetryPassClassFilter(t *testing.T) {
	inputDir, _ := writeInputs(t, 2, map[int]bool{1: true})
	outputDir := t.TempDir()

	first, err := NewOrchestrator(testBatchConfig(t, inputDir, outputDir))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The empty-result failure is malformed-class; a timeout-only pass must
	// select nothing.
	retrier, err := NewOrchestrator(testBatchConfig(t, inputDir, outputDir))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	summary, err := retrier.RunRetryPass(context.Background(), ClassTimeout)
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if summary.Total != 0 {
		t.Errorf("expected no candidates for timeout filter, got %d", summary.Total)
	}
}

func TestOrchestratorRejectsEmptyInputDir(t *testing.T) {
	orch, err := NewOrchestrator(testBatchConfig(t, t.TempDir(), t.TempDir()))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if _, err := orch.Run(context.Background()); err == nil {
		t.Fatal("expected preflight failure for empty input directory")
	}
}

func TestNewOrchestratorValidatesConfig(t *testing.T) {
	if _, err := NewOrchestrator(Config{}); err == nil {
		t.Fatal("expected validation error for empty config")
	}
}
