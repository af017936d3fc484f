// ABOUTME: Orchestrator that wires discovery, state, pool, supervisor, workers, and scheduler into a run.
// ABOUTME: Owns the run lifecycle: preflight, resume, chunked execution, finalize, retry passes.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/2389-research/gleaner/metamap"
	"github.com/2389-research/gleaner/timedb"
)

// EventHandler receives run lifecycle events. Handlers must be fast; slow
// handlers delay workers.
type EventHandler func(Event)

// RunSummary is the terminal accounting for one Run or retry pass.
type RunSummary struct {
	RunID     string
	Status    string
	Total     int           // discovered inputs
	Skipped   int           // already complete before this run
	Completed int           // completed during this run
	Failed    int           // entries remaining in the failed-file map
	Elapsed   time.Duration
}

// Orchestrator coordinates one output directory's batch. Create one per run
// invocation; it is not reusable after Run returns.
type Orchestrator struct {
	cfg   Config
	out   *OutputDir
	store *StateStore

	handlers []EventHandler
	mu       sync.Mutex

	progress *ProgressLogger
	history  *timedb.Store
}

// NewOrchestrator validates the configuration and prepares the output
// directory. No servers are probed and no engine is started until Run.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	out, err := OpenOutputDir(cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:   cfg,
		out:   out,
		store: NewStateStore(out),
	}, nil
}

// AddEventHandler registers a handler for run events. Must be called before
// Run.
func (o *Orchestrator) AddEventHandler(h EventHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, h)
}

// emit fans one event out to every registered handler.
func (o *Orchestrator) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	o.mu.Lock()
	handlers := o.handlers
	o.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// factory returns the configured engine instance factory, defaulting to a
// process-per-document client built from the engine options.
func (o *Orchestrator) factory() InstanceFactory {
	if o.cfg.Factory != nil {
		return o.cfg.Factory
	}
	opts := o.cfg.Engine
	return func() (Extractor, error) {
		return metamap.NewClient(opts)
	}
}

// Run executes the batch to completion, resuming from any prior state in the
// output directory. Individual file failures never fail the run; only
// preflight failures, unusable directories, or cancellation do.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	started := time.Now()

	pf := RunPreflight(ctx, BuildPreflightChecks(o.cfg, o.out))
	if !pf.OK() {
		return RunSummary{}, errors.New(pf.Error())
	}

	if err := o.out.WritePID(); err != nil {
		return RunSummary{}, fmt.Errorf("write pid file: %w", err)
	}
	defer o.out.RemovePID()

	inputs, err := DiscoverInputs(o.cfg.InputDir)
	if err != nil {
		return RunSummary{}, err
	}
	if len(inputs) == 0 {
		return RunSummary{}, fmt.Errorf("no input files in %s", o.cfg.InputDir)
	}

	// The completion oracle, not the previous state file, decides what is
	// already done.
	part, err := Partition(inputs, o.out)
	if err != nil {
		return RunSummary{}, err
	}

	state, err := o.openState(inputs, part.Completed)
	if err != nil {
		return RunSummary{}, err
	}

	if err := o.openProgress(len(inputs)); err != nil {
		return RunSummary{}, err
	}
	defer o.closeProgress()

	watchdog := NewWatchdog(o.cfg.Watchdog, o.emit)
	o.AddEventHandler(watchdog.HandleEvent)
	wdCtx, wdCancel := context.WithCancel(context.Background())
	defer wdCancel()
	watchdog.Start(wdCtx)

	sup := NewSupervisor(o.cfg.Servers, o.cfg.Supervisor, o.emit)

	var status *StatusServer
	if o.cfg.StatusAddr != "" {
		status = NewStatusServer(o.cfg.StatusAddr, o.store, o.progress, sup)
		status.Start(nil)
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = status.Shutdown(shCtx)
		}()
	}

	o.emit(Event{Type: EventRunStarted, Data: map[string]any{
		"run_id":    state.RunID,
		"total":     len(inputs),
		"pending":   len(part.Pending),
		"errored":   len(part.Errored),
		"completed": part.Completed,
	}})

	runErr := o.process(ctx, part.Pending, sup)

	final := o.finalize(runErr)
	snap := o.store.Snapshot()
	return RunSummary{
		RunID:     state.RunID,
		Status:    final,
		Total:     len(inputs),
		Skipped:   part.Completed,
		Completed: snap.Completed,
		Failed:    len(snap.Failed),
		Elapsed:   time.Since(started),
	}, runErr
}

// RunRetryPass reprocesses failed files from the persisted state, optionally
// filtered to one error class. Candidate records are quarantined first so the
// oracle sees them as never-started.
func (o *Orchestrator) RunRetryPass(ctx context.Context, filter ErrorClass) (RunSummary, error) {
	started := time.Now()

	state, err := o.store.Load()
	if err != nil {
		return RunSummary{}, fmt.Errorf("no resumable state in %s: %w", o.out.Base, err)
	}

	manager := NewRetryManager(o.cfg.MaxAttempts)
	candidates := manager.SelectCandidates(state, filter)
	if len(candidates) == 0 {
		return RunSummary{RunID: state.RunID, Status: StatusCompleted}, nil
	}

	files := make([]InputFile, 0, len(candidates))
	for _, c := range candidates {
		base := filepath.Base(c.Path)
		if err := o.out.Quarantine(base); err != nil {
			return RunSummary{}, err
		}
		info, err := os.Stat(c.Path)
		if err != nil {
			// Input vanished since the failure was recorded; drop the entry.
			_ = o.store.ClearFailure(c.Path)
			continue
		}
		files = append(files, InputFile{Path: c.Path, Base: base, Size: info.Size()})
	}

	if err := o.openProgress(len(files)); err != nil {
		return RunSummary{}, err
	}
	defer o.closeProgress()

	o.emit(Event{Type: EventRunStarted, Data: map[string]any{
		"run_id": state.RunID,
		"retry":  true,
		"files":  len(files),
		"class":  string(filter),
	}})

	runErr := o.process(ctx, files, NewSupervisor(o.cfg.Servers, o.cfg.Supervisor, o.emit))

	final := o.finalize(runErr)
	snap := o.store.Snapshot()
	return RunSummary{
		RunID:     state.RunID,
		Status:    final,
		Total:     len(files),
		Completed: snap.Completed,
		Failed:    len(snap.Failed),
		Elapsed:   time.Since(started),
	}, runErr
}

// process runs the instance pool and worker pool over files, chunked.
func (o *Orchestrator) process(ctx context.Context, files []InputFile, sup *Supervisor) error {
	if len(files) == 0 {
		return nil
	}

	pool, err := NewInstancePool(o.factory(), o.cfg.Instances, o.cfg.Prewarm)
	if err != nil {
		return fmt.Errorf("start instance pool: %w", err)
	}
	defer pool.Shutdown()

	workers := NewWorkerPool(o.cfg.workerConfig(), pool, sup, o.store, o.out, o.emit)

	if o.history != nil {
		runID := o.store.Snapshot().RunID
		workers.SetCompletionHook(func(basename string, elapsed time.Duration) {
			_ = o.history.Record(runID, basename, elapsed.Seconds())
		})
	}

	scheduler := NewChunkScheduler(o.cfg.ChunkSize, o.store, o.emit)
	return scheduler.Run(ctx, files, workers.Run)
}

// openState loads a resumable snapshot or creates a fresh one. completed is
// the oracle's count of complete records on disk.
func (o *Orchestrator) openState(inputs []InputFile, completed int) (*RunState, error) {
	if o.store.Exists() {
		state, err := o.store.Load()
		if err == nil {
			// Resumed run: refresh totals and status, keep failure history.
			// The completed counter is reset to what the record markers
			// prove — a crash between persisting the counter and writing an
			// end marker leaves the stored value one ahead of the truth.
			err = o.store.Mutate(func(st *RunState) {
				st.Status = StatusRunning
				st.TotalFiles = len(inputs)
				st.Completed = completed
				st.Error = ""
				st.CompletedAt = nil
			})
			if err != nil {
				return nil, err
			}
			return state, nil
		}
		// Corrupt state file: quarantine it and start fresh rather than abort.
		bad := o.store.path + ".corrupt." + fmt.Sprint(time.Now().UnixNano())
		_ = os.Rename(o.store.path, bad)
	}
	return o.store.Create(GenerateRunID(), o.cfg.InputDir, len(inputs))
}

// openProgress starts the progress logger and seeds the ETA from duration
// history when configured.
func (o *Orchestrator) openProgress(total int) error {
	pl, err := NewProgressLogger(o.out.Base, total)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	o.progress = pl
	o.AddEventHandler(pl.HandleEvent)

	if o.cfg.TimeDBPath != "" {
		db, err := timedb.Open(o.cfg.TimeDBPath)
		if err == nil {
			o.history = db
			if avg, ok, err := db.AverageSeconds(); err == nil && ok {
				pl.SetPerFileEstimate(avg)
			}
		}
	}
	return nil
}

// closeProgress closes the progress logger and duration history.
func (o *Orchestrator) closeProgress() {
	if o.progress != nil {
		o.progress.Close()
	}
	if o.history != nil {
		o.history.Close()
		o.history = nil
	}
}

// finalize stamps the terminal status from the run error and emits the
// matching terminal event. Runs even on cancellation so the state file always
// reflects how the run ended.
func (o *Orchestrator) finalize(runErr error) string {
	status := StatusCompleted
	evtType := EventRunCompleted
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = StatusCancelled
		evtType = EventRunCancelled
	case runErr != nil:
		status = StatusFailed
		evtType = EventRunFailed
	}

	_ = o.store.Finalize(status, runErr)

	data := map[string]any{}
	if runErr != nil {
		data["error"] = runErr.Error()
	}
	o.emit(Event{Type: evtType, Data: data})
	return status
}
