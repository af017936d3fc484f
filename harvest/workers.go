// ABOUTME: Worker pool that partitions the pending-file list and processes each slice in parallel.
// ABOUTME: Per file: probe servers, borrow an engine instance, submit with timeout, always finalize markers.
package harvest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/2389-research/gleaner/metamap"
)

// WorkerConfig sizes and tunes the worker pool.
type WorkerConfig struct {
	Workers        int           // parallel workers; partitions are disjoint so each file has one writer
	FileTimeout    time.Duration // per-file engine submission deadline
	ConnRetries    int           // in-attempt resubmissions on connection-class failures
	ConnRetryDelay time.Duration // fixed delay between those resubmissions
}

// withDefaults fills zero values.
func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FileTimeout <= 0 {
		c.FileTimeout = 10 * time.Minute
	}
	if c.ConnRetries <= 0 {
		c.ConnRetries = 3
	}
	if c.ConnRetryDelay <= 0 {
		c.ConnRetryDelay = 5 * time.Second
	}
	return c
}

// WorkerPool runs a file list through the engine. Workers coordinate only
// through the state store and the on-disk records: each input is assigned to
// exactly one worker, so at most one writer ever touches a given record.
type WorkerPool struct {
	cfg   WorkerConfig
	pool  *InstancePool
	sup   *Supervisor
	store *StateStore
	out   *OutputDir
	emit  func(Event)

	onCompleted func(basename string, elapsed time.Duration) // optional hook (duration history)
}

// NewWorkerPool wires a pool against the shared instance pool, supervisor,
// state store, and output directory.
func NewWorkerPool(cfg WorkerConfig, pool *InstancePool, sup *Supervisor, store *StateStore, out *OutputDir, emit func(Event)) *WorkerPool {
	return &WorkerPool{
		cfg:   cfg.withDefaults(),
		pool:  pool,
		sup:   sup,
		store: store,
		out:   out,
		emit:  emit,
	}
}

// SetCompletionHook installs a callback invoked after each successful file,
// used to feed the duration history database.
func (wp *WorkerPool) SetCompletionHook(fn func(basename string, elapsed time.Duration)) {
	wp.onCompleted = fn
}

// Run partitions files across the configured workers and processes every
// partition in parallel. Individual file failures are recorded in the state
// store, not returned; Run only fails on cancellation.
func (wp *WorkerPool) Run(ctx context.Context, files []InputFile) error {
	if len(files) == 0 {
		return nil
	}

	workers := wp.cfg.Workers
	if workers > len(files) {
		workers = len(files)
	}
	partitions := partitionFiles(files, workers)

	var wg sync.WaitGroup
	for i, part := range partitions {
		wg.Add(1)
		go func(workerID string, slice []InputFile) {
			defer wg.Done()
			wp.runWorker(ctx, workerID, slice)
		}(fmt.Sprintf("worker-%d", i+1), part)
	}
	wg.Wait()

	return ctx.Err()
}

// runWorker processes one worker's slice sequentially. Cancellation stops
// submission of new files; the in-flight file still finalizes its markers.
func (wp *WorkerPool) runWorker(ctx context.Context, workerID string, files []InputFile) {
	for _, f := range files {
		select {
		case <-ctx.Done():
			_ = wp.store.SetWorker(workerID, "idle", "")
			return
		default:
		}
		wp.processFile(ctx, workerID, f)
	}
	_ = wp.store.SetWorker(workerID, "idle", "")
}

// processFile runs one input through the engine and always leaves a
// well-formed record (markers + header) behind, so downstream consumers can
// distinguish "never attempted" from "attempted and failed".
func (wp *WorkerPool) processFile(ctx context.Context, workerID string, f InputFile) {
	started := time.Now()
	wp.emitEvent(Event{Type: EventFileStarted, File: f.Base, Data: map[string]any{"worker": workerID}})
	_ = wp.store.SetWorker(workerID, "processing", f.Base)

	// Pre-check both auxiliary servers; a down server is restarted
	// synchronously before the engine sees this document.
	for _, name := range wp.sup.Servers() {
		if wp.sup.Status(name) != ServerUp {
			if err := wp.sup.EnsureUp(ctx, name); err != nil {
				// Degraded mode: one sidecar's absence does not
				// necessarily block the engine.
				wp.emitEvent(Event{Type: EventServerDown, File: f.Base, Data: map[string]any{"server": name, "error": err.Error()}})
			}
		}
	}

	doc, err := os.ReadFile(f.Path)
	if err != nil {
		wp.recordFailure(f, started, fmt.Errorf("read input: %w", err))
		return
	}

	inst, err := wp.pool.Acquire(ctx)
	if err != nil {
		// Pool acquisition fails only on cancellation or shutdown; the file
		// stays pending for the next run rather than being marked failed.
		return
	}
	defer wp.pool.Release(inst.ID)

	concepts, submitErr := wp.submit(ctx, inst, string(doc), f.Base)
	if submitErr != nil && ctx.Err() != nil {
		// Cancelled mid-flight: write no record so the file stays pending
		// and the next run picks it up without a retry pass.
		return
	}

	rw, err := NewRecordWriter(wp.out.Base, f.Base)
	if err != nil {
		wp.recordFailure(f, started, fmt.Errorf("open output record: %w", err))
		return
	}
	// The end marker is appended on every exit path below.
	defer func() {
		if err := rw.Finalize(); err != nil {
			wp.emitEvent(Event{Type: EventFileFailed, File: f.Base, Data: map[string]any{"error": err.Error()}})
		}
	}()

	if submitErr != nil {
		rw.MarkFailed()
		wp.recordFailure(f, started, submitErr)
		return
	}

	for _, c := range concepts {
		if err := rw.WriteConcept(c); err != nil {
			rw.MarkFailed()
			wp.recordFailure(f, started, err)
			return
		}
	}

	if rw.Rows() == 0 {
		// An empty result is indistinguishable from an engine malfunction
		// and must not be recorded as silent success.
		rw.MarkFailed()
		wp.recordFailure(f, started, fmt.Errorf("empty result: engine returned no concepts"))
		return
	}

	elapsed := time.Since(started)
	_ = wp.store.MarkCompleted(f.Base, elapsed)
	_ = wp.store.ClearFailure(f.Path)
	if wp.onCompleted != nil {
		wp.onCompleted(f.Base, elapsed)
	}
	wp.emitEvent(Event{
		Type: EventFileCompleted,
		File: f.Base,
		Data: map[string]any{"worker": workerID, "rows": rw.Rows(), "seconds": elapsed.Seconds()},
	})
}

// submit sends the document to the engine with the per-file timeout.
// Connection-class failures are retried transparently up to ConnRetries
// times within this single attempt, with a server-restart attempt and a
// fixed delay between resubmissions; these inner retries do not count toward
// the outer retry ceiling. After a timeout the instance's engine handle is
// recycled rather than trusted again.
func (wp *WorkerPool) submit(ctx context.Context, inst *Instance, doc, basename string) ([]metamap.Concept, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		subCtx, cancel := context.WithTimeout(ctx, wp.cfg.FileTimeout)
		concepts, err := inst.Ext.Process(subCtx, doc)
		cancel()
		if err == nil {
			return concepts, nil
		}
		lastErr = err

		class := Classify(err.Error())
		if class == ClassTimeout {
			if rerr := wp.pool.Recycle(inst.ID); rerr != nil {
				wp.emitEvent(Event{Type: EventFileRetrying, File: basename, Data: map[string]any{"error": rerr.Error()}})
			}
		}
		if class != ClassConnection || attempt >= wp.cfg.ConnRetries || ctx.Err() != nil {
			return nil, lastErr
		}

		wp.emitEvent(Event{
			Type: EventFileRetrying,
			File: basename,
			Data: map[string]any{"attempt": attempt + 1, "error": err.Error()},
		})
		if err := wp.sup.EnsureAllUp(ctx); err != nil {
			wp.emitEvent(Event{Type: EventServerDown, File: basename, Data: map[string]any{"error": err.Error()}})
		}
		if err := sleepCtx(ctx, wp.cfg.ConnRetryDelay); err != nil {
			return nil, lastErr
		}
	}
}

// recordFailure persists the failure into the retry map and emits the event.
func (wp *WorkerPool) recordFailure(f InputFile, started time.Time, err error) {
	class := Classify(err.Error())
	_ = wp.store.RecordFailure(f.Path, err.Error(), class)
	wp.emitEvent(Event{
		Type: EventFileFailed,
		File: f.Base,
		Data: map[string]any{"error": err.Error(), "class": string(class), "seconds": time.Since(started).Seconds()},
	})
}

// emitEvent stamps and forwards an event if a handler is wired.
func (wp *WorkerPool) emitEvent(evt Event) {
	if wp.emit == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	wp.emit(evt)
}

// partitionFiles splits files into n contiguous partitions as evenly as
// possible: base size len/n, with the remainder distributed one extra file
// each to the first remainder partitions.
func partitionFiles(files []InputFile, n int) [][]InputFile {
	if n <= 0 {
		n = 1
	}
	if n > len(files) {
		n = len(files)
	}

	base := len(files) / n
	remainder := len(files) % n

	partitions := make([][]InputFile, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < remainder {
			size++
		}
		partitions = append(partitions, files[start:start+size])
		start += size
	}
	return partitions
}
