// ABOUTME: Background watchdog that detects stalled files via last-activity timestamps.
// ABOUTME: Emits file.stalled warnings; never cancels processing — purely an observability tool.
package harvest

import (
	"context"
	"sync"
	"time"
)

// WatchdogConfig holds configuration for stall detection.
type WatchdogConfig struct {
	StallTimeout  time.Duration // how long before an active file is considered stalled
	CheckInterval time.Duration // how often to check
}

// DefaultWatchdogConfig returns a 10 minute stall timeout with 15 second
// checks — engine runs on large documents are legitimately slow.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		StallTimeout:  10 * time.Minute,
		CheckInterval: 15 * time.Second,
	}
}

// Watchdog monitors in-flight files and emits EventFileStalled when one
// exceeds the stall timeout without finishing.
type Watchdog struct {
	config      WatchdogConfig
	emit        func(Event)
	mu          sync.Mutex
	activeFiles map[string]time.Time // basename -> last activity
	warned      map[string]bool
}

// NewWatchdog creates a Watchdog with the given config and event handler.
func NewWatchdog(cfg WatchdogConfig, emit func(Event)) *Watchdog {
	return &Watchdog{
		config:      cfg,
		emit:        emit,
		activeFiles: make(map[string]time.Time),
		warned:      make(map[string]bool),
	}
}

// Start launches the monitoring goroutine; it stops when ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
}

// FileStarted records that a file went in-flight, resetting any prior
// warning so a repeated stall is detected again.
func (w *Watchdog) FileStarted(basename string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeFiles[basename] = time.Now()
	delete(w.warned, basename)
}

// FileFinished removes a file from stall tracking.
func (w *Watchdog) FileFinished(basename string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeFiles, basename)
	delete(w.warned, basename)
}

// HandleEvent routes file lifecycle events to started/finished tracking so
// the watchdog composes with the orchestrator's event fan-out.
func (w *Watchdog) HandleEvent(evt Event) {
	switch evt.Type {
	case EventFileStarted:
		w.FileStarted(evt.File)
	case EventFileCompleted, EventFileFailed:
		w.FileFinished(evt.File)
	}
}

// ActiveFiles returns the basenames currently tracked, in no particular order.
func (w *Watchdog) ActiveFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	files := make([]string, 0, len(w.activeFiles))
	for f := range w.activeFiles {
		files = append(files, f)
	}
	return files
}

// check warns once per stalled file. Events are emitted outside the lock so
// a handler taking its own locks cannot deadlock against us.
func (w *Watchdog) check() {
	w.mu.Lock()
	var toEmit []Event
	now := time.Now()
	for basename, lastActivity := range w.activeFiles {
		if w.warned[basename] {
			continue
		}
		elapsed := now.Sub(lastActivity)
		if elapsed > w.config.StallTimeout {
			w.warned[basename] = true
			toEmit = append(toEmit, Event{
				Type:      EventFileStalled,
				File:      basename,
				Timestamp: now,
				Data: map[string]any{
					"elapsed":       elapsed.String(),
					"stall_timeout": w.config.StallTimeout.String(),
				},
			})
		}
	}
	w.mu.Unlock()

	for _, evt := range toEmit {
		if w.emit != nil {
			w.emit(evt)
		}
	}
}
