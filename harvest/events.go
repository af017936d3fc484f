// ABOUTME: Typed lifecycle events emitted by the orchestrator, workers, and supervisor.
// ABOUTME: Events are the sole logging surface; sinks (NDJSON log, CLI, watchdog) subscribe via a callback.
package harvest

import "time"

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunCancelled EventType = "run.cancelled"

	EventChunkStarted   EventType = "chunk.started"
	EventChunkCompleted EventType = "chunk.completed"

	EventFileStarted   EventType = "file.started"
	EventFileCompleted EventType = "file.completed"
	EventFileFailed    EventType = "file.failed"
	EventFileRetrying  EventType = "file.retrying"
	EventFileStalled   EventType = "file.stalled"

	EventServerRestarting EventType = "server.restarting"
	EventServerUp         EventType = "server.up"
	EventServerDown       EventType = "server.down"

	EventCheckpointSaved EventType = "checkpoint.saved"
)

// Event is one lifecycle event. File is the input basename where relevant.
type Event struct {
	Type      EventType      `json:"type"`
	File      string         `json:"file,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
