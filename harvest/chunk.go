// ABOUTME: Chunked scheduler that runs the worker pool over fixed-size sequential slices.
// ABOUTME: Bounds peak descriptor and bookkeeping cost on very large corpora; checkpoints between chunks.
package harvest

import (
	"context"
	"time"
)

// DefaultChunkSize bounds how many files one worker-pool invocation sees.
const DefaultChunkSize = 500

// ChunkScheduler partitions the overall job into sequential chunks and runs
// each to completion before starting the next. Chunk boundaries do not
// overlap with worker parallelism — that is the accepted cost of bounding
// peak resource usage.
type ChunkScheduler struct {
	Size  int
	store *StateStore
	emit  func(Event)
}

// NewChunkScheduler creates a scheduler; size <= 0 selects DefaultChunkSize.
func NewChunkScheduler(size int, store *StateStore, emit func(Event)) *ChunkScheduler {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkScheduler{Size: size, store: store, emit: emit}
}

// Run splits files into chunks and invokes runChunk on each in order,
// checkpointing run state between chunks. Stops at the first cancellation
// or chunk error.
func (cs *ChunkScheduler) Run(ctx context.Context, files []InputFile, runChunk func(context.Context, []InputFile) error) error {
	chunks := chunkFiles(files, cs.Size)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		cs.emitEvent(Event{Type: EventChunkStarted, Data: map[string]any{
			"chunk": i + 1, "chunks": len(chunks), "files": len(chunk),
		}})

		if err := runChunk(ctx, chunk); err != nil {
			return err
		}

		// Whole-document checkpoint between chunks so a crash resumes at
		// the chunk boundary at worst.
		if cs.store != nil {
			if err := cs.store.Mutate(func(*RunState) {}); err == nil {
				cs.emitEvent(Event{Type: EventCheckpointSaved, Data: map[string]any{"chunk": i + 1}})
			}
		}

		cs.emitEvent(Event{Type: EventChunkCompleted, Data: map[string]any{"chunk": i + 1}})
	}
	return nil
}

// emitEvent stamps and forwards an event if a handler is wired.
func (cs *ChunkScheduler) emitEvent(evt Event) {
	if cs.emit == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	cs.emit(evt)
}

// chunkFiles splits files into consecutive slices of at most size elements.
func chunkFiles(files []InputFile, size int) [][]InputFile {
	if size <= 0 || len(files) == 0 {
		return nil
	}
	var chunks [][]InputFile
	for start := 0; start < len(files); start += size {
		end := start + size
		if end > len(files) {
			end = len(files)
		}
		chunks = append(chunks, files[start:end])
	}
	return chunks
}
