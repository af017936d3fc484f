// ABOUTME: Bounded engine-instance pool gated by a counting semaphore, decoupled from worker count.
// ABOUTME: Auto-sizes from CPU cores and free memory; instances are created lazily past the prewarm set.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/2389-research/gleaner/metamap"
)

// Extractor is the engine-facing contract an instance handle exposes: submit
// one document, get concepts or a failure. metamap.Client is the production
// implementation; tests inject fakes.
type Extractor interface {
	Process(ctx context.Context, doc string) ([]metamap.Concept, error)
	Close() error
}

// InstanceFactory creates a new engine handle. Called lazily as demand grows,
// up to the pool maximum.
type InstanceFactory func() (Extractor, error)

// Instance is a live engine handle plus its in-use bookkeeping. Owned
// exclusively by the pool; borrowed by exactly one worker at a time.
type Instance struct {
	ID  string
	Ext Extractor
}

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("instance pool is shut down")

// InstancePool caps how many engine instances run concurrently. Acquire
// blocks on a counting semaphore until a slot frees; Release returns the
// slot. Each instance is memory-heavy, so over-provisioning causes thrashing
// rather than speedup — the cap is about concurrent process count, not reuse.
type InstancePool struct {
	factory InstanceFactory
	max     int
	sem     chan struct{}

	mu        sync.Mutex
	idle      []*Instance
	borrowed  map[string]*Instance
	closed    bool
	onWarning func(string)
}

// NewInstancePool creates a pool capped at max instances, eagerly creating
// up to prewarm of them (clamped to 2 — the rest are created on first
// demand). max values below 1 are rejected.
func NewInstancePool(factory InstanceFactory, max, prewarm int) (*InstancePool, error) {
	if max < 1 {
		return nil, fmt.Errorf("instance pool max must be >= 1, got %d", max)
	}
	if prewarm > 2 {
		prewarm = 2
	}
	if prewarm > max {
		prewarm = max
	}

	p := &InstancePool{
		factory:  factory,
		max:      max,
		sem:      make(chan struct{}, max),
		borrowed: map[string]*Instance{},
	}

	for i := 0; i < prewarm; i++ {
		inst, err := p.create()
		if err != nil {
			_ = p.Shutdown()
			return nil, fmt.Errorf("prewarm instance %d: %w", i, err)
		}
		p.idle = append(p.idle, inst)
	}

	return p, nil
}

// SetWarningHandler installs a callback for non-fatal pool anomalies
// (double release, close failures during shutdown).
func (p *InstancePool) SetWarningHandler(fn func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWarning = fn
}

// Acquire blocks until a pool slot is free or an instance can be created,
// then returns an exclusive handle. The caller must Release it.
func (p *InstancePool) Acquire(ctx context.Context) (*Instance, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		<-p.sem
		return nil, ErrPoolClosed
	}

	var inst *Instance
	if n := len(p.idle); n > 0 {
		inst = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		created, err := p.create()
		if err != nil {
			<-p.sem
			return nil, fmt.Errorf("create engine instance: %w", err)
		}
		inst = created
	}

	p.borrowed[inst.ID] = inst
	return inst, nil
}

// Release returns an instance to the pool. Safe against double release and
// unknown ids: those log a warning and no-op rather than corrupting the
// semaphore count.
func (p *InstancePool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.borrowed[id]
	if !ok {
		p.warnLocked(fmt.Sprintf("release of unknown or already-released instance %q ignored", id))
		return
	}
	delete(p.borrowed, id)
	if !p.closed {
		p.idle = append(p.idle, inst)
	} else {
		p.closeInstanceLocked(inst)
	}
	<-p.sem
}

// Recycle replaces a borrowed instance's engine handle with a fresh one,
// used after a timeout or suspected corruption. The caller keeps the same
// pool slot and must still Release afterward. The old handle is closed only
// once the replacement exists, so a factory failure never leaves a closed
// handle circulating through the pool.
func (p *InstancePool) Recycle(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.borrowed[id]
	if !ok {
		return fmt.Errorf("recycle of unknown instance %q", id)
	}
	ext, err := p.factory()
	if err != nil {
		return fmt.Errorf("recycle engine instance: %w", err)
	}
	p.closeInstanceLocked(inst)
	inst.Ext = ext
	return nil
}

// Shutdown closes all live handles. Individual close failures are reported
// through the warning handler but do not abort the shutdown.
func (p *InstancePool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, inst := range p.idle {
		p.closeInstanceLocked(inst)
	}
	p.idle = nil
	// Borrowed instances are closed as they come back through Release.
	return nil
}

// Live returns the number of instances currently in existence (idle plus
// borrowed).
func (p *InstancePool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + len(p.borrowed)
}

// Max returns the configured instance ceiling.
func (p *InstancePool) Max() int { return p.max }

// create builds a new instance. Touches no shared pool state, so it is safe
// both during construction and under p.mu in Acquire.
func (p *InstancePool) create() (*Instance, error) {
	ext, err := p.factory()
	if err != nil {
		return nil, err
	}
	return &Instance{ID: uuid.NewString(), Ext: ext}, nil
}

// closeInstanceLocked closes an instance's engine handle, reporting failures
// as warnings. Caller must hold p.mu.
func (p *InstancePool) closeInstanceLocked(inst *Instance) {
	if err := inst.Ext.Close(); err != nil {
		p.warnLocked(fmt.Sprintf("close instance %s: %v", inst.ID, err))
	}
}

// warnLocked invokes the warning handler if set. Caller must hold p.mu.
func (p *InstancePool) warnLocked(msg string) {
	if p.onWarning != nil {
		p.onWarning(msg)
	}
}

// bytesPerInstance and coresPerInstance encode the sizing heuristic: each
// engine instance wants roughly 4 cores and 4 GB to itself.
const (
	coresPerInstance = 4
	bytesPerInstance = 4 << 30
)

// AutoSizeInstances derives a pool maximum from available CPU cores and free
// memory: one instance per 4 cores, one per 4 GB available, whichever is
// smaller, floored at 2.
func AutoSizeInstances() int {
	byCPU := 0
	if cores, err := cpu.Counts(true); err == nil {
		byCPU = cores / coresPerInstance
	}

	byMem := 0
	if vm, err := mem.VirtualMemory(); err == nil {
		byMem = int(vm.Available / bytesPerInstance)
	}

	n := byCPU
	if byMem < n {
		n = byMem
	}
	if n < 2 {
		n = 2
	}
	return n
}
