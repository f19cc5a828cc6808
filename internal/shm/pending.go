package shm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sysshare/confcore/internal/datamodel"
)

// PendingOp is one deferred schema-affecting operation: module install,
// module remove, or feature toggle.
type PendingOp struct {
	Kind    PendingKind
	Module  string
	Feature string // only for PendingFeatureToggle
	Enable  bool   // only for PendingFeatureToggle
	Install *datamodel.Module
}

type PendingKind int

const (
	PendingInstall PendingKind = iota
	PendingRemove
	PendingFeatureToggle
)

// PendingQueue accumulates deferred operations while any live session
// still references the current generation, and drains them into a
// single generation bump once the reference count reaches zero: don't
// mutate shared state out from under in-flight readers, stage the
// change, and swap atomically once it's safe.
type PendingQueue struct {
	arena  Arena
	logger *slog.Logger

	mu       sync.Mutex
	ops      []PendingOp
	pinCount map[uint64]int // generation -> number of sessions still observing it
}

func NewPendingQueue(arena Arena, logger *slog.Logger) *PendingQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingQueue{arena: arena, logger: logger, pinCount: make(map[uint64]int)}
}

// Enqueue stages op for the next drain. Calling code should also attempt an
// immediate Drain in case no session currently pins the old generation.
func (q *PendingQueue) Enqueue(op PendingOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
}

// Pin records that a session now observes generation g; Unpin releases it.
// Nothing in this core calls them: internal/session neither pins nor
// unpins on session open/close or on context-changed discard.
func (q *PendingQueue) Pin(g uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pinCount[g]++
}

func (q *PendingQueue) Unpin(g uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pinCount[g] > 0 {
		q.pinCount[g]--
		if q.pinCount[g] == 0 {
			delete(q.pinCount, g)
		}
	}
}

// Pending returns the number of queued operations, for health/debug surfaces.
func (q *PendingQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Drain bumps the generation, applying every queued op, iff no session pins
// the arena's current generation. It returns (0, nil) without error when
// nothing was drained because sessions are still pinning the old
// generation or the queue is empty.
func (q *PendingQueue) Drain(ctx context.Context) (uint64, error) {
	q.mu.Lock()
	if len(q.ops) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	current, err := q.arena.Generation(ctx)
	if err != nil {
		q.mu.Unlock()
		return 0, err
	}
	if q.pinCount[current] > 0 {
		q.mu.Unlock()
		return 0, nil
	}
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()

	newGen, err := q.arena.BumpGeneration(ctx, func(modules map[string]*datamodel.Module) error {
		for _, op := range ops {
			switch op.Kind {
			case PendingInstall:
				if op.Install == nil {
					return fmt.Errorf("pending install for %q carries no module", op.Module)
				}
				modules[op.Module] = op.Install
			case PendingRemove:
				delete(modules, op.Module)
			case PendingFeatureToggle:
				m, ok := modules[op.Module]
				if !ok {
					return fmt.Errorf("pending feature toggle for unknown module %q", op.Module)
				}
				if m.Features == nil {
					m.Features = make(map[string]bool)
				}
				m.Features[op.Feature] = op.Enable
			}
		}
		return nil
	})
	if err != nil {
		// Re-queue on failure so a transient arena error doesn't silently
		// drop an install/remove/toggle request.
		q.mu.Lock()
		q.ops = append(ops, q.ops...)
		q.mu.Unlock()
		return 0, err
	}

	q.logger.Info("drained pending schema operations", "count", len(ops), "generation", newGen)
	return newGen, nil
}
