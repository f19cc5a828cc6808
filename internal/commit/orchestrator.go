// Package commit implements the five-phase commit orchestrator
// (update → change → store → done | abort) that turns a set of staged
// change sets into a durable, notified transaction across every touched
// module, with deterministic lock ordering, a timeout budget, and a
// circuit breaker over degraded cross-process ack waits.
//
// Structured as a validate-then-apply two-phase commit generalized to
// five named phases, with an ack-gathering step run between each phase.
package commit

import (
	"context"
	"sort"
	"time"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/editengine"
	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/locktable"
	"github.com/sysshare/confcore/internal/plugin"
	"github.com/sysshare/confcore/internal/subshm"
	"github.com/sysshare/confcore/internal/tree"
)

// ModuleRings resolves the one Sub-SHM roster a module's module-change
// subscribers sit on. All five commit phases post to this single ring
// as distinct Event.Type values (update/change carry the pending Δ for
// veto/amend; done/abort are outcome notifications), so a subscriber
// that acked change(E) is on the same roster done(E)/abort(E) is posted
// to, rather than a separate ring whose membership it never joined.
type ModuleRings struct {
	Change subshm.Ring
}

// Config bounds one commit's total wall-clock budget and per-module ack
// wait, and the breaker's trip threshold. A change-phase callback veto or
// system error is fatal for the offending connection but not for the
// datastore.
type Config struct {
	Timeout             time.Duration
	BreakerThreshold    int
	BreakerResetAfter   time.Duration
}

func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, BreakerThreshold: 3, BreakerResetAfter: 30 * time.Second}
}

// Orchestrator drives one datastore's commit protocol across its
// modules. One Orchestrator per (datastore kind) is expected; modules
// share the lock table and datastore plugin registry.
type Orchestrator struct {
	cfg      Config
	locks    *locktable.Table
	store    func(module string) (plugin.Datastore, bool)
	rings    func(module string) (ModuleRings, bool)
	schema   func(module string) (*tree.Schema, bool)
	breakers map[string]*CircuitBreaker
}

// schema may be nil, in which case amended trees skip re-validation (the
// same as a module with no schema bound).
func New(cfg Config, locks *locktable.Table, store func(string) (plugin.Datastore, bool), rings func(string) (ModuleRings, bool), schema func(string) (*tree.Schema, bool)) *Orchestrator {
	if schema == nil {
		schema = func(string) (*tree.Schema, bool) { return nil, false }
	}
	return &Orchestrator{cfg: cfg, locks: locks, store: store, rings: rings, schema: schema, breakers: make(map[string]*CircuitBreaker)}
}

func (o *Orchestrator) breakerFor(module string) *CircuitBreaker {
	b, ok := o.breakers[module]
	if !ok {
		b = NewCircuitBreaker(o.cfg.BreakerThreshold, o.cfg.BreakerResetAfter)
		o.breakers[module] = b
	}
	return b
}

// Result carries the per-module outcome of one ApplyChanges call.
type Result struct {
	Module  string
	Applied bool
	Err     error
}

// ApplyChanges runs the five-phase protocol across every module named in
// sets, always acquiring module write locks in a single deterministic
// order (sorted module name) to prevent cross-session deadlock.
func (o *Orchestrator) ApplyChanges(ctx context.Context, sets []*datamodel.ChangeSet, trees map[string]*tree.T) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	mods := datamodel.Modules(sets)
	sort.Strings(mods)

	handles := make(map[string]*locktable.Handle, len(mods))
	for _, m := range mods {
		h, err := o.locks.WriteLock(ctx, m, nil)
		if err != nil {
			o.unlockAll(handles)
			return nil, err
		}
		handles[m] = h
	}
	defer o.unlockAll(handles)

	byModule := make(map[string]*datamodel.ChangeSet, len(sets))
	for _, s := range sets {
		byModule[s.Module] = s
	}

	// Phase update: subscribers with the update flag may amend the
	// pending change; amendments are merged into trees[m] and the result
	// re-validated before the change phase runs.
	if err := o.updatePhase(ctx, mods, byModule, trees); err != nil {
		o.abortAll(ctx, mods, byModule)
		return nil, err
	}

	// Phase change: a veto here aborts the whole transaction.
	if err := o.phase(ctx, mods, byModule, phaseChange); err != nil {
		o.abortAll(ctx, mods, byModule)
		return nil, err
	}

	// Phase store: write through the datastore plugin; a plugin failure
	// aborts.
	results := make([]Result, 0, len(mods))
	for _, m := range mods {
		ds, ok := o.store(m)
		if !ok {
			o.abortAll(ctx, mods, byModule)
			return nil, errtax.New(errtax.UnknownModule, m, "no datastore plugin registered for module %q", m)
		}
		t, ok := trees[m]
		if !ok {
			o.abortAll(ctx, mods, byModule)
			return nil, errtax.New(errtax.InvalidArgument, m, "no merged tree supplied for module %q", m)
		}
		if err := ds.Store(ctx, m, t); err != nil {
			o.abortAll(ctx, mods, byModule)
			return nil, errtax.New(errtax.System, m, "store phase failed for module %q: %v", m, err)
		}
		results = append(results, Result{Module: m, Applied: true})
	}

	// Phase done: errors here are logged only, never fail the commit.
	o.phaseBestEffort(ctx, mods, byModule, phaseDone)

	return results, nil
}

type phaseKind int

const (
	phaseUpdate phaseKind = iota
	phaseChange
	phaseDone
	phaseAbort
)

func eventTypeFor(p phaseKind) datamodel.EventType {
	switch p {
	case phaseUpdate:
		return datamodel.EventUpdate
	case phaseChange:
		return datamodel.EventChange
	case phaseDone:
		return datamodel.EventDone
	default:
		return datamodel.EventAbort
	}
}

// phase posts the phase's event to every module's corresponding ring and
// fails the whole commit if any subscriber's ack carries an error
// (update/change callback veto).
func (o *Orchestrator) phase(ctx context.Context, mods []string, byModule map[string]*datamodel.ChangeSet, p phaseKind) error {
	for _, m := range mods {
		cs := byModule[m]
		if cs == nil || cs.Empty() {
			continue
		}
		rings, ok := o.rings(m)
		if !ok {
			continue
		}
		ring := rings.Change
		if ring == nil {
			continue
		}

		breaker := o.breakerFor(m)
		postCtx := ctx
		if !breaker.Allow() {
			// Degraded: give cross-process subscribers a shorter budget
			// rather than paying the full timeout on a module known to be
			// missing acks.
			var cancel context.CancelFunc
			postCtx, cancel = context.WithTimeout(ctx, 200*time.Millisecond)
			defer cancel()
		}

		ev := datamodel.Event{
			ID:               ring.NextEventID(),
			Type:             eventTypeFor(p),
			Module:           m,
			RequestTimestamp: time.Now(),
		}
		acks, err := ring.Post(postCtx, ev)
		if err != nil {
			breaker.RecordFailure()
			return errtax.New(errtax.System, m, "posting %s event: %v", ev.Type, err)
		}
		anyTimeout := false
		for _, a := range acks {
			if a.Err != nil {
				if errtax.CodeOf(a.Err) == errtax.Timeout {
					anyTimeout = true
					continue
				}
				return errtax.New(errtax.CallbackFailed, m, "subscriber %q vetoed %s phase: %v", a.MemberID, ev.Type, a.Err)
			}
		}
		if anyTimeout {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	return nil
}

// updatePhase posts the update event to each module's ring, merges any
// subscriber amendment into trees[m], and re-validates the amended tree
// against the module's schema. A veto or a failed amendment/validation
// aborts the whole commit.
func (o *Orchestrator) updatePhase(ctx context.Context, mods []string, byModule map[string]*datamodel.ChangeSet, trees map[string]*tree.T) error {
	for _, m := range mods {
		cs := byModule[m]
		if cs == nil || cs.Empty() {
			continue
		}
		rings, ok := o.rings(m)
		if !ok {
			continue
		}
		ring := rings.Change
		if ring == nil {
			continue
		}

		breaker := o.breakerFor(m)
		postCtx := ctx
		if !breaker.Allow() {
			var cancel context.CancelFunc
			postCtx, cancel = context.WithTimeout(ctx, 200*time.Millisecond)
			defer cancel()
		}

		ev := datamodel.Event{
			ID:               ring.NextEventID(),
			Type:             datamodel.EventUpdate,
			Module:           m,
			RequestTimestamp: time.Now(),
		}
		acks, err := ring.Post(postCtx, ev)
		if err != nil {
			breaker.RecordFailure()
			return errtax.New(errtax.System, m, "posting update event: %v", err)
		}

		anyTimeout := false
		amended := false
		for _, a := range acks {
			if a.Err != nil {
				if errtax.CodeOf(a.Err) == errtax.Timeout {
					anyTimeout = true
					continue
				}
				return errtax.New(errtax.CallbackFailed, m, "subscriber %q vetoed update phase: %v", a.MemberID, a.Err)
			}
			if a.Amend == nil || a.Amend.Empty() {
				continue
			}
			merged, err := applyAmendment(trees[m], a.Amend)
			if err != nil {
				return errtax.New(errtax.CallbackFailed, m, "subscriber %q amendment could not be applied: %v", a.MemberID, err)
			}
			trees[m] = merged
			amended = true
		}
		if anyTimeout {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}

		if amended {
			if schema, ok := o.schema(m); ok && schema != nil {
				if err := tree.Validate(trees[m], schema); err != nil {
					return errtax.New(errtax.InvalidArgument, m, "tree amended by update-phase subscriber failed validation: %v", err)
				}
			}
		}
	}
	return nil
}

// applyAmendment merges a subscriber's supplemental change set into
// staged, using the same edit verbs the session-facing API stages edits
// with (set/delete/remove/move), and returns the resulting tree.
func applyAmendment(staged *tree.T, amend *datamodel.ChangeSet) (*tree.T, error) {
	cur := staged
	for _, e := range amend.Entries {
		var err error
		switch e.Op {
		case datamodel.OpDelete:
			cur, err = tree.Merge(cur, editengine.Delete(e.XPath), tree.OpMerge)
		case datamodel.OpRemove:
			cur, err = tree.Merge(cur, editengine.Remove(e.XPath), tree.OpMerge)
		case datamodel.OpMove:
			err = editengine.Move(cur, editengine.MoveRequest{XPath: e.XPath, Anchor: e.Anchor})
		default:
			cur, err = tree.Merge(cur, editengine.Set(e.XPath, e.NewValue), tree.OpMerge)
		}
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// phaseBestEffort runs phase but never fails the commit on its result,
// used for the done/abort phases.
func (o *Orchestrator) phaseBestEffort(ctx context.Context, mods []string, byModule map[string]*datamodel.ChangeSet, p phaseKind) {
	_ = o.phase(ctx, mods, byModule, p)
}

// abortGraceTimeout is the abort phase's own budget, so an abort that
// follows an expired commit context still reaches the subscribers.
const abortGraceTimeout = 3 * time.Second

func (o *Orchestrator) abortAll(ctx context.Context, mods []string, byModule map[string]*datamodel.ChangeSet) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortGraceTimeout)
	defer cancel()
	o.phaseBestEffort(abortCtx, mods, byModule, phaseAbort)
}

func (o *Orchestrator) unlockAll(handles map[string]*locktable.Handle) {
	for _, h := range handles {
		_ = o.locks.WriteUnlock(h)
	}
}
