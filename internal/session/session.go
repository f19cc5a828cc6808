// Package session implements the core's public API facade: Connect,
// NewSession, the edit verbs (EditBatch/Move), ApplyChanges,
// GetSubtree, Lock/Unlock, SendRPC, and Subscribe/Unsubscribe. It wires
// together the internal packages shm, locktable, tree, editengine,
// commit, subscription, rpcdispatch, nacm and plugin behind the
// shape a client library actually calls.
//
// Core is a thin facade type holding references to every subsystem, with
// one method per client-facing verb and no business logic of its own
// beyond wiring and error-taxonomy translation.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sysshare/confcore/internal/commit"
	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/editengine"
	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/locktable"
	"github.com/sysshare/confcore/internal/nacm"
	"github.com/sysshare/confcore/internal/plugin"
	"github.com/sysshare/confcore/internal/rpcdispatch"
	"github.com/sysshare/confcore/internal/shm"
	"github.com/sysshare/confcore/internal/subscription"
	"github.com/sysshare/confcore/internal/tree"
)

// ModuleResources bundles what a module needs wired in to take part in
// edits, commits, RPCs, and operational reads.
type ModuleResources struct {
	Schema    *tree.Schema
	Store     plugin.Datastore
	Rings     commit.ModuleRings
	RPCRings  map[string]*rpcdispatch.Dispatcher // keyed by rpc path
}

// Core is the facade: one per confcored process.
type Core struct {
	arena     shm.Arena
	locks     *locktable.Table
	orch      *commit.Orchestrator
	decider   nacm.Decider
	registry  *subscription.Registry
	resources map[string]ModuleResources

	mu       sync.Mutex // guards conns/nextConn/nextSess
	conns    map[uint64]*datamodel.Connection
	nextConn uint64
	nextSess uint64
}

func NewCore(arena shm.Arena, locks *locktable.Table, orch *commit.Orchestrator, decider nacm.Decider, registry *subscription.Registry, resources map[string]ModuleResources) *Core {
	if decider == nil {
		decider = nacm.AllowAll{}
	}
	return &Core{
		arena:     arena,
		locks:     locks,
		orch:      orch,
		decider:   decider,
		registry:  registry,
		resources: resources,
		conns:     make(map[uint64]*datamodel.Connection),
	}
}

// Connect opens a new connection bound to the arena's current generation.
func (c *Core) Connect(ctx context.Context) (*datamodel.Connection, error) {
	gen, err := c.arena.Generation(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextConn++
	conn := datamodel.NewConnection(c.nextConn, gen)
	c.conns[conn.ID] = conn
	return conn, nil
}

// NewSession opens a session on conn bound to ds, failing with a
// context-changed error if the connection's generation has moved past
// what the connection last rebuilt against.
func (c *Core) NewSession(ctx context.Context, conn *datamodel.Connection, ds datamodel.DSKind, user string) (*datamodel.Session, error) {
	currentGen, err := c.arena.Generation(ctx)
	if err != nil {
		return nil, err
	}
	if currentGen != conn.Generation() {
		return nil, errtax.New(errtax.OperationFailed, "", "connection generation stale: observed %d, current %d (context-changed)", conn.Generation(), currentGen)
	}
	c.mu.Lock()
	c.nextSess++
	id := c.nextSess
	c.mu.Unlock()
	s := datamodel.NewSession(id, conn, ds, user, currentGen)
	conn.AddSession(s)
	return s, nil
}

// checkGeneration discards s's staged edit and returns a context-changed
// error if the schema generation has advanced since s was opened.
func (c *Core) checkGeneration(ctx context.Context, s *datamodel.Session) error {
	current, err := c.arena.Generation(ctx)
	if err != nil {
		return err
	}
	if current != s.Generation() {
		s.DiscardStaged()
		return errtax.New(errtax.OperationFailed, "", "schema generation advanced from %d to %d: context-changed", s.Generation(), current)
	}
	return nil
}

// GetSubtree reads module's tree from its datastore plugin, stitching in
// operational-get contributions when ds is Operational.
func (c *Core) GetSubtree(ctx context.Context, s *datamodel.Session, module, xpath string) (*tree.T, error) {
	if err := c.checkGeneration(ctx, s); err != nil {
		return nil, err
	}
	if c.decider.Check(ctx, s.User, xpath, plugin.AccessRead) == nacm.DecisionDeny {
		return nil, errtax.New(errtax.Unauthorized, xpath, "user %q is not permitted to read %q", s.User, xpath)
	}
	res, ok := c.resources[module]
	if !ok {
		return nil, errtax.New(errtax.UnknownModule, module, "module %q is not installed", module)
	}
	t, err := res.Store.Load(ctx, module)
	if err != nil {
		return nil, err
	}
	if s.DS == datamodel.Operational && c.registry != nil {
		t, err = c.registry.StitchOperational(ctx, module, t)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// EditBatch merges edits into a copy of reference for module and returns
// the merged tree; s itself is not modified. It does not write through
// to the datastore — call ApplyChanges to commit.
func (c *Core) EditBatch(ctx context.Context, s *datamodel.Session, module string, edits []*tree.EditNode, defaultOp tree.Op, reference *tree.T) (*tree.T, error) {
	if err := c.checkGeneration(ctx, s); err != nil {
		return nil, err
	}
	res, ok := c.resources[module]
	if !ok {
		return nil, errtax.New(errtax.UnknownModule, module, "module %q is not installed", module)
	}
	eng := editengine.New(res.Schema)
	merged, err := eng.EditBatch(reference, edits, defaultOp)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Move reorders a user-ordered list or leaf-list entry within s's staged
// tree for module; like EditBatch it only stages the change — call
// ApplyChanges to commit.
func (c *Core) Move(ctx context.Context, s *datamodel.Session, module string, req editengine.MoveRequest, staged *tree.T) (*tree.T, error) {
	if err := c.checkGeneration(ctx, s); err != nil {
		return nil, err
	}
	if _, ok := c.resources[module]; !ok {
		return nil, errtax.New(errtax.UnknownModule, module, "module %q is not installed", module)
	}
	if err := editengine.Move(staged, req); err != nil {
		return nil, err
	}
	return staged, nil
}

// ApplyChanges validates and commits merged against reference for every
// named module via the commit orchestrator, then clears each session's
// staged edit on success.
func (c *Core) ApplyChanges(ctx context.Context, sessions []*datamodel.Session, mergedTrees map[string]*tree.T, referenceTrees map[string]*tree.T) ([]commit.Result, error) {
	for module := range mergedTrees {
		if err := c.checkDSLock(module, sessions); err != nil {
			return nil, err
		}
	}

	sets := make([]*datamodel.ChangeSet, 0, len(mergedTrees))
	for module, merged := range mergedTrees {
		res, ok := c.resources[module]
		if !ok {
			return nil, errtax.New(errtax.UnknownModule, module, "module %q is not installed", module)
		}
		eng := editengine.New(res.Schema)
		cs, err := eng.Commit(module, referenceTrees[module], merged)
		if err != nil {
			return nil, err
		}
		sets = append(sets, cs)
	}
	results, err := c.orch.ApplyChanges(ctx, sets, mergedTrees)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		s.DiscardStaged()
	}
	return results, nil
}

// checkDSLock rejects an apply with errtax.Locked when module's ds-lock is
// held by a session other than one of the sessions requesting this apply.
func (c *Core) checkDSLock(module string, sessions []*datamodel.Session) error {
	holder, held := c.locks.DSLockHolder(module)
	if !held {
		return nil
	}
	for _, s := range sessions {
		if s.ID == holder {
			return nil
		}
	}
	return errtax.New(errtax.Locked, module, "module %q is ds-locked by another session", module)
}

// Lock acquires module's DS lock for s: a non-reentrant advisory lock
// distinct from the read/write/upgradable triad.
func (c *Core) Lock(_ context.Context, s *datamodel.Session, module string) error {
	if err := c.locks.DSLock(module, s.ID); err != nil {
		return err
	}
	s.MarkDSLocked(module)
	return nil
}

func (c *Core) Unlock(_ context.Context, s *datamodel.Session, module string) error {
	if err := c.locks.DSUnlock(module, s.ID); err != nil {
		return err
	}
	s.ClearDSLock(module)
	return nil
}

// SendRPC dispatches path/input through module's registered RPC
// dispatcher.
func (c *Core) SendRPC(ctx context.Context, module, path string, input *tree.T) (*tree.T, error) {
	res, ok := c.resources[module]
	if !ok {
		return nil, errtax.New(errtax.UnknownModule, module, "module %q is not installed", module)
	}
	d, ok := res.RPCRings[path]
	if !ok {
		return nil, errtax.New(errtax.NotFound, path, "no RPC dispatcher registered for %q", path)
	}
	return d.Send(ctx, path, input)
}

// Subscribe registers a module-change/operational-get/RPC/notification
// subscription for module, delegating to the shared registry.
func (c *Core) Subscribe(existingHandle uint64, module string, kind datamodel.SubKind, xpath string, flags datamodel.SubFlags, priority int32, operGet subscription.OperGetCallback) (uint64, error) {
	return c.registry.Subscribe(existingHandle, module, kind, xpath, flags, priority, operGet)
}

func (c *Core) Unsubscribe(handle uint64) {
	c.registry.Unsubscribe(handle)
}

// Close releases a session's held locks and removes it from its
// connection: a session's held-lock set must not outlive it.
func (c *Core) Close(s *datamodel.Session) {
	for module := range resourcesWithHeldLock(c, s) {
		_ = c.locks.DSUnlock(module, s.ID)
	}
	s.Conn.RemoveSession(s.ID)
}

func resourcesWithHeldLock(c *Core, s *datamodel.Session) map[string]struct{} {
	held := make(map[string]struct{})
	for module := range c.resources {
		if s.HoldsDSLock(module) {
			held[module] = struct{}{}
		}
	}
	return held
}

// Timeout is a small helper so callers building a commit-bound context
// don't need to import "time" and "context" just for this one call.
func Timeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
