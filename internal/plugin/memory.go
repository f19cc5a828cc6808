package plugin

import (
	"context"
	"sync"

	"github.com/sysshare/confcore/internal/errtax"
	"github.com/sysshare/confcore/internal/tree"
)

// Memory is the in-process Datastore backing, used by tests (the
// "single" profile uses SQLite). Every module gets its own tree plus a flat
// notification log ordered by append time.
type Memory struct {
	mu      sync.RWMutex
	trees   map[string]*tree.T
	notifs  map[string][]notifRecord
	running map[string]bool // dirty-since-commit flag, for RunningModified
}

type notifRecord struct {
	ts      int64
	payload []byte
}

func NewMemory() *Memory {
	return &Memory{
		trees:   make(map[string]*tree.T),
		notifs:  make(map[string][]notifRecord),
		running: make(map[string]bool),
	}
}

func (m *Memory) Init(_ context.Context, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trees[module]; !ok {
		m.trees[module], _ = tree.Parse(nil)
	}
	return nil
}

func (m *Memory) Destroy(_ context.Context, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trees, module)
	delete(m.notifs, module)
	delete(m.running, module)
	return nil
}

func (m *Memory) Store(_ context.Context, module string, t *tree.T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees[module] = &tree.T{Root: t.Root.Clone()}
	m.running[module] = true
	return nil
}

func (m *Memory) Load(_ context.Context, module string) (*tree.T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trees[module]
	if !ok {
		return nil, errtax.New(errtax.UnknownModule, module, "no stored tree for module %q", module)
	}
	return &tree.T{Root: t.Root.Clone()}, nil
}

func (m *Memory) Copy(_ context.Context, srcModule, dstModule string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.trees[srcModule]
	if !ok {
		return errtax.New(errtax.UnknownModule, srcModule, "no stored tree for module %q", srcModule)
	}
	m.trees[dstModule] = &tree.T{Root: src.Root.Clone()}
	return nil
}

// AccessCheck is the default allow-all backing; a deployment wires NACM
// (internal/nacm) ahead of this call for real enforcement. access_check
// is a plugin-level hook distinct from the NACM boundary.
func (m *Memory) AccessCheck(_ context.Context, _, _ string, _ AccessMode) (bool, error) {
	return true, nil
}

func (m *Memory) CandidateReset(_ context.Context, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees[module], _ = tree.Parse(nil)
	return nil
}

func (m *Memory) RunningModified(_ context.Context, module string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running[module], nil
}

func (m *Memory) NotifAppend(_ context.Context, module string, ts int64, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs[module] = append(m.notifs[module], notifRecord{ts: ts, payload: payload})
	return nil
}

func (m *Memory) NotifReplayIter(_ context.Context, module string, t0, t1 int64) (ReplayIter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []notifRecord
	for _, r := range m.notifs[module] {
		if r.ts >= t0 && (t1 == 0 || r.ts <= t1) {
			recs = append(recs, r)
		}
	}
	return &memoryReplayIter{recs: recs}, nil
}

type memoryReplayIter struct {
	recs []notifRecord
	pos  int
}

func (it *memoryReplayIter) Next(_ context.Context) (int64, []byte, bool, error) {
	if it.pos >= len(it.recs) {
		return 0, nil, false, nil
	}
	r := it.recs[it.pos]
	it.pos++
	return r.ts, r.payload, true, nil
}

func (it *memoryReplayIter) Close() error { return nil }

var _ Datastore = (*Memory)(nil)
