package shm

import (
	"context"
	"sync"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/errtax"
)

// MemoryArena is the single-process Arena: an in-memory module table guarded
// by a RWMutex and an atomic-by-lock generation counter. It never tears a
// read because every mutation, including BumpGeneration, holds the write
// lock for its whole duration.
type MemoryArena struct {
	mu         sync.RWMutex
	generation uint64
	modules    map[string]*datamodel.Module
	ext        map[string]map[string][]byte // module -> key -> blob
}

func NewMemoryArena() *MemoryArena {
	return &MemoryArena{
		generation: 1,
		modules:    make(map[string]*datamodel.Module),
		ext:        make(map[string]map[string][]byte),
	}
}

func (a *MemoryArena) Generation(_ context.Context) (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generation, nil
}

func (a *MemoryArena) Modules(_ context.Context) ([]*datamodel.Module, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*datamodel.Module, 0, len(a.modules))
	for _, m := range a.modules {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (a *MemoryArena) Module(_ context.Context, name string) (*datamodel.Module, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.modules[name]
	if !ok {
		return nil, errtax.New(errtax.UnknownModule, name, "module %q is not installed", name)
	}
	return m.Clone(), nil
}

func (a *MemoryArena) PutModule(_ context.Context, m *datamodel.Module) error {
	if m == nil || m.Name == "" {
		return errtax.New(errtax.InvalidArgument, "", "module name must not be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m = m.Clone()
	m.Generation = a.generation
	a.modules[m.Name] = m
	return nil
}

func (a *MemoryArena) RemoveModule(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.modules[name]; !ok {
		return errtax.New(errtax.UnknownModule, name, "module %q is not installed", name)
	}
	delete(a.modules, name)
	delete(a.ext, name)
	return nil
}

func (a *MemoryArena) BumpGeneration(_ context.Context, mutate func(map[string]*datamodel.Module) error) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := make(map[string]*datamodel.Module, len(a.modules))
	for k, v := range a.modules {
		snapshot[k] = v.Clone()
	}
	if mutate != nil {
		if err := mutate(snapshot); err != nil {
			return a.generation, err
		}
	}
	a.generation++
	for _, m := range snapshot {
		m.Generation = a.generation
	}
	a.modules = snapshot
	return a.generation, nil
}

func (a *MemoryArena) ExtPut(_ context.Context, module, key string, blob []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	bucket, ok := a.ext[module]
	if !ok {
		bucket = make(map[string][]byte)
		a.ext[module] = bucket
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	bucket[key] = cp
	return nil
}

func (a *MemoryArena) ExtGet(_ context.Context, module, key string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	bucket, ok := a.ext[module]
	if !ok {
		return nil, errtax.New(errtax.NotFound, key, "no ext-shm data for module %q", module)
	}
	blob, ok := bucket[key]
	if !ok {
		return nil, errtax.New(errtax.NotFound, key, "ext-shm key %q not found for module %q", key, module)
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}
