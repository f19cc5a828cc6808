// Package shm implements the shared metadata region. MAIN-SHM is modeled
// as a fixed-shape module table; Ext-SHM's growable string/array pool is
// modeled as a second map keyed by an opaque offset. Two implementations
// exist behind the Arena interface: MemoryArena for the "single" profile
// (in-process, sync.RWMutex-guarded) and RedisArena for the "cluster"
// profile (cross-process, generation bump swapped in by one MULTI/EXEC).
package shm

import (
	"context"
	"fmt"

	"github.com/sysshare/confcore/internal/datamodel"
)

// ErrStaleGeneration reports that the generation moved during a read.
// Neither Arena implementation returns it: ExtGet does not recheck the
// generation, and BumpGeneration swaps the module table in one step.
var ErrStaleGeneration = fmt.Errorf("shm: generation changed during read, retry")

// Arena is the shared-metadata contract the rest of the core depends on.
type Arena interface {
	// Generation returns the current MAIN-SHM generation.
	Generation(ctx context.Context) (uint64, error)

	// Modules lists every installed module's current row.
	Modules(ctx context.Context) ([]*datamodel.Module, error)

	// Module fetches one module row, errtax.UnknownModule if absent.
	Module(ctx context.Context, name string) (*datamodel.Module, error)

	// PutModule atomically writes a module row within the current
	// generation. Schema-affecting fields (SchemaPath, Features,
	// Implemented) may only be set by BumpGeneration's caller — see
	// PendingQueue.
	PutModule(ctx context.Context, m *datamodel.Module) error

	// RemoveModule deletes a module row and its Ext-SHM blobs at once,
	// without a generation bump; errtax.UnknownModule if absent.
	RemoveModule(ctx context.Context, name string) error

	// BumpGeneration atomically swaps in a new generation after applying
	// mutate to a snapshot of the current module table, so readers never
	// observe a torn intermediate state.
	BumpGeneration(ctx context.Context, mutate func(modules map[string]*datamodel.Module) error) (uint64, error)

	// ExtPut/ExtGet implement the Ext-SHM growable pool: variable-length
	// blobs (strings, subscription arrays) addressed by a stable key within
	// a module's namespace.
	ExtPut(ctx context.Context, module, key string, blob []byte) error
	ExtGet(ctx context.Context, module, key string) ([]byte, error)
}
