package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sysshare/confcore/internal/commit"
	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/locktable"
	"github.com/sysshare/confcore/internal/nacm"
	"github.com/sysshare/confcore/internal/plugin"
	"github.com/sysshare/confcore/internal/shm"
	"github.com/sysshare/confcore/internal/subscription"
	"github.com/sysshare/confcore/internal/subshm"
	"github.com/sysshare/confcore/internal/tree"
)

func newTestCore(t *testing.T) (*Core, *plugin.Memory) {
	arena := shm.NewMemoryArena()
	mem := plugin.NewMemory()
	require.NoError(t, mem.Init(context.Background(), "system"))

	locks := locktable.New(locktable.DefaultConfig(), nil)
	t.Cleanup(locks.Close)

	cfg := commit.DefaultConfig()
	cfg.Timeout = 2 * time.Second
	rings := commit.ModuleRings{Change: subshm.NewLocal()}
	orch := commit.New(cfg, locks,
		func(m string) (plugin.Datastore, bool) { return mem, m == "system" },
		func(m string) (commit.ModuleRings, bool) { return rings, m == "system" },
		nil)

	registry := subscription.NewRegistry(func(module string, kind datamodel.SubKind) subshm.Ring {
		return rings.Change
	})

	resources := map[string]ModuleResources{
		"system": {Store: mem, Rings: rings},
	}

	return NewCore(arena, locks, orch, nacm.AllowAll{}, registry, resources), mem
}

func TestConnectNewSessionGetSubtree(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	conn, err := core.Connect(ctx)
	require.NoError(t, err)
	sess, err := core.NewSession(ctx, conn, datamodel.Running, "alice")
	require.NoError(t, err)

	_, err = core.GetSubtree(ctx, sess, "system", "/system")
	require.NoError(t, err)

	core.Close(sess)
}

func TestApplyChangesEndToEnd(t *testing.T) {
	core, mem := newTestCore(t)
	ctx := context.Background()

	conn, err := core.Connect(ctx)
	require.NoError(t, err)
	sess, err := core.NewSession(ctx, conn, datamodel.Running, "alice")
	require.NoError(t, err)

	reference, err := mem.Load(ctx, "system")
	require.NoError(t, err)

	merged, err := core.EditBatch(ctx, sess, "system", []*tree.EditNode{
		{Node: &tree.Node{Name: "system", Kind: tree.KindContainer, Children: []*tree.Node{
			{Name: "hostname", Kind: tree.KindLeaf, Value: "router1"},
		}}, Op: tree.OpMerge},
	}, tree.OpMerge, reference)
	require.NoError(t, err)

	results, err := core.ApplyChanges(ctx, []*datamodel.Session{sess},
		map[string]*tree.T{"system": merged},
		map[string]*tree.T{"system": reference})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Applied)

	stored, err := mem.Load(ctx, "system")
	require.NoError(t, err)
	v, ok := stored.Get("/system/hostname")
	require.True(t, ok)
	require.Equal(t, "router1", v)
}

func TestDSLockLifecycle(t *testing.T) {
	core, _ := newTestCore(t)
	ctx := context.Background()

	conn, err := core.Connect(ctx)
	require.NoError(t, err)
	sess, err := core.NewSession(ctx, conn, datamodel.Running, "alice")
	require.NoError(t, err)

	require.NoError(t, core.Lock(ctx, sess, "system"))
	require.True(t, sess.HoldsDSLock("system"))

	core.Close(sess)
	// Close should have released the lock: a fresh session can re-acquire it.
	sess2, err := core.NewSession(ctx, conn, datamodel.Running, "alice")
	require.NoError(t, err)
	require.NoError(t, core.Lock(ctx, sess2, "system"))
	core.Close(sess2)
}
