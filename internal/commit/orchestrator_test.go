package commit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/locktable"
	"github.com/sysshare/confcore/internal/plugin"
	"github.com/sysshare/confcore/internal/subshm"
	"github.com/sysshare/confcore/internal/tree"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *plugin.Memory) {
	locks := locktable.New(locktable.DefaultConfig(), nil)
	t.Cleanup(locks.Close)
	mem := plugin.NewMemory()
	require.NoError(t, mem.Init(context.Background(), "system"))

	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	return New(cfg,
		locks,
		func(m string) (plugin.Datastore, bool) { return mem, m == "system" },
		func(m string) (ModuleRings, bool) {
			return ModuleRings{Change: subshm.NewLocal()}, m == "system"
		},
		nil,
	), mem
}

func TestApplyChangesCommitsAndStores(t *testing.T) {
	orch, mem := newTestOrchestrator(t)

	cs := &datamodel.ChangeSet{Module: "system", Entries: []datamodel.ChangeEntry{
		{XPath: "/system/hostname", Op: datamodel.OpModify, NewValue: "router2"},
	}}
	newTree, err := tree.Parse([]string{"/system/hostname=router2"})
	require.NoError(t, err)

	results, err := orch.ApplyChanges(context.Background(), []*datamodel.ChangeSet{cs}, map[string]*tree.T{"system": newTree})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Applied)

	stored, err := mem.Load(context.Background(), "system")
	require.NoError(t, err)
	v, ok := stored.Get("/system/hostname")
	require.True(t, ok)
	require.Equal(t, "router2", v)
}

func TestApplyChangesAppliesUpdatePhaseAmendment(t *testing.T) {
	locks := locktable.New(locktable.DefaultConfig(), nil)
	t.Cleanup(locks.Close)
	mem := plugin.NewMemory()
	require.NoError(t, mem.Init(context.Background(), "system"))

	ring := subshm.NewLocal()
	deliveries := ring.Subscribe(subshm.Member{ID: "amender", Priority: 10})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for d := range deliveries {
			ack := subshm.Ack{MemberID: "amender"}
			if d.Event.Type == datamodel.EventUpdate {
				ack.Amend = &datamodel.ChangeSet{
					Module: "system",
					Entries: []datamodel.ChangeEntry{
						{XPath: "/system/extra", Op: datamodel.OpCreate, NewValue: "1"},
					},
				}
			}
			select {
			case d.Reply <- ack:
			case <-ctx.Done():
				return
			}
		}
	}()

	cfg := DefaultConfig()
	cfg.Timeout = 2 * time.Second
	orch := New(cfg, locks,
		func(m string) (plugin.Datastore, bool) { return mem, m == "system" },
		func(m string) (ModuleRings, bool) { return ModuleRings{Change: ring}, m == "system" },
		nil,
	)

	cs := &datamodel.ChangeSet{Module: "system", Entries: []datamodel.ChangeEntry{
		{XPath: "/system/hostname", Op: datamodel.OpModify, NewValue: "router2"},
	}}
	staged, err := tree.Parse([]string{"/system/hostname=router2"})
	require.NoError(t, err)

	results, err := orch.ApplyChanges(context.Background(), []*datamodel.ChangeSet{cs}, map[string]*tree.T{"system": staged})
	require.NoError(t, err)
	require.True(t, results[0].Applied)

	stored, err := mem.Load(context.Background(), "system")
	require.NoError(t, err)
	v, ok := stored.Get("/system/extra")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestApplyChangesUnknownModuleFails(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	cs := &datamodel.ChangeSet{Module: "nope", Entries: []datamodel.ChangeEntry{
		{XPath: "/x", Op: datamodel.OpCreate, NewValue: "1"},
	}}
	newTree, err := tree.Parse([]string{"/x=1"})
	require.NoError(t, err)

	_, err = orch.ApplyChanges(context.Background(), []*datamodel.ChangeSet{cs}, map[string]*tree.T{"nope": newTree})
	require.Error(t, err)
}
