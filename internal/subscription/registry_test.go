package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysshare/confcore/internal/datamodel"
	"github.com/sysshare/confcore/internal/subshm"
	"github.com/sysshare/confcore/internal/tree"
)

func newTestRegistry() (*Registry, *subshm.Local) {
	ring := subshm.NewLocal()
	reg := NewRegistry(func(module string, kind datamodel.SubKind) subshm.Ring {
		if module == "system" {
			return ring
		}
		return nil
	})
	return reg, ring
}

func TestSubscribeAndUnsubscribeTeardown(t *testing.T) {
	reg, ring := newTestRegistry()

	h, err := reg.Subscribe(0, "system", datamodel.SubModuleChange, "/system", datamodel.FlagEnabled, 10, nil)
	require.NoError(t, err)
	require.Len(t, ring.Roster(), 1)

	reg.Unsubscribe(h)
	require.Len(t, ring.Roster(), 0)
}

func TestCtxReuseSharesHandle(t *testing.T) {
	reg, ring := newTestRegistry()

	h, err := reg.Subscribe(0, "system", datamodel.SubModuleChange, "/system", datamodel.FlagCtxReuse, 5, nil)
	require.NoError(t, err)
	h2, err := reg.Subscribe(h, "system", datamodel.SubModuleChange, "/other", datamodel.FlagCtxReuse, 5, nil)
	require.NoError(t, err)
	require.Equal(t, h, h2)
	require.Len(t, ring.Roster(), 2)

	reg.Unsubscribe(h)
	require.Len(t, ring.Roster(), 0)
}

func TestStitchOperationalAppendsContribution(t *testing.T) {
	reg, _ := newTestRegistry()

	_, err := reg.Subscribe(0, "system", datamodel.SubOperationalGet, "/system/uptime", datamodel.FlagEnabled, 0,
		func(_ context.Context, _ string, parent *tree.Node) error {
			parent.Kind = tree.KindLeaf
			parent.Value = "3600"
			return nil
		})
	require.NoError(t, err)
	require.True(t, reg.OperationalProviders("system"))

	base, err := tree.Parse(nil)
	require.NoError(t, err)
	out, err := reg.StitchOperational(context.Background(), "system", base)
	require.NoError(t, err)
	v, ok := out.Get("/system/uptime")
	require.True(t, ok)
	require.Equal(t, "3600", v)
}

func TestPassiveSubscriberNotAProvider(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.Subscribe(0, "system", datamodel.SubOperationalGet, "/system/uptime", datamodel.FlagPassive, 0,
		func(_ context.Context, _ string, parent *tree.Node) error { return nil })
	require.NoError(t, err)
	require.False(t, reg.OperationalProviders("system"))
}
