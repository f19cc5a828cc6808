package editengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysshare/confcore/internal/tree"
)

func TestSetDeleteAndCommitDiff(t *testing.T) {
	reference, err := tree.Parse([]string{"/system/hostname=router1"})
	require.NoError(t, err)
	staged, err := tree.Parse([]string{"/system/hostname=router1"})
	require.NoError(t, err)

	eng := New(nil)
	merged, err := eng.EditBatch(staged, []*tree.EditNode{
		Set("/system/hostname", "router2"),
		Set("/iface[name='eth0']/mtu", "1500"),
	}, tree.OpMerge)
	require.NoError(t, err)

	cs, err := eng.Commit("system", reference, merged)
	require.NoError(t, err)
	require.False(t, cs.Empty())

	var sawModify, sawCreate bool
	for _, e := range cs.Entries {
		if e.XPath == "/system/hostname" {
			sawModify = true
		}
		if e.XPath == "/iface[name='eth0']/mtu" {
			sawCreate = true
		}
	}
	require.True(t, sawModify)
	require.True(t, sawCreate)
}

func TestDeleteMissingNodeErrors(t *testing.T) {
	staged, err := tree.Parse(nil)
	require.NoError(t, err)

	eng := New(nil)
	_, err = eng.EditBatch(staged, []*tree.EditNode{Delete("/nope")}, tree.OpMerge)
	require.Error(t, err)

	_, err = eng.EditBatch(staged, []*tree.EditNode{Remove("/nope")}, tree.OpMerge)
	require.NoError(t, err)
}

func TestMoveReordersListEntry(t *testing.T) {
	staged, err := tree.Parse([]string{
		"/iface[name='eth0']/mtu=1500",
		"/iface[name='eth1']/mtu=9000",
		"/iface[name='eth2']/mtu=1400",
	})
	require.NoError(t, err)

	err = Move(staged, MoveRequest{XPath: "/iface[name='eth0']", Anchor: "iface[name='eth2']"})
	require.NoError(t, err)

	var order []string
	for _, c := range staged.Root.Children {
		order = append(order, c.Keys["name"])
	}
	require.Equal(t, []string{"eth1", "eth2", "eth0"}, order)
}

func TestMoveToFrontWithEmptyAnchor(t *testing.T) {
	staged, err := tree.Parse([]string{
		"/iface[name='eth0']/mtu=1500",
		"/iface[name='eth1']/mtu=9000",
	})
	require.NoError(t, err)

	err = Move(staged, MoveRequest{XPath: "/iface[name='eth1']", Anchor: ""})
	require.NoError(t, err)

	require.Equal(t, "eth1", staged.Root.Children[0].Keys["name"])
	require.Equal(t, "eth0", staged.Root.Children[1].Keys["name"])
}

func TestMoveMissingNodeErrors(t *testing.T) {
	staged, err := tree.Parse([]string{"/iface[name='eth0']/mtu=1500"})
	require.NoError(t, err)

	err = Move(staged, MoveRequest{XPath: "/iface[name='eth9']"})
	require.Error(t, err)
}
