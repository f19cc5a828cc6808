package tree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetDelete(t *testing.T) {
	tr, err := Parse(nil)
	require.NoError(t, err)

	require.NoError(t, tr.Set("/iface[name='eth0']/mtu", "1500"))
	v, ok := tr.Get("/iface[name='eth0']/mtu")
	require.True(t, ok)
	require.Equal(t, "1500", v)

	require.NoError(t, tr.Delete("/iface[name='eth0']"))
	_, ok = tr.Get("/iface[name='eth0']/mtu")
	require.False(t, ok)

	err = tr.Delete("/iface[name='eth0']")
	require.Error(t, err)
}

func TestParseSerializeRoundTrip(t *testing.T) {
	lines := []string{
		"/system/hostname=router1",
		"/iface[name='eth0']/mtu=1500",
		"/iface[name='eth1']/mtu=9000",
	}
	tr, err := Parse(lines)
	require.NoError(t, err)

	for _, l := range lines {
		var got []string
		tr.Walk(func(xpath string, n *Node) bool {
			if n.Kind == KindLeaf {
				got = append(got, xpath+"="+n.Value)
			}
			return true
		})
		found := false
		for _, g := range got {
			if g == l {
				found = true
			}
		}
		require.True(t, found, "expected %q among %v", l, got)
	}
}

func TestDiffClassification(t *testing.T) {
	oldT, err := Parse([]string{"/system/hostname=router1", "/iface[name='eth0']/mtu=1500"})
	require.NoError(t, err)
	newT, err := Parse([]string{"/system/hostname=router2", "/iface[name='eth1']/mtu=9000"})
	require.NoError(t, err)

	diffs := Diff(oldT, newT)

	var creates, deletes, modifies int
	for _, d := range diffs {
		switch d.Op {
		case DiffCreate:
			creates++
		case DiffDelete:
			deletes++
		case DiffModify:
			modifies++
		}
	}
	require.GreaterOrEqual(t, creates, 1)
	require.GreaterOrEqual(t, deletes, 1)
	require.GreaterOrEqual(t, modifies, 1)
}

func TestMergeOperationPrecedence(t *testing.T) {
	base, err := Parse([]string{"/system/hostname=router1"})
	require.NoError(t, err)

	edit := &EditNode{
		Node: &Node{Name: "system", Kind: KindContainer, Children: []*Node{
			{Name: "hostname", Kind: KindLeaf, Value: "router2"},
		}},
		Op: OpMerge,
	}
	merged, err := Merge(base, edit, OpMerge)
	require.NoError(t, err)
	v, ok := merged.Get("/system/hostname")
	require.True(t, ok)
	require.Equal(t, "router2", v)

	deleteEdit := &EditNode{Node: &Node{Name: "system"}, Op: OpDelete}
	_, err = Merge(merged, deleteEdit, OpMerge)
	require.NoError(t, err)

	_, err = Merge(merged, deleteEdit, OpMerge)
	require.NoError(t, err)
}

func TestValidateMandatoryAndUnique(t *testing.T) {
	tr, err := Parse([]string{"/iface[name='eth0']/mtu=1500", "/iface[name='eth0']/mtu=9000"})
	require.NoError(t, err)

	schema := NewSchema([]*SchemaNode{
		{Path: "/system/hostname", Kind: KindLeaf, Mandatory: true},
		{Path: "/iface", Kind: KindList, UniqueKeyFields: []string{"name"}},
	})

	err = Validate(tr, schema)
	require.Error(t, err)
}
