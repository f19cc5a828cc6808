package value

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysshare/confcore/internal/tree"
)

func TestRoundTripStringLeaf(t *testing.T) {
	tr, err := tree.Parse(nil)
	require.NoError(t, err)

	v := Value{XPath: "/system/hostname", Type: TypeString, Data: "router1"}
	require.NoError(t, SetInTree(tr, v))

	got, ok := GetFromTree(tr, "/system/hostname", TypeString)
	require.True(t, ok)
	require.Equal(t, v.Data, got.Data)
}

func TestToNodeRejectsInvalidInt(t *testing.T) {
	_, err := ToNode(Value{XPath: "/x", Type: TypeInt32, Data: "not-a-number"})
	require.Error(t, err)
}

func TestToNodeAcceptsValidBool(t *testing.T) {
	n, err := ToNode(Value{XPath: "/x", Type: TypeBool, Data: "true"})
	require.NoError(t, err)
	require.Equal(t, "true", n.Value)
}
