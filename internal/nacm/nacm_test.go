package nacm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sysshare/confcore/internal/plugin"
)

func TestRuleBasedMostSpecificPrefixWins(t *testing.T) {
	rules := []Rule{
		{PathPrefix: "/", Groups: []string{"*"}, Read: true},
		{PathPrefix: "/system/admin", Groups: []string{"admins"}, Read: true, Write: true},
	}
	rb := NewRuleBased(rules, func(user string) []string {
		if user == "root" {
			return []string{"admins"}
		}
		return []string{"guests"}
	})

	require.Equal(t, DecisionPermit, rb.Check(context.Background(), "root", "/system/admin/reset", plugin.AccessWrite))
	require.Equal(t, DecisionDeny, rb.Check(context.Background(), "guest", "/system/admin/reset", plugin.AccessWrite))
	require.Equal(t, DecisionPermit, rb.Check(context.Background(), "guest", "/system/admin/reset", plugin.AccessRead))
}

func TestAllowAllAlwaysPermits(t *testing.T) {
	var d Decider = AllowAll{}
	require.Equal(t, DecisionPermit, d.Check(context.Background(), "anyone", "/x", plugin.AccessWrite))
}
