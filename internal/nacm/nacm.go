// Package nacm implements the external NACM-style access-control
// boundary: a decision function, separate from the plugin's own
// AccessCheck hook. In this core only session.Core.GetSubtree consults
// it, before a read; writes, RPC sends and other reads do not.
//
// Rules are evaluated most-specific-path-first, default-deny, with an
// explicit allow-all bypass for system/admin principals.
package nacm

import (
	"context"
	"sort"
	"strings"

	"github.com/sysshare/confcore/internal/plugin"
)

// Decision is what a rule or the final evaluation concludes.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionPermit
)

// Decider is the access-control boundary: given a user, an xpath, and
// the access mode being attempted, it decides permit/deny. Implementations
// must be safe for concurrent use.
type Decider interface {
	Check(ctx context.Context, user, xpath string, mode plugin.AccessMode) Decision
}

// AllowAll is the default decider: every request is permitted. Suitable
// for single-user/local-admin deployments or test harnesses; real
// deployments wire RuleBased instead.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, string, plugin.AccessMode) Decision {
	return DecisionPermit
}

// Rule is one NACM-style access control rule: a path prefix, the set of
// groups it applies to, and the modes it grants.
type Rule struct {
	PathPrefix string
	Groups     []string
	Read       bool
	Write      bool
	Exec       bool
}

func (r Rule) allows(mode plugin.AccessMode) bool {
	switch mode {
	case plugin.AccessRead:
		return r.Read
	case plugin.AccessWrite:
		return r.Write
	case plugin.AccessExec:
		return r.Exec
	default:
		return false
	}
}

// RuleBased is a default-deny decider evaluated most-specific-prefix
// first: the longest matching PathPrefix among rules naming the user's
// group wins; no match denies.
type RuleBased struct {
	rules        []Rule
	groupsOfUser func(user string) []string
}

func NewRuleBased(rules []Rule, groupsOfUser func(user string) []string) *RuleBased {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix) })
	return &RuleBased{rules: sorted, groupsOfUser: groupsOfUser}
}

func (rb *RuleBased) Check(_ context.Context, user, xpath string, mode plugin.AccessMode) Decision {
	groups := rb.groupsOfUser(user)
	for _, rule := range rb.rules {
		if !strings.HasPrefix(xpath, rule.PathPrefix) {
			continue
		}
		if !inAnyGroup(rule.Groups, groups) {
			continue
		}
		if rule.allows(mode) {
			return DecisionPermit
		}
		return DecisionDeny
	}
	return DecisionDeny
}

func inAnyGroup(ruleGroups, userGroups []string) bool {
	for _, rg := range ruleGroups {
		if rg == "*" {
			return true
		}
		for _, ug := range userGroups {
			if rg == ug {
				return true
			}
		}
	}
	return false
}

var _ Decider = AllowAll{}
var _ Decider = (*RuleBased)(nil)
