package engine

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DefaultTolerantRoles are the roles allowed to lose nodes without aborting.
// Controller and storage roles are never tolerant.
var DefaultTolerantRoles = []string{"compute"}

// DefaultAttributePrefix is prepended to a role name to find its
// tolerance percentage among the cluster attributes.
const DefaultAttributePrefix = "fault_tolerance."

// TolerancePolicy computes per-role failure thresholds.
type TolerancePolicy struct {
	// TolerantRoles is the allow-list of roles that may tolerate failures.
	TolerantRoles []string

	// AttributePrefix is the cluster attribute key prefix, e.g.
	// "fault_tolerance." reads "fault_tolerance.compute".
	AttributePrefix string
}

// NewTolerancePolicy creates a policy with the given allow-list, falling
// back to DefaultTolerantRoles when roles is empty.
func NewTolerancePolicy(roles []string, prefix string) *TolerancePolicy {
	if len(roles) == 0 {
		roles = DefaultTolerantRoles
	}
	if prefix == "" {
		prefix = DefaultAttributePrefix
	}
	return &TolerancePolicy{TolerantRoles: append([]string(nil), roles...), AttributePrefix: prefix}
}

// IsTolerant returns true if role is on the allow-list.
func (p *TolerancePolicy) IsTolerant(role string) bool {
	return contains(p.TolerantRoles, role)
}

// ComputeThresholds returns, for every role present on nodes, the uids
// carrying it and the tolerated failure percentage. Roles off the
// allow-list get 0. Missing or malformed attributes read as 0 and values
// are clamped to [0, 100].
func (p *TolerancePolicy) ComputeThresholds(nodes []Node, attrs map[string]string) map[string]Threshold {
	out := make(map[string]Threshold)
	for _, n := range nodes {
		for _, role := range n.Roles {
			th := out[role]
			th.UIDs = append(th.UIDs, n.UID)
			out[role] = th
		}
	}

	for role, th := range out {
		sort.Strings(th.UIDs)
		if p.IsTolerant(role) {
			th.Percentage = parsePercentage(attrs[p.AttributePrefix+role])
		}
		out[role] = th
	}
	return out
}

func parsePercentage(v string) int {
	v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "%"))
	if v == "" {
		return 0
	}
	pct, err := strconv.Atoi(v)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0
		}
		pct = int(f)
	}
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// FailureTracker accounts node failures against role thresholds for one
// transaction. A failed node is charged once against every role it carries.
type FailureTracker struct {
	mu         sync.Mutex
	thresholds map[string]Threshold
	failed     map[string]bool
	byRole     map[string]map[string]bool
}

// NewFailureTracker creates a tracker over the computed thresholds.
func NewFailureTracker(thresholds map[string]Threshold) *FailureTracker {
	return &FailureTracker{
		thresholds: thresholds,
		failed:     make(map[string]bool),
		byRole:     make(map[string]map[string]bool),
	}
}

// Fail records node as failed. It returns a DeploymentAborted error if this
// failure pushes any of the node's roles over its threshold.
func (f *FailureTracker) Fail(node Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failed[node.UID] = true
	for _, role := range node.Roles {
		if f.byRole[role] == nil {
			f.byRole[role] = make(map[string]bool)
		}
		f.byRole[role][node.UID] = true
	}
	return f.exceededLocked()
}

// Exceeded returns a DeploymentAborted error for the first role, in sorted
// order, whose failure count exceeds its allowance.
func (f *FailureTracker) Exceeded() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exceededLocked()
}

func (f *FailureTracker) exceededLocked() error {
	roles := make([]string, 0, len(f.byRole))
	for role := range f.byRole {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		failed := len(f.byRole[role])
		allowed := f.thresholds[role].Allowed()
		if failed > allowed {
			return NewDeploymentAbortedError(role, failed, allowed)
		}
	}
	return nil
}

// IsFailed returns true if uid was recorded as failed.
func (f *FailureTracker) IsFailed(uid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[uid]
}

// Failed returns the sorted uids of failed nodes.
func (f *FailureTracker) Failed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.failed))
	for uid := range f.failed {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
