package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Fingerprint digests everything a node would receive in a deployment:
// its roles and the tasks that run on it, in registration order.
func Fingerprint(node Node, g *Graph) string {
	h := sha256.New()
	roles := append([]string(nil), node.Roles...)
	sort.Strings(roles)
	h.Write([]byte(strings.Join(roles, ",")))
	h.Write([]byte{0})

	enc := json.NewEncoder(h)
	for _, id := range g.order {
		t := g.tasks[id]
		if !t.RunsOn(&node) {
			continue
		}
		_ = enc.Encode(t)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewSnapshot fingerprints nodes against g.
func NewSnapshot(transactionID, clusterID string, g *Graph, nodes []Node) *Snapshot {
	s := &Snapshot{
		TransactionID: transactionID,
		ClusterID:     clusterID,
		Nodes:         make(map[string]string, len(nodes)),
		CreatedAt:     time.Now().UTC(),
	}
	for _, n := range nodes {
		s.Nodes[n.UID] = Fingerprint(n, g)
	}
	return s
}

// Unchanged returns the uids whose fingerprint in next equals the one in
// old. A nil old snapshot means nothing is unchanged.
func Unchanged(old, next *Snapshot) map[string]bool {
	out := make(map[string]bool)
	if old == nil || next == nil {
		return out
	}
	for uid, fp := range next.Nodes {
		if prev, ok := old.Nodes[uid]; ok && prev == fp {
			out[uid] = true
		}
	}
	return out
}

// Without returns a copy of the snapshot excluding the given uids.
func (s *Snapshot) Without(uids []string) *Snapshot {
	c := *s
	c.Nodes = make(map[string]string, len(s.Nodes))
	for uid, fp := range s.Nodes {
		c.Nodes[uid] = fp
	}
	for _, uid := range uids {
		delete(c.Nodes, uid)
	}
	return &c
}

// CarryForward copies the entries of prev for nodes outside deployed that
// s does not already hold, so nodes left out of a partial deployment keep
// their last known fingerprint.
func (s *Snapshot) CarryForward(prev *Snapshot, deployed []string) *Snapshot {
	if prev == nil {
		return s
	}
	skip := make(map[string]bool, len(deployed))
	for _, uid := range deployed {
		skip[uid] = true
	}
	for uid, fp := range prev.Nodes {
		if skip[uid] {
			continue
		}
		if _, ok := s.Nodes[uid]; !ok {
			s.Nodes[uid] = fp
		}
	}
	return s
}
