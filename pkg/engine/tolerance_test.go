package engine

import (
	"reflect"
	"testing"
)

func TestThreshold_Allowed(t *testing.T) {
	tests := []struct {
		name       string
		percentage int
		nodes      int
		expected   int
	}{
		{"zero percent", 0, 4, 0},
		{"quarter of four", 25, 4, 1},
		{"half of four", 50, 4, 2},
		{"rounds up", 10, 4, 1},
		{"all", 100, 3, 3},
		{"no nodes", 50, 0, 0},
		{"third of ten", 33, 10, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := Threshold{UIDs: make([]string, tt.nodes), Percentage: tt.percentage}
			if got := th.Allowed(); got != tt.expected {
				t.Errorf("Expected %d allowed failures, got %d", tt.expected, got)
			}
		})
	}
}

func TestTolerancePolicy_ComputeThresholds(t *testing.T) {
	nodes := []Node{
		{UID: "c2", Roles: []string{"compute"}},
		{UID: "c1", Roles: []string{"compute", "cinder"}},
		{UID: "ctrl", Roles: []string{"controller"}},
	}
	attrs := map[string]string{
		"fault_tolerance.compute":    "50",
		"fault_tolerance.controller": "100",
	}

	th := NewTolerancePolicy(nil, "").ComputeThresholds(nodes, attrs)

	if !reflect.DeepEqual(th["compute"].UIDs, []string{"c1", "c2"}) {
		t.Errorf("Expected sorted compute uids, got %v", th["compute"].UIDs)
	}
	if th["compute"].Percentage != 50 {
		t.Errorf("Expected compute percentage 50, got %d", th["compute"].Percentage)
	}
	if th["controller"].Percentage != 0 {
		t.Errorf("Expected controller to be intolerant regardless of attributes, got %d", th["controller"].Percentage)
	}
	if th["cinder"].Percentage != 0 {
		t.Errorf("Expected cinder percentage 0, got %d", th["cinder"].Percentage)
	}
}

func TestParsePercentage(t *testing.T) {
	tests := map[string]int{
		"":     0,
		"25":   25,
		"25%":  25,
		" 40 ": 40,
		"12.9": 12,
		"-5":   0,
		"250":  100,
		"abc":  0,
	}
	for in, expected := range tests {
		if got := parsePercentage(in); got != expected {
			t.Errorf("parsePercentage(%q): expected %d, got %d", in, expected, got)
		}
	}
}

func TestFailureTracker_ZeroTolerance(t *testing.T) {
	nodes := []Node{
		{UID: "ctrl1", Roles: []string{"controller"}},
		{UID: "ctrl2", Roles: []string{"controller"}},
	}
	tracker := NewFailureTracker(NewTolerancePolicy(nil, "").ComputeThresholds(nodes, nil))

	err := tracker.Fail(nodes[0])
	if !IsDeploymentAborted(err) {
		t.Fatalf("Expected DeploymentAborted on first failure, got: %v", err)
	}
}

func TestFailureTracker_HalfOfFour(t *testing.T) {
	nodes := computeNodes(4)
	attrs := map[string]string{"fault_tolerance.compute": "50"}
	tracker := NewFailureTracker(NewTolerancePolicy(nil, "").ComputeThresholds(nodes, attrs))

	if err := tracker.Fail(nodes[0]); err != nil {
		t.Fatalf("Expected first failure to be tolerated, got: %v", err)
	}
	if err := tracker.Fail(nodes[1]); err != nil {
		t.Fatalf("Expected second failure to be tolerated, got: %v", err)
	}
	err := tracker.Fail(nodes[2])
	if !IsDeploymentAborted(err) {
		t.Fatalf("Expected third failure to abort, got: %v", err)
	}
	if !reflect.DeepEqual(tracker.Failed(), []string{"node1", "node2", "node3"}) {
		t.Errorf("Unexpected failed set: %v", tracker.Failed())
	}
}

func TestFailureTracker_RepeatedFailureCountsOnce(t *testing.T) {
	nodes := computeNodes(4)
	attrs := map[string]string{"fault_tolerance.compute": "25"}
	tracker := NewFailureTracker(NewTolerancePolicy(nil, "").ComputeThresholds(nodes, attrs))

	for i := 0; i < 3; i++ {
		if err := tracker.Fail(nodes[0]); err != nil {
			t.Fatalf("Expected repeated failures of one node to count once, got: %v", err)
		}
	}
}

func TestFailureTracker_MultiRoleNode(t *testing.T) {
	nodes := []Node{
		{UID: "n1", Roles: []string{"compute", "controller"}},
		{UID: "n2", Roles: []string{"compute"}},
	}
	attrs := map[string]string{"fault_tolerance.compute": "100"}
	tracker := NewFailureTracker(NewTolerancePolicy(nil, "").ComputeThresholds(nodes, attrs))

	err := tracker.Fail(nodes[0])
	if !IsDeploymentAborted(err) {
		t.Fatalf("Expected controller role to abort, got: %v", err)
	}
	var ee *EngineError
	if e, ok := err.(*EngineError); ok {
		ee = e
	}
	if ee == nil || ee.Resource != "controller" {
		t.Errorf("Expected abort to name the controller role, got: %v", err)
	}
}

func TestTolerancePolicy_CustomAllowList(t *testing.T) {
	p := NewTolerancePolicy([]string{"compute", "ceph-osd"}, "tolerance/")
	nodes := []Node{{UID: "osd1", Roles: []string{"ceph-osd"}}}

	th := p.ComputeThresholds(nodes, map[string]string{"tolerance/ceph-osd": "100"})
	if th["ceph-osd"].Percentage != 100 {
		t.Errorf("Expected 100, got %d", th["ceph-osd"].Percentage)
	}
}
