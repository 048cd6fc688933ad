package engine

import (
	"reflect"
	"testing"
)

func TestSnapshot_CarryForward(t *testing.T) {
	prev := &Snapshot{Nodes: map[string]string{"n1": "old1", "n2": "old2", "n3": "old3"}}
	next := &Snapshot{Nodes: map[string]string{"n3": "new3", "n4": "new4"}}

	// n2 was deployed and failed, so next no longer holds it.
	got := next.CarryForward(prev, []string{"n2", "n3", "n4"})

	expected := map[string]string{"n1": "old1", "n3": "new3", "n4": "new4"}
	if !reflect.DeepEqual(got.Nodes, expected) {
		t.Errorf("Expected %v, got %v", expected, got.Nodes)
	}

	if got := next.CarryForward(nil, nil); got != next {
		t.Error("Expected snapshot unchanged without a previous one")
	}
}
