package engine

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func mustBuild(t *testing.T, tasks []Task) *Graph {
	t.Helper()
	g, err := BuildGraph(context.Background(), tasks, nil, BuildOptions{Roles: []string{"controller", "compute"}})
	if err != nil {
		t.Fatalf("Failed to build graph: %v", err)
	}
	return g
}

func TestLinearize_FanOut(t *testing.T) {
	g := mustBuild(t, []Task{
		execTask("A", []string{"controller"}),
		execTask("B", []string{"controller"}, "A"),
		execTask("C", []string{"controller"}, "A"),
	})

	plan, err := Linearize(g)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"A"}, {"B", "C"}}
	if !reflect.DeepEqual(plan.Layers(), expected) {
		t.Errorf("Expected layers %v, got %v", expected, plan.Layers())
	}
}

func TestLinearize_TieBreakByRegistration(t *testing.T) {
	g := mustBuild(t, []Task{
		execTask("z", []string{"controller"}),
		execTask("m", []string{"controller"}),
		execTask("a", []string{"controller"}),
	})

	plan, err := Linearize(g)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	expected := [][]string{{"z", "m", "a"}}
	if !reflect.DeepEqual(plan.Layers(), expected) {
		t.Errorf("Expected registration order %v, got %v", expected, plan.Layers())
	}
}

func TestLinearize_Diamond(t *testing.T) {
	g := mustBuild(t, []Task{
		execTask("top", []string{"controller"}),
		execTask("left", []string{"controller"}, "top"),
		execTask("right", []string{"controller"}, "top"),
		execTask("bottom", []string{"controller"}, "left", "right"),
	})

	plan, err := Linearize(g)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	expected := [][]string{{"top"}, {"left", "right"}, {"bottom"}}
	if !reflect.DeepEqual(plan.Layers(), expected) {
		t.Errorf("Expected %v, got %v", expected, plan.Layers())
	}
}

func TestLinearize_Stages(t *testing.T) {
	pre := execTask("upload_repos", []string{"controller", "compute"})
	pre.Stage = StagePreDeployment
	post := execTask("restart_services", []string{"controller"})
	post.Stage = StagePostDeployment
	post.Requires = []string{"keystone"}

	g := mustBuild(t, []Task{
		post,
		execTask("keystone", []string{"controller"}),
		pre,
		execTask("nova", []string{"compute"}, "upload_repos"),
	})

	plan, err := Linearize(g)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(plan.Stages) != 3 {
		t.Fatalf("Expected 3 stages, got %d", len(plan.Stages))
	}
	for i, stage := range Stages {
		if plan.Stages[i].Stage != stage {
			t.Errorf("Expected stage %d to be %s, got %s", i, stage, plan.Stages[i].Stage)
		}
	}
	if !reflect.DeepEqual(plan.Stages[1].Layers, [][]string{{"keystone", "nova"}}) {
		t.Errorf("Expected cross-stage dependency to be satisfied by the boundary, got %v", plan.Stages[1].Layers)
	}
}

func TestLinearize_BackwardStageEdge(t *testing.T) {
	late := execTask("late", []string{"controller"})
	late.Stage = StagePostDeployment
	early := execTask("early", []string{"controller"}, "late")
	early.Stage = StagePreDeployment

	g := mustBuild(t, []Task{late, early})
	_, err := Linearize(g)
	if !IsGraphValidationError(err) {
		t.Fatalf("Expected GraphValidationError, got: %v", err)
	}
}

func TestLinearize_EveryTaskOnceAfterDependencies(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(30)
		tasks := make([]Task, 0, n)
		for i := 0; i < n; i++ {
			var requires []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					requires = append(requires, fmt.Sprintf("t%d", j))
				}
			}
			task := execTask(fmt.Sprintf("t%d", i), []string{"controller"}, requires...)
			task.Stage = Stages[rng.Intn(len(Stages))]
			tasks = append(tasks, task)
		}
		// Dependencies must not point to later stages.
		for i := range tasks {
			kept := tasks[i].Requires[:0]
			for _, dep := range tasks[i].Requires {
				var idx int
				fmt.Sscanf(dep, "t%d", &idx)
				if tasks[idx].Stage.Order() <= tasks[i].Stage.Order() {
					kept = append(kept, dep)
				}
			}
			tasks[i].Requires = kept
		}
		rng.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

		g := mustBuild(t, tasks)
		plan, err := Linearize(g)
		if err != nil {
			t.Fatalf("Round %d: expected no error, got: %v", round, err)
		}

		layerOf := make(map[string]int)
		layer := 0
		for _, l := range plan.Layers() {
			for _, id := range l {
				if _, dup := layerOf[id]; dup {
					t.Fatalf("Round %d: task %s appears twice", round, id)
				}
				layerOf[id] = layer
			}
			layer++
		}
		if len(layerOf) != n {
			t.Fatalf("Round %d: expected %d tasks, got %d", round, n, len(layerOf))
		}
		for _, task := range tasks {
			for _, dep := range task.Requires {
				if layerOf[dep] >= layerOf[task.ID] {
					t.Fatalf("Round %d: %s (layer %d) not after dependency %s (layer %d)",
						round, task.ID, layerOf[task.ID], dep, layerOf[dep])
				}
			}
		}
	}
}

func TestLinearize_Deterministic(t *testing.T) {
	tasks := []Task{
		execTask("a", []string{"controller"}),
		execTask("b", []string{"controller"}),
		execTask("c", []string{"controller"}, "a", "b"),
		execTask("d", []string{"controller"}, "a"),
	}
	first, _ := Linearize(mustBuild(t, tasks))
	for i := 0; i < 10; i++ {
		again, err := Linearize(mustBuild(t, tasks))
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Expected identical plans, got %v and %v", first, again)
		}
	}
}

func TestPlanCache(t *testing.T) {
	cache := NewPlanCache(1)
	g1 := mustBuild(t, []Task{execTask("a", []string{"controller"})})
	g2 := mustBuild(t, []Task{execTask("b", []string{"controller"})})

	p1, err := cache.Linearize(g1)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	again, _ := cache.Linearize(g1)
	if p1 != again {
		t.Error("Expected cached plan to be reused")
	}

	if _, err := cache.Linearize(g2); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cache.Len() != 1 {
		t.Errorf("Expected cache to evict down to 1 plan, got %d", cache.Len())
	}
}

func TestPlanCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewPlanCache(2)
	ga := mustBuild(t, []Task{execTask("a", []string{"controller"})})
	gb := mustBuild(t, []Task{execTask("b", []string{"controller"})})
	gc := mustBuild(t, []Task{execTask("c", []string{"controller"})})

	pa, _ := cache.Linearize(ga)
	pb, _ := cache.Linearize(gb)

	// Touch a so b becomes the eviction candidate.
	if again, _ := cache.Linearize(ga); again != pa {
		t.Fatal("Expected cached plan for a")
	}
	if _, err := cache.Linearize(gc); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if again, _ := cache.Linearize(ga); again != pa {
		t.Error("Expected recently used plan a to survive eviction")
	}
	if again, _ := cache.Linearize(gb); again == pb {
		t.Error("Expected least recently used plan b to be evicted")
	}
	if cache.Len() != 2 {
		t.Errorf("Expected 2 cached plans, got %d", cache.Len())
	}
}

func TestPlan_ToDOT(t *testing.T) {
	g := mustBuild(t, []Task{
		execTask("A", []string{"controller"}),
		execTask("B", []string{"controller"}, "A"),
	})
	plan, _ := Linearize(g)

	dot := plan.ToDOT(g)
	for _, want := range []string{"digraph Deployment", "cluster_deployment", "\"A\" -> \"B\""} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q", want)
		}
	}
}
