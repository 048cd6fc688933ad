package engine

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
)

// Plan is the dispatch order of a graph: stages in execution order, each
// split into layers of mutually independent tasks.
type Plan struct {
	GraphHash string      `json:"graph_hash"`
	Stages    []StagePlan `json:"stages"`
}

// StagePlan holds the layers of one stage. Tasks of a layer may run
// concurrently; a layer starts only after the previous one finished.
type StagePlan struct {
	Stage  Stage      `json:"stage"`
	Layers [][]string `json:"layers"`
}

// Layers returns every layer of every stage in dispatch order.
func (p *Plan) Layers() [][]string {
	var out [][]string
	for _, s := range p.Stages {
		out = append(out, s.Layers...)
	}
	return out
}

// TaskCount returns the number of tasks in the plan.
func (p *Plan) TaskCount() int {
	n := 0
	for _, s := range p.Stages {
		for _, l := range s.Layers {
			n += len(l)
		}
	}
	return n
}

// Linearize orders the graph into stages and layers using Kahn's algorithm.
// Tasks within a layer are ordered by registration, so identical inputs
// always produce the same plan.
func Linearize(g *Graph) (*Plan, error) {
	plan := &Plan{GraphHash: g.Hash(), Stages: make([]StagePlan, 0, len(Stages))}

	byStage := make(map[Stage][]string, len(Stages))
	for _, id := range g.order {
		t := g.tasks[id]
		for _, dep := range t.Requires {
			if g.tasks[dep].Stage.Order() > t.Stage.Order() {
				return nil, NewGraphValidationError(
					fmt.Sprintf("task %s in stage %s requires task %s of later stage %s",
						id, t.Stage, dep, g.tasks[dep].Stage), id).WithOperation("linearize")
			}
		}
		byStage[t.Stage] = append(byStage[t.Stage], id)
	}

	for _, stage := range Stages {
		ids := byStage[stage]
		if len(ids) == 0 {
			continue
		}
		layers, err := computeLayers(g, stage, ids)
		if err != nil {
			return nil, err
		}
		plan.Stages = append(plan.Stages, StagePlan{Stage: stage, Layers: layers})
	}

	return plan, nil
}

// computeLayers runs Kahn's algorithm over the tasks of one stage. Edges to
// tasks of earlier stages are already satisfied by the stage boundary.
func computeLayers(g *Graph, stage Stage, ids []string) ([][]string, error) {
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, id := range ids {
		for _, dep := range g.tasks[id].Requires {
			if g.tasks[dep].Stage == stage {
				inDegree[id]++
			}
		}
	}

	current := make([]string, 0)
	for _, id := range ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var layers [][]string
	processed := 0
	for len(current) > 0 {
		g.sortByPosition(current)
		layers = append(layers, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				if _, inStage := inDegree[dependent]; !inStage {
					continue
				}
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(ids) {
		remaining := make([]string, 0)
		for _, id := range ids {
			if inDegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		g.sortByPosition(remaining)
		return nil, NewCycleError(remaining).WithOperation("linearize")
	}
	return layers, nil
}

func (g *Graph) sortByPosition(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return g.position[ids[i]] < g.position[ids[j]]
	})
}

// PlanCache memoises plans by graph hash so re-runs of an identical graph
// skip linearization. The least recently used plan is evicted first.
type PlanCache struct {
	mu    sync.Mutex
	size  int
	plans map[string]*list.Element
	order *list.List
}

type cachedPlan struct {
	key  string
	plan *Plan
}

// NewPlanCache creates a cache holding at most size plans.
func NewPlanCache(size int) *PlanCache {
	if size <= 0 {
		size = 32
	}
	return &PlanCache{size: size, plans: make(map[string]*list.Element, size), order: list.New()}
}

// Linearize returns the cached plan for g or computes and stores it.
func (c *PlanCache) Linearize(g *Graph) (*Plan, error) {
	key := g.Hash()
	if p, ok := c.get(key); ok {
		return p, nil
	}

	p, err := Linearize(g)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.plans[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cachedPlan).plan, nil
	}
	c.plans[key] = c.order.PushFront(&cachedPlan{key: key, plan: p})
	if c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.plans, oldest.Value.(*cachedPlan).key)
	}
	return p, nil
}

func (c *PlanCache) get(key string) (*Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.plans[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cachedPlan).plan, true
}

// Len returns the number of cached plans.
func (c *PlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}
