package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Graph is a validated, acyclic task graph for one deployment transaction.
type Graph struct {
	// tasks maps task IDs to their definitions
	tasks map[string]*Task

	// order holds task IDs in registration order
	order []string

	// position maps task IDs to their registration index
	position map[string]int

	// dependents maps task IDs to the tasks that require them
	dependents map[string][]string

	// roles is the deployment role set wildcards were expanded against
	roles []string
}

// BuildOptions controls graph construction.
type BuildOptions struct {
	// Roles is the set of roles present on the deployment's nodes.
	Roles []string

	// Strict rejects task id collisions instead of overriding.
	Strict bool

	// Conditions evaluates task conditions. Required if any task has one.
	Conditions ConditionEvaluator

	// Attributes are the cluster attributes conditions are evaluated against.
	Attributes map[string]string

	// Handlers, when set, rejects dispatchable task types without a handler.
	Handlers *HandlerTable
}

// Merge appends src to dst with last-write-wins semantics: a task whose id
// already exists replaces the earlier definition entirely but keeps the
// earlier registration position. In strict mode a collision is an error.
//
// Silent replacement is a common source of divergence between the base
// release and plugin graphs; use strict mode to surface it.
func Merge(dst, src []Task, strict bool) ([]Task, error) {
	index := make(map[string]int, len(dst)+len(src))
	out := make([]Task, 0, len(dst)+len(src))
	for _, t := range dst {
		if i, ok := index[t.ID]; ok {
			if strict {
				return nil, NewStrictOverrideError(t.ID)
			}
			out[i] = t.Clone()
			continue
		}
		index[t.ID] = len(out)
		out = append(out, t.Clone())
	}
	for _, t := range src {
		if i, ok := index[t.ID]; ok {
			if strict {
				return nil, NewStrictOverrideError(t.ID)
			}
			out[i] = t.Clone()
			continue
		}
		index[t.ID] = len(out)
		out = append(out, t.Clone())
	}
	return out, nil
}

// BuildGraph merges base with the per-role overrides and builds a graph.
// Overrides are applied in sorted role order. An override task without
// roles runs on the role it was contributed for.
func BuildGraph(ctx context.Context, base []Task, overrides map[string][]Task, opts BuildOptions) (*Graph, error) {
	merged, err := Merge(nil, base, opts.Strict)
	if err != nil {
		return nil, err
	}

	roles := make([]string, 0, len(overrides))
	for role := range overrides {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		contributed := make([]Task, 0, len(overrides[role]))
		for _, t := range overrides[role] {
			t = t.Clone()
			if len(t.Roles) == 0 {
				t.Roles = []string{role}
			}
			contributed = append(contributed, t)
		}
		if merged, err = Merge(merged, contributed, opts.Strict); err != nil {
			return nil, err
		}
	}

	b := &graphBuilder{opts: opts}
	return b.build(ctx, merged)
}

type graphBuilder struct {
	opts BuildOptions
	g    *Graph
}

func (b *graphBuilder) build(ctx context.Context, tasks []Task) (*Graph, error) {
	b.g = &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		order:      make([]string, 0, len(tasks)),
		position:   make(map[string]int, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
		roles:      uniqueSorted(b.opts.Roles),
	}

	if err := b.index(tasks); err != nil {
		return nil, err
	}
	if err := b.link(); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.evaluateConditions(ctx); err != nil {
		return nil, err
	}
	return b.g, nil
}

// index validates every task and records registration order.
func (b *graphBuilder) index(tasks []Task) error {
	for i := range tasks {
		t := tasks[i].Clone()
		if t.ID == "" {
			return NewGraphValidationError("task has empty id", "")
		}
		if _, exists := b.g.tasks[t.ID]; exists {
			return NewGraphValidationError(fmt.Sprintf("duplicate task id: %s", t.ID), t.ID)
		}
		if t.Stage == "" {
			t.Stage = StageDeployment
		}
		if err := t.Stage.Validate(); err != nil {
			return NewGraphValidationError(err.Error(), t.ID)
		}
		if err := t.Type.Validate(); err != nil {
			return NewGraphValidationError(err.Error(), t.ID)
		}
		if t.Type == TaskTypeGroup && len(t.Roles) == 0 {
			t.Roles = []string{t.ID}
		}
		if t.Type.Dispatchable() && len(t.Roles) == 0 {
			return NewGraphValidationError("task has no roles", t.ID)
		}
		if err := validateParameters(&t); err != nil {
			return err
		}
		if b.opts.Handlers != nil && t.Type.Dispatchable() && !b.opts.Handlers.Has(t.Type) {
			return NewGraphValidationError(fmt.Sprintf("no handler registered for task type %s", t.Type), t.ID)
		}
		t.Roles = b.expandRoles(t.Roles)

		b.g.position[t.ID] = len(b.g.order)
		b.g.order = append(b.g.order, t.ID)
		b.g.tasks[t.ID] = &t
	}
	return nil
}

// expandRoles resolves the wildcard against the deployment role set.
func (b *graphBuilder) expandRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == WildcardRole {
			out = append(out, b.g.roles...)
			continue
		}
		out = append(out, r)
	}
	return uniqueSorted(out)
}

// link folds required_for into requires and validates every edge.
func (b *graphBuilder) link() error {
	for _, id := range b.g.order {
		t := b.g.tasks[id]
		for _, target := range t.RequiredFor {
			dst, ok := b.g.tasks[target]
			if !ok {
				return NewGraphValidationError(
					fmt.Sprintf("task %s is required for unknown task %s", id, target), id)
			}
			if !contains(dst.Requires, id) {
				dst.Requires = append(dst.Requires, id)
			}
		}
	}

	for _, id := range b.g.order {
		t := b.g.tasks[id]
		seen := make(map[string]bool, len(t.Requires))
		requires := make([]string, 0, len(t.Requires))
		for _, dep := range t.Requires {
			if _, ok := b.g.tasks[dep]; !ok {
				return NewGraphValidationError(
					fmt.Sprintf("task %s requires unknown task %s", id, dep), id)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			requires = append(requires, dep)
			b.g.dependents[dep] = append(b.g.dependents[dep], id)
		}
		t.Requires = requires
	}
	return nil
}

// detectCycles uses depth-first search over requires edges. Roots are
// visited in registration order so the reported cycle is deterministic.
func (b *graphBuilder) detectCycles() error {
	visited := make(map[string]bool, len(b.g.order))
	recStack := make(map[string]bool)

	for _, id := range b.g.order {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewCycleError(cycle)
		}
	}
	return nil
}

func (b *graphBuilder) detectCyclesUtil(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dep := range b.g.tasks[id].Requires {
		if !visited[dep] {
			if cycle := b.detectCyclesUtil(dep, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, p := range path {
				if p == dep {
					cycle := append([]string(nil), path[i:]...)
					return append(cycle, dep)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// evaluateConditions turns tasks whose condition is false into skipped tasks.
func (b *graphBuilder) evaluateConditions(ctx context.Context) error {
	for _, id := range b.g.order {
		t := b.g.tasks[id]
		if t.Condition == "" || t.Type == TaskTypeSkipped {
			continue
		}
		if b.opts.Conditions == nil {
			return NewGraphValidationError("task has a condition but no evaluator is configured", id)
		}
		ok, err := b.opts.Conditions.EvaluateCondition(ctx, t.Condition, ConditionEnv{
			Attributes: b.opts.Attributes,
			Roles:      b.g.roles,
			TaskID:     id,
		})
		if err != nil {
			e := NewGraphValidationError("failed to evaluate task condition", id)
			e.Err = err
			return e
		}
		if !ok {
			t.Type = TaskTypeSkipped
			t.Parameters = Parameters{}
		}
	}
	return nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.order)
}

// Task returns the task with the given id.
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns copies of all tasks in registration order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].Clone())
	}
	return out
}

// IDs returns task ids in registration order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Dependents returns the tasks that require id.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Roles returns the role set wildcards were expanded against.
func (g *Graph) Roles() []string {
	return append([]string(nil), g.roles...)
}

// Hash returns a canonical digest of the graph. Identical inputs produce
// identical hashes.
func (g *Graph) Hash() string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, id := range g.order {
		// Encoding a plain struct cannot fail.
		_ = enc.Encode(g.tasks[id])
	}
	h.Write([]byte(strings.Join(g.roles, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
