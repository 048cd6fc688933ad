package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// StarlarkEvaluator evaluates task conditions as Starlark expressions.
//
// An expression sees:
//
//	attributes    dict of cluster attributes (string values)
//	roles         sorted list of the deployment's roles
//	task_id       id of the task being evaluated
//	has_role(r)   whether any node of the deployment carries role r
//	attr(k, d)    attributes.get(k, d) with d defaulting to ""
//	truthy(v)     "true", "yes", "1" and "on" (any case) are true
//
// The result must be a bool.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means 5s.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// EvaluateCondition implements engine.ConditionEvaluator.
func (se *StarlarkEvaluator) EvaluateCondition(ctx context.Context, expr string, env engine.ConditionEnv) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "condition:" + env.TaskID,
		Print: func(*starlark.Thread, string) {},
	}

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	val, err := starlark.Eval(thread, env.TaskID+".cond", expr, predeclared(env))
	if err != nil {
		if ctxErr := evalCtx.Err(); ctxErr != nil {
			return false, fmt.Errorf("condition evaluation interrupted: %w", ctxErr)
		}
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}

	b, ok := val.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("condition must evaluate to bool, got %s", val.Type())
	}
	return bool(b), nil
}

func predeclared(env engine.ConditionEnv) starlark.StringDict {
	attrs := starlark.NewDict(len(env.Attributes))
	keys := make([]string, 0, len(env.Attributes))
	for k := range env.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_ = attrs.SetKey(starlark.String(k), starlark.String(env.Attributes[k]))
	}
	attrs.Freeze()

	roleSet := make(map[string]bool, len(env.Roles))
	roles := make([]starlark.Value, 0, len(env.Roles))
	sorted := append([]string(nil), env.Roles...)
	sort.Strings(sorted)
	for _, r := range sorted {
		if roleSet[r] {
			continue
		}
		roleSet[r] = true
		roles = append(roles, starlark.String(r))
	}
	roleList := starlark.NewList(roles)
	roleList.Freeze()

	return starlark.StringDict{
		"struct":     starlark.NewBuiltin("struct", starlarkstruct.Make),
		"attributes": attrs,
		"roles":      roleList,
		"task_id":    starlark.String(env.TaskID),
		"has_role": starlark.NewBuiltin("has_role", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var role string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &role); err != nil {
				return nil, err
			}
			return starlark.Bool(roleSet[role]), nil
		}),
		"attr": starlark.NewBuiltin("attr", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var key, def string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
				return nil, err
			}
			if v, ok := env.Attributes[key]; ok {
				return starlark.String(v), nil
			}
			return starlark.String(def), nil
		}),
		"truthy": starlark.NewBuiltin("truthy", builtinTruthy),
	}
}

// builtinTruthy interprets attribute strings as booleans.
func builtinTruthy(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return v.Truth(), nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return starlark.True, nil
	}
	return starlark.False, nil
}
