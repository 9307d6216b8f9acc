package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ConditionEvaluator evaluates Starlark boolean expressions over a running context.
type ConditionEvaluator struct {
	timeout time.Duration
}

// NewConditionEvaluator creates a new condition evaluator.
func NewConditionEvaluator(timeout time.Duration) *ConditionEvaluator {
	if timeout == 0 {
		timeout = time.Second
	}
	return &ConditionEvaluator{
		timeout: timeout,
	}
}

// Evaluate evaluates expr with every context key bound as a global and returns its truth value.
// Keys that are not valid identifiers or hold unsupported values are not bound.
func (ce *ConditionEvaluator) Evaluate(ctx context.Context, expr string, input map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("condition is empty")
	}

	evalCtx, cancel := context.WithTimeout(ctx, ce.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "condition",
		Print: func(_ *starlark.Thread, _ string) {
		},
	}

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range input {
		if !isIdentifier(key) {
			continue
		}
		sv, err := toStarlarkValue(val)
		if err != nil {
			continue
		}
		predeclared[key] = sv
	}

	type outcome struct {
		value bool
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		v, err := starlark.Eval(thread, "condition", expr, predeclared)
		if err != nil {
			done <- outcome{err: fmt.Errorf("condition evaluation failed: %w", err)}
			return
		}
		done <- outcome{value: bool(v.Truth())}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return false, fmt.Errorf("condition timeout after %v", ce.timeout)
	case res := <-done:
		return res.value, res.err
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
