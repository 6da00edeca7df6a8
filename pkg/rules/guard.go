package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// guardSet holds the CEL programs compiled from limit-rule guard
// expressions. All compilation happens at table load, so a bad expression
// is a configuration error rather than a per-case failure.
type guardSet struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newGuardSet(limits []LimitRule) (*guardSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("item", cel.StringType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("income", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("create guard environment: %w", err)
	}

	g := &guardSet{env: env, programs: make(map[string]cel.Program)}
	for _, rule := range limits {
		if rule.Guard == "" {
			continue
		}
		if _, ok := g.programs[rule.Guard]; ok {
			continue
		}
		ast, issues := env.Compile(rule.Guard)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile guard for %s: %w", rule.Item, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("build guard program for %s: %w", rule.Item, err)
		}
		g.programs[rule.Guard] = prg
	}
	return g, nil
}

func (g *guardSet) eval(expr, item string, value, income float64) (bool, error) {
	g.mu.RLock()
	prg, ok := g.programs[expr]
	g.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("guard expression not compiled: %q", expr)
	}

	out, _, err := prg.Eval(map[string]any{
		"item":   item,
		"value":  value,
		"income": income,
	})
	if err != nil {
		return false, fmt.Errorf("guard eval: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard result is not a bool")
	}
	return result, nil
}
