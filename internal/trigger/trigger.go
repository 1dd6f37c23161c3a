// Package trigger evaluates expr-lang/expr predicates against a small
// fixed environment of artifact-entry counts, letting a resource node
// replace its default "new count > 0" trigger
// condition with a user expression. Expressions are compiled once and
// run on every monitor tick.
package trigger

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Counts is the environment a trigger expression evaluates against.
type Counts struct {
	NewCount     int
	CurrentCount int
	OldCount     int
}

// Predicate is a compiled boolean expression over Counts.
type Predicate struct {
	program *vm.Program
}

// Compile parses and type-checks expression once so repeated
// evaluation (every monitor tick) only pays the Run cost.
func Compile(expression string) (*Predicate, error) {
	program, err := expr.Compile(expression, expr.Env(Counts{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("trigger: compiling expression %q: %w", expression, err)
	}
	return &Predicate{program: program}, nil
}

// Eval runs the compiled predicate against c.
func (p *Predicate) Eval(c Counts) (bool, error) {
	out, err := expr.Run(p.program, c)
	if err != nil {
		return false, fmt.Errorf("trigger: evaluating: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("trigger: expression did not evaluate to a boolean")
	}
	return b, nil
}

// Default is the built-in "count(new) > 0" condition used by resource
// nodes that don't set a trigger expression.
func Default(c Counts) bool {
	return c.NewCount > 0
}
