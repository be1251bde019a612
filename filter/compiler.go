package filter

import (
	"fmt"
	"strings"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
)

// Compiler turns expression strings into predicates
type Compiler struct {
	evaluator *Evaluator
}

// NewCompiler creates a compiler backed by the default evaluator
func NewCompiler() *Compiler {
	return &Compiler{evaluator: NewEvaluator()}
}

// Compile parses and validates expr. Unknown fields, unknown operators and
// rejected regular expressions fail here so that a bad filter is reported
// when its attribute is connected. An empty expression compiles to Always.
func (c *Compiler) Compile(expr string) (Predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return Always, nil
	}

	parsed, err := Parse(expr)
	if err != nil {
		return nil, invalid(err, "parse expression")
	}

	for _, cond := range parsed.Conditions {
		if !ValidField(cond.Field) {
			return nil, invalid(fmt.Errorf("unknown field %q", cond.Field), "validate field")
		}
		if !c.evaluator.Supports(cond.Operator) {
			return nil, invalid(fmt.Errorf("unknown operator %q", cond.Operator), "validate operator")
		}
		if cond.Operator == OpRegexMatch {
			pattern, ok := cond.Value.(string)
			if !ok {
				return nil, invalid(fmt.Errorf("regex pattern must be a string"), "validate regex")
			}
			if _, err := compileRegex(pattern); err != nil {
				return nil, invalid(err, "validate regex")
			}
		}
	}

	evaluator := c.evaluator
	return func(ev *event.Event) bool {
		ok, err := evaluator.Evaluate(ev, parsed)
		return err == nil && ok
	}, nil
}

func invalid(err error, action string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidFilter, err), "Compiler", "Compile", action)
}
