package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/attrstream/event"
)

// Evaluator evaluates expressions against events
type Evaluator struct {
	operators map[string]OperatorFunc
}

// NewEvaluator creates an evaluator with every supported operator
func NewEvaluator() *Evaluator {
	return &Evaluator{
		operators: map[string]OperatorFunc{
			OpEqual:            operatorEqual,
			OpNotEqual:         operatorNotEqual,
			OpLessThan:         compareWith(func(c int) bool { return c < 0 }),
			OpLessThanEqual:    compareWith(func(c int) bool { return c <= 0 }),
			OpGreaterThan:      compareWith(func(c int) bool { return c > 0 }),
			OpGreaterThanEqual: compareWith(func(c int) bool { return c >= 0 }),
			OpContains:         stringOperator(strings.Contains),
			OpStartsWith:       stringOperator(strings.HasPrefix),
			OpEndsWith:         stringOperator(strings.HasSuffix),
			OpRegexMatch:       operatorRegex,
		},
	}
}

// Supports reports whether op is a known operator
func (e *Evaluator) Supports(op string) bool {
	_, ok := e.operators[op]
	return ok
}

// Evaluate evaluates expr against ev. An empty expression matches.
func (e *Evaluator) Evaluate(ev *event.Event, expr Expression) (bool, error) {
	if len(expr.Conditions) == 0 {
		return true, nil
	}

	switch expr.Logic {
	case LogicAnd, "":
		for _, c := range expr.Conditions {
			ok, err := e.evaluateCondition(ev, c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case LogicOr:
		var firstErr error
		for _, c := range expr.Conditions {
			ok, err := e.evaluateCondition(ev, c)
			if ok {
				return true, nil
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return false, firstErr

	default:
		return false, &EvaluationError{
			Message: fmt.Sprintf("unsupported logic operator: %s", expr.Logic),
		}
	}
}

func (e *Evaluator) evaluateCondition(ev *event.Event, c Condition) (bool, error) {
	opFunc, ok := e.operators[c.Operator]
	if !ok {
		return false, &EvaluationError{
			Field:    c.Field,
			Operator: c.Operator,
			Message:  "unsupported operator",
		}
	}

	fieldValue, exists := fieldValueOf(ev, c.Field)
	if !exists {
		return false, nil
	}

	result, err := opFunc(fieldValue, c.Value)
	if err != nil {
		return false, &EvaluationError{
			Field:    c.Field,
			Operator: c.Operator,
			Message:  "operator execution failed",
			Err:      err,
		}
	}
	return result, nil
}

// ValidField reports whether field names an addressable event field
func ValidField(field string) bool {
	switch field {
	case FieldCategory, FieldName, FieldSource, FieldMessage, FieldKind, FieldValue:
		return true
	default:
		return strings.HasPrefix(field, attachmentPrefix) && len(field) > len(attachmentPrefix)
	}
}

// fieldValueOf extracts an addressable field from an event
func fieldValueOf(ev *event.Event, field string) (any, bool) {
	if ev == nil {
		return nil, false
	}

	switch field {
	case FieldCategory:
		return ev.Category, true
	case FieldName:
		return ev.LogicalName(), true
	case FieldSource:
		return ev.Source, ev.Source != ""
	case FieldMessage:
		return ev.Message, ev.Message != ""
	case FieldKind:
		return ev.Kind().String(), true
	case FieldValue:
		v := ev.Measurement.Value()
		return v, v != nil
	}

	if key, ok := strings.CutPrefix(field, attachmentPrefix); ok {
		v, exists := ev.Attachments[key]
		return v, exists
	}
	return nil, false
}

func operatorEqual(fieldValue, compareValue any) (bool, error) {
	return compareValues(fieldValue, compareValue) == 0, nil
}

func operatorNotEqual(fieldValue, compareValue any) (bool, error) {
	return compareValues(fieldValue, compareValue) != 0, nil
}

func compareWith(accept func(int) bool) OperatorFunc {
	return func(fieldValue, compareValue any) (bool, error) {
		return accept(compareValues(fieldValue, compareValue)), nil
	}
}

func stringOperator(match func(s, substr string) bool) OperatorFunc {
	return func(fieldValue, compareValue any) (bool, error) {
		return match(asString(fieldValue), asString(compareValue)), nil
	}
}

func operatorRegex(fieldValue, compareValue any) (bool, error) {
	pattern, ok := compareValue.(string)
	if !ok {
		return false, fmt.Errorf("regex pattern must be a string")
	}

	re, err := compileRegex(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(asString(fieldValue)), nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// compareValues compares numerically when both sides are numbers or
// durations and falls back to string order otherwise.
func compareValues(a, b any) int {
	aNum, aIsNum := toFloat64(a)
	bNum, bIsNum := toFloat64(b)

	if aIsNum && bIsNum {
		switch {
		case aNum < bNum:
			return -1
		case aNum > bNum:
			return 1
		}
		return 0
	}

	return strings.Compare(asString(a), asString(b))
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case time.Duration:
		return float64(val), true
	default:
		return 0, false
	}
}
