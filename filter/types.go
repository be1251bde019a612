// Package filter compiles the per-attribute filter expressions found in
// attribute descriptors into event predicates.
//
// An expression is a list of conditions of the form `field operator value`
// joined by a single logic keyword:
//
//	category eq metrics and value gte 10
//	name starts_with cpu or name starts_with load
//	attachment.host regex "^web-[0-9]+$"
//
// Mixing `and` and `or` in one expression is rejected.
package filter

import (
	"fmt"

	"github.com/c360/attrstream/event"
)

// Predicate decides whether an event is offered to an attribute
type Predicate func(ev *event.Event) bool

// Always accepts every event
func Always(*event.Event) bool { return true }

// Condition is a single field/operator/value comparison
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Expression combines conditions with one logic operator
type Expression struct {
	Conditions []Condition `json:"conditions"`
	Logic      string      `json:"logic"`
}

// OperatorFunc compares an event field value with a condition value
type OperatorFunc func(fieldValue, compareValue any) (bool, error)

// EvaluationError reports a condition that could not be evaluated
type EvaluationError struct {
	Field    string
	Operator string
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s: %v",
			e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s",
		e.Field, e.Operator, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Supported operators
const (
	OpEqual            = "eq"
	OpNotEqual         = "ne"
	OpLessThan         = "lt"
	OpLessThanEqual    = "lte"
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "gte"

	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpRegexMatch = "regex"
)

// Logic operators
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// Event fields addressable in conditions. Attachments are addressed as
// "attachment.<key>".
const (
	FieldCategory = "category"
	FieldName     = "name"
	FieldSource   = "source"
	FieldMessage  = "message"
	FieldKind     = "kind"
	FieldValue    = "value"

	attachmentPrefix = "attachment."
)
