// Package errors provides standardized error handling for attrstream.
//
// # Classification
//
// Errors fall into three classes that drive handling decisions:
//
//   - Transient: cluster timeouts, lost connections, full work queues (retry)
//   - Invalid: bad attribute definitions, missing bounds, read-only writes (do not retry)
//   - Fatal: corrupted replica data, closed connectors (stop the operation)
//
// Configuration errors are always raised at attribute-connect time and are
// isolated to the attribute being connected:
//
//	attr, err := repo.Connect("latency", descriptor)
//	if errors.Is(err, errors.ErrIncorrectOperator) {
//	    // the projection names a field the metric type does not have
//	}
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// using Wrap, WrapInvalid, WrapTransient and WrapFatal. The classified
// variants keep the sentinel reachable through errors.Is.
package errors
