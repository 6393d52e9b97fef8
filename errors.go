package fedplan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// SchemaConstructionError is returned when the federation metadata of a
// subgraph is inconsistent and no query graph can be built from it.
type SchemaConstructionError struct {
	Subgraph string
	Message  string
}

func (e *SchemaConstructionError) Error() string {
	if e.Subgraph == "" {
		return "schema construction: " + e.Message
	}
	return fmt.Sprintf("schema construction: subgraph %q: %s", e.Subgraph, e.Message)
}

func schemaErrorf(subgraph, format string, args ...interface{}) *SchemaConstructionError {
	return &SchemaConstructionError{Subgraph: subgraph, Message: fmt.Sprintf(format, args...)}
}

// UnsatisfiedReason explains why a selection or a condition could not be
// resolved.
type UnsatisfiedReason string

const (
	ReasonNoMatchingEdge       UnsatisfiedReason = "NoMatchingEdge"
	ReasonUnsatisfiedCondition UnsatisfiedReason = "UnsatisfiedCondition"
	ReasonExcludedCycle        UnsatisfiedReason = "ExcludedCycle"
	ReasonNoPostRequireKey     UnsatisfiedReason = "NoPostRequireKey"
)

// Diagnostic describes one selection that could not be planned.
type Diagnostic struct {
	Path    []string          `json:"path"`
	Field   string            `json:"field"`
	Reason  UnsatisfiedReason `json:"reason"`
	Message string            `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s (%s): %s: %s", strings.Join(d.Path, "."), d.Field, d.Reason, d.Message)
}

// UnplannableOperationError is returned when at least one selection of an
// operation cannot be resolved from the query root.
type UnplannableOperationError struct {
	Diagnostics []Diagnostic
}

func (e *UnplannableOperationError) Error() string {
	msgs := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		msgs = append(msgs, d.String())
	}
	return "unplannable operation: " + strings.Join(msgs, "; ")
}

// GQLErrors converts the diagnostics into GraphQL errors, one per path.
func (e *UnplannableOperationError) GQLErrors() gqlerror.List {
	var errs gqlerror.List
	for _, d := range e.Diagnostics {
		path := make(ast.Path, 0, len(d.Path))
		for _, p := range d.Path {
			path = append(path, ast.PathName(p))
		}
		errs = append(errs, &gqlerror.Error{
			Message: fmt.Sprintf("cannot plan field %s: %s", d.Field, d.Message),
			Path:    path,
			Extensions: map[string]interface{}{
				"code":   "UNPLANNABLE_OPERATION",
				"reason": string(d.Reason),
			},
		})
	}
	return errs
}

// InternalInvariantViolation indicates a bug in the planner rather than a
// problem with the schema or the operation.
type InternalInvariantViolation struct {
	Message string
}

func (e *InternalInvariantViolation) Error() string {
	return "query planner invariant violation: " + e.Message
}

func invariantf(format string, args ...interface{}) *InternalInvariantViolation {
	return &InternalInvariantViolation{Message: fmt.Sprintf(format, args...)}
}

// CorrectnessCheckFailure is returned when the response shape of a plan is
// not subsumed by the response shape of the operation.
type CorrectnessCheckFailure struct {
	Violations []ShapeViolation
}

func (e *CorrectnessCheckFailure) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}
	return "query plan correctness check failed: " + strings.Join(msgs, "; ")
}

func errorKind(err error) string {
	var (
		schemaErr      *SchemaConstructionError
		unplannableErr *UnplannableOperationError
		invariantErr   *InternalInvariantViolation
		correctnessErr *CorrectnessCheckFailure
		gqlErrs        gqlerror.List
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &schemaErr):
		return "schema"
	case errors.As(err, &unplannableErr):
		return "unplannable"
	case errors.As(err, &invariantErr):
		return "invariant"
	case errors.As(err, &correctnessErr):
		return "correctness"
	case errors.As(err, &gqlErrs):
		return "invalid"
	default:
		return "error"
	}
}
