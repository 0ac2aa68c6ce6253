// Package errs defines the typed error taxonomy returned by the bucketing
// evaluation path. Every error carries a Kind so callers can switch on the
// failure mode instead of matching strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of evaluation failure.
type Kind int

const (
	_ Kind = iota
	MissingConfig
	MissingVariable
	MissingFeature
	MissingVariation
	MissingVariableForVariation
	UserNotQualifiedForTargets
	UserNotQualifiedForRollouts
	FailedToDecideVariation
	InvalidVariableType
	VariableTypeMismatch
	EventQueueNotInitialized
	EventQueueFull
	UnknownAudience
)

func (k Kind) String() string {
	switch k {
	case MissingConfig:
		return "missing_config"
	case MissingVariable:
		return "missing_variable"
	case MissingFeature:
		return "missing_feature"
	case MissingVariation:
		return "missing_variation"
	case MissingVariableForVariation:
		return "missing_variable_for_variation"
	case UserNotQualifiedForTargets:
		return "user_not_qualified_for_targets"
	case UserNotQualifiedForRollouts:
		return "user_not_qualified_for_rollouts"
	case FailedToDecideVariation:
		return "failed_to_decide_variation"
	case InvalidVariableType:
		return "invalid_variable_type"
	case VariableTypeMismatch:
		return "variable_type_mismatch"
	case EventQueueNotInitialized:
		return "event_queue_not_initialized"
	case EventQueueFull:
		return "event_queue_full"
	case UnknownAudience:
		return "unknown_audience"
	default:
		return "unknown"
	}
}

// EvalError is the concrete error type returned by the evaluation, registry
// lookup, config validation and event-queue paths of this module. Setup
// failures such as a malformed audience or a repeated InitEventQueue are
// plain errors instead, possibly wrapping an EvalError.
type EvalError struct {
	Kind    Kind
	Message string
	Err     error
}

func New(kind Kind, format string, args ...any) *EvalError {
	return &EvalError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *EvalError {
	return &EvalError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *EvalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// Is reports whether err is an *EvalError of the given kind, unwrapping as
// needed.
func Is(err error, kind Kind) bool {
	var e *EvalError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
