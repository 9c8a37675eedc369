package domain

import (
	"errors"
	"fmt"
)

// Compile-time failures. Every CompileError wraps exactly one of these so
// callers can branch with errors.Is.
var (
	// ErrMalformedPattern indicates a function pattern node of an invalid
	// shape (nil leaf, empty sequence, keyed map nested in a keyed map...).
	ErrMalformedPattern = errors.New("malformed function pattern")

	// ErrDuplicateSpecialOutput indicates two producers declare the same
	// special output key.
	ErrDuplicateSpecialOutput = errors.New("duplicate special output")

	// ErrUnresolvedSpecialInput indicates a special input key that no
	// earlier step produces.
	ErrUnresolvedSpecialInput = errors.New("unresolved special input")

	// ErrMissingMemoryType indicates a leaf function without a declared
	// input or output memory type.
	ErrMissingMemoryType = errors.New("missing memory type declaration")

	// ErrInconsistentMemoryType indicates leaves of one step disagreeing
	// on their memory types.
	ErrInconsistentMemoryType = errors.New("inconsistent memory types")

	// ErrKeyedWithoutGroupBy indicates a keyed pattern on a step that
	// declares no group_by component to dispatch on.
	ErrKeyedWithoutGroupBy = errors.New("keyed pattern requires group_by")

	// ErrMissingMetadata indicates a function requiring plan-time metadata
	// that the metadata provider did not supply.
	ErrMissingMetadata = errors.New("missing metadata")

	// ErrMetadataConflict indicates an injected metadata value colliding
	// with a different, explicitly bound parameter of the same name.
	ErrMetadataConflict = errors.New("metadata conflicts with bound parameter")

	// ErrSpecialInputConflict indicates a leaf binding a parameter under
	// the name of one of its declared special inputs.
	ErrSpecialInputConflict = errors.New("special input conflicts with bound parameter")

	// ErrNoDevices indicates a step needing an accelerator while the
	// device pool is empty.
	ErrNoDevices = errors.New("no devices available")

	// ErrPhaseOrder indicates a compiler phase running before its
	// predecessor completed.
	ErrPhaseOrder = errors.New("compiler phase out of order")

	// ErrContextFrozen indicates a write to a frozen execution context.
	ErrContextFrozen = errors.New("execution context is frozen")

	// ErrInvalidStep indicates a step draft that cannot be planned at all.
	ErrInvalidStep = errors.New("invalid step")
)

// Metadata lookup failures.
var (
	// ErrKeyNotFound indicates that a requested metadata key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrTypeMismatch indicates that a value's type doesn't match the expected type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidConfiguration indicates that configuration is invalid or incomplete.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// CompileError reports a compilation failure for one well. It names the
// phase and, when the failure is step-specific, the offending step.
type CompileError struct {
	// Well is the unit the pipeline was being compiled for.
	Well string

	// Phase is the compiler pass that failed.
	Phase Phase

	// StepIndex is the position of the failing step, or -1 when the
	// failure is not tied to a single step.
	StepIndex int

	// Step is the name of the failing step.
	Step string

	// Reason is a human-readable description of the failure.
	Reason string

	// Err is the sentinel describing the failure class.
	Err error
}

// Error implements the error interface for CompileError.
func (e *CompileError) Error() string {
	if e.StepIndex < 0 {
		return fmt.Sprintf("compile error: well=%s, phase=%s: %s: %v", e.Well, e.Phase, e.Reason, e.Err)
	}
	return fmt.Sprintf("compile error: well=%s, phase=%s, step=%d(%s): %s: %v",
		e.Well, e.Phase, e.StepIndex, e.Step, e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *CompileError) Unwrap() error { return e.Err }

// NewCompileError creates a CompileError for a specific step.
func NewCompileError(well string, phase Phase, index int, step, reason string, err error) *CompileError {
	return &CompileError{
		Well:      well,
		Phase:     phase,
		StepIndex: index,
		Step:      step,
		Reason:    reason,
		Err:       err,
	}
}

// FrozenError reports an attempted write to a frozen ExecutionContext.
type FrozenError struct {
	// Well identifies the frozen context.
	Well string

	// Field is the attribute the caller tried to change.
	Field string
}

// Error implements the error interface for FrozenError.
func (e *FrozenError) Error() string {
	return fmt.Sprintf("cannot set %s on well %s: %v", e.Field, e.Well, ErrContextFrozen)
}

// Unwrap returns ErrContextFrozen.
func (e *FrozenError) Unwrap() error { return ErrContextFrozen }

// MetadataError represents an error that occurred during Metadata operations.
// It provides context about which key and operation caused the error.
type MetadataError struct {
	// Key is the metadata key that was involved in the failed operation.
	Key string

	// Operation describes what operation was being performed when the error occurred.
	Operation string

	// Err is the underlying error that caused the operation to fail.
	Err error
}

// Error implements the error interface for MetadataError.
func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata error: operation=%s, key=%s, err=%v", e.Operation, e.Key, e.Err)
}

// Unwrap returns the underlying error, supporting Go 1.13+ error unwrapping.
func (e *MetadataError) Unwrap() error { return e.Err }

// NewMetadataError creates a new MetadataError with the given details.
func NewMetadataError(key, operation string, err error) *MetadataError {
	return &MetadataError{
		Key:       key,
		Operation: operation,
		Err:       err,
	}
}
