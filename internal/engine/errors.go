package engine

import (
	"errors"
	"fmt"
)

// ControllerError is a fatal condition that stopped a run in StateFatal.
//
// Truncated outputs and budget exhaustion are not errors; they never produce
// a ControllerError.
type ControllerError struct {
	// Code identifies the error category.
	Code ControllerErrorCode

	// Message is a human-readable description.
	Message string

	// Index is the iteration being attempted, or -1 before the loop started.
	Index int

	// Path names the file involved, if any.
	Path string

	// Err is the underlying cause.
	Err error
}

// ControllerErrorCode categorizes fatal controller errors.
type ControllerErrorCode string

const (
	// ErrCodeMissingOutput indicates the solver produced no output file.
	ErrCodeMissingOutput ControllerErrorCode = "MISSING_OUTPUT"

	// ErrCodeShapeMismatch indicates the density matrix length is not a
	// multiple of side².
	ErrCodeShapeMismatch ControllerErrorCode = "SHAPE_MISMATCH"

	// ErrCodeMalformedInput indicates the input lacks a required key or
	// cannot be parsed.
	ErrCodeMalformedInput ControllerErrorCode = "MALFORMED_INPUT"

	// ErrCodeResidualMissing indicates a finished output without an SCF
	// residual history.
	ErrCodeResidualMissing ControllerErrorCode = "RESIDUAL_MISSING"

	// ErrCodeExtractionFailed indicates the output could not be read at all.
	ErrCodeExtractionFailed ControllerErrorCode = "EXTRACTION_FAILED"

	// ErrCodeSolverFailed indicates the solver process could not be started.
	ErrCodeSolverFailed ControllerErrorCode = "SOLVER_FAILED"

	// ErrCodeArchiveFailed indicates an artifact could not be archived or
	// the input could not be rewritten.
	ErrCodeArchiveFailed ControllerErrorCode = "ARCHIVE_FAILED"
)

// Error implements the error interface.
func (e *ControllerError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Index >= 0 {
		msg += fmt.Sprintf(" (index=%d)", e.Index)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ControllerError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the first ControllerError in err's chain, or
// "" if there is none.
func ErrorCode(err error) ControllerErrorCode {
	var ce *ControllerError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsMissingOutput returns true if the solver produced no output.
// Uses errors.As to handle wrapped errors.
func IsMissingOutput(err error) bool {
	return ErrorCode(err) == ErrCodeMissingOutput
}

// IsShapeMismatch returns true if a density matrix could not be reshaped.
func IsShapeMismatch(err error) bool {
	return ErrorCode(err) == ErrCodeShapeMismatch
}

// NewMissingOutputError creates a ControllerError for an absent output file.
func NewMissingOutputError(index int, path string) *ControllerError {
	return &ControllerError{
		Code:    ErrCodeMissingOutput,
		Message: "solver finished without writing an output file",
		Index:   index,
		Path:    path,
	}
}

func newError(code ControllerErrorCode, index int, path, message string, err error) *ControllerError {
	return &ControllerError{
		Code:    code,
		Message: message,
		Index:   index,
		Path:    path,
		Err:     err,
	}
}
