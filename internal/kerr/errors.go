// Package kerr defines the error taxonomy shared by the async runtime, the
// synthesis orchestrator and the storage tiers.
package kerr

import (
	"errors"
	"fmt"
)

var (
	ErrInputNull    = errors.New("required input missing")
	ErrInputRange   = errors.New("input out of range")
	ErrInvalidState = errors.New("invalid state")
	ErrQueueFull    = errors.New("queue full")
	ErrTimeout      = errors.New("timed out")
	ErrCancelled    = errors.New("cancelled")
	ErrSystemMemory = errors.New("out of memory")
	ErrBackend      = errors.New("backend failure")
)

// Numeric codes reported at the HTTP/MCP edges.
const (
	CodeSuccess      = 0
	CodeInputNull    = -100
	CodeInputRange   = -101
	CodeInvalidState = -102
	CodeSystemMemory = -200
	CodeBackend      = -300
	CodeQueueFull    = -500
	CodeCancelled    = -501
	CodeTimeout      = -502
	CodeUnknown      = -999
)

// Code maps err onto its numeric code. A nil error is CodeSuccess.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrInputNull):
		return CodeInputNull
	case errors.Is(err, ErrInputRange):
		return CodeInputRange
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrSystemMemory):
		return CodeSystemMemory
	case errors.Is(err, ErrBackend):
		return CodeBackend
	default:
		return CodeUnknown
	}
}

// OperationError is stored on a rejected promise.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("Operation failed: %s", e.Op)
	}
	return fmt.Sprintf("Operation failed: %s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
