// Package util provides logging, error taxonomy, and address helpers shared
// across the emulator.
package util

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Sentinel errors forming the operation error taxonomy. Every error returned
// across the control surface unwraps to exactly one of these.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("resource not found")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrAddressConflict   = errors.New("address conflict")
	ErrPrivilege         = errors.New("insufficient privileges")
	ErrKernel            = errors.New("kernel operation failed")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTimeout           = errors.New("operation timed out")
	ErrInternal          = errors.New("internal error")
)

// Kind returns the wire-level kind string for an error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrAddressConflict):
		return "AddressConflict"
	case errors.Is(err, ErrPrivilege):
		return "Privilege"
	case errors.Is(err, ErrKernel):
		return "KernelError"
	case errors.Is(err, ErrResourceExhausted):
		return "ResourceExhausted"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "Internal"
	}
}

// KernelError wraps a failed kernel call with the command context that
// produced it. Unwraps to ErrKernel, or ErrPrivilege when the underlying
// failure is a permission error.
type KernelError struct {
	Op     string // e.g. "netns add", "qdisc replace"
	Detail string // kernel/stderr detail
	Err    error
}

func (e *KernelError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *KernelError) Unwrap() error {
	if errors.Is(e.Err, os.ErrPermission) {
		return ErrPrivilege
	}
	return ErrKernel
}

// NewKernelError creates a KernelError for a failed kernel operation.
func NewKernelError(op, detail string, err error) *KernelError {
	return &KernelError{Op: op, Detail: detail, Err: err}
}

// InternalError is a bug indicator. It carries a correlation id that is also
// written to the log so a wire-level error can be matched to server logs.
type InternalError struct {
	CorrelationID string
	Err           error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error [%s]: %v", e.CorrelationID, e.Err)
}

func (e *InternalError) Unwrap() error { return ErrInternal }

// NewInternalError wraps a bug with a fresh correlation id and logs it.
func NewInternalError(err error) *InternalError {
	id := uuid.NewString()[:8]
	Logger.WithField("correlation_id", id).Error(err)
	return &InternalError{CorrelationID: id, Err: err}
}
