package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidArgument, "InvalidArgument"},
		{ErrNotFound, "NotFound"},
		{ErrAlreadyExists, "AlreadyExists"},
		{ErrAddressConflict, "AddressConflict"},
		{ErrPrivilege, "Privilege"},
		{ErrKernel, "KernelError"},
		{ErrResourceExhausted, "ResourceExhausted"},
		{ErrTimeout, "Timeout"},
		{context.DeadlineExceeded, "Timeout"},
		{errors.New("who knows"), "Internal"},
		{fmt.Errorf("topo: add device: %w", ErrAlreadyExists), "AlreadyExists"},
	}

	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestKernelErrorUnwrap(t *testing.T) {
	ke := NewKernelError("netns add", "File exists", errors.New("exit status 1"))
	if !errors.Is(ke, ErrKernel) {
		t.Errorf("KernelError should unwrap to ErrKernel")
	}
	if Kind(ke) != "KernelError" {
		t.Errorf("Kind(KernelError) = %q, want KernelError", Kind(ke))
	}

	perm := NewKernelError("netns add", "", os.ErrPermission)
	if !errors.Is(perm, ErrPrivilege) {
		t.Errorf("permission failure should unwrap to ErrPrivilege")
	}
}

func TestInternalErrorCorrelation(t *testing.T) {
	ie := NewInternalError(errors.New("nil session in table"))
	if ie.CorrelationID == "" {
		t.Fatal("correlation id not set")
	}
	if !errors.Is(ie, ErrInternal) {
		t.Error("InternalError should unwrap to ErrInternal")
	}
}
