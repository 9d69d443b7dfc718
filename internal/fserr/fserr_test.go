package fserr

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"
)

func TestErrorMatchesCode(t *testing.T) {
	err := fmt.Errorf("open: %w", New("open", "/a", NotFound))
	if !errors.Is(err, NotFound) {
		t.Fatalf("wrapped error should match NotFound: %v", err)
	}
	if errors.Is(err, BadHandle) {
		t.Fatalf("wrapped error should not match BadHandle")
	}
	if CodeOf(err) != NotFound {
		t.Fatalf("unexpected code %v", CodeOf(err))
	}
}

func TestCodeOfFilesystemErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, OK},
		{"not exist", &os.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, NotFound},
		{"exist", fs.ErrExist, AlreadyExists},
		{"permission", fs.ErrPermission, PermissionDenied},
		{"is dir", &os.PathError{Op: "open", Path: "x", Err: syscall.EISDIR}, IsDirectory},
		{"no space", syscall.ENOSPC, OutOfSpace},
		{"bare code", OutOfSpace, OutOfSpace},
		{"unknown", errors.New("boom"), PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Fatalf("CodeOf(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestStatusRoundTrip(t *testing.T) {
	status := Status(New("read", "/a", IsDirectory))
	if status != -21 {
		t.Fatalf("unexpected status %d", status)
	}
	err := FromStatus("read", "/a", status)
	if !errors.Is(err, IsDirectory) {
		t.Fatalf("expected IsDirectory, got %v", err)
	}
	if FromStatus("read", "/a", 42) != nil {
		t.Fatalf("non-negative status must not be an error")
	}
	if !errors.Is(FromStatus("read", "/a", -999), PermissionDenied) {
		t.Fatalf("unknown status should degrade to PermissionDenied")
	}
}

func TestWrapDerivesCode(t *testing.T) {
	err := Wrap("rename", "/a", OK, fs.ErrNotExist)
	if err.Code != NotFound {
		t.Fatalf("expected derived NotFound, got %v", err.Code)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("cause must stay reachable")
	}
}
