// Package fserr defines the POSIX-like error taxonomy shared by the proxy,
// the transfer protocol and the backing store. Codes are negative integers so
// they can travel in-band inside chunk sizes and RPC results.
package fserr

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Code 是错误分类码，数值与 errno 取反一致，便于在线协议中直接传输。
type Code int

const (
	OK               Code = 0
	PermissionDenied Code = -1
	NotFound         Code = -2
	BadHandle        Code = -9
	OutOfSpace       Code = -12
	Busy             Code = -16
	AlreadyExists    Code = -17
	IsDirectory      Code = -21
	InvalidArgument  Code = -22
)

var codeNames = map[Code]string{
	OK:               "ok",
	PermissionDenied: "permission_denied",
	NotFound:         "not_found",
	BadHandle:        "bad_handle",
	OutOfSpace:       "out_of_space",
	Busy:             "busy",
	AlreadyExists:    "already_exists",
	IsDirectory:      "is_directory",
	InvalidArgument:  "invalid_argument",
}

// Error makes Code usable as a sentinel: errors.Is(err, fserr.NotFound).
func (c Code) Error() string {
	return c.String()
}

// String returns the snake_case name used in logs and HTTP payloads.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Known reports whether c belongs to the taxonomy.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok && c != OK
}

// Error 携带操作名、逻辑路径与底层原因，Is 按 Code 匹配。
type Error struct {
	Op   string
	Path string
	Code Code
	Err  error
}

// New builds an *Error for op on path with the given code.
func New(op, path string, code Code) *Error {
	return &Error{Op: op, Path: path, Code: code}
}

// Wrap attaches a cause; the code is derived from the cause when code is OK.
func Wrap(op, path string, code Code, err error) *Error {
	if code == OK {
		code = CodeOf(err)
	}
	return &Error{Op: op, Path: path, Code: code, Err: err}
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches both taxonomy codes and other *Error values with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Code:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// CodeOf 将任意错误归类为最接近的分类码；nil 返回 OK。
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	var code Code
	if errors.As(err, &code) {
		return code
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	case errors.Is(err, fs.ErrExist):
		return AlreadyExists
	case errors.Is(err, fs.ErrPermission):
		return PermissionDenied
	case errors.Is(err, fs.ErrInvalid):
		return InvalidArgument
	case errors.Is(err, syscall.EISDIR):
		return IsDirectory
	case errors.Is(err, syscall.ENOSPC):
		return OutOfSpace
	case errors.Is(err, syscall.EBUSY):
		return Busy
	}
	return PermissionDenied
}

// Status encodes err as the negative in-band integer used on the wire.
func Status(err error) int64 {
	return int64(CodeOf(err))
}

// FromStatus decodes a negative wire integer; non-negative values yield nil.
func FromStatus(op, path string, status int64) error {
	if status >= 0 {
		return nil
	}
	code := Code(status)
	if !code.Known() {
		return &Error{Op: op, Path: path, Code: PermissionDenied, Err: fmt.Errorf("unknown status %d", status)}
	}
	return New(op, path, code)
}
