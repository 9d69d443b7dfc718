// Package backing defines the contract of the authoritative file store the
// proxy synchronizes with, plus DirStore, the implementation served by the
// store role. Every method reports failures as fserr codes so they can be
// carried in-band by the transfer protocol.
package backing

import (
	"context"
	"fmt"
	"strings"

	"github.com/any-hub/fileproxy/internal/fserr"
)

// OpenMode 描述打开意图，决定存在性校验规则。
type OpenMode string

const (
	// ModeRead requires the path to exist.
	ModeRead OpenMode = "read"
	// ModeWrite requires the path to exist and not be a directory.
	ModeWrite OpenMode = "write"
	// ModeCreate creates an empty file when the path is absent.
	ModeCreate OpenMode = "create"
	// ModeCreateNew requires the path to be absent and creates it.
	ModeCreateNew OpenMode = "create_new"
)

// ParseMode normalizes a textual mode.
func ParseMode(raw string) (OpenMode, error) {
	mode := OpenMode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case ModeRead, ModeWrite, ModeCreate, ModeCreateNew:
		return mode, nil
	}
	return "", fserr.Wrap("open", "", fserr.InvalidArgument, fmt.Errorf("unsupported open mode %q", raw))
}

// ReadOnly reports whether the mode forbids writes on the handle.
func (m OpenMode) ReadOnly() bool {
	return m == ModeRead
}

// Valid reports whether m is one of the known modes.
func (m OpenMode) Valid() bool {
	_, err := ParseMode(string(m))
	return err == nil
}

// OpenInfo 是 OpenCheck 的结果：文件长度或目录标记。
type OpenInfo struct {
	Length    int64
	Directory bool
}

// ReadRequest describes one chunk request of the read path. Offset 0 also
// performs the open-check for Mode and rejects files longer than
// CapacityHint.
type ReadRequest struct {
	Path         string
	Offset       int64
	MaxLen       int
	Mode         OpenMode
	CapacityHint int64
}

// ReadResult carries one chunk of content. Directory is set instead of
// content when the target is a directory.
type ReadResult struct {
	Content   []byte
	Continues bool
	Directory bool
}

// Store 是代理消费的权威存储接口，各方法返回的错误均为 fserr 分类码。
type Store interface {
	// Version returns the last-modified stamp of path in unix nanoseconds,
	// or 0 when the path does not exist.
	Version(ctx context.Context, path string) (int64, error)

	// OpenCheck validates path against mode, creating it for the create
	// modes, and reports its length or the directory marker.
	OpenCheck(ctx context.Context, path string, mode OpenMode) (OpenInfo, error)

	// ReadChunk returns at most req.MaxLen bytes starting at req.Offset.
	ReadChunk(ctx context.Context, req ReadRequest) (ReadResult, error)

	// WriteChunk writes content at offset and returns the bytes written,
	// which may be fewer than len(content).
	WriteChunk(ctx context.Context, path string, content []byte, offset int64) (int, error)

	// Delete removes a regular file.
	Delete(ctx context.Context, path string) error
}
