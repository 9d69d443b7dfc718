package remote

import (
	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/fserr"
	"github.com/any-hub/fileproxy/internal/transfer"
)

// RPC 路由，均为 POST + JSON。
const (
	OpVersion = "version"
	OpOpen    = "open"
	OpRead    = "read"
	OpWrite   = "write"
	OpDelete  = "delete"

	// RoutePrefix 是 RPC 路由前缀。
	RoutePrefix = "/rpc/"
)

// PathRequest carries the path of version and delete calls.
type PathRequest struct {
	Path string `json:"path"`
}

// OpenRequest carries an open-check.
type OpenRequest struct {
	Path string           `json:"path"`
	Mode backing.OpenMode `json:"mode"`
}

// ReadRequest is the wire form of backing.ReadRequest.
type ReadRequest struct {
	Path         string           `json:"path"`
	Offset       int64            `json:"offset"`
	MaxLen       int              `json:"max_len"`
	Mode         backing.OpenMode `json:"mode"`
	CapacityHint int64            `json:"capacity_hint"`
}

// WriteRequest carries one chunk of the write path.
type WriteRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Offset  int64  `json:"offset"`
}

// Result 是标量结果：非负为有效值，负数为错误码；open 以目录哨兵表示目录。
type Result struct {
	Value int64 `json:"value"`
}

// ToBacking converts r into the store-side request.
func (r ReadRequest) ToBacking() backing.ReadRequest {
	return backing.ReadRequest{
		Path:         r.Path,
		Offset:       r.Offset,
		MaxLen:       r.MaxLen,
		Mode:         r.Mode,
		CapacityHint: r.CapacityHint,
	}
}

// FromBacking converts a store-side request into its wire form.
func FromBacking(req backing.ReadRequest) ReadRequest {
	return ReadRequest{
		Path:         req.Path,
		Offset:       req.Offset,
		MaxLen:       req.MaxLen,
		Mode:         req.Mode,
		CapacityHint: req.CapacityHint,
	}
}

// ValueResult encodes a scalar outcome.
func ValueResult(v int64, err error) Result {
	if err != nil {
		return Result{Value: fserr.Status(err)}
	}
	return Result{Value: v}
}

// OpenResult encodes an open-check outcome.
func OpenResult(info backing.OpenInfo, err error) Result {
	switch {
	case err != nil:
		return Result{Value: fserr.Status(err)}
	case info.Directory:
		return Result{Value: transfer.DirectorySize}
	}
	return Result{Value: info.Length}
}
