package cache

import (
	"github.com/any-hub/fileproxy/internal/fserr"
)

// Entry 描述一个缓存副本的元数据，所有可变字段仅在 Store.mu 持有时修改。
type Entry struct {
	Path      string     `json:"path"`
	LocalPath string     `json:"local_path"`
	Dir       bool       `json:"dir"`
	ReadOnly  bool       `json:"read_only"`
	Readers   int        `json:"readers"`
	Version   int64      `json:"version"`
	Size      int64      `json:"size"`
	Err       fserr.Code `json:"err,omitempty"`

	// Handle 为 0 表示规范副本，否则为创建该副本的句柄。
	Handle uint64 `json:"handle,omitempty"`

	tracked  bool
	unlinked bool
	// reserved 是会话副本占用的容量份额。
	reserved int64
}

// Canonical reports whether e is the canonical replica of its path.
func (e *Entry) Canonical() bool {
	return e.Handle == 0
}

// Snapshot reports whether e is a read-only per-session copy.
func (e *Entry) Snapshot() bool {
	return e.Handle != 0 && e.ReadOnly
}
