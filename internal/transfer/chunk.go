// Package transfer implements the chunked exchange between the proxy and the
// backing store: the wire chunk format, the read path that streams a remote
// file into the cache and the write path that flushes a working copy back.
// A Conn serializes whole conversations so that concurrent sessions never
// interleave their offset sequences on one backing-store connection.
package transfer

import (
	"math"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/fserr"
)

// DirectorySize 是目录哨兵值，出现在 Chunk.Size 中表示目标为目录。
const DirectorySize = math.MinInt32

// Chunk is the wire form of one read reply. A negative Size encodes an error
// code, DirectorySize marks a directory, and a zero Size without Continues
// signals end of stream.
type Chunk struct {
	Size      int    `json:"size"`
	Content   []byte `json:"content,omitempty"`
	Continues bool   `json:"continues"`
}

// EncodeRead converts a ReadChunk outcome into its wire form.
func EncodeRead(res backing.ReadResult, err error) Chunk {
	if err != nil {
		return Chunk{Size: int(fserr.Status(err))}
	}
	if res.Directory {
		return Chunk{Size: DirectorySize}
	}
	return Chunk{
		Size:      len(res.Content),
		Content:   res.Content,
		Continues: res.Continues,
	}
}

// DecodeRead is the inverse of EncodeRead.
func DecodeRead(path string, c Chunk) (backing.ReadResult, error) {
	switch {
	case c.Size == DirectorySize:
		return backing.ReadResult{Directory: true}, nil
	case c.Size < 0:
		return backing.ReadResult{}, fserr.FromStatus("read", path, int64(c.Size))
	case c.Size > len(c.Content):
		return backing.ReadResult{}, fserr.New("read", path, fserr.InvalidArgument)
	}
	return backing.ReadResult{
		Content:   c.Content[:c.Size],
		Continues: c.Continues,
	}, nil
}

// IsDirectory reports whether c carries the directory sentinel.
func (c Chunk) IsDirectory() bool {
	return c.Size == DirectorySize
}

// EndOfStream reports whether c terminates the read exchange.
func (c Chunk) EndOfStream() bool {
	return c.Size == 0 && !c.Continues
}

// ChunkSize returns the read request size: the lesser of maxChunk and a tenth
// of the cache capacity, never below one byte.
func ChunkSize(maxChunk int, capacity int64) int {
	size := int64(maxChunk)
	if tenth := capacity / 10; size <= 0 || tenth < size {
		size = tenth
	}
	if size < 1 {
		size = 1
	}
	return int(size)
}
