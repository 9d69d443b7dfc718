package transfer

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/fserr"
	"github.com/any-hub/fileproxy/internal/metrics"
)

const (
	// DefaultMaxChunkSize 是读路径单次请求上限。
	DefaultMaxChunkSize = 100000
	// DefaultWriteChunkSize 是写路径单次发送的字节数。
	DefaultWriteChunkSize = 8 * 1024
)

// Options 配置单个连接的分块参数。
type Options struct {
	MaxChunkSize   int
	WriteChunkSize int
	Logger         *logrus.Logger
	Metrics        *metrics.Registry
}

// Conn 包装一条到权威存储的连接，mu 保证同一时刻只进行一段多分块会话。
type Conn struct {
	mu    sync.Mutex
	store backing.Store

	maxChunk   int
	writeChunk int
	logger     *logrus.Logger
	metrics    *metrics.Registry
}

// NewConn wraps store with the chunking parameters in opts.
func NewConn(store backing.Store, opts Options) *Conn {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.WriteChunkSize <= 0 {
		opts.WriteChunkSize = DefaultWriteChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Conn{
		store:      store,
		maxChunk:   opts.MaxChunkSize,
		writeChunk: opts.WriteChunkSize,
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

// FetchResult 描述一次读路径传输的结果。
type FetchResult struct {
	Size      int64
	Chunks    int
	Directory bool
}

// Version queries the remote version stamp of path.
func (c *Conn) Version(ctx context.Context, path string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Version(ctx, path)
}

// Delete removes path from the backing store.
func (c *Conn) Delete(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(ctx, path)
}

// Fetch streams path into dst. The offset-0 request carries the open-check for
// mode and the capacity hint, so a missing, mismatched or oversized file fails
// before any byte is written to dst.
func (c *Conn) Fetch(ctx context.Context, path string, mode backing.OpenMode, capacity int64, dst io.Writer) (FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunk := ChunkSize(c.maxChunk, capacity)
	var result FetchResult
	for {
		res, err := c.store.ReadChunk(ctx, backing.ReadRequest{
			Path:         path,
			Offset:       result.Size,
			MaxLen:       chunk,
			Mode:         mode,
			CapacityHint: capacity,
		})
		if err != nil {
			return result, err
		}
		if res.Directory {
			if result.Size != 0 {
				return result, fserr.New("read", path, fserr.IsDirectory)
			}
			result.Directory = true
			return result, nil
		}
		if len(res.Content) > chunk {
			return result, fserr.New("read", path, fserr.InvalidArgument)
		}
		if len(res.Content) == 0 && res.Continues {
			return result, fserr.New("read", path, fserr.InvalidArgument)
		}
		if capacity > 0 && result.Size+int64(len(res.Content)) > capacity {
			// 文件在传输期间增长超过容量。
			return result, fserr.New("read", path, fserr.OutOfSpace)
		}

		if len(res.Content) > 0 {
			n, err := dst.Write(res.Content)
			result.Size += int64(n)
			if err == nil && n < len(res.Content) {
				err = io.ErrShortWrite
			}
			if err != nil {
				return result, fserr.Wrap("read", path, fserr.OK, err)
			}
		}
		result.Chunks++
		c.metrics.RecordChunk("read", len(res.Content))

		if !res.Continues {
			break
		}
	}

	c.logger.WithFields(logrus.Fields{
		"action": "transfer_fetch",
		"path":   path,
		"mode":   string(mode),
		"size":   humanize.IBytes(uint64(result.Size)),
		"chunks": result.Chunks,
	}).Debug("fetch complete")
	return result, nil
}

// Flush sends src to path from offset 0 in WriteChunkSize pieces. Short writes
// resend the remainder; a store reporting no progress fails the flush.
func (c *Conn) Flush(ctx context.Context, path string, src io.Reader) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, c.writeChunk)
	var offset int64
	chunks := 0
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			sent := 0
			for sent < n {
				w, err := c.store.WriteChunk(ctx, path, buf[sent:n], offset)
				if err != nil {
					return offset, err
				}
				if w <= 0 || w > n-sent {
					return offset, fserr.New("write", path, fserr.InvalidArgument)
				}
				sent += w
				offset += int64(w)
				chunks++
				c.metrics.RecordChunk("write", w)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			return offset, fserr.Wrap("write", path, fserr.OK, readErr)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"action": "transfer_flush",
		"path":   path,
		"size":   humanize.IBytes(uint64(offset)),
		"chunks": chunks,
	}).Debug("flush complete")
	return offset, nil
}
