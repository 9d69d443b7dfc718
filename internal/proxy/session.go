package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/cache"
	"github.com/any-hub/fileproxy/internal/fserr"
	"github.com/any-hub/fileproxy/internal/logging"
)

// Whence 与 io.Seek* 对应。
type Whence int

const (
	SeekStart Whence = iota
	SeekCurrent
	SeekEnd
)

// ParseWhence accepts "start", "current" and "end".
func ParseWhence(raw string) (Whence, error) {
	switch raw {
	case "", "start":
		return SeekStart, nil
	case "current":
		return SeekCurrent, nil
	case "end":
		return SeekEnd, nil
	}
	return 0, fserr.New("seek", "", fserr.InvalidArgument)
}

// handle 绑定一个本地副本，pos/size/closed 由 mu 保护。
type handle struct {
	id    uint64
	path  string
	mode  backing.OpenMode
	entry *cache.Entry
	dir   bool
	file  afero.File

	mu      sync.Mutex
	pos     int64
	size    int64
	closed  bool
	closing bool
}

func (h *handle) read(buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fserr.New("read", h.path, fserr.BadHandle)
	}
	n, err := h.file.ReadAt(buf, h.pos)
	h.pos += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fserr.Wrap("read", h.path, fserr.OK, err)
	}
	return n, nil
}

// write 先为超出 size 的部分预留容量，写入后按实际长度提交 size 并退还多余预留。
func (h *handle) write(c *cache.Store, buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fserr.New("write", h.path, fserr.BadHandle)
	}
	end := h.pos + int64(len(buf))
	var grown int64
	if end > h.size {
		grown = end - h.size
		if err := c.Grow(h.entry, grown); err != nil {
			return 0, err
		}
	}
	n, err := h.file.WriteAt(buf, h.pos)
	h.pos += int64(n)
	if n > 0 && h.pos > h.size {
		h.size = h.pos
	}
	if unused := end - h.size; grown > 0 && unused > 0 {
		c.Shrink(h.entry, unused)
	}
	if err != nil {
		return n, fserr.Wrap("write", h.path, fserr.OK, err)
	}
	return n, nil
}

func (h *handle) seek(offset int64, whence Whence) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fserr.New("seek", h.path, fserr.BadHandle)
	}
	var pos int64
	switch whence {
	case SeekStart:
		pos = offset
	case SeekCurrent:
		pos = h.pos + offset
	case SeekEnd:
		pos = h.size + offset
	default:
		return 0, fserr.New("seek", h.path, fserr.InvalidArgument)
	}
	if pos < 0 {
		return 0, fserr.New("seek", h.path, fserr.InvalidArgument)
	}
	h.pos = pos
	return pos, nil
}

// Session 是单个客户端连接的句柄表。
type Session struct {
	id  string
	svc *Service

	mu      sync.Mutex
	handles map[uint64]*handle
	ended   bool
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Handles returns the number of open handles.
func (s *Session) Handles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Open resolves path under mode and returns a new handle id.
func (s *Session) Open(ctx context.Context, path string, mode backing.OpenMode) (uint64, error) {
	h, err := s.svc.open(ctx, path, mode)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		_ = s.svc.drop(h)
		return 0, fserr.New("open", path, fserr.BadHandle)
	}
	s.handles[h.id] = h
	s.mu.Unlock()

	s.svc.metrics.HandleOpened()
	s.svc.logger.WithFields(logging.OpFields("open", h.path, h.id)).
		WithField("mode", string(mode)).
		Debug("handle opened")
	return h.id, nil
}

func (s *Session) lookup(op string, id uint64) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	if h == nil {
		return nil, fserr.New(op, "", fserr.BadHandle)
	}
	return h, nil
}

// Read fills buf from the current position; 0 bytes means end of file.
func (s *Session) Read(id uint64, buf []byte) (int, error) {
	h, err := s.lookup("read", id)
	if err != nil {
		return 0, err
	}
	if h.dir {
		return 0, fserr.New("read", h.path, fserr.IsDirectory)
	}
	if buf == nil {
		return 0, fserr.New("read", h.path, fserr.InvalidArgument)
	}
	return h.read(buf)
}

// Write writes buf at the current position. Growing past the end of the
// working copy is admitted against the cache capacity first.
func (s *Session) Write(id uint64, buf []byte) (int, error) {
	h, err := s.lookup("write", id)
	if err != nil {
		return 0, err
	}
	if h.dir {
		return 0, fserr.New("write", h.path, fserr.IsDirectory)
	}
	if h.mode.ReadOnly() {
		return 0, fserr.New("write", h.path, fserr.BadHandle)
	}
	if buf == nil {
		return 0, fserr.New("write", h.path, fserr.InvalidArgument)
	}
	return h.write(s.svc.cache, buf)
}

// Seek moves the position of handle id and returns the new position.
func (s *Session) Seek(id uint64, offset int64, whence Whence) (int64, error) {
	h, err := s.lookup("seek", id)
	if err != nil {
		return 0, err
	}
	if h.dir {
		return 0, fserr.New("seek", h.path, fserr.IsDirectory)
	}
	return h.seek(offset, whence)
}

// Close releases handle id. Write handles flush to the backing store first;
// a failed flush is reported and leaves the handle open.
func (s *Session) Close(ctx context.Context, id uint64) error {
	s.mu.Lock()
	h := s.handles[id]
	if h == nil || h.closing {
		s.mu.Unlock()
		return fserr.New("close", "", fserr.BadHandle)
	}
	h.closing = true
	s.mu.Unlock()

	keep, err := s.svc.close(ctx, h)

	s.mu.Lock()
	if keep && s.ended {
		// 会话已结束，刷写失败的副本无人再持有。
		keep = false
		if dropErr := s.svc.drop(h); dropErr != nil {
			err = multierror.Append(err, dropErr)
		}
	}
	if keep {
		h.closing = false
	} else {
		delete(s.handles, id)
	}
	s.mu.Unlock()

	if !keep {
		s.svc.metrics.HandleClosed()
	}
	return err
}

// Unlink deletes path on the backing store and then drops local replicas.
func (s *Session) Unlink(ctx context.Context, path string) error {
	key, err := cache.ResolvePath("unlink", path)
	if err != nil {
		return err
	}
	if err := s.svc.conn.Delete(ctx, key); err != nil {
		return err
	}
	s.svc.cache.Remove(key)
	s.svc.logger.WithFields(logging.OpFields("unlink", key, 0)).Debug("path unlinked")
	return nil
}

// End releases every handle of the session. Read handles reconcile, write
// handles that were never closed discard their working copy. Repeated calls
// are no-ops.
func (s *Session) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	pending := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		if !h.closing {
			pending = append(pending, h)
		}
	}
	s.handles = make(map[uint64]*handle)
	s.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })

	var result *multierror.Error
	for _, h := range pending {
		if err := s.svc.drop(h); err != nil {
			result = multierror.Append(result, fmt.Errorf("handle %d (%s): %w", h.id, h.path, err))
		}
		s.svc.metrics.HandleClosed()
	}
	s.svc.metrics.SessionClosed()

	fields := logging.OpFields("session_end", "", 0)
	fields["session"] = s.id
	fields["handles"] = len(pending)
	entry := s.svc.logger.WithFields(fields)
	if err := result.ErrorOrNil(); err != nil {
		entry.WithError(err).Warn("session ended with errors")
		return err
	}
	entry.Debug("session ended")
	return nil
}
