// Package proxy implements the per-session file-operation API. A Service
// composes the shared cache.Store with a transfer.Conn to the backing store;
// each connected client gets a Session whose handles resolve to local
// replicas. Opens are validated against the backing store's version stamp,
// and writers flush on close, which together give close-to-open consistency.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/cache"
	"github.com/any-hub/fileproxy/internal/fserr"
	"github.com/any-hub/fileproxy/internal/logging"
	"github.com/any-hub/fileproxy/internal/metrics"
	"github.com/any-hub/fileproxy/internal/transfer"
)

// maxOpenAttempts 限制规范副本被并发替换时的重试次数。
const maxOpenAttempts = 4

// Options 汇总 Service 依赖。
type Options struct {
	Cache   *cache.Store
	Conn    *transfer.Conn
	Logger  *logrus.Logger
	Metrics *metrics.Registry
}

// Service 是代理文件服务，所有会话共享同一个缓存与远端连接。
type Service struct {
	cache   *cache.Store
	conn    *transfer.Conn
	logger  *logrus.Logger
	metrics *metrics.Registry

	nextHandle atomic.Uint64
	fetches    singleflight.Group
}

// NewService validates opts and builds a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Conn == nil {
		return nil, errors.New("backing store connection is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		cache:   opts.Cache,
		conn:    opts.Conn,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Cache exposes the shared store, mainly for diagnostics.
func (s *Service) Cache() *cache.Store {
	return s.cache
}

// NewSession starts a session with a fresh random id.
func (s *Service) NewSession() *Session {
	s.metrics.SessionOpened()
	return &Session{
		id:      uuid.NewString(),
		svc:     s,
		handles: make(map[uint64]*handle),
	}
}

// open 解析 path 对应的本地副本：快照命中 → 新鲜度检查 → 拉取 → 准入。
func (s *Service) open(ctx context.Context, path string, mode backing.OpenMode) (*handle, error) {
	if !mode.Valid() {
		return nil, fserr.New("open", path, fserr.InvalidArgument)
	}
	key, err := cache.ResolvePath("open", path)
	if err != nil {
		return nil, err
	}
	id := s.nextHandle.Add(1)

	version, err := s.conn.Version(ctx, key)
	if err != nil {
		return nil, err
	}

	if mode.ReadOnly() {
		if snap := s.cache.AttachSnapshot(key, version); snap != nil {
			s.metrics.RecordLookup("snapshot_hit")
			return s.attach(id, key, mode, snap)
		}
	}

	for attempt := 0; attempt < maxOpenAttempts; attempt++ {
		canon, fresh := s.cache.Lookup(key, version)
		if mode == backing.ModeCreateNew {
			fresh = false
		}
		if fresh {
			s.metrics.RecordLookup("fresh")
		} else {
			s.metrics.RecordLookup("stale")
			stale := canon
			if canon, err = s.fetch(ctx, key, mode, version, id); err != nil {
				if stale != nil {
					s.cache.RecordError(stale, err)
				}
				return nil, err
			}
		}

		if canon.Dir {
			if mode == backing.ModeWrite {
				return nil, fserr.New("open", key, fserr.IsDirectory)
			}
			return &handle{id: id, path: key, mode: mode, entry: canon, dir: true}, nil
		}

		entry, err := s.cache.Checkout(canon, id, mode)
		if errors.Is(err, cache.ErrStale) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.attach(id, key, mode, entry)
	}
	return nil, fserr.Wrap("open", key, fserr.Busy, fmt.Errorf("canonical replica kept changing after %d attempts", maxOpenAttempts))
}

// fetch 刷新规范副本。相同路径与模式的并发拉取合并为一次传输；create_new
// 的存在性校验必须逐个调用方执行，不参与合并。
func (s *Service) fetch(ctx context.Context, key string, mode backing.OpenMode, version int64, id uint64) (*cache.Entry, error) {
	if mode == backing.ModeCreateNew {
		return s.fetchOnce(ctx, key, mode, version, id)
	}
	flightKey := fmt.Sprintf("%s|%d|%s", mode, version, key)
	v, err, shared := s.fetches.Do(flightKey, func() (interface{}, error) {
		return s.fetchOnce(ctx, key, mode, version, id)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.WithFields(logging.OpFields("transfer_fetch_shared", key, id)).Debug("joined in-flight fetch")
	}
	return v.(*cache.Entry), nil
}

func (s *Service) fetchOnce(ctx context.Context, key string, mode backing.OpenMode, version int64, id uint64) (*cache.Entry, error) {
	fsys := s.cache.Fs()
	tmp := s.cache.FetchPath(key, id)
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fserr.Wrap("open", key, fserr.OK, err)
	}

	res, err := s.conn.Fetch(ctx, key, mode, s.cache.Capacity(), f)
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = fserr.Wrap("open", key, fserr.OK, closeErr)
	}
	if err != nil {
		_ = fsys.Remove(tmp)
		if errors.Is(err, fserr.NotFound) {
			s.cache.Forget(key)
		}
		if errors.Is(err, fserr.OutOfSpace) {
			s.metrics.RecordAdmissionFailure()
		}
		s.logger.WithFields(logging.OpFields("transfer_fetch", key, id)).
			WithField("mode", string(mode)).
			WithError(err).Debug("fetch failed")
		return nil, err
	}

	if version == 0 {
		// 创建模式下远端文件刚被创建，重新获取版本戳。
		if v, verr := s.conn.Version(ctx, key); verr == nil {
			version = v
		}
	}
	if res.Directory {
		_ = fsys.Remove(tmp)
		return s.cache.MarkDirectory(key, version), nil
	}
	return s.cache.Install(key, tmp, version)
}

// attach 为已解析的副本打开本地文件并构造 handle。
func (s *Service) attach(id uint64, key string, mode backing.OpenMode, entry *cache.Entry) (*handle, error) {
	flags := os.O_RDONLY
	if !mode.ReadOnly() {
		flags = os.O_RDWR
	}
	f, err := s.cache.Fs().OpenFile(entry.LocalPath, flags, 0o644)
	if err != nil {
		_ = s.release(entry, !mode.ReadOnly())
		return nil, fserr.Wrap("open", key, fserr.OK, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = s.release(entry, !mode.ReadOnly())
		return nil, fserr.Wrap("open", key, fserr.OK, err)
	}
	return &handle{
		id:    id,
		path:  key,
		mode:  mode,
		entry: entry,
		file:  f,
		size:  info.Size(),
	}, nil
}

// release 归还未能交给调用方的副本。
func (s *Service) release(entry *cache.Entry, writable bool) error {
	if writable {
		return s.cache.Discard(entry)
	}
	return s.cache.ReconcileOnClose(entry, 0)
}

// close 结束一个句柄；keep 为 true 表示刷写失败、句柄保持打开。
// 写句柄在刷写期间持有 h.mu，刷写的字节与提交的副本一致。
func (s *Service) close(ctx context.Context, h *handle) (keep bool, err error) {
	if h.dir || h.mode.ReadOnly() {
		return false, s.drop(h)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, fserr.New("close", h.path, fserr.BadHandle)
	}

	if _, err := s.conn.Flush(ctx, h.path, io.NewSectionReader(h.file, 0, h.size)); err != nil {
		s.cache.RecordError(h.entry, err)
		s.logger.WithFields(logging.OpFields("close_flush_failed", h.path, h.id)).
			WithError(err).Warn("flush failed, handle stays open")
		return true, err
	}
	h.closed = true

	version, verr := s.conn.Version(ctx, h.path)
	if verr != nil {
		// 版本未知时以 0 登记，下次打开必然重新校验。
		s.logger.WithFields(logging.OpFields("close_version_failed", h.path, h.id)).
			WithError(verr).Warn("version query after flush failed")
		version = 0
	}

	closeErr := h.file.Close()
	if err := s.cache.ReconcileOnClose(h.entry, version); err != nil {
		return false, err
	}
	if closeErr != nil {
		return false, fserr.Wrap("close", h.path, fserr.OK, closeErr)
	}
	s.logger.WithFields(logging.OpFields("close", h.path, h.id)).
		WithField("size", h.size).
		Debug("working copy committed")
	return false, nil
}

// drop 在不刷写的情况下释放句柄：只读副本对账，写副本丢弃。重复调用无副作用。
func (s *Service) drop(h *handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.dir {
		return nil
	}
	var closeErr error
	if h.file != nil {
		closeErr = h.file.Close()
	}
	var err error
	if h.mode.ReadOnly() {
		err = s.cache.ReconcileOnClose(h.entry, 0)
	} else {
		err = s.cache.Discard(h.entry)
	}
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fserr.Wrap("close", h.path, fserr.OK, closeErr)
	}
	return nil
}
