package cache

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/fserr"
	"github.com/any-hub/fileproxy/internal/metrics"
)

// ErrStale 表示规范副本在两次加锁之间被替换，调用方应重新查询。
var ErrStale = errors.New("canonical entry replaced")

// Options 配置 Store。
type Options struct {
	Dir      string
	Capacity int64
	Fs       afero.Fs
	Logger   *logrus.Logger
	Metrics  *metrics.Registry
}

// Store 管理规范副本 LRU 与会话副本，used 统计已跟踪规范副本及会话副本预留之和。
type Store struct {
	mu sync.Mutex

	fs       afero.Fs
	dir      string
	capacity int64
	used     int64

	lru       *simplelru.LRU[string, *Entry]
	canonical map[string]*Entry
	snapshots map[string][]*Entry

	logger  *logrus.Logger
	metrics *metrics.Registry
}

// Stats 是 Store 的只读快照。
type Stats struct {
	Used      int64 `json:"used"`
	Capacity  int64 `json:"capacity"`
	Entries   int   `json:"entries"`
	Snapshots int   `json:"snapshots"`
}

// NewStore 以 opts.Dir 为缓存目录构建 Store，整个代理共享一份实例。
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache dir required")
	}
	if opts.Capacity <= 0 {
		return nil, errors.New("cache capacity must be positive")
	}
	fsys := opts.Fs
	dir := filepath.Clean(opts.Dir)
	if fsys == nil {
		fsys = afero.NewOsFs()
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve cache dir: %w", err)
		}
		dir = abs
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	lru, err := simplelru.NewLRU[string, *Entry](math.MaxInt, nil)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Store{
		fs:        fsys,
		dir:       dir,
		capacity:  opts.Capacity,
		lru:       lru,
		canonical: make(map[string]*Entry),
		snapshots: make(map[string][]*Entry),
		logger:    logger,
		metrics:   opts.Metrics,
	}
	s.publish()
	return s, nil
}

// Fs exposes the filesystem holding the cache directory.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Capacity returns the configured capacity in bytes.
func (s *Store) Capacity() int64 {
	return s.capacity
}

// Stats returns the current accounting state.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := 0
	for _, list := range s.snapshots {
		snaps += len(list)
	}
	return Stats{
		Used:      s.used,
		Capacity:  s.capacity,
		Entries:   s.lru.Len(),
		Snapshots: snaps,
	}
}

// Admit reserves size bytes when they fit under the capacity. It has no side
// effects on failure.
func (s *Store) Admit(size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.admitLocked(size)
	s.publish()
	return ok
}

// Evict frees room for size bytes from the least recently used end and
// reserves size. Nothing is evicted when even an empty LRU would not fit.
func (s *Store) Evict(size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.evictLocked(size, "")
	s.publish()
	return ok
}

// Detach untracks e without deleting its bytes.
func (s *Store) Detach(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.untrackLocked(e)
	s.publish()
}

// Touch moves a tracked entry to the most recently used position.
func (s *Store) Touch(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.tracked {
		s.lru.Get(e.Path)
	}
}

// Lookup returns the canonical entry of path and whether it matches version.
func (s *Store) Lookup(path string, version int64) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.canonical[CleanPath(path)]
	if e == nil {
		return nil, false
	}
	return e, version != 0 && e.Version == version
}

// AttachSnapshot attaches a new reader to the latest snapshot of path when it
// is at version and still held by at least one reader.
func (s *Store) AttachSnapshot(path string, version int64) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.snapshots[CleanPath(path)]
	if len(list) == 0 || version == 0 {
		return nil
	}
	latest := list[len(list)-1]
	if latest.unlinked || latest.Readers <= 0 || latest.Version != version {
		return nil
	}
	latest.Readers++
	return latest
}

// Install replaces the canonical bytes of path with the fetched file at tmp.
// The new canonical entry starts untracked; Checkout decides its accounting.
func (s *Store) Install(path, tmp string, version int64) (*Entry, error) {
	key := CleanPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropLocked(s.canonical[key])

	dst := s.canonicalPath(key)
	if err := s.replaceFile(tmp, dst); err != nil {
		_ = s.removeFile(tmp)
		return nil, bookkeepingError("install", key, err)
	}
	size, err := s.fileSize(dst)
	if err != nil {
		_ = s.removeFile(dst)
		return nil, bookkeepingError("install", key, err)
	}
	e := &Entry{Path: key, LocalPath: dst, Version: version, Size: size}
	s.canonical[key] = e
	s.publish()
	return e, nil
}

// MarkDirectory records path as a directory at version. Directory entries
// carry no bytes and occupy no capacity.
func (s *Store) MarkDirectory(path string, version int64) *Entry {
	key := CleanPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropLocked(s.canonical[key])
	e := &Entry{Path: key, LocalPath: s.canonicalPath(key), Dir: true, Version: version}
	s.canonical[key] = e
	e.tracked = true
	s.lru.Add(key, e)
	s.publish()
	return e
}

// Checkout turns the canonical entry canon into a per-session copy for handle.
// Read opens track canon first and then admit a snapshot; write opens leave
// canon checked out (untracked) and admit a private working copy. ErrStale is
// returned when canon is no longer the canonical entry of its path.
func (s *Store) Checkout(canon *Entry, handle uint64, mode backing.OpenMode) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publish()

	if s.canonical[canon.Path] != canon {
		return nil, ErrStale
	}
	if canon.Dir {
		return canon, nil
	}

	if mode.ReadOnly() {
		if canon.tracked {
			s.lru.Get(canon.Path)
		} else if !s.trackLocked(canon) {
			s.dropLocked(canon)
			s.admissionFailed(canon.Path, canon.Size)
			return nil, fserr.New("open", canon.Path, fserr.OutOfSpace)
		}
		return s.admitNewVersionLocked(canon, handle, true)
	}

	s.untrackLocked(canon)
	e, err := s.admitNewVersionLocked(canon, handle, false)
	if err != nil {
		if !s.trackLocked(canon) {
			s.dropLocked(canon)
		}
		return nil, err
	}
	return e, nil
}

// AdmitNewVersion applies the admission policy for a new per-session copy of
// canon: duplicate when it fits, move a tracked canonical into a read-only
// copy without duplicating, otherwise evict room and duplicate.
func (s *Store) AdmitNewVersion(canon *Entry, handle uint64, readOnly bool) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publish()
	return s.admitNewVersionLocked(canon, handle, readOnly)
}

func (s *Store) admitNewVersionLocked(canon *Entry, handle uint64, readOnly bool) (*Entry, error) {
	size := canon.Size
	sess := &Entry{
		Path:      canon.Path,
		LocalPath: s.copyPath(canon.Path, handle),
		ReadOnly:  readOnly,
		Version:   canon.Version,
		Size:      size,
		Handle:    handle,
	}

	switch {
	case s.admitLocked(size):
		if err := s.duplicate(canon.LocalPath, sess.LocalPath); err != nil {
			s.used -= size
			return nil, bookkeepingError("open", canon.Path, err)
		}
	case readOnly && canon.tracked:
		s.untrackLocked(canon)
		if err := s.fs.Rename(canon.LocalPath, sess.LocalPath); err != nil {
			s.trackLocked(canon)
			return nil, bookkeepingError("open", canon.Path, err)
		}
		delete(s.canonical, canon.Path)
		s.used += size
	default:
		if !s.evictLocked(size, canon.Path) {
			s.admissionFailed(canon.Path, size)
			return nil, fserr.New("open", canon.Path, fserr.OutOfSpace)
		}
		if err := s.duplicate(canon.LocalPath, sess.LocalPath); err != nil {
			s.used -= size
			return nil, bookkeepingError("open", canon.Path, err)
		}
	}

	sess.reserved = size
	if readOnly {
		sess.Readers = 1
		s.snapshots[canon.Path] = append(s.snapshots[canon.Path], sess)
	}
	return sess, nil
}

// Grow reserves delta more bytes for a working copy about to be extended.
func (s *Store) Grow(e *Entry, delta int64) error {
	if delta <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publish()

	if !s.admitLocked(delta) && !s.evictLocked(delta, e.Path) {
		s.admissionFailed(e.Path, delta)
		return fserr.New("write", e.Path, fserr.OutOfSpace)
	}
	e.reserved += delta
	return nil
}

// Shrink returns delta bytes of a working copy reservation that a write did
// not use.
func (s *Store) Shrink(e *Entry, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if delta > e.reserved {
		delta = e.reserved
	}
	if delta <= 0 {
		return
	}
	e.reserved -= delta
	s.used -= delta
	s.publish()
}

// RecordError stores the taxonomy code of err as the last error of e.
func (s *Store) RecordError(e *Entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Err = fserr.CodeOf(err)
}

// LastError returns the last error code recorded on e.
func (s *Store) LastError(e *Entry) fserr.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.Err
}

// ReconcileOnClose folds a closed per-session copy back into shared state.
// A working copy replaces the canonical replica at version; a snapshot whose
// last reader leaves is discarded when a canonical replica exists and
// promoted otherwise.
func (s *Store) ReconcileOnClose(e *Entry, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publish()

	if e.Dir || e.Canonical() {
		return nil
	}
	if e.ReadOnly {
		return s.releaseReaderLocked(e)
	}
	return s.commitWriterLocked(e, version)
}

func (s *Store) commitWriterLocked(e *Entry, version int64) error {
	s.dropLocked(s.canonical[e.Path])
	s.used -= e.reserved
	e.reserved = 0

	dst := s.canonicalPath(e.Path)
	if err := s.replaceFile(e.LocalPath, dst); err != nil {
		_ = s.removeFile(e.LocalPath)
		return bookkeepingError("close", e.Path, err)
	}
	size, err := s.fileSize(dst)
	if err != nil {
		_ = s.removeFile(dst)
		return bookkeepingError("close", e.Path, err)
	}

	canon := &Entry{Path: e.Path, LocalPath: dst, Version: version, Size: size}
	s.canonical[e.Path] = canon
	if !s.trackLocked(canon) {
		// 副本大小不超过其预留，正常情况下不会走到这里。
		s.logger.WithFields(logrus.Fields{
			"action": "cache_over_capacity",
			"path":   e.Path,
			"size":   size,
		}).Warn("closed copy does not fit, dropping canonical replica")
		s.dropLocked(canon)
	}
	return nil
}

func (s *Store) releaseReaderLocked(e *Entry) error {
	if e.Readers > 0 {
		e.Readers--
	}
	if e.Readers > 0 {
		return nil
	}
	s.removeSnapshotLocked(e)
	s.used -= e.reserved
	e.reserved = 0

	if canon := s.canonical[e.Path]; canon != nil || e.unlinked {
		if err := s.removeFile(e.LocalPath); err != nil {
			return bookkeepingError("close", e.Path, err)
		}
		if canon != nil && canon.tracked {
			s.lru.Get(canon.Path)
		}
		return nil
	}

	dst := s.canonicalPath(e.Path)
	if err := s.replaceFile(e.LocalPath, dst); err != nil {
		_ = s.removeFile(e.LocalPath)
		return bookkeepingError("close", e.Path, err)
	}
	canon := &Entry{Path: e.Path, LocalPath: dst, Version: e.Version, Size: e.Size}
	s.canonical[e.Path] = canon
	if !s.trackLocked(canon) {
		s.dropLocked(canon)
		return nil
	}
	s.logger.WithFields(logrus.Fields{
		"action": "cache_promote",
		"path":   e.Path,
		"size":   humanize.IBytes(uint64(e.Size)),
	}).Debug("snapshot promoted to canonical")
	return nil
}

// Discard drops a working copy that will never be flushed and returns its
// reservation. A canonical replica left checked out is tracked again.
func (s *Store) Discard(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publish()

	if e.Dir || e.Canonical() {
		return nil
	}
	if e.ReadOnly {
		return s.releaseReaderLocked(e)
	}
	s.used -= e.reserved
	e.reserved = 0
	err := s.removeFile(e.LocalPath)

	if canon := s.canonical[e.Path]; canon != nil && !canon.tracked && !canon.Dir {
		if !s.trackLocked(canon) {
			s.dropLocked(canon)
		}
	}
	if err != nil {
		return bookkeepingError("close", e.Path, err)
	}
	return nil
}

// Remove forgets every local reference to path after a confirmed remote
// delete. Snapshots still held by readers are marked so their last reader
// discards them.
func (s *Store) Remove(path string) {
	key := CleanPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.publish()

	s.dropLocked(s.canonical[key])
	for _, snap := range s.snapshots[key] {
		snap.unlinked = true
	}
	delete(s.snapshots, key)
}

// Forget drops the canonical entry of path and its bytes.
func (s *Store) Forget(path string) {
	key := CleanPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(s.canonical[key])
	s.publish()
}

func (s *Store) fitsLocked(size int64) bool {
	return s.used+size <= s.capacity
}

func (s *Store) admitLocked(size int64) bool {
	if size < 0 || !s.fitsLocked(size) {
		return false
	}
	s.used += size
	return true
}

// evictLocked 先预演再提交：从最旧端累计可释放字节，不足则不做任何修改。
// pinned 路径的规范副本不参与淘汰。
func (s *Store) evictLocked(size int64, pinned string) bool {
	if size < 0 {
		return false
	}
	var (
		victims []*Entry
		freed   int64
	)
	if s.used+size > s.capacity {
		for _, key := range s.lru.Keys() {
			e, ok := s.lru.Peek(key)
			if !ok || key == pinned || e.Size == 0 {
				continue
			}
			victims = append(victims, e)
			freed += e.Size
			if s.used-freed+size <= s.capacity {
				break
			}
		}
		if s.used-freed+size > s.capacity {
			return false
		}
	}

	for _, e := range victims {
		s.lru.Remove(e.Path)
		e.tracked = false
		delete(s.canonical, e.Path)
		if err := s.removeFile(e.LocalPath); err != nil {
			s.logger.WithFields(logrus.Fields{
				"action": "cache_evict",
				"path":   e.Path,
			}).WithError(err).Warn("evicted bytes not removed")
		}
		s.metrics.RecordEviction(e.Size)
		s.logger.WithFields(logrus.Fields{
			"action": "cache_evict",
			"path":   e.Path,
			"size":   humanize.IBytes(uint64(e.Size)),
		}).Debug("canonical replica evicted")
	}
	s.used = s.used - freed + size
	return true
}

// trackLocked 将 e 放入 LRU 最新端，必要时淘汰其他条目腾出空间。
func (s *Store) trackLocked(e *Entry) bool {
	if e.tracked {
		return true
	}
	if !s.admitLocked(e.Size) && !s.evictLocked(e.Size, e.Path) {
		return false
	}
	e.tracked = true
	s.lru.Add(e.Path, e)
	return true
}

func (s *Store) untrackLocked(e *Entry) {
	if e == nil || !e.tracked {
		return
	}
	s.lru.Remove(e.Path)
	e.tracked = false
	s.used -= e.Size
}

// dropLocked 移除规范副本及其字节。
func (s *Store) dropLocked(e *Entry) {
	if e == nil {
		return
	}
	s.untrackLocked(e)
	if s.canonical[e.Path] == e {
		delete(s.canonical, e.Path)
	}
	if e.Dir {
		return
	}
	if err := s.removeFile(e.LocalPath); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": "cache_drop",
			"path":   e.Path,
		}).WithError(err).Warn("stale replica not removed")
	}
}

func (s *Store) removeSnapshotLocked(e *Entry) {
	list := s.snapshots[e.Path]
	for i, snap := range list {
		if snap == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.snapshots, e.Path)
		return
	}
	s.snapshots[e.Path] = list
}

func (s *Store) admissionFailed(path string, size int64) {
	s.metrics.RecordAdmissionFailure()
	s.logger.WithFields(logrus.Fields{
		"action":   "cache_admit_failed",
		"path":     path,
		"size":     humanize.IBytes(uint64(size)),
		"used":     s.used,
		"capacity": s.capacity,
	}).Warn("admission rejected")
}

func (s *Store) publish() {
	s.metrics.SetCacheUsage(s.used, s.capacity, s.lru.Len())
}
