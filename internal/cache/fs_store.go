package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/fileproxy/internal/fserr"
)

// duplicate 将 src 完整复制到 dst，失败时清理半成品。
func (s *Store) duplicate(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := s.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = copyBuffered(out, in)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(dst)
		return err
	}
	return nil
}

// removeFile 删除文件，不存在视为成功。
func (s *Store) removeFile(name string) error {
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// replaceFile 用 src 覆盖 dst。
func (s *Store) replaceFile(src, dst string) error {
	if err := s.removeFile(dst); err != nil {
		return err
	}
	return s.fs.Rename(src, dst)
}

func (s *Store) fileSize(name string) (int64, error) {
	info, err := s.fs.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Purge removes every file left in the cache directory. The in-memory index
// does not survive restarts, so leftovers would never be accounted.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	var result error
	removed := 0
	for _, info := range infos {
		if err := s.fs.RemoveAll(filepath.Join(s.dir, info.Name())); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed++
	}
	s.logger.WithFields(logrus.Fields{
		"action":  "cache_purge",
		"dir":     s.dir,
		"removed": removed,
	}).Info("cache directory purged")
	return result
}

func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func bookkeepingError(op, path string, err error) error {
	return fserr.Wrap(op, path, fserr.OK, err)
}
