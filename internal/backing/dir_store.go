package backing

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/any-hub/fileproxy/internal/fserr"
)

// DirStore 以 root 目录为权威存储，所有路径解析后必须落在 root 之内。
type DirStore struct {
	fs   afero.Fs
	root string

	// realRoot 仅在真实磁盘上使用，用于拦截指向 root 之外的符号链接。
	realRoot string
}

// NewDirStore builds a DirStore on fsys rooted at root, creating root when needed.
func NewDirStore(fsys afero.Fs, root string) (*DirStore, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if root == "" {
		return nil, errors.New("store root required")
	}
	clean := filepath.Clean(root)
	if _, isOS := fsys.(*afero.OsFs); isOS {
		abs, err := filepath.Abs(clean)
		if err != nil {
			return nil, err
		}
		clean = abs
	}
	if err := fsys.MkdirAll(clean, 0o755); err != nil {
		return nil, err
	}

	store := &DirStore{fs: fsys, root: clean}
	if _, isOS := fsys.(*afero.OsFs); isOS {
		real, err := filepath.EvalSymlinks(clean)
		if err != nil {
			return nil, err
		}
		store.realRoot = real
	}
	return store, nil
}

// Root returns the canonical root directory.
func (d *DirStore) Root() string {
	return d.root
}

func (d *DirStore) Version(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	real, err := d.resolve("version", path)
	if err != nil {
		return 0, err
	}
	info, err := d.fs.Stat(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fserr.Wrap("version", path, fserr.OK, err)
	}
	return info.ModTime().UnixNano(), nil
}

func (d *DirStore) OpenCheck(ctx context.Context, path string, mode OpenMode) (OpenInfo, error) {
	if err := ctx.Err(); err != nil {
		return OpenInfo{}, err
	}
	real, err := d.resolve("open", path)
	if err != nil {
		return OpenInfo{}, err
	}

	info, statErr := d.fs.Stat(real)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return OpenInfo{}, fserr.Wrap("open", path, fserr.OK, statErr)
	}

	switch mode {
	case ModeRead:
		if !exists {
			return OpenInfo{}, fserr.New("open", path, fserr.NotFound)
		}
	case ModeWrite:
		if !exists {
			return OpenInfo{}, fserr.New("open", path, fserr.NotFound)
		}
		if info.IsDir() {
			return OpenInfo{}, fserr.New("open", path, fserr.IsDirectory)
		}
	case ModeCreate:
		if !exists {
			if info, err = d.create(path, real, os.O_CREATE); err != nil {
				return OpenInfo{}, err
			}
		}
	case ModeCreateNew:
		if exists {
			return OpenInfo{}, fserr.New("open", path, fserr.AlreadyExists)
		}
		if info, err = d.create(path, real, os.O_CREATE|os.O_EXCL); err != nil {
			return OpenInfo{}, err
		}
	default:
		return OpenInfo{}, fserr.New("open", path, fserr.InvalidArgument)
	}

	if info.IsDir() {
		return OpenInfo{Directory: true}, nil
	}
	return OpenInfo{Length: info.Size()}, nil
}

func (d *DirStore) create(path, real string, flags int) (os.FileInfo, error) {
	f, err := d.fs.OpenFile(real, flags|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fserr.Wrap("open", path, fserr.OK, err)
	}
	info, err := f.Stat()
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fserr.Wrap("open", path, fserr.OK, err)
	}
	return info, nil
}

func (d *DirStore) ReadChunk(ctx context.Context, req ReadRequest) (ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadResult{}, err
	}
	if req.Offset < 0 || req.MaxLen <= 0 {
		return ReadResult{}, fserr.New("read", req.Path, fserr.InvalidArgument)
	}

	// 首个分块合并 open 校验与容量预检，省去一次往返。
	if req.Offset == 0 {
		info, err := d.OpenCheck(ctx, req.Path, req.Mode)
		if err != nil {
			return ReadResult{}, err
		}
		if info.Directory {
			return ReadResult{Directory: true}, nil
		}
		if req.CapacityHint > 0 && info.Length > req.CapacityHint {
			return ReadResult{}, fserr.New("read", req.Path, fserr.OutOfSpace)
		}
	}

	real, err := d.resolve("read", req.Path)
	if err != nil {
		return ReadResult{}, err
	}
	f, err := d.fs.Open(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ReadResult{}, fserr.Wrap("read", req.Path, fserr.InvalidArgument, err)
		}
		return ReadResult{}, fserr.Wrap("read", req.Path, fserr.OK, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ReadResult{}, fserr.Wrap("read", req.Path, fserr.OK, err)
	}
	if info.IsDir() {
		return ReadResult{}, fserr.New("read", req.Path, fserr.IsDirectory)
	}

	remaining := info.Size() - req.Offset
	if remaining <= 0 {
		return ReadResult{}, nil
	}
	n := remaining
	if n > int64(req.MaxLen) {
		n = int64(req.MaxLen)
	}

	buf := make([]byte, n)
	read, err := io.ReadFull(io.NewSectionReader(f, req.Offset, n), buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return ReadResult{}, fserr.Wrap("read", req.Path, fserr.NotFound, err)
	}
	return ReadResult{
		Content:   buf[:read],
		Continues: read == int(n) && remaining > int64(req.MaxLen),
	}, nil
}

func (d *DirStore) WriteChunk(ctx context.Context, path string, content []byte, offset int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if content == nil || offset < 0 {
		return 0, fserr.New("write", path, fserr.InvalidArgument)
	}
	real, err := d.resolve("write", path)
	if err != nil {
		return 0, err
	}
	info, err := d.fs.Stat(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fserr.Wrap("write", path, fserr.BadHandle, err)
		}
		return 0, fserr.Wrap("write", path, fserr.OK, err)
	}
	if info.IsDir() {
		return 0, fserr.New("write", path, fserr.IsDirectory)
	}

	f, err := d.fs.OpenFile(real, os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fserr.Wrap("write", path, fserr.OK, err)
	}
	n, err := f.WriteAt(content, offset)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fserr.Wrap("write", path, fserr.InvalidArgument, err)
	}
	return n, nil
}

func (d *DirStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	real, err := d.resolve("unlink", path)
	if err != nil {
		return err
	}
	info, err := d.fs.Stat(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fserr.New("unlink", path, fserr.NotFound)
		}
		return fserr.Wrap("unlink", path, fserr.OK, err)
	}
	if info.IsDir() {
		return fserr.New("unlink", path, fserr.IsDirectory)
	}
	if err := d.fs.Remove(real); err != nil {
		return fserr.Wrap("unlink", path, fserr.Busy, err)
	}
	return nil
}

// resolve 将逻辑路径映射到 root 下的真实路径，越界路径一律视为权限错误。
func (d *DirStore) resolve(op, path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fserr.New(op, path, fserr.InvalidArgument)
	}
	real := filepath.Join(d.root, filepath.FromSlash(path))
	if !within(d.root, real) {
		return "", fserr.New(op, path, fserr.PermissionDenied)
	}
	if d.realRoot == "" {
		return real, nil
	}

	// 逐级向上找到已存在的祖先，再校验其符号链接解析结果。
	cur := real
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if !within(d.realRoot, resolved) {
				return "", fserr.New(op, path, fserr.PermissionDenied)
			}
			return real, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fserr.Wrap(op, path, fserr.PermissionDenied, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur || !within(d.root, parent) {
			return real, nil
		}
		cur = parent
	}
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
