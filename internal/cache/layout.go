package cache

import (
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/any-hub/fileproxy/internal/fserr"
)

const (
	segmentSeparator = "-"
	copyMarker       = "%h"
	fetchMarker      = "%f"
)

// escaper 保证扁平化可逆：原路径中的 '%' 与 '-' 不会与分隔符或副本后缀混淆。
var escaper = strings.NewReplacer("%", "%25", "-", "%2D")

// Flatten maps a logical path onto a single file name by joining its cleaned
// segments with "-".
func Flatten(logical string) string {
	clean := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(logical)), "/")
	if clean == "" {
		return "root"
	}
	segments := strings.Split(clean, "/")
	for i, seg := range segments {
		segments[i] = escaper.Replace(seg)
	}
	return strings.Join(segments, segmentSeparator)
}

// CleanPath returns the logical key used for logical. Callers resolve
// untrusted input with ResolvePath first.
func CleanPath(logical string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(logical)), "/")
}

// ResolvePath turns a client path into its logical key, relative to the store
// root. A path that climbs above the root is PermissionDenied, the root
// itself is InvalidArgument.
func ResolvePath(op, logical string) (string, error) {
	clean := path.Clean(strings.TrimLeft(filepath.ToSlash(logical), "/"))
	switch {
	case clean == "..", strings.HasPrefix(clean, "../"):
		return "", fserr.New(op, logical, fserr.PermissionDenied)
	case clean == ".":
		return "", fserr.New(op, logical, fserr.InvalidArgument)
	}
	return clean, nil
}

func (s *Store) canonicalPath(logical string) string {
	return filepath.Join(s.dir, Flatten(logical))
}

func (s *Store) copyPath(logical string, handle uint64) string {
	return s.canonicalPath(logical) + copyMarker + strconv.FormatUint(handle, 10)
}

// FetchPath returns the transient download target used by handle for logical.
func (s *Store) FetchPath(logical string, handle uint64) string {
	return s.canonicalPath(logical) + fetchMarker + strconv.FormatUint(handle, 10)
}
