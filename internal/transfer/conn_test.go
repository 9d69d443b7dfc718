package transfer

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/fserr"
)

// shortWriteStore 每次最多写入 limit 字节，用于验证写路径的续传逻辑。
type shortWriteStore struct {
	backing.Store
	limit int
	calls int
}

func (s *shortWriteStore) WriteChunk(ctx context.Context, path string, content []byte, offset int64) (int, error) {
	s.calls++
	if len(content) > s.limit {
		content = content[:s.limit]
	}
	return s.Store.WriteChunk(ctx, path, content, offset)
}

// stalledStore 模拟写入零字节的存储端。
type stalledStore struct {
	backing.Store
}

func (stalledStore) WriteChunk(context.Context, string, []byte, int64) (int, error) {
	return 0, nil
}

func newDirStore(t *testing.T) (*backing.DirStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := backing.NewDirStore(fsys, "/srv")
	require.NoError(t, err)
	return store, fsys
}

func TestFetchStreamsAllChunks(t *testing.T) {
	store, fsys := newDirStore(t)
	payload := strings.Repeat("0123456789", 25)
	require.NoError(t, afero.WriteFile(fsys, "/srv/f.txt", []byte(payload), 0o644))

	conn := NewConn(store, Options{MaxChunkSize: 1000})
	var buf bytes.Buffer
	res, err := conn.Fetch(context.Background(), "f.txt", backing.ModeRead, 1000, &buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf.String())
	assert.EqualValues(t, len(payload), res.Size)
	// capacity/10 = 100 限制了分块大小
	assert.Equal(t, 3, res.Chunks)
}

func TestFetchDirectorySentinel(t *testing.T) {
	store, fsys := newDirStore(t)
	require.NoError(t, fsys.MkdirAll("/srv/docs", 0o755))

	var buf bytes.Buffer
	res, err := NewConn(store, Options{}).Fetch(context.Background(), "docs", backing.ModeRead, 1000, &buf)
	require.NoError(t, err)
	assert.True(t, res.Directory)
	assert.Zero(t, buf.Len())
}

func TestFetchRejectsOversizedBeforeTransfer(t *testing.T) {
	store, fsys := newDirStore(t)
	require.NoError(t, afero.WriteFile(fsys, "/srv/big", make([]byte, 2000), 0o644))

	var buf bytes.Buffer
	_, err := NewConn(store, Options{}).Fetch(context.Background(), "big", backing.ModeRead, 1000, &buf)
	assert.ErrorIs(t, err, fserr.OutOfSpace)
	assert.Zero(t, buf.Len())
}

func TestFetchCreatesForCreateMode(t *testing.T) {
	store, fsys := newDirStore(t)

	var buf bytes.Buffer
	res, err := NewConn(store, Options{}).Fetch(context.Background(), "new.txt", backing.ModeCreate, 1000, &buf)
	require.NoError(t, err)
	assert.Zero(t, res.Size)
	exists, err := afero.Exists(fsys, "/srv/new.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFlushResendsShortWrites(t *testing.T) {
	dir, fsys := newDirStore(t)
	require.NoError(t, afero.WriteFile(fsys, "/srv/out.txt", nil, 0o644))
	store := &shortWriteStore{Store: dir, limit: 3}

	payload := "hello, chunked world"
	conn := NewConn(store, Options{WriteChunkSize: 8})
	n, err := conn.Flush(context.Background(), "out.txt", strings.NewReader(payload))
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)
	assert.Equal(t, 8, store.calls)

	data, err := afero.ReadFile(fsys, "/srv/out.txt")
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestFlushFailsOnZeroProgress(t *testing.T) {
	dir, _ := newDirStore(t)
	conn := NewConn(stalledStore{Store: dir}, Options{})
	_, err := conn.Flush(context.Background(), "x", strings.NewReader("data"))
	assert.ErrorIs(t, err, fserr.InvalidArgument)
}

func TestFlushMissingRemoteFile(t *testing.T) {
	dir, _ := newDirStore(t)
	_, err := NewConn(dir, Options{}).Flush(context.Background(), "gone.txt", strings.NewReader("data"))
	assert.ErrorIs(t, err, fserr.BadHandle)
}
