package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/spf13/afero"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/cache"
	"github.com/any-hub/fileproxy/internal/metrics"
	"github.com/any-hub/fileproxy/internal/proxy"
	"github.com/any-hub/fileproxy/internal/transfer"
)

type proxyTestApp struct {
	*ProxyApp
	remote afero.Fs
}

func newProxyTestApp(t *testing.T, capacity int64) *proxyTestApp {
	t.Helper()
	logger := quietLogger()
	reg := metrics.New()

	remoteFs := afero.NewMemMapFs()
	store, err := backing.NewDirStore(remoteFs, "/srv")
	if err != nil {
		t.Fatalf("创建 DirStore 失败: %v", err)
	}
	c, err := cache.NewStore(cache.Options{Dir: "/cache", Capacity: capacity, Fs: afero.NewMemMapFs(), Logger: logger, Metrics: reg})
	if err != nil {
		t.Fatalf("创建缓存失败: %v", err)
	}
	svc, err := proxy.NewService(proxy.Options{
		Cache:   c,
		Conn:    transfer.NewConn(store, transfer.Options{Logger: logger, Metrics: reg}),
		Logger:  logger,
		Metrics: reg,
	})
	if err != nil {
		t.Fatalf("创建代理服务失败: %v", err)
	}
	app, err := NewProxyApp(svc, AppOptions{Logger: logger, Metrics: reg, ListenPort: 5000})
	if err != nil {
		t.Fatalf("创建 proxy 应用失败: %v", err)
	}
	return &proxyTestApp{ProxyApp: app, remote: remoteFs}
}

func (a *proxyTestApp) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	resp, err := a.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func (a *proxyTestApp) startSession(t *testing.T) string {
	t.Helper()
	resp := a.do(t, http.MethodPost, "/sessions", nil)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var payload struct {
		Session string `json:"session"`
	}
	decodeJSON(t, resp, &payload)
	if payload.Session == "" {
		t.Fatalf("expected session id")
	}
	return payload.Session
}

func (a *proxyTestApp) open(t *testing.T, sid, path, mode string) string {
	t.Helper()
	resp := postJSON(t, a.App, "/sessions/"+sid+"/open", openBody{Path: path, Mode: mode})
	if resp.StatusCode != fiber.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("open %s (%s) failed: %d %s", path, mode, resp.StatusCode, string(body))
	}
	var payload struct {
		Handle uint64 `json:"handle"`
	}
	decodeJSON(t, resp, &payload)
	return strconv.FormatUint(payload.Handle, 10)
}

func expectError(t *testing.T, resp *http.Response, status int, name string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected status %d, got %d", status, resp.StatusCode)
	}
	var payload struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	decodeJSON(t, resp, &payload)
	if payload.Error != name || payload.Code >= 0 {
		t.Fatalf("expected error %s, got %+v", name, payload)
	}
}

func TestSessionWriteThenRead(t *testing.T) {
	app := newProxyTestApp(t, 1<<20)
	sid := app.startSession(t)

	fd := app.open(t, sid, "notes.txt", "create")
	resp := app.do(t, http.MethodPost, "/sessions/"+sid+"/handles/"+fd+"/write", strings.NewReader("hello fiber"))
	var written struct {
		Written int `json:"written"`
	}
	decodeJSON(t, resp, &written)
	if written.Written != 11 {
		t.Fatalf("expected 11 bytes written, got %d", written.Written)
	}
	if resp := app.do(t, http.MethodDelete, "/sessions/"+sid+"/handles/"+fd, nil); resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("close expected 204, got %d", resp.StatusCode)
	}
	data, err := afero.ReadFile(app.remote, "/srv/notes.txt")
	if err != nil || string(data) != "hello fiber" {
		t.Fatalf("remote content mismatch: %q (%v)", string(data), err)
	}

	fd = app.open(t, sid, "notes.txt", "read")
	resp = postJSON(t, app.App, "/sessions/"+sid+"/handles/"+fd+"/seek", seekBody{Pos: 6, Whence: "start"})
	var seek struct {
		Position int64 `json:"position"`
	}
	decodeJSON(t, resp, &seek)
	if seek.Position != 6 {
		t.Fatalf("expected position 6, got %d", seek.Position)
	}
	resp = app.do(t, http.MethodPost, "/sessions/"+sid+"/handles/"+fd+"/read?size=64", nil)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "fiber" {
		t.Fatalf("expected tail 'fiber', got %q", string(body))
	}

	resp = app.do(t, http.MethodPost, "/sessions/"+sid+"/handles/"+fd+"/write", strings.NewReader("x"))
	expectError(t, resp, fiber.StatusBadRequest, "bad_handle")

	if resp := app.do(t, http.MethodDelete, "/sessions/"+sid, nil); resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("end session expected 204, got %d", resp.StatusCode)
	}
	if app.Sessions() != 0 {
		t.Fatalf("expected no live sessions, got %d", app.Sessions())
	}
}

func TestSessionErrorsMapToStatus(t *testing.T) {
	app := newProxyTestApp(t, 100)
	if err := app.remote.MkdirAll("/srv/dir", 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := afero.WriteFile(app.remote, "/srv/big.bin", bytes.Repeat([]byte("b"), 200), 0o644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}
	sid := app.startSession(t)

	resp := postJSON(t, app.App, "/sessions/"+sid+"/open", openBody{Path: "missing", Mode: "read"})
	expectError(t, resp, fiber.StatusNotFound, "not_found")

	resp = postJSON(t, app.App, "/sessions/"+sid+"/open", openBody{Path: "dir", Mode: "write"})
	expectError(t, resp, fiber.StatusConflict, "is_directory")

	resp = postJSON(t, app.App, "/sessions/"+sid+"/open", openBody{Path: "big.bin", Mode: "read"})
	expectError(t, resp, fiber.StatusInsufficientStorage, "out_of_space")

	resp = postJSON(t, app.App, "/sessions/"+sid+"/open", openBody{Path: "x", Mode: "append"})
	expectError(t, resp, fiber.StatusBadRequest, "invalid_argument")

	resp = app.do(t, http.MethodPost, "/sessions/"+sid+"/handles/77/read", nil)
	expectError(t, resp, fiber.StatusBadRequest, "bad_handle")

	resp = postJSON(t, app.App, "/sessions/nope/open", openBody{Path: "x", Mode: "read"})
	expectError(t, resp, fiber.StatusBadRequest, "bad_handle")

	resp = postJSON(t, app.App, "/sessions/"+sid+"/unlink", unlinkBody{Path: "missing"})
	expectError(t, resp, fiber.StatusNotFound, "not_found")
}

func TestProxyStatsReportsCache(t *testing.T) {
	app := newProxyTestApp(t, 1000)
	if err := afero.WriteFile(app.remote, "/srv/a.txt", bytes.Repeat([]byte("a"), 300), 0o644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}
	sid := app.startSession(t)
	fd := app.open(t, sid, "a.txt", "read")

	resp := app.do(t, http.MethodGet, "/-/stats", nil)
	var stats statsPayload
	decodeJSON(t, resp, &stats)
	if stats.Role != "proxy" || stats.Capacity != 1000 || stats.Used != 600 || stats.Snapshots != 1 || stats.Sessions != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	app.do(t, http.MethodDelete, "/sessions/"+sid+"/handles/"+fd, nil)
	if err := app.EndSessions(); err != nil {
		t.Fatalf("EndSessions failed: %v", err)
	}
	resp = app.do(t, http.MethodGet, "/-/stats", nil)
	decodeJSON(t, resp, &stats)
	if stats.Used != 300 || stats.Snapshots != 0 || stats.Sessions != 0 {
		t.Fatalf("unexpected stats after close: %+v", stats)
	}
}
