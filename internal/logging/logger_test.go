package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/fileproxy/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root 不受目录权限限制")
	}
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "fileproxy.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fileproxy.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "chatty"}); err == nil {
		t.Fatalf("未知日志级别应返回错误")
	}
}

func TestOpFieldsOmitsZeroHandle(t *testing.T) {
	fields := OpFields("cache_evict", "a/b.txt", 0)
	if _, ok := fields["handle"]; ok {
		t.Fatalf("handle 为 0 时不应输出")
	}
	fields = OpFields("open", "a/b.txt", 7)
	want := logrus.Fields{"action": "open", "path": "a/b.txt", "handle": uint64(7)}
	for k, v := range want {
		if fields[k] != v {
			t.Fatalf("字段 %s 期望 %v，实际 %v", k, v, fields[k])
		}
	}
}

func TestInitLoggerTagsRole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info", Role: config.RoleStore})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.SetOutput(&buf)
	logger.Info("hello")
	logger.WithField("role", "override").Info("explicit")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("预期两条日志，实际 %d", len(lines))
	}
	for i, want := range []string{config.RoleStore, "override"} {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(lines[i]), &entry); err != nil {
			t.Fatalf("日志不是 JSON: %v", err)
		}
		if entry["role"] != want {
			t.Fatalf("第 %d 条 role 期望 %s，实际 %v", i, want, entry["role"])
		}
	}
}

func TestLogPathExpandsRole(t *testing.T) {
	cfg := config.GlobalConfig{Role: config.RoleStore, LogFilePath: "/var/log/fileproxy-{role}.log"}
	if got := LogPath(cfg); got != "/var/log/fileproxy-store.log" {
		t.Fatalf("角色占位符未替换: %s", got)
	}
	cfg.Role = ""
	if got := LogPath(cfg); got != "/var/log/fileproxy-proxy.log" {
		t.Fatalf("缺省角色应为 proxy: %s", got)
	}
	cfg.LogFilePath = "/var/log/plain.log"
	if got := LogPath(cfg); got != cfg.LogFilePath {
		t.Fatalf("无占位符时路径应保持不变: %s", got)
	}
}

func TestRotatingFileUsesRolePath(t *testing.T) {
	dir := t.TempDir()
	cfg := config.GlobalConfig{
		LogLevel:    "info",
		Role:        config.RoleProxy,
		LogFilePath: filepath.Join(dir, "{role}", "fileproxy.log"),
		LogMaxAge:   7,
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	rotator, ok := logger.Out.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("应输出到轮转文件，实际 %T", logger.Out)
	}
	if rotator.MaxAge != 7 {
		t.Fatalf("MaxAge 未传递: %d", rotator.MaxAge)
	}
	if _, err := os.Stat(filepath.Join(dir, "proxy", "fileproxy.log")); err != nil {
		t.Fatalf("预期创建角色日志文件: %v", err)
	}
}
