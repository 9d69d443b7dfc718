package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/fileproxy/internal/config"
)

// rolePlaceholder 在 LogFilePath 中替换为当前角色，代理与存储同机部署时各自轮转。
const rolePlaceholder = "{role}"

// InitLogger 根据全局配置初始化 JSON 结构化日志，每条记录都带上角色字段。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	path := LogPath(cfg)
	output, outErr := buildOutput(cfg, path)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	if cfg.Role != "" {
		logger.AddHook(roleHook{role: cfg.Role})
	}

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   path,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// LogPath returns the log file of cfg with the role placeholder expanded.
func LogPath(cfg config.GlobalConfig) string {
	if cfg.LogFilePath == "" || !strings.Contains(cfg.LogFilePath, rolePlaceholder) {
		return cfg.LogFilePath
	}
	role := cfg.Role
	if role == "" {
		role = config.RoleProxy
	}
	return strings.ReplaceAll(cfg.LogFilePath, rolePlaceholder, role)
}

// buildOutput 根据配置创建日志输出 Writer；失败时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig, path string) (io.Writer, error) {
	if path == "" {
		return os.Stdout, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// roleHook 为未显式携带 role 的记录补上进程角色。
type roleHook struct {
	role string
}

func (h roleHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h roleHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["role"]; !ok {
		entry.Data["role"] = h.role
	}
	return nil
}
