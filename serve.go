package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/nightlyone/lockfile"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/cache"
	"github.com/any-hub/fileproxy/internal/config"
	"github.com/any-hub/fileproxy/internal/logging"
	"github.com/any-hub/fileproxy/internal/metrics"
	"github.com/any-hub/fileproxy/internal/proxy"
	"github.com/any-hub/fileproxy/internal/remote"
	"github.com/any-hub/fileproxy/internal/server"
	"github.com/any-hub/fileproxy/internal/transfer"
	"github.com/any-hub/fileproxy/internal/version"
)

const shutdownTimeout = 10 * time.Second

// runProxy 启动顺序：缓存目录锁 → 清理残留副本 → 远端客户端 → 代理服务 → Fiber。
func runProxy(cfg *config.Config, configPath string, logger *logrus.Logger) error {
	pc := cfg.Proxy
	lock, err := acquireCacheLock(pc.CacheDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	reg := metrics.New()
	store, err := cache.NewStore(cache.Options{
		Dir:      pc.CacheDir,
		Capacity: pc.CacheCapacity.Bytes(),
		Logger:   logger,
		Metrics:  reg,
	})
	if err != nil {
		return fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	// 内存索引不跨进程保留，上次运行留下的副本全部丢弃。
	if err := store.Purge(); err != nil {
		return fmt.Errorf("清理缓存目录失败: %w", err)
	}

	client, err := remote.NewClient(pc.BackingStore, remote.NewHTTPClient(pc.RemoteTimeout.DurationValue()))
	if err != nil {
		return err
	}
	conn := transfer.NewConn(client, transfer.Options{
		MaxChunkSize:   int(pc.MaxChunkSize.Bytes()),
		WriteChunkSize: int(pc.WriteChunkSize.Bytes()),
		Logger:         logger,
		Metrics:        reg,
	})
	svc, err := proxy.NewService(proxy.Options{Cache: store, Conn: conn, Logger: logger, Metrics: reg})
	if err != nil {
		return err
	}
	app, err := server.NewProxyApp(svc, server.AppOptions{Logger: logger, Metrics: reg, ListenPort: pc.ListenPort})
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["role"] = config.RoleProxy
	fields["listen_port"] = pc.ListenPort
	fields["cache_dir"] = store.Dir()
	fields["cache_capacity"] = pc.CacheCapacity.String()
	fields["backing_store"] = client.Endpoint()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	err = serve(app.App, pc.ListenPort, logger)
	if endErr := app.EndSessions(); endErr != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(endErr).Warn("结束会话时出现错误")
	}
	return err
}

// runStore 以本地目录作为权威存储对外提供 RPC。
func runStore(cfg *config.Config, configPath string, logger *logrus.Logger) error {
	sc := cfg.Store
	store, err := backing.NewDirStore(nil, sc.RootPath)
	if err != nil {
		return fmt.Errorf("初始化存储目录失败: %w", err)
	}
	app, err := server.NewStoreApp(store, server.AppOptions{Logger: logger, Metrics: metrics.New(), ListenPort: sc.ListenPort})
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["role"] = config.RoleStore
	fields["listen_port"] = sc.ListenPort
	fields["root_path"] = store.Root()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	return serve(app, sc.ListenPort, logger)
}

// acquireCacheLock 在缓存目录旁放置锁文件，防止两个代理共用同一目录。
func acquireCacheLock(cacheDir string) (lockfile.Lockfile, error) {
	if err := os.MkdirAll(filepath.Dir(cacheDir), 0o755); err != nil {
		return "", fmt.Errorf("创建缓存父目录失败: %w", err)
	}
	lock, err := lockfile.New(filepath.Clean(cacheDir) + ".lock")
	if err != nil {
		return "", fmt.Errorf("缓存锁路径无效: %w", err)
	}
	if err := lock.TryLock(); err != nil {
		return "", fmt.Errorf("缓存目录已被其他进程占用: %w", err)
	}
	return lock, nil
}

// serve 监听端口直到收到 SIGINT/SIGTERM。
func serve(app *fiber.App, port int, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
