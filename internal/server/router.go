package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/fileproxy/internal/fserr"
	"github.com/any-hub/fileproxy/internal/metrics"
)

// AppOptions 控制单个监听端口上的 Fiber 应用。
type AppOptions struct {
	Logger     *logrus.Logger
	Metrics    *metrics.Registry
	ListenPort int
}

const contextKeyRequestID = "_fileproxy_request_id"

// newApp builds the shared Fiber skeleton with recover and request-id
// middleware installed.
func newApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     64 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	return app, nil
}

// requestContextMiddleware 负责生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// statusFor 将分类码映射为 HTTP 状态码。
func statusFor(code fserr.Code) int {
	switch code {
	case fserr.NotFound:
		return fiber.StatusNotFound
	case fserr.PermissionDenied:
		return fiber.StatusForbidden
	case fserr.BadHandle, fserr.InvalidArgument:
		return fiber.StatusBadRequest
	case fserr.AlreadyExists, fserr.IsDirectory:
		return fiber.StatusConflict
	case fserr.OutOfSpace:
		return fiber.StatusInsufficientStorage
	case fserr.Busy:
		return fiber.StatusLocked
	}
	return fiber.StatusInternalServerError
}

// renderError 输出 {"error","code"}，并记录请求级日志。
func renderError(c fiber.Ctx, logger *logrus.Logger, action string, err error) error {
	code := fserr.CodeOf(err)
	status := statusFor(code)
	fields := logrus.Fields{
		"action":     action,
		"request_id": RequestID(c),
		"status":     status,
		"code":       code.String(),
	}
	entry := logger.WithFields(fields).WithError(err)
	if status >= fiber.StatusInternalServerError && status != fiber.StatusInsufficientStorage {
		entry.Warn("request failed")
	} else {
		entry.Debug("request rejected")
	}
	return c.Status(status).JSON(fiber.Map{
		"error": code.String(),
		"code":  int(code),
	})
}
