package server

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/fileproxy/internal/backing"
	"github.com/any-hub/fileproxy/internal/logging"
	"github.com/any-hub/fileproxy/internal/remote"
	"github.com/any-hub/fileproxy/internal/transfer"
)

// NewStoreApp serves store over the /rpc/ routes. Outcomes travel in-band,
// so every decoded call answers 200; only malformed requests get 400.
func NewStoreApp(store backing.Store, opts AppOptions) (*fiber.App, error) {
	if store == nil {
		return nil, errors.New("backing store is required")
	}
	app, err := newApp(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger

	app.Post(remote.RoutePrefix+remote.OpVersion, func(c fiber.Ctx) error {
		var req remote.PathRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, logger, remote.OpVersion, err)
		}
		v, err := store.Version(c.Context(), req.Path)
		logRPC(logger, c, remote.OpVersion, req.Path, err)
		return c.JSON(remote.ValueResult(v, err))
	})

	app.Post(remote.RoutePrefix+remote.OpOpen, func(c fiber.Ctx) error {
		var req remote.OpenRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, logger, remote.OpOpen, err)
		}
		info, err := store.OpenCheck(c.Context(), req.Path, req.Mode)
		logRPC(logger, c, remote.OpOpen, req.Path, err)
		return c.JSON(remote.OpenResult(info, err))
	})

	app.Post(remote.RoutePrefix+remote.OpRead, func(c fiber.Ctx) error {
		var req remote.ReadRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, logger, remote.OpRead, err)
		}
		res, err := store.ReadChunk(c.Context(), req.ToBacking())
		logRPC(logger, c, remote.OpRead, req.Path, err)
		return c.JSON(transfer.EncodeRead(res, err))
	})

	app.Post(remote.RoutePrefix+remote.OpWrite, func(c fiber.Ctx) error {
		var req remote.WriteRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, logger, remote.OpWrite, err)
		}
		n, err := store.WriteChunk(c.Context(), req.Path, req.Content, req.Offset)
		logRPC(logger, c, remote.OpWrite, req.Path, err)
		return c.JSON(remote.ValueResult(int64(n), err))
	})

	app.Post(remote.RoutePrefix+remote.OpDelete, func(c fiber.Ctx) error {
		var req remote.PathRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, logger, remote.OpDelete, err)
		}
		err := store.Delete(c.Context(), req.Path)
		logRPC(logger, c, remote.OpDelete, req.Path, err)
		return c.JSON(remote.ValueResult(0, err))
	})

	registerDiagnostics(app, diagnostics{role: "store", metrics: opts.Metrics})
	return app, nil
}

func decodeBody(c fiber.Ctx, out interface{}) error {
	body := c.Body()
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	return json.Unmarshal(body, out)
}

func badRequest(c fiber.Ctx, logger *logrus.Logger, op string, err error) error {
	logger.WithFields(logrus.Fields{
		"action":     "rpc_" + op,
		"request_id": RequestID(c),
	}).WithError(err).Warn("malformed rpc request")
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed_request"})
}

func logRPC(logger *logrus.Logger, c fiber.Ctx, op, path string, err error) {
	fields := logging.OpFields("rpc_"+op, path, 0)
	fields["request_id"] = RequestID(c)
	entry := logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Debug("rpc completed with error")
		return
	}
	entry.Debug("rpc completed")
}
