package server

import (
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/fileproxy/internal/cache"
	"github.com/any-hub/fileproxy/internal/metrics"
)

// statsPayload 描述 /-/stats 的输出。
type statsPayload struct {
	Role      string `json:"role"`
	Used      int64  `json:"used_bytes"`
	Capacity  int64  `json:"capacity_bytes"`
	UsedHuman string `json:"used"`
	Entries   int    `json:"entries"`
	Snapshots int    `json:"snapshots"`
	Sessions  int    `json:"sessions"`
}

type diagnostics struct {
	role     string
	cache    *cache.Store
	sessions func() int
	metrics  *metrics.Registry
}

// registerDiagnostics 暴露 /-/healthz、/-/stats 与 /-/metrics。
func registerDiagnostics(app *fiber.App, d diagnostics) {
	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "role": d.role})
	})

	app.Get("/-/stats", func(c fiber.Ctx) error {
		payload := statsPayload{Role: d.role}
		if d.cache != nil {
			st := d.cache.Stats()
			payload.Used = st.Used
			payload.Capacity = st.Capacity
			payload.UsedHuman = humanize.IBytes(uint64(st.Used))
			payload.Entries = st.Entries
			payload.Snapshots = st.Snapshots
		}
		if d.sessions != nil {
			payload.Sessions = d.sessions()
		}
		return c.JSON(payload)
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(d.metrics.Handler()))
}
