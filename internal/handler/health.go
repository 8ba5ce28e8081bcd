package handler

import (
	"context"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
	"github.com/voxnote/bot/pkg/response"
)

// HealthHandler serves liveness and host status. Neither route touches the
// transcription pipeline.
type HealthHandler struct {
	identity string
	queue    QueueStats
	started  time.Time
	log      *logrus.Entry
}

func NewHealthHandler(identity string, queue QueueStats, log *logrus.Entry) *HealthHandler {
	return &HealthHandler{identity: identity, queue: queue, started: time.Now(), log: log}
}

// Health handles GET /health
// @Summary      Liveness and backend identity
// @Tags         Health
// @Produce      json
// @Success      200
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"status":   "ok",
		"identity": h.identity,
		"queue":    h.queue.Stats(),
	})
}

type hostStatus struct {
	MemoryTotal   uint64  `json:"memoryTotal,omitempty"`
	MemoryUsed    uint64  `json:"memoryUsed,omitempty"`
	MemoryPercent float64 `json:"memoryPercent,omitempty"`
	Load1         float64 `json:"load1,omitempty"`
	Load5         float64 `json:"load5,omitempty"`
	Load15        float64 `json:"load15,omitempty"`
}

// Status handles GET /status
// @Summary      Process and host resource report
// @Tags         Health
// @Produce      json
// @Success      200
// @Router       /status [get]
func (h *HealthHandler) Status(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	var host hostStatus
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		host.MemoryTotal = vm.Total
		host.MemoryUsed = vm.Used
		host.MemoryPercent = vm.UsedPercent
	} else {
		h.log.WithError(err).Debug("Memory stats unavailable")
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		host.Load1, host.Load5, host.Load15 = avg.Load1, avg.Load5, avg.Load15
	} else {
		h.log.WithError(err).Debug("Load average unavailable")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return response.OK(c, fiber.Map{
		"identity":   h.identity,
		"uptimeSec":  int64(time.Since(h.started).Seconds()),
		"goroutines": runtime.NumGoroutine(),
		"heapAlloc":  ms.HeapAlloc,
		"queue":      h.queue.Stats(),
		"host":       host,
	})
}
