package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/voxnote/bot/internal/client"
	"github.com/voxnote/bot/internal/model"
	"github.com/voxnote/bot/internal/stats"
	"github.com/voxnote/bot/pkg/response"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	exportURLExpiry = time.Hour
)

// StatsReader is the read side of the statistics store.
type StatsReader interface {
	Identity() string
	Sections(ctx context.Context) []stats.Section
	Summary(ctx context.Context) string
	ETA(ctx context.Context, key string, durationSec *float64) *stats.ETA
	TimingHints(ctx context.Context, key string) model.TimingHints
	WriteWorkbook(ctx context.Context, w io.Writer) error
}

type StatsHandler struct {
	store     StatsReader
	storage   client.StorageClient
	validator *validator.Validate
	log       *logrus.Entry
	now       func() time.Time
}

// NewStatsHandler creates the admin stats handler. storage may be nil, in
// which case exports are only streamed.
func NewStatsHandler(store StatsReader, storage client.StorageClient, v *validator.Validate, log *logrus.Entry) *StatsHandler {
	return &StatsHandler{store: store, storage: storage, validator: v, log: log, now: time.Now}
}

type etaQuery struct {
	Duration *float64 `query:"duration" validate:"omitempty,gt=0"`
}

type statsResponse struct {
	Identity string          `json:"identity"`
	Models   []stats.Section `json:"models"`
	Summary  string          `json:"summary"`
}

// Get handles GET /api/stats
// @Summary      Per-backend job statistics
// @Tags         Stats
// @Produce      json
// @Success      200 {object} statsResponse
// @Security     BearerAuth
// @Router       /api/stats [get]
func (h *StatsHandler) Get(c *fiber.Ctx) error {
	ctx := c.UserContext()
	return response.OK(c, statsResponse{
		Identity: h.store.Identity(),
		Models:   h.store.Sections(ctx),
		Summary:  h.store.Summary(ctx),
	})
}

// ETA handles GET /api/stats/eta?duration=<sec>&key=<identity>
// @Summary      Pre-job time estimate
// @Tags         Stats
// @Produce      json
// @Param        duration query number false "Declared media duration in seconds"
// @Param        key query string false "Backend identity, defaults to the active one"
// @Success      200 {object} stats.ETA
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/stats/eta [get]
func (h *StatsHandler) ETA(c *fiber.Ctx) error {
	var q etaQuery
	if err := c.QueryParser(&q); err != nil {
		return response.ValidationError(c, "duration must be a number", nil)
	}
	if err := h.validator.Struct(&q); err != nil {
		return response.ValidationError(c, "Validation failed", response.FieldErrors(err))
	}

	eta := h.store.ETA(c.UserContext(), h.key(c), q.Duration)
	if eta == nil {
		return response.NotFound(c, "No jobs recorded for this backend")
	}
	return response.OK(c, fiber.Map{
		"eta":  eta,
		"text": eta.Text(),
	})
}

// Hints handles GET /api/stats/hints?key=<identity>
// @Summary      Learned stage rates
// @Tags         Stats
// @Produce      json
// @Success      200 {object} model.TimingHints
// @Security     BearerAuth
// @Router       /api/stats/hints [get]
func (h *StatsHandler) Hints(c *fiber.Ctx) error {
	return response.OK(c, h.store.TimingHints(c.UserContext(), h.key(c)))
}

// Export handles GET /api/stats/export. With ?upload=true the workbook is
// stored in object storage and a signed link is returned instead.
// @Summary      Export statistics as xlsx
// @Tags         Stats
// @Produce      application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param        upload query bool false "Store in object storage and return a link"
// @Success      200
// @Failure      400 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/stats/export [get]
func (h *StatsHandler) Export(c *fiber.Ctx) error {
	ctx := c.UserContext()

	var buf bytes.Buffer
	if err := h.store.WriteWorkbook(ctx, &buf); err != nil {
		return response.ServiceError(c, "Failed to build workbook")
	}

	name := fmt.Sprintf("stats-%s.xlsx", h.now().UTC().Format("20060102-150405"))

	if !c.QueryBool("upload") {
		c.Set(fiber.HeaderContentType, xlsxContentType)
		c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, name))
		return c.Send(buf.Bytes())
	}

	if h.storage == nil {
		return response.ValidationError(c, "Object storage is not configured", nil)
	}

	key := "exports/" + name
	if _, err := h.storage.Upload(ctx, key, &buf, xlsxContentType); err != nil {
		h.log.WithError(err).Error("Failed to upload stats export")
		return response.UpstreamError(c, "Failed to upload export")
	}
	url, err := h.storage.GetSignedURL(ctx, key, exportURLExpiry)
	if err != nil {
		h.log.WithError(err).Error("Failed to sign stats export")
		return response.UpstreamError(c, "Failed to sign export URL")
	}

	return response.OK(c, fiber.Map{
		"key":       key,
		"url":       url,
		"expiresAt": h.now().Add(exportURLExpiry).UTC(),
	})
}

func (h *StatsHandler) key(c *fiber.Ctx) string {
	if k := c.Query("key"); k != "" {
		return k
	}
	return h.store.Identity()
}
