package handler

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/voxnote/bot/internal/model"
	"github.com/voxnote/bot/internal/service"
	"github.com/voxnote/bot/pkg/response"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Intake admits inbound media.
type Intake interface {
	Handle(ctx context.Context, ev model.InboundEvent) (*model.Job, error)
}

// WebhookHandler receives Telegram updates.
type WebhookHandler struct {
	intake Intake
	secret string
	log    *logrus.Entry
}

func NewWebhookHandler(intake Intake, secret string, log *logrus.Entry) *WebhookHandler {
	return &WebhookHandler{intake: intake, secret: secret, log: log}
}

// Update handles POST /telegram/webhook. Once authenticated, every update is
// acknowledged with 200 so Telegram does not redeliver it; rejections are
// reported to the chat instead.
func (h *WebhookHandler) Update(c *fiber.Ctx) error {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(c.Get(secretHeader)), []byte(h.secret)) != 1 {
		return response.Unauthorized(c, "Invalid webhook secret")
	}

	var update model.Update
	if err := c.BodyParser(&update); err != nil {
		return response.ValidationError(c, "Invalid update body", nil)
	}

	log := h.log.WithField("update_id", update.UpdateID)
	if update.Message == nil {
		return response.OK(c, fiber.Map{"ok": true})
	}

	ev, ok := update.Message.InboundEvent()
	if !ok {
		log.Debug("Update carries no media")
		return response.OK(c, fiber.Map{"ok": true})
	}

	job, err := h.intake.Handle(c.UserContext(), ev)
	if err != nil {
		var vErr *service.ValidationError
		switch {
		case errors.Is(err, service.ErrNoMedia):
		case errors.As(err, &vErr), errors.Is(err, service.ErrRateLimited):
			log.WithError(err).Info("Media rejected")
		default:
			log.WithError(err).Warn("Media not admitted")
		}
		return response.OK(c, fiber.Map{"ok": true})
	}

	return response.OK(c, fiber.Map{"ok": true, "jobId": job.ID})
}
