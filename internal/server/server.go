// Package server assembles the HTTP surface: the Telegram webhook, health
// routes, the admin API and the job progress websocket.
package server

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/voxnote/bot/internal/handler"
	"github.com/voxnote/bot/internal/middleware"
	ws "github.com/voxnote/bot/internal/websocket"
	"github.com/voxnote/bot/pkg/response"
)

// Options tune the app.
type Options struct {
	Debug     bool
	APIPerMin int
	// AccessLog disables the request log when false.
	AccessLog bool
}

// Deps are the handlers and middleware the routes dispatch to.
type Deps struct {
	Webhook     *handler.WebhookHandler
	Health      *handler.HealthHandler
	Jobs        *handler.JobHandler
	Stats       *handler.StatsHandler
	Auth        *handler.AuthHandler
	APIAuth     fiber.Handler
	RateLimiter *middleware.RateLimiter
	Hub         *ws.Hub
}

// New builds the fiber app with all routes registered.
func New(d Deps, opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	if opts.AccessLog {
		logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
		if opts.Debug {
			logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		}
		app.Use(logger.New(logger.Config{Format: logFormat}))
	}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})
	app.Get("/health", d.Health.Health)
	app.Get("/status", d.Health.Status)
	app.Get("/auth/verify", d.Auth.Verify)

	app.Post("/telegram/webhook", d.Webhook.Update)

	api := app.Group("/api",
		cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept,Authorization",
		}),
		d.APIAuth,
		d.RateLimiter.Limit("api", opts.APIPerMin, time.Minute),
	)
	api.Get("/queue", d.Jobs.Queue)
	api.Get("/jobs/:jobId", d.Jobs.Get)

	stats := api.Group("/stats")
	stats.Get("/", d.Stats.Get)
	stats.Get("/eta", d.Stats.ETA)
	stats.Get("/hints", d.Stats.Hints)
	stats.Get("/export", d.Stats.Export)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		d.Hub.HandleConnection(c, c.Params("jobId"))
	}))

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	errCode := response.CodeServiceError
	switch {
	case code == fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case code < 500 && strings.HasPrefix(message, "Unauthorized"):
		errCode = response.CodeUnauthorized
	case code < 500:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
