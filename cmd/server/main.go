package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/voxnote/bot/internal/auth"
	"github.com/voxnote/bot/internal/client"
	"github.com/voxnote/bot/internal/config"
	"github.com/voxnote/bot/internal/handler"
	"github.com/voxnote/bot/internal/logger"
	"github.com/voxnote/bot/internal/middleware"
	"github.com/voxnote/bot/internal/queue"
	"github.com/voxnote/bot/internal/server"
	"github.com/voxnote/bot/internal/service"
	"github.com/voxnote/bot/internal/stats"
	"github.com/voxnote/bot/internal/timeout"
	"github.com/voxnote/bot/internal/transcode"
	"github.com/voxnote/bot/internal/worker"
	ws "github.com/voxnote/bot/internal/websocket"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 2 * time.Minute
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logger.New(cfg.Server.LogLevel, cfg.Server.Env)

	// "server token <subject>" prints an admin API token and exits
	if len(os.Args) > 2 && os.Args[1] == "token" {
		issueToken(cfg, os.Args[2], log)
		return
	}

	if cfg.Telegram.BotToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis (optional: rate limits, job records, stats backend)
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("Redis not available")
		}
		defer redisClient.Close()
	}

	// R2 (optional: stats backend, export hosting)
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.WithError(err).Warn("R2 client not initialized")
		} else {
			storage = r2Client
		}
	}

	asrClient := client.NewASRClient(&cfg.ASR)
	identity, err := asrClient.ResolveIdentity(ctx)
	if err != nil {
		log.WithError(err).Warn("Transcription backend health unavailable, using configured identity")
	}
	log.WithField("identity", identity).Info("Transcription backend")

	backend, err := statsBackend(cfg, redisClient, storage)
	if err != nil {
		log.WithError(err).Fatal("Invalid stats backend")
	}
	store := stats.NewStore(backend, identity, log.Component("stats"))
	store.Load(ctx)

	estimator := timeout.NewEstimator(cfg.Timeouts)
	jobQueue := queue.New(cfg.Queue.Concurrency, cfg.Queue.MaxDepth, log.Component("queue"))

	hub := ws.NewHub(log.Component("websocket"))
	go hub.Run(ctx)

	telegram := client.NewTelegramClient(&cfg.Telegram)
	transcoder := transcode.New(cfg.Transcoder.FFmpegPath, cfg.Transcoder.SampleRate)
	jobService := service.NewJobService(redisClient, log.Component("jobs"))
	rateLimiter := middleware.NewRateLimiter(redisClient)

	transcribeWorker := worker.NewTranscribeWorker(
		jobService, store, estimator, telegram, telegram, transcoder, asrClient, hub,
		worker.Options{
			Identity:      identity,
			ScratchDir:    cfg.Server.ScratchDir,
			MaxFileBytes:  cfg.Limits.MaxFileBytes,
			MaxMessageLen: cfg.Limits.MaxMessageLen,
			RetryAttempts: cfg.Retry.Attempts,
			RetryDelay:    cfg.Retry.Delay,
		},
		log.Component("worker"),
	)

	validate := validator.New()
	intake := service.NewIntakeService(
		cfg.Limits, cfg.RateLimit.JobsPerHour, validate,
		jobService, jobQueue, transcribeWorker, telegram, rateLimiter,
		log.Component("intake"),
	)

	verifier := tokenVerifier(ctx, cfg, log)
	apiAuth := middleware.Authenticate(verifier)
	if cfg.Gateway.Enabled {
		log.Info("Gateway mode enabled, using header-based auth")
		apiAuth = middleware.GatewayAuth()
	}

	app := server.New(server.Deps{
		Webhook:     handler.NewWebhookHandler(intake, cfg.Telegram.WebhookSecret, log.Component("webhook")),
		Health:      handler.NewHealthHandler(identity, jobQueue, log.Component("health")),
		Jobs:        handler.NewJobHandler(jobService, jobQueue),
		Stats:       handler.NewStatsHandler(store, storage, validate, log.Component("stats")),
		Auth:        handler.NewAuthHandler(verifier),
		APIAuth:     apiAuth,
		RateLimiter: rateLimiter,
		Hub:         hub,
	}, server.Options{
		Debug:     strings.EqualFold(cfg.Server.LogLevel, "debug"),
		APIPerMin: cfg.RateLimit.APIPerMin,
		AccessLog: true,
	})

	go func() {
		<-ctx.Done()
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.WithField("addr", addr).Info("Server starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Fatal("Server error")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := jobQueue.Drain(drainCtx); err != nil {
		log.WithError(err).Warn("Admitted jobs still running at exit")
	}
	log.Info("Server stopped")
}

func statsBackend(cfg *config.Config, redisClient *redis.Client, storage client.StorageClient) (stats.Backend, error) {
	switch strings.ToLower(cfg.Stats.Backend) {
	case "", "file":
		return stats.NewFileBackend(cfg.Stats.Path), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("stats backend redis needs REDIS_ADDR")
		}
		return stats.NewRedisBackend(redisClient, cfg.Stats.RedisKey), nil
	case "r2":
		if storage == nil {
			return nil, errors.New("stats backend r2 needs R2 credentials")
		}
		return stats.NewObjectBackend(storage, cfg.Stats.ObjectKey), nil
	default:
		return nil, errors.New("unknown stats backend " + cfg.Stats.Backend)
	}
}

// tokenVerifier accepts OIDC tokens when an issuer is configured and HMAC
// tokens when a secret is set. It returns nil when neither is.
func tokenVerifier(ctx context.Context, cfg *config.Config, log *logger.Logger) auth.TokenVerifier {
	var chain auth.Chain
	if cfg.OIDC.Issuer != "" {
		oidc, err := auth.NewOIDCVerifier(ctx, &cfg.OIDC)
		if err != nil {
			log.WithError(err).Warn("OIDC verifier not initialized")
		} else {
			chain = append(chain, oidc)
		}
	}
	if cfg.JWT.Secret != "" {
		chain = append(chain, auth.NewHMACVerifier(cfg.JWT.Secret))
	}
	if len(chain) == 0 {
		log.Warn("No admin token source configured, /api is closed")
		return nil
	}
	return chain
}

func issueToken(cfg *config.Config, subject string, log *logger.Logger) {
	ttl := time.Duration(cfg.JWT.Expiration) * time.Hour
	token, err := auth.NewHMACVerifier(cfg.JWT.Secret).Issue(subject, "", ttl)
	if err != nil {
		log.WithError(err).Fatal("JWT_SECRET is required to issue tokens")
	}
	fmt.Println(token)
}
