package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trr/admin-api/internal/auth"
	"github.com/trr/admin-api/internal/client"
	"github.com/trr/admin-api/internal/config"
	"github.com/trr/admin-api/internal/handler"
	"github.com/trr/admin-api/internal/middleware"
	"github.com/trr/admin-api/internal/service"
	"github.com/trr/admin-api/internal/streamproxy"
	ws "github.com/trr/admin-api/internal/websocket"
	"github.com/trr/admin-api/internal/worker"
	"github.com/trr/admin-api/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.Server.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Server.Env == "production" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis not available")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := handler.NewValidator()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()
	defer hub.Stop()

	// Token verification: JWKS when an issuer is configured, HMAC as fallback
	var verifiers []auth.TokenVerifier
	jwksEnabled := false
	if cfg.Auth.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(ctx, &cfg.Auth)
		if err != nil {
			log.WithError(err).Warn("JWKS verifier not initialized")
		} else {
			defer jwksVerifier.Close()
			verifiers = append(verifiers, jwksVerifier)
			jwksEnabled = true
		}
	}
	if cfg.JWT.Secret != "" {
		verifiers = append(verifiers, auth.NewHMACVerifier(cfg.JWT.Secret))
	}
	authorizer := auth.NewAdminAuthorizer(cfg.Auth.AdminAllowlist, verifiers...)
	if !authorizer.Configured() {
		log.Warn("Admin auth is not fully configured; admin routes will reject every request")
	}

	backendClient := client.NewBackendClient(&cfg.Backend)
	if !backendClient.IsConfigured() {
		log.Warn("TRR_API_URL not set; stream routes will return 500")
	}
	proxy := streamproxy.New(backendClient, streamproxy.ConfigFrom(cfg.Stream))

	// Initialize services
	refreshJobService := service.NewRefreshJobService(redisClient, asynqClient)

	// Initialize handlers
	streamHandler := handler.NewStreamHandler(backendClient, proxy, validate)
	refreshJobHandler := handler.NewRefreshJobHandler(refreshJobService, backendClient, hub, validate)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(authorizer)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if level >= log.DebugLevel {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeader:" + client.RequestIDHeader + "}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization," + client.RequestIDHeader,
		ExposeHeaders:    "Retry-After,X-RateLimit-Limit,X-RateLimit-Remaining",
		AllowCredentials: false,
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"backend": backendClient.IsConfigured() && backendClient.HasCredential(),
				"auth":    authorizer.Configured(),
				"jwks":    jwksEnabled,
				"redis":   redisClient.Ping(c.UserContext()).Err() == nil,
			},
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Admin routes
	admin := app.Group("/api/admin/trr-api", authMiddleware.RequireAdmin())

	streams := rateLimiter.StreamLimit(cfg.RateLimit.StreamsPerHour)
	admin.Post("/shows/:showId/refresh-photos/stream", streams, streamHandler.Proxy(handler.RefreshShowPhotos))
	admin.Post("/people/:personId/refresh-images/stream", streams, streamHandler.Proxy(handler.RefreshPersonImages))
	admin.Post("/people/:personId/reprocess-images/stream", streams, streamHandler.Proxy(handler.ReprocessPersonImages))
	admin.Post("/shows/:showId/seasons/:seasonNumber/assets/batch-jobs/stream", streams, streamHandler.Proxy(handler.SeasonAssetBatchJobs))
	admin.Post("/shows/:showId/import-bravo/preview/stream", streams, streamHandler.Proxy(handler.PreviewBravoImport))

	admin.Post("/shows/:showId/refresh-photos/jobs", rateLimiter.JobLimit(cfg.RateLimit.JobsPerHour), refreshJobHandler.Start)
	admin.Get("/refresh-jobs/:jobId", refreshJobHandler.Status)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/refresh-jobs/:jobId", authMiddleware.RequireAdmin(), websocket.New(refreshJobHandler.Subscribe))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runWorkerServer(gctx, redisOpt, level, refreshJobService, proxy, hub)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
		return nil
	})

	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		log.WithField("addr", addr).Info("Server starting")
		if err := app.Listen(addr); err != nil {
			return err
		}
		// Listen returns nil after shutdown; make sure the worker stops too.
		stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("Server error")
	}
}

func runWorkerServer(ctx context.Context, redisOpt asynq.RedisClientOpt, level log.Level, jobs *service.RefreshJobService, proxy *streamproxy.Proxy, hub *ws.Hub) error {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			service.QueueRefresh: 1,
		},
		Logger:   log.StandardLogger(),
		LogLevel: asynqLogLevel(level),
	})

	refreshWorker := worker.NewRefreshWorker(jobs, proxy, hub)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRefreshPhotos, refreshWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		log.WithError(err).Error("Asynq worker error")
		return nil
	}

	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func asynqLogLevel(level log.Level) asynq.LogLevel {
	switch {
	case level >= log.DebugLevel:
		return asynq.DebugLevel
	case level >= log.InfoLevel:
		return asynq.InfoLevel
	case level >= log.WarnLevel:
		return asynq.WarnLevel
	default:
		return asynq.ErrorLevel
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	} else {
		log.WithError(err).WithField("path", c.Path()).Error("Unhandled request error")
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusBadRequest, fiber.StatusRequestEntityTooLarge:
		errCode = response.CodeValidationError
	}

	return response.Error(c, code, errCode, strings.TrimSpace(message), nil)
}
