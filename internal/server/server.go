// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "gizchat/docs" // swagger docs
	"gizchat/internal/config"
	"gizchat/internal/database"
	"gizchat/internal/featureflags"
	"gizchat/internal/middleware"
	"gizchat/internal/models"
	"gizchat/internal/notifications"
	"gizchat/internal/repository"
	"gizchat/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// wireableHub is implemented by every realtime component that can be wired
// to Redis pub/sub and gracefully shut down.
type wireableHub interface {
	Name() string
	StartWiring(ctx context.Context, n *notifications.Notifier) error
	Shutdown(ctx context.Context) error
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	store          repository.ChatStore
	auth           *middleware.TokenAuthenticator
	notifier       *notifications.Notifier
	groups         *notifications.Groups
	presence       *notifications.ConnectionManager
	sendLimiter    *middleware.RedisLimiter
	hubs           []wireableHub // all hubs for wiring/shutdown iteration
	featureFlags   *featureflags.Manager
	chatService    *service.ChatService
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient may be nil: groups then deliver in-process only and websocket
// tickets are unavailable.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}

	store := repository.NewChatStore(db)
	server := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("gizchat-api"),
		store:          store,
		auth:           middleware.NewTokenAuthenticator(cfg, redisClient),
		notifier:       notifications.NewNotifier(redisClient),
		groups: notifications.NewGroups(notifications.GroupsConfig{
			MaxConnsPerGroup: cfg.WSMaxConnsPerUser,
		}),
		sendLimiter:  middleware.NewRedisLimiter(redisClient, "send_chat", cfg.ChatSendLimit, cfg.SendWindow()),
		featureFlags: featureflags.NewManager(cfg.FeatureFlags),
		chatService: service.NewChatService(store, service.ChatServiceOptions{
			MaxMessageLength: cfg.ChatMaxMessageLength,
		}),
	}
	server.presence = notifications.NewConnectionManager(redisClient, notifications.ConnectionManagerConfig{
		OfflineGracePeriod: time.Duration(cfg.PresenceOfflineGraceSec) * time.Second,
		OnUserOffline:      server.recordLastSeen,
	})
	server.hubs = []wireableHub{server.groups}

	return server, nil
}

func (s *Server) recordLastSeen(userID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Users().UpdateLastSeen(ctx, userID, time.Now()); err != nil {
		middleware.Logger.WarnContext(ctx, "failed to record last seen",
			slog.Uint64("user_id", uint64(userID)), slog.String("error", err.Error()))
	}
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())

	// Structured Logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so error responses still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Global rate limiting (100 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				models.NewRateLimitedError("requests"))
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "gizchat Metrics Dashboard",
	}))

	api.Get("/swagger/*", swagger.HandlerDefault)

	// The chat socket authenticates itself: anonymous upgrades are accepted
	// and closed by the session. It must be registered before the protected
	// group, whose auth middleware covers every later /api route.
	ws := api.Group("/ws")
	ws.Get("/chat", middleware.OptionalWebSocketAuth(s.auth), requireUpgrade, s.WebSocketChatHandler())
	ws.Post("/ticket", middleware.AuthRequired(s.auth), s.IssueWSTicket)

	protected := api.Group("", middleware.AuthRequired(s.auth))
	protected.Get("/feature-flags", s.GetFeatureFlags)

	conversations := protected.Group("/conversations")
	conversations.Get("/", s.GetConversations)
	conversations.Post("/", s.CreateConversation)
	// Define specific /:id/:resource routes BEFORE generic /:id route
	conversations.Get("/:id/messages", s.GetMessages)
	conversations.Post("/:id/messages", middleware.RateLimit(
		s.redis, s.config.ChatSendLimit, s.config.SendWindow(), "send_chat"), s.SendMessage)
	conversations.Post("/:id/read", s.MarkConversationRead)
	conversations.Delete("/:id", s.HideConversation)
	conversations.Get("/:id", s.GetConversation)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests. Redis is optional: a
// missing client is reported but does not fail readiness.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if err := database.Ping(ctx, s.db); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "unavailable"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// buildApp creates the Fiber app and wires realtime components to Redis.
func (s *Server) buildApp() *fiber.App {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := fiber.New(fiber.Config{
		AppName: "gizchat",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.app = app

	s.SetupMiddleware(app)
	s.SetupRoutes(app)

	if s.notifier.Enabled() {
		for _, h := range s.hubs {
			if err := h.StartWiring(s.shutdownCtx, s.notifier); err != nil {
				middleware.Logger.Error("failed to start hub wiring",
					slog.String("hub", h.Name()), slog.String("error", err.Error()))
			}
		}
	}
	return app
}

// Start starts the server on the configured port.
func (s *Server) Start() error {
	app := s.buildApp()
	middleware.Logger.Info("Server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	for _, h := range s.hubs {
		if err := h.Shutdown(ctx); err != nil {
			middleware.Logger.Error("error shutting down hub", slog.String("hub", h.Name()), slog.String("error", err.Error()))
		}
	}
	s.presence.Stop()

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("Server shutdown complete")
	return nil
}
