// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "courier/docs" // swagger docs
	"courier/internal/bus"
	"courier/internal/cache"
	"courier/internal/config"
	"courier/internal/database"
	"courier/internal/delivery"
	"courier/internal/middleware"
	"courier/internal/models"
	"courier/internal/notifications"
	"courier/internal/presence"
	"courier/internal/repository"
	"courier/internal/service"
	"courier/internal/session"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *database.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	userRepo     repository.UserRepository
	sessionRepo  repository.SessionRepository
	chatRepo     repository.ChatRepository
	messageRepo  repository.MessageRepository
	deliveryRepo repository.DeliveryRepository

	registry *session.Registry
	notifier *bus.Notifier
	stream   *bus.DeliveryStream
	tracker  *presence.Tracker
	hub      *notifications.Hub
	engine   *delivery.Engine

	userService    *service.UserService
	chatService    *service.ChatService
	messageService *service.MessageService
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	redisClient, err := cache.New(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewServerWithDeps(cfg, db, redisClient)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes DB/Redis.
func NewServerWithDeps(cfg *config.Config, db *database.DB, redisClient *redis.Client) (*Server, error) {
	prom := middleware.InitMetrics("courier-api")

	server := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: prom,
		userRepo:       repository.NewUserRepository(db, redisClient),
		sessionRepo:    repository.NewSessionRepository(db),
		chatRepo:       repository.NewChatRepository(db),
		messageRepo:    repository.NewMessageRepository(db),
		deliveryRepo:   repository.NewDeliveryRepository(db),
	}

	server.registry = session.NewRegistry(cfg, server.sessionRepo, redisClient)
	server.notifier = bus.NewNotifier(redisClient)
	server.stream = bus.NewDeliveryStream(redisClient, consumerName())
	server.tracker = presence.NewTracker(redisClient, presence.Config{})
	server.tracker.SetTransitionCallback(server.onPresenceTransition)
	server.hub = notifications.NewHub(server.tracker)
	server.engine = delivery.NewEngine(
		server.stream, server.deliveryRepo, server.messageRepo, server.tracker,
		server.notifier, cfg.ReconcileWindow)

	server.userService = service.NewUserService(server.userRepo)
	server.chatService = service.NewChatService(
		server.chatRepo, server.userRepo, server.messageRepo, server.notifier)
	server.messageService = service.NewMessageService(
		server.messageRepo, server.chatRepo, server.deliveryRepo,
		server.notifier, server.stream, redisClient, cfg)

	return server, nil
}

// consumerName identifies this node in the delivery consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "courier"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// onPresenceTransition persists status changes and fans them out to the
// user's contacts across the cluster. Contact ids ride in the event body so
// receiving nodes route without a database lookup.
func (s *Server) onPresenceTransition(userID uuid.UUID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.userRepo.UpdateStatus(ctx, userID, status, time.Now()); err != nil {
		middleware.Logger.Warn("failed to persist status transition",
			slog.String("user_id", userID.String()), slog.String("error", err.Error()))
	}

	contacts, err := s.chatRepo.ListContactIDs(ctx, userID)
	if err != nil {
		middleware.Logger.Warn("failed to resolve contacts for status fan-out",
			slog.String("user_id", userID.String()), slog.String("error", err.Error()))
		return
	}
	if len(contacts) == 0 {
		return
	}

	event, err := bus.NewEvent(bus.EventUserStatus, notifications.StatusUpdate{
		UserID:     userID,
		Status:     status,
		ContactIDs: contacts,
	})
	if err != nil {
		return
	}
	if perr := s.notifier.PublishStatus(ctx, event); perr != nil {
		middleware.Logger.Warn("failed to publish status transition",
			slog.String("user_id", userID.String()), slog.String("error", perr.Error()))
	}
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())

	// Prometheus Metrics
	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	// Security headers
	app.Use(helmet.New())

	// Structured Logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	// CORS middleware should run before middlewares that can short-circuit (e.g. limiter)
	// so browser clients still receive CORS headers on error responses.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	// Global rate limiting (100 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		// Never rate-limit preflight requests; they should be handled by CORS.
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	// Health checks
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	// Metrics endpoint for Prometheus
	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	api.Get("/metrics/dashboard", monitor.New(monitor.Config{
		Title: "Courier Backend Metrics Dashboard",
	}))

	// Swagger documentation
	api.Get("/swagger/*", swagger.HandlerDefault)

	// Auth routes
	auth := api.Group("/auth")
	auth.Post("/register", middleware.AuthAttemptLimit(
		s.redis, s.config.AuthAttemptLimit, s.config.AuthAttemptWin), s.Register)
	auth.Post("/login", middleware.AuthAttemptLimit(
		s.redis, s.config.AuthAttemptLimit, s.config.AuthAttemptWin), s.Login)
	auth.Post("/refresh", s.Refresh)
	auth.Post("/logout", s.AuthRequired(), s.Logout)

	// Protected routes
	protected := api.Group("", s.AuthRequired())

	// Session management
	sessions := protected.Group("/sessions")
	sessions.Get("/", s.ListSessions)
	sessions.Delete("/:id", s.RevokeSession)

	// User routes
	users := protected.Group("/users")
	users.Get("/me", s.GetMyProfile)
	users.Put("/me", s.UpdateMyProfile)
	users.Get("/search", s.SearchUsers)
	// Generic /:id route must be last
	users.Get("/:id", s.GetUserProfile)

	// WebSocket ticket issuance
	api.Post("/ws/ticket", s.AuthRequired(), s.IssueWSTicket)

	// Chat routes
	chats := protected.Group("/chats")
	chats.Get("/", s.GetChats)
	chats.Post("/direct", s.CreateDirectChat)
	chats.Post("/group", s.CreateGroupChat)
	// Define specific /:id/:resource routes BEFORE generic /:id route
	chats.Get("/:id/messages", s.GetChatMessages)
	chats.Post("/:id/messages", s.SendChatMessage)
	chats.Post("/:id/participants", s.AddChatParticipants)
	chats.Put("/:id/participants/:userId/role", s.UpdateParticipantRole)
	chats.Delete("/:id/participants/:userId", s.RemoveChatParticipant)
	chats.Post("/:id/transfer", s.TransferChatOwnership)
	chats.Post("/:id/read", s.MarkChatRead)
	chats.Post("/:id/leave", s.LeaveChat)
	// Generic /:id routes must be last
	chats.Get("/:id", s.GetChat)
	chats.Patch("/:id", s.UpdateChat)
	chats.Delete("/:id", s.DeleteChat)

	// Message routes
	messages := protected.Group("/messages")
	messages.Get("/search", s.SearchMessages)
	// Define specific /:id/:resource routes BEFORE generic /:id routes
	messages.Post("/:id/reactions", s.ReactToMessage)
	messages.Post("/:id/receipt", s.SetMessageReceipt)
	messages.Get("/:id/deliveries", s.GetMessageDeliveries)
	messages.Get("/:id/history", s.GetMessageEditHistory)
	messages.Patch("/:id", s.EditMessage)
	messages.Delete("/:id", s.DeleteMessage)
	messages.Get("/:id", s.GetMessage)

	// Websocket endpoint - protected by AuthRequired (single-use tickets)
	ws := api.Group("/ws", s.AuthRequired())
	ws.Get("/chat", s.WebSocketChatHandler())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.Write.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		// Redis carries the bus and delivery queue; without it the node
		// cannot serve real-time traffic.
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" || redisStatus != "healthy" {
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

// AuthRequired returns the authentication middleware
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		isWSPath := strings.HasPrefix(path, "/api/ws/")

		// 1. Try WebSocket ticket first (short-lived, single-use)
		ticket := c.Query("ticket")
		if ticket != "" && s.redis != nil {
			key := cache.WSTicketKey(ticket)
			value, err := s.redis.Get(c.Context(), key).Result()
			if err == nil {
				userID, sessionID, perr := parseTicketValue(value)
				if perr == nil {
					// Delete ticket immediately (single-use)
					s.redis.Del(c.Context(), key)
					return s.authenticated(c, userID, sessionID)
				}
			}
			// If a ticket was provided but invalid/expired, fail on WS paths
			if isWSPath {
				return models.RespondWithError(c,
					models.NewUnauthenticatedError("invalid or expired WebSocket ticket"))
			}
		}

		// 2. Fall back to a Bearer access token. WS routes must use tickets:
		// browsers cannot set headers on the upgrade request, and tokens in
		// query strings end up in access logs.
		authHeader := c.Get("Authorization")
		tokenString := ""
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
		if tokenString == "" || isWSPath {
			return models.RespondWithError(c,
				models.NewUnauthenticatedError("authorization required"))
		}

		userID, sessionID, err := s.registry.ResolveAccess(c.UserContext(), tokenString)
		if err != nil {
			return models.RespondWithError(c, err)
		}
		return s.authenticated(c, userID, sessionID)
	}
}

// authenticated stores the caller's identity in request state and continues.
func (s *Server) authenticated(c *fiber.Ctx, userID, sessionID uuid.UUID) error {
	c.Locals("userID", userID)
	c.Locals("sessionID", sessionID)
	// Sync to UserContext for logging and downstream services
	ctx := context.WithValue(c.UserContext(), middleware.UserIDKey, userID)
	c.SetUserContext(ctx)
	return c.Next()
}

// parseTicketValue splits the "userID:sessionID" payload stored under a
// websocket ticket key.
func parseTicketValue(value string) (uuid.UUID, uuid.UUID, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed ticket value")
	}
	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	sessionID, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return userID, sessionID, nil
}

// Start starts the server
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := fiber.New(fiber.Config{
		AppName: "Courier API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
			}
			log.Printf("Error: %v", err)
			return models.RespondWithError(c, models.NewInternalError(err))
		},
	})
	s.app = app

	s.SetupMiddleware(app)
	s.SetupRoutes(app)

	// Bridge the bus onto local sockets
	go func() {
		if err := s.hub.StartWiring(s.shutdownCtx, s.notifier); err != nil && ctx.Err() == nil {
			log.Printf("failed to start %s wiring: %v", s.hub.Name(), err)
		}
	}()

	// Background fan-out: stream consumer, claim sweep, reconciler
	go func() {
		if err := s.engine.Run(s.shutdownCtx); err != nil && ctx.Err() == nil {
			log.Printf("delivery engine stopped: %v", err)
		}
	}()

	// Hourly session cleanup
	go s.purgeSessionsLoop(s.shutdownCtx)

	log.Printf("Server starting on port %s...", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

func (s *Server) purgeSessionsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.registry.PurgeExpired(ctx); err != nil {
				log.Printf("session purge failed: %v", err)
			} else if n > 0 {
				log.Printf("purged %d expired sessions", n)
			}
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Cancel the server-scoped context to stop wiring and engine goroutines
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	// Shutdown the HTTP/WS server
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			log.Printf("error shutting down HTTP server: %v", err)
		}
	}

	// Close WebSocket connections gracefully
	if err := s.hub.Shutdown(ctx); err != nil {
		log.Printf("error shutting down %s: %v", s.hub.Name(), err)
	}
	s.tracker.Stop()

	// Close database connection
	if err := s.db.Close(); err != nil {
		log.Printf("error closing database: %v", err)
	}

	// Close Redis connection
	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			log.Printf("error closing redis: %v", rerr)
		}
	}

	log.Println("Server shutdown complete")
	return nil
}
