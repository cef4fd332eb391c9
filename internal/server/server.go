// Package server contains the HTTP and WebSocket handlers for the API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"murmur/internal/auth"
	"murmur/internal/config"
	"murmur/internal/database"
	"murmur/internal/middleware"
	"murmur/internal/models"
	"murmur/internal/observability"
	"murmur/internal/realtime"
	"murmur/internal/repository"
	"murmur/internal/service"
	"murmur/internal/session"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers.
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	verifier *auth.Verifier
	store    *session.Store
	registry *realtime.Registry
	bus      *realtime.Bus
	delivery *realtime.Delivery
	loop     *realtime.Loop
	listener *realtime.Listener

	userRepo repository.UserRepository
	chatRepo repository.ChatRepository
	msgRepo  repository.MessageRepository

	userService    *service.UserService
	chatService    *service.ChatService
	messageService *service.MessageService
}

// NewServer creates a server instance, connecting the database and Redis.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	redisClient := session.InitRedis(cfg.RedisURL)
	return NewServerWithDeps(cfg, db, redisClient)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Used by tests and by bootstrap layers that establish DB/Redis themselves.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	store := session.New(redisClient, session.Options{
		OnlineTTL:  cfg.OnlineTTL(),
		OfflineCap: int64(cfg.OfflineQueueCap),
	})

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAlgorithm,
		cfg.AccessTokenTTL(), cfg.RefreshTokenTTL(), store)
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}
	middleware.InitAuth(verifier)

	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)
	msgRepo := repository.NewMessageRepository(db)

	messageService := service.NewMessageService(msgRepo, chatRepo)
	registry := realtime.NewRegistry()
	bus := realtime.NewBus(store)
	delivery := realtime.NewDelivery(registry, store, messageService, chatRepo)

	server := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: observability.InitHTTPMetrics("murmur-api"),
		verifier:       verifier,
		store:          store,
		registry:       registry,
		bus:            bus,
		delivery:       delivery,
		loop: realtime.NewLoop(messageService, bus, store,
			cfg.RateLimitMax, cfg.RateLimitWindow()),
		listener:       realtime.NewListener(store, delivery),
		userRepo:       userRepo,
		chatRepo:       chatRepo,
		msgRepo:        msgRepo,
		userService:    service.NewUserService(userRepo),
		chatService:    service.NewChatService(chatRepo, userRepo, store),
		messageService: messageService,
	}
	return server, nil
}

// SetupMiddleware configures middleware for the Fiber app.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
		app.Use(s.promMiddleware.Middleware)
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())
	if s.config.TracingEnabled {
		app.Use(middleware.TracingMiddleware())
	}

	// CORS runs before middlewares that can short-circuit so browser
	// clients still get CORS headers on error responses.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Global per-IP limit; the message-frame limit is separate (see the
	// realtime loop).
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: time.Minute,
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

// SetupRoutes configures all routes for the application.
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	authGroup := api.Group("/auth")
	authGroup.Post("/register", s.Register)
	authGroup.Post("/login", s.Login)
	authGroup.Post("/refresh", s.Refresh)
	authGroup.Post("/logout", middleware.AuthRequired, s.Logout)

	users := api.Group("/users", middleware.AuthRequired)
	users.Get("/me", s.GetMyProfile)
	users.Get("/", s.GetAllUsers)

	chats := api.Group("/chats", middleware.AuthRequired)
	chats.Post("/", s.CreateChat)
	chats.Get("/", s.GetMyChats)
	chats.Get("/:id/messages", s.GetChatMessages)
	chats.Post("/:id/participants", s.AddParticipant)
	chats.Delete("/:id/participants/:userId", s.RemoveParticipant)
	chats.Get("/:id", s.GetChat)

	messages := api.Group("/messages", middleware.AuthRequired)
	messages.Put("/:id", s.EditMessage)
	messages.Delete("/:id", s.DeleteMessage)

	// Realtime endpoint. Browsers cannot set upgrade headers, so the
	// middleware also accepts the token as a query parameter.
	api.Get("/ws", middleware.WebSocketAuthRequired, s.WebSocketHandler())
}

// LivenessCheck handles liveness probe requests.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
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
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	overall := "healthy"
	if dbStatus == "unhealthy" || redisStatus != "healthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// BuildApp assembles the Fiber app without listening. Split from Start so
// tests can drive the app directly.
func (s *Server) BuildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "Murmur API",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error",
				slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})
	s.app = app
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	return app
}

// Start builds the app, starts the bus listener, and listens.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := s.BuildApp()
	go s.listener.Run(s.shutdownCtx)

	middleware.Logger.Info("server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully stops the server: HTTP first, then every socket with
// a normal close, then the backing connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Warn("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	s.registry.CloseAll("server shutting down")

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Warn("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}
	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Warn("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
