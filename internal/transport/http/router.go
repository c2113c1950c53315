package http

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sjq/engine/internal/config"
	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/transport/http/handlers"
	httpmw "github.com/sjq/engine/internal/transport/http/middleware"
)

type RouterConfig struct {
	Queue          ports.TaskQueueService
	Agents         ports.AgentService
	Settings       ports.SettingService
	Logger         *logger.Logger
	Config         *config.Config
	StreamInterval time.Duration
}

// NewApp builds the admin API with its middleware stack and routes.
func NewApp(cfg RouterConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Config.HTTP.ReadTimeout,
		WriteTimeout:          cfg.Config.HTTP.WriteTimeout,
		IdleTimeout:           cfg.Config.HTTP.IdleTimeout,
		ErrorHandler:          globalErrorHandler(cfg.Logger),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.Config.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Config.Auth.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Token",
		AllowMethods: "GET, POST, HEAD, PUT, DELETE, PATCH",
	}))

	app.Use(httpmw.RequestID(cfg.Config.Features.RequestIDHeader))
	if cfg.Config.Features.EnableRequestLogging {
		app.Use(httpmw.AccessLog(cfg.Logger))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupRoutes(app, cfg)
	return app
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	taskHandler := handlers.NewTaskHandler(cfg.Queue, cfg.Logger)
	agentHandler := handlers.NewAgentHandler(cfg.Agents, cfg.Logger)
	settingHandler := handlers.NewSettingHandler(cfg.Settings, cfg.Logger)
	statusHandler := handlers.NewStatusHandler(cfg.Queue, cfg.Agents, cfg.Settings)
	streamHandler := handlers.NewQueueStreamHandler(cfg.Queue, cfg.Logger, cfg.StreamInterval)

	auth := httpmw.AdminAuth(cfg.Config)

	// Live queue stream
	app.Use("/ws", auth, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/queue", websocket.New(streamHandler.Handle))

	api := app.Group("/api/v1", auth)

	api.Get("/status", statusHandler.GetStatus)

	tasks := api.Group("/tasks")
	tasks.Get("/", taskHandler.GetTasks)
	tasks.Post("/", taskHandler.CreateTask)
	tasks.Post("/start", taskHandler.StartTasks)
	tasks.Get("/:id", taskHandler.GetTask)
	tasks.Delete("/:id", taskHandler.DeleteTask)
	tasks.Put("/:id/args", taskHandler.SetArgs)
	tasks.Post("/:id/result", taskHandler.ReportResult)

	agents := api.Group("/agents")
	agents.Get("/", agentHandler.GetAgents)
	agents.Post("/", agentHandler.RegisterAgent)
	agents.Post("/ping", agentHandler.PingAgents)
	agents.Delete("/:address", agentHandler.RemoveAgent)

	settings := api.Group("/settings")
	settings.Get("/", settingHandler.GetSettings)
	settings.Put("/", settingHandler.UpdateSettings)
	settings.Delete("/:key", settingHandler.ResetSetting)
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
		}

		if code == fiber.StatusRequestTimeout || code == fiber.StatusNotFound || code == fiber.StatusMethodNotAllowed {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}
