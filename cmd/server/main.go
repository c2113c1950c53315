package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sjq/engine/internal/config"
	"github.com/sjq/engine/internal/core/ports"
	"github.com/sjq/engine/internal/core/services"
	"github.com/sjq/engine/internal/domain"
	"github.com/sjq/engine/internal/infrastructure/agentclient"
	"github.com/sjq/engine/internal/infrastructure/db"
	"github.com/sjq/engine/internal/infrastructure/logger"
	"github.com/sjq/engine/internal/infrastructure/memory"
	"github.com/sjq/engine/internal/scheduler"
	"github.com/sjq/engine/internal/transport/command"
	transporthttp "github.com/sjq/engine/internal/transport/http"
	"gorm.io/gorm"
)

type repositories struct {
	tasks    ports.TaskRepository
	agents   ports.AgentRepository
	settings ports.SystemSettingRepository
	database *gorm.DB
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = "config/config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = "../config/config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	repos, err := openRepositories(cfg, log)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := agentclient.NewDialer(cfg.Agents, log.Named("agentclient"))
	agents := services.NewAgentManager(services.AgentManagerConfig{
		Repository:  repos.agents,
		Dialer:      dialer,
		Logger:      log.Named("agents"),
		PingTimeout: cfg.Agents.PingTimeout,
	})
	if err := agents.Load(ctx); err != nil {
		log.Fatalf("failed to load agents: %v", err)
	}
	for _, a := range cfg.Agents.Static {
		agent := domain.Agent{Address: a.Address, TaskTypes: domain.StringList(a.TaskTypes), MaxTasks: a.MaxTasks}
		if err := agents.Register(ctx, agent); err != nil {
			log.Warnw("static_agent_register_failed", "address", a.Address, "error", err)
		}
	}

	queue := services.NewTaskQueue(services.TaskQueueConfig{
		Repository: repos.tasks,
		Marks:      repos.settings,
		Agents:     agents,
		Dialer:     dialer,
		Logger:     log.Named("queue"),
	})
	if err := queue.Load(ctx); err != nil {
		log.Fatalf("failed to load task queue: %v", err)
	}
	settings := services.NewSystemSettingService(repos.settings, cfg.Retention, log.Named("settings"))

	sched := scheduler.New(log.Named("scheduler"))
	sched.Add(services.NewStartTasksJob(queue), 15*time.Second, seconds(cfg.Scheduler.QueueFreq))
	sched.Add(agents, 15*time.Second, seconds(cfg.Scheduler.PingFreq))
	sched.Add(services.NewActiveTaskManager(queue, dialer, log.Named("verifier")), 45*time.Second, seconds(cfg.Scheduler.ActiveTaskFreq))
	sched.Add(services.NewQueueCleaner(queue, settings, log.Named("cleaner")), 60*time.Second, seconds(cfg.Scheduler.QueueCleanerFreq))
	sched.Start(ctx)

	registry := command.NewRegistry()
	command.RegisterServerCommands(registry, queue, log.Named("command"))
	ln, err := net.Listen("tcp", cfg.Server.Address())
	if err != nil {
		log.Fatalf("command listener failed to start: %v", err)
	}
	listener := command.NewListener(ln, registry, log.Named("command"), cfg.Server.ExchangeTimeout)
	listenerDone := make(chan error, 1)
	go func() {
		listenerDone <- listener.Serve(ctx)
	}()

	var app *fiber.App
	if cfg.HTTP.Enabled {
		app = transporthttp.NewApp(transporthttp.RouterConfig{
			Queue:          queue,
			Agents:         agents,
			Settings:       settings,
			Logger:         log.Named("http"),
			Config:         cfg,
			StreamInterval: 2 * time.Second,
		})
		go func() {
			if err := app.Listen(cfg.HTTP.Address()); err != nil {
				log.Errorw("http_server_failed", "addr", cfg.HTTP.Address(), "error", err)
				stop()
			}
		}()
		log.Infof("admin api started on %s", cfg.HTTP.Address())
	}

	log.Infow("engine_started",
		"command_addr", cfg.Server.Address(),
		"driver", cfg.Database.Driver,
		"tasks", len(queue.Snapshot()),
		"agents", len(agents.Agents()),
	)

	<-ctx.Done()
	gracefulShutdown(app, sched, listenerDone, repos.database, log)
}

func openRepositories(cfg *config.Config, log *logger.Logger) (*repositories, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("using in-memory storage; the queue is lost on restart")
		return &repositories{
			tasks:    memory.NewTaskRepository(),
			agents:   memory.NewAgentRepository(),
			settings: memory.NewSystemSettingRepository(),
		}, nil
	}

	database, err := db.NewPostgresConnection(cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("database connection established")

	if err := db.RunMigrations(database); err != nil {
		return nil, err
	}
	log.Info("database migrations completed")

	return &repositories{
		tasks:    db.NewTaskRepository(database, log),
		agents:   db.NewAgentRepository(database, log),
		settings: db.NewSystemSettingRepository(database, log),
		database: database,
	}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func gracefulShutdown(app *fiber.App, sched *scheduler.Scheduler, listenerDone <-chan error, database *gorm.DB, log *logger.Logger) {
	log.Info("shutting down engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if app != nil {
		if err := app.ShutdownWithContext(ctx); err != nil {
			log.Errorf("server forced to shutdown: %v", err)
		}
	}

	if err := <-listenerDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("command listener stopped with error: %v", err)
	}

	// wait for an in-flight pass so its writes land before the database closes
	sched.Stop()

	if database != nil {
		if err := db.Close(database); err != nil {
			log.Errorf("failed to close database connection: %v", err)
		}
	}

	log.Info("engine exited gracefully")
}
