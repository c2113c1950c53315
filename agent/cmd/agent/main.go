package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sjq/engine/agent/config"
	"github.com/sjq/engine/agent/internal/communicator"
	"github.com/sjq/engine/agent/internal/executor"
	"github.com/sjq/engine/agent/internal/stats"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Version = "0.1.0"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := initLogger(cfg.LogPath)
	defer logger.Sync()

	logger.Info("starting sjq agent",
		zap.String("version", Version),
		zap.String("listen", cfg.ListenAddress),
		zap.String("server", cfg.ServerAddress),
		zap.Int("task_types", len(cfg.Tasks)),
	)

	collector := stats.NewCollector(cfg.MaxCPU)
	client := communicator.NewClient(communicator.ClientConfig{
		ServerAddress:  cfg.ServerAddress,
		ConnectTimeout: cfg.ConnectTimeout,
		IOTimeout:      cfg.IOTimeout,
		Attempts:       cfg.ReportAttempts,
		Backoff:        cfg.ReportBackoff,
		Logger:         logger,
	})
	exec := executor.NewExecutor(cfg.TaskTimeout, logger)
	processor := executor.NewProcessor(executor.ProcessorConfig{
		Tasks:        cfg.Tasks,
		SkipExitCode: cfg.SkipExitCode,
		Executor:     exec,
		Gate:         collector,
		Reporter:     client,
		Logger:       logger,
	})
	server := communicator.NewServer(processor, cfg.ExchangeTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx, cfg.ListenAddress)
	}()

	ticker := time.NewTicker(cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logStats(ctx, logger, collector, processor)

		case err := <-serveErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("command server failed", zap.Error(err))
				exec.Shutdown()
				os.Exit(1)
			}
			return

		case <-ctx.Done():
			logger.Info("received shutdown signal")
			<-serveErr
			// running tasks are killed; the engine fails them on its next verification pass
			exec.Shutdown()
			logger.Info("agent stopped gracefully")
			return
		}
	}
}

func logStats(ctx context.Context, logger *zap.Logger, collector *stats.Collector, processor *executor.Processor) {
	systemStats, err := collector.Collect(ctx)
	if err != nil {
		logger.Warn("failed to collect stats", zap.Error(err))
		return
	}

	logger.Debug("collected stats",
		zap.Float64("cpu", systemStats.CPUUsage),
		zap.Float64("ram", systemStats.RAMUsage),
		zap.Float64("load1", systemStats.Load1),
		zap.Int("active_tasks", processor.ActiveCount()),
	)
}

func initLogger(logPath string) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapcore.DebugLevel,
	)
	cores := []zapcore.Core{consoleCore}

	if logPath != "" {
		if file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				zapcore.InfoLevel,
			))
		}
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
