package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/convoy-ml/convoy/internal/app"
	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/logger"
	"github.com/convoy-ml/convoy/internal/version"
	"github.com/convoy-ml/convoy/internal/worker"
	"github.com/convoy-ml/convoy/pkg/format"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	} else {
		version.PrintVersionInfo(false, vlog)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(buildLoggerConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.SetDefault(logInstance)

	styledLogger.Info("Initialising", "version", version.Version, "pid", os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		styledLogger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	application, err := app.New(*cfg, styledLogger)
	if err != nil {
		logger.FatalWithLogger(logInstance, "Failed to create application", "error", err)
	}

	if err := application.Start(ctx); err != nil {
		logger.FatalWithLogger(logInstance, "Failed to start application", "error", err)
	}

	stubs := startStubWorkers(ctx, cfg, application, styledLogger)

	<-ctx.Done()

	for _, w := range stubs {
		w.Stop(context.Background())
	}

	if err := application.Stop(context.Background()); err != nil {
		styledLogger.Error("Error during shutdown", "error", err)
	}

	reportProcessStats(styledLogger, startTime)

	styledLogger.Info("Convoy has shutdown")
}

// startStubWorkers attaches in-process workers with a fabricated model
// runner, for local runs without a real inference fleet. Controlled by
// CONVOY_STUB_WORKERS.
func startStubWorkers(ctx context.Context, cfg *config.Config, application *app.Application, styledLogger *logger.StyledLogger) []*worker.Worker {
	count, _ := strconv.Atoi(os.Getenv("CONVOY_STUB_WORKERS"))
	if count <= 0 {
		return nil
	}

	workers := make([]*worker.Worker, 0, count)
	for i := 0; i < count; i++ {
		w := worker.New(worker.Options{
			ID:                fmt.Sprintf("stub-%d", i),
			Hostname:          "localhost",
			Address:           "127.0.0.1",
			Port:              9000 + i,
			Models:            []string{"stub-1b", "stub-7b"},
			MemoryGB:          16,
			HeartbeatInterval: cfg.Discovery.HeartbeatInterval,
			Queue:             cfg.WorkerQueue,
		}, application.Bus(), worker.NewStubRunner(32, 5*time.Millisecond), styledLogger)
		if err := w.Start(ctx); err != nil {
			styledLogger.Error("Failed to start stub worker", "error", err)
			continue
		}
		workers = append(workers, w)
	}
	if len(workers) > 0 {
		styledLogger.InfoWithCount("Started stub workers", len(workers))
	}
	return workers
}

func buildLoggerConfig(cfg *config.Config) *logger.Config {
	return &logger.Config{
		Level:      cfg.Logging.Level,
		LogDir:     cfg.Logging.LogDir,
		Theme:      cfg.Logging.Theme,
		FileOutput: cfg.Logging.FileOutput,
	}
}

func reportProcessStats(styledLogger *logger.StyledLogger, startTime time.Time) {
	runtime.GC()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	styledLogger.Info("Process Stats",
		"uptime", format.Duration(time.Since(startTime)),
		"heap_alloc", format.Bytes(m.HeapAlloc),
		"total_alloc", format.Bytes(m.TotalAlloc),
		"num_gc_cycles", m.NumGC,
		"num_goroutines", runtime.NumGoroutine(),
		"go_version", runtime.Version())
}
