// Package main is the entry point of the recurring orders daemon: the
// scheduler, the broker session and the local HTTP surface in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/alert"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/broker/ibkr"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/config"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/engine"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/http/handler"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/scheduler"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/sheet"
	"github.com/parthchandak02/ibkr-recurring-orders/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the configuration file")
	noFileLog := flag.Bool("no-file-log", false, "Log to stdout only (skip the rotating file sink)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}

	if *noFileLog {
		logger.SetGlobalLogLevel(cfg.LogLevel)
	} else {
		logger.SetGlobalFileSink(cfg.LogLevel, logger.FileSinkConfig{
			Path:       cfg.Service.LogFile,
			MaxSizeMB:  cfg.Service.LogMaxSizeMB,
			MaxBackups: cfg.Service.LogMaxBackups,
		})
	}
	defer logger.Sync()

	logger.Info("IBKR recurring orders daemon starting...")
	logger.Infof("Loaded configuration from: %s", *configPath)
	logger.Infof("Environment: %s", cfg.Environment)

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatalf("Invalid timezone: %v", err)
	}
	fireHour, fireMinute, err := cfg.FireTime()
	if err != nil {
		logger.Fatalf("Invalid fire time: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Broker session ---
	broker, err := ibkr.NewClient(cfg.Broker)
	if err != nil {
		logger.Fatalf("Failed to initialize broker client: %v", err)
	}
	tickler := ibkr.NewTickler(broker, 60*time.Second)
	tickler.Start(ctx)
	defer tickler.Stop()

	// --- Sheet adapter ---
	orders, err := sheet.New(ctx, cfg.Sheet, logger.Zap())
	if err != nil {
		logger.Fatalf("Failed to initialize sheet adapter: %v", err)
	}

	// --- Notifier ---
	var notifier alert.Notifier = alert.NewNoOpNotifier()
	if bool(cfg.Notifier.Enabled) {
		notifier = alert.NewDiscordNotifier(cfg.Notifier.WebhookURL, loc)
		logger.Info("Discord notifier enabled")
	}
	defer notifier.Close()

	// --- Engine and scheduler ---
	eng := engine.New(broker, orders, notifier, loc)
	sched, err := scheduler.New(ctx, eng, loc, fireHour, fireMinute)
	if err != nil {
		logger.Fatalf("Failed to build scheduler: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	// --- Local HTTP surface ---
	router := chi.NewRouter()
	router.Get("/health", handler.HealthCheckHandler)
	handler.NewRecurringHandler(eng, sched, loc).RegisterRoutes(router)
	handler.NewBrokerHandler(broker).RegisterRoutes(router)

	server := &http.Server{Addr: cfg.ListenAddr(), Handler: router}
	go func() {
		logger.Infof("Local HTTP surface listening on %s", cfg.ListenAddr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, server.Shutdown(shutdownCtx))
	sched.Stop()
	tickler.Stop()
	errs = multierr.Append(errs, notifier.Close())
	if errs != nil {
		logger.Warnf("Shutdown finished with errors: %v", errs)
	}
	logger.Info("Daemon stopped")
}
