// Package main is the entry point for the relaymux gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blueberrycongee/relaymux"
	"github.com/blueberrycongee/relaymux/internal/config"
	"github.com/blueberrycongee/relaymux/internal/observability"
	"github.com/blueberrycongee/relaymux/internal/state"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("relaymux exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfgManager, err := config.NewManager(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer cfgManager.Close()
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format != "text",
	}, observability.NewRedactor()).Slog()
	slog.SetDefault(logger)

	logger.Info("starting relaymux gateway", "version", relaymux.Version)
	for _, w := range cfg.Warnings() {
		logger.Warn("configuration warning", "detail", w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	redisClient, err := state.NewClient(ctx, cfg.Redis.ClientConfig)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()
	store := state.New(redisClient, stateOptions(cfg)...)
	defer store.Close()

	secrets, err := buildSecrets(cfg, logger)
	if err != nil {
		return err
	}
	defer secrets.Close()

	cipher, err := buildCipher(ctx, cfg, secrets, logger)
	if err != nil {
		return err
	}

	built, err := buildDirectory(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer built.close()

	if built.memory != nil {
		reloader := newAccountReloader(logger, built.memory)
		cfgManager.OnChange(reloader.Reload)
	}
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	opts := []relaymux.Option{
		relaymux.WithSchedulerConfig(cfg.Scheduler),
		relaymux.WithFeedbackConfig(cfg.Feedback),
		relaymux.WithSlotTTL(cfg.Redis.SlotTTL),
		relaymux.WithTimeout(cfg.Relay.Timeout),
		relaymux.WithStreamCapacity(cfg.Relay.StreamCapacity),
		relaymux.WithLogger(logger),
		relaymux.WithTracer(tp.Tracer()),
	}
	if refresher := buildRefresher(cfg, store, built.dir, cipher, logger); refresher != nil {
		opts = append(opts, relaymux.WithRefresher(refresher))
		stopRefresh := refresher.Start(ctx, cfg.Refresh.ScanInterval)
		defer stopRefresh()
	}

	gw, err := relaymux.New(store, built.dir, registry, cipher, opts...)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	h := newHandler(gw, redisPinger{client: redisClient}, cfg.Server.MaxBodyBytes, logger)
	mux, err := buildMux(cfg, h)
	if err != nil {
		return err
	}
	middleware, stopMiddleware, err := buildMiddlewareStack(cfg, logger)
	if err != nil {
		return err
	}
	defer stopMiddleware()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port, "directory", cfg.Directory.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
