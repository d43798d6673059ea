package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ordertrack/clock"
	"ordertrack/config"
	"ordertrack/engine"
	"ordertrack/logging"
	"ordertrack/realtime"
	"ordertrack/statusapi"
	"ordertrack/store"
	"ordertrack/www"
)

func main() {
	configPath := flag.String("config", "ordertrack.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	initConfig := flag.Bool("init", false, "write the effective config to -config and exit")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Web.Port = *port
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *configPath)
		return
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	defer logger.Sync()

	// Open store
	kv, err := store.Open(cfg.Storage)
	if err != nil {
		logger.Fatal("open store", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}
	defer kv.Close()

	dialer, err := realtime.NewDialer(cfg.Realtime, logger)
	if err != nil {
		logger.Fatal("realtime transport", zap.Error(err))
	}

	statusAPI := statusapi.NewClient(cfg.API.BaseURL, cfg.API.Timeout)

	// Create engine
	eng := engine.New(engine.Config{
		AppConfig: cfg,
		Store:     kv,
		Fetcher:   statusAPI,
		Dialer:    dialer,
		Clock:     clock.New(),
		Logger:    logger,
	})
	defer eng.Stop()

	// Set up HTTP server
	router, stopWeb := www.NewRouter(eng, logger)
	defer stopWeb()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Info("ordertrack listening",
			zap.String("addr", addr),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("realtime", cfg.Realtime.Backend),
			zap.String("api", statusAPI.BaseURL()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	// Stop SSE event hub first so long-lived connections close
	stopWeb()

	// Graceful HTTP shutdown with 10s deadline
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
}
