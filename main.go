package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"blive-proxy/work/api"
	"blive-proxy/work/cache"
	"blive-proxy/work/cdn"
	"blive-proxy/work/client"
	"blive-proxy/work/config"
	"blive-proxy/work/handlers"
	"blive-proxy/work/history"
	"blive-proxy/work/logger"
	"blive-proxy/work/manager"
	"blive-proxy/work/middleware"
	"blive-proxy/work/playlist"
	"blive-proxy/work/prober"
	"blive-proxy/work/session"
)

var (
	Version = "v0.1.0" // default version
)

func main() {

	// load our config
	cfg := config.LoadConfig()

	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}

	// resolution history is optional; an empty path disables it
	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		logger.Warn("history disabled: %v", err)
	}
	defer store.Close()

	// wire the resolution pipeline
	apiClient := api.New(cfg)
	rules := cdn.NewTable(cfg)
	probeClient := client.NewProbeClient(cfg)
	roomCache := cache.NewRoomCache(cfg)
	p := prober.New(cfg, apiClient, rules, probeClient, store)
	factory := session.NewFactory(cfg, apiClient, roomCache, p, store)

	loader, err := playlist.NewLoader(cfg, probeClient)
	if err != nil {
		log.Fatalf("Invalid playlist configuration: %v", err)
	}

	mgr, err := manager.New(cfg, factory, loader)
	if err != nil {
		log.Fatalf("Failed to create session manager: %v", err)
	}
	defer mgr.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.StartCleanup(ctx)

	// Setup HTTP routes
	router := mux.NewRouter()
	router.Use(middleware.Gzip)
	handlers.New(cfg, mgr, store).RegisterRoutes(router)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	logger.Info("Starting live resolver %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - API Host: %s", cfg.APIHost)
	logger.Info("  - Quality Tier: %d", cfg.Quality)
	logger.Info("  - URL Validity: %s (guard %s)", cfg.URLValidity, cfg.RefreshGuard)
	logger.Info("  - CDN Rules: %d", len(cfg.CDNRules))
	logger.Info("  - Low Latency: %v", cfg.LowLatency)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown: %v", err)
		}
	}()

	logger.Info("Listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
