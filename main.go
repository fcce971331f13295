package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ddevcap/matchsync/api"
	"github.com/ddevcap/matchsync/api/handler"
	"github.com/ddevcap/matchsync/backend"
	"github.com/ddevcap/matchsync/cache"
	"github.com/ddevcap/matchsync/config"
	"github.com/ddevcap/matchsync/ratelimit"
	"github.com/ddevcap/matchsync/store"
	"github.com/ddevcap/matchsync/views"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// A missing .env is fine; the environment may be set by the container.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	if st != nil {
		defer func() { _ = st.Close() }()
	}

	client := backend.NewClient(cfg)

	// Start background health checker so the readiness probe and the circuit
	// breaker reflect the upstream's availability.
	hc := backend.NewHealthChecker(client, cfg.HealthCheckInterval)
	client.SetHealthChecker(hc)
	hc.Start(context.Background())

	wsHub := handler.NewWSHub()

	cacheOpts := []cache.Option{cache.WithNotifier(wsHub)}
	viewOpts := []views.Option{views.WithNotifier(wsHub), views.WithTTL(cfg.ListCacheTTL)}
	if st != nil {
		cacheOpts = append(cacheOpts, cache.WithStore(st, cfg.DetailCacheTTL))
		viewOpts = append(viewOpts, views.WithStore(st))
	}
	detailCache := cache.New(client, cacheOpts...)
	viewOpts = append(viewOpts, views.WithListHook(detailCache.RecordSummaries))
	ctrl := views.NewController(client, viewOpts...)
	ctrl.Restore(context.Background())

	limiter := ratelimit.New(cfg.ReanalysisMinInterval, ratelimit.WithMaxEntries(cfg.RateLimitMaxEntries))

	h := api.NewRouter(cfg, api.Deps{
		Views:    ctrl,
		Cache:    detailCache,
		Limiter:  limiter,
		Upstream: client,
		Health:   hc,
		Hub:      wsHub,
	})

	// Keep today's and tomorrow's lists warm.
	refresher := views.NewRefresher(ctrl, cfg.ListRefreshInterval)
	refresher.Start(context.Background())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	// Start server in a goroutine so we can listen for shutdown signals.
	go func() {
		slog.Info("matchsync listening",
			"addr", cfg.ListenAddr, "upstream", cfg.UpstreamURL, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt or SIGTERM (e.g. from container orchestration).
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	wsHub.Shutdown()
	ctrl.Close()
	refresher.Stop()
	hc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server stopped")
}
