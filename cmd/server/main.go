package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vanshika/graphlens/internal/config"
	"github.com/vanshika/graphlens/internal/graph"
	"github.com/vanshika/graphlens/internal/logging"
	"github.com/vanshika/graphlens/internal/query"
	"github.com/vanshika/graphlens/internal/schema"
	"github.com/vanshika/graphlens/internal/server"
	"github.com/vanshika/graphlens/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	presets, err := config.LoadPresets(cfg.ConnectionsFile, logger)
	if err != nil {
		logger.Error("failed to load connection presets", "error", err)
		os.Exit(1)
	}

	backends := graph.DefaultBackends()
	seeds := make([]session.Seed, 0, presets.Len())
	for _, p := range presets.All() {
		seeds = append(seeds, session.Seed{Name: p.Name, Descriptor: p.Descriptor})
	}
	store := session.NewStore(backends, logger,
		session.WithCloseWorkers(cfg.Session.CloseWorkers),
		session.WithSeeds(seeds...),
	)
	executor := query.NewExecutor(store, logger)
	introspector := schema.New(backends, logger, cfg.Schema.CacheSize, cfg.Schema.CacheTTL)

	apiHandlers := server.NewAPIHandlers(logger, server.APIDependencies{
		Presets:      presets,
		Store:        store,
		Executor:     executor,
		Introspector: introspector,
		Query:        cfg.Query,
	})

	router := server.NewRouter(logger, server.RouterDependencies{
		Health:           server.SessionHealthService{Store: store, Presets: presets, Running: executor.RunningCount},
		API:              apiHandlers,
		AllowedOrigins:   parseAllowedOrigins(cfg.HTTP.AllowedOriginsCSV),
		AllowCredentials: true,
	})

	srv := server.New(logger, cfg.HTTP, router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		sweepIdle(gctx, logger, store, executor, cfg.Session)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested", "cause", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
		if err := store.CloseAll(shutdownCtx); err != nil {
			logger.Warn("closing connections failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped unexpectedly", "error", err)
		os.Exit(1)
	}
}

// sweepIdle closes connections that have not been used for IdleTimeout.
// Sessions with a query in flight are never evicted.
func sweepIdle(ctx context.Context, logger *slog.Logger, store *session.Store, executor *query.Executor, cfg config.SessionConfig) {
	if cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.EvictIdle(ctx, cfg.IdleTimeout, executor.Running)
			if err != nil {
				logger.Warn("idle sweep failed", "error", err)
			}
			if n > 0 {
				logger.Info("idle connections evicted", "count", n)
			}
		}
	}
}

func parseAllowedOrigins(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	var origins []string
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}
