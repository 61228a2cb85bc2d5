package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/knoguchi/luca/internal/auth"
	"github.com/knoguchi/luca/internal/config"
	"github.com/knoguchi/luca/internal/history"
	"github.com/knoguchi/luca/internal/metrics"
	"github.com/knoguchi/luca/internal/ratelimit"
	"github.com/knoguchi/luca/internal/repository"
	"github.com/knoguchi/luca/internal/repository/postgres"
	"github.com/knoguchi/luca/internal/reranker"
	"github.com/knoguchi/luca/internal/server"
	"github.com/knoguchi/luca/internal/site"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTPPort = port
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port (overrides HTTP_PORT)")
	return cmd
}

func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("starting Luca chat service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"site", cfg.SiteID,
	)

	m := metrics.New()

	p, err := buildPipeline(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer p.Close()

	if cfg.WatchSiteFile {
		p.sites.Watch()
	}
	st := p.sites.Current()

	deps := server.Deps{
		Sites:     p.sites,
		LLM:       p.llm,
		Retriever: p.retriever,
		Prompts:   p.prompts,
		Reranker:  p.reranker,
		Metrics:   m,
		History:   history.DefaultStore(),
	}
	// The reranker is always injected; chains consult the site's flag per request.
	warmup := st.Rerank.Enabled && cfg.RerankerWarmup
	if warmup {
		go func() {
			if err := p.reranker.Initialize(ctx); err != nil {
				slog.Warn("reranker warmup failed; requests will retry", "error", err)
			}
		}()
	}
	go deps.History.Run(ctx, 5*time.Minute)

	// Chat logs
	var db *postgres.DB
	if cfg.DatabaseURL != "" {
		db, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		deps.ChatLogs = postgres.NewChatLogRepo(db)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Info("DATABASE_URL not set; chat logs will not be persisted")
	}

	// Rate limiting
	limit, window := siteQuota(cfg, st)
	var limiter ratelimit.Adjustable
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		limiter = ratelimit.NewRedisLimiter(rdb, limit, window)
		slog.Info("connected to Redis")
	} else {
		mem := ratelimit.NewMemoryLimiter(limit, window)
		go mem.Run(ctx)
		limiter = mem
	}
	deps.Limiter = limiter
	followSiteQuota(p.sites, cfg, limiter)

	// Auth
	jwtConfig := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtConfig.Expiry = cfg.JWTExpiry
	jwtManager := auth.NewJWTManager(jwtConfig)
	deps.JWT = jwtManager
	deps.Auth = auth.NewMiddleware(jwtManager, cfg.SecureCookies)
	if cfg.SitePasswordHash != "" {
		deps.Password, err = auth.NewPasswordChecker(cfg.SitePasswordHash)
		if err != nil {
			return fmt.Errorf("invalid SITE_PASSWORD_HASH: %w", err)
		}
	} else if st.RequireLogin {
		slog.Warn("site requires login but SITE_PASSWORD_HASH is not set")
	}

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: cfg.AllowedOrigins,
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	httpServer.AddReadinessCheck("qdrant", p.store.Ping)
	if db != nil {
		httpServer.AddReadinessCheck("postgres", db.Ping)
	}
	if rdb != nil {
		httpServer.AddReadinessCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	if warmup {
		httpServer.AddReadinessCheck("reranker", func(ctx context.Context) error {
			if s := p.reranker.State(); s != reranker.Ready {
				return fmt.Errorf("reranker %s", s)
			}
			return nil
		})
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// siteQuota is the site's rate limit override, or the configured default.
func siteQuota(cfg *config.Config, st *site.Site) (int, time.Duration) {
	if st.RateLimit.Max > 0 && st.RateLimit.Window > 0 {
		return st.RateLimit.Max, st.RateLimit.Window
	}
	return cfg.RateLimitMax, cfg.RateLimitWindow
}

// followSiteQuota applies the rate limit of every reloaded site to l.
func followSiteQuota(sites *site.Registry, cfg *config.Config, l ratelimit.Adjustable) {
	sites.OnReload(func(st *site.Site) {
		limit, window := siteQuota(cfg, st)
		l.SetLimit(limit, window)
		slog.Info("rate limit applied", "site", st.ID, "max", limit, "window", window)
	})
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.ChatLogRepository = (*postgres.ChatLogRepo)(nil)
	_ ratelimit.Adjustable         = (*ratelimit.RedisLimiter)(nil)
	_ ratelimit.Adjustable         = (*ratelimit.MemoryLimiter)(nil)
	_ reranker.Reranker            = (*reranker.CrossEncoder)(nil)
)
