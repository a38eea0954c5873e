package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime-chat/internal/api"
	"realtime-chat/internal/auth"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/config"
	"realtime-chat/internal/db"
	"realtime-chat/internal/logger"
	"realtime-chat/internal/metrics"
	"realtime-chat/internal/middleware"
	"realtime-chat/internal/registry"
	"realtime-chat/internal/repository"
	"realtime-chat/internal/tasks"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg.LogSummary(log.Named("config"))

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users, closeUsers, err := openUsers(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeUsers()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	reg := registry.New(
		registry.WithHistoryLimit(cfg.HistoryLimit),
		registry.WithLogger(log.Named("registry")),
	)
	reg.EnsureRoom(cfg.DefaultRoom)
	for _, room := range cfg.Rooms {
		reg.EnsureRoom(room)
	}

	router := chat.NewRouter(reg, chat.RouterConfig{
		DefaultRoom:       cfg.DefaultRoom,
		BindTokenIdentity: cfg.BindTokenIdentity,
	}, log.Named("router"), m)
	hub := chat.NewHub(router, log.Named("hub"), m)
	go hub.Run()

	authSvc := auth.NewService(users, cfg.SigningKey(), auth.DefaultTokenTTL, log)

	var ws http.Handler = chat.ServeWS(hub, chat.ServeConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	if cfg.BindTokenIdentity {
		ws = middleware.Authenticate(authSvc, log.Named("middleware"))(ws)
	}

	sweeper := tasks.NewRetentionSweeper(reg, cfg.MessageTTL, cfg.RetentionSchedule, m, log)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("schedule retention sweeper: %w", err)
	}
	defer sweeper.Stop()

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: api.NewRouter(api.Routes{
			Auth:     authSvc,
			Registry: reg,
			Catalog:  cfg.Rooms,
			WS:       ws,
			Metrics:  promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
			Log:      log.Named("api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case err := <-serveErr:
		hub.Stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	// Upgraded connections are not tracked by http.Server.
	hub.Stop()
	<-hub.Done()

	log.Info("graceful shutdown complete")
	return nil
}

// openUsers picks Postgres when DATABASE_URL is set and keeps accounts in
// memory otherwise.
func openUsers(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.UserRepository, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, accounts are kept in memory")
		return repository.NewMemoryUserRepo(), func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL, log.Named("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	repo := repository.NewPostgresUserRepo(pool)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}
