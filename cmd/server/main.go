package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secret.drop/config"
	"secret.drop/internal/admin"
	"secret.drop/internal/api"
	"secret.drop/internal/crypto"
	"secret.drop/internal/lifecycle"
	"secret.drop/internal/service"
	"secret.drop/internal/store"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var logger *slog.Logger
	if cfg.Log.Format == "json" || cfg.IsProduction() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}

	slog.SetDefault(logger)
	return logger
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, clock, err := initStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, closeSessions, err := initSessions(cfg, st)
	if err != nil {
		return err
	}
	defer closeSessions()

	key, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return err
	}
	if key == nil {
		logger.Warn("no encryption key configured, payloads are stored unsealed")
	}

	engine := lifecycle.NewEngine(st,
		lifecycle.WithClock(clock),
		lifecycle.WithRetries(cfg.Secrets.ConsumeRetries),
		lifecycle.WithLogger(logger),
	)

	svc := service.New(st, engine, sealer, service.Options{
		MaxTTL:          cfg.Secrets.MaxTTL,
		MaxReads:        cfg.Secrets.MaxReads,
		MaxContentBytes: cfg.Secrets.MaxContentBytes,
		KDF: crypto.KDFParams{
			Time:      cfg.KDF.Time,
			MemoryKiB: cfg.KDF.MemoryKiB,
			Threads:   cfg.KDF.Threads,
			SaltLen:   crypto.DefaultKDFParams().SaltLen,
			KeyLen:    crypto.DefaultKDFParams().KeyLen,
		},
	}, logger)

	gate := admin.NewGate(cfg.Admin.Password, sessions,
		admin.WithSessionTTL(cfg.Admin.SessionTTL),
		admin.WithLogger(logger),
	)

	router := api.SetupRouter(svc, gate, cfg, logger)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		lifecycle.RunReaper(ctx, logger, engine, cfg.Secrets.ReapInterval)
	}()

	logger.Info("server starting",
		"addr", cfg.Addr(),
		"base_url", cfg.Server.BaseURL,
		"store", cfg.Store.Type,
		"session_store", cfg.Admin.SessionStore,
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		stop()
		<-reaperDone
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	<-reaperDone
	return err
}

func initStore(ctx context.Context, cfg *config.Config) (store.Store, lifecycle.Clock, error) {
	switch cfg.Store.Type {
	case "redis":
		st, err := store.NewRedisStore(redisOptions(cfg))
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store.Redis.UseServerTime {
			return st, st, nil
		}
		return st, lifecycle.SystemClock{}, nil
	case "sqlite", "postgres":
		st, err := store.OpenSQL(ctx, cfg.Store.Type, cfg.Store.SQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, lifecycle.SystemClock{}, nil
	default:
		return store.NewMemoryStore(), lifecycle.SystemClock{}, nil
	}
}

// initSessions shares the record store's redis client when there is one.
func initSessions(cfg *config.Config, st store.Store) (admin.SessionStore, func() error, error) {
	noop := func() error { return nil }
	if cfg.Admin.SessionStore != "redis" {
		return admin.NewMemorySessionStore(), noop, nil
	}
	if rs, ok := st.(*store.RedisStore); ok {
		return admin.NewRedisSessionStore(rs.Client()), noop, nil
	}

	client := redis.NewClient(redisOptions(cfg))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	return admin.NewRedisSessionStore(client), client.Close, nil
}

func redisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	}
}
