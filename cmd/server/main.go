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

	"github.com/sirupsen/logrus"

	"dailyshop/backend/internal/cache"
	"dailyshop/backend/internal/config"
	"dailyshop/backend/internal/httpapi"
	"dailyshop/backend/internal/lock"
	"dailyshop/backend/internal/logx"
	"dailyshop/backend/internal/service"
	"dailyshop/backend/internal/store"
	"dailyshop/backend/internal/store/memory"
	pgstore "dailyshop/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logx.New(cfg.LogLevel, cfg.LogFormat)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	location, err := cfg.Location()
	if err != nil {
		logger.WithError(err).Fatal("invalid shop timezone")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				logger.WithError(err).Fatal("database migration failed")
			}
			logger.Info("database migrations applied")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.WithField("repository", "postgres").Info("repository ready")
	} else {
		repo = memory.NewSeeded(logger)
		logger.WithField("repository", "memory").Info("repository ready")
	}

	var (
		locker     lock.Locker          = lock.NewKeyedMutex()
		dashboards cache.DashboardCache = cache.NoopDashboardCache{}
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisDashboardCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using in-process lock and noop cache")
			_ = client.Close()
		} else {
			dashboards = redisCache
			locker = lock.NewRedisLocker(client, cfg.LockTTL, logger)
			closers = append(closers, client.Close)
			logger.WithField("cache", "redis").Info("cache ready")
		}
	} else {
		logger.WithField("cache", "noop").Info("cache ready")
	}

	svc := service.New(repo, locker, dashboards, logger)
	svc.WithLocation(location)
	svc.WithDashboardTTL(cfg.DashboardCacheTTL)

	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL, repo, logger)
	if created, err := auth.EnsureAdmin(ctx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword); err != nil {
		logger.WithError(err).Fatal("bootstrap admin failed")
	} else if created {
		logger.WithField("username", cfg.BootstrapAdminUsername).Info("bootstrap admin created")
	}

	api := httpapi.New(svc, auth, logger, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Production:    cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.Address(),
			"timezone": location.String(),
		}).Info("daily shop backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Error("close error")
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.DatabaseURL != "" && cfg.BootstrapAdminPassword != "" && len(cfg.BootstrapAdminPassword) < 8 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}
