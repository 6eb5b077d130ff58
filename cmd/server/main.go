package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crochetai/backend/internal/api"
	"github.com/crochetai/backend/internal/audit"
	"github.com/crochetai/backend/internal/auth"
	"github.com/crochetai/backend/internal/cache"
	"github.com/crochetai/backend/internal/config"
	"github.com/crochetai/backend/internal/db"
	"github.com/crochetai/backend/internal/health"
	"github.com/crochetai/backend/internal/logger"
	"github.com/crochetai/backend/internal/metrics"
	"github.com/crochetai/backend/internal/storage"
	"github.com/crochetai/backend/internal/sweep"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error(context.Background(), "invalid configuration", err)
		os.Exit(1)
	}

	log := logger.New(&logger.Config{
		Output:  os.Stdout,
		Level:   logger.ParseLevel(cfg.LogLevel),
		Console: cfg.IsDevelopment(),
	})
	logger.SetDefault(log)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error(context.Background(), "server exited with error", err)
		os.Exit(1)
	}
}

type stores struct {
	users  auth.UserStore
	tokens interface {
		auth.Ledger
		sweep.Store
	}
	audit audit.Sink
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checks := &health.CheckerConfig{Version: version}

	var st stores
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn(ctx, "using in-memory stores, data is lost on restart")
		st = stores{users: db.NewMemoryUserStore(), tokens: db.NewMemoryTokenStore(), audit: db.NewMemoryAuditStore()}
	default:
		database, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			return err
		}
		checks.DB = database.DB
		st = stores{
			users:  db.NewUserRepository(database),
			tokens: db.NewTokenRepository(database),
			audit:  db.NewAuditRepository(database),
		}
	}

	lockoutCfg := cache.LockoutConfig{Threshold: cfg.Lockout.MaxAttempts, Duration: cfg.Lockout.Duration}
	var lockout auth.LockoutTracker
	if cfg.RedisAddr != "" {
		redisCache, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisCache.Close()
		checks.Redis = redisCache.Client()
		lockout = cache.NewRedisLockout(redisCache.Client(), lockoutCfg)
	} else {
		log.Warn(ctx, "REDIS_ADDR not set, lockout counters are per process")
		lockout = cache.NewMemoryLockout(lockoutCfg)
	}

	sinks := []audit.Sink{st.audit}
	if cfg.Archive.Enabled() {
		bucket, err := storage.NewBucketClient(cfg.Archive)
		if err != nil {
			return err
		}
		if err := bucket.EnsureBucket(ctx); err != nil {
			return err
		}
		checks.StorageCheck = bucket.Ping
		sinks = append(sinks, storage.NewArchive(cfg.Archive))
		log.Info(ctx, "archiving audit log", logger.Fields{"bucket": bucket.Bucket()})
	}

	dispatcher := audit.NewDispatcher(audit.Config{BufferSize: cfg.AuditBuffer}, sinks...)
	dispatcher.SetObserver(m)

	tokens, err := auth.NewTokenService(st.tokens, auth.TokenConfig{
		SigningKey: cfg.JWT.SigningKey,
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	})
	if err != nil {
		return err
	}

	authService := auth.NewService(st.users, tokens, lockout, dispatcher, auth.ServiceConfig{})
	authService.SetObserver(m)
	authService.SetLogger(log)

	var sweeper *sweep.Sweeper
	if cfg.SweepInterval > 0 {
		sweeper = sweep.New(st.tokens, sweep.Config{Interval: cfg.SweepInterval, Retention: cfg.SweepRetention})
		sweeper.SetObserver(m)
		sweeper.Start()
	}

	router := api.NewRouter(api.Config{
		AuthService:     authService,
		Health:          health.NewHandler(health.NewChecker(checks)),
		Metrics:         m,
		Logger:          log,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		Development:     cfg.IsDevelopment(),
		LoginPerMinute:  cfg.LoginPerMinute,
		RegisterPerHour: cfg.RegisterPerHour,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", logger.Fields{"addr": server.Addr, "store": cfg.Store})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if sweeper != nil {
		if err := sweeper.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
