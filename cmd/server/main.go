package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Tutortoise/food-freshness-service/internal/auth"
	"github.com/Tutortoise/food-freshness-service/internal/config"
	"github.com/Tutortoise/food-freshness-service/internal/grpchealth"
	"github.com/Tutortoise/food-freshness-service/internal/handlers"
	"github.com/Tutortoise/food-freshness-service/internal/history"
	"github.com/Tutortoise/food-freshness-service/internal/imageproc"
	"github.com/Tutortoise/food-freshness-service/internal/logging"
	"github.com/Tutortoise/food-freshness-service/internal/pipeline"
	"github.com/Tutortoise/food-freshness-service/internal/registry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("configuration loaded",
		zap.String("env", cfg.AppEnv),
		zap.String("device", cfg.Device),
		zap.String("policy_version", cfg.Policy.Version),
		zap.Int("workers", cfg.Workers))

	loader := &registry.ONNXLoader{
		LibraryPath: cfg.ORTLibraryPath,
		Device:      cfg.Device,
		PoolSize:    cfg.SessionPoolSize,
		Policy:      cfg.Policy.Detection,
		Logger:      logger,
	}
	reg := registry.New(registry.Options{
		DetectorPath:           cfg.DetectorWeightsPath,
		DetectorDownloadURL:    cfg.DetectorDownloadURL,
		DetectorAutoDownload:   cfg.DetectorAutoDownload,
		ClassifierPath:         cfg.ClassifierWeightsPath,
		ClassifierMetadataPath: cfg.ClassifierMetadataPath,
		Device:                 cfg.Device,
		Heuristic:              cfg.Policy.Heuristic,
		HTTPClient:             &http.Client{Timeout: 5 * time.Minute},
	}, loader, logger)
	defer reg.Close() //nolint:errcheck

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	ready := reg.Warm(warmCtx)
	warmCancel()
	logger.Info("models warmed",
		zap.Bool("detector_ready", ready.DetectorReady),
		zap.String("classifier_mode", ready.ClassifierMode))

	recorder := initHistory(cfg, logger)

	normalizer := imageproc.NewNormalizer(cfg.MaxUploadBytes, cfg.MaxPixels)
	pipe := pipeline.New(normalizer, reg, pipeline.Options{
		Workers:    cfg.Workers,
		Timeout:    cfg.RequestTimeout,
		CropMargin: cfg.Policy.CropMargin,
		Detection:  cfg.Policy.Detection,
	}, logger)

	var authMiddleware func(http.Handler) http.Handler
	if cfg.JWTSecret != "" {
		authMiddleware = auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	}
	h := handlers.New(pipe, recorder, handlers.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Auth:           authMiddleware,
	}, logger)

	var health *grpchealth.Server
	if cfg.GRPCHealthAddr != "" {
		health = grpchealth.New(logger)
		health.Sync(ready)
		go func() {
			if err := health.Serve(cfg.GRPCHealthAddr); err != nil {
				logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
		defer health.Stop()
	}

	stopReload := watchReload(reg, health, logger)
	defer stopReload()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      h.Routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
	}

	logger.Info("freshness API listening", zap.String("addr", server.Addr))
	if err := run(server, nil, nil, shutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

// initHistory connects the optional prediction history backends. Either one
// may be unset; a configured backend that cannot be reached is skipped.
func initHistory(cfg *config.Config, logger *zap.Logger) *history.Recorder {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var store history.Store
	if cfg.DatabaseDSN != "" {
		if db, err := initDatabase(ctx, cfg.DatabaseDSN, cfg.Debug); err != nil {
			logger.Warn("prediction history database unavailable", zap.Error(err))
		} else {
			repo := history.NewRepository(db)
			if err := repo.AutoMigrate(ctx); err != nil {
				logger.Warn("auto migrate failed", zap.Error(err))
			} else {
				store = repo
			}
		}
	}

	var cache history.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		if client, err := initRedis(redisCtx, cfg.RedisAddr); err != nil {
			logger.Warn("prediction cache unavailable", zap.Error(err))
		} else {
			cache = history.NewRedisCache(client)
		}
	}

	return history.NewRecorder(store, cache, logger)
}

func initDatabase(ctx context.Context, dsn string, debug bool) (*gorm.DB, error) {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, logging.NewOperationError("main.init_database", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("main.init_database", "", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, logging.NewOperationError("main.ping_database", "", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, logging.NewOperationError("main.init_redis", "", err)
	}
	return client, nil
}

// watchReload reloads the models on SIGHUP.
func watchReload(reg *registry.Registry, health *grpchealth.Server, logger *zap.Logger) func() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-hup:
				logger.Info("reloading models")
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				ready := reg.Reload(ctx)
				cancel()
				if health != nil {
					health.Sync(ready)
				}
				logger.Info("models reloaded",
					zap.Bool("detector_ready", ready.DetectorReady),
					zap.String("classifier_mode", ready.ClassifierMode))
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(hup)
		close(done)
	}
}

// run serves until the listener fails or a shutdown signal arrives. A nil
// listener binds server.Addr; nil signals subscribes to SIGINT and SIGTERM.
func run(server *http.Server, listener net.Listener, signals <-chan os.Signal, grace time.Duration, logger *zap.Logger) error {
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	if listener == nil {
		l, err := net.Listen("tcp", server.Addr)
		if err != nil {
			return logging.NewOperationError("main.listen", "", err)
		}
		listener = l
	}

	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	select {
	case err := <-served:
		return ignoreClosed(err)
	case sig, ok := <-signals:
		if ok {
			logger.Info("shutting down", zap.Stringer("signal", sig), zap.Duration("grace", grace))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return logging.NewOperationError("main.shutdown", "", err)
	}
	return ignoreClosed(<-served)
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
