package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/database"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/executor"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/repository"
	"fieldsync/internal/service"
	"fieldsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus()

	redisClient, err := initRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}

	store, db, err := initStore(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		go database.NewBackupService(db, cfg.Backup, logging.Component(logger, "backup")).Start(ctx)
	}

	var deadLetters api.DeadLetterReader
	if redisClient != nil && cfg.Redis.DeadLetter {
		sink := repository.NewDeadLetterSink(redisClient, cfg.Redis.Prefix, 0, logging.Component(logger, "deadletter"))
		sink.Attach(bus)
		deadLetters = sink
	}

	if cfg.MQTT.Enabled {
		bridge := events.NewMQTTBridge(cfg.MQTT, logging.Component(logger, "mqtt"))
		if err := bridge.Connect(); err != nil {
			// The client keeps reconnecting in the background.
			logger.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("mqtt broker unavailable")
		}
		bridge.Attach(bus)
		defer bridge.Close()
	}

	monitor := connectivity.NewMonitor(cfg.Connectivity.AssumeOnline, bus, logging.Component(logger, "connectivity"))
	prober := connectivity.NewProber(cfg.Connectivity, monitor, logging.Component(logger, "prober"))

	exec := executor.NewHTTPExecutor(cfg.Remote, logging.Component(logger, "executor"))
	retry := worker.RetryPolicy{MaxRetries: cfg.Sync.MaxRetries, EvictOnReject: cfg.Sync.EvictOnReject}
	engine := worker.NewSyncWorker(store, exec, monitor, bus, retry, logging.Component(logger, "sync"))
	if err := engine.Load(ctx); err != nil {
		logger.Error().Err(err).Msg("load pending queue")
		return err
	}

	queue := service.NewQueueService(engine, monitor, logging.Component(logger, "queue"))
	queue.Start(ctx)
	defer queue.Close()

	go prober.Start(ctx)
	startMetrics(ctx, cfg, logger)

	// Drain anything left over from the previous run once we know we are online.
	if monitor.IsOnline() && engine.Depth() > 0 {
		engine.TriggerSync(ctx)
	}

	if !cfg.API.Enabled {
		logger.Info().Int("pending", engine.Depth()).Msg("Control API disabled, running headless")
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received")
		return nil
	}

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(&cfg.API, monitor, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}
	httpServer := api.NewHTTPServer(&cfg.API, queue, deadLetters, logger)

	return startServers(ctx, grpcServer, httpServer, cfg, logger)
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	return cfg, logging.Component(baseLogger, "main"), closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, error) {
	if cfg.Redis.Address == "" {
		return nil, nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		_ = client.Close()
		if cfg.Storage.Driver == models.StorageRedis {
			logger.Error().Err(err).Str("addr", cfg.Redis.Address).Msg("redis connection failed")
			return nil, err
		}
		logger.Warn().Err(err).Msg("redis connection failed, continuing without dead letters")
		return nil, nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client, nil
}

// initStore returns the durable store for the configured driver. db is set only for sqlite.
func initStore(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) (domain.OperationStore, *database.DB, error) {
	switch cfg.Storage.Driver {
	case models.StorageRedis:
		logger.Info().Str("prefix", cfg.Redis.Prefix).Msg("using redis queue storage")
		return repository.NewRedisStore(redisClient, cfg.Redis.Prefix), nil, nil
	case models.StorageMemory:
		logger.Warn().Msg("using in-memory queue storage, pending operations will not survive a restart")
		return repository.NewMemoryStore(), nil, nil
	default:
		db, err := database.NewDB(cfg.Database.Driver, cfg.Database.Path, logging.Component(logger, "database"))
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
			return nil, nil, err
		}
		return db, db, nil
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	g, gctx := errgroup.WithContext(ctx)

	if grpcServer != nil {
		g.Go(func() error {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
				return err
			}
			return nil
		})
	}
	if cfg.API.HTTP.Enabled {
		g.Go(func() error {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
				return err
			}
			return nil
		})
	}

	logger.Info().Bool("grpc", grpcServer != nil).Int("http_port", cfg.API.HTTP.Port).Msg("fieldsync started")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if grpcServer != nil {
			grpcServer.Shutdown(shutdownCtx)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logger.Info().Msg("fieldsync stopped")
	return err
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
