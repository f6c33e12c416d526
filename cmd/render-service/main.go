package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	batchengine "github.com/voxelforge/engine/internal/batch/engine"
	"github.com/voxelforge/engine/internal/batch/extract"
	"github.com/voxelforge/engine/internal/common/config"
	logutil "github.com/voxelforge/engine/internal/common/logger"
	"github.com/voxelforge/engine/internal/common/metricsserver"
	"github.com/voxelforge/engine/internal/common/redis"
	"github.com/voxelforge/engine/internal/render/engine"
	"github.com/voxelforge/engine/internal/render/metrics"
	"github.com/voxelforge/engine/internal/render/pipeline"
	"github.com/voxelforge/engine/internal/render/session"
	"github.com/voxelforge/engine/internal/service"
	"github.com/voxelforge/engine/internal/store/content"
	"github.com/voxelforge/engine/internal/store/metadata"
)

func main() {
	configPath := flag.String("c", "configs/render-service.yaml",
		"Path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is available
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	absPath, err := config.GetConfigPath(*configPath)
	if err != nil {
		initialLogger.Fatal("Invalid config path", zap.Error(err))
	}

	cfg, err := config.Load(absPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := logutil.NewLogger(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}

	logger.Info("Render service starting",
		zap.String("server_id", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.String("pool_size", cfg.Pool.Size),
		zap.String("viewer_url", cfg.Viewer.URL))

	redisClient, err := redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	contentStore, err := content.NewStore(cfg.Storage.DataDir, cfg.Storage.Compression, logger)
	if err != nil {
		logger.Fatal("Failed to initialize content store", zap.Error(err))
	}
	metaStore := metadata.NewStore(redisClient, logger)

	metricsCollector := metrics.NewMetricsCollector(cfg.Metrics.Namespace, logger)

	metricsServer, err := metricsserver.Start(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		metricsCollector,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	poolConfig := &session.Config{
		PoolSize:        cfg.Pool.Size,
		AcquireTimeout:  time.Duration(cfg.Pool.AcquireTimeout),
		MaxSessionAge:   time.Duration(cfg.Pool.MaxSessionAge),
		ReapInterval:    time.Duration(cfg.Pool.ReapInterval),
		ShutdownTimeout: time.Duration(cfg.Pool.ShutdownTimeout),
		ViewerURL:       cfg.Viewer.URL,
		ReadyTimeout:    time.Duration(cfg.Viewer.ReadyTimeout),
		PollInterval:    time.Duration(cfg.Viewer.PollInterval),
	}

	logger.Info("Initializing session pool")
	pool, err := session.NewPool(poolConfig, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to create session pool", zap.Error(err))
	}
	pool.StartReaper()

	driver := engine.NewChromeDriver(logger)
	renderPipeline := pipeline.New(pool, driver, contentStore, metaStore, metricsCollector,
		pipeline.Config{
			RenderTimeout: time.Duration(cfg.Viewer.RenderTimeout),
			PollInterval:  time.Duration(cfg.Viewer.PollInterval),
		}, logger)

	extractor := extract.NewExtractor(extract.Limits{
		MaxFileCount:        cfg.Archive.MaxFileCount,
		MaxSingleFileSize:   cfg.Archive.MaxSingleFileSize,
		MaxTotalSize:        cfg.Archive.MaxTotalSize,
		MaxCompressionRatio: cfg.Archive.MaxCompressionRatio,
		Extensions:          cfg.Archive.Extensions,
	}, logger)

	batchEngine := batchengine.New(renderPipeline, extractor, metaStore, metricsCollector,
		batchengine.Config{
			MaxRetries:    cfg.Batch.MaxRetries,
			RetryCooldown: time.Duration(cfg.Batch.RetryCooldown),
			ItemDelay:     time.Duration(cfg.Batch.ItemDelay),
			RestEvery:     cfg.Batch.RestEvery,
			RestDelay:     time.Duration(cfg.Batch.RestDelay),
			ProgressEvery: cfg.Batch.ProgressEvery,
			MaxResultSize: cfg.Batch.MaxResultSize,
			DataDir:       cfg.Storage.DataDir,
		}, logger)

	state := service.NewState(cfg.RateLimit.PerMinute, logger)

	srv := service.NewServer(pool, renderPipeline, batchEngine, metaStore, metricsCollector, state, logger)

	// Render requests can hold the connection for a full session render
	serverTimeout := time.Duration(cfg.Viewer.RenderTimeout) + time.Duration(cfg.Pool.AcquireTimeout) + 30*time.Second

	server := &fasthttp.Server{
		Handler:            srv.CreateHTTPHandler(),
		ReadTimeout:        serverTimeout,
		WriteTimeout:       serverTimeout,
		IdleTimeout:        serverTimeout,
		MaxRequestBodySize: int(cfg.Archive.MaxTotalSize),
		Name:               "RenderService/" + cfg.Server.ID,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("listen", cfg.Server.Listen))
		if err := server.ListenAndServe(cfg.Server.Listen); err != nil {
			serverErrCh <- err
		}
	}()

	// Wait briefly for the HTTP server to start listening
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrCh:
		logger.Fatal("HTTP server failed to start", zap.Error(err))
	default:
	}

	logger.Info("Render service fully ready",
		zap.String("server_id", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.Int("pool_capacity", pool.Capacity()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Shutting down gracefully...")

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(metricsShutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
		metricsShutdownCancel()
	}

	// Complete in-flight requests before tearing sessions down
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	if err := pool.Shutdown(); err != nil {
		logger.Error("Session pool shutdown error", zap.Error(err))
	}

	state.Shutdown()

	logger.Info("Render service stopped")
}
