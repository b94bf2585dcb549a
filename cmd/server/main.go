package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"batch-downloader/internal/config"
	"batch-downloader/internal/domain"
	"batch-downloader/internal/downloader"
	"batch-downloader/internal/engine"
	apphttp "batch-downloader/internal/http"
	"batch-downloader/internal/playlist"
	"batch-downloader/internal/repository/sqlite"
	"batch-downloader/internal/service"
	"batch-downloader/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Fatalf("create database dir: %v", err)
	}
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	taskRepo := sqlite.NewTaskRepository(db)
	itemRepo := sqlite.NewTaskItemRepository(db)
	jobRepo := sqlite.NewJobRepository(db)
	configRepo := sqlite.NewStorageConfigRepository(db)
	userRepo := sqlite.NewUserRepository(db)

	if err := taskRepo.Init(ctx); err != nil {
		logger.Fatalf("init task repository: %v", err)
	}
	if err := itemRepo.Init(ctx); err != nil {
		logger.Fatalf("init item repository: %v", err)
	}
	if err := jobRepo.Init(ctx); err != nil {
		logger.Fatalf("init job repository: %v", err)
	}
	if err := configRepo.Init(ctx); err != nil {
		logger.Fatalf("init storage config repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	taskService := service.NewTaskService(taskRepo, itemRepo)
	userService := service.NewUserService(userRepo, cfg.Auth.RegisterPassword)
	storageService := service.NewStorageService(service.StorageConfig{
		DataDir: cfg.Download.DataDir,
		Defaults: domain.StorageConfig{
			MaxBytes:        cfg.Storage.MaxBytes,
			AutoCleanup:     cfg.Storage.AutoCleanup,
			AutoCleanupDays: cfg.Storage.AutoCleanupDays,
		},
		Logger: logger,
	}, configRepo)
	if err := storageService.Init(ctx); err != nil {
		logger.Fatalf("init storage: %v", err)
	}

	eng, err := engine.New(engine.Config{
		MaxRunners:     cfg.Engine.MaxRunners,
		ExtractorBin:   cfg.Engine.ExtractorBin,
		Proxy:          cfg.Engine.Proxy,
		TitleTimeout:   cfg.Engine.TitleTimeout,
		TitleCacheSize: cfg.Engine.TitleCacheSize,
		Logger:         logger,
	}, jobRepo)
	if err != nil {
		logger.Fatalf("create engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		logger.Fatalf("start engine: %v", err)
	}

	processor := downloader.NewProcessor(downloader.Config{
		MaxConcurrent: cfg.Download.MaxConcurrent,
		PumpDelay:     cfg.Download.PumpDelay,
		Logger:        logger,
	}, taskService, storageService, eng)
	if err := processor.Recover(ctx); err != nil {
		logger.Warnf("recover tasks: %v", err)
	}
	go processor.Run(ctx)

	cleanup := service.NewCleanupService(taskService, storageService, cfg.Storage.CleanupInterval, logger)
	cleanup.Start(ctx)

	exporter, err := storage.New(ctx, storage.Config{
		Bucket:    cfg.Export.Bucket,
		KeyPrefix: cfg.Export.KeyPrefix,
		Region:    cfg.Export.Region,
		Endpoint:  cfg.Export.Endpoint,
		Profile:   cfg.AWS.Profile,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("setup export: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.HandlerConfig{
		Tasks:     taskService,
		Processor: processor,
		Storage:   storageService,
		Users:     userService,
		Exporter:  exporter,
		Expander:  playlist.NewExpander(playlist.Config{Timeout: cfg.Playlist.Timeout, Logger: logger}),
		Auth: apphttp.AuthConfig{
			APIKey:    cfg.Auth.APIKey,
			JWTSecret: cfg.Auth.JWTSecret,
			TokenTTL:  cfg.TokenTTL(),
		},
		Logger: logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	cleanup.Stop()
	processor.Shutdown()
	eng.Shutdown()

	logger.Info("bye")
}
