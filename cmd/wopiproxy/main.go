// Command wopiproxy is the thin process bootstrap for the multi-tenant
// WOPI proxy: it wires config, logging, persistence, the registries, the
// session manager, the callback dispatcher, and the HTTP server, then
// serves until terminated. Everything it calls lives in the internal
// packages; main itself does no business logic.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/genropy/genro-wopi/internal/api"
	"github.com/genropy/genro-wopi/internal/audit"
	"github.com/genropy/genro-wopi/internal/callback"
	"github.com/genropy/genro-wopi/internal/config"
	"github.com/genropy/genro-wopi/internal/httpserver"
	"github.com/genropy/genro-wopi/internal/logger"
	"github.com/genropy/genro-wopi/internal/registry"
	"github.com/genropy/genro-wopi/internal/session"
	"github.com/genropy/genro-wopi/internal/storage"
	"github.com/genropy/genro-wopi/internal/storage/local"
	"github.com/genropy/genro-wopi/internal/storage/s3"
	"github.com/genropy/genro-wopi/internal/tenant"
	"github.com/genropy/genro-wopi/internal/token"
	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/wopi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run() error {
	cfgPath := os.Getenv("WOPIPROXY_CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)
	ctx := context.Background()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	builder := registry.NewBuilder(db)
	if err := builder.AutoMigrate(); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	sealer := storage.NoopSealer{}

	storageRegistry := storage.NewRegistry(db)
	storageRegistry.RegisterBackend(types.StorageProtocolLocal, local.NewBackend(sealer))
	storageRegistry.RegisterBackend(types.StorageProtocolS3, s3.NewBackend(sealer))
	storageRegistry.RegisterBackend(types.StorageProtocolGCS, storage.UnimplementedBackend{Protocol: types.StorageProtocolGCS})
	storageRegistry.RegisterBackend(types.StorageProtocolAzure, storage.UnimplementedBackend{Protocol: types.StorageProtocolAzure})
	storageRegistry.RegisterBackend(types.StorageProtocolWebDAV, storage.UnimplementedBackend{Protocol: types.StorageProtocolWebDAV})

	tenantRegistry := tenant.NewRegistry(db, cfg.Editor)
	tokenService := token.NewService(cfg.Token.Secret)
	sessionStore := session.NewStore(db)
	auditLog := audit.NewLog(db)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	callbackDispatcher, err := callback.NewDispatcher(cfg.Callback, asynqClient)
	if err != nil {
		return fmt.Errorf("build callback dispatcher: %w", err)
	}
	defer callbackDispatcher.Close()

	asynqServer := callback.NewServer(redisOpt, cfg.Callback)
	asynqMux := callback.NewMux(callbackDispatcher)
	go func() {
		if err := asynqServer.Run(asynqMux); err != nil {
			logger.Errorf(ctx, "asynq callback worker stopped: %v", err)
		}
	}()
	defer asynqServer.Shutdown()

	sessionManager := session.NewManager(
		tenantRegistry, storageRegistry, tokenService, sessionStore,
		callbackDispatcher, auditLog, cfg.Server.ProxyBaseURL, cfg.Token.DefaultTTL,
	)

	cleanupCron := cron.New()
	if _, err := cleanupCron.AddFunc(cfg.Cleanup.CronSpec, func() {
		result, err := sessionManager.Cleanup(context.Background(), false)
		if err != nil {
			logger.Errorf(ctx, "periodic session cleanup failed: %v", err)
			return
		}
		logger.Infof(ctx, "periodic session cleanup removed %d expired session(s)", result.ExpiredCount)
	}); err != nil {
		return fmt.Errorf("schedule cleanup sweep: %w", err)
	}
	cleanupCron.Start()
	defer cleanupCron.Stop()

	engine := httpserver.NewEngine(cfg.Server, sqlDB, redisClient)

	wopiHandler := wopi.NewHandler(tokenService, sessionStore, storageRegistry, tenantRegistry, callbackDispatcher, auditLog)
	wopiHandler.Register(engine.Group("/wopi"))

	apiHandler := api.NewHandler(sessionManager, tenantRegistry)
	apiHandler.Register(engine.Group("/api"))

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: engine,
	}

	go func() {
		logger.Infof(ctx, "wopiproxy listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf(ctx, "http server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
