package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/medrecnet/platform/pkg/audit"
	"github.com/medrecnet/platform/pkg/common/config"
	"github.com/medrecnet/platform/pkg/common/database"
	"github.com/medrecnet/platform/pkg/common/kafka"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/dlp"
	"github.com/medrecnet/platform/pkg/gateway/routes"
	"github.com/medrecnet/platform/pkg/index"
)

// index-service drains record_persisted events that hospitals could not
// deliver to the index directly.
func main() {
	logger.Init()
	cfg := config.Load()
	if err := dlp.Install(logger.Log, cfg.LogRedactionRulesPath); err != nil {
		logger.Log.WithError(err).Fatal("Failed to load log redaction rules")
	}

	db, err := database.OpenPostgres(database.CentralDSN(cfg))
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to open central database")
	}
	defer database.ClosePostgres(db)

	indexRepo := index.NewRepository(db)
	auditRepo := audit.NewRepository(db)
	if err := indexRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate index")
	}
	if err := auditRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate audit")
	}

	redisClient := database.NewRedis(cfg)
	defer database.CloseRedis(redisClient)

	mirror := kafka.NewProducer(cfg.KafkaBrokers, cfg.AuditMirrorTopic)
	defer mirror.Close()

	auditService := audit.NewService(auditRepo, audit.WithMirror(mirror))
	indexService := index.NewService(indexRepo, index.NewRedisCache(redisClient, cfg.IndexCacheTTL), auditService)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.RecordPersistedTopic, cfg.KafkaGroupID+"-index")
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Consume(ctx, indexService.HandleEvent); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("Consumer error")
		}
	}()

	router := mux.NewRouter()
	routes.NewMetricsHandler(routes.ReadinessCheck{Name: "postgres", Probe: func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}}).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"topic": cfg.RecordPersistedTopic,
			"port":  cfg.ServerPort,
		}).Info("Index service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down index service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Index service stopped")
}
