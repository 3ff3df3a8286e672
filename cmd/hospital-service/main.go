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
	"github.com/medrecnet/platform/pkg/gateway/middleware"
	"github.com/medrecnet/platform/pkg/gateway/routes"
	"github.com/medrecnet/platform/pkg/hospital"
	"github.com/medrecnet/platform/pkg/index"
)

// hospital-service runs one hospital's store behind the read API the hub
// federates over, plus the local write path that keeps the index current.
func main() {
	logger.Init()
	cfg := config.Load()
	if err := dlp.Install(logger.Log, cfg.LogRedactionRulesPath); err != nil {
		logger.Log.WithError(err).Fatal("Failed to load log redaction rules")
	}
	if cfg.HospitalID == "" {
		logger.Log.Fatal("HOSPITAL_ID is required")
	}
	log := logger.WithField("hospital_id", cfg.HospitalID)

	directory, err := hospital.LoadDirectory(cfg.HospitalRegistryPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load hospital directory")
	}
	own, err := directory.Only(cfg.HospitalID)
	if err != nil {
		log.WithError(err).Fatal("Hospital not in directory")
	}
	registry, err := hospital.Open(own, hospital.OpenOptions{})
	if err != nil {
		log.WithError(err).Fatal("Failed to open hospital store")
	}
	defer registry.Close()

	member, _ := registry.Lookup(cfg.HospitalID)
	store, writable := registry.Writable(cfg.HospitalID)

	var writer *hospital.Writer
	if writable {
		// the index lives in the central database; when it cannot be reached
		// the update is queued for index-service
		db, err := database.OpenPostgres(database.CentralDSN(cfg))
		if err != nil {
			log.WithError(err).Fatal("Failed to open central database")
		}
		defer database.ClosePostgres(db)

		indexRepo := index.NewRepository(db)
		if err := indexRepo.AutoMigrate(); err != nil {
			log.WithError(err).Fatal("Failed to migrate index")
		}
		auditRepo := audit.NewRepository(db)
		if err := auditRepo.AutoMigrate(); err != nil {
			log.WithError(err).Fatal("Failed to migrate audit")
		}
		redisClient := database.NewRedis(cfg)
		defer database.CloseRedis(redisClient)

		indexService := index.NewService(indexRepo, index.NewRedisCache(redisClient, cfg.IndexCacheTTL), audit.NewService(auditRepo))

		retries := kafka.NewProducer(cfg.KafkaBrokers, cfg.RecordPersistedTopic)
		defer retries.Close()

		writer = hospital.NewWriter(cfg.HospitalID, store, indexService, retries)
	} else {
		log.Warn("store is read-only here, write endpoints disabled")
	}

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	routes.NewMetricsHandler().Register(router)
	hospital.NewHandler(member.Store, writer, cfg.HospitalAuthToken, cfg.MaxRequestBody).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
			"name": member.Name,
		}).Info("Hospital service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down hospital service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Hospital service stopped")
}
