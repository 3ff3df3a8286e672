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

	"github.com/medrecnet/platform/pkg/audit"
	"github.com/medrecnet/platform/pkg/common/config"
	"github.com/medrecnet/platform/pkg/common/database"
	"github.com/medrecnet/platform/pkg/common/kafka"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/consent"
	"github.com/medrecnet/platform/pkg/dlp"
	"github.com/medrecnet/platform/pkg/federation"
	"github.com/medrecnet/platform/pkg/gateway"
	"github.com/medrecnet/platform/pkg/gateway/auth"
	"github.com/medrecnet/platform/pkg/gateway/routes"
	"github.com/medrecnet/platform/pkg/hospital"
	"github.com/medrecnet/platform/pkg/identity"
	"github.com/medrecnet/platform/pkg/index"
	"github.com/medrecnet/platform/pkg/medication"
)

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
	consentRepo := consent.NewRepository(db)
	auditRepo := audit.NewRepository(db)
	identityRepo := identity.NewRepository(db)
	for name, migrate := range map[string]func() error{
		"index":    indexRepo.AutoMigrate,
		"consent":  consentRepo.AutoMigrate,
		"audit":    auditRepo.AutoMigrate,
		"identity": identityRepo.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).WithField("schema", name).Fatal("Failed to migrate")
		}
	}

	redisClient := database.NewRedis(cfg)
	defer database.CloseRedis(redisClient)

	mirror := kafka.NewProducer(cfg.KafkaBrokers, cfg.AuditMirrorTopic)
	defer mirror.Close()

	auditService := audit.NewService(auditRepo,
		audit.WithMirror(mirror),
		audit.WithLimits(cfg.AuditDefaultLimit, cfg.AuditMaxLimit),
	)
	indexService := index.NewService(indexRepo, index.NewRedisCache(redisClient, cfg.IndexCacheTTL), auditService)
	consentService := consent.NewService(consentRepo, auditService)

	directory, err := hospital.LoadDirectory(cfg.HospitalRegistryPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load hospital directory")
	}
	registry, err := hospital.Open(directory, hospital.OpenOptions{
		FetchTimeout:   cfg.HospitalFetchTimeout,
		RetryAttempts:  cfg.OutboundRetryAttempts,
		RetryBaseDelay: cfg.OutboundRetryBaseDelay,
	})
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to open hospital stores")
	}
	defer registry.Close()

	table, err := medication.LoadTable(cfg.InteractionTablePath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load interaction table")
	}

	orchestrator := federation.NewOrchestrator(indexService, consentService, registry, auditService, medication.NewChecker(table), federation.Config{
		HospitalTimeout:  cfg.HospitalFetchTimeout,
		BreakGlassLimit:  cfg.BreakGlassMaxPerHour,
		BreakGlassWindow: time.Hour,
	})

	tokens, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL, auth.NewRedisRevoker(redisClient))
	if err != nil {
		logger.Log.WithError(err).Fatal("Invalid JWT configuration")
	}

	identityService := identity.NewService(identityRepo)
	bootstrapAdmin(identityService, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orchestrator.RunMaintenance(ctx)

	router := gateway.NewRouter(gateway.RouterConfig{
		Tokens:    tokens,
		Central:   routes.NewCentralHandler(orchestrator, auditService, consentService, indexService),
		Emergency: routes.NewEmergencyHandler(orchestrator),
		Auth:      routes.NewAuthHandler(identityService, tokens, auditService),
		Metrics: routes.NewMetricsHandler(
			routes.ReadinessCheck{Name: "postgres", Probe: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			}},
			routes.ReadinessCheck{Name: "redis", Probe: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}},
		),
		RateLimitRPS:   cfg.GatewayRateLimitRPS,
		RateLimitBurst: cfg.GatewayRateLimitBurst,
		MaxRequestBody: cfg.MaxRequestBody,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":      cfg.ServerHost,
			"port":      cfg.ServerPort,
			"hospitals": len(registry.IDs()),
		}).Info("Central service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down central service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Central service stopped")
}

func bootstrapAdmin(service *identity.Service, cfg *config.Config) {
	if cfg.BootstrapAdminEmail == "" || cfg.BootstrapAdminPassword == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := service.Register(ctx, identity.RegisterRequest{
		ActorType: identity.ActorAdmin,
		Email:     cfg.BootstrapAdminEmail,
		Name:      "Central administrator",
		Password:  cfg.BootstrapAdminPassword,
	})
	switch {
	case errors.Is(err, identity.ErrEmailAlreadyExists):
	case err != nil:
		logger.Log.WithError(err).Fatal("Failed to bootstrap central admin")
	default:
		logger.Log.WithField("email", cfg.BootstrapAdminEmail).Info("central admin account created")
	}
}
