package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailforge/internal/config"
	"mailforge/internal/handlers"
	"mailforge/internal/models"
	"mailforge/internal/observability"
	"mailforge/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			appLogger.Warnf("gorm tracing plugin: %v", err)
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.ContactList{}, &models.Subscriber{}, &models.Subscription{},
		&models.Tag{}, &models.SubscriberTag{}, &models.CustomField{}, &models.FieldValue{},
		&models.Message{}, &models.EmailOpen{}, &models.EmailClick{},
		&models.Funnel{}, &models.FunnelSubscriber{}, &models.EmailJob{},
		&models.AutomationRule{}, &models.AutomationRuleLog{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// Engine wiring.
	evaluator := services.NewConditionEvaluator(db, appLogger)
	limiter := services.NewRateLimiter(db, appLogger)
	webhooks := services.NewWebhookClient(cfg.Automation.WebhookTimeout, &cfg.Automation.CircuitBreaker, appLogger)
	mailer := services.NewOutboxMailer(db)
	funnels := services.NewGormFunnelEnroller(db)
	executor := services.NewActionExecutor(db, appLogger, mailer, mailer, funnels, webhooks)
	automation := services.NewAutomationService(db, appLogger, evaluator, limiter, executor)

	feed := services.NewActivityFeed(appLogger)
	go feed.Run()
	automation.SetActivityFeed(feed)

	rootCtx, stopBackground := context.WithCancel(context.Background())
	dateTriggers := services.NewDateTriggerService(db, appLogger, automation)
	dateTriggers.StartDailyLoop(rootCtx, cfg.Automation.DateTriggerHourUTC)

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	api := r.Group("/api/v1")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automation, feed, appLogger))

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	go func() {
		appLogger.Infof("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")

	stopBackground()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		appLogger.Warnf("Tracing shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-User-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
