package main

import (
	"context"
	"fmt"

	"mailforge/internal/config"
	"mailforge/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dateTriggersCmd = &cobra.Command{
	Use:   "date-triggers",
	Short: "Run the daily date-trigger scans once",
	Long: `Scans for subscriber birthdays, subscription anniversaries and
date-reached rules and emits the matching trigger events. Normally the server
does this on its daily schedule; this command runs one scan immediately,
which is useful after a backfill or a missed window.`,
	Run: runDateTriggers,
}

func init() {
	rootCmd.AddCommand(dateTriggersCmd)
}

func runDateTriggers(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}

	evaluator := services.NewConditionEvaluator(db, appLogger)
	limiter := services.NewRateLimiter(db, appLogger)
	webhooks := services.NewWebhookClient(cfg.Automation.WebhookTimeout, &cfg.Automation.CircuitBreaker, appLogger)
	mailer := services.NewOutboxMailer(db)
	funnels := services.NewGormFunnelEnroller(db)
	executor := services.NewActionExecutor(db, appLogger, mailer, mailer, funnels, webhooks)
	automation := services.NewAutomationService(db, appLogger, evaluator, limiter, executor)
	dateTriggers := services.NewDateTriggerService(db, appLogger, automation)

	emitted := dateTriggers.ProcessAll(context.Background())
	appLogger.Infof("Date trigger scan finished, %d events emitted", emitted)
}
