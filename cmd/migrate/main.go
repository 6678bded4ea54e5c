package main

import (
	"fmt"
	"log"
	"os"

	"mailforge/internal/config"
	"mailforge/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.User{},
		&models.ContactList{},
		&models.Subscriber{},
		&models.Subscription{},
		&models.Tag{},
		&models.SubscriberTag{},
		&models.CustomField{},
		&models.FieldValue{},
		&models.Message{},
		&models.EmailOpen{},
		&models.EmailClick{},
		&models.Funnel{},
		&models.FunnelSubscriber{},
		&models.EmailJob{},
		&models.AutomationRule{},
		&models.AutomationRuleLog{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// Rate limit window counts and log listings hit these paths hard.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_logs_window ON automation_rule_logs(rule_id, subscriber_id, status, executed_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_logs_user_executed ON automation_rule_logs(user_id, executed_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rules_active_trigger ON automation_rules(active, trigger_event)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_subscribers_user_status ON subscribers(user_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_email_jobs_status_queued ON email_jobs(status, queued_at)")

	log.Println("Additional indexes created successfully!")

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	var admin models.User
	if err := db.Where("email = ?", "admin@mailforge.local").First(&admin).Error; err != nil {
		admin = models.User{
			Email:  "admin@mailforge.local",
			Name:   "Administrator",
			Status: "active",
		}
		db.Create(&admin)
		log.Println("Created default admin user")
	}

	var list models.ContactList
	if err := db.Where("user_id = ? AND name = ?", admin.ID, "Main list").First(&list).Error; err != nil {
		list = models.ContactList{
			UserID:                 admin.ID,
			Name:                   "Main list",
			ResubscriptionBehavior: "reset_date",
		}
		db.Create(&list)
		log.Println("Created default contact list")
	}

	var welcome models.Message
	if err := db.Where("user_id = ? AND subject = ?", admin.ID, "Welcome!").First(&welcome).Error; err != nil {
		welcome = models.Message{
			UserID:  admin.ID,
			Subject: "Welcome!",
			Body:    "Thanks for signing up. We are glad to have you on board.",
		}
		db.Create(&welcome)
		log.Println("Created welcome message")
	}

	var rule models.AutomationRule
	if err := db.Where("user_id = ? AND name = ?", admin.ID, "Welcome email on signup").First(&rule).Error; err != nil {
		rule = models.AutomationRule{
			UserID:             admin.ID,
			Name:               "Welcome email on signup",
			Description:        "Sends the welcome message to every new subscriber of the main list.",
			TriggerEvent:       models.TriggerSubscriberSignup,
			TriggerConfig:      fmt.Sprintf(`{"list_id": %d}`, list.ID),
			Actions:            fmt.Sprintf(`[{"type": "send_email", "config": {"message_id": %d}}]`, welcome.ID),
			ConditionLogic:     "all",
			LimitPerSubscriber: true,
			LimitCount:         1,
			LimitPeriod:        models.LimitPeriodEver,
			Active:             true,
		}
		db.Create(&rule)
		log.Println("Created sample automation rule")
	}
}
