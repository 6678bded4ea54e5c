package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"mailforge/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newEngineTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
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
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T, db *gorm.DB) *AutomationService {
	evaluator := NewConditionEvaluator(db, nil)
	limiter := NewRateLimiter(db, nil)
	mailer := NewOutboxMailer(db)
	funnels := NewGormFunnelEnroller(db)
	webhooks := NewWebhookClient(2*time.Second, nil, nil)
	executor := NewActionExecutor(db, nil, mailer, mailer, funnels, webhooks)
	return NewAutomationService(db, nil, evaluator, limiter, executor)
}

func seedEngineSubscriber(t *testing.T, db *gorm.DB) *models.Subscriber {
	sub := &models.Subscriber{
		UserID: 1,
		Email:  "maria@example.com",
		Status: "active",
	}
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("seed subscriber: %v", err)
	}
	return sub
}

func TestAutomationService_EndToEnd_TagCascade(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	sub := seedEngineSubscriber(t, db)

	source := &models.Tag{UserID: 1, Name: "lead"}
	reward := &models.Tag{UserID: 1, Name: "welcome"}
	db.Create(source)
	db.Create(reward)

	rule := &models.AutomationRule{
		UserID:        1,
		Name:          "Reward new leads",
		TriggerEvent:  models.TriggerTagAdded,
		TriggerConfig: `{"tag_id": 1}`,
		Actions:       `[{"type": "add_tag", "config": {"tag_id": 2}}]`,
		Active:        true,
	}
	db.Create(rule)

	engine.ProcessEvent(context.Background(), models.TriggerTagAdded, map[string]interface{}{
		"subscriber_id": sub.ID,
		"user_id":       uint(1),
		"tag_id":        source.ID,
	})

	var count int64
	db.Model(&models.SubscriberTag{}).Where("subscriber_id = ? AND tag_id = ?", sub.ID, reward.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected the reward tag to be attached, got %d links", count)
	}

	var log models.AutomationRuleLog
	if err := db.First(&log).Error; err != nil {
		t.Fatalf("expected an invocation log: %v", err)
	}
	if log.Status != models.LogStatusSuccess {
		t.Fatalf("expected success status, got %s", log.Status)
	}
	if log.RuleName != "Reward new leads" || log.TriggerEvent != models.TriggerTagAdded {
		t.Fatalf("log snapshot wrong: %+v", log)
	}
	records, err := log.DecodeActionsExecuted()
	if err != nil || len(records) != 1 || records[0].Status != models.ActionStatusSuccess {
		t.Fatalf("unexpected action records: %v %v", records, err)
	}

	var updated models.AutomationRule
	db.First(&updated, rule.ID)
	if updated.ExecutionCount != 1 || updated.LastExecutedAt == nil {
		t.Fatalf("execution bookkeeping wrong: count=%d last=%v", updated.ExecutionCount, updated.LastExecutedAt)
	}
}

func TestAutomationService_TriggerConfigFiltersRules(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	sub := seedEngineSubscriber(t, db)

	db.Create(&models.Tag{UserID: 1, Name: "other"})

	rule := &models.AutomationRule{
		UserID:        1,
		Name:          "List 9 only",
		TriggerEvent:  models.TriggerSubscriberSignup,
		TriggerConfig: `{"list_id": 9}`,
		Actions:       `[{"type": "add_tag", "config": {"tag_id": 1}}]`,
		Active:        true,
	}
	db.Create(rule)

	engine.ProcessEvent(context.Background(), models.TriggerSubscriberSignup, map[string]interface{}{
		"subscriber_id": sub.ID,
		"list_id":       7,
	})

	var logCount int64
	db.Model(&models.AutomationRuleLog{}).Count(&logCount)
	if logCount != 0 {
		t.Fatal("a rule filtered out by trigger config must leave no trace")
	}
}

func TestAutomationService_InactiveRulesNeverFire(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	sub := seedEngineSubscriber(t, db)

	rule := &models.AutomationRule{
		UserID:       1,
		Name:         "Paused",
		TriggerEvent: models.TriggerSubscriberSignup,
		Actions:      `[{"type": "add_tag", "config": {"tag_name": "x"}}]`,
		Active:       false,
	}
	db.Create(rule)

	engine.ProcessEvent(context.Background(), models.TriggerSubscriberSignup, map[string]interface{}{
		"subscriber_id": sub.ID,
	})

	var logCount int64
	db.Model(&models.AutomationRuleLog{}).Count(&logCount)
	if logCount != 0 {
		t.Fatal("inactive rules must not fire")
	}
}

func TestAutomationService_PartialFailure(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	sub := seedEngineSubscriber(t, db)

	db.Create(&models.Tag{UserID: 1, Name: "first"})
	db.Create(&models.Tag{UserID: 1, Name: "third"})

	// Second action references a missing message and fails; first and third
	// must still run.
	rule := &models.AutomationRule{
		UserID:       1,
		Name:         "Three steps",
		TriggerEvent: models.TriggerSubscriberSignup,
		Actions: `[
			{"type": "add_tag", "config": {"tag_id": 1}},
			{"type": "send_email", "config": {"message_id": 999}},
			{"type": "add_tag", "config": {"tag_id": 2}}
		]`,
		Active: true,
	}
	db.Create(rule)

	engine.ProcessEvent(context.Background(), models.TriggerSubscriberSignup, map[string]interface{}{
		"subscriber_id": sub.ID,
	})

	var log models.AutomationRuleLog
	if err := db.First(&log).Error; err != nil {
		t.Fatalf("expected an invocation log: %v", err)
	}
	if log.Status != models.LogStatusPartial {
		t.Fatalf("expected partial status, got %s", log.Status)
	}

	records, err := log.DecodeActionsExecuted()
	if err != nil || len(records) != 3 {
		t.Fatalf("expected 3 action records: %v %v", records, err)
	}
	if records[0].Status != models.ActionStatusSuccess ||
		records[1].Status != models.ActionStatusFailed ||
		records[2].Status != models.ActionStatusSuccess {
		t.Fatalf("unexpected record statuses: %+v", records)
	}
	if records[1].Error == "" {
		t.Fatal("failed record must carry the error")
	}

	var tagLinks int64
	db.Model(&models.SubscriberTag{}).Where("subscriber_id = ?", sub.ID).Count(&tagLinks)
	if tagLinks != 2 {
		t.Fatalf("sibling actions must run despite the failure, got %d links", tagLinks)
	}

	var updated models.AutomationRule
	db.First(&updated, rule.ID)
	if updated.ExecutionCount != 1 {
		t.Fatalf("partial invocations bump the counter, got %d", updated.ExecutionCount)
	}
}

func TestAutomationService_AllActionsFail(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	sub := seedEngineSubscriber(t, db)

	rule := &models.AutomationRule{
		UserID:       1,
		Name:         "Doomed",
		TriggerEvent: models.TriggerSubscriberSignup,
		Actions:      `[{"type": "send_email", "config": {"message_id": 999}}]`,
		Active:       true,
	}
	db.Create(rule)

	engine.ProcessEvent(context.Background(), models.TriggerSubscriberSignup, map[string]interface{}{
		"subscriber_id": sub.ID,
	})

	var log models.AutomationRuleLog
	db.First(&log)
	if log.Status != models.LogStatusFailed {
		t.Fatalf("expected failed status, got %s", log.Status)
	}
}

func TestAutomationService_RateLimitWritesSkippedLog(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	sub := seedEngineSubscriber(t, db)

	db.Create(&models.Tag{UserID: 1, Name: "once"})

	rule := &models.AutomationRule{
		UserID:             1,
		Name:               "Once per day",
		TriggerEvent:       models.TriggerSubscriberSignup,
		Actions:            `[{"type": "add_tag", "config": {"tag_id": 1}}]`,
		LimitPerSubscriber: true,
		LimitCount:         1,
		LimitPeriod:        models.LimitPeriodDay,
		Active:             true,
	}
	db.Create(rule)

	evtCtx := map[string]interface{}{"subscriber_id": sub.ID}
	engine.ProcessEvent(context.Background(), models.TriggerSubscriberSignup, evtCtx)
	engine.ProcessEvent(context.Background(), models.TriggerSubscriberSignup, evtCtx)

	var logs []models.AutomationRuleLog
	db.Order("id").Find(&logs)
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].Status != models.LogStatusSuccess || logs[1].Status != models.LogStatusSkipped {
		t.Fatalf("expected success then skipped, got %s then %s", logs[0].Status, logs[1].Status)
	}

	var updated models.AutomationRule
	db.First(&updated, rule.ID)
	if updated.ExecutionCount != 1 {
		t.Fatalf("skipped invocations must not bump the counter, got %d", updated.ExecutionCount)
	}
}

func TestAutomationService_EventIDStamped(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	sub := seedEngineSubscriber(t, db)

	db.Create(&models.Tag{UserID: 1, Name: "x"})
	rule := &models.AutomationRule{
		UserID:       1,
		Name:         "Stamp check",
		TriggerEvent: models.TriggerSubscriberSignup,
		Actions:      `[{"type": "add_tag", "config": {"tag_id": 1}}]`,
		Active:       true,
	}
	db.Create(rule)

	engine.ProcessEvent(context.Background(), models.TriggerSubscriberSignup, map[string]interface{}{
		"subscriber_id": sub.ID,
	})

	var log models.AutomationRuleLog
	db.First(&log)
	if !strings.Contains(log.TriggerData, "event_id") {
		t.Fatalf("trigger data should carry the stamped event id: %s", log.TriggerData)
	}
}

func TestAutomationService_RuleCRUD(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	created, err := engine.CreateRule(ctx, 1, &CreateAutomationRuleRequest{
		Name:         "Welcome",
		TriggerEvent: models.TriggerSubscriberSignup,
		Actions: []models.RuleAction{
			{Type: models.ActionAddTag, Config: map[string]interface{}{"tag_name": "new"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateRule() error: %v", err)
	}
	if !created.Active || created.ConditionLogic != "all" {
		t.Fatalf("defaults wrong: %+v", created)
	}

	if _, err := engine.CreateRule(ctx, 1, &CreateAutomationRuleRequest{
		Name:         "Bad trigger",
		TriggerEvent: "comet_sighted",
		Actions:      []models.RuleAction{{Type: models.ActionAddTag}},
	}); err == nil {
		t.Fatal("unknown trigger must be rejected")
	}

	if _, err := engine.CreateRule(ctx, 1, &CreateAutomationRuleRequest{
		Name:         "Bad action",
		TriggerEvent: models.TriggerSubscriberSignup,
		Actions:      []models.RuleAction{{Type: "launch_rocket"}},
	}); err == nil {
		t.Fatal("unknown action type must be rejected")
	}

	name := "Welcome v2"
	updated, err := engine.UpdateRule(ctx, 1, created.ID, &UpdateAutomationRuleRequest{Name: &name})
	if err != nil {
		t.Fatalf("UpdateRule() error: %v", err)
	}
	if updated.Name != "Welcome v2" {
		t.Fatalf("name not updated: %s", updated.Name)
	}

	if _, err := engine.GetRule(ctx, 2, created.ID); err == nil {
		t.Fatal("another tenant must not see the rule")
	}

	rules, err := engine.ListRules(ctx, 1, "", nil)
	if err != nil || len(rules) != 1 {
		t.Fatalf("ListRules() = %v, %v", rules, err)
	}

	dup, err := engine.DuplicateRule(ctx, 1, created.ID)
	if err != nil {
		t.Fatalf("DuplicateRule() error: %v", err)
	}
	if dup.Active || dup.ExecutionCount != 0 || !strings.HasPrefix(dup.Name, "[COPY] ") {
		t.Fatalf("duplicate shape wrong: %+v", dup)
	}
}

func TestAutomationService_DeleteRuleKeepsLogs(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	sub := seedEngineSubscriber(t, db)

	db.Create(&models.Tag{UserID: 1, Name: "x"})
	rule := &models.AutomationRule{
		UserID:       1,
		Name:         "Ephemeral",
		TriggerEvent: models.TriggerSubscriberSignup,
		Actions:      `[{"type": "add_tag", "config": {"tag_id": 1}}]`,
		Active:       true,
	}
	db.Create(rule)

	engine.ProcessEvent(context.Background(), models.TriggerSubscriberSignup, map[string]interface{}{
		"subscriber_id": sub.ID,
	})

	if err := engine.DeleteRule(context.Background(), 1, rule.ID); err != nil {
		t.Fatalf("DeleteRule() error: %v", err)
	}

	var log models.AutomationRuleLog
	if err := db.First(&log).Error; err != nil {
		t.Fatalf("log must survive rule deletion: %v", err)
	}
	if log.RuleID != nil {
		t.Fatal("surviving log should have rule_id nulled")
	}
	if log.RuleName != "Ephemeral" {
		t.Fatal("snapshot name must remain readable")
	}
}

func TestAutomationService_ListLogsAndStats(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)
	ctx := context.Background()

	now := time.Now()
	rid := uint(1)
	for i, status := range []string{
		models.LogStatusSuccess, models.LogStatusSuccess,
		models.LogStatusFailed, models.LogStatusSkipped,
	} {
		db.Create(&models.AutomationRuleLog{
			RuleID:       &rid,
			UserID:       1,
			RuleName:     "R",
			TriggerEvent: models.TriggerSubscriberSignup,
			Status:       status,
			ExecutedAt:   now.Add(-time.Duration(i) * time.Minute),
		})
	}
	// Another tenant's log must not leak.
	db.Create(&models.AutomationRuleLog{UserID: 2, RuleName: "Other", Status: models.LogStatusSuccess, ExecutedAt: now})

	logs, total, err := engine.ListLogs(ctx, 1, LogFilter{})
	if err != nil || total != 4 || len(logs) != 4 {
		t.Fatalf("ListLogs() = %d rows, total %d, err %v", len(logs), total, err)
	}
	if !logs[0].ExecutedAt.After(logs[1].ExecutedAt) {
		t.Fatal("logs must come back newest first")
	}

	logs, total, err = engine.ListLogs(ctx, 1, LogFilter{Status: models.LogStatusFailed})
	if err != nil || total != 1 || logs[0].Status != models.LogStatusFailed {
		t.Fatalf("status filter broken: %d %v", total, err)
	}

	logs, _, err = engine.ListLogs(ctx, 1, LogFilter{Page: 2, PerPage: 3})
	if err != nil || len(logs) != 1 {
		t.Fatalf("pagination broken: %d rows, err %v", len(logs), err)
	}

	stats, err := engine.Stats(ctx, 1, 30)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.Invocations != 4 || stats.ByStatus[models.LogStatusSuccess] != 2 {
		t.Fatalf("stats wrong: %+v", stats)
	}
	if len(stats.TopRules) == 0 || stats.TopRules[0].Invocations != 4 {
		t.Fatalf("top rules wrong: %+v", stats.TopRules)
	}
}

func TestAutomationService_Taxonomies(t *testing.T) {
	db := newEngineTestDB(t)
	engine := newTestEngine(t, db)

	tax := engine.Taxonomies()
	if _, ok := tax["trigger_events"]; !ok {
		t.Fatal("missing trigger_events")
	}
	if _, ok := tax["action_types"]; !ok {
		t.Fatal("missing action_types")
	}
	if _, ok := tax["condition_types"]; !ok {
		t.Fatal("missing condition_types")
	}
}
