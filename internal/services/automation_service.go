package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mailforge/internal/metrics"
	"mailforge/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// AutomationService is the rule engine's front door. It accepts trigger
// events, finds the rules that match, runs their actions and writes one
// durable log row per invocation. Event processing is fire-and-forget from
// the caller's point of view: every failure is absorbed, logged and recorded,
// never propagated back to the event source.
type AutomationService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	evaluator *ConditionEvaluator
	limiter   *RateLimiter
	executor  *ActionExecutor
	feed      *ActivityFeed
	tracer    trace.Tracer
	now       func() time.Time
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, evaluator *ConditionEvaluator, limiter *RateLimiter, executor *ActionExecutor) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &AutomationService{
		db:        db,
		logger:    logger,
		evaluator: evaluator,
		limiter:   limiter,
		executor:  executor,
		tracer:    otel.Tracer("mailforge/automation"),
		now:       time.Now,
	}
	if executor != nil {
		executor.SetEventSink(s)
	}
	return s
}

// SetActivityFeed wires the websocket feed that streams invocation results to
// connected dashboards. Optional; nil disables broadcasting.
func (s *AutomationService) SetActivityFeed(feed *ActivityFeed) {
	s.feed = feed
}

// Publish implements EventSink. Events emitted by actions (tag_added and the
// like) are processed on a fresh goroutine so a rule that mutates tags cannot
// deadlock or unboundedly recurse within the invocation that caused it.
func (s *AutomationService) Publish(triggerEvent string, evtCtx map[string]interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.ProcessEvent(ctx, triggerEvent, evtCtx)
	}()
}

// ProcessEvent runs the full pipeline for one trigger event occurrence.
func (s *AutomationService) ProcessEvent(ctx context.Context, triggerEvent string, evtCtx map[string]interface{}) {
	ctx, span := s.tracer.Start(ctx, "automation.process_event",
		trace.WithAttributes(attribute.String("trigger.event", triggerEvent)))
	defer span.End()

	if evtCtx == nil {
		evtCtx = map[string]interface{}{}
	}
	if _, ok := evtCtx["event_id"]; !ok {
		evtCtx["event_id"] = uuid.NewString()
	}
	evtCtx["trigger_event"] = triggerEvent

	subscriber := s.resolveSubscriber(ctx, evtCtx)

	rules, err := s.FindMatchingRules(ctx, triggerEvent, evtCtx)
	if err != nil {
		s.logger.Errorf("automation: find rules for %s: %v", triggerEvent, err)
		return
	}
	span.SetAttributes(attribute.Int("rules.matched", len(rules)))

	for i := range rules {
		s.executeRule(ctx, &rules[i], subscriber, evtCtx)
	}
}

// FindMatchingRules returns the active rules for the trigger whose
// trigger-scoped filter accepts the event context. Condition trees are NOT
// evaluated here; they run inside executeRule so their outcome is visible in
// the invocation path.
func (s *AutomationService) FindMatchingRules(ctx context.Context, triggerEvent string, evtCtx map[string]interface{}) ([]models.AutomationRule, error) {
	var candidates []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("active = ? AND trigger_event = ?", true, triggerEvent).
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	matched := candidates[:0]
	for i := range candidates {
		if matchesTriggerConfig(&candidates[i], evtCtx) {
			matched = append(matched, candidates[i])
		}
	}
	return matched, nil
}

// resolveSubscriber loads the subscriber named in the context. A missing or
// unknown id yields nil; rules with subscriber-dependent conditions or a
// per-subscriber limit then simply do not fire.
func (s *AutomationService) resolveSubscriber(ctx context.Context, evtCtx map[string]interface{}) *models.Subscriber {
	id, ok := contextInt(evtCtx, "subscriber_id")
	if !ok || id <= 0 {
		return nil
	}
	var subscriber models.Subscriber
	if err := s.db.WithContext(ctx).First(&subscriber, id).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			s.logger.Warnf("automation: load subscriber %d: %v", id, err)
		}
		return nil
	}
	return &subscriber
}

// executeRule evaluates conditions, applies the rate limit and runs the
// rule's actions in order, then writes the invocation log. Panics inside a
// single action are contained and recorded as that action's failure.
func (s *AutomationService) executeRule(ctx context.Context, rule *models.AutomationRule, subscriber *models.Subscriber, evtCtx map[string]interface{}) {
	ctx, span := s.tracer.Start(ctx, "automation.execute_rule",
		trace.WithAttributes(attribute.Int64("rule.id", int64(rule.ID))))
	defer span.End()

	if !s.evaluator.Evaluate(ctx, rule, subscriber, evtCtx) {
		return
	}

	if rule.LimitPerSubscriber && subscriber != nil {
		if !s.limiter.Allow(ctx, rule, subscriber.ID) {
			s.writeLog(ctx, rule, subscriber, evtCtx, models.LogStatusSkipped, nil, "rate limit reached", 0)
			metrics.IncInvocation(models.LogStatusSkipped)
			return
		}
		defer s.limiter.Done(rule, subscriber.ID)
	}

	started := s.now()

	actions, err := rule.DecodeActions()
	if err != nil {
		elapsed := s.now().Sub(started).Milliseconds()
		s.writeLog(ctx, rule, subscriber, evtCtx, models.LogStatusFailed, nil, fmt.Sprintf("invalid actions: %v", err), elapsed)
		s.bumpExecution(ctx, rule)
		metrics.IncInvocation(models.LogStatusFailed)
		return
	}

	records := make([]models.ActionRecord, 0, len(actions))
	succeeded := 0
	for _, action := range actions {
		record := s.runAction(ctx, action, subscriber, evtCtx)
		if record.Status == models.ActionStatusSuccess {
			succeeded++
		}
		records = append(records, record)
	}

	status := models.LogStatusSuccess
	switch {
	case len(records) == 0:
		// A rule with no actions still counts as a successful invocation.
	case succeeded == 0:
		status = models.LogStatusFailed
	case succeeded < len(records):
		status = models.LogStatusPartial
	}

	elapsed := s.now().Sub(started).Milliseconds()
	s.writeLog(ctx, rule, subscriber, evtCtx, status, records, "", elapsed)
	s.bumpExecution(ctx, rule)
	metrics.IncInvocation(status)

	span.SetAttributes(attribute.String("invocation.status", status))
	s.broadcast(rule, subscriber, status, evtCtx)
}

func (s *AutomationService) runAction(ctx context.Context, action models.RuleAction, subscriber *models.Subscriber, evtCtx map[string]interface{}) (record models.ActionRecord) {
	record = models.ActionRecord{Type: action.Type, Status: models.ActionStatusSuccess}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("automation: action %s panicked: %v", action.Type, r)
			record.Status = models.ActionStatusFailed
			record.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	result, err := s.executor.Execute(ctx, action, subscriber, evtCtx)
	if err != nil {
		s.logger.Warnf("automation: action %s failed: %v", action.Type, err)
		record.Status = models.ActionStatusFailed
		record.Error = err.Error()
		return record
	}
	record.Result = result
	return record
}

// writeLog persists one invocation row. Log write failures are logged and
// swallowed; losing one audit row must not disturb event processing.
func (s *AutomationService) writeLog(ctx context.Context, rule *models.AutomationRule, subscriber *models.Subscriber, evtCtx map[string]interface{}, status string, records []models.ActionRecord, errMsg string, elapsedMs int64) {
	triggerData, err := json.Marshal(evtCtx)
	if err != nil {
		triggerData = []byte("{}")
	}
	actionsExecuted := ""
	if len(records) > 0 {
		if buf, err := json.Marshal(records); err == nil {
			actionsExecuted = string(buf)
		}
	}

	ruleID := rule.ID
	log := &models.AutomationRuleLog{
		RuleID:          &ruleID,
		UserID:          rule.UserID,
		RuleName:        rule.Name,
		TriggerEvent:    rule.TriggerEvent,
		TriggerData:     string(triggerData),
		ActionsExecuted: actionsExecuted,
		Status:          status,
		ErrorMessage:    errMsg,
		ExecutionTimeMs: elapsedMs,
		ExecutedAt:      s.now(),
	}
	if subscriber != nil {
		subscriberID := subscriber.ID
		log.SubscriberID = &subscriberID
	}

	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		s.logger.Errorf("automation: write log for rule %d: %v", rule.ID, err)
	}
}

// bumpExecution increments the rule's counter atomically in SQL so concurrent
// invocations never lose updates.
func (s *AutomationService) bumpExecution(ctx context.Context, rule *models.AutomationRule) {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", rule.ID).
		Updates(map[string]interface{}{
			"execution_count":  gorm.Expr("execution_count + 1"),
			"last_executed_at": now,
		}).Error
	if err != nil {
		s.logger.Warnf("automation: bump execution count for rule %d: %v", rule.ID, err)
	}
}

func (s *AutomationService) broadcast(rule *models.AutomationRule, subscriber *models.Subscriber, status string, evtCtx map[string]interface{}) {
	if s.feed == nil {
		return
	}
	event := map[string]interface{}{
		"type":          "rule_invocation",
		"rule_id":       rule.ID,
		"rule_name":     rule.Name,
		"trigger_event": rule.TriggerEvent,
		"status":        status,
		"executed_at":   s.now().Format(time.RFC3339),
	}
	if subscriber != nil {
		event["subscriber_id"] = subscriber.ID
	}
	if id := contextString(evtCtx, "event_id"); id != "" {
		event["event_id"] = id
	}
	s.feed.Broadcast(event)
}

// --- Rule management ---

// CreateAutomationRuleRequest is the authoring payload for new rules.
type CreateAutomationRuleRequest struct {
	Name               string                 `json:"name" binding:"required"`
	Description        string                 `json:"description"`
	TriggerEvent       string                 `json:"trigger_event" binding:"required"`
	TriggerConfig      map[string]interface{} `json:"trigger_config"`
	Conditions         []models.RuleCondition `json:"conditions"`
	ConditionLogic     string                 `json:"condition_logic"`
	Actions            []models.RuleAction    `json:"actions" binding:"required"`
	LimitPerSubscriber bool                   `json:"limit_per_subscriber"`
	LimitCount         int                    `json:"limit_count"`
	LimitPeriod        string                 `json:"limit_period"`
	Active             *bool                  `json:"active"`
}

// UpdateAutomationRuleRequest carries partial updates; nil fields keep their
// stored values.
type UpdateAutomationRuleRequest struct {
	Name               *string                 `json:"name"`
	Description        *string                 `json:"description"`
	TriggerEvent       *string                 `json:"trigger_event"`
	TriggerConfig      *map[string]interface{} `json:"trigger_config"`
	Conditions         *[]models.RuleCondition `json:"conditions"`
	ConditionLogic     *string                 `json:"condition_logic"`
	Actions            *[]models.RuleAction    `json:"actions"`
	LimitPerSubscriber *bool                   `json:"limit_per_subscriber"`
	LimitCount         *int                    `json:"limit_count"`
	LimitPeriod        *string                 `json:"limit_period"`
	Active             *bool                   `json:"active"`
}

func validateTrigger(triggerEvent string) error {
	if _, ok := models.TriggerEvents[triggerEvent]; !ok {
		return fmt.Errorf("unknown trigger event: %s", triggerEvent)
	}
	return nil
}

func validateDefinition(conditions []models.RuleCondition, logic string, actions []models.RuleAction, limitPeriod string, limitPerSubscriber bool) error {
	if logic != "" && logic != "all" && logic != "any" {
		return fmt.Errorf("condition logic must be all or any")
	}
	for _, cond := range conditions {
		if _, ok := models.ConditionTypes[cond.Type]; !ok {
			return fmt.Errorf("unknown condition type: %s", cond.Type)
		}
	}
	if len(actions) == 0 {
		return fmt.Errorf("at least one action required")
	}
	for _, action := range actions {
		if _, ok := models.ActionTypes[action.Type]; !ok {
			return fmt.Errorf("unknown action type: %s", action.Type)
		}
	}
	if limitPerSubscriber {
		if _, bounded := models.LimitWindow(limitPeriod); !bounded && limitPeriod != models.LimitPeriodEver {
			return fmt.Errorf("unknown limit period: %s", limitPeriod)
		}
	}
	return nil
}

func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// CreateRule validates and stores a new rule for the user.
func (s *AutomationService) CreateRule(ctx context.Context, userID uint, req *CreateAutomationRuleRequest) (*models.AutomationRule, error) {
	if err := validateTrigger(req.TriggerEvent); err != nil {
		return nil, err
	}
	if err := validateDefinition(req.Conditions, req.ConditionLogic, req.Actions, req.LimitPeriod, req.LimitPerSubscriber); err != nil {
		return nil, err
	}

	triggerConfig, err := encodeJSON(req.TriggerConfig)
	if err != nil {
		return nil, fmt.Errorf("encode trigger config: %w", err)
	}
	conditions, err := encodeJSON(req.Conditions)
	if err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}
	actions, err := encodeJSON(req.Actions)
	if err != nil {
		return nil, fmt.Errorf("encode actions: %w", err)
	}

	logic := req.ConditionLogic
	if logic == "" {
		logic = "all"
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rule := &models.AutomationRule{
		UserID:             userID,
		Name:               req.Name,
		Description:        req.Description,
		TriggerEvent:       req.TriggerEvent,
		TriggerConfig:      triggerConfig,
		Conditions:         conditions,
		ConditionLogic:     logic,
		Actions:            actions,
		LimitPerSubscriber: req.LimitPerSubscriber,
		LimitCount:         req.LimitCount,
		LimitPeriod:        req.LimitPeriod,
		Active:             active,
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return rule, nil
}

// GetRule returns one of the user's rules.
func (s *AutomationService) GetRule(ctx context.Context, userID, ruleID uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", ruleID, userID).
		First(&rule).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("rule not found")
		}
		return nil, err
	}
	return &rule, nil
}

// ListRules returns the user's rules, optionally filtered by trigger event
// and active state.
func (s *AutomationService) ListRules(ctx context.Context, userID uint, triggerEvent string, active *bool) ([]models.AutomationRule, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if triggerEvent != "" {
		query = query.Where("trigger_event = ?", triggerEvent)
	}
	if active != nil {
		query = query.Where("active = ?", *active)
	}

	var rules []models.AutomationRule
	if err := query.Order("id desc").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// UpdateRule applies a partial update after re-validating the result.
func (s *AutomationService) UpdateRule(ctx context.Context, userID, ruleID uint, req *UpdateAutomationRuleRequest) (*models.AutomationRule, error) {
	rule, err := s.GetRule(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.TriggerEvent != nil {
		if err := validateTrigger(*req.TriggerEvent); err != nil {
			return nil, err
		}
		rule.TriggerEvent = *req.TriggerEvent
	}
	if req.TriggerConfig != nil {
		encoded, err := encodeJSON(*req.TriggerConfig)
		if err != nil {
			return nil, fmt.Errorf("encode trigger config: %w", err)
		}
		rule.TriggerConfig = encoded
	}
	if req.ConditionLogic != nil {
		rule.ConditionLogic = *req.ConditionLogic
	}
	if req.Conditions != nil {
		encoded, err := encodeJSON(*req.Conditions)
		if err != nil {
			return nil, fmt.Errorf("encode conditions: %w", err)
		}
		rule.Conditions = encoded
	}
	if req.Actions != nil {
		encoded, err := encodeJSON(*req.Actions)
		if err != nil {
			return nil, fmt.Errorf("encode actions: %w", err)
		}
		rule.Actions = encoded
	}
	if req.LimitPerSubscriber != nil {
		rule.LimitPerSubscriber = *req.LimitPerSubscriber
	}
	if req.LimitCount != nil {
		rule.LimitCount = *req.LimitCount
	}
	if req.LimitPeriod != nil {
		rule.LimitPeriod = *req.LimitPeriod
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	conditions, err := rule.DecodeConditions()
	if err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	actions, err := rule.DecodeActions()
	if err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	if err := validateDefinition(conditions, rule.ConditionLogic, actions, rule.LimitPeriod, rule.LimitPerSubscriber); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return rule, nil
}

// DeleteRule removes a rule. Its logs survive with rule_id nulled so the
// audit trail stays intact.
func (s *AutomationService) DeleteRule(ctx context.Context, userID, ruleID uint) error {
	rule, err := s.GetRule(ctx, userID, ruleID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.AutomationRuleLog{}).
			Where("rule_id = ?", rule.ID).
			Update("rule_id", nil).Error; err != nil {
			return fmt.Errorf("detach logs: %w", err)
		}
		if err := tx.Delete(rule).Error; err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		return nil
	})
}

// DuplicateRule stores an inactive copy of an existing rule.
func (s *AutomationService) DuplicateRule(ctx context.Context, userID, ruleID uint) (*models.AutomationRule, error) {
	rule, err := s.GetRule(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}
	dup := rule.Duplicate()
	if err := s.db.WithContext(ctx).Create(dup).Error; err != nil {
		return nil, fmt.Errorf("duplicate rule: %w", err)
	}
	return dup, nil
}

// LogFilter narrows ListLogs results.
type LogFilter struct {
	RuleID       uint
	SubscriberID uint
	Status       string
	TriggerEvent string
	Since        *time.Time
	Page         int
	PerPage      int
}

// ListLogs returns the user's invocation logs, newest first.
func (s *AutomationService) ListLogs(ctx context.Context, userID uint, filter LogFilter) ([]models.AutomationRuleLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AutomationRuleLog{}).
		Where("user_id = ?", userID)
	if filter.RuleID != 0 {
		query = query.Where("rule_id = ?", filter.RuleID)
	}
	if filter.SubscriberID != 0 {
		query = query.Where("subscriber_id = ?", filter.SubscriberID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.TriggerEvent != "" {
		query = query.Where("trigger_event = ?", filter.TriggerEvent)
	}
	if filter.Since != nil {
		query = query.Where("executed_at >= ?", *filter.Since)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	var logs []models.AutomationRuleLog
	err := query.Order("executed_at desc").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&logs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	return logs, total, nil
}

// RuleStats summarizes invocation outcomes over a trailing window.
type RuleStats struct {
	TotalRules  int64            `json:"total_rules"`
	ActiveRules int64            `json:"active_rules"`
	Invocations int64            `json:"invocations"`
	ByStatus    map[string]int64 `json:"by_status"`
	TopRules    []RuleStatsEntry `json:"top_rules"`
	WindowDays  int              `json:"window_days"`
}

// RuleStatsEntry is one rule's share of recent invocations.
type RuleStatsEntry struct {
	RuleID      *uint  `json:"rule_id"`
	RuleName    string `json:"rule_name"`
	Invocations int64  `json:"invocations"`
}

// Stats aggregates the user's rule activity over the past N days.
func (s *AutomationService) Stats(ctx context.Context, userID uint, days int) (*RuleStats, error) {
	if days < 1 {
		days = 30
	}
	since := s.now().AddDate(0, 0, -days)

	stats := &RuleStats{
		ByStatus:   map[string]int64{},
		WindowDays: days,
	}

	db := s.db.WithContext(ctx)
	if err := db.Model(&models.AutomationRule{}).Where("user_id = ?", userID).Count(&stats.TotalRules).Error; err != nil {
		return nil, fmt.Errorf("count rules: %w", err)
	}
	if err := db.Model(&models.AutomationRule{}).Where("user_id = ? AND active = ?", userID, true).Count(&stats.ActiveRules).Error; err != nil {
		return nil, fmt.Errorf("count active rules: %w", err)
	}

	type statusRow struct {
		Status string
		Count  int64
	}
	var statusRows []statusRow
	err := db.Model(&models.AutomationRuleLog{}).
		Select("status, count(*) as count").
		Where("user_id = ? AND executed_at >= ?", userID, since).
		Group("status").
		Scan(&statusRows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate statuses: %w", err)
	}
	for _, row := range statusRows {
		stats.ByStatus[row.Status] = row.Count
		stats.Invocations += row.Count
	}

	err = db.Model(&models.AutomationRuleLog{}).
		Select("rule_id, rule_name, count(*) as invocations").
		Where("user_id = ? AND executed_at >= ?", userID, since).
		Group("rule_id, rule_name").
		Order("invocations desc").
		Limit(10).
		Scan(&stats.TopRules).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate top rules: %w", err)
	}

	return stats, nil
}

// Taxonomies returns the trigger, condition and action vocabularies for the
// authoring surface.
func (s *AutomationService) Taxonomies() map[string]interface{} {
	return map[string]interface{}{
		"trigger_events":  models.TriggerEvents,
		"condition_types": models.ConditionTypes,
		"action_types":    models.ActionTypes,
		"limit_periods": []string{
			models.LimitPeriodHour,
			models.LimitPeriodDay,
			models.LimitPeriodWeek,
			models.LimitPeriodMonth,
			models.LimitPeriodEver,
		},
	}
}
