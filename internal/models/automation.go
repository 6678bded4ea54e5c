package models

import (
	"encoding/json"
	"time"
)

// Trigger event families rules can subscribe to. The matcher is generic over
// the name; this list is what the authoring surface offers and what ingest
// accepts. crm_* names are accepted as opaque families from the CRM
// collaborator.
const (
	TriggerSubscriberSignup        = "subscriber_signup"
	TriggerSubscriberActivated     = "subscriber_activated"
	TriggerEmailOpened             = "email_opened"
	TriggerEmailClicked            = "email_clicked"
	TriggerSubscriberUnsubscribed  = "subscriber_unsubscribed"
	TriggerEmailBounced            = "email_bounced"
	TriggerFormSubmitted           = "form_submitted"
	TriggerTagAdded                = "tag_added"
	TriggerTagRemoved              = "tag_removed"
	TriggerFieldUpdated            = "field_updated"
	TriggerPageVisited             = "page_visited"
	TriggerSpecificLinkClicked     = "specific_link_clicked"
	TriggerReadTimeThreshold       = "read_time_threshold"
	TriggerDateReached             = "date_reached"
	TriggerSubscriberBirthday      = "subscriber_birthday"
	TriggerSubscriptionAnniversary = "subscription_anniversary"
)

// TriggerEvents maps trigger names to authoring-surface labels.
var TriggerEvents = map[string]string{
	TriggerSubscriberSignup:        "Subscriber signed up",
	TriggerSubscriberActivated:     "Subscriber activated",
	TriggerEmailOpened:             "Email opened",
	TriggerEmailClicked:            "Link clicked",
	TriggerSubscriberUnsubscribed:  "Subscriber unsubscribed",
	TriggerEmailBounced:            "Email bounced",
	TriggerFormSubmitted:           "Form submitted",
	TriggerTagAdded:                "Tag added",
	TriggerTagRemoved:              "Tag removed",
	TriggerFieldUpdated:            "Field updated",
	TriggerPageVisited:             "Page visited",
	TriggerSpecificLinkClicked:     "Specific link clicked",
	TriggerReadTimeThreshold:       "Read time threshold reached",
	TriggerDateReached:             "Date reached",
	TriggerSubscriberBirthday:      "Subscriber birthday",
	TriggerSubscriptionAnniversary: "Subscription anniversary",
}

// ActionType identifies one side-effecting step of a rule.
type ActionType string

const (
	ActionSendEmail   ActionType = "send_email"
	ActionAddTag      ActionType = "add_tag"
	ActionRemoveTag   ActionType = "remove_tag"
	ActionMoveToList  ActionType = "move_to_list"
	ActionCopyToList  ActionType = "copy_to_list"
	ActionUnsubscribe ActionType = "unsubscribe"
	ActionCallWebhook ActionType = "call_webhook"
	ActionStartFunnel ActionType = "start_funnel"
	ActionUpdateField ActionType = "update_field"
	ActionNotifyAdmin ActionType = "notify_admin"
)

// ActionTypes maps action types to authoring-surface labels.
var ActionTypes = map[ActionType]string{
	ActionSendEmail:   "Send email",
	ActionAddTag:      "Add tag",
	ActionRemoveTag:   "Remove tag",
	ActionMoveToList:  "Move to list",
	ActionCopyToList:  "Copy to list",
	ActionUnsubscribe: "Unsubscribe",
	ActionCallWebhook: "Call webhook",
	ActionStartFunnel: "Start funnel",
	ActionUpdateField: "Update field",
	ActionNotifyAdmin: "Notify admin",
}

// ConditionType identifies one boolean predicate evaluated at match time.
type ConditionType string

const (
	ConditionListIs             ConditionType = "list_is"
	ConditionListIsNot          ConditionType = "list_is_not"
	ConditionTagExists          ConditionType = "tag_exists"
	ConditionTagNotExists       ConditionType = "tag_not_exists"
	ConditionFieldEquals        ConditionType = "field_equals"
	ConditionFieldNotEquals     ConditionType = "field_not_equals"
	ConditionFieldContains      ConditionType = "field_contains"
	ConditionFieldIsEmpty       ConditionType = "field_is_empty"
	ConditionFieldIsNotEmpty    ConditionType = "field_is_not_empty"
	ConditionEmailOpenedMessage ConditionType = "email_opened_message"
	ConditionEmailClickedMsg    ConditionType = "email_clicked_message"
	ConditionSubscribedDaysAgo  ConditionType = "subscribed_days_ago"
	ConditionSourceIs           ConditionType = "source_is"
)

// ConditionTypes maps condition types to authoring-surface labels.
var ConditionTypes = map[ConditionType]string{
	ConditionListIs:             "List is",
	ConditionListIsNot:          "List is not",
	ConditionTagExists:          "Has tag",
	ConditionTagNotExists:       "Does not have tag",
	ConditionFieldEquals:        "Field equals",
	ConditionFieldNotEquals:     "Field does not equal",
	ConditionFieldContains:      "Field contains",
	ConditionFieldIsEmpty:       "Field is empty",
	ConditionFieldIsNotEmpty:    "Field is not empty",
	ConditionEmailOpenedMessage: "Opened message",
	ConditionEmailClickedMsg:    "Clicked message",
	ConditionSubscribedDaysAgo:  "Subscribed at least X days ago",
	ConditionSourceIs:           "Signup source is",
}

// Rate limit windows.
const (
	LimitPeriodHour  = "hour"
	LimitPeriodDay   = "day"
	LimitPeriodWeek  = "week"
	LimitPeriodMonth = "month"
	LimitPeriodEver  = "ever"
)

// LimitWindow returns the trailing duration for a limit period, and false for
// the unbounded "ever" window.
func LimitWindow(period string) (time.Duration, bool) {
	switch period {
	case LimitPeriodHour:
		return time.Hour, true
	case LimitPeriodDay:
		return 24 * time.Hour, true
	case LimitPeriodWeek:
		return 7 * 24 * time.Hour, true
	case LimitPeriodMonth:
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// RuleCondition is one decoded condition entry.
type RuleCondition struct {
	Type  ConditionType `json:"type"`
	Field string        `json:"field,omitempty"`
	Value any           `json:"value,omitempty"`
}

// RuleAction is one decoded action entry. Config carries the type-specific
// parameters; decoding into a typed ActionConfig happens in the executor.
type RuleAction struct {
	Type   ActionType     `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// AutomationRule is a user-configured reaction to a trigger event.
// TriggerConfig, Conditions and Actions are JSON text columns; the decode
// helpers below return the typed shapes the engine works with.
type AutomationRule struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	UserID      uint   `gorm:"index" json:"user_id"`
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	TriggerEvent   string `gorm:"index;not null" json:"trigger_event"`
	TriggerConfig  string `gorm:"type:text" json:"trigger_config"`  // JSON object
	Conditions     string `gorm:"type:text" json:"conditions"`      // JSON: [{type,field,value}]
	ConditionLogic string `gorm:"default:'all'" json:"condition_logic"` // all, any
	Actions        string `gorm:"type:text" json:"actions"`         // JSON: [{type,config}], order significant

	LimitPerSubscriber bool   `json:"limit_per_subscriber"`
	LimitCount         int    `json:"limit_count"`
	LimitPeriod        string `json:"limit_period"` // hour, day, week, month, ever

	// No column default: gorm would drop an explicit false on insert.
	Active         bool       `json:"active"`
	ExecutionCount int64      `gorm:"default:0" json:"execution_count"`
	LastExecutedAt *time.Time `json:"last_executed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerConfigMap decodes the trigger-scoped filter. An empty column decodes
// to an empty map, which matches every occurrence of the trigger.
func (r *AutomationRule) TriggerConfigMap() (map[string]any, error) {
	cfg := map[string]any{}
	if r.TriggerConfig == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(r.TriggerConfig), &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeConditions returns the rule's condition list; empty means
// unconditional.
func (r *AutomationRule) DecodeConditions() ([]RuleCondition, error) {
	if r.Conditions == "" {
		return nil, nil
	}
	var conds []RuleCondition
	if err := json.Unmarshal([]byte(r.Conditions), &conds); err != nil {
		return nil, err
	}
	return conds, nil
}

// DecodeActions returns the rule's ordered action list.
func (r *AutomationRule) DecodeActions() ([]RuleAction, error) {
	if r.Actions == "" {
		return nil, nil
	}
	var actions []RuleAction
	if err := json.Unmarshal([]byte(r.Actions), &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// Duplicate returns an unsaved copy with counters zeroed and the copy
// deactivated so it never fires before the user reviews it.
func (r *AutomationRule) Duplicate() *AutomationRule {
	dup := *r
	dup.ID = 0
	dup.Name = "[COPY] " + r.Name
	dup.Active = false
	dup.ExecutionCount = 0
	dup.LastExecutedAt = nil
	dup.CreatedAt = time.Time{}
	dup.UpdatedAt = time.Time{}
	return &dup
}

// Invocation log statuses.
const (
	LogStatusSuccess = "success"
	LogStatusPartial = "partial"
	LogStatusFailed  = "failed"
	LogStatusSkipped = "skipped"
)

// Per-action outcome statuses inside ActionsExecuted.
const (
	ActionStatusSuccess = "success"
	ActionStatusFailed  = "failed"
)

// ActionRecord is one attempted action's outcome within an invocation.
type ActionRecord struct {
	Type   ActionType     `json:"type"`
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// AutomationRuleLog is one rule invocation. Rows are immutable once written
// and survive rule deletion (RuleID goes null, the denormalized snapshot
// columns keep the audit trail readable).
type AutomationRuleLog struct {
	ID           uint  `gorm:"primaryKey" json:"id"`
	RuleID       *uint `gorm:"index:idx_rule_logs_limit;constraint:OnDelete:SET NULL" json:"rule_id"`
	UserID       uint  `gorm:"index" json:"user_id"`
	SubscriberID *uint `gorm:"index:idx_rule_logs_limit" json:"subscriber_id"`

	RuleName        string `json:"rule_name"` // snapshot, survives rule deletion
	TriggerEvent    string `gorm:"index" json:"trigger_event"`
	TriggerData     string `gorm:"type:text" json:"trigger_data"`      // verbatim context snapshot
	ActionsExecuted string `gorm:"type:text" json:"actions_executed"`  // JSON: []ActionRecord

	Status          string    `gorm:"index:idx_rule_logs_limit" json:"status"` // success, partial, failed, skipped
	ErrorMessage    string    `json:"error_message"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	ExecutedAt      time.Time `gorm:"index" json:"executed_at"`
}

// DecodeActionsExecuted returns the per-action outcomes of this invocation.
func (l *AutomationRuleLog) DecodeActionsExecuted() ([]ActionRecord, error) {
	if l.ActionsExecuted == "" {
		return nil, nil
	}
	var records []ActionRecord
	if err := json.Unmarshal([]byte(l.ActionsExecuted), &records); err != nil {
		return nil, err
	}
	return records, nil
}
