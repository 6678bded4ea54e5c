package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailforge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ConditionEvaluator decides whether a rule's condition list holds for a
// subscriber and event context. It performs read-only lookups of subscriber
// state and never mutates anything.
type ConditionEvaluator struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewConditionEvaluator(db *gorm.DB, logger *logrus.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConditionEvaluator{db: db, logger: logger, now: time.Now}
}

// Evaluate combines the rule's conditions under its condition logic.
// No conditions means true. Conditions that need a subscriber evaluate to
// false when none is available. A malformed or unknown condition makes the
// rule a non-match.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, rule *models.AutomationRule, subscriber *models.Subscriber, evtCtx map[string]interface{}) bool {
	conditions, err := rule.DecodeConditions()
	if err != nil {
		e.logger.Warnf("automation: rule %d has invalid conditions: %v", rule.ID, err)
		return false
	}
	if len(conditions) == 0 {
		return true
	}
	if subscriber == nil {
		return false
	}

	anyTrue := false
	for _, cond := range conditions {
		ok, err := e.evaluateOne(ctx, cond, subscriber, evtCtx)
		if err != nil {
			e.logger.Warnf("automation: rule %d condition %s: %v", rule.ID, cond.Type, err)
			return false
		}
		if ok {
			anyTrue = true
		} else if rule.ConditionLogic != "any" {
			return false
		}
	}

	if rule.ConditionLogic == "any" {
		return anyTrue
	}
	return true
}

func (e *ConditionEvaluator) evaluateOne(ctx context.Context, cond models.RuleCondition, subscriber *models.Subscriber, evtCtx map[string]interface{}) (bool, error) {
	switch cond.Type {
	case models.ConditionListIs:
		listID, _ := contextInt(evtCtx, "list_id")
		want, _ := coerceInt(cond.Value)
		return listID == want, nil

	case models.ConditionListIsNot:
		listID, _ := contextInt(evtCtx, "list_id")
		want, _ := coerceInt(cond.Value)
		return listID != want, nil

	case models.ConditionTagExists:
		return e.hasTag(ctx, subscriber.ID, cond.Value)

	case models.ConditionTagNotExists:
		has, err := e.hasTag(ctx, subscriber.ID, cond.Value)
		return !has, err

	case models.ConditionFieldEquals:
		value, err := e.fieldValue(ctx, subscriber, cond.Field)
		return value == stringValue(cond.Value), err

	case models.ConditionFieldNotEquals:
		value, err := e.fieldValue(ctx, subscriber, cond.Field)
		return value != stringValue(cond.Value), err

	case models.ConditionFieldContains:
		value, err := e.fieldValue(ctx, subscriber, cond.Field)
		return strings.Contains(value, stringValue(cond.Value)), err

	case models.ConditionFieldIsEmpty:
		value, err := e.fieldValue(ctx, subscriber, cond.Field)
		return value == "", err

	case models.ConditionFieldIsNotEmpty:
		value, err := e.fieldValue(ctx, subscriber, cond.Field)
		return value != "", err

	case models.ConditionEmailOpenedMessage:
		messageID, _ := coerceInt(cond.Value)
		var count int64
		err := e.db.WithContext(ctx).Model(&models.EmailOpen{}).
			Where("subscriber_id = ? AND message_id = ?", subscriber.ID, messageID).
			Count(&count).Error
		return count > 0, err

	case models.ConditionEmailClickedMsg:
		messageID, _ := coerceInt(cond.Value)
		var count int64
		err := e.db.WithContext(ctx).Model(&models.EmailClick{}).
			Where("subscriber_id = ? AND message_id = ?", subscriber.ID, messageID).
			Count(&count).Error
		return count > 0, err

	case models.ConditionSubscribedDaysAgo:
		return e.subscribedDaysAgo(ctx, subscriber, cond.Value, evtCtx)

	case models.ConditionSourceIs:
		return contextString(evtCtx, "source") == stringValue(cond.Value), nil

	default:
		return false, fmt.Errorf("unknown condition type: %s", cond.Type)
	}
}

func (e *ConditionEvaluator) hasTag(ctx context.Context, subscriberID uint, value interface{}) (bool, error) {
	tagID, ok := coerceInt(value)
	if !ok {
		return false, fmt.Errorf("tag id required")
	}
	var count int64
	err := e.db.WithContext(ctx).Model(&models.SubscriberTag{}).
		Where("subscriber_id = ? AND tag_id = ?", subscriberID, tagID).
		Count(&count).Error
	return count > 0, err
}

// fieldValue resolves a built-in attribute or a custom field by slug.
// A missing custom-field value reads as the empty string.
func (e *ConditionEvaluator) fieldValue(ctx context.Context, subscriber *models.Subscriber, field string) (string, error) {
	switch field {
	case "email":
		return subscriber.Email, nil
	case "first_name":
		return subscriber.FirstName, nil
	case "last_name":
		return subscriber.LastName, nil
	case "phone":
		return subscriber.Phone, nil
	}

	var value models.FieldValue
	err := e.db.WithContext(ctx).
		Joins("JOIN custom_fields ON custom_fields.id = field_values.custom_field_id").
		Where("field_values.subscriber_id = ? AND custom_fields.slug = ?", subscriber.ID, field).
		First(&value).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", err
	}
	return value.Value, nil
}

// subscribedDaysAgo checks elapsed days since the subscriber joined the list
// named in the context. The join date is read from the membership pivot as-is;
// concurrent membership mutations may lag (eventually-consistent read).
func (e *ConditionEvaluator) subscribedDaysAgo(ctx context.Context, subscriber *models.Subscriber, value interface{}, evtCtx map[string]interface{}) (bool, error) {
	listID, ok := contextInt(evtCtx, "list_id")
	if !ok {
		return false, nil
	}
	days, _ := coerceInt(value)

	var sub models.Subscription
	err := e.db.WithContext(ctx).
		Where("subscriber_id = ? AND contact_list_id = ?", subscriber.ID, listID).
		First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, err
	}
	if sub.SubscribedAt == nil {
		return false, nil
	}

	elapsed := int64(e.now().Sub(*sub.SubscribedAt).Hours() / 24)
	return elapsed >= days, nil
}

func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
