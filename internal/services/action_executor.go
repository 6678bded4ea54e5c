package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mailforge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActionConfig is the decoded parameter set for one action. Each action type
// reads only the fields it documents; unknown keys are ignored.
type ActionConfig struct {
	MessageID uint              `json:"message_id"`
	TagID     uint              `json:"tag_id"`
	TagName   string            `json:"tag_name"`
	ListID    uint              `json:"list_id"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	FunnelID  uint              `json:"funnel_id"`
	Field     string            `json:"field"`
	Value     string            `json:"value"`
	Email     string            `json:"email"`
	Subject   string            `json:"subject"`
	Message   string            `json:"message"`
	Date      string            `json:"date"`
}

func decodeActionConfig(raw map[string]interface{}) (ActionConfig, error) {
	var cfg ActionConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ActionExecutor maps one action descriptor to one concrete side effect.
// Each Execute call stands alone: a failure is returned to the orchestrator
// and never aborts sibling actions.
type ActionExecutor struct {
	db       *gorm.DB
	logger   *logrus.Logger
	mailer   EmailEnqueuer
	notifier AdminNotifier
	funnels  FunnelEnroller
	webhooks *WebhookClient
	events   EventSink
	now      func() time.Time
}

func NewActionExecutor(db *gorm.DB, logger *logrus.Logger, mailer EmailEnqueuer, notifier AdminNotifier, funnels FunnelEnroller, webhooks *WebhookClient) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{
		db:       db,
		logger:   logger,
		mailer:   mailer,
		notifier: notifier,
		funnels:  funnels,
		webhooks: webhooks,
		now:      time.Now,
	}
}

// SetEventSink wires the sink that receives trigger events emitted by tag
// and field mutations. Set after construction because the orchestrator that
// implements it is built on top of this executor.
func (e *ActionExecutor) SetEventSink(sink EventSink) {
	e.events = sink
}

// Execute runs a single action and returns its structured result, or a typed
// error describing why it could not run.
func (e *ActionExecutor) Execute(ctx context.Context, action models.RuleAction, subscriber *models.Subscriber, evtCtx map[string]interface{}) (map[string]interface{}, error) {
	cfg, err := decodeActionConfig(action.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid action config: %w", err)
	}

	switch action.Type {
	case models.ActionSendEmail:
		return e.sendEmail(ctx, cfg, subscriber)
	case models.ActionAddTag:
		return e.addTag(ctx, cfg, subscriber, evtCtx)
	case models.ActionRemoveTag:
		return e.removeTag(ctx, cfg, subscriber, evtCtx)
	case models.ActionMoveToList:
		return e.moveToList(ctx, cfg, subscriber, evtCtx)
	case models.ActionCopyToList:
		return e.copyToList(ctx, cfg, subscriber)
	case models.ActionUnsubscribe:
		return e.unsubscribe(ctx, cfg, subscriber, evtCtx)
	case models.ActionCallWebhook:
		return e.callWebhook(ctx, cfg, subscriber, evtCtx)
	case models.ActionStartFunnel:
		return e.startFunnel(ctx, cfg, subscriber)
	case models.ActionUpdateField:
		return e.updateField(ctx, cfg, subscriber)
	case models.ActionNotifyAdmin:
		return e.notifyAdmin(ctx, cfg, subscriber, evtCtx)
	default:
		return nil, fmt.Errorf("unknown action type: %s", action.Type)
	}
}

func (e *ActionExecutor) sendEmail(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber) (map[string]interface{}, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required for send_email action")
	}
	if cfg.MessageID == 0 {
		return nil, fmt.Errorf("message id required")
	}

	var message models.Message
	if err := e.db.WithContext(ctx).First(&message, cfg.MessageID).Error; err != nil {
		return nil, fmt.Errorf("message not found: %d", cfg.MessageID)
	}

	if err := e.mailer.Enqueue(ctx, &message, subscriber); err != nil {
		return nil, fmt.Errorf("enqueue email: %w", err)
	}
	return map[string]interface{}{"message_id": message.ID, "queued": true}, nil
}

func (e *ActionExecutor) addTag(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber, evtCtx map[string]interface{}) (map[string]interface{}, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required for add_tag action")
	}

	var tag models.Tag
	switch {
	case cfg.TagID != 0:
		if err := e.db.WithContext(ctx).First(&tag, cfg.TagID).Error; err != nil {
			return nil, fmt.Errorf("tag not found: %d", cfg.TagID)
		}
	case cfg.TagName != "":
		err := e.db.WithContext(ctx).
			Where(models.Tag{UserID: subscriber.UserID, Name: cfg.TagName}).
			FirstOrCreate(&tag).Error
		if err != nil {
			return nil, fmt.Errorf("find or create tag: %w", err)
		}
	default:
		return nil, fmt.Errorf("tag id or name required")
	}

	// Atomic attach: the composite key absorbs concurrent duplicates.
	link := &models.SubscriberTag{SubscriberID: subscriber.ID, TagID: tag.ID, CreatedAt: e.now()}
	if err := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error; err != nil {
		return nil, fmt.Errorf("attach tag: %w", err)
	}

	e.publish(models.TriggerTagAdded, map[string]interface{}{
		"subscriber_id": subscriber.ID,
		"user_id":       subscriber.UserID,
		"tag_id":        tag.ID,
		"tag_name":      tag.Name,
	})

	return map[string]interface{}{"tag_id": tag.ID, "tag_name": tag.Name}, nil
}

func (e *ActionExecutor) removeTag(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber, evtCtx map[string]interface{}) (map[string]interface{}, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required for remove_tag action")
	}
	if cfg.TagID == 0 {
		return nil, fmt.Errorf("tag id required")
	}

	result := e.db.WithContext(ctx).
		Where("subscriber_id = ? AND tag_id = ?", subscriber.ID, cfg.TagID).
		Delete(&models.SubscriberTag{})
	if result.Error != nil {
		return nil, fmt.Errorf("detach tag: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		e.publish(models.TriggerTagRemoved, map[string]interface{}{
			"subscriber_id": subscriber.ID,
			"user_id":       subscriber.UserID,
			"tag_id":        cfg.TagID,
		})
	}

	return map[string]interface{}{"tag_id": cfg.TagID, "removed": true}, nil
}

func (e *ActionExecutor) moveToList(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber, evtCtx map[string]interface{}) (map[string]interface{}, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required for move_to_list action")
	}
	if cfg.ListID == 0 {
		return nil, fmt.Errorf("target list id required")
	}

	var target models.ContactList
	if err := e.db.WithContext(ctx).First(&target, cfg.ListID).Error; err != nil {
		return nil, fmt.Errorf("target list not found: %d", cfg.ListID)
	}

	sourceListID, hasSource := contextInt(evtCtx, "list_id")
	if hasSource && sourceListID != 0 {
		now := e.now()
		e.db.WithContext(ctx).Model(&models.Subscription{}).
			Where("subscriber_id = ? AND contact_list_id = ?", subscriber.ID, sourceListID).
			Updates(map[string]interface{}{
				"status":          "unsubscribed",
				"unsubscribed_at": now,
			})
	}

	if err := e.subscribeToList(ctx, subscriber, &target); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"source_list_id": sourceListID,
		"target_list_id": target.ID,
	}, nil
}

func (e *ActionExecutor) copyToList(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber) (map[string]interface{}, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required for copy_to_list action")
	}
	if cfg.ListID == 0 {
		return nil, fmt.Errorf("target list id required")
	}

	var target models.ContactList
	if err := e.db.WithContext(ctx).First(&target, cfg.ListID).Error; err != nil {
		return nil, fmt.Errorf("target list not found: %d", cfg.ListID)
	}

	if err := e.subscribeToList(ctx, subscriber, &target); err != nil {
		return nil, err
	}

	return map[string]interface{}{"target_list_id": target.ID, "copied": true}, nil
}

// subscribeToList attaches or reactivates a membership, honoring the target
// list's resubscription policy: reset_date (or any inactive prior membership)
// re-stamps subscribed_at, otherwise the original join date is preserved.
func (e *ActionExecutor) subscribeToList(ctx context.Context, subscriber *models.Subscriber, target *models.ContactList) error {
	now := e.now()

	var existing models.Subscription
	err := e.db.WithContext(ctx).
		Where("subscriber_id = ? AND contact_list_id = ?", subscriber.ID, target.ID).
		First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("lookup membership: %w", err)
		}
		sub := &models.Subscription{
			SubscriberID:  subscriber.ID,
			ContactListID: target.ID,
			Status:        "active",
			SubscribedAt:  &now,
		}
		if err := e.db.WithContext(ctx).Create(sub).Error; err != nil {
			return fmt.Errorf("create membership: %w", err)
		}
		return nil
	}

	wasActive := existing.Status == "active"
	resetDate := !wasActive || target.ResubscriptionBehavior == "reset_date"

	updates := map[string]interface{}{
		"status":          "active",
		"unsubscribed_at": nil,
	}
	if resetDate {
		updates["subscribed_at"] = now
	}

	if err := e.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	return nil
}

func (e *ActionExecutor) unsubscribe(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber, evtCtx map[string]interface{}) (map[string]interface{}, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required for unsubscribe action")
	}

	listID := int64(cfg.ListID)
	if listID == 0 {
		listID, _ = contextInt(evtCtx, "list_id")
	}
	if listID == 0 {
		return nil, fmt.Errorf("list id required")
	}

	now := e.now()
	err := e.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("subscriber_id = ? AND contact_list_id = ?", subscriber.ID, listID).
		Updates(map[string]interface{}{
			"status":          "unsubscribed",
			"unsubscribed_at": now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("unsubscribe: %w", err)
	}

	return map[string]interface{}{"list_id": listID, "unsubscribed": true}, nil
}

// callWebhook reports transport failures inside the result, not as an action
// error: an unreachable endpoint must never fail the rule.
func (e *ActionExecutor) callWebhook(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber, evtCtx map[string]interface{}) (map[string]interface{}, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url required")
	}

	var subscriberPayload map[string]interface{}
	if subscriber != nil {
		subscriberPayload = map[string]interface{}{
			"id":         subscriber.ID,
			"email":      subscriber.Email,
			"first_name": subscriber.FirstName,
			"last_name":  subscriber.LastName,
			"phone":      subscriber.Phone,
		}
	}

	payload := map[string]interface{}{
		"event":      evtCtx,
		"subscriber": subscriberPayload,
		"timestamp":  e.now().Format(time.RFC3339),
	}

	return e.webhooks.Call(ctx, cfg.URL, cfg.Method, cfg.Headers, payload), nil
}

func (e *ActionExecutor) startFunnel(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber) (map[string]interface{}, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required for start_funnel action")
	}
	if cfg.FunnelID == 0 {
		return nil, fmt.Errorf("funnel id required")
	}

	var funnel models.Funnel
	if err := e.db.WithContext(ctx).First(&funnel, cfg.FunnelID).Error; err != nil {
		return nil, fmt.Errorf("funnel not found: %d", cfg.FunnelID)
	}

	if err := e.funnels.Enroll(ctx, &funnel, subscriber); err != nil {
		return nil, fmt.Errorf("enroll in funnel: %w", err)
	}
	return map[string]interface{}{"funnel_id": funnel.ID, "enrolled": true}, nil
}

func (e *ActionExecutor) updateField(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber) (map[string]interface{}, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required for update_field action")
	}
	if cfg.Field == "" {
		return nil, fmt.Errorf("field name required")
	}

	switch cfg.Field {
	case "first_name", "last_name", "phone":
		err := e.db.WithContext(ctx).Model(&models.Subscriber{}).
			Where("id = ?", subscriber.ID).
			Update(cfg.Field, cfg.Value).Error
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", cfg.Field, err)
		}
	default:
		var field models.CustomField
		err := e.db.WithContext(ctx).
			Where("user_id = ? AND slug = ?", subscriber.UserID, cfg.Field).
			First(&field).Error
		if err == nil {
			value := models.FieldValue{
				SubscriberID:  subscriber.ID,
				CustomFieldID: field.ID,
				Value:         cfg.Value,
			}
			err = e.db.WithContext(ctx).
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "custom_field_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
				}).
				Create(&value).Error
			if err != nil {
				return nil, fmt.Errorf("upsert field value: %w", err)
			}
		} else if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("lookup custom field: %w", err)
		}
		// Unknown slugs are tolerated: the authoring surface may reference a
		// field deleted after the rule was saved.
	}

	e.publish(models.TriggerFieldUpdated, map[string]interface{}{
		"subscriber_id": subscriber.ID,
		"user_id":       subscriber.UserID,
		"field":         cfg.Field,
		"value":         cfg.Value,
	})

	return map[string]interface{}{"field": cfg.Field, "value": cfg.Value, "updated": true}, nil
}

func (e *ActionExecutor) notifyAdmin(ctx context.Context, cfg ActionConfig, subscriber *models.Subscriber, evtCtx map[string]interface{}) (map[string]interface{}, error) {
	if cfg.Email == "" {
		return nil, fmt.Errorf("admin email required")
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "Automation notification"
	}

	body := replacePlaceholders(cfg.Message, subscriber, evtCtx)

	userID, _ := contextInt(evtCtx, "user_id")
	if err := e.notifier.Notify(ctx, uint(userID), cfg.Email, subject, body); err != nil {
		return nil, fmt.Errorf("notify admin: %w", err)
	}

	return map[string]interface{}{"email": cfg.Email, "sent": true}, nil
}

func (e *ActionExecutor) publish(triggerEvent string, evtCtx map[string]interface{}) {
	if e.events == nil {
		return
	}
	e.events.Publish(triggerEvent, evtCtx)
}

// replacePlaceholders substitutes template markers in operator notifications.
func replacePlaceholders(text string, subscriber *models.Subscriber, evtCtx map[string]interface{}) string {
	email := "-"
	name := "-"
	if subscriber != nil {
		if subscriber.Email != "" {
			email = subscriber.Email
		}
		full := strings.TrimSpace(subscriber.FirstName + " " + subscriber.LastName)
		if full != "" {
			name = full
		}
	}

	listName := contextString(evtCtx, "list_name")
	if listName == "" {
		listName = "-"
	}
	triggerEvent := contextString(evtCtx, "trigger_event")
	if triggerEvent == "" {
		triggerEvent = "-"
	}

	replacer := strings.NewReplacer(
		"{{subscriber_email}}", email,
		"{{subscriber_name}}", name,
		"{{list_name}}", listName,
		"{{trigger_event}}", triggerEvent,
	)
	return replacer.Replace(text)
}
