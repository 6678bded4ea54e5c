package services

import (
	"context"
	"fmt"
	"time"

	"mailforge/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventSink receives trigger events emitted from inside the engine (tag
// mutations, field updates) so dependent rules can react. The orchestrator
// implements it; tests substitute a recorder.
type EventSink interface {
	Publish(triggerEvent string, context map[string]interface{})
}

// EmailEnqueuer queues a stored message for delivery to a subscriber.
// Delivery itself is an external collaborator; the engine only enqueues.
type EmailEnqueuer interface {
	Enqueue(ctx context.Context, message *models.Message, subscriber *models.Subscriber) error
}

// AdminNotifier sends a rendered operator notification.
type AdminNotifier interface {
	Notify(ctx context.Context, userID uint, to, subject, body string) error
}

// FunnelEnroller enrolls a subscriber into a multi-step sequence.
type FunnelEnroller interface {
	Enroll(ctx context.Context, funnel *models.Funnel, subscriber *models.Subscriber) error
}

// OutboxMailer implements EmailEnqueuer and AdminNotifier over the email_jobs
// outbox table.
type OutboxMailer struct {
	db  *gorm.DB
	now func() time.Time
}

func NewOutboxMailer(db *gorm.DB) *OutboxMailer {
	return &OutboxMailer{db: db, now: time.Now}
}

func (m *OutboxMailer) Enqueue(ctx context.Context, message *models.Message, subscriber *models.Subscriber) error {
	if message == nil || subscriber == nil {
		return fmt.Errorf("message and subscriber required")
	}
	job := &models.EmailJob{
		UserID:       message.UserID,
		MessageID:    &message.ID,
		SubscriberID: &subscriber.ID,
		ToEmail:      subscriber.Email,
		Subject:      message.Subject,
		Body:         message.Body,
		Status:       "queued",
		QueuedAt:     m.now(),
	}
	return m.db.WithContext(ctx).Create(job).Error
}

func (m *OutboxMailer) Notify(ctx context.Context, userID uint, to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("recipient required")
	}
	job := &models.EmailJob{
		UserID:   userID,
		ToEmail:  to,
		Subject:  subject,
		Body:     body,
		Status:   "queued",
		QueuedAt: m.now(),
	}
	return m.db.WithContext(ctx).Create(job).Error
}

// GormFunnelEnroller implements FunnelEnroller over the funnel_subscribers
// table. Re-enrolling an already enrolled subscriber is a no-op.
type GormFunnelEnroller struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormFunnelEnroller(db *gorm.DB) *GormFunnelEnroller {
	return &GormFunnelEnroller{db: db, now: time.Now}
}

func (e *GormFunnelEnroller) Enroll(ctx context.Context, funnel *models.Funnel, subscriber *models.Subscriber) error {
	if funnel == nil || subscriber == nil {
		return fmt.Errorf("funnel and subscriber required")
	}
	enrollment := &models.FunnelSubscriber{
		FunnelID:     funnel.ID,
		SubscriberID: subscriber.ID,
		Status:       "active",
		EnrolledAt:   e.now(),
	}
	return e.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(enrollment).Error
}
