package models

import (
	"time"

	"gorm.io/gorm"
)

// User is the tenant owning lists, rules and subscribers. Every automation
// entity is scoped to a user; cross-tenant events must never match.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Status    string         `gorm:"default:'active'" json:"status"` // active, suspended
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// ContactList groups subscribers per tenant.
type ContactList struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	UserID uint   `gorm:"index" json:"user_id"`
	Name   string `gorm:"not null" json:"name"`
	// reset_date re-stamps subscribed_at when a previously active member is
	// subscribed again; keep_date preserves the original join date.
	ResubscriptionBehavior string         `gorm:"default:'reset_date'" json:"resubscription_behavior"` // reset_date, keep_date
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	DeletedAt              gorm.DeletedAt `gorm:"index" json:"-"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// Subscriber is a single email recipient.
type Subscriber struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UserID    uint           `gorm:"index" json:"user_id"`
	Email     string         `gorm:"index;not null" json:"email"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Phone     string         `json:"phone"`
	Source    string         `json:"source"` // form, import, api, automation
	Status    string         `gorm:"default:'active'" json:"status"` // active, unsubscribed, bounced
	BirthDate *time.Time     `json:"birth_date"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Subscriptions []Subscription `gorm:"foreignKey:SubscriberID" json:"subscriptions,omitempty"`
	Tags          []Tag          `gorm:"many2many:subscriber_tags" json:"tags,omitempty"`
	FieldValues   []FieldValue   `gorm:"foreignKey:SubscriberID" json:"field_values,omitempty"`
}

// Subscription is the subscriber/list membership pivot. Join and leave
// timestamps drive the anniversary trigger and the subscribed_days_ago
// condition.
type Subscription struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SubscriberID   uint       `gorm:"uniqueIndex:idx_subscriptions_member" json:"subscriber_id"`
	ContactListID  uint       `gorm:"uniqueIndex:idx_subscriptions_member" json:"contact_list_id"`
	Status         string     `gorm:"default:'active'" json:"status"` // active, unsubscribed
	SubscribedAt   *time.Time `json:"subscribed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	Subscriber  Subscriber  `gorm:"foreignKey:SubscriberID" json:"subscriber,omitempty"`
	ContactList ContactList `gorm:"foreignKey:ContactListID" json:"contact_list,omitempty"`
}

// Tag labels subscribers per tenant.
type Tag struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Name      string    `gorm:"index;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscriberTag is the subscriber/tag pivot. The composite unique index makes
// concurrent attaches conflict-tolerant instead of read-modify-write.
type SubscriberTag struct {
	SubscriberID uint      `gorm:"primaryKey;uniqueIndex:idx_subscriber_tag" json:"subscriber_id"`
	TagID        uint      `gorm:"primaryKey;uniqueIndex:idx_subscriber_tag" json:"tag_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// CustomField defines a per-tenant subscriber attribute beyond the built-ins.
type CustomField struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Slug      string    `gorm:"index;not null" json:"slug"`
	Name      string    `gorm:"not null" json:"name"`
	Type      string    `gorm:"default:'string'" json:"type"` // string, number, date, boolean
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FieldValue holds one subscriber's value for a custom field.
type FieldValue struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	SubscriberID  uint      `gorm:"uniqueIndex:idx_field_values_member" json:"subscriber_id"`
	CustomFieldID uint      `gorm:"uniqueIndex:idx_field_values_member" json:"custom_field_id"`
	Value         string    `gorm:"type:text" json:"value"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	CustomField CustomField `gorm:"foreignKey:CustomFieldID" json:"custom_field,omitempty"`
}

// Message is a stored email the send_email action can enqueue.
type Message struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UserID    uint           `gorm:"index" json:"user_id"`
	Subject   string         `gorm:"not null" json:"subject"`
	Body      string         `gorm:"type:text" json:"body"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// EmailOpen records one open of a message by a subscriber.
type EmailOpen struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubscriberID uint      `gorm:"index:idx_email_opens_lookup" json:"subscriber_id"`
	MessageID    uint      `gorm:"index:idx_email_opens_lookup" json:"message_id"`
	OpenedAt     time.Time `json:"opened_at"`
}

// EmailClick records one link click in a message by a subscriber.
type EmailClick struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubscriberID uint      `gorm:"index:idx_email_clicks_lookup" json:"subscriber_id"`
	MessageID    uint      `gorm:"index:idx_email_clicks_lookup" json:"message_id"`
	URL          string    `json:"url"`
	ClickedAt    time.Time `json:"clicked_at"`
}

// Funnel is a multi-step sequence the start_funnel action can enroll into.
// Step execution lives outside the engine; only enrollment is modeled here.
type Funnel struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UserID    uint           `gorm:"index" json:"user_id"`
	Name      string         `gorm:"not null" json:"name"`
	Status    string         `gorm:"default:'active'" json:"status"` // active, paused
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// FunnelSubscriber tracks one subscriber's enrollment in a funnel.
type FunnelSubscriber struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	FunnelID     uint      `gorm:"uniqueIndex:idx_funnel_member" json:"funnel_id"`
	SubscriberID uint      `gorm:"uniqueIndex:idx_funnel_member" json:"subscriber_id"`
	Status       string    `gorm:"default:'active'" json:"status"` // active, completed, cancelled
	EnrolledAt   time.Time `json:"enrolled_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// EmailJob is an outbox row. send_email and notify_admin enqueue here; the
// delivery worker is an external collaborator.
type EmailJob struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UserID       uint       `gorm:"index" json:"user_id"`
	MessageID    *uint      `gorm:"index" json:"message_id"`
	SubscriberID *uint      `gorm:"index" json:"subscriber_id"`
	ToEmail      string     `gorm:"not null" json:"to_email"`
	Subject      string     `json:"subject"`
	Body         string     `gorm:"type:text" json:"body"`
	Status       string     `gorm:"default:'queued';index" json:"status"` // queued, sent, failed
	QueuedAt     time.Time  `json:"queued_at"`
	SentAt       *time.Time `json:"sent_at"`
}
