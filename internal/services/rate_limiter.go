package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailforge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RateLimiter gates how often a rule may fire for one subscriber. The budget
// counts prior non-skipped invocations (success, partial and failed all spend
// a slot; skipped never does) within the rule's trailing window.
//
// Allow is a check-and-reserve: the reservation is held in memory until Done
// releases it once the invocation log is durable, so two events racing through
// the orchestrator cannot both claim the last slot.
type RateLimiter struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	mu       sync.Mutex
	inFlight int
	refs     int
}

func NewRateLimiter(db *gorm.DB, logger *logrus.Logger) *RateLimiter {
	if logger == nil {
		logger = logrus.New()
	}
	return &RateLimiter{
		db:      db,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*limiterEntry),
	}
}

func limiterKey(ruleID, subscriberID uint) string {
	return fmt.Sprintf("%d:%d", ruleID, subscriberID)
}

// Allow reports whether the rule may fire for the subscriber and, when it
// may, reserves one slot. Every Allow that returns true must be paired with
// Done after the invocation log has been written.
func (l *RateLimiter) Allow(ctx context.Context, rule *models.AutomationRule, subscriberID uint) bool {
	if !rule.LimitPerSubscriber || rule.LimitCount <= 0 {
		return true
	}

	key := limiterKey(rule.ID, subscriberID)
	entry := l.acquire(key)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	query := l.db.WithContext(ctx).Model(&models.AutomationRuleLog{}).
		Where("rule_id = ? AND subscriber_id = ? AND status <> ?",
			rule.ID, subscriberID, models.LogStatusSkipped)
	if window, bounded := models.LimitWindow(rule.LimitPeriod); bounded {
		query = query.Where("executed_at >= ?", l.now().Add(-window))
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		// Counting failed; the log write for this invocation is likely to
		// fail too. Fail open so a storage hiccup never silently mutes rules.
		l.logger.Warnf("automation: rate limit count for rule %d: %v", rule.ID, err)
		l.release(key, false)
		return true
	}

	if count+int64(entry.inFlight) >= int64(rule.LimitCount) {
		l.release(key, false)
		return false
	}

	entry.inFlight++
	return true
}

// Done releases the slot reserved by a successful Allow.
func (l *RateLimiter) Done(rule *models.AutomationRule, subscriberID uint) {
	if !rule.LimitPerSubscriber || rule.LimitCount <= 0 {
		return
	}
	l.release(limiterKey(rule.ID, subscriberID), true)
}

func (l *RateLimiter) acquire(key string) *limiterEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &limiterEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *RateLimiter) release(key string, decrementInFlight bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return
	}
	if decrementInFlight && entry.inFlight > 0 {
		entry.inFlight--
	}
	entry.refs--
	if entry.refs <= 0 && entry.inFlight <= 0 {
		delete(l.entries, key)
	}
}
