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

// DateTriggerService generates calendar-driven trigger events: birthdays,
// subscription anniversaries and fixed-date rules. It is meant to run once
// per day; each scan emits events into the engine like any external source.
type DateTriggerService struct {
	engine *AutomationService
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewDateTriggerService(db *gorm.DB, logger *logrus.Logger, engine *AutomationService) *DateTriggerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DateTriggerService{
		engine: engine,
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// ProcessAll runs the three daily scans and returns the number of events
// emitted. Scan errors are logged per scan; one failing scan never blocks
// the others.
func (s *DateTriggerService) ProcessAll(ctx context.Context) int {
	today := s.now().UTC()
	emitted := 0

	n, err := s.processBirthdays(ctx, today)
	if err != nil {
		s.logger.Errorf("automation: birthday scan: %v", err)
	}
	emitted += n

	n, err = s.processAnniversaries(ctx, today)
	if err != nil {
		s.logger.Errorf("automation: anniversary scan: %v", err)
	}
	emitted += n

	n, err = s.processDateRules(ctx, today)
	if err != nil {
		s.logger.Errorf("automation: date rule scan: %v", err)
	}
	emitted += n

	s.logger.Infof("automation: date scans emitted %d events", emitted)
	return emitted
}

// StartDailyLoop fires ProcessAll once per day at the given UTC hour until
// the context is canceled.
func (s *DateTriggerService) StartDailyLoop(ctx context.Context, hourUTC int) {
	if hourUTC < 0 || hourUTC > 23 {
		hourUTC = 6
	}

	go func() {
		for {
			next := s.nextRun(hourUTC)
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.ProcessAll(ctx)
			}
		}
	}()
}

func (s *DateTriggerService) nextRun(hourUTC int) time.Time {
	now := s.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ownersWithRules returns the user ids holding active rules for the trigger,
// so scans only walk subscribers whose owner can actually react.
func (s *DateTriggerService) ownersWithRules(ctx context.Context, triggerEvent string) ([]uint, error) {
	var owners []uint
	err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("active = ? AND trigger_event = ?", true, triggerEvent).
		Distinct().
		Pluck("user_id", &owners).Error
	return owners, err
}

// processBirthdays emits subscriber_birthday for every active subscriber
// whose birth date, or date-typed custom field named like a birthday, falls
// on today's month and day.
func (s *DateTriggerService) processBirthdays(ctx context.Context, today time.Time) (int, error) {
	owners, err := s.ownersWithRules(ctx, models.TriggerSubscriberBirthday)
	if err != nil {
		return 0, fmt.Errorf("load owners: %w", err)
	}

	emitted := 0
	for _, owner := range owners {
		var subscribers []models.Subscriber
		err := s.db.WithContext(ctx).
			Where("user_id = ? AND status = ?", owner, "active").
			Find(&subscribers).Error
		if err != nil {
			return emitted, fmt.Errorf("load subscribers for user %d: %w", owner, err)
		}

		for i := range subscribers {
			sub := &subscribers[i]
			matched := false
			if sub.BirthDate != nil && sameMonthDay(*sub.BirthDate, today) {
				matched = true
			}
			if !matched {
				ok, err := s.birthdayFieldMatches(ctx, sub, today)
				if err != nil {
					s.logger.Warnf("automation: birthday field lookup for subscriber %d: %v", sub.ID, err)
				}
				matched = ok
			}
			if !matched {
				continue
			}

			s.engine.ProcessEvent(ctx, models.TriggerSubscriberBirthday, map[string]interface{}{
				"subscriber_id": sub.ID,
				"user_id":       sub.UserID,
				"date":          today.Format("2006-01-02"),
			})
			emitted++
		}
	}
	return emitted, nil
}

// birthdayFieldMatches checks the subscriber's date-typed custom fields whose
// name or slug suggests a birthday, in any supported date layout.
func (s *DateTriggerService) birthdayFieldMatches(ctx context.Context, sub *models.Subscriber, today time.Time) (bool, error) {
	var values []models.FieldValue
	err := s.db.WithContext(ctx).
		Joins("JOIN custom_fields ON custom_fields.id = field_values.custom_field_id").
		Where("field_values.subscriber_id = ? AND custom_fields.type = ?", sub.ID, "date").
		Preload("CustomField").
		Find(&values).Error
	if err != nil {
		return false, err
	}

	for _, value := range values {
		name := strings.ToLower(value.CustomField.Name + " " + value.CustomField.Slug)
		if !strings.Contains(name, "birthday") && !strings.Contains(name, "urodzin") {
			continue
		}
		parsed, ok := parseFlexibleDate(value.Value)
		if ok && sameMonthDay(parsed, today) {
			return true, nil
		}
	}
	return false, nil
}

// processAnniversaries emits subscription_anniversary for subscribers whose
// signup date matches today's month and day in a strictly earlier year.
func (s *DateTriggerService) processAnniversaries(ctx context.Context, today time.Time) (int, error) {
	owners, err := s.ownersWithRules(ctx, models.TriggerSubscriptionAnniversary)
	if err != nil {
		return 0, fmt.Errorf("load owners: %w", err)
	}

	emitted := 0
	for _, owner := range owners {
		var subscribers []models.Subscriber
		err := s.db.WithContext(ctx).
			Where("user_id = ? AND status = ?", owner, "active").
			Find(&subscribers).Error
		if err != nil {
			return emitted, fmt.Errorf("load subscribers for user %d: %w", owner, err)
		}

		for i := range subscribers {
			sub := &subscribers[i]
			joined := sub.CreatedAt.UTC()
			if !sameMonthDay(joined, today) || joined.Year() >= today.Year() {
				continue
			}

			s.engine.ProcessEvent(ctx, models.TriggerSubscriptionAnniversary, map[string]interface{}{
				"subscriber_id": sub.ID,
				"user_id":       sub.UserID,
				"years":         today.Year() - joined.Year(),
				"date":          today.Format("2006-01-02"),
			})
			emitted++
		}
	}
	return emitted, nil
}

// processDateRules fires date_reached rules whose configured date is today,
// once per active subscriber of the owning user.
func (s *DateTriggerService) processDateRules(ctx context.Context, today time.Time) (int, error) {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("active = ? AND trigger_event = ?", true, models.TriggerDateReached).
		Find(&rules).Error
	if err != nil {
		return 0, fmt.Errorf("load date rules: %w", err)
	}

	todayStr := today.Format("2006-01-02")
	emitted := 0

	for i := range rules {
		rule := &rules[i]
		cfg, err := rule.TriggerConfigMap()
		if err != nil {
			s.logger.Warnf("automation: rule %d has invalid trigger config: %v", rule.ID, err)
			continue
		}
		date, _ := cfg["date"].(string)
		if date == "" {
			continue
		}
		parsed, ok := parseFlexibleDate(date)
		if !ok || parsed.Format("2006-01-02") != todayStr {
			continue
		}

		var subscribers []models.Subscriber
		err = s.db.WithContext(ctx).
			Where("user_id = ? AND status = ?", rule.UserID, "active").
			Find(&subscribers).Error
		if err != nil {
			s.logger.Errorf("automation: load subscribers for rule %d: %v", rule.ID, err)
			continue
		}

		for j := range subscribers {
			s.engine.ProcessEvent(ctx, models.TriggerDateReached, map[string]interface{}{
				"subscriber_id": subscribers[j].ID,
				"user_id":       rule.UserID,
				"date":          todayStr,
			})
			emitted++
		}
	}
	return emitted, nil
}

func sameMonthDay(a, b time.Time) bool {
	return a.Month() == b.Month() && a.Day() == b.Day()
}

// parseFlexibleDate accepts the date layouts the authoring surface and
// imports produce.
func parseFlexibleDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339, "02.01.2006"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
