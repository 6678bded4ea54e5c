package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mailforge/internal/models"
	"mailforge/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newHandlerTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
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
	))

	evaluator := services.NewConditionEvaluator(db, nil)
	limiter := services.NewRateLimiter(db, nil)
	mailer := services.NewOutboxMailer(db)
	funnels := services.NewGormFunnelEnroller(db)
	webhooks := services.NewWebhookClient(2*time.Second, nil, nil)
	executor := services.NewActionExecutor(db, nil, mailer, mailer, funnels, webhooks)
	automation := services.NewAutomationService(db, nil, evaluator, limiter, executor)

	feed := services.NewActivityFeed(nil)
	go feed.Run()

	r := gin.New()
	api := r.Group("/api/v1")
	RegisterAutomationRoutes(api, NewAutomationHandler(automation, feed, nil))
	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, userID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validRulePayload() map[string]interface{} {
	return map[string]interface{}{
		"name":          "Welcome",
		"trigger_event": "subscriber_signup",
		"actions": []map[string]interface{}{
			{"type": "add_tag", "config": map[string]interface{}{"tag_name": "new"}},
		},
	}
}

func TestAutomationHandler_CreateRule(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/automation/rules", "1", validRulePayload())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rule models.AutomationRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
	assert.Equal(t, uint(1), rule.UserID)
	assert.True(t, rule.Active)
}

func TestAutomationHandler_CreateRule_Validation(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	// Missing user header.
	w := doJSON(t, r, http.MethodPost, "/api/v1/automation/rules", "", validRulePayload())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Missing required fields.
	w = doJSON(t, r, http.MethodPost, "/api/v1/automation/rules", "1", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown trigger.
	payload := validRulePayload()
	payload["trigger_event"] = "comet_sighted"
	w = doJSON(t, r, http.MethodPost, "/api/v1/automation/rules", "1", payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_GetUpdateDelete(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/automation/rules", "1", validRulePayload())
	require.Equal(t, http.StatusCreated, w.Code)
	var rule models.AutomationRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))

	w = doJSON(t, r, http.MethodGet, "/api/v1/automation/rules/1", "1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Another tenant gets a 404, not someone else's rule.
	w = doJSON(t, r, http.MethodGet, "/api/v1/automation/rules/1", "2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPut, "/api/v1/automation/rules/1", "1", map[string]interface{}{"name": "Renamed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
	assert.Equal(t, "Renamed", rule.Name)

	w = doJSON(t, r, http.MethodDelete, "/api/v1/automation/rules/1", "1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/automation/rules/1", "1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_Duplicate(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/automation/rules", "1", validRulePayload())
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/automation/rules/1/duplicate", "1", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var dup models.AutomationRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dup))
	assert.Equal(t, "[COPY] Welcome", dup.Name)
	assert.False(t, dup.Active)
}

func TestAutomationHandler_ListLogs(t *testing.T) {
	r, db := newHandlerTestRouter(t)

	rid := uint(1)
	for _, status := range []string{"success", "failed"} {
		db.Create(&models.AutomationRuleLog{
			RuleID:     &rid,
			UserID:     1,
			RuleName:   "R",
			Status:     status,
			ExecutedAt: time.Now(),
		})
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/automation/logs", "1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PaginatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Total)

	w = doJSON(t, r, http.MethodGet, "/api/v1/automation/logs?status=failed", "1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)

	w = doJSON(t, r, http.MethodGet, "/api/v1/automation/logs?since=banana", "1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_Stats(t *testing.T) {
	r, db := newHandlerTestRouter(t)

	rid := uint(1)
	db.Create(&models.AutomationRuleLog{RuleID: &rid, UserID: 1, RuleName: "R", Status: "success", ExecutedAt: time.Now()})

	w := doJSON(t, r, http.MethodGet, "/api/v1/automation/stats?days=7", "1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats services.RuleStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Invocations)
	assert.Equal(t, 7, stats.WindowDays)
}

func TestAutomationHandler_Taxonomies(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/automation/taxonomies", "1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tax map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tax))
	assert.Contains(t, tax, "trigger_events")
	assert.Contains(t, tax, "action_types")
	assert.Contains(t, tax, "condition_types")
	assert.Contains(t, tax, "limit_periods")
}

func TestAutomationHandler_IngestEvent(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/automation/events", "1", map[string]interface{}{
		"trigger_event": "subscriber_signup",
		"context":       map[string]interface{}{"subscriber_id": 42, "list_id": 5},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/automation/events", "1", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/automation/events", "", map[string]interface{}{
		"trigger_event": "subscriber_signup",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAutomationHandler_FeedStats(t *testing.T) {
	r, _ := newHandlerTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/v1/automation/feed/stats", "1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Contains(t, stats, "connected_clients")
	assert.Contains(t, stats, "invocations_total")
}
