package handlers

import (
	"net/http"
	"strconv"
	"time"

	"mailforge/internal/metrics"
	"mailforge/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler exposes the rule engine over HTTP: rule management,
// invocation logs, stats, the authoring taxonomies, event ingest and the
// websocket activity feed.
type AutomationHandler struct {
	automation *services.AutomationService
	feed       *services.ActivityFeed
	logger     *logrus.Logger
}

func NewAutomationHandler(automation *services.AutomationService, feed *services.ActivityFeed, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{
		automation: automation,
		feed:       feed,
		logger:     logger,
	}
}

// CreateRule creates an automation rule
// @Summary Create an automation rule
// @Accept json
// @Produce json
// @Param rule body services.CreateAutomationRuleRequest true "Rule definition"
// @Success 201 {object} models.AutomationRule
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/automation/rules [post]
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing user"})
		return
	}

	var req services.CreateAutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	rule, err := h.automation.CreateRule(c.Request.Context(), userID, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to create rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// GetRule returns one rule
// @Summary Get an automation rule
// @Produce json
// @Param id path int true "Rule ID"
// @Success 200 {object} models.AutomationRule
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/automation/rules/{id} [get]
func (h *AutomationHandler) GetRule(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing user"})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule ID"})
		return
	}

	rule, err := h.automation.GetRule(c.Request.Context(), userID, uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Rule not found",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// ListRules lists the user's rules
// @Summary List automation rules
// @Produce json
// @Param trigger_event query string false "Filter by trigger event"
// @Param active query bool false "Filter by active state"
// @Success 200 {array} models.AutomationRule
// @Router /api/v1/automation/rules [get]
func (h *AutomationHandler) ListRules(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing user"})
		return
	}

	var active *bool
	if raw := c.Query("active"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err == nil {
			active = &parsed
		}
	}

	rules, err := h.automation.ListRules(c.Request.Context(), userID, c.Query("trigger_event"), active)
	if err != nil {
		h.logger.Errorf("Failed to list rules: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list rules",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, rules)
}

// UpdateRule applies a partial update
// @Summary Update an automation rule
// @Accept json
// @Produce json
// @Param id path int true "Rule ID"
// @Param rule body services.UpdateAutomationRuleRequest true "Fields to update"
// @Success 200 {object} models.AutomationRule
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/automation/rules/{id} [put]
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing user"})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule ID"})
		return
	}

	var req services.UpdateAutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	rule, err := h.automation.UpdateRule(c.Request.Context(), userID, uint(id), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// DeleteRule removes a rule, keeping its logs
// @Summary Delete an automation rule
// @Produce json
// @Param id path int true "Rule ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/automation/rules/{id} [delete]
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing user"})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule ID"})
		return
	}

	if err := h.automation.DeleteRule(c.Request.Context(), userID, uint(id)); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Failed to delete rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Rule deleted"})
}

// DuplicateRule stores an inactive copy
// @Summary Duplicate an automation rule
// @Produce json
// @Param id path int true "Rule ID"
// @Success 201 {object} models.AutomationRule
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/automation/rules/{id}/duplicate [post]
func (h *AutomationHandler) DuplicateRule(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing user"})
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule ID"})
		return
	}

	dup, err := h.automation.DuplicateRule(c.Request.Context(), userID, uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Failed to duplicate rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, dup)
}

// ListLogs lists invocation logs
// @Summary List rule invocation logs
// @Produce json
// @Param rule_id query int false "Filter by rule"
// @Param subscriber_id query int false "Filter by subscriber"
// @Param status query string false "Filter by status"
// @Param trigger_event query string false "Filter by trigger event"
// @Param since query string false "RFC 3339 lower bound"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} PaginatedResponse
// @Router /api/v1/automation/logs [get]
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing user"})
		return
	}

	filter := services.LogFilter{
		RuleID:       queryUint(c, "rule_id"),
		SubscriberID: queryUint(c, "subscriber_id"),
		Status:       c.Query("status"),
		TriggerEvent: c.Query("trigger_event"),
		Page:         queryInt(c, "page", 1),
		PerPage:      queryInt(c, "page_size", 50),
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 || filter.PerPage > 200 {
		filter.PerPage = 50
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid since parameter",
				Message: "must be RFC 3339",
			})
			return
		}
		filter.Since = &since
	}

	logs, total, err := h.automation.ListLogs(c.Request.Context(), userID, filter)
	if err != nil {
		h.logger.Errorf("Failed to list logs: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list logs",
			Message: err.Error(),
		})
		return
	}

	pages := int((total + int64(filter.PerPage) - 1) / int64(filter.PerPage))
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     logs,
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PerPage,
		Pages:    pages,
	})
}

// Stats summarizes recent rule activity
// @Summary Automation statistics
// @Produce json
// @Param days query int false "Trailing window in days"
// @Success 200 {object} services.RuleStats
// @Router /api/v1/automation/stats [get]
func (h *AutomationHandler) Stats(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing user"})
		return
	}

	stats, err := h.automation.Stats(c.Request.Context(), userID, queryInt(c, "days", 30))
	if err != nil {
		h.logger.Errorf("Failed to compute stats: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to compute stats",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// Taxonomies returns the authoring vocabularies
// @Summary Trigger, condition and action vocabularies
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/automation/taxonomies [get]
func (h *AutomationHandler) Taxonomies(c *gin.Context) {
	c.JSON(http.StatusOK, h.automation.Taxonomies())
}

// IngestEventRequest is the event ingest payload.
type IngestEventRequest struct {
	TriggerEvent string                 `json:"trigger_event" binding:"required"`
	Context      map[string]interface{} `json:"context"`
}

// IngestEvent accepts a trigger event for asynchronous processing
// @Summary Ingest a trigger event
// @Accept json
// @Produce json
// @Param event body IngestEventRequest true "Event"
// @Success 202 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/automation/events [post]
func (h *AutomationHandler) IngestEvent(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Missing user"})
		return
	}

	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if req.Context == nil {
		req.Context = map[string]interface{}{}
	}
	// The caller's tenant always wins over whatever the payload claims.
	req.Context["user_id"] = userID

	h.automation.Publish(req.TriggerEvent, req.Context)
	metrics.IncIngestedEvent()

	c.JSON(http.StatusAccepted, SuccessResponse{Message: "Event accepted"})
}

// Feed upgrades to the websocket activity feed
// @Summary Live rule invocation feed
// @Router /api/v1/automation/feed [get]
func (h *AutomationHandler) Feed(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Feed disabled"})
		return
	}
	h.feed.HandleWebSocket(c.Writer, c.Request)
}

// FeedStats reports feed connection counts
// @Summary Activity feed stats
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/automation/feed/stats [get]
func (h *AutomationHandler) FeedStats(c *gin.Context) {
	count := 0
	if h.feed != nil {
		count = h.feed.ClientCount()
	}
	total, byStatus := metrics.InvocationSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"connected_clients":     count,
		"invocations_total":     total,
		"invocations_by_status": byStatus,
		"ingested_events":       metrics.IngestedEvents(),
		"webhook_breaker_drops": metrics.WebhookBreakerDrops(),
	})
}

// RegisterAutomationRoutes mounts the automation API on the group.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	rules := r.Group("/automation/rules")
	{
		rules.POST("", handler.CreateRule)
		rules.GET("", handler.ListRules)
		rules.GET("/:id", handler.GetRule)
		rules.PUT("/:id", handler.UpdateRule)
		rules.DELETE("/:id", handler.DeleteRule)
		rules.POST("/:id/duplicate", handler.DuplicateRule)
	}

	automation := r.Group("/automation")
	{
		automation.GET("/logs", handler.ListLogs)
		automation.GET("/stats", handler.Stats)
		automation.GET("/taxonomies", handler.Taxonomies)
		automation.POST("/events", handler.IngestEvent)
		automation.GET("/feed", handler.Feed)
		automation.GET("/feed/stats", handler.FeedStats)
	}
}
