package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mailforge/internal/config"
	"mailforge/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookClient performs the call_webhook action's outbound HTTP requests.
// Every call carries a bounded timeout and each target host gets its own
// circuit breaker so one unreachable endpoint cannot keep burning engine
// capacity. Failures come back as structured results, never as errors.
type WebhookClient struct {
	httpClient *http.Client
	logger     *logrus.Logger
	breakerCfg *config.CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewWebhookClient(timeout time.Duration, breakerCfg *config.CircuitBreakerConfig, logger *logrus.Logger) *WebhookClient {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:     logger,
		breakerCfg: breakerCfg,
		breakers:   make(map[string]*CircuitBreaker),
	}
}

// Call posts the payload to the webhook URL and reports the outcome as a
// result map: {url, status_code, success} on a completed request or
// {url, success: false, error} on transport failure or an open breaker.
func (c *WebhookClient) Call(ctx context.Context, rawURL, method string, headers map[string]string, payload interface{}) map[string]interface{} {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodPost
	}

	breaker := c.breakerFor(rawURL)
	if breaker != nil && !breaker.Allow() {
		metrics.IncWebhookBreakerDrop()
		c.logger.Warnf("automation: webhook breaker open for %s", rawURL)
		return map[string]interface{}{
			"url":     rawURL,
			"success": false,
			"error":   "circuit breaker open",
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return map[string]interface{}{"url": rawURL, "success": false, "error": err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return map[string]interface{}{"url": rawURL, "success": false, "error": err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mailforge-Delivery", uuid.NewString())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if breaker != nil {
			breaker.OnFailure()
		}
		c.logger.Warnf("automation: webhook call failed: %s: %v", rawURL, err)
		return map[string]interface{}{"url": rawURL, "success": false, "error": err.Error()}
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if breaker != nil {
		if success {
			breaker.OnSuccess()
		} else {
			breaker.OnFailure()
		}
	}

	return map[string]interface{}{
		"url":         rawURL,
		"status_code": resp.StatusCode,
		"success":     success,
	}
}

// breakerFor returns the per-host breaker, or nil when breaking is disabled.
func (c *WebhookClient) breakerFor(rawURL string) *CircuitBreaker {
	if c.breakerCfg == nil || !c.breakerCfg.Enabled {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	breaker, ok := c.breakers[parsed.Host]
	if !ok {
		breaker = NewCircuitBreakerWithConfig(c.breakerCfg)
		c.breakers[parsed.Host] = breaker
	}
	return breaker
}
