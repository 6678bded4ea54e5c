package services

import (
	"testing"

	"mailforge/internal/models"
)

func TestMatchesTriggerConfig(t *testing.T) {
	tests := []struct {
		name   string
		config string
		evtCtx map[string]interface{}
		want   bool
	}{
		{
			name:   "empty config matches any occurrence",
			config: "",
			evtCtx: map[string]interface{}{"list_id": 7},
			want:   true,
		},
		{
			name:   "list id matches",
			config: `{"list_id": 5}`,
			evtCtx: map[string]interface{}{"list_id": 5},
			want:   true,
		},
		{
			name:   "list id mismatch",
			config: `{"list_id": 5}`,
			evtCtx: map[string]interface{}{"list_id": 6},
			want:   false,
		},
		{
			name:   "list id constrained but absent from context",
			config: `{"list_id": 5}`,
			evtCtx: map[string]interface{}{},
			want:   false,
		},
		{
			name:   "float context value from decoded JSON",
			config: `{"list_id": 5}`,
			evtCtx: map[string]interface{}{"list_id": float64(5)},
			want:   true,
		},
		{
			name:   "string config value from authoring surface",
			config: `{"message_id": "12"}`,
			evtCtx: map[string]interface{}{"message_id": 12},
			want:   true,
		},
		{
			name:   "zero config value means no constraint",
			config: `{"list_id": 0}`,
			evtCtx: map[string]interface{}{},
			want:   true,
		},
		{
			name:   "wildcard url pattern matches",
			config: `{"url_pattern": "https://example.com/blog/*"}`,
			evtCtx: map[string]interface{}{"page_url": "https://example.com/blog/hello-world"},
			want:   true,
		},
		{
			name:   "wildcard url pattern is case-insensitive",
			config: `{"url_pattern": "https://Example.com/Blog/*"}`,
			evtCtx: map[string]interface{}{"page_url": "https://example.com/blog/post"},
			want:   true,
		},
		{
			name:   "wildcard url pattern mismatch",
			config: `{"url_pattern": "https://example.com/blog/*"}`,
			evtCtx: map[string]interface{}{"page_url": "https://example.com/pricing"},
			want:   false,
		},
		{
			name:   "substring pattern without protocol",
			config: `{"url_pattern": "/checkout"}`,
			evtCtx: map[string]interface{}{"page_url": "https://shop.example.com/checkout/step1"},
			want:   true,
		},
		{
			name:   "exact link url",
			config: `{"link_url": "https://example.com/offer"}`,
			evtCtx: map[string]interface{}{"url": "https://example.com/offer"},
			want:   true,
		},
		{
			name:   "read time below threshold",
			config: `{"read_time_threshold": 30}`,
			evtCtx: map[string]interface{}{"read_time_seconds": 10},
			want:   false,
		},
		{
			name:   "read time at threshold",
			config: `{"read_time_threshold": 30}`,
			evtCtx: map[string]interface{}{"read_time_seconds": 30},
			want:   true,
		},
		{
			name:   "malformed config never matches",
			config: `{not json`,
			evtCtx: map[string]interface{}{},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &models.AutomationRule{ID: 1, UserID: 3, TriggerConfig: tt.config}
			if got := matchesTriggerConfig(rule, tt.evtCtx); got != tt.want {
				t.Fatalf("matchesTriggerConfig() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesTriggerConfig_TenantScoping(t *testing.T) {
	rule := &models.AutomationRule{ID: 1, UserID: 3}

	if matchesTriggerConfig(rule, map[string]interface{}{"user_id": 4}) {
		t.Fatal("rule matched an event from another tenant")
	}
	if !matchesTriggerConfig(rule, map[string]interface{}{"user_id": 3}) {
		t.Fatal("rule did not match its own tenant's event")
	}
	if !matchesTriggerConfig(rule, map[string]interface{}{}) {
		t.Fatal("rule did not match an event without tenant info")
	}
}

func TestMatchesURLPattern(t *testing.T) {
	tests := []struct {
		url     string
		pattern string
		want    bool
	}{
		{"https://a.com/x", "https://a.com/x", true},
		{"https://a.com/x/y", "https://a.com/x/*", true},
		{"https://a.com/z", "https://a.com/x/*", false},
		{"https://a.com/landing/summer", "*/landing/*", true},
		{"https://a.com/page", "page", true},
		{"https://a.com/page", "https://a.com/other", false},
	}
	for _, tt := range tests {
		if got := matchesURLPattern(tt.url, tt.pattern); got != tt.want {
			t.Errorf("matchesURLPattern(%q, %q) = %v, want %v", tt.url, tt.pattern, got, tt.want)
		}
	}
}
