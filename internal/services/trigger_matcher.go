package services

import (
	"regexp"
	"strings"

	"mailforge/internal/models"
)

// matchesTriggerConfig checks a rule's trigger-scoped filter against the
// event context. Every key present in the config constrains the match; an
// empty config matches every occurrence of the trigger. Rules that fail any
// check are dropped silently and never reach condition evaluation.
func matchesTriggerConfig(rule *models.AutomationRule, evtCtx map[string]interface{}) bool {
	cfg, err := rule.TriggerConfigMap()
	if err != nil {
		// Malformed config counts as "does not match", never as an error
		// surfaced to the event source.
		return false
	}

	for _, key := range []string{"list_id", "form_id", "message_id", "tag_id"} {
		want, ok := configInt(cfg, key)
		if !ok {
			continue
		}
		got, ok := contextInt(evtCtx, key)
		if !ok || got != want {
			return false
		}
	}

	if pattern, ok := cfg["url_pattern"].(string); ok && pattern != "" {
		if !matchesURLPattern(contextString(evtCtx, "page_url"), pattern) {
			return false
		}
	}

	if pattern, ok := cfg["link_url"].(string); ok && pattern != "" {
		if !matchesURLPattern(contextString(evtCtx, "url"), pattern) {
			return false
		}
	}

	if threshold, ok := configInt(cfg, "read_time_threshold"); ok && threshold > 0 {
		seconds, _ := contextInt(evtCtx, "read_time_seconds")
		if seconds < threshold {
			return false
		}
	}

	// Tenant scoping: an event carrying an owner id must never match another
	// owner's rule.
	if ownerID, ok := contextInt(evtCtx, "user_id"); ok && ownerID != int64(rule.UserID) {
		return false
	}

	return true
}

// configInt reads a numeric config value, tolerating JSON's float64 and
// string-typed ids from the authoring surface. A present-but-zero value is
// treated as no constraint.
func configInt(cfg map[string]interface{}, key string) (int64, bool) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return 0, false
	}
	n, ok := coerceInt(v)
	if !ok || n == 0 {
		return 0, false
	}
	return n, true
}

// matchesURLPattern matches a URL against a pattern: exact equality, wildcard
// matching where * expands to .* (case-insensitive), or substring containment
// when the pattern carries no protocol prefix.
func matchesURLPattern(url, pattern string) bool {
	if url == pattern {
		return true
	}

	if strings.Contains(pattern, "*") {
		expr := "(?i)^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
		re, err := regexp.Compile(expr)
		if err != nil {
			return false
		}
		return re.MatchString(url)
	}

	if !strings.HasPrefix(pattern, "http") {
		return strings.Contains(url, pattern)
	}

	return false
}
