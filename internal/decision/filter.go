package decision

import (
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/streamguard/internal/metrics"
	"github.com/rs/zerolog"
)

// FilterConfig holds the parameters for the staged decision pipeline that
// decides which CrowdSec decisions feed the reputation set.
type FilterConfig struct {
	// Allowed decision types. Default: ban.
	AllowedActions []string

	// Scenario substrings to skip.
	ScenarioExclude []string

	// Allowed origins (empty = all).
	AllowedOrigins []string

	// Allowed scopes. Default: ip, range.
	AllowedScopes []string

	// Addresses that are never flagged.
	Allowlist Allowlist

	// Decisions shorter than this are ignored (0 = disabled).
	MinDuration time.Duration
}

// NewFilterConfig returns a FilterConfig with sensible defaults.
func NewFilterConfig() FilterConfig {
	return FilterConfig{
		AllowedActions: []string{"ban"},
		AllowedScopes:  []string{"ip", "range"},
	}
}

// FilterResult holds a decision that survived the pipeline.
type FilterResult struct {
	Passed   bool
	Value    string // sanitized IP or CIDR
	CIDR     bool
	Duration time.Duration
}

// candidate carries a decision through the stages.
type candidate struct {
	action   string
	scope    string
	value    string
	origin   string
	scenario string
	duration time.Duration
	cidr     bool
	deleted  bool
}

type stage struct {
	name   string
	reason string
	reject func(c *candidate, cfg FilterConfig) bool
}

// stages run in order; the first stage that rejects a decision wins.
// Deleted decisions skip the action and duration checks since LAPI reports
// them with their original type and a residual duration.
var stages = []stage{
	{"1_action", "unsupported_action", func(c *candidate, cfg FilterConfig) bool {
		return !c.deleted && !containsCI(cfg.AllowedActions, c.action)
	}},
	{"2_scenario_exclude", "excluded_scenario", func(c *candidate, cfg FilterConfig) bool {
		for _, exc := range cfg.ScenarioExclude {
			if exc != "" && strings.Contains(c.scenario, exc) {
				return true
			}
		}
		return false
	}},
	{"3_origin", "origin_not_allowed", func(c *candidate, cfg FilterConfig) bool {
		return len(cfg.AllowedOrigins) > 0 && !containsCI(cfg.AllowedOrigins, c.origin)
	}},
	{"4_scope", "unsupported_scope", func(c *candidate, cfg FilterConfig) bool {
		return !containsCI(cfg.AllowedScopes, c.scope)
	}},
	{"5_parse", "parse_error", func(c *candidate, _ FilterConfig) bool {
		sanitized, isCIDR, err := ParseAndSanitize(c.value)
		if err != nil {
			return true
		}
		c.value, c.cidr = sanitized, isCIDR
		return false
	}},
	{"6_private", "private_ip", func(c *candidate, _ FilterConfig) bool {
		return IsPrivate(c.value)
	}},
	{"7_allowlist", "allowlisted", func(c *candidate, cfg FilterConfig) bool {
		return cfg.Allowlist.Contains(c.value)
	}},
	{"8_min_duration", "too_short", func(c *candidate, cfg FilterConfig) bool {
		return !c.deleted && cfg.MinDuration > 0 && c.duration > 0 && c.duration < cfg.MinDuration
	}},
}

// Filter runs a new CrowdSec decision through the pipeline.
func Filter(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	return runStages(d, false, cfg, log)
}

// FilterDeleted runs a deleted CrowdSec decision through the pipeline.
func FilterDeleted(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	return runStages(d, true, cfg, log)
}

func runStages(d *models.Decision, deleted bool, cfg FilterConfig, log zerolog.Logger) FilterResult {
	c := &candidate{
		action:   strings.ToLower(deref(d.Type)),
		scope:    strings.ToLower(deref(d.Scope)),
		value:    deref(d.Value),
		origin:   deref(d.Origin),
		scenario: deref(d.Scenario),
		deleted:  deleted,
	}
	if s := deref(d.Duration); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			c.duration = parsed
		}
	}

	for _, s := range stages {
		if s.reject(c, cfg) {
			metrics.DecisionsFiltered.WithLabelValues(s.name, s.reason).Inc()
			log.Trace().
				Str("stage", s.name).
				Str("value", c.value).
				Str("scenario", c.scenario).
				Msg("decision filtered: " + s.reason)
			return FilterResult{}
		}
	}

	return FilterResult{
		Passed:   true,
		Value:    c.value,
		CIDR:     c.cidr,
		Duration: c.duration,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func containsCI(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
