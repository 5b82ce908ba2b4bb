package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// HTTP Surface
	ListenAddr         string   `koanf:"listen_addr"`
	UpstreamURL        string   `koanf:"upstream_url"`
	TrustProxyHeaders  bool     `koanf:"trust_proxy_headers"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Access Gate
	GateExemptPrefixes       []string      `koanf:"gate_exempt_prefixes"`
	GateAllowlist            []string      `koanf:"gate_allowlist"`
	IdentityIncludeUserAgent bool          `koanf:"identity_include_user_agent"`
	BlockDuration            time.Duration `koanf:"block_duration"`
	TokenReissueClearsBlock  bool          `koanf:"token_reissue_clears_block"`

	// Session Risk Store
	StoreBackend       string        `koanf:"store_backend"`
	SessionRetention   time.Duration `koanf:"session_retention"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
	MaxTrackedRequests int           `koanf:"max_tracked_requests"`
	RedisAddr          string        `koanf:"redis_addr"`
	RedisPassword      string        `koanf:"redis_password"`
	RedisDB            int           `koanf:"redis_db"`
	RedisKeyPrefix     string        `koanf:"redis_key_prefix"`

	// Risk Evaluator
	RiskThreshold             int           `koanf:"risk_threshold"`
	RiskRateLimit             int           `koanf:"risk_rate_limit"`
	RiskRateWindow            time.Duration `koanf:"risk_rate_window"`
	RiskRatePenalty           int           `koanf:"risk_rate_penalty"`
	RiskBreadthMinPaths       int           `koanf:"risk_breadth_min_paths"`
	RiskBreadthMinRate        int           `koanf:"risk_breadth_min_rate"`
	RiskBreadthPenalty        int           `koanf:"risk_breadth_penalty"`
	RiskChurnPenalty          int           `koanf:"risk_churn_penalty"`
	RiskRegularityMinSamples  int           `koanf:"risk_regularity_min_samples"`
	RiskRegularityTolerance   float64       `koanf:"risk_regularity_tolerance"`
	RiskRegularityFraction    float64       `koanf:"risk_regularity_fraction"`
	RiskRegularityPenalty     int           `koanf:"risk_regularity_penalty"`
	RiskDenylistPenalty       int           `koanf:"risk_denylist_penalty"`
	RiskDenylistExtra         []string      `koanf:"risk_denylist_extra"`
	RiskDenylistFile          string        `koanf:"risk_denylist_file"`
	RiskMissingHeaderPenalty  int           `koanf:"risk_missing_header_penalty"`
	RiskMissingHeaderMode     string        `koanf:"risk_missing_header_mode"`
	RiskReputationPenalty     int           `koanf:"risk_reputation_penalty"`
	SignalAttemptPenalty      int           `koanf:"signal_attempt_penalty"`
	RiskRegularityMaxInterval time.Duration `koanf:"risk_regularity_max_interval"`

	// CrowdSec Reputation Feed
	CrowdSecEnabled         bool          `koanf:"crowdsec_enabled"`
	CrowdSecLAPIURL         string        `koanf:"crowdsec_lapi_url"`
	CrowdSecLAPIKey         string        `koanf:"crowdsec_lapi_key"`
	CrowdSecLAPIVerifyTLS   bool          `koanf:"crowdsec_lapi_verify_tls"`
	CrowdSecOrigins         []string      `koanf:"crowdsec_origins"`
	CrowdSecPollInterval    time.Duration `koanf:"crowdsec_poll_interval"`
	CrowdSecMetricsInterval time.Duration `koanf:"crowdsec_metrics_interval"` // 0 disables usage-metrics pushes
	BlockScenarioExclude    []string      `koanf:"block_scenario_exclude"`
	BlockMinDuration        time.Duration `koanf:"block_min_duration"`

	// Block Journal
	JournalEnabled   bool          `koanf:"journal_enabled"`
	DataDir          string        `koanf:"data_dir"`
	JournalRetention time.Duration `koanf:"journal_retention"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
	AdminAddr      string `koanf:"admin_addr"`
	AdminAPIKey    string `koanf:"admin_api_key"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.ListenAddr, &c.UpstreamURL, &c.StoreBackend, &c.RedisAddr,
		&c.RedisPassword, &c.RedisKeyPrefix, &c.RiskDenylistFile,
		&c.RiskMissingHeaderMode, &c.CrowdSecLAPIURL, &c.CrowdSecLAPIKey,
		&c.DataDir, &c.LogLevel, &c.LogFormat, &c.MetricsAddr, &c.HealthAddr,
		&c.AdminAddr, &c.AdminAPIKey,
	} {
		*p = stripEnvQuotes(*p)
	}

	for _, list := range [][]string{
		c.CORSAllowedOrigins, c.GateExemptPrefixes, c.GateAllowlist,
		c.RiskDenylistExtra, c.CrowdSecOrigins, c.BlockScenarioExclude,
	} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":                  ":8080",
		"trust_proxy_headers":          false,
		"cors_allowed_origins":         "*",
		"gate_exempt_prefixes":         "/api/security/",
		"identity_include_user_agent":  true,
		"block_duration":               "1h",
		"token_reissue_clears_block":   false,
		"store_backend":                "memory",
		"session_retention":            "30m",
		"sweep_interval":               "15m",
		"max_tracked_requests":         500,
		"redis_addr":                   "127.0.0.1:6379",
		"redis_db":                     0,
		"redis_key_prefix":             "streamguard:session:",
		"risk_threshold":               70,
		"risk_rate_limit":              120,
		"risk_rate_window":             "1m",
		"risk_rate_penalty":            100,
		"risk_breadth_min_paths":       25,
		"risk_breadth_min_rate":        60,
		"risk_breadth_penalty":         40,
		"risk_churn_penalty":           15,
		"risk_regularity_min_samples":  10,
		"risk_regularity_tolerance":    0.1,
		"risk_regularity_fraction":     0.8,
		"risk_regularity_penalty":      30,
		"risk_regularity_max_interval": "10s",
		"risk_denylist_penalty":        100,
		"risk_missing_header_penalty":  25,
		"risk_missing_header_mode":     "combined",
		"risk_reputation_penalty":      50,
		"signal_attempt_penalty":       20,
		"crowdsec_enabled":             false,
		"crowdsec_lapi_url":            "http://crowdsec:8080",
		"crowdsec_lapi_verify_tls":     true,
		"crowdsec_poll_interval":       "30s",
		"crowdsec_metrics_interval":    "30m",
		"journal_enabled":              true,
		"data_dir":                     "/data",
		"journal_retention":            "168h",
		"pool_workers":                 2,
		"pool_queue_depth":             1024,
		"pool_max_retries":             2,
		"pool_retry_base":              "250ms",
		"log_level":                    "info",
		"log_format":                   "json",
		"metrics_enabled":              true,
		"metrics_addr":                 ":9090",
		"health_addr":                  ":8081",
		"admin_addr":                   "",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps env vars with "_" flat: LISTEN_ADDR → "listen_addr".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated list fields that koanf won't split automatically
	cfg.CORSAllowedOrigins = splitCSV(k.String("cors_allowed_origins"))
	cfg.GateExemptPrefixes = splitCSV(k.String("gate_exempt_prefixes"))
	cfg.GateAllowlist = splitCSV(k.String("gate_allowlist"))
	cfg.RiskDenylistExtra = splitCSV(k.String("risk_denylist_extra"))
	cfg.CrowdSecOrigins = splitCSV(k.String("crowdsec_origins"))
	cfg.BlockScenarioExclude = splitCSV(k.String("block_scenario_exclude"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("UPSTREAM_URL must be an absolute http(s) URL; got %q", c.UpstreamURL)
		}
	}

	for _, p := range c.GateExemptPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("GATE_EXEMPT_PREFIXES entries must start with /; got %q", p)
		}
	}
	for _, entry := range c.GateAllowlist {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("GATE_ALLOWLIST: invalid CIDR %q: %w", entry, err)
			}
		} else if net.ParseIP(entry) == nil {
			return fmt.Errorf("GATE_ALLOWLIST: invalid IP address %q", entry)
		}
	}

	if c.BlockDuration <= 0 {
		return fmt.Errorf("BLOCK_DURATION must be > 0; got %s", c.BlockDuration)
	}

	switch c.StoreBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be memory or redis; got %q", c.StoreBackend)
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("SESSION_RETENTION must be > 0; got %s", c.SessionRetention)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0; got %s", c.SweepInterval)
	}
	if c.MaxTrackedRequests < 2 {
		return fmt.Errorf("MAX_TRACKED_REQUESTS must be >= 2; got %d", c.MaxTrackedRequests)
	}

	if c.RiskThreshold < 1 {
		return fmt.Errorf("RISK_THRESHOLD must be >= 1; got %d", c.RiskThreshold)
	}
	if c.RiskRateLimit < 1 {
		return fmt.Errorf("RISK_RATE_LIMIT must be >= 1; got %d", c.RiskRateLimit)
	}
	if c.RiskRateWindow <= 0 {
		return fmt.Errorf("RISK_RATE_WINDOW must be > 0; got %s", c.RiskRateWindow)
	}
	if c.RiskRegularityTolerance <= 0 || c.RiskRegularityTolerance >= 1 {
		return fmt.Errorf("RISK_REGULARITY_TOLERANCE must be in (0,1); got %v", c.RiskRegularityTolerance)
	}
	if c.RiskRegularityFraction <= 0 || c.RiskRegularityFraction > 1 {
		return fmt.Errorf("RISK_REGULARITY_FRACTION must be in (0,1]; got %v", c.RiskRegularityFraction)
	}
	if c.RiskRegularityMinSamples < 2 {
		return fmt.Errorf("RISK_REGULARITY_MIN_SAMPLES must be >= 2; got %d", c.RiskRegularityMinSamples)
	}
	validModes := map[string]bool{"combined": true, "alone": true, "log": true}
	if !validModes[c.RiskMissingHeaderMode] {
		return fmt.Errorf("RISK_MISSING_HEADER_MODE must be combined, alone, or log; got %q", c.RiskMissingHeaderMode)
	}

	if c.CrowdSecEnabled {
		if c.CrowdSecLAPIKey == "" {
			return fmt.Errorf("CROWDSEC_LAPI_KEY is required when CROWDSEC_ENABLED=true")
		}
		if !strings.HasPrefix(c.CrowdSecLAPIURL, "http://") && !strings.HasPrefix(c.CrowdSecLAPIURL, "https://") {
			return fmt.Errorf("CROWDSEC_LAPI_URL must start with http:// or https://; got %q", c.CrowdSecLAPIURL)
		}
	}

	if c.JournalEnabled {
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when JOURNAL_ENABLED=true")
		}
		if c.JournalRetention <= 0 {
			return fmt.Errorf("JOURNAL_RETENTION must be > 0; got %s", c.JournalRetention)
		}
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	if c.AdminAddr != "" && c.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required when ADMIN_ADDR is set")
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

// fileSecretKeys lists the keys that may be supplied through a KEY_FILE env var.
var fileSecretKeys = []string{
	"admin_api_key",
	"redis_password",
	"crowdsec_lapi_key",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		filePath := k.String(key + "_file")
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
