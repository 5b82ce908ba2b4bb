package decision

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/streamguard/internal/risk"
	"github.com/developingchet/streamguard/internal/storage"
	"github.com/rs/zerolog"
)

// ComponentType identifies the gate in LAPI usage metrics.
const ComponentType = "streamguard"

// Block origins reported to the LAPI.
const (
	OriginCrowdSec = "crowdsec"
	OriginLocal    = "streamguard"
)

const minUsageInterval = 10 * time.Minute

// UsageConfig configures a UsageReporter.
type UsageConfig struct {
	APIURL    string
	APIKey    string
	VerifyTLS bool
	Version   string
	// Interval between pushes. Zero disables reporting; values under ten
	// minutes are raised to ten.
	Interval time.Duration
}

// UsageReporter pushes remediation-component usage metrics to the CrowdSec
// LAPI: how many gated requests were processed and how many sessions were
// blocked, split by whether the reputation feed or a local check caused it.
type UsageReporter struct {
	url         string
	apiKey      string
	version     string
	interval    time.Duration
	startupTime time.Time
	log         zerolog.Logger
	httpClient  *http.Client

	mu        sync.Mutex
	blocked   map[string]int64
	processed int64
}

// NewUsageReporter constructs a UsageReporter.
func NewUsageReporter(cfg UsageConfig, log zerolog.Logger) *UsageReporter {
	interval := cfg.Interval
	if interval > 0 && interval < minUsageInterval {
		log.Warn().
			Dur("requested", interval).
			Dur("enforced", minUsageInterval).
			Msg("CROWDSEC_METRICS_INTERVAL below minimum; clamping to 10m")
		interval = minUsageInterval
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &UsageReporter{
		url:         strings.TrimRight(cfg.APIURL, "/") + "/v1/usage-metrics",
		apiKey:      cfg.APIKey,
		version:     cfg.Version,
		interval:    interval,
		startupTime: time.Now(),
		log:         log,
		httpClient:  &http.Client{Timeout: 5 * time.Second, Transport: transport},
		blocked:     make(map[string]int64),
	}
}

// RecordProcessed counts one request that went through the gate.
func (u *UsageReporter) RecordProcessed() {
	u.mu.Lock()
	u.processed++
	u.mu.Unlock()
}

// Emit counts block events. It satisfies the gate's event sink so it can sit
// next to the journal.
func (u *UsageReporter) Emit(ev storage.Event) {
	if ev.Kind != storage.KindBlock {
		return
	}
	origin := OriginLocal
	if ev.Reason == risk.CheckReputation {
		origin = OriginCrowdSec
	}
	u.mu.Lock()
	u.blocked[origin]++
	u.mu.Unlock()
}

// Run pushes on every interval and once more on shutdown. Returns at once
// when reporting is disabled.
func (u *UsageReporter) Run(ctx context.Context) error {
	if u.interval == 0 {
		return nil
	}

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := u.push(ctx); err != nil {
				u.log.Warn().Err(err).Msg("lapi usage-metrics push failed")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := u.push(shutdownCtx); err != nil {
				u.log.Warn().Err(err).Msg("lapi usage-metrics final push failed")
			}
			return nil
		}
	}
}

type usageMetric struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

type usageOS struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type usageWindow struct {
	WindowSizeSeconds   int64 `json:"window_size_seconds"`
	UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
	UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
}

type usageComponent struct {
	Type     string        `json:"type"`
	Version  string        `json:"version"`
	Os       usageOS       `json:"os"`
	Features []string      `json:"features"`
	Meta     usageWindow   `json:"meta"`
	Metrics  []usageMetric `json:"metrics"`
}

type usagePayload struct {
	RemediationComponents []usageComponent `json:"remediation_components"`
}

// push snapshots and resets the counters, then POSTs them.
func (u *UsageReporter) push(ctx context.Context) error {
	u.mu.Lock()
	blocked := u.blocked
	processed := u.processed
	u.blocked = make(map[string]int64)
	u.processed = 0
	u.mu.Unlock()

	var items []usageMetric
	for origin, count := range blocked {
		if count <= 0 {
			continue
		}
		items = append(items, usageMetric{
			Name:   "blocked",
			Value:  count,
			Unit:   "request",
			Labels: map[string]string{"origin": origin, "remediation_type": "ban"},
		})
	}
	items = append(items, usageMetric{Name: "processed", Value: processed, Unit: "request"})

	osName, osVersion := detectOS()
	body, err := json.Marshal(usagePayload{RemediationComponents: []usageComponent{{
		Type:     ComponentType,
		Version:  u.version,
		Os:       usageOS{Name: osName, Version: osVersion},
		Features: []string{},
		Meta: usageWindow{
			WindowSizeSeconds:   int64(u.interval.Seconds()),
			UtcStartupTimestamp: u.startupTime.Unix(),
			UtcNowTimestamp:     time.Now().Unix(),
		},
		Metrics: items,
	}}})
	if err != nil {
		return fmt.Errorf("marshal usage-metrics payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage-metrics request: %w", err)
	}
	req.Header.Set("X-Api-Key", u.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ComponentType+"/v"+u.version)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST usage-metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		u.log.Warn().Int("status", resp.StatusCode).Str("url", u.url).Msg("lapi usage-metrics returned non-2xx")
	}
	return nil
}

// detectOS returns runtime.GOOS and VERSION_ID from /etc/os-release when
// readable.
func detectOS() (name, version string) {
	name = runtime.GOOS

	f, err := os.Open("/etc/os-release")
	if err != nil {
		return name, ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VERSION_ID=") {
			return name, strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`)
		}
	}
	return name, ""
}
