// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor classifies the rolling quality picture into severity tiers,
// emits alerts on the events bus, and asks the orchestrator for an
// improvement cycle when quality falls below the high tier and the shared
// cooldown has elapsed.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/events"
	"github.com/teradata-labs/perch/pkg/pipeline"
)

// Tier names, worst first.
const (
	TierCritical = "critical"
	TierHigh     = "high"
	TierMedium   = "medium"
	TierLow      = "low"
	TierMinimal  = "minimal"
)

// DefaultLivenessInterval is the minimum spacing between healthy-state
// liveness alerts.
const DefaultLivenessInterval = 15 * time.Minute

// maxRecentAlerts bounds the in-memory alert window served to the HTTP
// status endpoint.
const maxRecentAlerts = 50

// Thresholds are the tier upper bounds: quality below Critical is critical,
// below High is high, and so on; at or above Low is minimal (healthy).
type Thresholds struct {
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
	Low      float64 `json:"low"`
}

// DefaultThresholds returns the standard tier policy.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 0.70, High: 0.80, Medium: 0.85, Low: 0.90}
}

// Validate checks that the bounds ascend and stay inside (0, 1].
func (t Thresholds) Validate() error {
	if t.Critical <= 0 {
		return fmt.Errorf("critical threshold must be positive")
	}
	if !(t.Critical < t.High && t.High < t.Medium && t.Medium < t.Low) {
		return fmt.Errorf("thresholds must ascend: critical < high < medium < low")
	}
	if t.Low > 1 {
		return fmt.Errorf("low threshold must not exceed 1")
	}
	return nil
}

// Tier classifies a quality score. It returns the tier name and the bound
// the score sits under (for minimal, the bound it cleared).
func (t Thresholds) Tier(quality float64) (string, float64) {
	switch {
	case quality < t.Critical:
		return TierCritical, t.Critical
	case quality < t.High:
		return TierHigh, t.High
	case quality < t.Medium:
		return TierMedium, t.Medium
	case quality < t.Low:
		return TierLow, t.Low
	default:
		return TierMinimal, t.Low
	}
}

// Alert is one emitted quality alert.
type Alert struct {
	ID               string         `json:"id"`
	Level            string         `json:"level"`
	ThresholdCrossed float64        `json:"threshold_crossed"`
	Observed         float64        `json:"observed"`
	Message          string         `json:"message"`
	EmittedAt        time.Time      `json:"emitted_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Config configures a Monitor.
type Config struct {
	// Thresholds is the tier policy. The zero value takes the defaults.
	Thresholds Thresholds

	// Cooldown is the trigger clock shared with the orchestrator. Required.
	Cooldown *Cooldown

	// Events receives emitted alerts on the quality.alert topic. Optional.
	Events *events.Bus

	// Trigger requests an improvement cycle. Called only while the monitor
	// is armed, for critical and high tiers, when the cooldown has elapsed.
	// Optional.
	Trigger func(reason string)

	// LivenessInterval is the minimum spacing between healthy-state alerts.
	// Defaults to DefaultLivenessInterval.
	LivenessInterval time.Duration

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger

	// now is a test seam.
	now func() time.Time
}

// Monitor evaluates aggregate snapshots after every processed batch. It
// starts disarmed; the engine arms it once the orchestrator is ready so a
// cold start cannot fire cycles off partial data.
type Monitor struct {
	config Config

	armed atomic.Bool

	mu           sync.Mutex
	lastLiveness time.Time
	recent       []Alert
}

var _ pipeline.BatchMonitor = (*Monitor)(nil)

// NewMonitor validates the config and fills defaults.
func NewMonitor(config Config) (*Monitor, error) {
	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = DefaultThresholds()
	}
	if err := config.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if config.Cooldown == nil {
		return nil, fmt.Errorf("cooldown is required")
	}
	if config.LivenessInterval <= 0 {
		config.LivenessInterval = DefaultLivenessInterval
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.now == nil {
		config.now = time.Now
	}
	return &Monitor{config: config}, nil
}

// Arm enables trigger dispatch. Alerts are emitted regardless.
func (m *Monitor) Arm() {
	m.armed.Store(true)
}

// Disarm stops trigger dispatch, used during shutdown.
func (m *Monitor) Disarm() {
	m.armed.Store(false)
}

// Armed reports whether trigger dispatch is enabled.
func (m *Monitor) Armed() bool {
	return m.armed.Load()
}

// Evaluate classifies the snapshot's overall quality and acts on the tier.
func (m *Monitor) Evaluate(snap pipeline.Snapshot) {
	if snap.Counters.QualityChecks == 0 {
		return
	}

	current := snap.OverallQuality
	if current == 0 {
		// Zero means no scorable data yet or an all-error batch; alerting
		// here would storm on cold start.
		m.config.Logger.Info("quality reading is zero, suppressing alerts")
		if m.config.Events != nil {
			m.config.Events.Publish(events.TopicSystem, map[string]any{
				"kind":    "zero_quality",
				"message": "quality reading is zero, alerts suppressed",
			})
		}
		return
	}

	tier, bound := m.config.Thresholds.Tier(current)
	switch tier {
	case TierCritical, TierHigh:
		m.emit(tier, bound, current, snap,
			fmt.Sprintf("quality %.2f below %s threshold %.2f", current, tier, bound))
		m.requestCycle(tier, current)
	case TierMedium, TierLow:
		m.emit(tier, bound, current, snap,
			fmt.Sprintf("quality %.2f below %s threshold %.2f", current, tier, bound))
	default:
		m.liveness(current, bound, snap)
	}
}

// requestCycle asks the orchestrator for a cycle unless disarmed or cooling
// down. The cooldown itself is armed by the orchestrator when the cycle
// starts; overlapping requests coalesce there.
func (m *Monitor) requestCycle(tier string, observed float64) {
	if m.config.Trigger == nil || !m.armed.Load() {
		return
	}
	if !m.config.Cooldown.Ready() {
		m.config.Logger.Debug("cooldown active, not requesting a cycle",
			zap.Duration("remaining", m.config.Cooldown.Remaining()))
		return
	}
	reason := fmt.Sprintf("tier=%s observed=%.2f", tier, observed)
	m.config.Logger.Warn("requesting improvement cycle", zap.String("reason", reason))
	m.config.Trigger(reason)
}

// liveness emits a minimal alert at most once per liveness interval.
func (m *Monitor) liveness(current, bound float64, snap pipeline.Snapshot) {
	now := m.config.now()
	m.mu.Lock()
	due := m.lastLiveness.IsZero() || now.Sub(m.lastLiveness) >= m.config.LivenessInterval
	if due {
		m.lastLiveness = now
	}
	m.mu.Unlock()
	if !due {
		return
	}
	m.emit(TierMinimal, bound, current, snap,
		fmt.Sprintf("quality healthy at %.2f", current))
}

func (m *Monitor) emit(level string, bound, observed float64, snap pipeline.Snapshot, message string) {
	alert := Alert{
		ID:               uuid.NewString(),
		Level:            level,
		ThresholdCrossed: bound,
		Observed:         observed,
		Message:          message,
		EmittedAt:        m.config.now().UTC(),
		Metadata:         alertMetadata(snap, m.config.Thresholds.Low),
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > maxRecentAlerts {
		m.recent = m.recent[len(m.recent)-maxRecentAlerts:]
	}
	m.mu.Unlock()

	if m.config.Events != nil {
		m.config.Events.Publish(events.TopicQualityAlert, alert)
	}

	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("level", level),
		zap.Float64("observed", observed),
		zap.Float64("threshold", bound),
	}
	switch level {
	case TierCritical:
		m.config.Logger.Error(message, fields...)
	case TierHigh, TierMedium:
		m.config.Logger.Warn(message, fields...)
	default:
		m.config.Logger.Info(message, fields...)
	}
}

// alertMetadata names the models dragging the mean down so an operator can
// read the alert without opening the dashboard.
func alertMetadata(snap pipeline.Snapshot, low float64) map[string]any {
	meta := map[string]any{
		"traces_processed": snap.Counters.TracesProcessed,
	}
	var lagging []string
	for model, stats := range snap.Models {
		if stats.Mean < low {
			lagging = append(lagging, model)
		}
	}
	if len(lagging) > 0 {
		sort.Strings(lagging)
		meta["models_below_threshold"] = lagging
	}
	return meta
}

// Recent returns the newest alerts first, at most maxRecentAlerts.
func (m *Monitor) Recent() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.recent))
	for i := len(m.recent) - 1; i >= 0; i-- {
		out = append(out, m.recent[i])
	}
	return out
}
