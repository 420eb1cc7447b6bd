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
package engine

import (
	"context"
	"time"

	"github.com/teradata-labs/perch/pkg/analysis"
	"github.com/teradata-labs/perch/pkg/audit"
	"github.com/teradata-labs/perch/pkg/events"
	"github.com/teradata-labs/perch/pkg/feedback"
	"github.com/teradata-labs/perch/pkg/monitor"
	"github.com/teradata-labs/perch/pkg/obs"
	"github.com/teradata-labs/perch/pkg/orchestrator"
	"github.com/teradata-labs/perch/pkg/patterns"
	"github.com/teradata-labs/perch/pkg/pipeline"
)

// Health reports the component probes behind the status document.
type Health struct {
	// Healthy is the conjunction of the probes below.
	Healthy bool `json:"healthy"`

	// Backend is false while the circuit breaker is open.
	Backend bool `json:"backend"`

	// Audit is false once the change history degrades to read-only.
	Audit bool `json:"audit"`

	// Pipeline is true while the ingest and process loops run.
	Pipeline bool `json:"pipeline"`
}

// Status is the full status document served by the HTTP adapter.
type Status struct {
	MonitoringActive  bool                      `json:"monitoring_active"`
	OverallQuality    float64                   `json:"overall_quality"`
	Tier              string                    `json:"tier"`
	Thresholds        monitor.Thresholds        `json:"thresholds"`
	CooldownReady     bool                      `json:"cooldown_ready"`
	CooldownRemaining string                    `json:"cooldown_remaining"`
	CycleInFlight     bool                      `json:"cycle_in_flight"`
	LastCycle         *orchestrator.CycleResult `json:"last_cycle,omitempty"`
	Pipeline          pipeline.Snapshot         `json:"pipeline"`
	Backend           obs.Metrics               `json:"backend"`
	Audit             audit.Summary             `json:"audit"`
	Patterns          patterns.Stats            `json:"patterns"`
	RecentAlerts      []monitor.Alert           `json:"recent_alerts"`
	Health            Health                    `json:"health"`
	StartedAt         time.Time                 `json:"started_at"`
	Uptime            string                    `json:"uptime"`
}

// Snapshot assembles the status document from live component state.
func (e *Engine) Snapshot() Status {
	snap := e.aggregates.Snapshot()
	tier, _ := e.thresholds.Tier(snap.OverallQuality)
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()

	st := Status{
		MonitoringActive:  e.monitor.Armed(),
		OverallQuality:    snap.OverallQuality,
		Tier:              tier,
		Thresholds:        e.thresholds,
		CooldownReady:     e.cooldown.Ready(),
		CooldownRemaining: e.cooldown.Remaining().Round(time.Second).String(),
		CycleInFlight:     e.orch.InFlight(),
		Pipeline:          snap,
		Backend:           e.client.Metrics(),
		Audit:             e.auditLog.Summary(),
		Patterns:          e.index.Stats(),
		RecentAlerts:      e.monitor.Recent(),
		Health:            e.Health(),
		StartedAt:         startedAt,
	}
	if !startedAt.IsZero() {
		st.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	if last, ok := e.orch.Last(); ok {
		st.LastCycle = &last
	}
	return st
}

// Health runs the component probes.
func (e *Engine) Health() Health {
	h := Health{
		Backend:  e.client.Metrics().BreakerState != "open",
		Audit:    !e.auditLog.Degraded(),
		Pipeline: e.started.Load() && !e.stopped.Load(),
	}
	h.Healthy = h.Backend && h.Audit && h.Pipeline
	return h
}

// Trigger runs a manual improvement cycle.
func (e *Engine) Trigger(ctx context.Context, reason string, override bool) orchestrator.CycleResult {
	return e.orch.Trigger(ctx, reason, override)
}

// History returns up to limit recent change records, newest first.
func (e *Engine) History(limit int) []audit.ChangeRecord {
	return e.auditLog.Recent(limit)
}

// HistorySummary reports aggregate change-history statistics.
func (e *Engine) HistorySummary() audit.Summary {
	return e.auditLog.Summary()
}

// ExportHistory reads the full durable change history.
func (e *Engine) ExportHistory(ctx context.Context) ([]audit.ChangeRecord, error) {
	return e.auditLog.Export(ctx)
}

// Rollback reverts the target optimization cycle (0 targets the last
// successful one).
func (e *Engine) Rollback(ctx context.Context, targetCycleID int64) (audit.RollbackResult, error) {
	return e.auditLog.Rollback(ctx, targetCycleID)
}

// ClearHistory wipes the change history, leaving a single record of the wipe.
func (e *Engine) ClearHistory(ctx context.Context, reason string) (audit.ChangeRecord, error) {
	return e.auditLog.ClearHistory(ctx, reason)
}

// SearchPatterns searches indexed patterns by free text.
func (e *Engine) SearchPatterns(ctx context.Context, query string, limit int) ([]patterns.Pattern, error) {
	return e.index.SearchText(ctx, query, limit)
}

// RecordFeedback records one piece of user feedback and forwards it to the
// backend.
func (e *Engine) RecordFeedback(ctx context.Context, runID string, score float64, text, correction, feedbackType string) (feedback.Entry, error) {
	return e.collector.Record(ctx, runID, score, text, correction, feedbackType)
}

// Forecast projects the quality trend from the daily series.
func (e *Engine) Forecast(ctx context.Context) (analysis.Forecast, error) {
	return e.predictor.Forecast(ctx)
}

// DailyHistory returns the merged daily quality series, oldest first.
func (e *Engine) DailyHistory(ctx context.Context, days int) ([]pipeline.DayStat, error) {
	return e.aggregates.DailyHistory(ctx, days)
}

// Events exposes the in-process event bus for streaming adapters.
func (e *Engine) Events() *events.Bus {
	return e.bus
}
