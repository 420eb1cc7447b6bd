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

// Package orchestrator runs improvement cycles: delta analysis, pattern
// lookup, strategy ranking, feedback review, and forecasting composed into a
// single audited ChangeRecord. At most one cycle runs at a time; extra
// triggers coalesce, and a shared cooldown spaces automatic cycles apart.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/analysis"
	"github.com/teradata-labs/perch/pkg/audit"
	"github.com/teradata-labs/perch/pkg/feedback"
	"github.com/teradata-labs/perch/pkg/learning"
	"github.com/teradata-labs/perch/pkg/monitor"
	"github.com/teradata-labs/perch/pkg/patterns"
	"github.com/teradata-labs/perch/pkg/pipeline"
)

const (
	// DefaultRetryDelay is the shortened cooldown armed after a failed cycle.
	DefaultRetryDelay = 5 * time.Minute

	// DefaultCycleTimeout bounds one asynchronous cycle end to end.
	DefaultCycleTimeout = 2 * time.Minute

	// DefaultDrainTimeout is the hard shutdown deadline for an in-flight
	// cycle.
	DefaultDrainTimeout = 30 * time.Second

	// maxStrategies caps how many ranked strategy names a cycle records.
	maxStrategies = 2

	// feedbackWindowDays is how far back the feedback review step looks.
	feedbackWindowDays = 7

	// highSeverityDelta separates high from medium regression severity.
	highSeverityDelta = 0.10
)

// Component names recorded in components_executed.
const (
	ComponentDelta      = "delta_analysis"
	ComponentPatterns   = "pattern_search"
	ComponentStrategies = "meta_learning"
	ComponentFeedback   = "feedback_review"
	ComponentForecast   = "quality_prediction"
)

// Improvement types a cycle can identify.
const (
	ImprovementRegression = "regression_detected"
	ImprovementStrategies = "optimal_strategies_identified"
	ImprovementLearning   = "learning_applied"
	ImprovementForecast   = "predicted_degradation"
)

// DeltaChecker compares the baseline window against the current one.
type DeltaChecker interface {
	Check(ctx context.Context) (analysis.Delta, error)
}

// Forecaster projects the quality trend forward.
type Forecaster interface {
	Forecast(ctx context.Context) (analysis.Forecast, error)
}

// PatternSearcher finds exemplars near an operating point.
type PatternSearcher interface {
	Search(q patterns.SearchContext) []patterns.Match
}

// StrategyRanker orders improvement strategies for a context.
type StrategyRanker interface {
	Rank(want learning.Context) []learning.Ranked
}

// FeedbackSource exposes the recent user feedback window.
type FeedbackSource interface {
	Recent(days int) []feedback.Entry
}

// State is the live aggregate picture the cycle reads and annotates.
type State interface {
	Snapshot() pipeline.Snapshot
	IncrOptimizationsTriggered()
	IncrImprovementsDeployed()
}

// Auditor commits cycle records to the change history.
type Auditor interface {
	Commit(ctx context.Context, record audit.ChangeRecord) (audit.ChangeRecord, error)
	Degraded() bool
}

// Config configures an Orchestrator.
type Config struct {
	// Audit receives the ChangeRecord every cycle commits. Required.
	Audit Auditor

	// Cooldown is the trigger clock shared with the monitor. Required.
	Cooldown *monitor.Cooldown

	// State is the rolling aggregate picture. Required.
	State State

	// The analysis components. Any nil component's step is skipped.
	Delta      DeltaChecker
	Patterns   PatternSearcher
	Strategies StrategyRanker
	Feedback   FeedbackSource
	Forecast   Forecaster

	// RetryDelay is armed instead of the full cooldown after a failed cycle.
	// Defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// CycleTimeout bounds asynchronous cycles. Defaults to
	// DefaultCycleTimeout.
	CycleTimeout time.Duration

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger

	// now is a test seam.
	now func() time.Time
}

// CycleResult is the outcome of one trigger. Refused triggers (cooldown,
// coalesced, degraded audit) return Success false with the refusal in Reason.
type CycleResult struct {
	Success      bool                `json:"success"`
	Reason       string              `json:"reason"`
	CycleID      int64               `json:"cycle_id,omitempty"`
	ChangeID     string              `json:"change_id,omitempty"`
	Components   []string            `json:"components_executed,omitempty"`
	Improvements []audit.Improvement `json:"improvements_identified,omitempty"`
	StepErrors   []string            `json:"step_errors,omitempty"`
	Coalesced    bool                `json:"coalesced,omitempty"`

	// CooldownRemaining is non-zero only when the cooldown refused the
	// trigger.
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
}

// Orchestrator serializes improvement cycles.
type Orchestrator struct {
	config Config

	inFlight atomic.Bool
	closed   atomic.Bool
	wg       sync.WaitGroup

	mu   sync.Mutex
	last *CycleResult
}

// New validates the config and fills defaults.
func New(config Config) (*Orchestrator, error) {
	if config.Audit == nil {
		return nil, fmt.Errorf("audit log is required")
	}
	if config.Cooldown == nil {
		return nil, fmt.Errorf("cooldown is required")
	}
	if config.State == nil {
		return nil, fmt.Errorf("aggregate state is required")
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = DefaultCycleTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.now == nil {
		config.now = time.Now
	}
	return &Orchestrator{config: config}, nil
}

// Trigger runs one improvement cycle synchronously. override bypasses an
// active cooldown and is itself audited as a manual_trigger.
func (o *Orchestrator) Trigger(ctx context.Context, reason string, override bool) CycleResult {
	if o.closed.Load() {
		return CycleResult{Success: false, Reason: "orchestrator is shut down"}
	}
	if o.config.Audit.Degraded() {
		o.config.Logger.Warn("trigger refused, audit log degraded",
			zap.String("reason", reason))
		return CycleResult{Success: false, Reason: "audit log degraded, triggers refused"}
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		o.config.Logger.Info("improvement cycle already in progress, trigger coalesced",
			zap.String("reason", reason))
		return CycleResult{Success: false, Coalesced: true,
			Reason: "cycle already in progress (coalesced)"}
	}
	defer o.inFlight.Store(false)

	if !o.config.Cooldown.Ready() {
		remaining := o.config.Cooldown.Remaining().Round(time.Second)
		if !override {
			o.config.Logger.Info("trigger refused by cooldown",
				zap.String("reason", reason),
				zap.Duration("remaining", remaining))
			return CycleResult{Success: false,
				Reason:            fmt.Sprintf("Cooldown active, %s remaining", remaining),
				CooldownRemaining: remaining}
		}
		if _, err := o.config.Audit.Commit(ctx, audit.ChangeRecord{
			Type:    audit.TypeManualTrigger,
			Reason:  reason,
			Success: true,
			Details: map[string]any{
				"override":           true,
				"cooldown_remaining": remaining.String(),
			},
		}); err != nil {
			o.config.Logger.Warn("failed to record manual override", zap.Error(err))
		}
	}

	result := o.runCycle(ctx, reason)

	o.mu.Lock()
	o.last = &result
	o.mu.Unlock()
	return result
}

// TriggerAsync runs a cycle on its own goroutine, used by the threshold
// monitor so batch processing never waits on a cycle.
func (o *Orchestrator) TriggerAsync(reason string) {
	if o.closed.Load() {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.config.CycleTimeout)
		defer cancel()
		o.Trigger(ctx, reason, false)
	}()
}

// InFlight reports whether a cycle is currently running.
func (o *Orchestrator) InFlight() bool {
	return o.inFlight.Load()
}

// Last returns the most recently completed cycle result.
func (o *Orchestrator) Last() (CycleResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return CycleResult{}, false
	}
	return *o.last, true
}

// Close refuses new triggers and drains any in-flight cycle until the context
// expires.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("improvement cycle did not drain in time: %w", ctx.Err())
	}
}

func (o *Orchestrator) runCycle(ctx context.Context, reason string) CycleResult {
	start := o.config.now()
	cycleID := start.UnixNano()
	logger := o.config.Logger.With(zap.Int64("cycle_id", cycleID))
	logger.Info("improvement cycle started", zap.String("reason", reason))

	// Arm the full cooldown up front so batch evaluations during the cycle
	// cannot re-trigger. A failed cycle re-arms the shorter retry window
	// below; a successful one re-marks at commit time.
	o.config.Cooldown.Mark()
	o.config.State.IncrOptimizationsTriggered()

	snap := o.config.State.Snapshot()
	before := snap.OverallQuality

	var (
		components   []string
		improvements []audit.Improvement
		stepErrors   []string
	)

	var delta analysis.Delta
	haveDelta := false
	if o.config.Delta != nil {
		components = append(components, ComponentDelta)
		d, err := o.config.Delta.Check(ctx)
		if err != nil {
			stepErrors = append(stepErrors, fmt.Sprintf("%s: %v", ComponentDelta, err))
			logger.Warn("delta analysis failed", zap.Error(err))
		} else {
			delta = d
			haveDelta = true
		}
	}
	if haveDelta && delta.RegressionDetected {
		severity := "medium"
		if math.Abs(delta.QualityDelta) > highSeverityDelta {
			severity = "high"
		}
		improvements = append(improvements, audit.Improvement{
			Type:   ImprovementRegression,
			Target: regressionTarget(delta),
			Before: map[string]any{"quality": delta.BaselineQuality},
			After:  map[string]any{"quality": delta.CurrentQuality},
			Detail: fmt.Sprintf("severity=%s delta=%+.4f", severity, delta.QualityDelta),
		})
		logger.Warn("regression detected",
			zap.Float64("delta", delta.QualityDelta),
			zap.String("severity", severity),
			zap.String("root_cause", delta.RootCause))
	}

	if o.config.Patterns != nil {
		components = append(components, ComponentPatterns)
		matches := o.config.Patterns.Search(searchContext(snap, delta))
		logger.Debug("pattern search finished", zap.Int("matches", len(matches)))
	}

	if o.config.Strategies != nil {
		components = append(components, ComponentStrategies)
		ranked := o.config.Strategies.Rank(rankContext(snap, delta))
		if len(ranked) > 0 {
			names := make([]string, 0, maxStrategies)
			for _, r := range ranked {
				names = append(names, r.Name)
				if len(names) == maxStrategies {
					break
				}
			}
			improvements = append(improvements, audit.Improvement{
				Type:   ImprovementStrategies,
				After:  map[string]any{"strategies": names},
				Detail: strings.Join(names, ", "),
			})
		}
	}

	if o.config.Feedback != nil {
		components = append(components, ComponentFeedback)
		recent := o.config.Feedback.Recent(feedbackWindowDays)
		if len(recent) > 0 {
			corrections := 0
			for _, e := range recent {
				if e.HasCorrection() {
					corrections++
				}
			}
			improvements = append(improvements, audit.Improvement{
				Type:   ImprovementLearning,
				Detail: fmt.Sprintf("%d feedback entries, %d corrections", len(recent), corrections),
			})
		}
	}

	if o.config.Forecast != nil {
		components = append(components, ComponentForecast)
		fc, err := o.config.Forecast.Forecast(ctx)
		switch {
		case err != nil:
			stepErrors = append(stepErrors, fmt.Sprintf("%s: %v", ComponentForecast, err))
			logger.Warn("quality forecast failed", zap.Error(err))
		case fc.NeedsIntervention:
			improvements = append(improvements, audit.Improvement{
				Type:   ImprovementForecast,
				After:  map[string]any{"predicted_7d": fc.Predicted7d, "trend": fc.Trend},
				Detail: fmt.Sprintf("7-day forecast %.2f below threshold", fc.Predicted7d),
			})
		}
	}

	// A cycle only counts as failed when it found nothing and something
	// actually broke.
	success := len(improvements) > 0 || len(stepErrors) == 0

	record := audit.ChangeRecord{
		Type:         audit.TypeOptimizationCycle,
		CycleID:      cycleID,
		Reason:       reason,
		Improvements: improvements,
		Success:      success,
		Details: map[string]any{
			"quality_score_before": before,
			"components_executed":  components,
		},
	}
	if len(stepErrors) > 0 {
		record.Details["errors"] = stepErrors
	}
	if !success {
		record.Type = audit.TypeOptimizationFailure
	}

	committed, err := o.config.Audit.Commit(ctx, record)
	if err != nil {
		logger.Error("failed to commit cycle record", zap.Error(err))
		o.config.Cooldown.RetryIn(o.config.RetryDelay)
		return CycleResult{
			Success:      false,
			Reason:       fmt.Sprintf("failed to record cycle: %v", err),
			CycleID:      cycleID,
			Components:   components,
			Improvements: improvements,
			StepErrors:   stepErrors,
		}
	}

	if success {
		// The cooldown period starts when the cycle commits.
		o.config.Cooldown.Mark()
		if len(improvements) > 0 {
			o.config.State.IncrImprovementsDeployed()
		}
	} else {
		o.config.Cooldown.RetryIn(o.config.RetryDelay)
	}

	logger.Info("improvement cycle finished",
		zap.Bool("success", success),
		zap.Int("improvements", len(improvements)),
		zap.Strings("components", components),
		zap.Duration("duration", o.config.now().Sub(start)))

	return CycleResult{
		Success:      success,
		Reason:       reason,
		CycleID:      cycleID,
		ChangeID:     committed.ChangeID,
		Components:   components,
		Improvements: improvements,
		StepErrors:   stepErrors,
	}
}

// regressionTarget names what the regression hit, for the improvement record.
func regressionTarget(delta analysis.Delta) string {
	parts := make([]string, 0, len(delta.AffectedModels)+len(delta.AffectedSpectrums))
	parts = append(parts, delta.AffectedModels...)
	parts = append(parts, delta.AffectedSpectrums...)
	if len(parts) == 0 {
		return "system"
	}
	return strings.Join(parts, ", ")
}

// searchContext centers the pattern query on the most affected group, falling
// back to the overall operating point.
func searchContext(snap pipeline.Snapshot, delta analysis.Delta) patterns.SearchContext {
	q := patterns.SearchContext{Quality: snap.OverallQuality}
	if len(delta.AffectedModels) > 0 {
		q.Model = delta.AffectedModels[0]
	}
	if len(delta.AffectedSpectrums) > 0 {
		q.Spectrum = delta.AffectedSpectrums[0]
	}
	return q
}

func rankContext(snap pipeline.Snapshot, delta analysis.Delta) learning.Context {
	c := learning.Context{Quality: snap.OverallQuality}
	if len(delta.AffectedModels) > 0 {
		c.Model = delta.AffectedModels[0]
	}
	if len(delta.AffectedSpectrums) > 0 {
		c.Spectrum = delta.AffectedSpectrums[0]
	}
	return c
}
