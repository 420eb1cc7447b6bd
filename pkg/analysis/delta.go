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

// Package analysis explains quality movements: the DeltaAnalyzer compares a
// baseline window against the current one and attributes regressions to
// models or spectrums; the Predictor projects the daily series forward.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/obs"
	"github.com/teradata-labs/perch/pkg/quality"
)

// RootCauseInsufficientData marks an analysis that had an empty window on
// either side and therefore proves nothing.
const RootCauseInsufficientData = "insufficient_data"

// RunSource lists runs from the observability backend.
type RunSource interface {
	ListRuns(ctx context.Context, opts obs.ListRunsOptions) ([]obs.Run, error)
}

// Assessor turns a raw run into a quality assessment.
type Assessor interface {
	Evaluate(run obs.Run) quality.Assessment
}

// Delta is the outcome of one baseline-vs-current comparison.
type Delta struct {
	AnalysisID         string
	BaselineQuality    float64
	CurrentQuality     float64
	QualityDelta       float64
	RegressionDetected bool
	Confidence         float64
	AffectedModels     []string
	AffectedSpectrums  []string

	// RootCause is empty when the movement attributes to nothing in
	// particular and no window was empty.
	RootCause string

	BaselineStart, BaselineEnd time.Time
	CurrentStart, CurrentEnd   time.Time
	BaselineRuns, CurrentRuns  int
}

// DeltaConfig configures a DeltaAnalyzer.
type DeltaConfig struct {
	// Source lists runs for both windows. Required.
	Source RunSource

	// Evaluator scores each run. Required.
	Evaluator Assessor

	// BaselineAge is how far back the baseline window starts.
	// Defaults to 8 days.
	BaselineAge time.Duration

	// CurrentAge is how far back the current window starts; the baseline
	// window ends there. Defaults to 24 hours.
	CurrentAge time.Duration

	// RegressionDelta flags a regression when the overall quality drops by
	// more than this amount. Defaults to 0.05.
	RegressionDelta float64

	// AttributionDelta is the per-model/per-spectrum movement that marks a
	// group as affected. Defaults to 0.05.
	AttributionDelta float64

	// FetchLimit caps how many runs are fetched per window.
	// Defaults to 500.
	FetchLimit int

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger

	// now is a test seam.
	now func() time.Time
}

// DeltaAnalyzer detects and attributes quality regressions.
type DeltaAnalyzer struct {
	config DeltaConfig
}

// NewDeltaAnalyzer validates the config and fills defaults.
func NewDeltaAnalyzer(config DeltaConfig) (*DeltaAnalyzer, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("run source is required")
	}
	if config.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if config.BaselineAge == 0 {
		config.BaselineAge = 8 * 24 * time.Hour
	}
	if config.CurrentAge == 0 {
		config.CurrentAge = 24 * time.Hour
	}
	if config.BaselineAge <= config.CurrentAge {
		return nil, fmt.Errorf("baseline age %s must exceed current age %s",
			config.BaselineAge, config.CurrentAge)
	}
	if config.RegressionDelta == 0 {
		config.RegressionDelta = 0.05
	}
	if config.AttributionDelta == 0 {
		config.AttributionDelta = 0.05
	}
	if config.FetchLimit == 0 {
		config.FetchLimit = 500
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.now == nil {
		config.now = time.Now
	}
	return &DeltaAnalyzer{config: config}, nil
}

// Check fetches and scores both windows, then compares them.
func (a *DeltaAnalyzer) Check(ctx context.Context) (Delta, error) {
	now := a.config.now().UTC()
	d := Delta{
		AnalysisID:    uuid.New().String(),
		BaselineStart: now.Add(-a.config.BaselineAge),
		BaselineEnd:   now.Add(-a.config.CurrentAge),
		CurrentStart:  now.Add(-a.config.CurrentAge),
		CurrentEnd:    now,
	}

	baseline, err := a.window(ctx, d.BaselineStart, d.BaselineEnd)
	if err != nil {
		return Delta{}, fmt.Errorf("failed to fetch baseline window: %w", err)
	}
	current, err := a.window(ctx, d.CurrentStart, d.CurrentEnd)
	if err != nil {
		return Delta{}, fmt.Errorf("failed to fetch current window: %w", err)
	}

	d.BaselineRuns = len(baseline)
	d.CurrentRuns = len(current)

	if len(baseline) == 0 || len(current) == 0 {
		d.RootCause = RootCauseInsufficientData
		a.config.Logger.Info("delta analysis has an empty window",
			zap.Int("baseline_runs", len(baseline)),
			zap.Int("current_runs", len(current)))
		return d, nil
	}

	d.BaselineQuality = mean(baseline)
	d.CurrentQuality = mean(current)
	d.QualityDelta = d.CurrentQuality - d.BaselineQuality
	d.RegressionDetected = d.QualityDelta < -a.config.RegressionDelta
	d.Confidence = (sampleConfidence(len(baseline)) + sampleConfidence(len(current))) / 2

	d.AffectedModels = a.affectedGroups(baseline, current, func(s quality.Assessment) string { return s.Model })
	d.AffectedSpectrums = a.affectedGroups(baseline, current, func(s quality.Assessment) string { return s.Spectrum })
	d.RootCause = rootCause(d.AffectedModels, d.AffectedSpectrums)

	a.config.Logger.Info("delta analysis complete",
		zap.String("analysis_id", d.AnalysisID),
		zap.Float64("baseline", d.BaselineQuality),
		zap.Float64("current", d.CurrentQuality),
		zap.Float64("delta", d.QualityDelta),
		zap.Bool("regression", d.RegressionDetected),
		zap.Strings("affected_models", d.AffectedModels),
		zap.Strings("affected_spectrums", d.AffectedSpectrums))
	return d, nil
}

func (a *DeltaAnalyzer) window(ctx context.Context, start, end time.Time) ([]quality.Assessment, error) {
	runs, err := a.config.Source.ListRuns(ctx, obs.ListRunsOptions{
		Start:           start,
		End:             end,
		Limit:           a.config.FetchLimit,
		IncludeFeedback: true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]quality.Assessment, 0, len(runs))
	for _, run := range runs {
		out = append(out, a.config.Evaluator.Evaluate(run))
	}
	return out, nil
}

// affectedGroups returns the groups whose mean moved by more than the
// attribution threshold. Only groups present in both windows can move.
func (a *DeltaAnalyzer) affectedGroups(baseline, current []quality.Assessment, key func(quality.Assessment) string) []string {
	baseMeans := groupMeans(baseline, key)
	currMeans := groupMeans(current, key)

	var affected []string
	for name, b := range baseMeans {
		c, ok := currMeans[name]
		if !ok {
			continue
		}
		move := c - b
		if move < 0 {
			move = -move
		}
		if move > a.config.AttributionDelta {
			affected = append(affected, name)
		}
	}
	sort.Strings(affected)
	return affected
}

func groupMeans(assessments []quality.Assessment, key func(quality.Assessment) string) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range assessments {
		name := key(s)
		if name == "" {
			continue
		}
		sums[name] += s.Quality
		counts[name]++
	}
	means := make(map[string]float64, len(sums))
	for name, sum := range sums {
		means[name] = sum / float64(counts[name])
	}
	return means
}

func rootCause(models, spectrums []string) string {
	switch {
	case len(models) == 0 && len(spectrums) == 0:
		return ""
	case len(models) > len(spectrums):
		return "Model-specific issue affecting " + strings.Join(models, ", ")
	case len(spectrums) > len(models):
		return "Spectrum-specific issue affecting " + strings.Join(spectrums, ", ")
	default:
		return "System-wide performance degradation"
	}
}

func mean(assessments []quality.Assessment) float64 {
	if len(assessments) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range assessments {
		sum += s.Quality
	}
	return sum / float64(len(assessments))
}

func sampleConfidence(n int) float64 {
	c := float64(n) / 10
	if c > 1 {
		return 1
	}
	return c
}
