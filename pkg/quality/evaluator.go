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

// Package quality turns raw observability runs into quality assessments: a
// score in [0,1], a workload spectrum, and a normalized provider. Scores come
// from the strongest available signal — human feedback outranks the model's
// self-reported score, which outranks the latency heuristic.
package quality

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/obs"
)

// Score sources, strongest first.
const (
	SourceError    = "error"
	SourceFeedback = "feedback"
	SourceExplicit = "explicit"
	SourceLatency  = "latency"
	SourceDefault  = "default"
)

// Workload spectrums.
const (
	SpectrumCredit      = "credit_analysis"
	SpectrumCustomer    = "customer_profile"
	SpectrumTransaction = "transaction_history"
	SpectrumGeneral     = "general"
)

// DefaultScore is assumed when a run carries no quality signal at all.
const DefaultScore = 0.85

// defaultFeedbackWeights ranks feedback keys by how much they say about
// response quality. Keys outside this table still count, at low weight.
var defaultFeedbackWeights = map[string]float64{
	"quality":     0.4,
	"accuracy":    0.3,
	"helpfulness": 0.2,
	"relevance":   0.1,
}

// unknownFeedbackWeight applies to feedback keys not in the weight table.
const unknownFeedbackWeight = 0.1

// Assessment is one scored run, ready for aggregation.
type Assessment struct {
	RunID     string    `json:"run_id"`
	Session   string    `json:"session"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Spectrum  string    `json:"spectrum"`
	Quality   float64   `json:"quality"`
	Source    string    `json:"source"`
	LatencyMS int64     `json:"latency_ms"`
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures an Evaluator.
type Config struct {
	// FeedbackWeights overrides the per-key feedback weights
	// (default: quality 0.4, accuracy 0.3, helpfulness 0.2, relevance 0.1).
	FeedbackWeights map[string]float64

	// Logger for evaluation events.
	Logger *zap.Logger
}

// Evaluator scores runs. Stateless and safe for concurrent use.
type Evaluator struct {
	weights map[string]float64
	logger  *zap.Logger
}

// NewEvaluator creates an evaluator with defaults filled.
func NewEvaluator(config Config) *Evaluator {
	if config.FeedbackWeights == nil {
		config.FeedbackWeights = defaultFeedbackWeights
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Evaluator{
		weights: config.FeedbackWeights,
		logger:  config.Logger,
	}
}

// Evaluate scores one run and classifies its spectrum and provider.
func (e *Evaluator) Evaluate(run obs.Run) Assessment {
	score, source := e.score(run)

	provider := run.Provider
	if provider == "" {
		provider = InferProvider(run.Model)
	}

	return Assessment{
		RunID:     run.ID,
		Session:   run.SessionName,
		Model:     run.Model,
		Provider:  provider,
		Spectrum:  Spectrum(run),
		Quality:   score,
		Source:    source,
		LatencyMS: run.LatencyMS(),
		Tokens:    runTokens(run),
		Timestamp: run.StartTime,
	}
}

// score derives the quality score from the strongest available signal.
func (e *Evaluator) score(run obs.Run) (float64, string) {
	if run.Status == obs.RunStatusError || run.Error != "" {
		return 0.0, SourceError
	}

	if len(run.FeedbackScores) > 0 {
		return e.feedbackMean(run.FeedbackScores), SourceFeedback
	}

	if explicit, ok := run.ExplicitQuality(); ok {
		return clamp01(explicit), SourceExplicit
	}

	if !run.EndTime.IsZero() {
		return latencyScore(run.LatencyMS()), SourceLatency
	}

	return DefaultScore, SourceDefault
}

// feedbackMean is the weighted mean of the feedback scores, normalized by the
// weights actually used so partial feedback is not penalized.
func (e *Evaluator) feedbackMean(scores map[string]float64) float64 {
	var weighted, total float64
	for key, score := range scores {
		weight, ok := e.weights[key]
		if !ok {
			weight = unknownFeedbackWeight
		}
		weighted += clamp01(score) * weight
		total += weight
	}
	if total == 0 {
		return DefaultScore
	}
	return weighted / total
}

// latencyScore grades responsiveness when no quality feedback exists: fast
// answers are assumed good, slow ones merely acceptable.
func latencyScore(latencyMS int64) float64 {
	switch {
	case latencyMS < 2000:
		return 0.95
	case latencyMS < 5000:
		return 0.85
	default:
		return 0.75
	}
}

// Spectrum classifies the workload a run served. Explicit metadata wins;
// otherwise the session name is matched against the known workload families.
func Spectrum(run obs.Run) string {
	if s, ok := run.ExtraMetadata["spectrum"].(string); ok && s != "" {
		return s
	}

	session := strings.ToLower(run.SessionName)
	switch {
	case strings.Contains(session, "credit"):
		return SpectrumCredit
	case strings.Contains(session, "customer"):
		return SpectrumCustomer
	case strings.Contains(session, "transaction"):
		return SpectrumTransaction
	default:
		return SpectrumGeneral
	}
}

// InferProvider normalizes a model name to its provider family.
func InferProvider(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt") || strings.Contains(m, "openai"):
		return "openai"
	case strings.Contains(m, "claude"):
		return "anthropic"
	case strings.Contains(m, "llama") || strings.Contains(m, "groq"):
		return "groq"
	case strings.Contains(m, "gemini"):
		return "google"
	default:
		return "unknown"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
