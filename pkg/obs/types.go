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
package obs

import (
	"time"
)

// RunStatus is the terminal status of a recorded inference run.
type RunStatus string

const (
	// RunStatusSuccess marks a run that completed normally.
	RunStatusSuccess RunStatus = "success"
	// RunStatusError marks a run that failed.
	RunStatusError RunStatus = "error"
	// RunStatusUnknown marks a run whose status the backend did not report.
	RunStatusUnknown RunStatus = "unknown"
)

// Run is a raw trace record as returned by the observability backend.
// It lives for one pipeline traversal; only derived quality metrics are
// retained.
type Run struct {
	ID               string             `json:"id"`
	SessionName      string             `json:"session_name"`
	StartTime        time.Time          `json:"start_time"`
	EndTime          time.Time          `json:"end_time"`
	Model            string             `json:"model"`
	Provider         string             `json:"provider"`
	Status           RunStatus          `json:"status"`
	Error            string             `json:"error,omitempty"`
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	TotalTokens      int                `json:"total_tokens"`
	FeedbackScores   map[string]float64 `json:"feedback_scores,omitempty"`
	Inputs           map[string]any     `json:"inputs,omitempty"`
	Outputs          map[string]any     `json:"outputs,omitempty"`
	ExtraMetadata    map[string]any     `json:"extra_metadata,omitempty"`
}

// LatencyMS returns the run duration in milliseconds, or 0 when the backend
// reported no usable timestamps.
func (r Run) LatencyMS() int64 {
	if r.EndTime.IsZero() || r.StartTime.IsZero() || r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// ExplicitQuality returns the quality score the backend attached to the run
// outputs, if any.
func (r Run) ExplicitQuality() (float64, bool) {
	if r.Outputs == nil {
		return 0, false
	}
	v, ok := r.Outputs["quality_score"]
	if !ok {
		return 0, false
	}
	switch q := v.(type) {
	case float64:
		return q, true
	case int:
		return float64(q), true
	}
	return 0, false
}

// WorkspaceStats is the backend's workspace-level rollup. The zero value is
// the deterministic fallback when the stats endpoints are degraded.
type WorkspaceStats struct {
	RunCount      int64   `json:"run_count"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	ErrorRate     float64 `json:"error_rate"`
	FeedbackCount int64   `json:"feedback_count"`
}

// RunStats is the backend's run-level rollup for a filter set.
type RunStats struct {
	TotalRuns    int64   `json:"total_runs"`
	SuccessRate  float64 `json:"success_rate"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	TotalTokens  int64   `json:"total_tokens"`
}

// FallbackRunStats is returned when both the primary and alternate stats
// endpoints fail: no runs, perfect success rate, so downstream monitors see
// "no evidence of trouble" rather than synthetic quality.
func FallbackRunStats() RunStats {
	return RunStats{TotalRuns: 0, SuccessRate: 1.0}
}

// Dataset is a named example collection in the backend.
type Dataset struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Example is one record in a dataset.
type Example struct {
	ID        string         `json:"id,omitempty"`
	DatasetID string         `json:"dataset_id,omitempty"`
	Inputs    map[string]any `json:"inputs"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FeedbackRequest creates one feedback entry against a run.
type FeedbackRequest struct {
	RunID      string  `json:"run_id"`
	Key        string  `json:"key"`
	Score      float64 `json:"score"`
	Comment    string  `json:"comment,omitempty"`
	Correction string  `json:"correction,omitempty"`
}

// FeedbackRef identifies a stored feedback entry.
type FeedbackRef struct {
	ID    string  `json:"id"`
	RunID string  `json:"run_id"`
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// BulkExport describes an asynchronous export job.
type BulkExport struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Filters   map[string]any `json:"filters,omitempty"`
}

// AnnotationQueue is a human-review queue in the backend.
type AnnotationQueue struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListRunsOptions filters a ListRuns call.
type ListRunsOptions struct {
	SessionNames    []string
	Start           time.Time
	End             time.Time
	Limit           int
	IncludeFeedback bool
}
