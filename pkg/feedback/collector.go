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

// Package feedback collects user judgments about responses, derives learning
// indicators from them, and forwards them to the observability backend. A
// bounded in-memory window feeds the optimization loop even when the backend
// is unreachable.
package feedback

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/obs"
)

// Learning indicators derived from feedback.
const (
	IndicatorHighQuality = "high_quality_response"
	IndicatorCorrection  = "user_provided_correction"
	IndicatorLowQuality  = "low_quality_response"
	IndicatorError       = "error_in_response"
)

// DefaultWindow is how long entries stay available to the optimizer.
const DefaultWindow = 7 * 24 * time.Hour

// Backend is the slice of the observability client the collector needs.
type Backend interface {
	CreateFeedback(ctx context.Context, req obs.FeedbackRequest) (obs.FeedbackRef, error)
}

// Entry is one recorded piece of feedback with its derived indicators.
type Entry struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Score        float64   `json:"score"`
	Text         string    `json:"text,omitempty"`
	Correction   string    `json:"correction,omitempty"`
	FeedbackType string    `json:"feedback_type,omitempty"`
	Indicators   []string  `json:"indicators"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasCorrection reports whether the user supplied a corrected response.
func (e Entry) HasCorrection() bool { return e.Correction != "" }

// Config configures the collector.
type Config struct {
	// Backend receives forwarded feedback. Required.
	Backend Backend

	// Window bounds the in-memory history (default: DefaultWindow).
	Window time.Duration

	// Logger for collection events.
	Logger *zap.Logger
}

// Collector records feedback. Safe for concurrent use.
type Collector struct {
	backend Backend
	window  time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	entries []Entry
}

// NewCollector creates a collector with defaults filled.
func NewCollector(config Config) *Collector {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Collector{
		backend: config.Backend,
		window:  config.Window,
		logger:  config.Logger,
	}
}

// Record stores one piece of feedback and forwards it to the backend. The
// entry is kept locally even when forwarding fails; the error reports the
// forwarding outcome.
func (c *Collector) Record(ctx context.Context, runID string, score float64, text, correction, feedbackType string) (Entry, error) {
	entry := Entry{
		ID:           uuid.New().String(),
		RunID:        runID,
		Score:        score,
		Text:         text,
		Correction:   correction,
		FeedbackType: feedbackType,
		Indicators:   DeriveIndicators(score, correction, feedbackType),
		CreatedAt:    time.Now(),
	}

	c.mu.Lock()
	c.prune(entry.CreatedAt)
	c.entries = append(c.entries, entry)
	c.mu.Unlock()

	c.logger.Debug("Feedback recorded",
		zap.String("run_id", runID),
		zap.Float64("score", score),
		zap.Strings("indicators", entry.Indicators))

	if c.backend == nil {
		return entry, nil
	}

	_, err := c.backend.CreateFeedback(ctx, obs.FeedbackRequest{
		RunID:      runID,
		Score:      score,
		Comment:    text,
		Correction: correction,
	})
	if err != nil {
		c.logger.Warn("Failed to forward feedback to backend",
			zap.String("run_id", runID),
			zap.Error(err))
		return entry, err
	}
	return entry, nil
}

// DeriveIndicators maps raw feedback onto the learning indicators, in a
// fixed derivation order.
func DeriveIndicators(score float64, correction, feedbackType string) []string {
	var out []string
	if score >= 0.8 {
		out = append(out, IndicatorHighQuality)
	}
	if correction != "" {
		out = append(out, IndicatorCorrection)
	}
	if feedbackType != "" {
		out = append(out, "feedback_type_"+feedbackType)
	}
	if score < 0.5 {
		out = append(out, IndicatorLowQuality)
	}
	if strings.Contains(strings.ToLower(correction), "error") {
		out = append(out, IndicatorError)
	}
	return out
}

// Recent returns entries from the last given number of days, newest first.
// days <= 0 means the full window.
func (c *Collector) Recent(days int) []Entry {
	cutoff := time.Time{}
	if days > 0 {
		cutoff = time.Now().AddDate(0, 0, -days)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].CreatedAt.After(cutoff) {
			out = append(out, c.entries[i])
		}
	}
	return out
}

// Corrections returns recent entries that carry a user correction.
func (c *Collector) Corrections(days int) []Entry {
	all := c.Recent(days)
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.HasCorrection() {
			out = append(out, e)
		}
	}
	return out
}

// Patterns counts indicator occurrences across the window.
func (c *Collector) Patterns() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range c.entries {
		for _, ind := range e.Indicators {
			counts[ind]++
		}
	}
	return counts
}

// Len returns how many entries are in the window.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// prune drops entries older than the window. Caller holds mu.
func (c *Collector) prune(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.entries) && !c.entries[i].CreatedAt.After(cutoff) {
		i++
	}
	if i > 0 {
		c.entries = append(c.entries[:0], c.entries[i:]...)
	}
}
