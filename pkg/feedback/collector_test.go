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
package feedback

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/teradata-labs/perch/pkg/obs"
)

type captureBackend struct {
	mu       sync.Mutex
	requests []obs.FeedbackRequest
	err      error
}

func (b *captureBackend) CreateFeedback(_ context.Context, req obs.FeedbackRequest) (obs.FeedbackRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return obs.FeedbackRef{}, b.err
	}
	b.requests = append(b.requests, req)
	return obs.FeedbackRef{ID: fmt.Sprintf("fb-%d", len(b.requests)), RunID: req.RunID}, nil
}

func TestDeriveIndicators(t *testing.T) {
	tests := []struct {
		name         string
		score        float64
		correction   string
		feedbackType string
		want         []string
	}{
		{
			name:  "high score",
			score: 0.8,
			want:  []string{IndicatorHighQuality},
		},
		{
			name:  "low score",
			score: 0.49,
			want:  []string{IndicatorLowQuality},
		},
		{
			name:  "middling score derives nothing",
			score: 0.65,
			want:  nil,
		},
		{
			name:       "correction on a good answer",
			score:      0.9,
			correction: "The date should be 2026-08-20",
			want:       []string{IndicatorHighQuality, IndicatorCorrection},
		},
		{
			name:         "typed feedback",
			score:        0.6,
			feedbackType: "tone",
			want:         []string{"feedback_type_tone"},
		},
		{
			name:       "error mentioned in correction",
			score:      0.2,
			correction: "This is an ERROR, the account does not exist",
			want: []string{
				IndicatorCorrection,
				IndicatorLowQuality,
				IndicatorError,
			},
		},
		{
			name:         "everything at once",
			score:        0.1,
			correction:   "error in the response",
			feedbackType: "accuracy",
			want: []string{
				IndicatorCorrection,
				"feedback_type_accuracy",
				IndicatorLowQuality,
				IndicatorError,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveIndicators(tt.score, tt.correction, tt.feedbackType)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("DeriveIndicators() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecord_ForwardsToBackend(t *testing.T) {
	backend := &captureBackend{}
	c := NewCollector(Config{Backend: backend})

	entry, err := c.Record(context.Background(), "run-1", 0.9, "great answer", "", "")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if entry.ID == "" {
		t.Error("entry ID not assigned")
	}
	if !reflect.DeepEqual(entry.Indicators, []string{IndicatorHighQuality}) {
		t.Errorf("Indicators = %v", entry.Indicators)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.requests) != 1 {
		t.Fatalf("backend received %d requests, want 1", len(backend.requests))
	}
	req := backend.requests[0]
	if req.RunID != "run-1" || req.Score != 0.9 || req.Comment != "great answer" {
		t.Errorf("forwarded request = %+v", req)
	}
}

func TestRecord_KeepsEntryWhenBackendFails(t *testing.T) {
	backend := &captureBackend{err: fmt.Errorf("backend down")}
	c := NewCollector(Config{Backend: backend})

	_, err := c.Record(context.Background(), "run-1", 0.3, "", "wrong number", "")
	if err == nil {
		t.Fatal("expected forwarding error")
	}

	// Entry is still usable by the optimizer.
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	recent := c.Recent(7)
	if len(recent) != 1 || recent[0].Correction != "wrong number" {
		t.Errorf("Recent() = %+v", recent)
	}
}

func TestRecentAndCorrections(t *testing.T) {
	c := NewCollector(Config{})
	ctx := context.Background()

	if _, err := c.Record(ctx, "run-1", 0.9, "good", "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Record(ctx, "run-2", 0.4, "", "should be $200", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Record(ctx, "run-3", 0.2, "", "error: wrong account", ""); err != nil {
		t.Fatal(err)
	}

	recent := c.Recent(7)
	if len(recent) != 3 {
		t.Fatalf("Recent() returned %d entries, want 3", len(recent))
	}
	// Newest first.
	if recent[0].RunID != "run-3" || recent[2].RunID != "run-1" {
		t.Errorf("order = %s,%s,%s", recent[0].RunID, recent[1].RunID, recent[2].RunID)
	}

	corrections := c.Corrections(7)
	if len(corrections) != 2 {
		t.Fatalf("Corrections() returned %d entries, want 2", len(corrections))
	}
	for _, e := range corrections {
		if !e.HasCorrection() {
			t.Errorf("entry %s has no correction", e.RunID)
		}
	}
}

func TestPatterns(t *testing.T) {
	c := NewCollector(Config{})
	ctx := context.Background()

	_, _ = c.Record(ctx, "run-1", 0.9, "", "", "")
	_, _ = c.Record(ctx, "run-2", 0.85, "", "", "")
	_, _ = c.Record(ctx, "run-3", 0.2, "", "error here", "")

	counts := c.Patterns()
	if counts[IndicatorHighQuality] != 2 {
		t.Errorf("high quality count = %d, want 2", counts[IndicatorHighQuality])
	}
	if counts[IndicatorLowQuality] != 1 {
		t.Errorf("low quality count = %d, want 1", counts[IndicatorLowQuality])
	}
	if counts[IndicatorError] != 1 {
		t.Errorf("error count = %d, want 1", counts[IndicatorError])
	}
	if counts[IndicatorCorrection] != 1 {
		t.Errorf("correction count = %d, want 1", counts[IndicatorCorrection])
	}
}
