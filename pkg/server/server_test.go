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
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/analysis"
	"github.com/teradata-labs/perch/pkg/audit"
	"github.com/teradata-labs/perch/pkg/engine"
	"github.com/teradata-labs/perch/pkg/events"
	"github.com/teradata-labs/perch/pkg/feedback"
	"github.com/teradata-labs/perch/pkg/monitor"
	"github.com/teradata-labs/perch/pkg/obs"
	"github.com/teradata-labs/perch/pkg/orchestrator"
	"github.com/teradata-labs/perch/pkg/patterns"
	"github.com/teradata-labs/perch/pkg/pipeline"
)

type triggerCall struct {
	reason   string
	override bool
}

type searchCall struct {
	query string
	limit int
}

type feedbackCall struct {
	runID        string
	score        float64
	text         string
	correction   string
	feedbackType string
}

// stubPlane is a canned control plane for handler tests.
type stubPlane struct {
	mu sync.Mutex

	status  engine.Status
	health  engine.Health
	result  orchestrator.CycleResult
	records []audit.ChangeRecord
	summary audit.Summary

	exportRecords []audit.ChangeRecord
	exportErr     error

	rollbackResult audit.RollbackResult
	rollbackErr    error

	clearRecord audit.ChangeRecord
	clearErr    error

	found     []patterns.Pattern
	searchErr error

	feedbackErr error

	forecast    analysis.Forecast
	forecastErr error

	daily    []pipeline.DayStat
	dailyErr error

	bus *events.Bus

	triggers      []triggerCall
	historyLimits []int
	rollbackIDs   []int64
	clearReasons  []string
	searches      []searchCall
	feedbacks     []feedbackCall
}

var _ ControlPlane = (*stubPlane)(nil)

func newStubPlane() *stubPlane {
	healthy := engine.Health{Healthy: true, Backend: true, Audit: true, Pipeline: true}
	return &stubPlane{
		bus:    events.NewBus(nil),
		health: healthy,
		status: engine.Status{
			MonitoringActive:  true,
			OverallQuality:    0.88,
			Tier:              "medium",
			Thresholds:        monitor.DefaultThresholds(),
			CooldownReady:     true,
			CooldownRemaining: "0s",
			Pipeline: pipeline.Snapshot{
				OverallQuality: 0.88,
				Models: map[string]pipeline.GroupStats{
					"gpt-4o": {Mean: 0.88, Count: 40},
				},
				Providers: map[string]pipeline.GroupStats{
					"openai": {Mean: 0.88, Count: 40},
				},
				Spectrums: map[string]pipeline.GroupStats{
					"credit_analysis": {Mean: 0.88, Count: 40},
				},
				Counters: pipeline.Counters{
					TracesProcessed: 120,
					QualityChecks:   120,
				},
			},
			Backend: obs.Metrics{
				Requests:      7,
				Fallbacks405:  2,
				ZeroFallbacks: 1,
				BreakerState:  "closed",
			},
			Audit:  audit.Summary{TotalChanges: 3, OptimizationCycles: 3, SuccessRate: 1.0},
			Health: healthy,
		},
	}
}

func (p *stubPlane) Snapshot() engine.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *stubPlane) Health() engine.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

func (p *stubPlane) Trigger(_ context.Context, reason string, override bool) orchestrator.CycleResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers = append(p.triggers, triggerCall{reason: reason, override: override})
	return p.result
}

func (p *stubPlane) History(limit int) []audit.ChangeRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyLimits = append(p.historyLimits, limit)
	return p.records
}

func (p *stubPlane) HistorySummary() audit.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

func (p *stubPlane) ExportHistory(context.Context) ([]audit.ChangeRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exportRecords, p.exportErr
}

func (p *stubPlane) Rollback(_ context.Context, targetCycleID int64) (audit.RollbackResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollbackIDs = append(p.rollbackIDs, targetCycleID)
	return p.rollbackResult, p.rollbackErr
}

func (p *stubPlane) ClearHistory(_ context.Context, reason string) (audit.ChangeRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearReasons = append(p.clearReasons, reason)
	return p.clearRecord, p.clearErr
}

func (p *stubPlane) SearchPatterns(_ context.Context, query string, limit int) ([]patterns.Pattern, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searches = append(p.searches, searchCall{query: query, limit: limit})
	return p.found, p.searchErr
}

func (p *stubPlane) RecordFeedback(_ context.Context, runID string, score float64, text, correction, feedbackType string) (feedback.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedbacks = append(p.feedbacks, feedbackCall{
		runID:        runID,
		score:        score,
		text:         text,
		correction:   correction,
		feedbackType: feedbackType,
	})
	if p.feedbackErr != nil {
		return feedback.Entry{}, p.feedbackErr
	}
	return feedback.Entry{
		ID:           "fb-1",
		RunID:        runID,
		Score:        score,
		Text:         text,
		Correction:   correction,
		FeedbackType: feedbackType,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (p *stubPlane) Forecast(context.Context) (analysis.Forecast, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forecast, p.forecastErr
}

func (p *stubPlane) DailyHistory(context.Context, int) ([]pipeline.DayStat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.daily, p.dailyErr
}

func (p *stubPlane) Events() *events.Bus {
	return p.bus
}

// newTestServer wires a stub plane behind an httptest listener. Cleanup
// stops the adapter before tearing the listener down so SSE handlers
// return first.
func newTestServer(t *testing.T) (*httptest.Server, *stubPlane, *Server) {
	t.Helper()

	plane := newStubPlane()
	srv, err := New(plane, ":0", zap.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
		ts.Close()
		_ = plane.bus.Close()
	})
	return ts, plane, srv
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, out), "body: %s", body)
	}
	return resp
}

func postJSON(t *testing.T, url, payload string, out any) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, out), "body: %s", body)
	}
	return resp
}

func TestNew_RequiresPlane(t *testing.T) {
	_, err := New(nil, ":0", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control plane")
}

func TestServer_StopReleasesForwarder(t *testing.T) {
	defer goleak.VerifyNone(t)

	plane := newStubPlane()
	srv, err := New(plane, ":0", zap.NewNop())
	require.NoError(t, err)

	// The forwarder picks events up even with no SSE subscribers attached.
	delivered, dropped := plane.bus.Publish(events.TopicSystem, map[string]string{"note": "liveness"})
	require.Equal(t, 1, delivered)
	require.Zero(t, dropped)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	// Idempotent.
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, plane.bus.Close())
}

func TestServer_EventStreamDeliversAlerts(t *testing.T) {
	ts, plane, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// The subscriber is registered once the response headers arrive, so
	// this publish lands on the open stream.
	delivered, dropped := plane.bus.Publish(events.TopicQualityAlert, map[string]any{"level": "critical"})
	require.Equal(t, 1, delivered)
	require.Zero(t, dropped)

	var eventName, data string
	deadline := time.After(5 * time.Second)
	for eventName == "" || data == "" {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before an event arrived")
			if strings.HasPrefix(line, "event: ") {
				eventName = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		}
	}

	assert.Equal(t, events.TopicQualityAlert, eventName)
	assert.Contains(t, data, `"topic":"quality.alert"`)
	assert.Contains(t, data, `"level":"critical"`)
}

func TestServer_CORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "86400", resp.Header.Get("Access-Control-Max-Age"))
}

func TestServer_CORSRestrictedOrigin(t *testing.T) {
	plane := newStubPlane()
	cors := DefaultCORSConfig()
	cors.AllowedOrigins = []string{"https://ops.internal"}
	srv, err := NewWithCORS(plane, ":0", zap.NewNop(), cors)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
		ts.Close()
		_ = plane.bus.Close()
	})

	cases := []struct {
		origin string
		want   string
	}{
		{"https://ops.internal", "https://ops.internal"},
		{"https://evil.example.com", ""},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", tc.origin)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, tc.want, resp.Header.Get("Access-Control-Allow-Origin"), "origin %s", tc.origin)
		_ = resp.Body.Close()
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/trigger")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
