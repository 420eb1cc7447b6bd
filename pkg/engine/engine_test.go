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
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/audit"
	"github.com/teradata-labs/perch/pkg/monitor"
	"github.com/teradata-labs/perch/pkg/orchestrator"
)

// fakeBackend serves just enough of the observability API for the engine to
// come up: an empty run feed and a workspace rollup.
func fakeBackend() (*httptest.Server, *atomic.Int64) {
	polls := &atomic.Int64{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"runs": []}`))
	})
	mux.HandleFunc("/api/v1/workspaces/current/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"run_count": 3, "error_rate": 0.01}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})
	return httptest.NewServer(mux), polls
}

func testConfig(t *testing.T, baseURL string) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		BaseURL:      baseURL,
		APIKey:       "test-key",
		OrgID:        "org-1",
		PollInterval: 20 * time.Millisecond,
		AuditPath:    filepath.Join(dir, "audit", "history.json"),
		DBDSN:        filepath.Join(dir, "perch.db"),
		Logger:       zap.NewNop(),
	}
}

func stopEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
}

func TestNew_Validates(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, _ := fakeBackend()
	defer srv.Close()

	_, err := New(context.Background(), Config{OrgID: "org-1"})
	require.ErrorContains(t, err, "API key")

	_, err = New(context.Background(), Config{APIKey: "k"})
	require.ErrorContains(t, err, "organization")

	cfg := testConfig(t, srv.URL)
	cfg.QualityThreshold = 1.5
	_, err = New(context.Background(), cfg)
	require.ErrorContains(t, err, "quality threshold")

	// A mid-build failure must release everything built before it.
	cfg = testConfig(t, srv.URL)
	cfg.AuditKVURL = "://not-a-redis-url"
	_, err = New(context.Background(), cfg)
	require.Error(t, err)
}

func TestEngine_StartStopLeakFree(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, polls := fakeBackend()
	defer srv.Close()

	e, err := New(context.Background(), testConfig(t, srv.URL))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	assert.Eventually(t, func() bool { return polls.Load() >= 2 },
		3*time.Second, 10*time.Millisecond, "ingestor never polled")

	stopEngine(t, e)
}

func TestEngine_StartTwiceFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, _ := fakeBackend()
	defer srv.Close()

	e, err := New(context.Background(), testConfig(t, srv.URL))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.Error(t, e.Start(context.Background()))

	stopEngine(t, e)

	// Stop is idempotent.
	require.NoError(t, e.Stop(context.Background()))
}

func TestEngine_SnapshotShape(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, _ := fakeBackend()
	defer srv.Close()

	e, err := New(context.Background(), testConfig(t, srv.URL))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer stopEngine(t, e)

	st := e.Snapshot()
	assert.True(t, st.MonitoringActive)
	assert.Zero(t, st.OverallQuality, "no traces scored yet")
	assert.Equal(t, monitor.TierCritical, st.Tier)
	assert.Equal(t, 0.90, st.Thresholds.Low)
	assert.True(t, st.CooldownReady)
	assert.Equal(t, "0s", st.CooldownRemaining)
	assert.False(t, st.CycleInFlight)
	assert.Nil(t, st.LastCycle)
	assert.GreaterOrEqual(t, st.Backend.Requests, int64(1), "startup probe counted")
	assert.False(t, st.Audit.Degraded)
	assert.NotEmpty(t, st.Uptime)
	assert.False(t, st.StartedAt.IsZero())
	assert.True(t, st.Health.Healthy)
}

func TestEngine_HealthProbes(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, _ := fakeBackend()
	defer srv.Close()

	e, err := New(context.Background(), testConfig(t, srv.URL))
	require.NoError(t, err)

	h := e.Health()
	assert.False(t, h.Pipeline, "not started yet")
	assert.True(t, h.Backend)
	assert.True(t, h.Audit)
	assert.False(t, h.Healthy)

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Health().Healthy)

	stopEngine(t, e)
	assert.False(t, e.Health().Pipeline)
}

func TestEngine_TriggerRunsFullCycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, _ := fakeBackend()
	defer srv.Close()

	e, err := New(context.Background(), testConfig(t, srv.URL))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer stopEngine(t, e)

	res := e.Trigger(context.Background(), "operator smoke test", false)
	require.True(t, res.Success, "reason: %s, step errors: %v", res.Reason, res.StepErrors)
	assert.Equal(t, []string{
		orchestrator.ComponentDelta, orchestrator.ComponentPatterns,
		orchestrator.ComponentStrategies, orchestrator.ComponentFeedback,
		orchestrator.ComponentForecast,
	}, res.Components)
	assert.Empty(t, res.StepErrors)

	// An empty backend carries no regression, feedback, or forecast signal;
	// the strategy catalog's priors still rank.
	require.Len(t, res.Improvements, 1)
	assert.Equal(t, orchestrator.ImprovementStrategies, res.Improvements[0].Type)

	recent := e.History(1)
	require.Len(t, recent, 1)
	assert.Equal(t, audit.TypeOptimizationCycle, recent[0].Type)
	assert.Equal(t, res.CycleID, recent[0].CycleID)

	st := e.Snapshot()
	assert.False(t, st.CooldownReady)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, res.CycleID, st.LastCycle.CycleID)
	assert.Equal(t, int64(1), st.Pipeline.Counters.OptimizationsTriggered)
	assert.Equal(t, int64(1), st.Pipeline.Counters.ImprovementsDeployed)
}
