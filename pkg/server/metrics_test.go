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
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaneCollector(t *testing.T) {
	plane := newStubPlane()
	t.Cleanup(func() { _ = plane.bus.Close() })
	c := newPlaneCollector(plane)

	expected := `
# HELP perch_monitoring_active 1 while the quality monitor is armed.
# TYPE perch_monitoring_active gauge
perch_monitoring_active 1
# HELP perch_overall_quality Mean quality across the rolling window.
# TYPE perch_overall_quality gauge
perch_overall_quality 0.88
# HELP perch_traces_processed_total Traces pulled through the pipeline.
# TYPE perch_traces_processed_total counter
perch_traces_processed_total 120
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"perch_monitoring_active", "perch_overall_quality", "perch_traces_processed_total"))
}

func TestPlaneCollector_GroupLabels(t *testing.T) {
	plane := newStubPlane()
	t.Cleanup(func() { _ = plane.bus.Close() })
	c := newPlaneCollector(plane)

	expected := `
# HELP perch_group_quality Per-group mean quality.
# TYPE perch_group_quality gauge
perch_group_quality{dimension="model",name="gpt-4o"} 0.88
perch_group_quality{dimension="provider",name="openai"} 0.88
perch_group_quality{dimension="spectrum",name="credit_analysis"} 0.88
# HELP perch_group_samples Per-group rolling window occupancy.
# TYPE perch_group_samples gauge
perch_group_samples{dimension="model",name="gpt-4o"} 40
perch_group_samples{dimension="provider",name="openai"} 40
perch_group_samples{dimension="spectrum",name="credit_analysis"} 40
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"perch_group_quality", "perch_group_samples"))
}

func TestPlaneCollector_FallbackKinds(t *testing.T) {
	plane := newStubPlane()
	t.Cleanup(func() { _ = plane.bus.Close() })
	c := newPlaneCollector(plane)

	expected := `
# HELP perch_backend_fallbacks_total Fallback responses served instead of backend data.
# TYPE perch_backend_fallbacks_total counter
perch_backend_fallbacks_total{kind="method_fallback"} 2
perch_backend_fallbacks_total{kind="zero_value"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"perch_backend_fallbacks_total"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "perch_overall_quality 0.88")
	assert.Contains(t, text, `perch_group_quality{dimension="model",name="gpt-4o"} 0.88`)
	// The event forwarder holds the only bus subscription.
	assert.Contains(t, text, "perch_bus_subscribers 1")
	assert.Contains(t, text, "perch_audit_success_rate 1")
}
