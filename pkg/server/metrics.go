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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teradata-labs/perch/pkg/pipeline"
)

// planeCollector exports the status snapshot as prometheus metrics. Collect
// reads live component state, so each scrape costs one Snapshot call.
type planeCollector struct {
	plane ControlPlane

	overallQuality *prometheus.Desc
	groupQuality   *prometheus.Desc
	groupSamples   *prometheus.Desc

	tracesProcessed        *prometheus.Desc
	qualityChecks          *prometheus.Desc
	optimizationsTriggered *prometheus.Desc
	improvementsDeployed   *prometheus.Desc
	tracesDropped          *prometheus.Desc
	shapeErrors            *prometheus.Desc
	internalErrors         *prometheus.Desc

	backendRequests  *prometheus.Desc
	backendRetries   *prometheus.Desc
	backendThrottled *prometheus.Desc
	backendFallbacks *prometheus.Desc
	breakerOpen      *prometheus.Desc

	auditRecords     *prometheus.Desc
	auditSuccessRate *prometheus.Desc
	auditDegraded    *prometheus.Desc

	monitoringActive *prometheus.Desc
	cooldownReady    *prometheus.Desc

	patternsIndexed *prometheus.Desc
	patternsDeduped *prometheus.Desc

	busPublished   *prometheus.Desc
	busDelivered   *prometheus.Desc
	busDropped     *prometheus.Desc
	busSubscribers *prometheus.Desc
}

var _ prometheus.Collector = (*planeCollector)(nil)

func newPlaneCollector(plane ControlPlane) *planeCollector {
	return &planeCollector{
		plane: plane,
		overallQuality: prometheus.NewDesc("perch_overall_quality",
			"Mean quality across the rolling window.", nil, nil),
		groupQuality: prometheus.NewDesc("perch_group_quality",
			"Per-group mean quality.", []string{"dimension", "name"}, nil),
		groupSamples: prometheus.NewDesc("perch_group_samples",
			"Per-group rolling window occupancy.", []string{"dimension", "name"}, nil),
		tracesProcessed: prometheus.NewDesc("perch_traces_processed_total",
			"Traces pulled through the pipeline.", nil, nil),
		qualityChecks: prometheus.NewDesc("perch_quality_checks_total",
			"Quality assessments performed.", nil, nil),
		optimizationsTriggered: prometheus.NewDesc("perch_optimizations_triggered_total",
			"Improvement cycles started.", nil, nil),
		improvementsDeployed: prometheus.NewDesc("perch_improvements_deployed_total",
			"Improvement cycles that deployed changes.", nil, nil),
		tracesDropped: prometheus.NewDesc("perch_traces_dropped_total",
			"Traces dropped under backpressure.", nil, nil),
		shapeErrors: prometheus.NewDesc("perch_trace_shape_errors_total",
			"Traces rejected for malformed payloads.", nil, nil),
		internalErrors: prometheus.NewDesc("perch_internal_errors_total",
			"Internal pipeline errors.", nil, nil),
		backendRequests: prometheus.NewDesc("perch_backend_requests_total",
			"Requests sent to the observability backend.", nil, nil),
		backendRetries: prometheus.NewDesc("perch_backend_retries_total",
			"Backend requests retried.", nil, nil),
		backendThrottled: prometheus.NewDesc("perch_backend_throttled_total",
			"Requests delayed by the client rate limiter.", nil, nil),
		backendFallbacks: prometheus.NewDesc("perch_backend_fallbacks_total",
			"Fallback responses served instead of backend data.", []string{"kind"}, nil),
		breakerOpen: prometheus.NewDesc("perch_backend_breaker_open",
			"1 while the backend circuit breaker is open.", nil, nil),
		auditRecords: prometheus.NewDesc("perch_audit_records",
			"Change records in the durable history.", nil, nil),
		auditSuccessRate: prometheus.NewDesc("perch_audit_success_rate",
			"Fraction of optimization cycles that succeeded.", nil, nil),
		auditDegraded: prometheus.NewDesc("perch_audit_degraded",
			"1 once the change history is read-only.", nil, nil),
		monitoringActive: prometheus.NewDesc("perch_monitoring_active",
			"1 while the quality monitor is armed.", nil, nil),
		cooldownReady: prometheus.NewDesc("perch_cooldown_ready",
			"1 when a trigger would not be refused by the cooldown.", nil, nil),
		patternsIndexed: prometheus.NewDesc("perch_patterns_indexed_total",
			"Patterns admitted to the high-quality index.", nil, nil),
		patternsDeduped: prometheus.NewDesc("perch_patterns_deduplicated_total",
			"Pattern candidates dropped as duplicates.", nil, nil),
		busPublished: prometheus.NewDesc("perch_bus_events_published_total",
			"Events published on the internal bus.", nil, nil),
		busDelivered: prometheus.NewDesc("perch_bus_events_delivered_total",
			"Event deliveries to bus subscribers.", nil, nil),
		busDropped: prometheus.NewDesc("perch_bus_events_dropped_total",
			"Events dropped on full subscriber buffers.", nil, nil),
		busSubscribers: prometheus.NewDesc("perch_bus_subscribers",
			"Active bus subscriptions.", nil, nil),
	}
}

func (c *planeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.overallQuality
	ch <- c.groupQuality
	ch <- c.groupSamples
	ch <- c.tracesProcessed
	ch <- c.qualityChecks
	ch <- c.optimizationsTriggered
	ch <- c.improvementsDeployed
	ch <- c.tracesDropped
	ch <- c.shapeErrors
	ch <- c.internalErrors
	ch <- c.backendRequests
	ch <- c.backendRetries
	ch <- c.backendThrottled
	ch <- c.backendFallbacks
	ch <- c.breakerOpen
	ch <- c.auditRecords
	ch <- c.auditSuccessRate
	ch <- c.auditDegraded
	ch <- c.monitoringActive
	ch <- c.cooldownReady
	ch <- c.patternsIndexed
	ch <- c.patternsDeduped
	ch <- c.busPublished
	ch <- c.busDelivered
	ch <- c.busDropped
	ch <- c.busSubscribers
}

func (c *planeCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.plane.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.overallQuality, prometheus.GaugeValue, st.OverallQuality)

	groups := map[string]map[string]pipeline.GroupStats{
		"model":    st.Pipeline.Models,
		"provider": st.Pipeline.Providers,
		"spectrum": st.Pipeline.Spectrums,
	}
	for dimension, stats := range groups {
		for name, g := range stats {
			ch <- prometheus.MustNewConstMetric(c.groupQuality, prometheus.GaugeValue, g.Mean, dimension, name)
			ch <- prometheus.MustNewConstMetric(c.groupSamples, prometheus.GaugeValue, float64(g.Count), dimension, name)
		}
	}

	counters := st.Pipeline.Counters
	ch <- prometheus.MustNewConstMetric(c.tracesProcessed, prometheus.CounterValue, float64(counters.TracesProcessed))
	ch <- prometheus.MustNewConstMetric(c.qualityChecks, prometheus.CounterValue, float64(counters.QualityChecks))
	ch <- prometheus.MustNewConstMetric(c.optimizationsTriggered, prometheus.CounterValue, float64(counters.OptimizationsTriggered))
	ch <- prometheus.MustNewConstMetric(c.improvementsDeployed, prometheus.CounterValue, float64(counters.ImprovementsDeployed))
	ch <- prometheus.MustNewConstMetric(c.tracesDropped, prometheus.CounterValue, float64(counters.TracesDropped))
	ch <- prometheus.MustNewConstMetric(c.shapeErrors, prometheus.CounterValue, float64(counters.ShapeErrors))
	ch <- prometheus.MustNewConstMetric(c.internalErrors, prometheus.CounterValue, float64(counters.InternalErrors))

	backend := st.Backend
	ch <- prometheus.MustNewConstMetric(c.backendRequests, prometheus.CounterValue, float64(backend.Requests))
	ch <- prometheus.MustNewConstMetric(c.backendRetries, prometheus.CounterValue, float64(backend.Retries))
	ch <- prometheus.MustNewConstMetric(c.backendThrottled, prometheus.CounterValue, float64(backend.Throttled))
	ch <- prometheus.MustNewConstMetric(c.backendFallbacks, prometheus.CounterValue, float64(backend.Fallbacks405), "method_fallback")
	ch <- prometheus.MustNewConstMetric(c.backendFallbacks, prometheus.CounterValue, float64(backend.ZeroFallbacks), "zero_value")
	ch <- prometheus.MustNewConstMetric(c.breakerOpen, prometheus.GaugeValue, boolValue(backend.BreakerState == "open"))

	ch <- prometheus.MustNewConstMetric(c.auditRecords, prometheus.GaugeValue, float64(st.Audit.TotalChanges))
	ch <- prometheus.MustNewConstMetric(c.auditSuccessRate, prometheus.GaugeValue, st.Audit.SuccessRate)
	ch <- prometheus.MustNewConstMetric(c.auditDegraded, prometheus.GaugeValue, boolValue(st.Audit.Degraded))

	ch <- prometheus.MustNewConstMetric(c.monitoringActive, prometheus.GaugeValue, boolValue(st.MonitoringActive))
	ch <- prometheus.MustNewConstMetric(c.cooldownReady, prometheus.GaugeValue, boolValue(st.CooldownReady))

	ch <- prometheus.MustNewConstMetric(c.patternsIndexed, prometheus.CounterValue, float64(st.Patterns.Indexed))
	ch <- prometheus.MustNewConstMetric(c.patternsDeduped, prometheus.CounterValue, float64(st.Patterns.Deduped))

	bus := c.plane.Events().Stats()
	ch <- prometheus.MustNewConstMetric(c.busPublished, prometheus.CounterValue, float64(bus.Published))
	ch <- prometheus.MustNewConstMetric(c.busDelivered, prometheus.CounterValue, float64(bus.Delivered))
	ch <- prometheus.MustNewConstMetric(c.busDropped, prometheus.CounterValue, float64(bus.Dropped))
	ch <- prometheus.MustNewConstMetric(c.busSubscribers, prometheus.GaugeValue, float64(bus.Subscribers))
}

// boolValue renders a probe as a 0/1 gauge.
func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
