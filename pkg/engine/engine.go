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

// Package engine composes the control plane. New wires the backend client,
// evaluation pipeline, threshold monitor, improvement orchestrator, audit
// log, and the maintenance schedule into one unit; Start and Stop run the
// whole assembly as a single lifecycle. The HTTP adapter talks to an Engine,
// never to the components underneath it.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/analysis"
	"github.com/teradata-labs/perch/pkg/audit"
	"github.com/teradata-labs/perch/pkg/events"
	"github.com/teradata-labs/perch/pkg/feedback"
	"github.com/teradata-labs/perch/pkg/learning"
	"github.com/teradata-labs/perch/pkg/monitor"
	"github.com/teradata-labs/perch/pkg/obs"
	"github.com/teradata-labs/perch/pkg/orchestrator"
	"github.com/teradata-labs/perch/pkg/patterns"
	"github.com/teradata-labs/perch/pkg/pipeline"
	"github.com/teradata-labs/perch/pkg/quality"
	"github.com/teradata-labs/perch/pkg/storage"
)

const (
	// DefaultQualityThreshold is the alerting floor and the forecast
	// intervention bound.
	DefaultQualityThreshold = 0.90

	// DefaultArchiveKeepDays is how long pruning keeps archived daily rows.
	DefaultArchiveKeepDays = 90

	// DefaultOutcomeKeepDays is how long compaction keeps raw learning
	// outcomes.
	DefaultOutcomeKeepDays = 90

	// Maintenance schedule. Database jobs run in the quiet early hours,
	// staggered so they never contend; the liveness summary is hourly.
	archivePruneSpec    = "10 3 * * *"
	learningCompactSpec = "25 3 * * *"
	livenessSpec        = "@every 1h"

	// maintenanceTimeout bounds each maintenance job's database work.
	maintenanceTimeout = time.Minute
)

// Config carries the resolved runtime configuration. The cmd layer builds it
// from flags, environment, and config file; tests build it directly.
type Config struct {
	// BaseURL is the observability backend root. Defaults to the managed
	// backend.
	BaseURL string

	// APIKey authenticates against the backend. Required.
	APIKey string

	// OrgID scopes backend calls to one organization. Required.
	OrgID string

	// RateLimitPerMinute caps backend requests per sliding minute.
	RateLimitPerMinute int

	// FallbackTablePath points at an optional YAML endpoint-fallback table,
	// hot-reloaded on change.
	FallbackTablePath string

	// QualityThreshold is the healthy floor: the monitor's lowest alert
	// bound and the predictor's intervention bound.
	// Defaults to DefaultQualityThreshold.
	QualityThreshold float64

	// CooldownPeriod spaces improvement cycles apart.
	CooldownPeriod time.Duration

	// PollInterval, BatchSize, ChanCapacity, and Sessions tune the trace
	// pipeline; zero values take the pipeline defaults.
	PollInterval time.Duration
	BatchSize    int
	ChanCapacity int
	Sessions     []string

	// AuditMemSize bounds the in-memory change window.
	AuditMemSize int

	// AuditPath is the durable history file. Ignored when AuditKVURL is set.
	AuditPath string

	// AuditKVURL selects the shared KV history store (redis URL).
	AuditKVURL string

	// DBDriver and DBDSN select the relational store backing the learning
	// history and the daily quality archive. Default to sqlite + perch.db.
	DBDriver string
	DBDSN    string

	// ArchiveKeepDays and OutcomeKeepDays set the maintenance retention
	// windows.
	ArchiveKeepDays int
	OutcomeKeepDays int

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Engine owns every component of the control plane.
type Engine struct {
	config     Config
	logger     *zap.Logger
	thresholds monitor.Thresholds

	bus        *events.Bus
	client     *obs.Client
	db         *sql.DB
	evaluator  *quality.Evaluator
	aggregates *pipeline.Aggregates
	auditLog   *audit.Log
	index      *patterns.Index
	collector  *feedback.Collector
	learnStore *learning.SQLStore
	learner    *learning.MetaLearner
	delta      *analysis.DeltaAnalyzer
	predictor  *analysis.Predictor
	cooldown   *monitor.Cooldown
	orch       *orchestrator.Orchestrator
	monitor    *monitor.Monitor
	ingestor   *pipeline.Ingestor
	processor  *pipeline.Processor
	cron       *cron.Cron

	started atomic.Bool
	stopped atomic.Bool

	mu        sync.Mutex
	startedAt time.Time
}

// patternSink narrows the index's Consider to the processor's sink contract.
type patternSink struct {
	index *patterns.Index
}

var _ pipeline.PatternSink = patternSink{}

func (s patternSink) Consider(ctx context.Context, run obs.Run, a quality.Assessment) (bool, error) {
	_, added, err := s.index.Consider(ctx, run, a)
	return added, err
}

// dailySeries adapts the aggregates' day series to the predictor's input.
type dailySeries struct {
	aggregates *pipeline.Aggregates
}

var _ analysis.SeriesSource = dailySeries{}

func (s dailySeries) DailyQuality(ctx context.Context, days int) ([]analysis.DailyPoint, error) {
	stats, err := s.aggregates.DailyHistory(ctx, days)
	if err != nil {
		return nil, err
	}
	out := make([]analysis.DailyPoint, len(stats))
	for i, st := range stats {
		out[i] = analysis.DailyPoint{Date: st.Day, Mean: st.Mean, Count: st.Count}
	}
	return out, nil
}

// New builds the full component graph. Nothing polls or processes until
// Start; the audit writer and the learning flush loop do begin immediately so
// history and priors are live for early triggers.
func New(ctx context.Context, config Config) (*Engine, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("backend API key is required")
	}
	if config.OrgID == "" {
		return nil, fmt.Errorf("backend organization ID is required")
	}
	if config.QualityThreshold == 0 {
		config.QualityThreshold = DefaultQualityThreshold
	}
	if config.QualityThreshold <= 0 || config.QualityThreshold > 1 {
		return nil, fmt.Errorf("quality threshold must be in (0, 1], got %v", config.QualityThreshold)
	}
	if config.ArchiveKeepDays <= 0 {
		config.ArchiveKeepDays = DefaultArchiveKeepDays
	}
	if config.OutcomeKeepDays <= 0 {
		config.OutcomeKeepDays = DefaultOutcomeKeepDays
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	thresholds := monitor.DefaultThresholds()
	thresholds.Low = config.QualityThreshold

	e := &Engine{config: config, logger: config.Logger, thresholds: thresholds}

	// Unwind a partially built graph if any later step fails.
	built := false
	defer func() {
		if !built {
			e.closeComponents(context.Background())
		}
	}()

	var err error
	e.bus = events.NewBus(config.Logger)

	var fallbacks *obs.FallbackTable
	if config.FallbackTablePath != "" {
		fallbacks, err = obs.LoadFallbackTable(config.FallbackTablePath, config.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback table: %w", err)
		}
		if watchErr := fallbacks.Watch(); watchErr != nil {
			config.Logger.Warn("fallback table hot reload unavailable", zap.Error(watchErr))
		}
	}

	e.client, err = obs.NewClient(obs.Config{
		BaseURL:            config.BaseURL,
		APIKey:             config.APIKey,
		OrgID:              config.OrgID,
		RateLimitPerMinute: config.RateLimitPerMinute,
		Fallbacks:          fallbacks,
		Logger:             config.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.db, err = storage.Open(ctx, storage.Config{Driver: config.DBDriver, DSN: config.DBDSN})
	if err != nil {
		return nil, err
	}

	e.evaluator = quality.NewEvaluator(quality.Config{Logger: config.Logger})

	e.aggregates, err = pipeline.NewAggregates(ctx, pipeline.AggregatesConfig{
		DB:     e.db,
		Logger: config.Logger,
	})
	if err != nil {
		return nil, err
	}

	var store audit.Store
	if config.AuditKVURL != "" {
		store, err = audit.NewRedisStore(ctx, config.AuditKVURL)
		if err != nil {
			return nil, err
		}
	} else {
		store = audit.NewFileStore(config.AuditPath)
	}
	e.auditLog, err = audit.Open(ctx, audit.Config{
		Store:   store,
		MemSize: config.AuditMemSize,
		Bus:     e.bus,
		Logger:  config.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.index, err = patterns.NewIndex(patterns.Config{Backend: e.client, Logger: config.Logger})
	if err != nil {
		return nil, err
	}

	e.collector = feedback.NewCollector(feedback.Config{Backend: e.client, Logger: config.Logger})

	e.learnStore = learning.NewSQLStore(e.db, 0, config.Logger)
	if err = e.learnStore.Start(ctx); err != nil {
		return nil, err
	}
	e.learner, err = learning.NewMetaLearner(ctx, learning.Config{
		Store:  e.learnStore,
		Logger: config.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.delta, err = analysis.NewDeltaAnalyzer(analysis.DeltaConfig{
		Source:    e.client,
		Evaluator: e.evaluator,
		Logger:    config.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.predictor, err = analysis.NewPredictor(analysis.PredictorConfig{
		Series:    dailySeries{aggregates: e.aggregates},
		Threshold: config.QualityThreshold,
		Logger:    config.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.cooldown = monitor.NewCooldown(config.CooldownPeriod)

	e.orch, err = orchestrator.New(orchestrator.Config{
		Audit:      e.auditLog,
		Cooldown:   e.cooldown,
		State:      e.aggregates,
		Delta:      e.delta,
		Patterns:   e.index,
		Strategies: e.learner,
		Feedback:   e.collector,
		Forecast:   e.predictor,
		Logger:     config.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.monitor, err = monitor.NewMonitor(monitor.Config{
		Thresholds: thresholds,
		Cooldown:   e.cooldown,
		Events:     e.bus,
		Trigger:    e.orch.TriggerAsync,
		Logger:     config.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.ingestor, err = pipeline.NewIngestor(pipeline.IngestorConfig{
		Source:       e.client,
		Aggregates:   e.aggregates,
		Sessions:     config.Sessions,
		PollInterval: config.PollInterval,
		BatchSize:    config.BatchSize,
		ChanCapacity: config.ChanCapacity,
		Logger:       config.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.processor, err = pipeline.NewProcessor(pipeline.ProcessorConfig{
		Traces:     e.ingestor.Runs(),
		Evaluator:  e.evaluator,
		Aggregates: e.aggregates,
		BatchSize:  config.BatchSize,
		Monitor:    e.monitor,
		Patterns:   patternSink{index: e.index},
		Logger:     config.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.cron = cron.New()
	for _, job := range []struct {
		spec string
		run  func()
	}{
		{archivePruneSpec, e.pruneArchive},
		{learningCompactSpec, e.compactLearning},
		{livenessSpec, e.logLiveness},
	} {
		if _, err = e.cron.AddFunc(job.spec, job.run); err != nil {
			return nil, fmt.Errorf("failed to schedule maintenance job: %w", err)
		}
	}

	built = true
	return e, nil
}

// Start probes the backend, launches the pipeline and the maintenance
// schedule, and arms the monitor — in that order, so the first batch cannot
// trigger into a half-built system.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	// Reachability is reported, never required: the client degrades to
	// fallbacks on its own.
	if stats, err := e.client.GetWorkspaceStats(ctx); err != nil {
		e.logger.Warn("backend probe failed at startup", zap.Error(err))
	} else {
		e.logger.Info("backend reachable",
			zap.Int64("run_count", stats.RunCount),
			zap.Float64("error_rate", stats.ErrorRate))
	}

	e.processor.Start()
	e.ingestor.Start()
	e.cron.Start()
	e.monitor.Arm()

	e.logger.Info("engine started",
		zap.Float64("quality_threshold", e.config.QualityThreshold),
		zap.Duration("cooldown", e.cooldown.Period()),
		zap.String("audit_store", e.auditLog.Summary().Store))
	return nil
}

// Stop shuts the assembly down: intake first so the queue drains instead of
// refilling, then the processor, the maintenance schedule, the orchestrator
// (bounded by ctx), and finally the stores and the backend client.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if e.monitor != nil {
		e.monitor.Disarm()
	}
	if e.ingestor != nil {
		if err := e.ingestor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.processor != nil {
		if err := e.processor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.cron != nil {
		select {
		case <-e.cron.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("maintenance jobs did not finish in time: %w", ctx.Err()))
		}
	}
	if e.orch != nil {
		if err := e.orch.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.closeComponents(ctx)...)

	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// closeComponents releases everything New acquired, tolerating a partially
// built graph. Shared by Stop and by New's failure path.
func (e *Engine) closeComponents(ctx context.Context) []error {
	var errs []error
	if e.learner != nil {
		if err := e.learner.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if e.learnStore != nil {
		if err := e.learnStore.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.auditLog != nil {
		if err := e.auditLog.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.bus != nil {
		if err := e.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Maintenance jobs. Cron runs each on its own goroutine; every job bounds its
// own database work.

func (e *Engine) pruneArchive() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()
	pruned, err := e.aggregates.PruneArchive(ctx, e.config.ArchiveKeepDays)
	if err != nil {
		e.logger.Warn("failed to prune daily quality archive", zap.Error(err))
		return
	}
	if pruned > 0 {
		e.logger.Info("daily quality archive pruned", zap.Int64("rows", pruned))
	}
}

func (e *Engine) compactLearning() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()
	before := time.Now().AddDate(0, 0, -e.config.OutcomeKeepDays)
	compacted, err := e.learnStore.Compact(ctx, before)
	if err != nil {
		e.logger.Warn("failed to compact learning outcomes", zap.Error(err))
		return
	}
	if compacted > 0 {
		e.logger.Info("learning outcomes compacted", zap.Int64("rows", compacted))
	}
}

func (e *Engine) logLiveness() {
	snap := e.aggregates.Snapshot()
	tier, _ := e.thresholds.Tier(snap.OverallQuality)
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()

	e.logger.Info("control plane liveness",
		zap.Float64("overall_quality", snap.OverallQuality),
		zap.String("tier", tier),
		zap.Int64("traces_processed", snap.Counters.TracesProcessed),
		zap.Int64("traces_dropped", snap.Counters.TracesDropped),
		zap.Bool("audit_degraded", e.auditLog.Degraded()),
		zap.Duration("uptime", time.Since(startedAt).Round(time.Second)))
}
