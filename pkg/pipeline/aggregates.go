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

// Package pipeline moves traces from the observability backend into rolling
// quality aggregates: the Ingestor polls and queues raw runs, the Processor
// drains them in batches, scores them, and hands the updated picture to the
// threshold monitor.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/quality"
)

const (
	// DefaultRingSize is how many recent traces each per-group mean covers.
	DefaultRingSize = 500

	// DefaultDailyRetention is how many days of daily aggregates stay in
	// memory.
	DefaultDailyRetention = 30

	// DefaultAlpha is the EMA smoothing factor applied to each batch mean.
	DefaultAlpha = 0.2

	dayFormat = "2006-01-02"
)

// Counters are the pipeline's monotonic event counts.
type Counters struct {
	TracesProcessed        int64 `json:"traces_processed"`
	QualityChecks          int64 `json:"quality_checks"`
	OptimizationsTriggered int64 `json:"optimizations_triggered"`
	ImprovementsDeployed   int64 `json:"improvements_deployed"`
	TracesDropped          int64 `json:"traces_dropped"`
	ShapeErrors            int64 `json:"shape_errors"`
	InternalErrors         int64 `json:"internal_errors"`
}

// GroupStats summarizes one model, provider, or spectrum ring.
type GroupStats struct {
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// DailyAgg accumulates one day of quality observations.
type DailyAgg struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

// DayStat is one day of the quality series, ready for forecasting.
type DayStat struct {
	Day   time.Time
	Mean  float64
	Count int
}

// Snapshot is a point-in-time copy of the aggregates, safe to read without
// holding any lock.
type Snapshot struct {
	OverallQuality float64               `json:"overall_quality"`
	Models         map[string]GroupStats `json:"models"`
	Providers      map[string]GroupStats `json:"providers"`
	Spectrums      map[string]GroupStats `json:"spectrums"`
	Daily          map[string]DailyAgg   `json:"daily"`
	Counters       Counters              `json:"counters"`
	LastBatchAt    time.Time             `json:"last_batch_at"`
}

// AggregatesConfig configures the rolling aggregates.
type AggregatesConfig struct {
	// RingSize is the per-group window length. Defaults to DefaultRingSize.
	RingSize int

	// DailyRetention is how many days stay in the in-memory daily map.
	// Defaults to DefaultDailyRetention.
	DailyRetention int

	// Alpha is the EMA smoothing factor. Defaults to DefaultAlpha.
	Alpha float64

	// DB archives daily rows so forecasts survive restarts. Optional.
	DB *sql.DB

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger

	// now is a test seam.
	now func() time.Time
}

// Aggregates holds the rolling quality picture under a single mutex. Writers
// are the processor and the counter increments; readers take snapshots.
type Aggregates struct {
	config AggregatesConfig

	mu        sync.Mutex
	overall   float64
	seeded    bool
	models    map[string]*ring
	providers map[string]*ring
	spectrums map[string]*ring
	daily     map[string]*DailyAgg
	counters  Counters
	lastBatch time.Time
}

// NewAggregates fills defaults and, when an archive database is configured,
// creates its table.
func NewAggregates(ctx context.Context, config AggregatesConfig) (*Aggregates, error) {
	if config.RingSize <= 0 {
		config.RingSize = DefaultRingSize
	}
	if config.DailyRetention <= 0 {
		config.DailyRetention = DefaultDailyRetention
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		config.Alpha = DefaultAlpha
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.now == nil {
		config.now = time.Now
	}

	if config.DB != nil {
		if err := initArchive(ctx, config.DB); err != nil {
			return nil, err
		}
	}

	return &Aggregates{
		config:    config,
		models:    make(map[string]*ring),
		providers: make(map[string]*ring),
		spectrums: make(map[string]*ring),
		daily:     make(map[string]*DailyAgg),
	}, nil
}

func initArchive(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS daily_quality (
		day TEXT PRIMARY KEY,      -- YYYY-MM-DD, UTC
		total REAL NOT NULL,       -- sum of quality scores
		samples INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize daily quality archive: %w", err)
	}
	return nil
}

// Observe folds one evaluated batch into the aggregates and archives the
// touched daily rows.
func (ag *Aggregates) Observe(ctx context.Context, batch []quality.Assessment) {
	if len(batch) == 0 {
		return
	}
	now := ag.config.now().UTC()

	ag.mu.Lock()
	sum := 0.0
	touched := make(map[string]DailyAgg)
	for _, a := range batch {
		sum += a.Quality

		if a.Model != "" {
			ag.ring(ag.models, a.Model).push(a.Quality)
		}
		if a.Provider != "" {
			ag.ring(ag.providers, a.Provider).push(a.Quality)
		}
		if a.Spectrum != "" {
			ag.ring(ag.spectrums, a.Spectrum).push(a.Quality)
		}

		ts := a.Timestamp
		if ts.IsZero() {
			ts = now
		}
		day := ts.UTC().Format(dayFormat)
		agg, ok := ag.daily[day]
		if !ok {
			agg = &DailyAgg{}
			ag.daily[day] = agg
		}
		agg.Sum += a.Quality
		agg.Count++
		touched[day] = *agg

		ag.counters.TracesProcessed++
		ag.counters.QualityChecks++
	}

	batchMean := sum / float64(len(batch))
	if !ag.seeded {
		ag.overall = batchMean
		ag.seeded = true
	} else {
		ag.overall = ag.config.Alpha*batchMean + (1-ag.config.Alpha)*ag.overall
	}
	ag.lastBatch = now

	ag.evictOldDaysLocked(now)
	ag.mu.Unlock()

	ag.archive(ctx, touched, now)
}

// evictOldDaysLocked drops daily buckets beyond the retention window.
func (ag *Aggregates) evictOldDaysLocked(now time.Time) {
	cutoff := now.AddDate(0, 0, -ag.config.DailyRetention).Format(dayFormat)
	for day := range ag.daily {
		if day < cutoff {
			delete(ag.daily, day)
		}
	}
}

// archive upserts the touched daily rows. Archive failures degrade forecasts
// after a restart but never the live pipeline.
func (ag *Aggregates) archive(ctx context.Context, touched map[string]DailyAgg, now time.Time) {
	if ag.config.DB == nil || len(touched) == 0 {
		return
	}
	for day, agg := range touched {
		_, err := ag.config.DB.ExecContext(ctx, `
			INSERT OR REPLACE INTO daily_quality (day, total, samples, updated_at)
			VALUES (?, ?, ?, ?)`,
			day, agg.Sum, agg.Count, now.Unix())
		if err != nil {
			ag.config.Logger.Warn("failed to archive daily quality",
				zap.String("day", day), zap.Error(err))
		}
	}
}

func (ag *Aggregates) ring(rings map[string]*ring, key string) *ring {
	r, ok := rings[key]
	if !ok {
		r = newRing(ag.config.RingSize)
		rings[key] = r
	}
	return r
}

// Snapshot returns a deep copy for lock-free reading.
func (ag *Aggregates) Snapshot() Snapshot {
	ag.mu.Lock()
	defer ag.mu.Unlock()

	snap := Snapshot{
		OverallQuality: ag.overall,
		Models:         groupStats(ag.models),
		Providers:      groupStats(ag.providers),
		Spectrums:      groupStats(ag.spectrums),
		Daily:          make(map[string]DailyAgg, len(ag.daily)),
		Counters:       ag.counters,
		LastBatchAt:    ag.lastBatch,
	}
	for day, agg := range ag.daily {
		snap.Daily[day] = *agg
	}
	return snap
}

func groupStats(rings map[string]*ring) map[string]GroupStats {
	out := make(map[string]GroupStats, len(rings))
	for key, r := range rings {
		out[key] = GroupStats{Mean: r.mean(), Count: r.count()}
	}
	return out
}

// DailyHistory merges the archive with the in-memory daily map (memory wins
// per day) and returns the series oldest first. Archive read failures fall
// back to memory alone.
func (ag *Aggregates) DailyHistory(ctx context.Context, days int) ([]DayStat, error) {
	if days <= 0 {
		days = ag.config.DailyRetention
	}
	cutoff := ag.config.now().UTC().AddDate(0, 0, -days).Format(dayFormat)

	merged := make(map[string]DailyAgg)
	if ag.config.DB != nil {
		rows, err := ag.config.DB.QueryContext(ctx, `
			SELECT day, total, samples FROM daily_quality WHERE day >= ?`, cutoff)
		if err != nil {
			ag.config.Logger.Warn("failed to read daily quality archive", zap.Error(err))
		} else {
			defer rows.Close()
			for rows.Next() {
				var day string
				var agg DailyAgg
				if err := rows.Scan(&day, &agg.Sum, &agg.Count); err != nil {
					return nil, fmt.Errorf("failed to scan daily quality row: %w", err)
				}
				merged[day] = agg
			}
			if err := rows.Err(); err != nil {
				return nil, fmt.Errorf("failed to read daily quality archive: %w", err)
			}
		}
	}

	ag.mu.Lock()
	for day, agg := range ag.daily {
		if day >= cutoff {
			merged[day] = *agg
		}
	}
	ag.mu.Unlock()

	out := make([]DayStat, 0, len(merged))
	for day, agg := range merged {
		parsed, err := time.ParseInLocation(dayFormat, day, time.UTC)
		if err != nil || agg.Count == 0 {
			continue
		}
		out = append(out, DayStat{Day: parsed, Mean: agg.Sum / float64(agg.Count), Count: agg.Count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// PruneArchive deletes archived daily rows older than keepDays. Run from the
// maintenance schedule; a no-op without an archive database.
func (ag *Aggregates) PruneArchive(ctx context.Context, keepDays int) (int64, error) {
	if ag.config.DB == nil {
		return 0, nil
	}
	if keepDays <= 0 {
		keepDays = DefaultDailyRetention
	}
	cutoff := ag.config.now().UTC().AddDate(0, 0, -keepDays).Format(dayFormat)

	res, err := ag.config.DB.ExecContext(ctx,
		`DELETE FROM daily_quality WHERE day < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune daily quality archive: %w", err)
	}
	pruned, _ := res.RowsAffected()
	return pruned, nil
}

// Counter increments. All take the single mutex; callers are on slow paths.

func (ag *Aggregates) IncrDropped() {
	ag.mu.Lock()
	ag.counters.TracesDropped++
	ag.mu.Unlock()
}

func (ag *Aggregates) IncrShapeErrors() {
	ag.mu.Lock()
	ag.counters.ShapeErrors++
	ag.mu.Unlock()
}

func (ag *Aggregates) IncrInternalErrors() {
	ag.mu.Lock()
	ag.counters.InternalErrors++
	ag.mu.Unlock()
}

func (ag *Aggregates) IncrOptimizationsTriggered() {
	ag.mu.Lock()
	ag.counters.OptimizationsTriggered++
	ag.mu.Unlock()
}

func (ag *Aggregates) IncrImprovementsDeployed() {
	ag.mu.Lock()
	ag.counters.ImprovementsDeployed++
	ag.mu.Unlock()
}

// ring is a fixed-size overwrite buffer of quality scores.
type ring struct {
	values []float64
	next   int
	filled bool
}

func newRing(size int) *ring {
	return &ring{values: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.values[r.next] = v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *ring) count() int {
	if r.filled {
		return len(r.values)
	}
	return r.next
}

func (r *ring) mean() float64 {
	n := r.count()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += r.values[i]
	}
	return sum / float64(n)
}
