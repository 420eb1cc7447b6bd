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

// Package learning ranks optimization strategies by how well they worked in
// similar situations before. The catalog is fixed; effectiveness scores move
// with observed outcomes and survive restarts through a SQL store.
package learning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Strategy catalog. Names are part of the audit record format and must not
// change between releases.
const (
	StrategyDeltaAnalysis        = "delta_analysis"
	StrategyABTesting            = "ab_testing"
	StrategyPatternReinforcement = "pattern_reinforcement"
	StrategyMetaLearning         = "meta_learning"
	StrategyAdversarialTesting   = "adversarial_testing"
	StrategyMultiObjective       = "multi_objective"
)

const (
	// DefaultAlpha weights a new outcome against accumulated effectiveness.
	DefaultAlpha = 0.2

	// MinSimilarity is the floor below which a strategy is not considered
	// applicable to the queried context.
	MinSimilarity = 0.5

	// RankTopK bounds how many strategies Rank returns.
	RankTopK = 3

	// priorQuality is the context quality assumed for strategies that have
	// never been applied.
	priorQuality = 0.85
)

// defaultPriors seed the catalog before any outcome has been observed.
var defaultPriors = map[string]float64{
	StrategyDeltaAnalysis:        0.85,
	StrategyPatternReinforcement: 0.80,
	StrategyABTesting:            0.75,
	StrategyMetaLearning:         0.70,
	StrategyMultiObjective:       0.65,
	StrategyAdversarialTesting:   0.60,
}

// Context describes the situation a strategy is ranked against or applied in.
type Context struct {
	Model    string
	Spectrum string
	Quality  float64
}

// Strategy is a catalog entry with its learned effectiveness.
type Strategy struct {
	Name          string
	Context       Context // context of the most recent application
	Effectiveness float64 // in [0,1]
	SampleSize    int
	Confidence    float64 // min(1, SampleSize/10)
	UpdatedAt     time.Time
}

// Ranked pairs a strategy with its fit for a queried context.
type Ranked struct {
	Strategy
	Similarity float64
	Score      float64 // Effectiveness * Similarity
}

// Outcome is one observed application of a strategy.
type Outcome struct {
	Strategy   string
	Context    Context
	Success    bool
	Impact     float64
	RecordedAt time.Time
}

// Store persists strategy effectiveness between runs. Record must not block;
// implementations buffer and flush in the background.
type Store interface {
	Load(ctx context.Context) ([]Strategy, error)
	Record(strategy Strategy, outcome Outcome)
	Close(ctx context.Context) error
}

// Config configures a MetaLearner.
type Config struct {
	// Store persists effectiveness. Optional; nil keeps state in memory only.
	Store Store

	// Alpha is the EMA smoothing factor for RecordOutcome.
	// Defaults to DefaultAlpha.
	Alpha float64

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger
}

// MetaLearner holds the strategy catalog and answers "what worked here
// before". Safe for concurrent use.
type MetaLearner struct {
	store  Store
	alpha  float64
	logger *zap.Logger

	mu         sync.RWMutex
	strategies map[string]*Strategy
}

// NewMetaLearner seeds the catalog with default priors and, when a store is
// configured, overlays effectiveness persisted by earlier runs.
func NewMetaLearner(ctx context.Context, config Config) (*MetaLearner, error) {
	if config.Alpha <= 0 || config.Alpha >= 1 {
		config.Alpha = DefaultAlpha
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	m := &MetaLearner{
		store:      config.Store,
		alpha:      config.Alpha,
		logger:     config.Logger,
		strategies: make(map[string]*Strategy, len(defaultPriors)),
	}
	for name, prior := range defaultPriors {
		m.strategies[name] = &Strategy{
			Name:          name,
			Context:       Context{Quality: priorQuality},
			Effectiveness: prior,
		}
	}

	if config.Store != nil {
		persisted, err := config.Store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load strategy effectiveness: %w", err)
		}
		for _, s := range persisted {
			if _, ok := m.strategies[s.Name]; !ok {
				m.logger.Warn("ignoring persisted strategy outside the catalog",
					zap.String("strategy", s.Name))
				continue
			}
			loaded := s
			m.strategies[s.Name] = &loaded
		}
		m.logger.Info("strategy effectiveness loaded",
			zap.Int("persisted", len(persisted)))
	}

	return m, nil
}

// Similarity scores how well a strategy's learned context fits the queried
// one: 0.3 for a model match, 0.4 for a spectrum match, and up to 0.3 for
// quality proximity. Context fields a strategy has not learned yet act as
// wildcards.
func Similarity(have, want Context) float64 {
	score := 0.0
	if have.Model == "" || have.Model == want.Model {
		score += 0.3
	}
	if have.Spectrum == "" || have.Spectrum == want.Spectrum {
		score += 0.4
	}
	delta := have.Quality - want.Quality
	if delta < 0 {
		delta = -delta
	}
	score += (1 - delta) * 0.3
	return score
}

// Rank returns the catalog entries applicable to the context, best first:
// similarity at least MinSimilarity, ordered by effectiveness times
// similarity, capped at RankTopK. Ties break on name so equal inputs always
// return the same list.
func (m *MetaLearner) Rank(want Context) []Ranked {
	m.mu.RLock()
	out := make([]Ranked, 0, len(m.strategies))
	for _, s := range m.strategies {
		sim := Similarity(s.Context, want)
		if sim < MinSimilarity {
			continue
		}
		out = append(out, Ranked{
			Strategy:   *s,
			Similarity: sim,
			Score:      s.Effectiveness * sim,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > RankTopK {
		out = out[:RankTopK]
	}
	return out
}

// RecordOutcome folds one observed application into the strategy's
// effectiveness. Success moves the score toward the impact (full credit when
// impact is unknown), failure moves it toward zero. The update is forwarded
// to the store without blocking.
func (m *MetaLearner) RecordOutcome(name string, c Context, success bool, impact float64) (Strategy, error) {
	m.mu.Lock()
	s, ok := m.strategies[name]
	if !ok {
		m.mu.Unlock()
		return Strategy{}, fmt.Errorf("unknown strategy %q", name)
	}

	observed := 0.0
	if success {
		observed = 1.0
		if impact > 0 {
			observed = clamp01(impact)
		}
	}
	s.Effectiveness = (1-m.alpha)*s.Effectiveness + m.alpha*observed
	s.SampleSize++
	s.Confidence = confidence(s.SampleSize)
	s.Context = c
	s.UpdatedAt = time.Now().UTC()
	updated := *s
	m.mu.Unlock()

	if m.store != nil {
		m.store.Record(updated, Outcome{
			Strategy:   name,
			Context:    c,
			Success:    success,
			Impact:     impact,
			RecordedAt: updated.UpdatedAt,
		})
	}

	m.logger.Debug("strategy outcome recorded",
		zap.String("strategy", name),
		zap.Bool("success", success),
		zap.Float64("effectiveness", updated.Effectiveness),
		zap.Int("sample_size", updated.SampleSize))
	return updated, nil
}

// Strategies returns a snapshot of the catalog sorted by name.
func (m *MetaLearner) Strategies() []Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases the store, flushing anything still buffered.
func (m *MetaLearner) Close(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Close(ctx)
}

func confidence(sampleSize int) float64 {
	c := float64(sampleSize) / 10
	if c > 1 {
		return 1
	}
	return c
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
