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

// Package patterns indexes high-quality responses so optimization can learn
// from what already works. Patterns live in a backend dataset; a bounded
// local mirror keeps similarity search and degraded-mode text search fast.
package patterns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/internal/csync"
	"github.com/teradata-labs/perch/pkg/obs"
	"github.com/teradata-labs/perch/pkg/quality"
)

// DefaultDatasetName is the backend dataset holding indexed patterns.
const DefaultDatasetName = "high_quality_patterns"

// DefaultMinQuality is the admission bar for the index.
const DefaultMinQuality = 0.95

// DefaultSimilarityFloor is the minimum similarity Search returns.
const DefaultSimilarityFloor = 0.85

// SearchTopK caps how many patterns Search returns.
const SearchTopK = 5

// mirrorCap bounds the local pattern mirror.
const mirrorCap = 1000

// Backend is the slice of the observability client the index needs.
type Backend interface {
	ListDatasets(ctx context.Context) ([]obs.Dataset, error)
	CreateDataset(ctx context.Context, name, description string) (obs.Dataset, error)
	AddExamples(ctx context.Context, datasetID string, examples []obs.Example) (int, error)
	SearchExamples(ctx context.Context, datasetID, query string, limit int) ([]obs.Example, error)
}

// Pattern is one indexed high-quality response.
type Pattern struct {
	PatternID string    `json:"pattern_id"`
	RunID     string    `json:"run_id"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Spectrum  string    `json:"spectrum"`
	Quality   float64   `json:"quality"`
	Summary   string    `json:"summary,omitempty"`
	AddedAt   time.Time `json:"added_at"`
}

// SearchContext describes the situation patterns are matched against.
type SearchContext struct {
	Model    string  `json:"model"`
	Spectrum string  `json:"spectrum"`
	Quality  float64 `json:"quality"`
}

// Match is a pattern with its similarity to the search context.
type Match struct {
	Pattern    Pattern `json:"pattern"`
	Similarity float64 `json:"similarity"`
}

// Stats counts index activity.
type Stats struct {
	Candidates int64 `json:"candidates"`
	Deduped    int64 `json:"deduped"`
	Indexed    int64 `json:"indexed"`
	Mirrored   int   `json:"mirrored"`
}

// Config configures the index.
type Config struct {
	// Backend stores the dataset. Required.
	Backend Backend

	// DatasetName names the backend dataset (default: DefaultDatasetName).
	DatasetName string

	// MinQuality is the admission bar (default: DefaultMinQuality).
	MinQuality float64

	// Logger for index events.
	Logger *zap.Logger
}

// Index admits, stores, and searches high-quality patterns. Safe for
// concurrent use.
type Index struct {
	backend     Backend
	datasetName string
	minQuality  float64
	logger      *zap.Logger

	seen *csync.Map[string, struct{}]

	datasetMu sync.Mutex
	datasetID string

	mirrorMu sync.RWMutex
	mirror   []Pattern

	candidates atomic.Int64
	deduped    atomic.Int64
	indexed    atomic.Int64
}

// NewIndex creates a pattern index.
func NewIndex(config Config) (*Index, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("pattern backend is required")
	}
	if config.DatasetName == "" {
		config.DatasetName = DefaultDatasetName
	}
	if config.MinQuality <= 0 {
		config.MinQuality = DefaultMinQuality
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Index{
		backend:     config.Backend,
		datasetName: config.DatasetName,
		minQuality:  config.MinQuality,
		logger:      config.Logger,
		seen:        csync.NewMap[string, struct{}](),
	}, nil
}

// PatternID derives the stable pattern identity for a run.
func PatternID(runID string) string {
	sum := sha256.Sum256([]byte(runID))
	return hex.EncodeToString(sum[:])[:16]
}

// Consider admits a run into the index if it clears the quality bar and was
// not indexed before. Returns the stored pattern when admitted.
func (ix *Index) Consider(ctx context.Context, run obs.Run, a quality.Assessment) (Pattern, bool, error) {
	if a.Quality < ix.minQuality {
		return Pattern{}, false, nil
	}
	ix.candidates.Add(1)

	id := PatternID(run.ID)
	if _, loaded := ix.seen.GetOrSet(id, struct{}{}); loaded {
		ix.deduped.Add(1)
		return Pattern{}, false, nil
	}

	datasetID, err := ix.ensureDataset(ctx)
	if err != nil {
		// Give the run another chance on the next batch.
		ix.seen.Delete(id)
		return Pattern{}, false, err
	}

	pattern := Pattern{
		PatternID: id,
		RunID:     run.ID,
		Model:     a.Model,
		Provider:  a.Provider,
		Spectrum:  a.Spectrum,
		Quality:   a.Quality,
		Summary:   summarize(run),
		AddedAt:   time.Now(),
	}

	example := obs.Example{
		ID:     id,
		Inputs: run.Inputs,
		Outputs: mergeOutputs(run.Outputs, map[string]any{
			"quality_score": a.Quality,
		}),
		Metadata: map[string]any{
			"run_id":   run.ID,
			"model":    a.Model,
			"provider": a.Provider,
			"spectrum": a.Spectrum,
		},
	}
	if _, err := ix.backend.AddExamples(ctx, datasetID, []obs.Example{example}); err != nil {
		ix.seen.Delete(id)
		return Pattern{}, false, fmt.Errorf("failed to index pattern: %w", err)
	}

	ix.mirrorMu.Lock()
	ix.mirror = append(ix.mirror, pattern)
	if len(ix.mirror) > mirrorCap {
		ix.mirror = append([]Pattern(nil), ix.mirror[len(ix.mirror)-mirrorCap:]...)
	}
	ix.mirrorMu.Unlock()

	ix.indexed.Add(1)
	ix.logger.Debug("Pattern indexed",
		zap.String("pattern_id", id),
		zap.String("model", a.Model),
		zap.String("spectrum", a.Spectrum),
		zap.Float64("quality", a.Quality))
	return pattern, true, nil
}

// ensureDataset resolves the backend dataset once and caches its id.
func (ix *Index) ensureDataset(ctx context.Context) (string, error) {
	ix.datasetMu.Lock()
	defer ix.datasetMu.Unlock()

	if ix.datasetID != "" {
		return ix.datasetID, nil
	}

	datasets, err := ix.backend.ListDatasets(ctx)
	if err == nil {
		for _, d := range datasets {
			if d.Name == ix.datasetName {
				ix.datasetID = d.ID
				return ix.datasetID, nil
			}
		}
	}

	created, err := ix.backend.CreateDataset(ctx, ix.datasetName,
		"High-quality response patterns indexed for optimization")
	if err != nil {
		return "", fmt.Errorf("failed to create pattern dataset: %w", err)
	}
	ix.datasetID = created.ID

	ix.logger.Info("Pattern dataset created",
		zap.String("dataset_id", created.ID),
		zap.String("name", ix.datasetName))
	return ix.datasetID, nil
}

// Similarity scores how well a pattern fits a search context: model match
// 0.3, spectrum match 0.4, quality proximity 0.3.
func Similarity(p Pattern, q SearchContext) float64 {
	score := 0.0
	if p.Model != "" && p.Model == q.Model {
		score += 0.3
	}
	if p.Spectrum != "" && p.Spectrum == q.Spectrum {
		score += 0.4
	}
	delta := p.Quality - q.Quality
	if delta < 0 {
		delta = -delta
	}
	score += (1 - delta) * 0.3
	return score
}

// Search returns the most similar patterns for the context: top SearchTopK
// with similarity at or above the floor, ordered by score then pattern id so
// equal inputs always return the same list.
func (ix *Index) Search(q SearchContext) []Match {
	ix.mirrorMu.RLock()
	defer ix.mirrorMu.RUnlock()

	matches := make([]Match, 0, len(ix.mirror))
	for _, p := range ix.mirror {
		if s := Similarity(p, q); s >= DefaultSimilarityFloor {
			matches = append(matches, Match{Pattern: p, Similarity: s})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Pattern.PatternID < matches[j].Pattern.PatternID
	})

	if len(matches) > SearchTopK {
		matches = matches[:SearchTopK]
	}
	return matches
}

// SearchText finds patterns by free text. The backend dataset search is
// authoritative; when it is down, fuzzy matching over the local mirror keeps
// the surface usable.
func (ix *Index) SearchText(ctx context.Context, query string, limit int) ([]Pattern, error) {
	if limit <= 0 {
		limit = SearchTopK
	}

	ix.datasetMu.Lock()
	datasetID := ix.datasetID
	ix.datasetMu.Unlock()

	if datasetID != "" {
		examples, err := ix.backend.SearchExamples(ctx, datasetID, query, limit)
		if err == nil {
			return ix.patternsForExamples(examples), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ix.logger.Warn("Backend pattern search failed, using local mirror",
			zap.Error(err))
	}

	return ix.localTextSearch(query, limit), nil
}

func (ix *Index) patternsForExamples(examples []obs.Example) []Pattern {
	ix.mirrorMu.RLock()
	defer ix.mirrorMu.RUnlock()

	byID := make(map[string]Pattern, len(ix.mirror))
	for _, p := range ix.mirror {
		byID[p.PatternID] = p
	}

	out := make([]Pattern, 0, len(examples))
	for _, ex := range examples {
		if p, ok := byID[ex.ID]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, patternFromExample(ex))
	}
	return out
}

func (ix *Index) localTextSearch(query string, limit int) []Pattern {
	ix.mirrorMu.RLock()
	defer ix.mirrorMu.RUnlock()

	corpus := make([]string, len(ix.mirror))
	for i, p := range ix.mirror {
		corpus[i] = p.Summary + " " + p.Model + " " + p.Spectrum
	}

	results := fuzzy.Find(query, corpus)
	out := make([]Pattern, 0, limit)
	for _, r := range results {
		out = append(out, ix.mirror[r.Index])
		if len(out) == limit {
			break
		}
	}
	return out
}

// Stats returns a snapshot of index counters.
func (ix *Index) Stats() Stats {
	ix.mirrorMu.RLock()
	mirrored := len(ix.mirror)
	ix.mirrorMu.RUnlock()

	return Stats{
		Candidates: ix.candidates.Load(),
		Deduped:    ix.deduped.Load(),
		Indexed:    ix.indexed.Load(),
		Mirrored:   mirrored,
	}
}

// summarize renders a short text for fuzzy search and operator display.
func summarize(run obs.Run) string {
	for _, key := range []string{"question", "prompt", "input", "query"} {
		if v, ok := run.Inputs[key].(string); ok && v != "" {
			return truncate(v, 200)
		}
	}
	for _, v := range run.Inputs {
		if s, ok := v.(string); ok && s != "" {
			return truncate(s, 200)
		}
	}
	return run.SessionName
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func mergeOutputs(outputs, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(outputs)+len(extra))
	for k, v := range outputs {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func patternFromExample(ex obs.Example) Pattern {
	p := Pattern{PatternID: ex.ID}
	if v, ok := ex.Metadata["run_id"].(string); ok {
		p.RunID = v
	}
	if v, ok := ex.Metadata["model"].(string); ok {
		p.Model = v
	}
	if v, ok := ex.Metadata["provider"].(string); ok {
		p.Provider = v
	}
	if v, ok := ex.Metadata["spectrum"].(string); ok {
		p.Spectrum = v
	}
	if v, ok := ex.Outputs["quality_score"].(float64); ok {
		p.Quality = v
	}
	return p
}
