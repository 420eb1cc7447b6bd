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
package learning

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultFlushInterval is how often buffered updates are written out.
const DefaultFlushInterval = 30 * time.Second

// SQLStore persists strategy effectiveness through database/sql, buffering
// updates in memory and batch-writing them on a timer. The upsert relies on
// SQLite's INSERT OR REPLACE; the SQLite driver is the deployment default.
//
// The store does not own the *sql.DB; whoever opened it closes it.
//
// Thread-safe for concurrent Record calls.
type SQLStore struct {
	db            *sql.DB
	flushInterval time.Duration
	logger        *zap.Logger

	// Buffer: latest aggregate per strategy plus the raw outcomes since
	// the last flush.
	bufferMu   sync.Mutex
	aggregates map[string]Strategy
	outcomes   []Outcome

	// Background goroutine control
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex // Protects started flag
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store over an open database. A zero flushInterval
// selects DefaultFlushInterval.
func NewSQLStore(db *sql.DB, flushInterval time.Duration, logger *zap.Logger) *SQLStore {
	if flushInterval == 0 {
		flushInterval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:            db,
		flushInterval: flushInterval,
		logger:        logger,
		aggregates:    make(map[string]Strategy),
		stopChan:      make(chan struct{}),
	}
}

// Start initializes the schema and begins the background flush loop.
// Safe to call multiple times (subsequent calls are no-ops).
func (s *SQLStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if err := InitSchema(ctx, s.db); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.flushLoop()

	s.started = true
	return nil
}

// Close stops the background goroutine and flushes remaining data.
// Blocks until all pending data is written.
func (s *SQLStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	// Mark as stopped before releasing lock to prevent double-stop
	s.started = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	return nil
}

// Load returns all persisted strategies.
func (s *SQLStore) Load(ctx context.Context) ([]Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, model, spectrum, quality,
		       effectiveness, sample_size, confidence, updated_at
		FROM strategy_effectiveness`)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy effectiveness: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		var st Strategy
		var updatedAt int64
		if err := rows.Scan(
			&st.Name, &st.Context.Model, &st.Context.Spectrum, &st.Context.Quality,
			&st.Effectiveness, &st.SampleSize, &st.Confidence, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan strategy row: %w", err)
		}
		st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// Record buffers the strategy's new aggregate and the outcome that produced
// it. Never blocks on the database.
func (s *SQLStore) Record(strategy Strategy, outcome Outcome) {
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()
	s.aggregates[strategy.Name] = strategy
	s.outcomes = append(s.outcomes, outcome)
}

// Compact deletes raw outcomes recorded before the cutoff. The per-strategy
// aggregates already fold the history in, so dropping old rows only narrows
// how far back effectiveness can be re-derived.
func (s *SQLStore) Compact(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM strategy_outcomes WHERE recorded_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to compact strategy outcomes: %w", err)
	}
	compacted, _ := res.RowsAffected()
	return compacted, nil
}

// flushLoop runs in background, periodically flushing buffered updates.
func (s *SQLStore) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("failed to flush strategy effectiveness", zap.Error(err))
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// Flush writes buffered updates to the database in one transaction.
// Clears the buffer before writing; a failed flush drops that batch.
func (s *SQLStore) Flush(ctx context.Context) error {
	// Snapshot and clear buffer
	s.bufferMu.Lock()
	aggregates := s.aggregates
	outcomes := s.outcomes
	s.aggregates = make(map[string]Strategy)
	s.outcomes = nil
	s.bufferMu.Unlock()

	if len(aggregates) == 0 && len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // Rollback is safe to call even after commit
	}()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO strategy_effectiveness (
			name, model, spectrum, quality,
			effectiveness, sample_size, confidence, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer upsert.Close()

	for _, st := range aggregates {
		if _, err := upsert.ExecContext(ctx,
			st.Name, st.Context.Model, st.Context.Spectrum, st.Context.Quality,
			st.Effectiveness, st.SampleSize, st.Confidence, st.UpdatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("failed to upsert strategy %s: %w", st.Name, err)
		}
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO strategy_outcomes (
			name, model, spectrum, quality, success, impact, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare outcome insert: %w", err)
	}
	defer insert.Close()

	for _, o := range outcomes {
		success := 0
		if o.Success {
			success = 1
		}
		if _, err := insert.ExecContext(ctx,
			o.Strategy, o.Context.Model, o.Context.Spectrum, o.Context.Quality,
			success, o.Impact, o.RecordedAt.Unix(),
		); err != nil {
			return fmt.Errorf("failed to insert outcome for %s: %w", o.Strategy, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("strategy effectiveness flushed",
		zap.Int("strategies", len(aggregates)),
		zap.Int("outcomes", len(outcomes)))
	return nil
}
