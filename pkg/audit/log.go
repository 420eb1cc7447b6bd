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
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/events"
)

// ErrDegraded is returned by mutating operations once the log has entered
// read-only degraded mode. Reads keep working.
var ErrDegraded = errors.New("audit log is in read-only degraded mode")

// DefaultMemSize is how many recent records the in-memory window keeps.
const DefaultMemSize = 50

// maxWriteFailures is how many consecutive durable-write failures put the
// log into degraded mode.
const maxWriteFailures = 3

// commandQueueSize bounds the writer's inbox.
const commandQueueSize = 16

// Config configures the audit log.
type Config struct {
	// Store is the durable mirror. Required.
	Store Store

	// MemSize is the in-memory window size (default: DefaultMemSize).
	MemSize int

	// Bus receives one event per committed record, plus a fatal event if the
	// log degrades. Optional.
	Bus *events.Bus

	// Logger for audit events.
	Logger *zap.Logger
}

// Summary describes the change history at a glance.
type Summary struct {
	TotalChanges        int       `json:"total_changes"`
	OptimizationCycles  int       `json:"optimization_cycles"`
	FailedOptimizations int       `json:"failed_optimizations"`
	Rollbacks           int       `json:"rollbacks"`
	SuccessRate         float64   `json:"success_rate"`
	LastChangeAt        time.Time `json:"last_change_at"`
	Degraded            bool      `json:"degraded"`
	Store               string    `json:"store"`
}

// RollbackResult reports what a rollback did.
type RollbackResult struct {
	Success                  bool   `json:"success"`
	Reason                   string `json:"reason,omitempty"`
	TargetCycleID            int64  `json:"target_cycle_id,omitempty"`
	TargetChangeID           string `json:"target_change_id,omitempty"`
	ChangeID                 string `json:"change_id,omitempty"`
	ConfigurationsRolledBack int    `json:"configurations_rolled_back"`
}

type command struct {
	record ChangeRecord
	clear  bool
	reply  chan result
}

type result struct {
	record ChangeRecord
	err    error
}

// Log is the append-only change history. The durable store holds the full
// history; memory holds only the newest MemSize records. One writer goroutine
// serializes all mutations; readers snapshot the in-memory window. Safe for
// concurrent use.
type Log struct {
	store   Store
	memSize int
	bus     *events.Bus
	logger  *zap.Logger

	mu     sync.RWMutex
	window []ChangeRecord

	seq           atomic.Int64
	degraded      atomic.Bool
	writeFailures int

	commands chan command
	stopCh   chan struct{}
	doneCh   chan struct{}
	closed   atomic.Bool
}

// Open loads the stored history, seeds the in-memory window with the newest
// MemSize records, and starts the writer.
func Open(ctx context.Context, config Config) (*Log, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	if config.MemSize <= 0 {
		config.MemSize = DefaultMemSize
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	history, err := config.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load change history: %w", err)
	}
	window := history
	if len(window) > config.MemSize {
		window = window[len(window)-config.MemSize:]
	}

	l := &Log{
		store:    config.Store,
		memSize:  config.MemSize,
		bus:      config.Bus,
		logger:   config.Logger,
		window:   append([]ChangeRecord(nil), window...),
		commands: make(chan command, commandQueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	l.logger.Info("Audit log opened",
		zap.String("store", config.Store.Name()),
		zap.Int("history_records", len(history)),
		zap.Int("window_records", len(window)))

	go l.run()
	return l, nil
}

// Commit appends a record. The change ID and timestamp are assigned here.
// Returns ErrDegraded once the log is read-only.
func (l *Log) Commit(ctx context.Context, record ChangeRecord) (ChangeRecord, error) {
	if l.closed.Load() {
		return ChangeRecord{}, fmt.Errorf("audit log is closed")
	}
	if l.degraded.Load() {
		return ChangeRecord{}, ErrDegraded
	}

	cmd := command{record: record, reply: make(chan result, 1)}
	select {
	case l.commands <- cmd:
	case <-ctx.Done():
		return ChangeRecord{}, ctx.Err()
	case <-l.stopCh:
		return ChangeRecord{}, fmt.Errorf("audit log is closed")
	}

	select {
	case res := <-cmd.reply:
		return res.record, res.err
	case <-ctx.Done():
		return ChangeRecord{}, ctx.Err()
	}
}

// run is the single writer. All window and store mutations happen here.
func (l *Log) run() {
	defer close(l.doneCh)

	for {
		select {
		case cmd := <-l.commands:
			cmd.reply <- l.handle(cmd)
		case <-l.stopCh:
			// Serve whatever was already enqueued, then exit.
			for {
				select {
				case cmd := <-l.commands:
					cmd.reply <- l.handle(cmd)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) handle(cmd command) result {
	if cmd.clear {
		return l.handleClear(cmd)
	}
	return l.handleAppend(cmd)
}

func (l *Log) handleAppend(cmd command) result {
	if l.degraded.Load() {
		return result{err: ErrDegraded}
	}

	record := cmd.record
	now := time.Now()
	if record.Timestamp.IsZero() {
		record.Timestamp = now
	}
	record.ChangeID = fmt.Sprintf("change_%d_%d", now.Unix(), l.seq.Add(1))

	l.mu.Lock()
	l.window = append(l.window, record)
	if len(l.window) > l.memSize {
		l.window = append([]ChangeRecord(nil), l.window[len(l.window)-l.memSize:]...)
	}
	l.mu.Unlock()

	l.persistAppend(record)
	l.publishRecord(record)
	return result{record: record}
}

func (l *Log) handleClear(cmd command) result {
	if l.degraded.Load() {
		return result{err: ErrDegraded}
	}

	now := time.Now()
	record := cmd.record
	record.Timestamp = now
	record.ChangeID = fmt.Sprintf("change_%d_%d", now.Unix(), l.seq.Add(1))

	l.mu.Lock()
	cleared := len(l.window)
	if record.Details == nil {
		record.Details = map[string]any{}
	}
	record.Details["cleared_records"] = cleared
	l.window = []ChangeRecord{record}
	l.mu.Unlock()

	l.persistReset([]ChangeRecord{record})
	l.publishRecord(record)

	l.logger.Info("Change history cleared",
		zap.String("change_id", record.ChangeID),
		zap.Int("cleared_records", cleared))
	return result{record: record}
}

// persistAppend write-through appends one record to the durable history:
// load, append, save. The store holds the full history as one document while
// memory keeps only the window, so eviction never loses records.
func (l *Log) persistAppend(record ChangeRecord) {
	l.persist(func(ctx context.Context) error {
		history, err := l.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load durable history: %w", err)
		}
		return l.store.Save(ctx, append(history, record))
	})
}

// persistReset replaces the durable history wholesale.
func (l *Log) persistReset(records []ChangeRecord) {
	l.persist(func(ctx context.Context) error {
		return l.store.Save(ctx, records)
	})
}

// persist runs one durable write and tracks consecutive failures. The write
// gets its own deadline: a caller hanging up must not abort durability. The
// degraded flag never clears at runtime; a later successful write only resets
// the counter.
func (l *Log) persist(write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := write(ctx); err != nil {
		l.writeFailures++
		l.logger.Error("Durable audit write failed",
			zap.Error(err),
			zap.Int("consecutive_failures", l.writeFailures))

		if l.writeFailures >= maxWriteFailures && l.degraded.CompareAndSwap(false, true) {
			l.logger.Error("Audit log entering read-only degraded mode",
				zap.String("store", l.store.Name()))
			l.publishFatal(err)
		}
		return
	}
	l.writeFailures = 0
}

func (l *Log) publishRecord(record ChangeRecord) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.TopicChangeRecord, record)
}

func (l *Log) publishFatal(cause error) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.TopicSystem, map[string]any{
		"severity":  "fatal",
		"component": "audit",
		"message":   "audit log degraded to read-only after repeated durable-write failures",
		"error":     cause.Error(),
	})
}

// Recent returns up to limit records, newest first. limit <= 0 returns the
// whole window.
func (l *Log) Recent(limit int) []ChangeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.window)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]ChangeRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.window[i])
	}
	return out
}

// Export reads the full durable history, older than the in-memory window
// included. Reads go straight to the store; saves replace the document
// atomically, so a concurrent flush never hands back a torn read.
func (l *Log) Export(ctx context.Context) ([]ChangeRecord, error) {
	records, err := l.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export change history: %w", err)
	}
	return records, nil
}

// Summary reports aggregate history statistics.
func (l *Log) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{
		TotalChanges: len(l.window),
		Degraded:     l.degraded.Load(),
		Store:        l.store.Name(),
	}
	for _, r := range l.window {
		switch r.Type {
		case TypeOptimizationCycle:
			s.OptimizationCycles++
		case TypeOptimizationFailure:
			s.FailedOptimizations++
		case TypeRollbackExecution:
			s.Rollbacks++
		}
		if r.Timestamp.After(s.LastChangeAt) {
			s.LastChangeAt = r.Timestamp
		}
	}

	attempts := s.OptimizationCycles + s.FailedOptimizations
	if attempts > 0 {
		s.SuccessRate = float64(s.OptimizationCycles) / float64(attempts)
	} else {
		s.SuccessRate = 1.0
	}
	return s
}

// LastSuccessfulState returns the newest successful optimization cycle that
// recorded concrete improvements.
func (l *Log) LastSuccessfulState() (ChangeRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.window) - 1; i >= 0; i-- {
		r := l.window[i]
		if r.Type == TypeOptimizationCycle && r.Success && len(r.Improvements) > 0 {
			return r, true
		}
	}
	return ChangeRecord{}, false
}

// Degraded reports whether the log is read-only.
func (l *Log) Degraded() bool {
	return l.degraded.Load()
}

// Rollback appends one rollback_execution record whose rollback_details hold
// the inverse of every invertible improvement in the target cycle.
// targetCycleID 0 targets the last successful cycle. Prior records are never
// touched; a rollback is itself history. A cycle that already has a
// successful rollback on record yields zero new inverses: its changes are no
// longer the current state, and inverting them again would double-apply.
func (l *Log) Rollback(ctx context.Context, targetCycleID int64) (RollbackResult, error) {
	if l.degraded.Load() {
		return RollbackResult{}, ErrDegraded
	}

	now := time.Now()
	target, rolledBack, found := l.resolveTarget(ctx, targetCycleID)
	if !found {
		record, err := l.Commit(ctx, ChangeRecord{
			Type:          TypeRollbackExecution,
			CycleID:       now.UnixNano(),
			TargetCycleID: targetCycleID,
			Reason:        "target_details_unavailable",
			Success:       false,
		})
		if err != nil {
			return RollbackResult{}, err
		}
		l.logger.Warn("Rollback target not found",
			zap.Int64("target_cycle_id", targetCycleID),
			zap.String("change_id", record.ChangeID))
		return RollbackResult{Success: false, Reason: "target_details_unavailable", TargetCycleID: targetCycleID}, nil
	}

	reason := fmt.Sprintf("Rollback from cycle %d", target.CycleID)

	var inverses []InverseEntry
	if !rolledBack {
		// Invert in reverse application order.
		for i := len(target.Improvements) - 1; i >= 0; i-- {
			imp := target.Improvements[i]
			if !imp.Invertible() {
				continue
			}
			inverses = append(inverses, InverseEntry{
				Type:   "rollback_" + imp.Type,
				Target: imp.Target,
				Before: imp.After,
				After:  imp.Before,
				Reason: reason,
				Impact: "Restoring previous stable configuration",
				Diff:   DiffStates(imp.After, imp.Before),
			})
		}
	}

	applied := len(inverses)
	record, err := l.Commit(ctx, ChangeRecord{
		Type:                     TypeRollbackExecution,
		CycleID:                  now.UnixNano(),
		TargetCycleID:            target.CycleID,
		Reason:                   reason,
		Impact:                   "Restoring previous stable configuration",
		RollbackDetails:          inverses,
		ConfigurationsRolledBack: applied,
		Details:                  map[string]any{"target_change_id": target.ChangeID},
		Success:                  applied > 0,
	})
	if err != nil {
		return RollbackResult{}, err
	}

	res := RollbackResult{
		Success:                  applied > 0,
		TargetCycleID:            target.CycleID,
		TargetChangeID:           target.ChangeID,
		ChangeID:                 record.ChangeID,
		ConfigurationsRolledBack: applied,
	}
	if applied == 0 {
		if rolledBack {
			res.Reason = "already_rolled_back"
		} else {
			res.Reason = "no_invertible_improvements"
		}
	}

	l.logger.Info("Rollback executed",
		zap.Int64("target_cycle_id", target.CycleID),
		zap.Int("configurations_rolled_back", applied),
		zap.String("change_id", record.ChangeID))
	return res, nil
}

// resolveTarget finds the rollback target and whether a successful rollback
// of it is already on record. Explicit cycle IDs evicted from the window are
// still recoverable from the durable store.
func (l *Log) resolveTarget(ctx context.Context, cycleID int64) (ChangeRecord, bool, bool) {
	if cycleID == 0 {
		last, ok := l.LastSuccessfulState()
		if !ok {
			return ChangeRecord{}, false, false
		}
		cycleID = last.CycleID
	}

	l.mu.RLock()
	window := append([]ChangeRecord(nil), l.window...)
	l.mu.RUnlock()

	target, rolledBack, found := scanForTarget(window, cycleID)
	if found {
		return target, rolledBack, true
	}

	history, err := l.store.Load(ctx)
	if err != nil {
		l.logger.Warn("Durable history read failed during target lookup",
			zap.Int64("target_cycle_id", cycleID),
			zap.Error(err))
		return ChangeRecord{}, false, false
	}
	target, storeRolledBack, found := scanForTarget(history, cycleID)
	return target, rolledBack || storeRolledBack, found
}

// scanForTarget walks records newest first. A successful rollback of the
// cycle seen before the cycle record itself is newer than it, meaning the
// cycle's changes were already inverted.
func scanForTarget(records []ChangeRecord, cycleID int64) (ChangeRecord, bool, bool) {
	rolledBack := false
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Type == TypeRollbackExecution && r.Success && r.TargetCycleID == cycleID {
			rolledBack = true
			continue
		}
		if r.Type == TypeOptimizationCycle && r.CycleID == cycleID {
			return r, rolledBack, true
		}
	}
	return ChangeRecord{}, rolledBack, false
}

// ClearHistory wipes the history down to a single administrative record
// documenting the wipe.
func (l *Log) ClearHistory(ctx context.Context, reason string) (ChangeRecord, error) {
	if l.closed.Load() {
		return ChangeRecord{}, fmt.Errorf("audit log is closed")
	}
	if l.degraded.Load() {
		return ChangeRecord{}, ErrDegraded
	}
	if reason == "" {
		reason = "history_cleared"
	}

	cmd := command{
		record: ChangeRecord{
			Type:    TypeManualTrigger,
			Reason:  reason,
			Impact:  "Change history wiped by operator",
			Success: true,
		},
		clear: true,
		reply: make(chan result, 1),
	}

	select {
	case l.commands <- cmd:
	case <-ctx.Done():
		return ChangeRecord{}, ctx.Err()
	case <-l.stopCh:
		return ChangeRecord{}, fmt.Errorf("audit log is closed")
	}

	select {
	case res := <-cmd.reply:
		return res.record, res.err
	case <-ctx.Done():
		return ChangeRecord{}, ctx.Err()
	}
}

// Close stops the writer after serving enqueued commands, then closes the
// store. Idempotent.
func (l *Log) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stopCh)

	select {
	case <-l.doneCh:
	case <-ctx.Done():
		l.logger.Warn("Audit log writer shutdown timed out")
	}
	return l.store.Close()
}
