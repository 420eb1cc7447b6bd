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
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/perch/pkg/events"
)

func openTestLog(t *testing.T, config Config) *Log {
	t.Helper()
	if config.Store == nil {
		config.Store = NewFileStore(filepath.Join(t.TempDir(), "history.json"))
	}
	l, err := Open(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l
}

func TestLog_CommitAssignsIDs(t *testing.T) {
	l := openTestLog(t, Config{})
	ctx := context.Background()

	idPattern := regexp.MustCompile(`^change_\d+_\d+$`)
	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := l.Commit(ctx, ChangeRecord{Type: TypeManualTrigger, Success: true})
		require.NoError(t, err)
		assert.Regexp(t, idPattern, rec.ChangeID)
		assert.False(t, rec.Timestamp.IsZero())
		ids = append(ids, rec.ChangeID)
	}

	// Same-second commits stay distinct through the sequence suffix.
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
}

func TestLog_WindowEvictsOldest(t *testing.T) {
	l := openTestLog(t, Config{MemSize: 5})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := l.Commit(ctx, ChangeRecord{
			Type:    TypeManualTrigger,
			Reason:  fmt.Sprintf("entry %d", i),
			Success: true,
		})
		require.NoError(t, err)
	}

	recent := l.Recent(0)
	require.Len(t, recent, 5)
	// Newest first; entries 0..2 were evicted.
	assert.Equal(t, "entry 7", recent[0].Reason)
	assert.Equal(t, "entry 3", recent[4].Reason)

	limited := l.Recent(2)
	require.Len(t, limited, 2)
	assert.Equal(t, "entry 7", limited[0].Reason)
	assert.Equal(t, "entry 6", limited[1].Reason)

	// Eviction only trims memory; the durable store keeps everything.
	exported, err := l.Export(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 8)
	assert.Equal(t, "entry 0", exported[0].Reason)
	assert.Equal(t, "entry 7", exported[7].Reason)
}

func TestLog_ReopenRestoresWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	ctx := context.Background()

	l, err := Open(ctx, Config{Store: NewFileStore(path)})
	require.NoError(t, err)
	_, err = l.Commit(ctx, ChangeRecord{Type: TypeOptimizationCycle, CycleID: 7, Success: true,
		Improvements: []Improvement{{Type: "threshold_tune", Before: map[string]any{"v": 1.0}, After: map[string]any{"v": 2.0}}}})
	require.NoError(t, err)
	require.NoError(t, l.Close(ctx))

	reopened, err := Open(ctx, Config{Store: NewFileStore(path)})
	require.NoError(t, err)
	defer reopened.Close(ctx)

	recent := reopened.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(7), recent[0].CycleID)

	state, ok := reopened.LastSuccessfulState()
	require.True(t, ok)
	assert.Equal(t, int64(7), state.CycleID)
}

func TestLog_RollbackAppendsInverses(t *testing.T) {
	l := openTestLog(t, Config{})
	ctx := context.Background()

	original, err := l.Commit(ctx, ChangeRecord{
		Type:    TypeOptimizationCycle,
		CycleID: 4242,
		Success: true,
		Improvements: []Improvement{
			{
				Type:   "threshold_tune",
				Target: "gpt-4o",
				Before: map[string]any{"threshold": 0.90},
				After:  map[string]any{"threshold": 0.85},
			},
			{
				Type:   "strategy_switch",
				Target: "credit_analysis",
				Before: map[string]any{"strategy": "delta_analysis"},
				After:  map[string]any{"strategy": "ab_testing"},
			},
			// Not invertible: no before state recorded.
			{Type: "pattern_add", After: map[string]any{"pattern": "p1"}},
		},
	})
	require.NoError(t, err)

	res, err := l.Rollback(ctx, 4242)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(4242), res.TargetCycleID)
	assert.Equal(t, 2, res.ConfigurationsRolledBack, "only invertible improvements produce inverses")

	// One execution record on top of the untouched original.
	recent := l.Recent(0)
	require.Len(t, recent, 2)

	exec := recent[0]
	assert.Equal(t, TypeRollbackExecution, exec.Type)
	assert.True(t, exec.Success)
	assert.Equal(t, "Rollback from cycle 4242", exec.Reason)
	assert.Equal(t, int64(4242), exec.TargetCycleID)
	assert.NotZero(t, exec.CycleID, "a rollback is a cycle of its own")
	assert.NotEqual(t, original.CycleID, exec.CycleID)
	assert.Equal(t, 2, exec.ConfigurationsRolledBack)

	// Inverses ride inside the record, in reverse application order.
	require.Len(t, exec.RollbackDetails, 2)
	firstInverse := exec.RollbackDetails[0]
	assert.Equal(t, "rollback_strategy_switch", firstInverse.Type)
	assert.Equal(t, "credit_analysis", firstInverse.Target)
	assert.Equal(t, map[string]any{"strategy": "ab_testing"}, firstInverse.Before)
	assert.Equal(t, map[string]any{"strategy": "delta_analysis"}, firstInverse.After)
	assert.Equal(t, "Restoring previous stable configuration", firstInverse.Impact)
	assert.NotEmpty(t, firstInverse.Diff)

	secondInverse := exec.RollbackDetails[1]
	assert.Equal(t, "rollback_threshold_tune", secondInverse.Type)
	assert.Equal(t, map[string]any{"threshold": 0.85}, secondInverse.Before)
	assert.Equal(t, map[string]any{"threshold": 0.90}, secondInverse.After)

	// The original record is intact: rollback appends, never rewrites.
	assert.Equal(t, original.ChangeID, l.Recent(2)[1].ChangeID)
	assert.Len(t, l.Recent(2)[1].Improvements, 3)
}

func TestLog_RollbackUnresolvableTarget(t *testing.T) {
	l := openTestLog(t, Config{})
	ctx := context.Background()

	res, err := l.Rollback(ctx, 999)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "target_details_unavailable", res.Reason)

	recent := l.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, TypeRollbackExecution, recent[0].Type)
	assert.False(t, recent[0].Success)
	assert.Equal(t, "target_details_unavailable", recent[0].Reason)
	assert.Equal(t, int64(999), recent[0].TargetCycleID)
}

func TestLog_RollbackDefaultsToLastSuccessfulCycle(t *testing.T) {
	l := openTestLog(t, Config{})
	ctx := context.Background()

	_, err := l.Commit(ctx, ChangeRecord{
		Type: TypeOptimizationCycle, CycleID: 1, Success: true,
		Improvements: []Improvement{{Type: "tune", Before: map[string]any{"v": 1.0}, After: map[string]any{"v": 2.0}}},
	})
	require.NoError(t, err)
	_, err = l.Commit(ctx, ChangeRecord{Type: TypeOptimizationFailure, CycleID: 2, Success: false})
	require.NoError(t, err)

	res, err := l.Rollback(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.TargetCycleID, "failure cycles are not rollback targets")
	assert.Equal(t, 1, res.ConfigurationsRolledBack)
}

func TestLog_SecondRollbackAppliesNothing(t *testing.T) {
	l := openTestLog(t, Config{})
	ctx := context.Background()

	_, err := l.Commit(ctx, ChangeRecord{
		Type: TypeOptimizationCycle, CycleID: 11, Success: true,
		Improvements: []Improvement{{Type: "tune", Before: map[string]any{"v": 1.0}, After: map[string]any{"v": 2.0}}},
	})
	require.NoError(t, err)

	first, err := l.Rollback(ctx, 0)
	require.NoError(t, err)
	require.True(t, first.Success)
	require.Equal(t, 1, first.ConfigurationsRolledBack)

	// The cycle's changes were already inverted; a repeat rollback records
	// itself but applies nothing.
	second, err := l.Rollback(ctx, 0)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, "already_rolled_back", second.Reason)
	assert.Equal(t, int64(11), second.TargetCycleID)
	assert.Zero(t, second.ConfigurationsRolledBack)

	// Nothing prior was touched: the cycle plus one record per rollback.
	recent := l.Recent(0)
	require.Len(t, recent, 3)
	assert.Empty(t, recent[0].RollbackDetails)
	assert.False(t, recent[0].Success)
}

func TestLog_RollbackRecoversEvictedTarget(t *testing.T) {
	l := openTestLog(t, Config{MemSize: 2})
	ctx := context.Background()

	_, err := l.Commit(ctx, ChangeRecord{
		Type: TypeOptimizationCycle, CycleID: 21, Success: true,
		Improvements: []Improvement{{Type: "tune", Before: map[string]any{"v": 1.0}, After: map[string]any{"v": 2.0}}},
	})
	require.NoError(t, err)

	// Push the cycle out of the in-memory window.
	for i := 0; i < 3; i++ {
		_, err = l.Commit(ctx, ChangeRecord{Type: TypeManualTrigger, Success: true})
		require.NoError(t, err)
	}
	for _, r := range l.Recent(0) {
		require.NotEqual(t, int64(21), r.CycleID, "target should be evicted")
	}

	// The target is gone from memory but still resolves through the store.
	res, err := l.Rollback(ctx, 21)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(21), res.TargetCycleID)
	assert.Equal(t, 1, res.ConfigurationsRolledBack)

	exec := l.Recent(1)[0]
	require.Len(t, exec.RollbackDetails, 1)
	assert.Equal(t, "rollback_tune", exec.RollbackDetails[0].Type)
	assert.Equal(t, map[string]any{"v": 2.0}, exec.RollbackDetails[0].Before)
	assert.Equal(t, map[string]any{"v": 1.0}, exec.RollbackDetails[0].After)
}

// failingStore fails every save after an initial grace count.
type failingStore struct {
	mu       sync.Mutex
	failures int
	saves    int
}

func (s *failingStore) Name() string                                  { return "failing" }
func (s *failingStore) Load(context.Context) ([]ChangeRecord, error)  { return nil, nil }
func (s *failingStore) Close() error                                  { return nil }
func (s *failingStore) Save(context.Context, []ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.failures++
	return fmt.Errorf("disk full")
}

func TestLog_DegradesAfterThreeWriteFailures(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	sub, err := bus.Subscribe(events.TopicSystem, 8)
	require.NoError(t, err)

	l := openTestLog(t, Config{Store: &failingStore{}, Bus: bus})
	ctx := context.Background()

	// The first failed writes are tolerated; commits still land in memory.
	for i := 0; i < 3; i++ {
		_, err := l.Commit(ctx, ChangeRecord{Type: TypeManualTrigger, Success: true})
		require.NoError(t, err)
	}
	assert.True(t, l.Degraded(), "three consecutive failures must degrade the log")

	// Mutations are refused now; reads keep working.
	_, err = l.Commit(ctx, ChangeRecord{Type: TypeManualTrigger})
	assert.ErrorIs(t, err, ErrDegraded)
	_, err = l.ClearHistory(ctx, "wipe")
	assert.ErrorIs(t, err, ErrDegraded)
	_, err = l.Rollback(ctx, 0)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Len(t, l.Recent(0), 3)
	assert.True(t, l.Summary().Degraded)

	// A fatal event went out on the system topic.
	foundFatal := false
	deadline := time.After(2 * time.Second)
	for !foundFatal {
		select {
		case ev := <-sub.Channel:
			payload, ok := ev.Payload.(map[string]any)
			if ok && payload["severity"] == "fatal" && payload["component"] == "audit" {
				foundFatal = true
			}
		case <-deadline:
			t.Fatal("no fatal event observed on the system topic")
		}
	}
}

func TestLog_ClearHistoryKeepsOwnRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	l := openTestLog(t, Config{Store: NewFileStore(path)})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.Commit(ctx, ChangeRecord{Type: TypeManualTrigger, Success: true})
		require.NoError(t, err)
	}

	wipe, err := l.ClearHistory(ctx, "scheduled maintenance")
	require.NoError(t, err)
	assert.Equal(t, TypeManualTrigger, wipe.Type)
	assert.Equal(t, "scheduled maintenance", wipe.Reason)
	assert.Equal(t, 4, wipe.Details["cleared_records"])

	recent := l.Recent(0)
	require.Len(t, recent, 1, "only the wipe record survives")
	assert.Equal(t, wipe.ChangeID, recent[0].ChangeID)

	// Durable mirror matches.
	stored, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, wipe.ChangeID, stored[0].ChangeID)
}

func TestLog_Summary(t *testing.T) {
	l := openTestLog(t, Config{})
	ctx := context.Background()

	_, err := l.Commit(ctx, ChangeRecord{Type: TypeOptimizationCycle, CycleID: 1, Success: true,
		Improvements: []Improvement{{Type: "t", Before: map[string]any{"v": 1.0}, After: map[string]any{"v": 2.0}}}})
	require.NoError(t, err)
	_, err = l.Commit(ctx, ChangeRecord{Type: TypeOptimizationCycle, CycleID: 2, Success: true,
		Improvements: []Improvement{{Type: "t", Before: map[string]any{"v": 2.0}, After: map[string]any{"v": 3.0}}}})
	require.NoError(t, err)
	_, err = l.Commit(ctx, ChangeRecord{Type: TypeOptimizationFailure, CycleID: 3, Success: false})
	require.NoError(t, err)

	s := l.Summary()
	assert.Equal(t, 3, s.TotalChanges)
	assert.Equal(t, 2, s.OptimizationCycles)
	assert.Equal(t, 1, s.FailedOptimizations)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.False(t, s.LastChangeAt.IsZero())
	assert.False(t, s.Degraded)
}

func TestLog_CloseIsIdempotent(t *testing.T) {
	l := openTestLog(t, Config{})
	ctx := context.Background()
	require.NoError(t, l.Close(ctx))
	require.NoError(t, l.Close(ctx))

	_, err := l.Commit(ctx, ChangeRecord{Type: TypeManualTrigger})
	require.Error(t, err)
}
