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
package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/teradata-labs/perch/pkg/obs"
	"github.com/teradata-labs/perch/pkg/quality"
)

// fixedAssessor scores every run 0.9 and panics on one scripted ID.
type fixedAssessor struct {
	panicOn string
}

func (a fixedAssessor) Evaluate(run obs.Run) quality.Assessment {
	if a.panicOn != "" && run.ID == a.panicOn {
		panic("malformed trace")
	}
	return quality.Assessment{RunID: run.ID, Model: run.Model, Quality: 0.9}
}

type recordingMonitor struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (m *recordingMonitor) Evaluate(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
}

func (m *recordingMonitor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

func (m *recordingMonitor) snapshot(i int) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[i]
}

type recordingSink struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingSink) Consider(_ context.Context, run obs.Run, _ quality.Assessment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, run.ID)
	return s.err == nil, s.err
}

func (s *recordingSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func stopProcessor(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestNewProcessor_Validates(t *testing.T) {
	ag := newTestAggregates(t)
	traces := make(chan obs.Run)

	_, err := NewProcessor(ProcessorConfig{Evaluator: fixedAssessor{}, Aggregates: ag})
	require.Error(t, err)

	_, err = NewProcessor(ProcessorConfig{Traces: traces, Aggregates: ag})
	require.Error(t, err)

	_, err = NewProcessor(ProcessorConfig{Traces: traces, Evaluator: fixedAssessor{}})
	require.Error(t, err)

	p, err := NewProcessor(ProcessorConfig{Traces: traces, Evaluator: fixedAssessor{}, Aggregates: ag})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, p.config.BatchSize)
	assert.Equal(t, DefaultCallTimeout, p.config.CallTimeout)
}

func TestProcessor_DrainsQueuedTracesInBatches(t *testing.T) {
	ag := newTestAggregates(t)
	monitor := &recordingMonitor{}
	traces := make(chan obs.Run, 16)
	for _, run := range runBatch(5) {
		traces <- run
	}

	p, err := NewProcessor(ProcessorConfig{
		Traces:     traces,
		Evaluator:  fixedAssessor{},
		Aggregates: ag,
		BatchSize:  3,
		Monitor:    monitor,
	})
	require.NoError(t, err)

	p.Start()
	assert.Eventually(t, func() bool { return monitor.count() == 2 }, 3*time.Second, 10*time.Millisecond)
	stopProcessor(t, p)

	// Five queued traces drain as one full batch and one remainder.
	assert.Equal(t, int64(3), monitor.snapshot(0).Counters.TracesProcessed)
	assert.Equal(t, int64(5), monitor.snapshot(1).Counters.TracesProcessed)
	assert.InDelta(t, 0.9, ag.Snapshot().OverallQuality, 1e-9)
}

func TestProcessor_RecoversFromEvaluatorPanic(t *testing.T) {
	ag := newTestAggregates(t)
	monitor := &recordingMonitor{}
	sink := &recordingSink{}
	traces := make(chan obs.Run, 8)
	for _, run := range runBatch(3) {
		traces <- run
	}

	p, err := NewProcessor(ProcessorConfig{
		Traces:     traces,
		Evaluator:  fixedAssessor{panicOn: "run-1"},
		Aggregates: ag,
		Monitor:    monitor,
		Patterns:   sink,
	})
	require.NoError(t, err)

	p.Start()
	assert.Eventually(t, func() bool { return monitor.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	stopProcessor(t, p)

	counters := ag.Snapshot().Counters
	assert.Equal(t, int64(2), counters.TracesProcessed, "the panicking trace is skipped")
	assert.Equal(t, int64(1), counters.InternalErrors)
	assert.Equal(t, []string{"run-0", "run-2"}, sink.seen())
}

func TestProcessor_SkipsBatchWhenNothingSurvives(t *testing.T) {
	ag := newTestAggregates(t)
	monitor := &recordingMonitor{}
	traces := make(chan obs.Run, 2)
	traces <- obs.Run{ID: "run-0"}

	p, err := NewProcessor(ProcessorConfig{
		Traces:     traces,
		Evaluator:  fixedAssessor{panicOn: "run-0"},
		Aggregates: ag,
		Monitor:    monitor,
	})
	require.NoError(t, err)

	p.Start()
	assert.Eventually(t, func() bool {
		return ag.Snapshot().Counters.InternalErrors == 1
	}, 3*time.Second, 10*time.Millisecond)
	stopProcessor(t, p)

	assert.Equal(t, 0, monitor.count())
	assert.Equal(t, int64(0), ag.Snapshot().Counters.TracesProcessed)
}

func TestProcessor_PatternSinkErrorsDoNotStallTheBatch(t *testing.T) {
	ag := newTestAggregates(t)
	monitor := &recordingMonitor{}
	sink := &recordingSink{err: errors.New("index unavailable")}
	traces := make(chan obs.Run, 8)
	for _, run := range runBatch(3) {
		traces <- run
	}

	p, err := NewProcessor(ProcessorConfig{
		Traces:     traces,
		Evaluator:  fixedAssessor{},
		Aggregates: ag,
		Monitor:    monitor,
		Patterns:   sink,
	})
	require.NoError(t, err)

	p.Start()
	assert.Eventually(t, func() bool { return monitor.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	stopProcessor(t, p)

	assert.Equal(t, int64(3), ag.Snapshot().Counters.TracesProcessed)
	assert.Len(t, sink.seen(), 3, "every candidate is still offered")
}

func TestProcessor_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	ag := newTestAggregates(t)
	traces := make(chan obs.Run, 4)
	p, err := NewProcessor(ProcessorConfig{
		Traces:     traces,
		Evaluator:  fixedAssessor{},
		Aggregates: ag,
	})
	require.NoError(t, err)

	p.Start()
	traces <- obs.Run{ID: "run-0"}
	assert.Eventually(t, func() bool {
		return ag.Snapshot().Counters.TracesProcessed == 1
	}, 3*time.Second, 10*time.Millisecond)
	stopProcessor(t, p)
	stopProcessor(t, p) // idempotent

	// A closed trace channel ends the loop on its own.
	closing := make(chan obs.Run)
	p2, err := NewProcessor(ProcessorConfig{
		Traces:     closing,
		Evaluator:  fixedAssessor{},
		Aggregates: ag,
	})
	require.NoError(t, err)
	p2.Start()
	close(closing)
	stopProcessor(t, p2)
}
