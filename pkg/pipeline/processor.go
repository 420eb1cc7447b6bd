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
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/obs"
	"github.com/teradata-labs/perch/pkg/quality"
)

// Assessor turns a raw run into a quality assessment.
type Assessor interface {
	Evaluate(run obs.Run) quality.Assessment
}

// BatchMonitor receives the aggregate picture after every processed batch.
type BatchMonitor interface {
	Evaluate(snap Snapshot)
}

// PatternSink offers each scored run for pattern indexing.
type PatternSink interface {
	Consider(ctx context.Context, run obs.Run, a quality.Assessment) (bool, error)
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// Traces is the queue filled by the ingestor. Required.
	Traces <-chan obs.Run

	// Evaluator scores each run. Required.
	Evaluator Assessor

	// Aggregates accumulate the scored batches. Required.
	Aggregates *Aggregates

	// BatchSize caps how many traces one iteration drains.
	// Defaults to DefaultBatchSize.
	BatchSize int

	// Monitor is notified after every batch. Optional.
	Monitor BatchMonitor

	// Patterns receives high-quality candidates. Optional.
	Patterns PatternSink

	// CallTimeout bounds pattern indexing per batch.
	// Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Processor drains the trace queue in batches: blocking for the first trace,
// then taking whatever else is already queued up to the batch size. One bad
// trace never takes down the loop.
type Processor struct {
	config ProcessorConfig

	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	closed  atomic.Bool
}

// NewProcessor validates the config and fills defaults.
func NewProcessor(config ProcessorConfig) (*Processor, error) {
	if config.Traces == nil {
		return nil, fmt.Errorf("trace channel is required")
	}
	if config.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if config.Aggregates == nil {
		return nil, fmt.Errorf("aggregates is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Processor{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the consumer loop.
func (p *Processor) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.loop()
}

// Stop signals the loop and waits for it to exit or the context to expire.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)
	if !p.started.Load() {
		return nil
	}
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor did not stop in time: %w", ctx.Err())
	}
}

func (p *Processor) loop() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			return
		case run, ok := <-p.config.Traces:
			if !ok {
				return
			}
			p.process(p.drain(run))
		}
	}
}

// drain collects the first trace plus whatever is already queued, up to the
// batch size.
func (p *Processor) drain(first obs.Run) []obs.Run {
	batch := make([]obs.Run, 0, p.config.BatchSize)
	batch = append(batch, first)
	for len(batch) < p.config.BatchSize {
		select {
		case run, ok := <-p.config.Traces:
			if !ok {
				return batch
			}
			batch = append(batch, run)
		default:
			return batch
		}
	}
	return batch
}

func (p *Processor) process(batch []obs.Run) {
	assessments := make([]quality.Assessment, 0, len(batch))
	scored := make([]obs.Run, 0, len(batch))
	for _, run := range batch {
		a, err := p.evaluate(run)
		if err != nil {
			p.config.Aggregates.IncrInternalErrors()
			p.config.Logger.Error("trace evaluation failed",
				zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		assessments = append(assessments, a)
		scored = append(scored, run)
	}
	if len(assessments) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.CallTimeout)
	defer cancel()

	p.config.Aggregates.Observe(ctx, assessments)

	if p.config.Patterns != nil {
		for i, run := range scored {
			if _, err := p.config.Patterns.Consider(ctx, run, assessments[i]); err != nil {
				p.config.Logger.Warn("pattern indexing failed",
					zap.String("run_id", run.ID), zap.Error(err))
			}
		}
	}

	if p.config.Monitor != nil {
		p.config.Monitor.Evaluate(p.config.Aggregates.Snapshot())
	}
}

// evaluate shields the loop from evaluator panics.
func (p *Processor) evaluate(run obs.Run) (a quality.Assessment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator panic: %v", r)
		}
	}()
	return p.config.Evaluator.Evaluate(run), nil
}
