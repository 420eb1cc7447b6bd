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
)

const (
	// DefaultPollInterval is how often the ingestor asks for fresh traces.
	DefaultPollInterval = 60 * time.Second

	// DefaultFetchWindow is how far back each poll looks.
	DefaultFetchWindow = 5 * time.Minute

	// DefaultBatchSize caps runs per poll; the queue holds 4 polls.
	DefaultBatchSize = 50

	// DefaultBackpressureWait is how long a push blocks on a full queue
	// before dropping the oldest trace to make room.
	DefaultBackpressureWait = 500 * time.Millisecond

	// DefaultCallTimeout bounds each backend call.
	DefaultCallTimeout = 30 * time.Second
)

// RunSource lists runs from the observability backend.
type RunSource interface {
	ListRuns(ctx context.Context, opts obs.ListRunsOptions) ([]obs.Run, error)
}

// IngestorConfig configures an Ingestor.
type IngestorConfig struct {
	// Source lists runs. Required.
	Source RunSource

	// Aggregates receives the dropped-trace and shape-error counters.
	// Required.
	Aggregates *Aggregates

	// Sessions filters polling to these session names. Optional.
	Sessions []string

	// PollInterval between fetches. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// FetchWindow is the [now-window, now] query range.
	// Defaults to DefaultFetchWindow.
	FetchWindow time.Duration

	// BatchSize is the per-poll fetch limit. Defaults to DefaultBatchSize.
	BatchSize int

	// ChanCapacity sizes the trace queue. Defaults to 4x BatchSize.
	ChanCapacity int

	// BackpressureWait is how long a push blocks before dropping the
	// oldest queued trace. Defaults to DefaultBackpressureWait.
	BackpressureWait time.Duration

	// CallTimeout bounds each backend call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// Logger for structured logging. Defaults to a no-op logger.
	Logger *zap.Logger

	// now is a test seam.
	now func() time.Time
}

// Ingestor polls the backend and queues raw runs for the processor. The
// queue is bounded; when the consumer stalls past the backpressure wait, the
// oldest queued trace is dropped so the newest data survives.
type Ingestor struct {
	config IngestorConfig

	out     chan obs.Run
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	closed  atomic.Bool
}

// NewIngestor validates the config and fills defaults.
func NewIngestor(config IngestorConfig) (*Ingestor, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("run source is required")
	}
	if config.Aggregates == nil {
		return nil, fmt.Errorf("aggregates is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.FetchWindow <= 0 {
		config.FetchWindow = DefaultFetchWindow
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.ChanCapacity <= 0 {
		config.ChanCapacity = 4 * config.BatchSize
	}
	if config.BackpressureWait <= 0 {
		config.BackpressureWait = DefaultBackpressureWait
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.now == nil {
		config.now = time.Now
	}

	return &Ingestor{
		config: config,
		out:    make(chan obs.Run, config.ChanCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Runs is the queue consumed by the processor.
func (in *Ingestor) Runs() <-chan obs.Run {
	return in.out
}

// Start launches the polling loop. The first poll happens immediately.
func (in *Ingestor) Start() {
	if !in.started.CompareAndSwap(false, true) {
		return
	}
	go in.loop()
}

// Stop signals the loop and waits for it to exit or the context to expire.
func (in *Ingestor) Stop(ctx context.Context) error {
	if !in.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(in.stopCh)
	if !in.started.Load() {
		return nil
	}
	select {
	case <-in.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingestor did not stop in time: %w", ctx.Err())
	}
}

func (in *Ingestor) loop() {
	defer close(in.doneCh)

	ticker := time.NewTicker(in.config.PollInterval)
	defer ticker.Stop()

	in.poll()
	for {
		select {
		case <-ticker.C:
			in.poll()
		case <-in.stopCh:
			return
		}
	}
}

func (in *Ingestor) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), in.config.CallTimeout)
	defer cancel()

	now := in.config.now().UTC()
	runs, err := in.config.Source.ListRuns(ctx, obs.ListRunsOptions{
		SessionNames:    in.config.Sessions,
		Start:           now.Add(-in.config.FetchWindow),
		End:             now,
		Limit:           in.config.BatchSize,
		IncludeFeedback: true,
	})
	if err != nil {
		if obs.IsShapeError(err) {
			in.config.Aggregates.IncrShapeErrors()
		}
		in.config.Logger.Warn("trace poll failed", zap.Error(err))
		return
	}

	for _, run := range runs {
		in.push(run)
	}
}

// push queues one run. On a full queue it blocks up to the backpressure
// wait, then drops the oldest queued trace and takes its slot.
func (in *Ingestor) push(run obs.Run) {
	select {
	case in.out <- run:
		return
	case <-in.stopCh:
		return
	case <-time.After(in.config.BackpressureWait):
	}

	select {
	case <-in.out:
		in.config.Aggregates.IncrDropped()
	default:
	}

	select {
	case in.out <- run:
	case <-in.stopCh:
	default:
		// Another producer refilled the freed slot.
		in.config.Aggregates.IncrDropped()
	}
}
