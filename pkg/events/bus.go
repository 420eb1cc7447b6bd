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

// Package events provides the topic-based pub/sub bus that carries quality
// alerts, change records, and system events between the control-plane
// components and the operator-facing surfaces (SSE stream, logs, metrics).
package events

import (
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Well-known topics.
const (
	TopicQualityAlert = "quality.alert"
	TopicChangeRecord = "audit.change"
	TopicSystem       = "system.event"
)

// DefaultBufferSize is the default buffer size for subscription channels.
const DefaultBufferSize = 64

// Event is a single bus message. Payload holds the domain fact (an alert, a
// change record, a liveness note) and must be JSON-marshalable so streaming
// consumers can forward it verbatim.
type Event struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Subscription is a handle to a topic subscription. Consumers receive from
// Channel; the bus closes it on Unsubscribe or Close.
type Subscription struct {
	ID      string
	Pattern string
	Channel <-chan Event

	channel chan Event
	created time.Time
}

// Bus fans events out to subscribers by topic pattern. Delivery is
// non-blocking: a subscriber whose buffer is full loses the event and the
// drop is counted. All operations are safe for concurrent use.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription

	logger *zap.Logger

	totalPublished atomic.Int64
	totalDelivered atomic.Int64
	totalDropped   atomic.Int64

	closed atomic.Bool
}

// Stats reports bus delivery counters.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Subscribers int `json:"subscribers"`
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscriptions: make(map[string]*Subscription),
		logger:        logger,
	}
}

// Publish sends an event to all subscribers whose pattern matches the topic.
// Returns (delivered, dropped). Never blocks on slow subscribers.
func (b *Bus) Publish(topic string, payload any) (int, int) {
	if b.closed.Load() || topic == "" {
		return 0, 0
	}

	ev := Event{
		ID:      uuid.NewString(),
		Topic:   topic,
		Time:    time.Now().UTC(),
		Payload: payload,
	}

	delivered := 0
	dropped := 0

	b.mu.RLock()
	for _, sub := range b.subscriptions {
		if !matchesTopic(sub.Pattern, topic) {
			continue
		}
		select {
		case sub.channel <- ev:
			delivered++
		default:
			// Buffer full - drop rather than block the publisher
			dropped++
		}
	}
	b.mu.RUnlock()

	b.totalPublished.Add(1)
	b.totalDelivered.Add(int64(delivered))
	b.totalDropped.Add(int64(dropped))

	b.logger.Debug("bus publish",
		zap.String("topic", topic),
		zap.String("event_id", ev.ID),
		zap.Int("delivered", delivered),
		zap.Int("dropped", dropped))

	return delivered, dropped
}

// Subscribe creates a subscription to a topic pattern. Patterns support
// path-style wildcards: "quality.*" matches "quality.alert".
func (b *Bus) Subscribe(pattern string, bufferSize int) (*Subscription, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("event bus is closed")
	}
	if pattern == "" {
		return nil, fmt.Errorf("topic pattern cannot be empty")
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	ch := make(chan Event, bufferSize)
	sub := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		Channel: ch,
		channel: ch,
		created: time.Now(),
	}

	b.mu.Lock()
	b.subscriptions[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("bus subscribe",
		zap.String("subscription_id", sub.ID),
		zap.String("pattern", pattern),
		zap.Int("buffer_size", bufferSize))

	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, found := b.subscriptions[subscriptionID]
	if !found {
		b.mu.Unlock()
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	delete(b.subscriptions, subscriptionID)
	b.mu.Unlock()

	close(sub.channel)
	return nil
}

// Stats returns current delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subscriptions)
	b.mu.RUnlock()
	return Stats{
		Published:   b.totalPublished.Load(),
		Delivered:   b.totalDelivered.Load(),
		Dropped:     b.totalDropped.Load(),
		Subscribers: n,
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscriptions {
		close(sub.channel)
		delete(b.subscriptions, id)
	}

	b.logger.Info("event bus closed",
		zap.Int64("total_published", b.totalPublished.Load()),
		zap.Int64("total_delivered", b.totalDelivered.Load()),
		zap.Int64("total_dropped", b.totalDropped.Load()))

	return nil
}

// matchesTopic reports whether a topic matches a subscription pattern.
// Exact match or path.Match wildcards ("quality.*", "*").
func matchesTopic(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}
