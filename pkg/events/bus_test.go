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
package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func receiveEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Channel:
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(zap.NewNop())
	defer func() { _ = bus.Close() }()

	sub, err := bus.Subscribe("quality.*", 8)
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	delivered, dropped := bus.Publish(TopicQualityAlert, map[string]string{"tier": "critical"})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dropped)

	ev := receiveEvent(t, sub)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TopicQualityAlert, ev.Topic)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, map[string]string{"tier": "critical"}, ev.Payload)

	// Non-matching topic passes this subscriber by.
	delivered, dropped = bus.Publish(TopicChangeRecord, nil)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, dropped)
}

func TestBusWildcardMatchesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(zap.NewNop())
	defer func() { _ = bus.Close() }()

	sub, err := bus.Subscribe("*", 8)
	require.NoError(t, err)

	for _, topic := range []string{TopicQualityAlert, TopicChangeRecord, TopicSystem} {
		delivered, _ := bus.Publish(topic, nil)
		assert.Equal(t, 1, delivered, "topic %s", topic)
		assert.Equal(t, topic, receiveEvent(t, sub).Topic)
	}
}

func TestBusExactPattern(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(zap.NewNop())
	defer func() { _ = bus.Close() }()

	sub, err := bus.Subscribe(TopicChangeRecord, 8)
	require.NoError(t, err)

	delivered, _ := bus.Publish(TopicQualityAlert, nil)
	assert.Equal(t, 0, delivered)

	delivered, _ = bus.Publish(TopicChangeRecord, nil)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, TopicChangeRecord, receiveEvent(t, sub).Topic)
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(zap.NewNop())
	defer func() { _ = bus.Close() }()

	_, err := bus.Subscribe(TopicSystem, 1)
	require.NoError(t, err)

	delivered, dropped := bus.Publish(TopicSystem, "first")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, dropped)

	// Nobody drains the buffer, so the second publish is dropped instead
	// of blocking.
	delivered, dropped = bus.Publish(TopicSystem, "second")
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, dropped)

	stats := bus.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 1, stats.Subscribers)
}

func TestBusSubscribeDefaults(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(nil)
	defer func() { _ = bus.Close() }()

	sub, err := bus.Subscribe(TopicSystem, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultBufferSize, cap(sub.Channel))

	_, err = bus.Subscribe("", 8)
	assert.ErrorContains(t, err, "pattern cannot be empty")
}

func TestBusUnsubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(zap.NewNop())
	defer func() { _ = bus.Close() }()

	sub, err := bus.Subscribe(TopicSystem, 8)
	require.NoError(t, err)

	require.NoError(t, bus.Unsubscribe(sub.ID))

	// Channel closes and the subscriber no longer counts.
	_, ok := <-sub.Channel
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Stats().Subscribers)

	err = bus.Unsubscribe(sub.ID)
	assert.ErrorContains(t, err, "subscription not found")
}

func TestBusClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus(zap.NewNop())

	sub, err := bus.Subscribe(TopicSystem, 8)
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	_, ok := <-sub.Channel
	assert.False(t, ok)

	delivered, dropped := bus.Publish(TopicSystem, nil)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, dropped)

	_, err = bus.Subscribe(TopicSystem, 8)
	assert.ErrorContains(t, err, "closed")

	// Idempotent.
	assert.NoError(t, bus.Close())
}

func TestMatchesTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"quality.alert", "quality.alert", true},
		{"quality.*", "quality.alert", true},
		{"quality.*", "audit.change", false},
		{"*", "system.event", true},
		{"audit.change", "quality.alert", false},
		{"[", "quality.alert", false}, // malformed pattern never matches
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesTopic(tt.pattern, tt.topic),
			"pattern %q topic %q", tt.pattern, tt.topic)
	}
}
