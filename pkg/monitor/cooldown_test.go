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
package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldown_NeverArmedIsReady(t *testing.T) {
	c := NewCooldown(time.Hour)
	assert.True(t, c.Ready())
	assert.Equal(t, time.Duration(0), c.Remaining())
	assert.True(t, c.LastTrigger().IsZero())
}

func TestCooldown_MarkArmsFullPeriod(t *testing.T) {
	now := time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)
	c := NewCooldown(time.Hour)
	c.now = func() time.Time { return now }

	c.Mark()
	assert.False(t, c.Ready())
	assert.Equal(t, time.Hour, c.Remaining())
	assert.Equal(t, now.UnixNano(), c.LastTrigger().UnixNano())

	now = now.Add(30 * time.Minute)
	assert.Equal(t, 30*time.Minute, c.Remaining())

	now = now.Add(30 * time.Minute)
	assert.True(t, c.Ready())
}

func TestCooldown_RetryInShortensWindow(t *testing.T) {
	now := time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)
	c := NewCooldown(time.Hour)
	c.now = func() time.Time { return now }

	c.RetryIn(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, c.Remaining())

	now = now.Add(5 * time.Minute)
	assert.True(t, c.Ready())
}

func TestCooldown_RetryInCannotExceedPeriod(t *testing.T) {
	now := time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC)
	c := NewCooldown(time.Minute)
	c.now = func() time.Time { return now }

	c.RetryIn(time.Hour)
	assert.Equal(t, time.Minute, c.Remaining())
}

func TestNewCooldown_DefaultPeriod(t *testing.T) {
	c := NewCooldown(0)
	assert.Equal(t, DefaultCooldownPeriod, c.Period())
}
