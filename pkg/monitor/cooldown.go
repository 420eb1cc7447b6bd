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
	"sync/atomic"
	"time"
)

// DefaultCooldownPeriod is how long after a committed improvement cycle the
// next automatic trigger must wait.
const DefaultCooldownPeriod = time.Hour

// Cooldown is the global trigger clock shared by the monitor, the
// orchestrator, and the HTTP trigger endpoint. The last-trigger instant is a
// single atomic timestamp so all of them agree without locking.
type Cooldown struct {
	period time.Duration
	last   atomic.Int64 // unix nanos; 0 means never triggered

	now func() time.Time
}

// NewCooldown creates a cooldown clock. A non-positive period falls back to
// DefaultCooldownPeriod.
func NewCooldown(period time.Duration) *Cooldown {
	if period <= 0 {
		period = DefaultCooldownPeriod
	}
	return &Cooldown{period: period, now: time.Now}
}

// Period returns the configured cooldown length.
func (c *Cooldown) Period() time.Duration {
	return c.period
}

// Ready reports whether a new trigger is allowed.
func (c *Cooldown) Ready() bool {
	return c.Remaining() == 0
}

// Remaining returns how long until the next trigger is allowed, zero when the
// cooldown has elapsed or was never armed.
func (c *Cooldown) Remaining() time.Duration {
	last := c.last.Load()
	if last == 0 {
		return 0
	}
	elapsed := c.now().Sub(time.Unix(0, last))
	if elapsed >= c.period {
		return 0
	}
	return c.period - elapsed
}

// Mark arms the full cooldown period starting now.
func (c *Cooldown) Mark() {
	c.last.Store(c.now().UnixNano())
}

// RetryIn arms a shorter window, used after a failed cycle so the next
// attempt does not wait the full period.
func (c *Cooldown) RetryIn(d time.Duration) {
	if d >= c.period {
		c.Mark()
		return
	}
	c.last.Store(c.now().Add(d - c.period).UnixNano())
}

// LastTrigger returns when the cooldown was last armed, zero if never.
func (c *Cooldown) LastTrigger() time.Time {
	last := c.last.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}
