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
package obs

import (
	"context"
	"sync"
	"time"
)

// rateLimiter enforces a sliding-window request budget: at most limit
// requests in any window of the configured length. Before each request the
// window is pruned of aged-out timestamps; when full, the caller sleeps until
// the oldest timestamp ages out.
type rateLimiter struct {
	mu     sync.Mutex
	sent   []time.Time
	limit  int
	window time.Duration

	// now is swappable for tests.
	now func() time.Time

	throttled int64
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 1000
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		sent:   make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Wait blocks until a request slot is available or ctx is cancelled, then
// records the request timestamp.
func (rl *rateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := rl.now()
		rl.evict(now)

		if len(rl.sent) < rl.limit {
			rl.sent = append(rl.sent, now)
			rl.mu.Unlock()
			return nil
		}

		// Window full: sleep until the oldest entry ages out.
		wait := rl.sent[0].Add(rl.window).Sub(now)
		rl.throttled++
		rl.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// evict drops timestamps older than the window. Caller holds mu.
func (rl *rateLimiter) evict(now time.Time) {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(rl.sent) && !rl.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.sent = append(rl.sent[:0], rl.sent[i:]...)
	}
}

// InFlightWindow returns how many requests are recorded in the current
// window.
func (rl *rateLimiter) InFlightWindow() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.evict(rl.now())
	return len(rl.sent)
}

// Throttled returns how many times a caller had to wait for the window.
func (rl *rateLimiter) Throttled() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.throttled
}
