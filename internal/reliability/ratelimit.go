// Copyright 2025 The coderelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coderelay/coderelay/pkg/errors"
)

// RateLimitStore records request timestamps within a sliding window and
// admits a request iff fewer than limit samples remain in the window.
// Implementations must be safe for concurrent use.
type RateLimitStore interface {
	// Take attempts to admit one request for key at now. It returns
	// admitted=false and a suggested retry-after when the window is full.
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (admitted bool, retryAfter time.Duration, err error)
}

// RateLimiter enforces a per-tenant sliding-window limit.
//
// Fairness is strict per-tenant isolation: keys are "{tenant}:{resource}"
// and no global tier exists, so one tenant exhausting its window never
// affects another.
type RateLimiter struct {
	store  RateLimitStore
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter creates a limiter admitting limit requests per window.
func NewRateLimiter(store RateLimitStore, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{store: store, limit: limit, window: window, now: time.Now}
}

// SetClock overrides the limiter's clock. Test use only.
func (l *RateLimiter) SetClock(now func() time.Time) { l.now = now }

// Allow admits one request for the tenant-scoped resource or returns a
// RateLimitedError.
func (l *RateLimiter) Allow(ctx context.Context, tenantID, resource string) error {
	key := fmt.Sprintf("%s:%s", tenantID, resource)
	admitted, retryAfter, err := l.store.Take(ctx, key, l.limit, l.window, l.now())
	if err != nil {
		return errors.Wrap(err, "rate limit check")
	}
	if !admitted {
		return &errors.RateLimitedError{Key: key, RetryAfter: retryAfter}
	}
	return nil
}

// MemoryRateLimitStore keeps windows in process memory. Suitable for a
// single worker; distributed enforcement needs the Redis store.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryRateLimitStore creates an in-memory sliding-window store.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{windows: make(map[string][]time.Time)}
}

// Take implements RateLimitStore.
func (s *MemoryRateLimitStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	samples := s.windows[key]

	// Drop samples that fell out of the window. A sample taken exactly
	// window ago has expired.
	live := samples[:0]
	for _, ts := range samples {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= limit {
		retryAfter := live[0].Add(window).Sub(now)
		s.windows[key] = live
		return false, retryAfter, nil
	}

	s.windows[key] = append(live, now)
	return true, 0, nil
}

// RedisRateLimitStore enforces the sliding window in Redis, shared across
// workers. Samples live in a sorted set scored by unix-milli timestamp with
// a TTL equal to the window.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRateLimitStore creates a Redis-backed sliding-window store.
func NewRedisRateLimitStore(client redis.UniversalClient) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: "ratelimit:"}
}

// takeScript trims the window, counts, and conditionally admits in one
// server-side step, so concurrent workers sharing a key cannot both read a
// below-limit count and both add. A sample scored exactly window ago has
// expired. Returns {admitted, retryAfterMillis}.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local retry = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// Take implements RateLimitStore.
func (s *RedisRateLimitStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}
	if res[0] == 0 {
		return false, time.Duration(res[1]) * time.Millisecond, nil
	}
	return true, 0, nil
}
