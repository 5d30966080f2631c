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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/coderelay/coderelay/pkg/errors"
)

func TestRetryStopsOnPermanent(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return &errors.PermanentError{Message: "bad request", StatusCode: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent error retried: %d calls", calls)
	}
}

func TestRetryExhaustsTransient(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return &errors.TransientError{Message: "503", StatusCode: 503}
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &errors.TimeoutError{Operation: "call", Duration: time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryDelayWithinBounds(t *testing.T) {
	policy := RetryStandard
	for attempt := 0; attempt < 10; attempt++ {
		d := policy.Delay(attempt)
		if d < 0 || d > policy.MaxDelay {
			t.Errorf("attempt %d: delay %v out of [0, %v]", attempt, d, policy.MaxDelay)
		}
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         50 * time.Millisecond,
		Window:           time.Minute,
	}, nil)
	ctx := context.Background()

	fail := func(ctx context.Context) error {
		return &errors.TransientError{Message: "down"}
	}

	for i := 0; i < 5; i++ {
		if err := reg.Execute(ctx, "capability.llm", fail); err == nil {
			t.Fatal("expected failure")
		}
	}

	// 6th call fails immediately with CircuitOpen.
	calls := 0
	err := reg.Execute(ctx, "capability.llm", func(ctx context.Context) error {
		calls++
		return nil
	})
	var open *errors.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
	if calls != 0 {
		t.Error("open breaker must not invoke the call")
	}
	if !reg.Open("capability.llm") {
		t.Error("Open() should report true")
	}

	// After cooldown, a half-open probe is admitted; success closes.
	time.Sleep(60 * time.Millisecond)
	if err := reg.Execute(ctx, "capability.llm", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if reg.Open("capability.llm") {
		t.Error("breaker should be closed after successful probe")
	}
}

func TestBreakersSharedByName(t *testing.T) {
	reg := NewBreakerRegistry(DefaultBreakerConfig(), nil)
	if reg.Get("a") != reg.Get("a") {
		t.Error("same name must return same breaker")
	}
	if reg.Get("a") == reg.Get("b") {
		t.Error("different names must return different breakers")
	}
}

func TestSlidingWindowBoundary(t *testing.T) {
	store := NewMemoryRateLimitStore()
	limiter := NewRateLimiter(store, 10, 60*time.Second)

	base := time.Now()
	current := base
	limiter.SetClock(func() time.Time { return current })
	ctx := context.Background()

	// t=0..9: 10 requests admitted.
	for i := 0; i < 10; i++ {
		current = base.Add(time.Duration(i) * time.Second)
		if err := limiter.Allow(ctx, "tenant-a", "runs"); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}

	// t=30: rejected, exactly limit admitted per window.
	current = base.Add(30 * time.Second)
	err := limiter.Allow(ctx, "tenant-a", "runs")
	var limited *errors.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}

	// t=61: the t=0 sample expired; admitted.
	current = base.Add(61 * time.Second)
	if err := limiter.Allow(ctx, "tenant-a", "runs"); err != nil {
		t.Fatalf("request after window rejected: %v", err)
	}
}

func newRedisWindowStore(t *testing.T) *RedisRateLimitStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRateLimitStore(client)
}

func TestRedisWindowBoundary(t *testing.T) {
	s := newRedisWindowStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		admitted, _, err := s.Take(ctx, "tenant-a:runs", 3, time.Minute, base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if !admitted {
			t.Fatalf("request %d rejected below the limit", i)
		}
	}

	admitted, retryAfter, err := s.Take(ctx, "tenant-a:runs", 3, time.Minute, base.Add(3*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if admitted {
		t.Fatal("request over the limit admitted")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %v, want > 0", retryAfter)
	}

	// The oldest sample fell out of the window; one slot opens.
	admitted, _, err = s.Take(ctx, "tenant-a:runs", 3, time.Minute, base.Add(time.Minute+time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !admitted {
		t.Error("request after the window rejected")
	}
}

func TestRedisWindowAdmitsExactlyLimitUnderContention(t *testing.T) {
	s := newRedisWindowStore(t)
	ctx := context.Background()
	now := time.Now()

	// Concurrent workers sharing one key must never over-admit: the trim,
	// count, and add run as one server-side step.
	const limit = 5
	const workers = 20
	var admitted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, _, err := s.Take(ctx, "tenant-a:runs", limit, time.Minute, now)
			if err != nil {
				t.Errorf("take: %v", err)
				return
			}
			if ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Errorf("admitted %d concurrent requests, want exactly %d", got, limit)
	}
}

func TestRateLimitTenantIsolation(t *testing.T) {
	limiter := NewRateLimiter(NewMemoryRateLimitStore(), 1, time.Minute)
	ctx := context.Background()

	if err := limiter.Allow(ctx, "tenant-a", "runs"); err != nil {
		t.Fatalf("tenant-a rejected: %v", err)
	}
	if err := limiter.Allow(ctx, "tenant-b", "runs"); err != nil {
		t.Fatalf("tenant-b must not share tenant-a's window: %v", err)
	}
	if err := limiter.Allow(ctx, "tenant-a", "runs"); err == nil {
		t.Error("tenant-a second request should be rejected")
	}
}

func TestComposeOrdering(t *testing.T) {
	limiter := NewRateLimiter(NewMemoryRateLimitStore(), 1, time.Minute)
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, Window: time.Minute}, nil)
	exec := NewExecutor(limiter, reg)
	ctx := context.Background()

	spec := CallSpec{
		TenantID: "tenant-a",
		Resource: "capability.llm",
		Breaker:  "capability.llm",
		Retry:    RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}

	// Trip the breaker (consumes the single rate-limit slot).
	_ = exec.Do(ctx, spec, func(ctx context.Context) error {
		return &errors.TransientError{Message: "down"}
	})

	// Open breaker short-circuits before consuming budget: a different
	// resource key still has its slot afterwards.
	err := exec.Do(ctx, spec, func(ctx context.Context) error { return nil })
	var open *errors.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}

	// Rate-limited rejection is not retried.
	calls := 0
	spec2 := spec
	spec2.Breaker = "other"
	spec2.Resource = "runs"
	if err := exec.Do(ctx, spec2, func(ctx context.Context) error { calls++; return nil }); err != nil {
		t.Fatalf("first call on fresh key failed: %v", err)
	}
	err = exec.Do(ctx, spec2, func(ctx context.Context) error { calls++; return nil })
	var limited *errors.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("rate-limited call must not reach op; calls=%d", calls)
	}
}
