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

// Package reliability provides the retry, circuit-breaker, and rate-limit
// kernel wrapping every outbound call.
package reliability

import (
	"context"
	"math/rand"
	"time"

	"github.com/coderelay/coderelay/pkg/errors"
)

// RetryPolicy controls exponential backoff with full jitter:
// delay = random(0, base * 2^attempt), capped at MaxDelay.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
}

// Presets matching the operational profiles of outbound calls.
var (
	// RetryFast suits quick internal calls: 3 attempts, 100ms base, 5s cap.
	RetryFast = RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}

	// RetryStandard suits most host calls: 5 attempts, 500ms base, 30s cap.
	RetryStandard = RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}

	// RetryPatient suits slow capabilities: 8 attempts, 1s base, 2m cap.
	RetryPatient = RetryPolicy{MaxAttempts: 8, BaseDelay: time.Second, MaxDelay: 2 * time.Minute}
)

// Delay computes the backoff before the given retry (attempt 0 is the delay
// before the first retry).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	ceiling := p.BaseDelay << uint(attempt)
	if ceiling <= 0 || ceiling > p.MaxDelay {
		ceiling = p.MaxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// Retry runs op, retrying classified-transient failures under the policy.
// Non-retryable errors and context cancellation return immediately.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}
