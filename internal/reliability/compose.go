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

	"github.com/coderelay/coderelay/pkg/errors"
)

// CallSpec names the guards around one outbound call.
type CallSpec struct {
	// TenantID scopes the rate-limit key.
	TenantID string

	// Resource is the rate-limited resource name (e.g. "capability.llm").
	Resource string

	// Breaker is the shared breaker name. Empty skips the breaker.
	Breaker string

	// Retry is the backoff policy. Zero value means a single attempt.
	Retry RetryPolicy
}

// Executor composes rate limiting, retry, and circuit breaking around
// outbound calls.
type Executor struct {
	limiter  *RateLimiter
	breakers *BreakerRegistry
}

// NewExecutor creates an executor. Either guard may be nil to disable it.
func NewExecutor(limiter *RateLimiter, breakers *BreakerRegistry) *Executor {
	return &Executor{limiter: limiter, breakers: breakers}
}

// Do runs op under the spec's guards.
//
// Ordering is fixed: an open breaker fails the call before any rate-limit
// budget is consumed; rate-limited rejections are not retryable; inside the
// retry loop every attempt passes through the breaker so failures are
// counted.
func (e *Executor) Do(ctx context.Context, spec CallSpec, op func(ctx context.Context) error) error {
	if e.breakers != nil && spec.Breaker != "" && e.breakers.Open(spec.Breaker) {
		return &errors.CircuitOpenError{Breaker: spec.Breaker}
	}

	if e.limiter != nil && spec.Resource != "" {
		if err := e.limiter.Allow(ctx, spec.TenantID, spec.Resource); err != nil {
			return err
		}
	}

	return Retry(ctx, spec.Retry, func(ctx context.Context) error {
		if e.breakers == nil || spec.Breaker == "" {
			return op(ctx)
		}
		return e.breakers.Execute(ctx, spec.Breaker, op)
	})
}
