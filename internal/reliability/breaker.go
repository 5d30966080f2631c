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
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coderelay/coderelay/pkg/errors"
)

// BreakerConfig controls when a named breaker opens.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures.
	FailureThreshold uint32

	// FailureRate opens the breaker when the failure ratio over the
	// rolling window reaches this value (0 disables rate tripping).
	FailureRate float64

	// MinRequests is the minimum sample size before FailureRate applies.
	MinRequests uint32

	// Window is the rolling window over which FailureRate is computed.
	Window time.Duration

	// Cooldown is how long the breaker stays open before admitting a
	// half-open probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig mirrors the documented defaults: 5 consecutive
// failures or a 50% failure rate over a 60s window, 30s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureRate:      0.5,
		MinRequests:      10,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// BreakerRegistry holds named circuit breakers shared across callers within
// a process. Breakers are purely in-memory: loss on restart is acceptable
// since they start closed and rediscover failures.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   BreakerConfig
	logger   *slog.Logger
}

// NewBreakerRegistry creates a registry with the given default config.
func NewBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   cfg,
		logger:   logger,
	}
}

// Get returns the breaker registered under name, creating it if needed.
// Callers using the same name share breaker state.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.config
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // half-open admits a single probe
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.FailureThreshold > 0 && counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			if cfg.FailureRate > 0 && counts.Requests >= cfg.MinRequests {
				rate := float64(counts.TotalFailures) / float64(counts.Requests)
				return rate >= cfg.FailureRate
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	r.breakers[name] = cb
	return cb
}

// Open reports whether the named breaker currently rejects calls. An
// unregistered name is closed by definition.
func (r *BreakerRegistry) Open(name string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// Execute runs op through the named breaker, translating breaker rejections
// into CircuitOpenError.
func (r *BreakerRegistry) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	cb := r.Get(name)
	_, err := cb.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &errors.CircuitOpenError{Breaker: name}
	}
	return err
}
