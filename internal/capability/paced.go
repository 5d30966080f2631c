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

package capability

import (
	"context"

	"golang.org/x/time/rate"
)

// PacedLLM smooths call bursts to the underlying provider with a token
// bucket. This is client-side pacing, distinct from the tenant-facing
// sliding-window limits the reliability kernel enforces.
type PacedLLM struct {
	inner   LLM
	limiter *rate.Limiter
}

// NewPacedLLM wraps inner so calls proceed at most rps per second with the
// given burst.
func NewPacedLLM(inner LLM, rps float64, burst int) *PacedLLM {
	return &PacedLLM{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Complete waits for pacing capacity, then delegates.
func (p *PacedLLM) Complete(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Complete(ctx, req)
}
