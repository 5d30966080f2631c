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

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/log"
	"github.com/coderelay/coderelay/internal/reliability"
)

type contextKey string

const correlationKey contextKey = "correlation_id"

// HeaderCorrelationID carries the request correlation id in and out.
const HeaderCorrelationID = "X-Correlation-ID"

// HeaderTenantID identifies the calling tenant. Authentication of the
// header is the deployment's ingress concern.
const HeaderTenantID = "X-Tenant-ID"

// CorrelationIDFrom returns the request's correlation id, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// CorrelationMiddleware assigns every request a correlation id, honoring a
// caller-supplied one, and echoes it on the response.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		ctx := context.WithValue(r.Context(), correlationKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs one line per completed request with the
// correlation id attached.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.WithCorrelationID(logger, CorrelationIDFrom(r.Context())).Info("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Recorder receives API-surface outcomes for metrics. All methods must be
// safe for concurrent use.
type Recorder interface {
	RateLimited(resource string)
	WebhookDelivery(status string)
}

type nopRecorder struct{}

func (nopRecorder) RateLimited(string)     {}
func (nopRecorder) WebhookDelivery(string) {}

// RateLimitMiddleware rejects requests over the tenant's sliding-window
// budget with 429 and a structured error. nil limiter disables limiting.
func RateLimitMiddleware(limiter *reliability.RateLimiter, resource string, rec Recorder, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(HeaderTenantID)
		if err := limiter.Allow(r.Context(), tenant, resource); err != nil {
			rec.RateLimited(resource)
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
