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

// Package api provides the HTTP API for the control plane.
package api

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coderelay/coderelay/internal/reliability"
	"github.com/coderelay/coderelay/pkg/errors"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string
	Commit  string
}

// RouteRegistrar registers handler routes on a mux.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Router wraps an http.ServeMux with the middleware chain and graceful
// drain: while draining, mutating requests are refused so in-flight runs
// can settle before shutdown.
type Router struct {
	mux      *http.ServeMux
	config   RouterConfig
	logger   *slog.Logger
	limiter  *reliability.RateLimiter
	metrics  http.Handler
	recorder Recorder
	draining atomic.Bool
}

// NewRouter creates a new HTTP router. limiter may be nil to disable
// inbound rate limiting.
func NewRouter(cfg RouterConfig, logger *slog.Logger, limiter *reliability.RateLimiter) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		config:   cfg,
		logger:   logger,
		limiter:  limiter,
		recorder: nopRecorder{},
	}
	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	return r
}

// Register adds a handler's routes to the router.
func (rt *Router) Register(h RouteRegistrar) {
	h.RegisterRoutes(rt.mux)
}

// SetMetricsHandler registers a metrics endpoint.
func (rt *Router) SetMetricsHandler(h http.Handler) {
	rt.metrics = h
	if h != nil {
		rt.mux.Handle("GET /metrics", h)
	}
}

// SetRecorder installs a metrics recorder for middleware outcomes.
func (rt *Router) SetRecorder(rec Recorder) {
	if rec != nil {
		rt.recorder = rec
	}
}

// SetDraining toggles drain mode.
func (rt *Router) SetDraining(v bool) {
	rt.draining.Store(v)
}

// ServeHTTP implements http.Handler, applying correlation, rate limiting,
// and request logging around the mux.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if rt.draining.Load() && req.Method != http.MethodGet {
			w.Header().Set("Retry-After", "10")
			writeJSON(w, http.StatusServiceUnavailable, ErrorBody{
				Code:          errors.CodeTransient,
				Message:       "shutting down, not accepting new work",
				Retryable:     true,
				CorrelationID: CorrelationIDFrom(req.Context()),
			})
			return
		}
		rt.mux.ServeHTTP(w, req)
	})

	handler = RateLimitMiddleware(rt.limiter, "http", rt.recorder, handler)
	handler = LoggingMiddleware(rt.logger, handler)
	handler = CorrelationMiddleware(handler)
	handler.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (rt *Router) Mux() *http.ServeMux {
	return rt.mux
}

func (rt *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	if rt.draining.Load() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (rt *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": rt.config.Version,
		"commit":  rt.config.Commit,
	})
}
