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

// Package worker claims runnable runs under their locks and drives them
// through the pipeline.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/approval"
	"github.com/coderelay/coderelay/internal/idempotency"
	"github.com/coderelay/coderelay/internal/pipeline"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/errors"
)

// Config tunes the worker loop.
type Config struct {
	// ID identifies this worker as a lock holder. Defaults to
	// hostname-suffixed random id.
	ID string

	// Tenants is the set of tenants this worker serves.
	Tenants []string

	// PollInterval is how often the worker scans for runnable runs.
	PollInterval time.Duration

	// HeartbeatInterval is how often held locks are renewed and run
	// cancellation is observed.
	HeartbeatInterval time.Duration

	// SweepInterval is how often expired approvals and documents are swept.
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		ID:                fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		PollInterval:      2 * time.Second,
		HeartbeatInterval: idempotency.HeartbeatInterval,
		SweepInterval:     30 * time.Second,
	}
}

// Worker owns run execution: it claims runs via their locks, heartbeats
// while executing, observes cancellation cooperatively, and sweeps expired
// approvals.
type Worker struct {
	engine *run.Engine
	orch   *pipeline.Orchestrator
	locks  *idempotency.LockManager
	gate   *approval.Gate
	store  store.Store
	logger *slog.Logger
	cfg    Config

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New creates a worker.
func New(engine *run.Engine, orch *pipeline.Orchestrator, locks *idempotency.LockManager, gate *approval.Gate, st store.Store, logger *slog.Logger, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = DefaultConfig().ID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		orch:   orch,
		locks:  locks,
		gate:   gate,
		store:  st,
		logger: logger,
		cfg:    cfg,
		stop:   make(chan struct{}),
	}
}

// Run polls until ctx is cancelled or Stop is called, then drains in-flight
// executions.
func (w *Worker) Run(ctx context.Context) {
	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()

	w.logger.Info("worker started", slog.String("worker_id", w.cfg.ID))
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-w.stop:
			w.wg.Wait()
			return
		case <-poll.C:
			if _, err := w.ProcessOnce(ctx); err != nil {
				w.logger.Error("poll pass failed", slog.String("error", err.Error()))
			}
		case <-sweep.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("sweep pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop asks the worker to drain and exit. Safe to call more than once.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
}

// ProcessOnce executes every claimable run across the worker's tenants,
// returning how many runs it advanced.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	processed := 0
	for _, tenant := range w.cfg.Tenants {
		for _, status := range []run.Status{run.StatusPending, run.StatusRunning} {
			runs, err := w.engine.ListRuns(ctx, tenant, run.ListFilter{Status: status})
			if err != nil {
				return processed, err
			}
			for _, r := range runs {
				if err := w.ProcessRun(ctx, r.ID); err != nil {
					if errors.As(err, new(*errors.LockConflictError)) {
						continue
					}
					w.logger.Warn("run execution failed",
						slog.String("run_id", r.ID),
						slog.String("error", err.Error()))
					continue
				}
				processed++
			}
		}
	}
	return processed, nil
}

// ProcessRun claims one run's lock and drives it as far as it can go. A
// LockConflictError means another worker owns it.
func (w *Worker) ProcessRun(ctx context.Context, runID string) error {
	r, err := w.engine.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() || r.Status == run.StatusAwaitingApproval {
		return nil
	}

	if _, err := w.locks.Acquire(ctx, r.TenantID, runID, w.cfg.ID); err != nil {
		return err
	}
	defer func() {
		if err := w.locks.Release(context.WithoutCancel(ctx), runID, w.cfg.ID); err != nil {
			w.logger.Warn("lock release failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.wg.Add(1)
	hbDone := make(chan struct{})
	go func() {
		defer w.wg.Done()
		defer close(hbDone)
		w.heartbeat(execCtx, runID, cancel)
	}()

	err = w.orch.Execute(execCtx, runID)
	cancel()
	<-hbDone

	if execCtx.Err() != nil {
		// Cancelled mid-flight: leave unfinished steps skipped so resume
		// analysis sees a consistent trail.
		w.skipOpenSteps(context.WithoutCancel(ctx), runID)
	}
	return err
}

// heartbeat renews the lock and observes cancellation until execCtx ends.
// Losing the lock or seeing the run cancelled stops execution via cancel.
func (w *Worker) heartbeat(execCtx context.Context, runID string, cancel context.CancelFunc) {
	tick := time.NewTicker(w.cfg.HeartbeatInterval)
	defer tick.Stop()

	for {
		select {
		case <-execCtx.Done():
			return
		case <-tick.C:
			if _, err := w.locks.Heartbeat(execCtx, runID, w.cfg.ID); err != nil {
				w.logger.Warn("lost run lock, stopping execution",
					slog.String("run_id", runID),
					slog.String("worker_id", w.cfg.ID))
				cancel()
				return
			}
			r, err := w.engine.GetRun(execCtx, runID)
			if err == nil && r.Status == run.StatusCancelled {
				w.logger.Info("run cancelled, stopping execution", slog.String("run_id", runID))
				cancel()
				return
			}
		}
	}
}

// skipOpenSteps marks a run's non-terminal steps skipped after cooperative
// cancellation.
func (w *Worker) skipOpenSteps(ctx context.Context, runID string) {
	steps, err := w.engine.ListSteps(ctx, runID)
	if err != nil {
		return
	}
	for _, s := range steps {
		if s.Status.Terminal() {
			continue
		}
		if _, err := w.engine.UpdateStepStatus(ctx, s.ID, run.StepSkipped, run.StepUpdate{}); err != nil {
			w.logger.Warn("failed to skip step",
				slog.String("step_id", s.ID),
				slog.String("error", err.Error()))
		}
	}
}

// SweepOnce expires pending approvals past their TTL (failing their runs)
// and purges expired documents.
func (w *Worker) SweepOnce(ctx context.Context) error {
	for _, tenant := range w.cfg.Tenants {
		n, err := w.gate.SweepExpired(ctx, tenant)
		if err != nil {
			return err
		}
		if n > 0 {
			w.logger.Info("expired pending approvals",
				slog.String("tenant_id", tenant),
				slog.Int("count", n))
		}
	}
	if w.store != nil {
		if _, err := w.store.PurgeExpired(ctx, time.Now()); err != nil {
			return err
		}
	}
	return nil
}
