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

package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coderelay/coderelay/internal/approval"
	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/reliability"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/pkg/errors"
)

// Named breakers guarding the two outbound ports.
const (
	BreakerLLM       = "capability.llm"
	BreakerConnector = "capability.connector"
)

// Config tunes the orchestrator.
type Config struct {
	// OutputRetryBudget is how many model calls a stage gets before a
	// schema-invalid artifact becomes failed_terminal.
	OutputRetryBudget int

	// ApplyCapability is the destructive capability autopilot runs dispatch.
	ApplyCapability capability.Capability

	// LLMRetry and ConnectorRetry back off transient failures per call.
	LLMRetry       reliability.RetryPolicy
	ConnectorRetry reliability.RetryPolicy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		OutputRetryBudget: 3,
		ApplyCapability:   capability.OpenPR,
		LLMRetry:          reliability.RetryStandard,
		ConnectorRetry:    reliability.RetryFast,
	}
}

// Orchestrator drives a run through its workflow's stages, persisting every
// step through the engine and parking the run at the approval gate before
// any destructive dispatch.
type Orchestrator struct {
	engine    *run.Engine
	gate      *approval.Gate
	llm       capability.LLM
	connector capability.Connector
	exec      *reliability.Executor
	audit     *audit.Log
	stages    map[run.StageKind]Stage
	logger    *slog.Logger
	cfg       Config
}

// New creates an orchestrator over the injected ports.
func New(engine *run.Engine, gate *approval.Gate, llm capability.LLM, connector capability.Connector, exec *reliability.Executor, auditLog *audit.Log, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.OutputRetryBudget <= 0 {
		cfg.OutputRetryBudget = DefaultConfig().OutputRetryBudget
	}
	if cfg.ApplyCapability == "" {
		cfg.ApplyCapability = capability.OpenPR
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine:    engine,
		gate:      gate,
		llm:       llm,
		connector: connector,
		exec:      exec,
		audit:     auditLog,
		stages:    Registry(),
		logger:    logger,
		cfg:       cfg,
	}
}

// Execute advances a run as far as it can go: through its remaining stages,
// then to the approval gate, the mutation dispatch, and a terminal status.
// It is re-entrant; calling it on a parked or terminal run is harmless.
// The caller must hold the run's lock.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	r, err := o.engine.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	switch {
	case r.Status.Terminal():
		return nil
	case r.Status == run.StatusAwaitingApproval:
		// Parked. A decision event moves the run back to running.
		return nil
	case r.Status == run.StatusPending:
		if r, err = o.engine.TransitionRun(ctx, runID, run.StatusRunning, "execution started"); err != nil {
			return err
		}
	}

	stages, err := StagesFor(r.Kind)
	if err != nil {
		return err
	}

	artifacts, err := o.collectArtifacts(ctx, runID)
	if err != nil {
		return err
	}

	for _, kind := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, done := artifacts[kind]; done {
			continue
		}
		artifact, err := o.executeStage(ctx, r, kind, artifacts)
		if err != nil {
			return err
		}
		artifacts[kind] = artifact
	}

	if !AppliesMutation(r.Kind) {
		_, err = o.engine.TransitionRun(ctx, runID, run.StatusCompleted, "all stages complete")
		return err
	}
	return o.applyPhase(ctx, r, artifacts)
}

// collectArtifacts loads the artifacts of succeeded steps. A succeeded step
// whose artifact bytes are missing is treated as not done, so its stage
// re-runs at resume rather than failing the run.
func (o *Orchestrator) collectArtifacts(ctx context.Context, runID string) (map[run.StageKind]json.RawMessage, error) {
	steps, err := o.engine.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	artifacts := make(map[run.StageKind]json.RawMessage)
	for _, s := range steps {
		if s.Status == run.StepSucceeded && len(s.Output) > 0 {
			artifacts[s.Stage] = s.Output
		}
	}
	return artifacts, nil
}

// complexityFrom extracts the triage complexity score, or -1 when absent.
func complexityFrom(artifacts map[run.StageKind]json.RawMessage) int {
	raw, ok := artifacts[run.StageTriage]
	if !ok {
		return -1
	}
	var t TriageArtifact
	if err := json.Unmarshal(raw, &t); err != nil {
		return -1
	}
	return t.Complexity
}

// executeStage appends and runs one step, spending the output retry budget
// on schema-invalid artifacts before failing terminally.
func (o *Orchestrator) executeStage(ctx context.Context, r *run.Run, kind run.StageKind, prior map[run.StageKind]json.RawMessage) (json.RawMessage, error) {
	stage, ok := o.stages[kind]
	if !ok {
		return nil, &errors.InternalError{Message: "no handler for stage " + string(kind)}
	}

	tier := capability.TierFor(kind, complexityFrom(prior))
	in := StageInput{
		Target:    r.Target,
		Artifacts: prior,
		Payload:   r.Input,
		Tier:      tier,
	}

	step, err := o.engine.AppendStep(ctx, r.ID, kind, in.Hash())
	if err != nil {
		return nil, err
	}
	log := o.logger.With(
		slog.String("run_id", r.ID),
		slog.String("step_id", step.ID),
		slog.String("stage", string(kind)),
		slog.String("model_tier", string(tier)))

	var out *StageOutput
	for attempt := 1; ; attempt++ {
		if _, err = o.engine.UpdateStepStatus(ctx, step.ID, run.StepRunning, run.StepUpdate{ModelTier: string(tier)}); err != nil {
			return nil, err
		}

		started := time.Now()
		err = o.exec.Do(ctx, reliability.CallSpec{
			TenantID: r.TenantID,
			Resource: BreakerLLM,
			Breaker:  BreakerLLM,
			Retry:    o.cfg.LLMRetry,
		}, func(ctx context.Context) error {
			var stageErr error
			out, stageErr = stage.Execute(ctx, o.llm, in)
			return stageErr
		})
		if err == nil {
			break
		}

		record := &run.ErrorRecord{
			Code:      errors.CodeOf(err),
			Message:   err.Error(),
			Retryable: errors.IsRetryable(err),
			At:        time.Now().UTC(),
		}

		// Schema-invalid artifacts get fresh model calls up to the budget.
		var perm *errors.PermanentError
		if errors.As(err, &perm) && perm.Kind == KindOutputInvalid && attempt < o.cfg.OutputRetryBudget {
			record.Kind = KindOutputInvalid
			if _, uerr := o.engine.UpdateStepStatus(ctx, step.ID, run.StepFailedRetry, run.StepUpdate{Error: record}); uerr != nil {
				return nil, uerr
			}
			log.Warn("stage artifact invalid, retrying",
				slog.Int("attempt", attempt),
				slog.Int64("duration_ms", time.Since(started).Milliseconds()))
			continue
		}

		if errors.IsRetryable(err) {
			// Transient exhaustion: leave the step resumable and surface the
			// failure to the worker's own retry schedule.
			if _, uerr := o.engine.UpdateStepStatus(ctx, step.ID, run.StepFailedRetry, run.StepUpdate{Error: record}); uerr != nil {
				return nil, uerr
			}
			return nil, err
		}

		if errors.As(err, &perm) && perm.Kind == KindOutputInvalid {
			record.Kind = KindOutputInvalid
		}
		if _, uerr := o.engine.UpdateStepStatus(ctx, step.ID, run.StepFailedTerminal, run.StepUpdate{Error: record}); uerr != nil {
			return nil, uerr
		}
		if serr := o.engine.SetRunError(ctx, r.ID, record); serr != nil {
			return nil, serr
		}
		if _, terr := o.engine.TransitionRun(ctx, r.ID, run.StatusFailed, record.Kind); terr != nil {
			return nil, terr
		}
		return nil, err
	}

	if _, err := o.engine.UpdateStepStatus(ctx, step.ID, run.StepSucceeded, run.StepUpdate{
		OutputHash: approval.HashArtifact(out.Artifact),
		Output:     out.Artifact,
		ModelTier:  string(tier),
	}); err != nil {
		return nil, err
	}
	log.Info("stage completed")
	return out.Artifact, nil
}

// buildMutation derives the canonical mutation from the run's artifacts.
func (o *Orchestrator) buildMutation(r *run.Run, artifacts map[run.StageKind]json.RawMessage) (*capability.Mutation, []byte, error) {
	code, ok := artifacts[run.StageCode]
	if !ok {
		return nil, nil, &errors.InternalError{Message: "apply phase reached without a code artifact"}
	}
	m := &capability.Mutation{
		Capability: o.cfg.ApplyCapability,
		Target:     r.Target,
		Payload:    code,
	}
	canonical, err := audit.CanonicalBytes(m)
	if err != nil {
		return nil, nil, err
	}
	return m, canonical, nil
}

// applyPhase gates and dispatches the run's destructive mutation. The
// review verdict must approve; otherwise the run completes without any
// outbound mutation.
func (o *Orchestrator) applyPhase(ctx context.Context, r *run.Run, artifacts map[run.StageKind]json.RawMessage) error {
	var review ReviewArtifact
	if raw, ok := artifacts[run.StageReview]; ok {
		if err := json.Unmarshal(raw, &review); err != nil {
			return err
		}
	}
	if review.Verdict != VerdictApprove {
		_, err := o.engine.TransitionRun(ctx, r.ID, run.StatusCompleted, "review requested changes; no mutation applied")
		return err
	}

	mutation, canonical, err := o.buildMutation(r, artifacts)
	if err != nil {
		return err
	}
	wantHash := approval.HashArtifact(canonical)

	// Already approved: verify the binding and dispatch.
	approved, err := o.gate.Approved(ctx, r.TenantID, r.ID)
	if err != nil {
		return err
	}
	if approved != nil {
		if approved.ArtifactHash != wantHash {
			if _, terr := o.engine.TransitionRun(ctx, r.ID, run.StatusFailed, approval.FailureDenied); terr != nil {
				return terr
			}
			return &errors.ApprovalInvalidError{Reason: "hash_mismatch", RunID: r.ID}
		}
		return o.dispatch(ctx, r, mutation, canonical, approved)
	}

	// A pending request means the run is already parked; otherwise request
	// approval now.
	rec, err := o.gate.Pending(ctx, r.TenantID, r.ID)
	if err != nil {
		var invalid *errors.ApprovalInvalidError
		if !errors.As(err, &invalid) {
			return err
		}
		rec, err = o.gate.Request(ctx, r.TenantID, r.ID, mutation.Capability, r.Target, canonical)
		if err != nil {
			return err
		}
	}
	if _, err := o.engine.TransitionRun(ctx, r.ID, run.StatusAwaitingApproval, "mutation proposed"); err != nil {
		return err
	}

	updated, matched, err := o.gate.TryAutoApprove(ctx, rec)
	if err != nil {
		return err
	}
	if matched {
		return o.dispatch(ctx, r, mutation, canonical, updated)
	}
	return nil
}

// dispatch executes the approved mutation through the connector and
// finishes the run.
func (o *Orchestrator) dispatch(ctx context.Context, r *run.Run, mutation *capability.Mutation, canonical []byte, rec *approval.Record) error {
	var result *capability.Result
	err := o.exec.Do(ctx, reliability.CallSpec{
		TenantID: r.TenantID,
		Resource: BreakerConnector,
		Breaker:  BreakerConnector,
		Retry:    o.cfg.ConnectorRetry,
	}, func(ctx context.Context) error {
		var derr error
		result, derr = o.connector.Dispatch(ctx, r.TenantID, *mutation)
		return derr
	})
	if err != nil {
		return err
	}

	if o.audit != nil {
		_, _ = o.audit.Append(ctx, r.TenantID, r.ID, "orchestrator", audit.KindMutationApplied, map[string]any{
			"capability":    string(mutation.Capability),
			"artifact_hash": approval.HashArtifact(canonical),
			"approval_id":   rec.ID,
			"result_url":    result.URL,
		})
	}
	o.logger.Info("mutation applied",
		slog.String("run_id", r.ID),
		slog.String("capability", string(mutation.Capability)),
		slog.String("approval_id", rec.ID))

	_, err = o.engine.TransitionRun(ctx, r.ID, run.StatusCompleted, "mutation applied")
	return err
}
