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

package run

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/bus"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/errors"
)

// DedupWindow bounds fingerprint-based duplicate rejection for triggers
// that demand it (webhook and schedule).
const DedupWindow = 10 * time.Second

// Engine persists runs and steps, enforces legal transitions, produces
// checkpoints, and supports resume after crash. All mutation of a single
// run is expected to happen under that run's RunLock; the engine's
// compare-and-swap writes turn violations into conflicts rather than lost
// updates.
type Engine struct {
	store  store.Store
	audit  *audit.Log
	bus    bus.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a run engine.
func NewEngine(st store.Store, auditLog *audit.Log, publisher bus.Publisher, logger *slog.Logger) *Engine {
	if publisher == nil {
		publisher = bus.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, audit: auditLog, bus: publisher, logger: logger, now: time.Now}
}

// SetClock overrides the engine's clock. Test use only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Spec describes a run to create.
type Spec struct {
	TenantID string
	Kind     WorkflowKind
	Trigger  TriggerSource
	Target   Target

	// Input is the trigger payload the stages consume.
	Input []byte

	// Fingerprint dedups webhook- and schedule-triggered runs within the
	// dedup window. Empty disables deduplication.
	Fingerprint string
}

// CreateRun atomically inserts a new run in status pending. Webhook- and
// schedule-triggered runs with a fingerprint matching a run created within
// the dedup window are rejected with a ConflictError whose ID is the
// existing run's id.
func (e *Engine) CreateRun(ctx context.Context, spec Spec) (*Run, error) {
	if spec.TenantID == "" {
		return nil, &errors.ValidationError{Field: "tenant_id", Message: "required"}
	}
	if !ValidWorkflowKind(spec.Kind) {
		return nil, &errors.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown workflow kind %q", spec.Kind)}
	}
	if !ValidTrigger(spec.Trigger) {
		return nil, &errors.ValidationError{Field: "trigger", Message: fmt.Sprintf("unknown trigger %q", spec.Trigger)}
	}

	now := e.now()
	dedup := spec.Fingerprint != "" && (spec.Trigger == TriggerWebhook || spec.Trigger == TriggerSchedule)

	r := &Run{
		ID:               NewRunID(now),
		TenantID:         spec.TenantID,
		Trigger:          spec.Trigger,
		Kind:             spec.Kind,
		Status:           StatusPending,
		Target:           spec.Target,
		Input:            spec.Input,
		InputFingerprint: spec.Fingerprint,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}

	doc, err := runDoc(r, 0)
	if err != nil {
		return nil, err
	}
	err = e.store.RunTransaction(ctx, func(tx store.Txn) error {
		if dedup {
			// The marker insert is the dedup decision. It shares the run
			// insert's transaction, so two concurrent deliveries carrying
			// the same fingerprint cannot both pass the window check: the
			// loser's compare-and-swap on the marker conflicts.
			markerID := dedupMarkerID(spec.TenantID, spec.Fingerprint)
			existing, err := tx.Get(store.CollectionFingerprints, markerID)
			switch {
			case err == nil:
				var m dedupMarker
				if derr := store.Decode(existing, &m); derr != nil {
					return derr
				}
				return &errors.ConflictError{
					Resource: "run",
					ID:       m.RunID,
					Reason:   "duplicate input fingerprint within dedup window",
				}
			case errors.As(err, new(*errors.NotFoundError)):
			default:
				return err
			}

			data, err := store.Encode(&dedupMarker{Fingerprint: spec.Fingerprint, RunID: r.ID})
			if err != nil {
				return err
			}
			exp := now.Add(DedupWindow).UTC()
			if err := tx.Put(store.CollectionFingerprints, &store.Document{
				ID:        markerID,
				TenantID:  spec.TenantID,
				Data:      data,
				ExpiresAt: &exp,
			}); err != nil {
				return err
			}
		}
		return tx.Put(store.CollectionRuns, doc)
	})
	if err != nil {
		var conflict *errors.ConflictError
		if errors.As(err, &conflict) {
			if conflict.Resource == "run" {
				return nil, conflict
			}
			if dedup && conflict.Resource == store.CollectionFingerprints {
				// Lost the marker insert race; name the winner.
				if winner, gerr := e.dedupWinner(ctx, spec.TenantID, spec.Fingerprint); gerr == nil {
					return nil, winner
				}
				return nil, &errors.ConflictError{
					Resource: "run",
					Reason:   "duplicate input fingerprint within dedup window",
				}
			}
		}
		return nil, errors.Wrap(err, "creating run")
	}

	if e.audit != nil {
		_, _ = e.audit.Append(ctx, r.TenantID, r.ID, "engine", audit.KindRunCreated, r)
	}
	e.logger.Info("run created",
		slog.String("run_id", r.ID),
		slog.String("tenant_id", r.TenantID),
		slog.String("kind", string(r.Kind)),
		slog.String("trigger", string(r.Trigger)))
	return r, nil
}

// dedupMarker pins a fingerprint to the run that won its dedup window.
type dedupMarker struct {
	Fingerprint string `json:"fingerprint"`
	RunID       string `json:"run_id"`
}

func dedupMarkerID(tenantID, fingerprint string) string {
	return tenantID + ":" + fingerprint
}

// dedupWinner reads the live marker for a fingerprint and reports the
// conflict naming the run that holds it.
func (e *Engine) dedupWinner(ctx context.Context, tenantID, fingerprint string) (*errors.ConflictError, error) {
	doc, err := e.store.Get(ctx, store.CollectionFingerprints, dedupMarkerID(tenantID, fingerprint))
	if err != nil {
		return nil, err
	}
	var m dedupMarker
	if err := store.Decode(doc, &m); err != nil {
		return nil, err
	}
	return &errors.ConflictError{
		Resource: "run",
		ID:       m.RunID,
		Reason:   "duplicate input fingerprint within dedup window",
	}, nil
}

// GetRun retrieves a run by id.
func (e *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	doc, err := e.store.Get(ctx, store.CollectionRuns, runID)
	if err != nil {
		return nil, err
	}
	var r Run
	if err := store.Decode(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListFilter selects runs for listing.
type ListFilter struct {
	Status Status
	Kind   WorkflowKind
	Limit  int
	Offset int
}

// ListRuns returns a tenant's runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, tenantID string, filter ListFilter) ([]*Run, error) {
	q := store.Query{
		TenantID:       tenantID,
		Eq:             map[string]string{},
		OrderByCreated: true,
		Desc:           true,
		Limit:          filter.Limit,
		Offset:         filter.Offset,
	}
	if filter.Status != "" {
		q.Eq["status"] = string(filter.Status)
	}
	if filter.Kind != "" {
		q.Eq["kind"] = string(filter.Kind)
	}

	docs, err := e.store.Query(ctx, store.CollectionRuns, q)
	if err != nil {
		return nil, err
	}
	runs := make([]*Run, 0, len(docs))
	for _, doc := range docs {
		var r Run
		if err := store.Decode(doc, &r); err != nil {
			return nil, err
		}
		runs = append(runs, &r)
	}
	return runs, nil
}

// AppendStep adds the next step to a running run. Ordinals are dense and
// strictly increasing; the run document and step document commit in one
// transaction.
func (e *Engine) AppendStep(ctx context.Context, runID string, stage StageKind, inputHash string) (*Step, error) {
	now := e.now()
	step := &Step{
		ID:        NewStepID(now),
		RunID:     runID,
		Stage:     stage,
		Status:    StepPending,
		InputHash: inputHash,
	}

	err := e.store.RunTransaction(ctx, func(tx store.Txn) error {
		runDocument, err := tx.Get(store.CollectionRuns, runID)
		if err != nil {
			return err
		}
		var r Run
		if err := store.Decode(runDocument, &r); err != nil {
			return err
		}
		if r.Status != StatusRunning {
			return &errors.ConflictError{Resource: "run", ID: runID,
				Reason: fmt.Sprintf("cannot append step in status %s", r.Status)}
		}

		step.TenantID = r.TenantID
		step.Ordinal = len(r.StepIDs)
		r.StepIDs = append(r.StepIDs, step.ID)
		r.UpdatedAt = now.UTC()

		stepDocument, err := stepDoc(step, 0)
		if err != nil {
			return err
		}
		if err := tx.Put(store.CollectionSteps, stepDocument); err != nil {
			return err
		}

		updated, err := runDoc(&r, runDocument.Version)
		if err != nil {
			return err
		}
		return tx.Put(store.CollectionRuns, updated)
	})
	if err != nil {
		return nil, errors.Wrap(err, "appending step")
	}
	return step, nil
}

// GetStep retrieves a step by id.
func (e *Engine) GetStep(ctx context.Context, stepID string) (*Step, error) {
	doc, err := e.store.Get(ctx, store.CollectionSteps, stepID)
	if err != nil {
		return nil, err
	}
	var s Step
	if err := store.Decode(doc, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSteps returns a run's steps in ordinal order.
func (e *Engine) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	r, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	docs, err := e.store.Query(ctx, store.CollectionSteps, store.Query{
		TenantID: r.TenantID,
		Eq:       map[string]string{"run_id": runID},
	})
	if err != nil {
		return nil, err
	}
	steps := make([]*Step, 0, len(docs))
	for _, doc := range docs {
		var s Step
		if err := store.Decode(doc, &s); err != nil {
			return nil, err
		}
		steps = append(steps, &s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Ordinal < steps[j].Ordinal })
	return steps, nil
}

// StepUpdate carries the optional outputs of a step status change.
type StepUpdate struct {
	OutputHash string
	Output     []byte
	ModelTier  string
	Error      *ErrorRecord
}

// UpdateStepStatus validates and persists a step transition. Completing a
// step (succeeded or skipped) writes a Checkpoint in the same transaction.
func (e *Engine) UpdateStepStatus(ctx context.Context, stepID string, newStatus StepStatus, update StepUpdate) (*Step, error) {
	now := e.now()
	var step Step

	err := e.store.RunTransaction(ctx, func(tx store.Txn) error {
		doc, err := tx.Get(store.CollectionSteps, stepID)
		if err != nil {
			return err
		}
		if err := store.Decode(doc, &step); err != nil {
			return err
		}
		if err := ValidateStepStatusTransition(step.Status, newStatus); err != nil {
			return err
		}

		step.Status = newStatus
		switch newStatus {
		case StepRunning:
			step.Attempts++
			t := now.UTC()
			step.StartedAt = &t
		case StepSucceeded, StepFailedRetry, StepFailedTerminal, StepSkipped:
			t := now.UTC()
			step.CompletedAt = &t
		}
		if update.OutputHash != "" {
			step.OutputHash = update.OutputHash
		}
		if update.Output != nil {
			step.Output = update.Output
		}
		if update.ModelTier != "" {
			step.ModelTier = update.ModelTier
		}
		if update.Error != nil {
			step.Error = update.Error
		}

		updated, err := stepDoc(&step, doc.Version)
		if err != nil {
			return err
		}
		if err := tx.Put(store.CollectionSteps, updated); err != nil {
			return err
		}

		// Non-failed completion advances the checkpoint.
		if newStatus == StepSucceeded || newStatus == StepSkipped {
			return e.advanceCheckpoint(tx, &step, now)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "updating step status")
	}

	if newStatus.Terminal() {
		if e.audit != nil {
			_, _ = e.audit.Append(ctx, step.TenantID, step.RunID, "engine", audit.KindStepCompleted, &step)
		}
		payload := map[string]any{
			"step_id": step.ID,
			"ordinal": step.Ordinal,
			"stage":   string(step.Stage),
			"status":  string(step.Status),
		}
		if step.StartedAt != nil && step.CompletedAt != nil {
			payload["duration_seconds"] = step.CompletedAt.Sub(*step.StartedAt).Seconds()
		}
		_ = e.bus.Publish(ctx, bus.Event{
			Topic:    bus.TopicStepCompleted,
			TenantID: step.TenantID,
			RunID:    step.RunID,
			Payload:  payload,
		})
	}
	return &step, nil
}

// advanceCheckpoint folds a completed step into the run's checkpoint.
// Must run inside the transaction that persists the step.
func (e *Engine) advanceCheckpoint(tx store.Txn, step *Step, now time.Time) error {
	cpID := checkpointID(step.RunID)
	cp := Checkpoint{
		RunID:                    step.RunID,
		LastCompletedStepOrdinal: -1,
		Artifacts:                make(map[StageKind]string),
	}

	version := int64(0)
	doc, err := tx.Get(store.CollectionCheckpoints, cpID)
	switch {
	case err == nil:
		if derr := store.Decode(doc, &cp); derr != nil {
			return derr
		}
		version = doc.Version
	case errors.As(err, new(*errors.NotFoundError)):
	default:
		return err
	}

	if step.Ordinal > cp.LastCompletedStepOrdinal {
		cp.LastCompletedStepOrdinal = step.Ordinal
	}
	if cp.Artifacts == nil {
		cp.Artifacts = make(map[StageKind]string)
	}
	if step.Status == StepSucceeded && step.OutputHash != "" {
		cp.Artifacts[step.Stage] = step.OutputHash
	}
	cp.CreatedAt = now.UTC()

	data, err := store.Encode(&cp)
	if err != nil {
		return err
	}
	return tx.Put(store.CollectionCheckpoints, &store.Document{
		ID:       cpID,
		TenantID: step.TenantID,
		Data:     data,
		Version:  version,
	})
}

// failureCode classifies a terminal failure reason for the synthesized
// error record. Gate outcomes are policy results, not internal faults.
func failureCode(reason string) string {
	switch reason {
	case FailureDenied:
		return errors.CodePolicyDenied
	case FailureExpired:
		return errors.CodeApprovalInvalid
	default:
		return errors.CodeInternal
	}
}

// TransitionRun validates and persists a run status transition, emitting an
// audit event and a bus event.
func (e *Engine) TransitionRun(ctx context.Context, runID string, newStatus Status, reason string) (*Run, error) {
	now := e.now()
	var r Run

	err := e.store.RunTransaction(ctx, func(tx store.Txn) error {
		doc, err := tx.Get(store.CollectionRuns, runID)
		if err != nil {
			return err
		}
		if err := store.Decode(doc, &r); err != nil {
			return err
		}
		if err := ValidateRunStatusTransition(r.Status, newStatus); err != nil {
			return err
		}

		r.Status = newStatus
		r.StatusReason = reason
		r.UpdatedAt = now.UTC()
		if newStatus == StatusFailed && r.Error == nil && reason != "" {
			r.Error = &ErrorRecord{Code: failureCode(reason), Kind: reason, Message: reason, At: now.UTC()}
		}

		updated, err := runDoc(&r, doc.Version)
		if err != nil {
			return err
		}
		return tx.Put(store.CollectionRuns, updated)
	})
	if err != nil {
		return nil, err
	}

	if e.audit != nil {
		_, _ = e.audit.Append(ctx, r.TenantID, r.ID, "engine", audit.KindRunTransitioned, map[string]any{
			"to":     string(newStatus),
			"reason": reason,
		})
	}
	_ = e.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicRunStateChanged,
		TenantID: r.TenantID,
		RunID:    r.ID,
		Payload:  map[string]any{"status": string(newStatus), "reason": reason},
	})
	e.logger.Info("run transitioned",
		slog.String("run_id", r.ID),
		slog.String("status", string(newStatus)),
		slog.String("reason", reason))
	return &r, nil
}

// SetRunError attaches a structured error record to a run without changing
// its status. Used before a failed transition so the terminal document
// carries the cause.
func (e *Engine) SetRunError(ctx context.Context, runID string, record *ErrorRecord) error {
	return e.store.RunTransaction(ctx, func(tx store.Txn) error {
		doc, err := tx.Get(store.CollectionRuns, runID)
		if err != nil {
			return err
		}
		var r Run
		if err := store.Decode(doc, &r); err != nil {
			return err
		}
		r.Error = record
		r.UpdatedAt = e.now().UTC()
		updated, err := runDoc(&r, doc.Version)
		if err != nil {
			return err
		}
		return tx.Put(store.CollectionRuns, updated)
	})
}

// LatestCheckpoint returns a run's checkpoint, or nil when no step has
// completed yet.
func (e *Engine) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	doc, err := e.store.Get(ctx, store.CollectionCheckpoints, checkpointID(runID))
	if err != nil {
		if errors.As(err, new(*errors.NotFoundError)) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := store.Decode(doc, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// RecordCheckpoint rewrites a run's checkpoint from its persisted steps.
// Called after approval decisions so the snapshot stays current.
func (e *Engine) RecordCheckpoint(ctx context.Context, runID string) error {
	steps, err := e.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	r, err := e.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	cp := Checkpoint{
		RunID:                    runID,
		LastCompletedStepOrdinal: -1,
		Artifacts:                make(map[StageKind]string),
		CreatedAt:                e.now().UTC(),
	}
	for _, s := range steps {
		if s.Status == StepSucceeded || s.Status == StepSkipped {
			if s.Ordinal > cp.LastCompletedStepOrdinal {
				cp.LastCompletedStepOrdinal = s.Ordinal
			}
			if s.Status == StepSucceeded && s.OutputHash != "" {
				cp.Artifacts[s.Stage] = s.OutputHash
			}
		}
	}

	return e.store.RunTransaction(ctx, func(tx store.Txn) error {
		version := int64(0)
		if doc, err := tx.Get(store.CollectionCheckpoints, checkpointID(runID)); err == nil {
			version = doc.Version
		}
		data, err := store.Encode(&cp)
		if err != nil {
			return err
		}
		return tx.Put(store.CollectionCheckpoints, &store.Document{
			ID:       checkpointID(runID),
			TenantID: r.TenantID,
			Data:     data,
			Version:  version,
		})
	})
}

func checkpointID(runID string) string {
	return "checkpoint-" + runID
}

func runDoc(r *Run, version int64) (*store.Document, error) {
	data, err := store.Encode(r)
	if err != nil {
		return nil, err
	}
	return &store.Document{
		ID:       r.ID,
		TenantID: r.TenantID,
		Data:     data,
		Version:  version,
		Fields: map[string]string{
			"status":      string(r.Status),
			"kind":        string(r.Kind),
			"trigger":     string(r.Trigger),
			"fingerprint": r.InputFingerprint,
		},
	}, nil
}

func stepDoc(s *Step, version int64) (*store.Document, error) {
	data, err := store.Encode(s)
	if err != nil {
		return nil, err
	}
	return &store.Document{
		ID:       s.ID,
		TenantID: s.TenantID,
		Data:     data,
		Version:  version,
		Fields: map[string]string{
			"run_id": s.RunID,
			"stage":  string(s.Stage),
			"status": string(s.Status),
		},
	}, nil
}
