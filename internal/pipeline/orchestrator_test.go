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
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/approval"
	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/bus"
	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/reliability"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/internal/store/memory"
	"github.com/coderelay/coderelay/pkg/errors"
)

type world struct {
	engine    *run.Engine
	gate      *approval.Gate
	llm       *capability.ScriptedLLM
	connector *capability.RecordingConnector
	orch      *Orchestrator
	log       *audit.Log
	priv      ed25519.PrivateKey
}

func newWorld(t *testing.T, cfg Config) *world {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	st := memory.New()
	log := audit.NewLog(st, bus.Discard{})
	engine := run.NewEngine(st, log, bus.Discard{}, nil)
	gate := approval.NewGate(st, log, bus.Discard{}, engine,
		approval.StaticKeyring{"alice": pub},
		approval.StaticAuthorizer{"tenant-a": {"alice": capability.All()}},
		nil)

	llm := capability.NewScriptedLLM()
	connector := &capability.RecordingConnector{}
	exec := reliability.NewExecutor(nil, nil)
	orch := New(engine, gate, llm, connector, exec, log, nil, cfg)
	return &world{engine: engine, gate: gate, llm: llm, connector: connector, orch: orch, log: log, priv: priv}
}

func (w *world) scriptHappyPath() {
	w.llm.Responses[run.StageTriage] = json.RawMessage(`{"complexity":5,"summary":"widget is broken"}`)
	w.llm.Responses[run.StagePlan] = json.RawMessage(`{"summary":"fix it","steps":["patch the widget"]}`)
	w.llm.Responses[run.StageCode] = json.RawMessage(`{"title":"Fix widget","commit_message":"fix widget","patch":"--- a/w\n+++ b/w\n"}`)
	w.llm.Responses[run.StageReview] = json.RawMessage(`{"verdict":"approve"}`)
	w.llm.Responses[run.StageResolve] = json.RawMessage(`{"resolution":"addressed in latest patch"}`)
}

func (w *world) newRun(t *testing.T, kind run.WorkflowKind) *run.Run {
	t.Helper()
	r, err := w.engine.CreateRun(context.Background(), run.Spec{
		TenantID: "tenant-a",
		Kind:     kind,
		Trigger:  run.TriggerAPI,
		Target:   run.Target{Repository: "acme/widgets", IssueNumber: 42},
		Input:    []byte(`{"issue":"widget is broken"}`),
	})
	require.NoError(t, err)
	return r
}

func TestIssueToCodeCompletes(t *testing.T) {
	w := newWorld(t, DefaultConfig())
	w.scriptHappyPath()
	ctx := context.Background()
	r := w.newRun(t, run.WorkflowIssueToCode)

	require.NoError(t, w.orch.Execute(ctx, r.ID))

	got, err := w.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, got.Status)

	steps, err := w.engine.ListSteps(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	wantStages := []run.StageKind{run.StageTriage, run.StagePlan, run.StageCode, run.StageReview}
	for i, s := range steps {
		require.Equal(t, wantStages[i], s.Stage)
		require.Equal(t, run.StepSucceeded, s.Status)
		require.NotEmpty(t, s.OutputHash)
		require.NotEmpty(t, s.ModelTier)
	}

	// No destructive workflow, no dispatch.
	require.Zero(t, w.connector.Count())
	require.NoError(t, w.log.Verify(ctx, "tenant-a"))
}

func TestTierUpgradeOnHighComplexity(t *testing.T) {
	w := newWorld(t, DefaultConfig())
	w.scriptHappyPath()
	w.llm.Responses[run.StageTriage] = json.RawMessage(`{"complexity":9,"summary":"gnarly"}`)
	ctx := context.Background()
	r := w.newRun(t, run.WorkflowIssueToCode)

	require.NoError(t, w.orch.Execute(ctx, r.ID))

	steps, err := w.engine.ListSteps(ctx, r.ID)
	require.NoError(t, err)
	byStage := map[run.StageKind]*run.Step{}
	for _, s := range steps {
		byStage[s.Stage] = s
	}
	require.Equal(t, string(capability.TierFast), byStage[run.StageTriage].ModelTier)
	require.Equal(t, string(capability.TierDeep), byStage[run.StageCode].ModelTier)
	require.Equal(t, string(capability.TierStandard), byStage[run.StageReview].ModelTier)
}

func TestAutopilotParksAtGateAndDispatchesOnApproval(t *testing.T) {
	w := newWorld(t, DefaultConfig())
	w.scriptHappyPath()
	ctx := context.Background()
	r := w.newRun(t, run.WorkflowAutopilot)

	require.NoError(t, w.orch.Execute(ctx, r.ID))

	got, err := w.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusAwaitingApproval, got.Status)
	require.Zero(t, w.connector.Count(), "no mutation before approval")

	rec, err := w.gate.Pending(ctx, "tenant-a", r.ID)
	require.NoError(t, err)

	token, err := approval.SignDecision(w.priv, "alice", approval.DecisionClaims{
		RunID:        r.ID,
		Capability:   rec.Capability,
		Target:       rec.Target,
		ArtifactHash: rec.ArtifactHash,
		Decision:     approval.DecisionApprove,
	}, time.Now(), time.Hour)
	require.NoError(t, err)
	_, err = w.gate.Decide(ctx, "tenant-a", r.ID, token)
	require.NoError(t, err)

	// The decision unblocked the run; the next execution dispatches.
	require.NoError(t, w.orch.Execute(ctx, r.ID))
	require.Equal(t, 1, w.connector.Count())
	require.Equal(t, capability.OpenPR, w.connector.Dispatched[0].Capability)

	got, err = w.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, got.Status)

	// Applied bytes hash to exactly the approved hash.
	canonical, err := audit.CanonicalBytes(&w.connector.Dispatched[0])
	require.NoError(t, err)
	require.Equal(t, rec.ArtifactHash, approval.HashArtifact(canonical))

	// Re-execution of a terminal run is a no-op.
	require.NoError(t, w.orch.Execute(ctx, r.ID))
	require.Equal(t, 1, w.connector.Count())
}

func TestAutopilotRejectedNeverDispatches(t *testing.T) {
	w := newWorld(t, DefaultConfig())
	w.scriptHappyPath()
	ctx := context.Background()
	r := w.newRun(t, run.WorkflowAutopilot)

	require.NoError(t, w.orch.Execute(ctx, r.ID))
	rec, err := w.gate.Pending(ctx, "tenant-a", r.ID)
	require.NoError(t, err)

	token, err := approval.SignDecision(w.priv, "alice", approval.DecisionClaims{
		RunID:        r.ID,
		Capability:   rec.Capability,
		Target:       rec.Target,
		ArtifactHash: rec.ArtifactHash,
		Decision:     approval.DecisionReject,
	}, time.Now(), time.Hour)
	require.NoError(t, err)
	_, err = w.gate.Decide(ctx, "tenant-a", r.ID, token)
	require.NoError(t, err)

	require.NoError(t, w.orch.Execute(ctx, r.ID))
	require.Zero(t, w.connector.Count())

	got, err := w.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, got.Status)
	require.Equal(t, approval.FailureDenied, got.StatusReason)
}

func TestReviewRequestChangesWithholdsMutation(t *testing.T) {
	w := newWorld(t, DefaultConfig())
	w.scriptHappyPath()
	w.llm.Responses[run.StageReview] = json.RawMessage(`{"verdict":"request_changes","comments":["patch touches generated files"]}`)
	ctx := context.Background()
	r := w.newRun(t, run.WorkflowAutopilot)

	require.NoError(t, w.orch.Execute(ctx, r.ID))

	got, err := w.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, got.Status)
	require.Zero(t, w.connector.Count())
}

func TestInvalidOutputExhaustsBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputRetryBudget = 2
	w := newWorld(t, cfg)
	w.llm.Responses[run.StageTriage] = json.RawMessage(`this is not json`)
	ctx := context.Background()
	r := w.newRun(t, run.WorkflowTriage)

	err := w.orch.Execute(ctx, r.ID)
	var perm *errors.PermanentError
	require.ErrorAs(t, err, &perm)
	require.Equal(t, KindOutputInvalid, perm.Kind)
	require.Equal(t, 2, w.llm.CallCount(run.StageTriage))

	got, err := w.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, got.Status)
	require.Equal(t, KindOutputInvalid, got.StatusReason)
	require.Equal(t, KindOutputInvalid, got.Error.Kind)

	steps, err := w.engine.ListSteps(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, run.StepFailedTerminal, steps[0].Status)
}

func TestTransientFailureLeavesRunResumable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLMRetry = reliability.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	w := newWorld(t, cfg)
	w.scriptHappyPath()
	w.llm.Errors[run.StagePlan] = &errors.TransientError{Message: "model overloaded", StatusCode: 503}
	ctx := context.Background()
	r := w.newRun(t, run.WorkflowIssueToCode)

	err := w.orch.Execute(ctx, r.ID)
	require.Error(t, err)
	require.True(t, errors.IsRetryable(err))

	got, err := w.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, got.Status, "transient failure must not finalize the run")

	// The provider recovers; re-execution resumes at plan without
	// re-running triage.
	delete(w.llm.Errors, run.StagePlan)
	require.NoError(t, w.orch.Execute(ctx, r.ID))
	require.Equal(t, 1, w.llm.CallCount(run.StageTriage))

	got, err = w.engine.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, got.Status)
}

func TestResolveWorkflowStages(t *testing.T) {
	w := newWorld(t, DefaultConfig())
	w.scriptHappyPath()
	ctx := context.Background()
	r := w.newRun(t, run.WorkflowResolve)

	require.NoError(t, w.orch.Execute(ctx, r.ID))

	steps, err := w.engine.ListSteps(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, run.StageTriage, steps[0].Stage)
	require.Equal(t, run.StageResolve, steps[1].Stage)
	require.Equal(t, run.StageReview, steps[2].Stage)
}

func TestStagesForRejectsUnknownKind(t *testing.T) {
	_, err := StagesFor(run.WorkflowKind("deploy"))
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStageInputHashIsStable(t *testing.T) {
	in := StageInput{
		Target:    run.Target{Repository: "acme/widgets"},
		Artifacts: map[run.StageKind]json.RawMessage{run.StageTriage: []byte(`{"complexity":5}`)},
		Payload:   []byte(`{"issue":"x"}`),
		Tier:      capability.TierStandard,
	}
	require.Equal(t, in.Hash(), in.Hash())

	other := in
	other.Tier = capability.TierDeep
	require.NotEqual(t, in.Hash(), other.Hash())
}
