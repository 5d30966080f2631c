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
	"fmt"

	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/pkg/errors"
)

// KindOutputInvalid is the failure kind for model artifacts that fail
// schema validation after the retry budget.
const KindOutputInvalid = "capability_output_invalid"

// TriageArtifact classifies the request and scores its complexity.
type TriageArtifact struct {
	Complexity int      `json:"complexity"`
	Summary    string   `json:"summary"`
	Labels     []string `json:"labels,omitempty"`
}

// PlanArtifact is the ordered implementation plan.
type PlanArtifact struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps"`
}

// CodeArtifact is the proposed change.
type CodeArtifact struct {
	Title         string `json:"title"`
	Body          string `json:"body,omitempty"`
	CommitMessage string `json:"commit_message"`
	Patch         string `json:"patch"`
}

// ResolveArtifact addresses review-thread feedback.
type ResolveArtifact struct {
	Resolution string `json:"resolution"`
	Patch      string `json:"patch,omitempty"`
}

// ReviewArtifact is the review verdict over a proposed change.
type ReviewArtifact struct {
	Verdict  string   `json:"verdict"`
	Comments []string `json:"comments,omitempty"`
}

// Review verdicts.
const (
	VerdictApprove        = "approve"
	VerdictRequestChanges = "request_changes"
)

func outputInvalid(stage run.StageKind, msg string) error {
	return &errors.PermanentError{
		Kind:    KindOutputInvalid,
		Message: fmt.Sprintf("%s stage: %s", stage, msg),
	}
}

// complete runs the model call and decodes the artifact into out,
// returning a capability_output_invalid permanent error when the artifact
// does not parse.
func complete(ctx context.Context, llm capability.LLM, stage run.StageKind, in StageInput, prompt string, out any) (json.RawMessage, error) {
	resp, err := llm.Complete(ctx, capability.LLMRequest{
		Tier:   in.Tier,
		Stage:  stage,
		Prompt: prompt,
		Input:  in.Payload,
	})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.Artifact, out); err != nil {
		return nil, outputInvalid(stage, "artifact is not valid JSON: "+err.Error())
	}
	return resp.Artifact, nil
}

type triageStage struct{}

func (triageStage) Kind() run.StageKind { return run.StageTriage }

func (triageStage) Execute(ctx context.Context, llm capability.LLM, in StageInput) (*StageOutput, error) {
	var artifact TriageArtifact
	raw, err := complete(ctx, llm, run.StageTriage, in,
		"Classify this code-change request, score its complexity 0-10, and summarize it.", &artifact)
	if err != nil {
		return nil, err
	}
	if artifact.Complexity < 0 || artifact.Complexity > 10 {
		return nil, outputInvalid(run.StageTriage, fmt.Sprintf("complexity %d out of range", artifact.Complexity))
	}
	if artifact.Summary == "" {
		return nil, outputInvalid(run.StageTriage, "missing summary")
	}
	return &StageOutput{Artifact: raw, Complexity: artifact.Complexity}, nil
}

type planStage struct{}

func (planStage) Kind() run.StageKind { return run.StagePlan }

func (planStage) Execute(ctx context.Context, llm capability.LLM, in StageInput) (*StageOutput, error) {
	var artifact PlanArtifact
	raw, err := complete(ctx, llm, run.StagePlan, in,
		"Produce an ordered implementation plan for the triaged request.", &artifact)
	if err != nil {
		return nil, err
	}
	if len(artifact.Steps) == 0 {
		return nil, outputInvalid(run.StagePlan, "plan has no steps")
	}
	return &StageOutput{Artifact: raw, Complexity: -1}, nil
}

type codeStage struct{}

func (codeStage) Kind() run.StageKind { return run.StageCode }

func (codeStage) Execute(ctx context.Context, llm capability.LLM, in StageInput) (*StageOutput, error) {
	var artifact CodeArtifact
	raw, err := complete(ctx, llm, run.StageCode, in,
		"Implement the plan as a unified diff with a commit message.", &artifact)
	if err != nil {
		return nil, err
	}
	if artifact.Patch == "" {
		return nil, outputInvalid(run.StageCode, "missing patch")
	}
	if artifact.CommitMessage == "" {
		return nil, outputInvalid(run.StageCode, "missing commit message")
	}
	return &StageOutput{Artifact: raw, Complexity: -1}, nil
}

type resolveStage struct{}

func (resolveStage) Kind() run.StageKind { return run.StageResolve }

func (resolveStage) Execute(ctx context.Context, llm capability.LLM, in StageInput) (*StageOutput, error) {
	var artifact ResolveArtifact
	raw, err := complete(ctx, llm, run.StageResolve, in,
		"Resolve the review thread, proposing a patch where code changes are needed.", &artifact)
	if err != nil {
		return nil, err
	}
	if artifact.Resolution == "" {
		return nil, outputInvalid(run.StageResolve, "missing resolution")
	}
	return &StageOutput{Artifact: raw, Complexity: -1}, nil
}

type reviewStage struct{}

func (reviewStage) Kind() run.StageKind { return run.StageReview }

func (reviewStage) Execute(ctx context.Context, llm capability.LLM, in StageInput) (*StageOutput, error) {
	var artifact ReviewArtifact
	raw, err := complete(ctx, llm, run.StageReview, in,
		"Review the proposed change and return a verdict.", &artifact)
	if err != nil {
		return nil, err
	}
	if artifact.Verdict != VerdictApprove && artifact.Verdict != VerdictRequestChanges {
		return nil, outputInvalid(run.StageReview, fmt.Sprintf("unknown verdict %q", artifact.Verdict))
	}
	return &StageOutput{Artifact: raw, Complexity: -1}, nil
}
