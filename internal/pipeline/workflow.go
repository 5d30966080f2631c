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

// Package pipeline drives runs through their workflow-defined stage
// sequences and enforces the approval gate before destructive stages.
package pipeline

import (
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/pkg/errors"
)

// workflows is the closed stage catalogue. Dispatch is by table lookup;
// adding a workflow is a registry change plus handlers, not a subclass.
var workflows = map[run.WorkflowKind][]run.StageKind{
	run.WorkflowTriage:      {run.StageTriage},
	run.WorkflowReview:      {run.StageTriage, run.StageReview},
	run.WorkflowResolve:     {run.StageTriage, run.StageResolve, run.StageReview},
	run.WorkflowIssueToCode: {run.StageTriage, run.StagePlan, run.StageCode, run.StageReview},
	run.WorkflowAutopilot:   {run.StageTriage, run.StagePlan, run.StageCode, run.StageReview},
}

// appliesMutation marks workflows that end by dispatching a destructive
// mutation, which requires the approval gate.
var appliesMutation = map[run.WorkflowKind]bool{
	run.WorkflowAutopilot: true,
}

// StagesFor returns a workflow's stage sequence.
func StagesFor(kind run.WorkflowKind) ([]run.StageKind, error) {
	stages, ok := workflows[kind]
	if !ok {
		return nil, &errors.ValidationError{Field: "kind", Message: "unknown workflow kind " + string(kind)}
	}
	return stages, nil
}

// AppliesMutation reports whether the workflow ends with a gated mutation
// dispatch.
func AppliesMutation(kind run.WorkflowKind) bool {
	return appliesMutation[kind]
}
