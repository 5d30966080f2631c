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

	"github.com/coderelay/coderelay/pkg/errors"
)

// ResumePoint tells a resuming executor where to pick a run back up.
type ResumePoint struct {
	// ResumeOrdinal is the ordinal of the next step to execute. Steps with
	// lower ordinals are complete and must not re-run.
	ResumeOrdinal int

	// PriorArtifacts maps stage kind to the output hash of each completed
	// step, recovered from the checkpoint.
	PriorArtifacts map[StageKind]string

	// Reason describes how the resume point was derived.
	Reason string
}

// AnalyzeResumePoint computes where execution should continue for a
// non-terminal run. The persisted checkpoint is authoritative: a step that
// was running at crash time sits at the resume ordinal and re-runs from its
// recorded input. Resuming a terminal run is an error.
//
// Lock acquisition is the caller's concern; the analysis itself only reads.
func (e *Engine) AnalyzeResumePoint(ctx context.Context, runID string) (*ResumePoint, error) {
	r, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, &errors.ConflictError{
			Resource: "run",
			ID:       runID,
			Reason:   fmt.Sprintf("cannot resume terminal run in status %s", r.Status),
		}
	}

	cp, err := e.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return &ResumePoint{
			ResumeOrdinal:  0,
			PriorArtifacts: map[StageKind]string{},
			Reason:         "no checkpoint recorded; starting from the first step",
		}, nil
	}

	artifacts := cp.Artifacts
	if artifacts == nil {
		artifacts = map[StageKind]string{}
	}
	return &ResumePoint{
		ResumeOrdinal:  cp.LastCompletedStepOrdinal + 1,
		PriorArtifacts: artifacts,
		Reason: fmt.Sprintf("checkpoint covers ordinals 0..%d; resuming at %d",
			cp.LastCompletedStepOrdinal, cp.LastCompletedStepOrdinal+1),
	}, nil
}
