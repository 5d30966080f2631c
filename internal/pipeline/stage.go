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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/run"
)

// StageInput is the typed input of one stage execution. Stages are pure
// functions of their input plus the model call; they never touch storage or
// network directly.
type StageInput struct {
	Target run.Target `json:"target"`

	// Artifacts holds prior stages' outputs by stage kind.
	Artifacts map[run.StageKind]json.RawMessage `json:"artifacts,omitempty"`

	// Payload is the trigger-supplied input (issue body, PR diff, thread).
	Payload json.RawMessage `json:"payload,omitempty"`

	// Tier is the model tier selected for this execution.
	Tier capability.ModelTier `json:"tier"`
}

// Hash fingerprints the input deterministically. Step execution is
// idempotent by this hash.
func (in StageInput) Hash() string {
	// Encode artifacts in sorted key order so the hash is stable.
	kinds := make([]string, 0, len(in.Artifacts))
	for k := range in.Artifacts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(in.Target)
	for _, k := range kinds {
		h.Write([]byte(k))
		h.Write(in.Artifacts[run.StageKind(k)])
	}
	h.Write(in.Payload)
	h.Write([]byte(in.Tier))
	return hex.EncodeToString(h.Sum(nil))
}

// StageOutput is the typed result of one stage execution.
type StageOutput struct {
	// Artifact is the schema-validated stage product, persisted on the step.
	Artifact json.RawMessage `json:"artifact"`

	// Complexity is the triage score (0..10); -1 for other stages.
	Complexity int `json:"complexity"`
}

// Stage is one handler in the closed stage catalogue.
type Stage interface {
	Kind() run.StageKind

	// Execute runs the stage against the model port. A non-parseable model
	// artifact returns a PermanentError with kind capability_output_invalid;
	// the orchestrator owns the retry budget for those.
	Execute(ctx context.Context, llm capability.LLM, in StageInput) (*StageOutput, error)
}

// Registry returns the full stage catalogue keyed by kind.
func Registry() map[run.StageKind]Stage {
	return map[run.StageKind]Stage{
		run.StageTriage:  triageStage{},
		run.StagePlan:    planStage{},
		run.StageCode:    codeStage{},
		run.StageResolve: resolveStage{},
		run.StageReview:  reviewStage{},
	}
}
