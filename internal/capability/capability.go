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

// Package capability defines the closed set of outbound operations and the
// ports through which the control plane reaches language models and
// version-control hosts. The core never connects to external hosts itself;
// it dispatches through an injected connector.
package capability

import (
	"context"
	"encoding/json"

	"github.com/coderelay/coderelay/internal/run"
)

// Capability is an enumerated outbound operation against a host.
type Capability string

// The capability set is closed. Adding a capability is a code change here
// plus a destructive classification, never a subclass.
const (
	Comment      Capability = "comment"
	CreateBranch Capability = "create_branch"
	PushCommit   Capability = "push_commit"
	OpenPR       Capability = "open_pr"
	UpdatePR     Capability = "update_pr"
	Merge        Capability = "merge"
)

// destructive classifies which capabilities mutate host state in a way that
// requires a hash-bound approval before dispatch.
var destructive = map[Capability]bool{
	Comment:      false,
	CreateBranch: false,
	PushCommit:   true,
	OpenPR:       true,
	UpdatePR:     true,
	Merge:        true,
}

// Destructive reports whether c requires approval before dispatch.
func (c Capability) Destructive() bool { return destructive[c] }

// Valid reports whether c names a known capability.
func (c Capability) Valid() bool {
	_, ok := destructive[c]
	return ok
}

// All returns every known capability.
func All() []Capability {
	return []Capability{Comment, CreateBranch, PushCommit, OpenPR, UpdatePR, Merge}
}

// ModelTier selects the strength of the model serving a stage.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierStandard ModelTier = "standard"
	TierDeep     ModelTier = "deep"
)

// ComplexityDeepThreshold is the triage complexity score (0..10) at or above
// which code and resolve stages upgrade from standard to deep.
const ComplexityDeepThreshold = 7

// TierFor maps a stage kind and the triage complexity score to a model
// tier. A negative complexity means no score is available yet.
func TierFor(stage run.StageKind, complexity int) ModelTier {
	switch stage {
	case run.StageTriage:
		return TierFast
	case run.StageCode, run.StageResolve:
		if complexity >= ComplexityDeepThreshold {
			return TierDeep
		}
		return TierStandard
	default:
		return TierStandard
	}
}

// LLMRequest is one call to the language-model capability.
type LLMRequest struct {
	Tier   ModelTier       `json:"tier"`
	Stage  run.StageKind   `json:"stage"`
	Prompt string          `json:"prompt"`
	Input  json.RawMessage `json:"input"`
}

// LLMResponse is the model's raw artifact. The orchestrator, not the model
// port, validates it against the stage's output schema.
type LLMResponse struct {
	Artifact json.RawMessage `json:"artifact"`
	Model    string          `json:"model"`
}

// LLM is the language-model port. Implementations wrap real providers;
// stages receive it injected and never touch storage or network otherwise.
type LLM interface {
	Complete(ctx context.Context, req LLMRequest) (*LLMResponse, error)
}

// Mutation is a proposed host-state change awaiting dispatch. Payload holds
// the canonical bytes whose SHA-256 binds any approval.
type Mutation struct {
	Capability Capability      `json:"capability"`
	Target     run.Target      `json:"target"`
	Payload    json.RawMessage `json:"payload"`
}

// Result is the host's acknowledgement of a dispatched operation.
type Result struct {
	URL string `json:"url,omitempty"`
	Ref string `json:"ref,omitempty"`
}

// Connector is the version-control host port. Dispatch of a destructive
// mutation is only legal after the approval gate has released it.
type Connector interface {
	Dispatch(ctx context.Context, tenantID string, m Mutation) (*Result, error)
}
