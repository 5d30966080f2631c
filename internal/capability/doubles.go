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

package capability

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/pkg/errors"
)

// ScriptedLLM returns canned artifacts per stage kind. Used by pipeline and
// worker tests and by the dry-run mode of the daemon.
type ScriptedLLM struct {
	mu sync.Mutex

	// Responses maps stage kind to the artifact returned for it.
	Responses map[run.StageKind]json.RawMessage

	// Errors maps stage kind to an error returned instead. Consulted first.
	Errors map[run.StageKind]error

	// Calls records every request in order.
	Calls []LLMRequest
}

// NewScriptedLLM creates an empty scripted model.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{
		Responses: make(map[run.StageKind]json.RawMessage),
		Errors:    make(map[run.StageKind]error),
	}
}

// Complete implements LLM.
func (s *ScriptedLLM) Complete(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, req)
	if err := s.Errors[req.Stage]; err != nil {
		return nil, err
	}
	artifact, ok := s.Responses[req.Stage]
	if !ok {
		return nil, &errors.InternalError{Message: "no scripted response for stage " + string(req.Stage)}
	}
	return &LLMResponse{Artifact: artifact, Model: "scripted/" + string(req.Tier)}, nil
}

// CallCount returns how many completions ran for stage.
func (s *ScriptedLLM) CallCount(stage run.StageKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c.Stage == stage {
			n++
		}
	}
	return n
}

// RecordingConnector captures dispatched mutations without touching any
// host.
type RecordingConnector struct {
	mu sync.Mutex

	// Dispatched records every mutation in order.
	Dispatched []Mutation

	// Err, when set, fails every dispatch.
	Err error
}

// Dispatch implements Connector.
func (r *RecordingConnector) Dispatch(ctx context.Context, tenantID string, m Mutation) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	r.Dispatched = append(r.Dispatched, m)
	return &Result{URL: "https://example.invalid/" + string(m.Capability)}, nil
}

// Count returns the number of dispatched mutations.
func (r *RecordingConnector) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Dispatched)
}
