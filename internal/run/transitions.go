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
	"fmt"

	"github.com/coderelay/coderelay/pkg/errors"
)

// runTransitions is the complete legal edge set for run statuses.
// Self-transitions are illegal; terminals have no outgoing edges.
var runTransitions = map[Status][]Status{
	StatusPending:          {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusRunning, StatusCancelled, StatusFailed},
	StatusCompleted:        {},
	StatusFailed:           {},
	StatusCancelled:        {},
}

// stepTransitions is the complete legal edge set for step statuses.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:        {StepRunning, StepSkipped},
	StepRunning:        {StepSucceeded, StepFailedRetry, StepFailedTerminal, StepSkipped},
	StepFailedRetry:    {StepRunning, StepFailedTerminal, StepSkipped},
	StepSucceeded:      {},
	StepFailedTerminal: {},
	StepSkipped:        {},
}

// InvalidRunStatusTransitionError reports an attempt to persist an illegal
// run status edge.
type InvalidRunStatusTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

// Error implements the error interface.
func (e *InvalidRunStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid run status transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

// Code returns the stable error code.
func (e *InvalidRunStatusTransitionError) Code() string { return errors.CodeValidation }

// Retryable reports whether the operation may be retried.
func (e *InvalidRunStatusTransitionError) Retryable() bool { return false }

// InvalidStepStatusTransitionError reports an attempt to persist an illegal
// step status edge.
type InvalidStepStatusTransitionError struct {
	From    StepStatus
	To      StepStatus
	Allowed []StepStatus
}

// Error implements the error interface.
func (e *InvalidStepStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid step status transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

// Code returns the stable error code.
func (e *InvalidStepStatusTransitionError) Code() string { return errors.CodeValidation }

// Retryable reports whether the operation may be retried.
func (e *InvalidStepStatusTransitionError) Retryable() bool { return false }

// ValidateRunStatusTransition returns nil iff (from, to) is a legal edge.
func ValidateRunStatusTransition(from, to Status) error {
	allowed, ok := runTransitions[from]
	if ok {
		for _, s := range allowed {
			if s == to {
				return nil
			}
		}
	}
	if allowed == nil {
		allowed = []Status{}
	}
	return &InvalidRunStatusTransitionError{From: from, To: to, Allowed: allowed}
}

// ValidateStepStatusTransition returns nil iff (from, to) is a legal edge.
func ValidateStepStatusTransition(from, to StepStatus) error {
	allowed, ok := stepTransitions[from]
	if ok {
		for _, s := range allowed {
			if s == to {
				return nil
			}
		}
	}
	if allowed == nil {
		allowed = []StepStatus{}
	}
	return &InvalidStepStatusTransitionError{From: from, To: to, Allowed: allowed}
}
