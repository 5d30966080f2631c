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

// Package run implements the persistent, resumable state machine over a Run
// and its Steps.
package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a run's lifecycle state.
type Status string

// Run statuses. Completed, Failed, and Cancelled are terminal.
const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is a step's lifecycle state.
type StepStatus string

// Step statuses. Succeeded, FailedTerminal, and Skipped are terminal;
// FailedRetryable may transition back to Running.
const (
	StepPending        StepStatus = "pending"
	StepRunning        StepStatus = "running"
	StepSucceeded      StepStatus = "succeeded"
	StepFailedRetry    StepStatus = "failed_retryable"
	StepFailedTerminal StepStatus = "failed_terminal"
	StepSkipped        StepStatus = "skipped"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailedTerminal, StepSkipped:
		return true
	}
	return false
}

// TriggerSource identifies what started a run.
type TriggerSource string

const (
	TriggerWebhook  TriggerSource = "webhook"
	TriggerAPI      TriggerSource = "api"
	TriggerCLI      TriggerSource = "cli"
	TriggerSchedule TriggerSource = "schedule"
)

// WorkflowKind selects the stage sequence a run executes.
type WorkflowKind string

const (
	WorkflowTriage      WorkflowKind = "triage"
	WorkflowReview      WorkflowKind = "review"
	WorkflowResolve     WorkflowKind = "resolve"
	WorkflowIssueToCode WorkflowKind = "issue-to-code"
	WorkflowAutopilot   WorkflowKind = "autopilot"
)

// StageKind identifies one pipeline stage.
type StageKind string

const (
	StageTriage  StageKind = "triage"
	StagePlan    StageKind = "plan"
	StageCode    StageKind = "code"
	StageResolve StageKind = "resolve"
	StageReview  StageKind = "review"
)

// Terminal failure reasons stamped by the approval gate. They live here so
// the engine can classify the synthesized error record without importing
// the gate.
const (
	FailureDenied  = "approval_denied"
	FailureExpired = "approval_expired"
)

// Target describes what a run operates on.
type Target struct {
	Repository  string `json:"repository"`
	PRNumber    int    `json:"pr_number,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
}

// ErrorRecord is a structured failure attached to a run or step.
type ErrorRecord struct {
	Code      string    `json:"code"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// Run is one end-to-end execution. Append-mostly: status transitions and
// step appends only; prior steps are immutable.
type Run struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	Trigger          TriggerSource   `json:"trigger"`
	Kind             WorkflowKind    `json:"kind"`
	Status           Status          `json:"status"`
	Target           Target          `json:"target"`
	Input            json.RawMessage `json:"input,omitempty"`
	InputFingerprint string          `json:"input_fingerprint"`
	StepIDs          []string        `json:"step_ids,omitempty"`
	Error            *ErrorRecord    `json:"error,omitempty"`
	StatusReason     string          `json:"status_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Step is one stage execution within a run.
type Step struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	TenantID    string          `json:"tenant_id"`
	Ordinal     int             `json:"ordinal"`
	Stage       StageKind       `json:"stage"`
	Status      StepStatus      `json:"status"`
	InputHash   string          `json:"input_hash"`
	OutputHash  string          `json:"output_hash,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	ModelTier   string          `json:"model_tier,omitempty"`
	Attempts    int             `json:"attempts"`
	Error       *ErrorRecord    `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Checkpoint is a durable snapshot sufficient to recompute the next
// scheduled step without consulting any external service.
type Checkpoint struct {
	RunID string `json:"run_id"`

	// LastCompletedStepOrdinal is -1 before any step completes.
	LastCompletedStepOrdinal int `json:"last_completed_step_ordinal"`

	// Artifacts maps stage kind to the output hash of its completed step.
	Artifacts map[StageKind]string `json:"artifacts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewRunID mints a timestamp-prefixed run identifier.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// NewStepID mints a timestamp-prefixed step identifier.
func NewStepID(now time.Time) string {
	return fmt.Sprintf("step-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// ValidWorkflowKind reports whether k names a registered workflow.
func ValidWorkflowKind(k WorkflowKind) bool {
	switch k {
	case WorkflowTriage, WorkflowReview, WorkflowResolve, WorkflowIssueToCode, WorkflowAutopilot:
		return true
	}
	return false
}

// ValidTrigger reports whether t names a known trigger source.
func ValidTrigger(t TriggerSource) bool {
	switch t {
	case TriggerWebhook, TriggerAPI, TriggerCLI, TriggerSchedule:
		return true
	}
	return false
}
