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

package errors

import (
	"fmt"
	"time"
)

// Stable error codes surfaced to clients and inspected by the reliability
// kernel. Codes never change once released.
const (
	CodeValidation      = "validation"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodePolicyDenied    = "policy_denied"
	CodeApprovalInvalid = "approval_invalid"
	CodeLockConflict    = "lock_conflict"
	CodeTimeout         = "timeout"
	CodeTransient       = "transient"
	CodePermanent       = "permanent"
	CodeRateLimited     = "rate_limited"
	CodeCircuitOpen     = "circuit_open"
	CodeInternal        = "internal"
)

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Code returns the stable error code.
func (e *ValidationError) Code() string { return CodeValidation }

// Retryable reports whether the operation may be retried.
func (e *ValidationError) Retryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "step", "approval")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Code returns the stable error code.
func (e *NotFoundError) Code() string { return CodeNotFound }

// Retryable reports whether the operation may be retried.
func (e *NotFoundError) Retryable() bool { return false }

// ConflictError represents a write that lost to a concurrent writer or
// violated a uniqueness constraint.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s: %s", e.Resource, e.ID, e.Reason)
}

// Code returns the stable error code.
func (e *ConflictError) Code() string { return CodeConflict }

// Retryable reports whether the operation may be retried.
func (e *ConflictError) Retryable() bool { return false }

// PolicyDeniedError represents an operation blocked by tenant or approval
// policy. Never retryable.
type PolicyDeniedError struct {
	// Policy names the policy that denied the operation.
	Policy string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *PolicyDeniedError) Error() string {
	if e.Policy != "" {
		return fmt.Sprintf("denied by policy %s: %s", e.Policy, e.Message)
	}
	return fmt.Sprintf("denied by policy: %s", e.Message)
}

// Code returns the stable error code.
func (e *PolicyDeniedError) Code() string { return CodePolicyDenied }

// Retryable reports whether the operation may be retried.
func (e *PolicyDeniedError) Retryable() bool { return false }

// ApprovalInvalidError represents a failed approval check: bad signature,
// artifact hash mismatch, expiry, or an unauthorized approver. These are
// logged as security events and never retried.
type ApprovalInvalidError struct {
	// Reason is one of "bad_signature", "hash_mismatch", "expired",
	// "unauthorized_approver", "not_pending".
	Reason string

	// RunID identifies the run whose approval failed validation.
	RunID string
}

// Error implements the error interface.
func (e *ApprovalInvalidError) Error() string {
	return fmt.Sprintf("approval invalid for run %s: %s", e.RunID, e.Reason)
}

// Code returns the stable error code.
func (e *ApprovalInvalidError) Code() string { return CodeApprovalInvalid }

// Retryable reports whether the operation may be retried.
func (e *ApprovalInvalidError) Retryable() bool { return false }

// LockConflictError indicates another worker holds the run lock.
// Callers back off and retry or yield the run.
type LockConflictError struct {
	RunID  string
	Holder string
}

// Error implements the error interface.
func (e *LockConflictError) Error() string {
	return fmt.Sprintf("run %s is locked by %s", e.RunID, e.Holder)
}

// Code returns the stable error code.
func (e *LockConflictError) Code() string { return CodeLockConflict }

// Retryable reports whether the operation may be retried.
func (e *LockConflictError) Retryable() bool { return true }

// TimeoutError represents operation timeouts. Classified retryable.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "capability call", "storage txn")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Code returns the stable error code.
func (e *TimeoutError) Code() string { return CodeTimeout }

// Retryable reports whether the operation may be retried.
func (e *TimeoutError) Retryable() bool { return true }

// TransientError represents a failure expected to clear on its own:
// connection refused, 429, 5xx. Retryable subject to policy.
type TransientError struct {
	// Message is the human-readable error description
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure [HTTP %d]: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transient failure: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error { return e.Cause }

// Code returns the stable error code.
func (e *TransientError) Code() string { return CodeTransient }

// Retryable reports whether the operation may be retried.
func (e *TransientError) Retryable() bool { return true }

// PermanentError represents a failure that will not clear on retry:
// 4xx other than 429, schema-invalid capability output.
type PermanentError struct {
	// Kind further classifies the failure (e.g., "capability_output_invalid").
	Kind string

	// Message is the human-readable error description
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	msg := "permanent failure"
	if e.Kind != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Kind)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PermanentError) Unwrap() error { return e.Cause }

// Code returns the stable error code.
func (e *PermanentError) Code() string { return CodePermanent }

// Retryable reports whether the operation may be retried.
func (e *PermanentError) Retryable() bool { return false }

// RateLimitedError indicates the sliding-window limiter rejected the request.
type RateLimitedError struct {
	// Key is the limiter key that was exhausted.
	Key string

	// RetryAfter suggests when capacity frees up.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Key)
}

// Code returns the stable error code.
func (e *RateLimitedError) Code() string { return CodeRateLimited }

// Retryable reports whether the operation may be retried.
// Rate-limited rejections must not be retried as if they were transient.
func (e *RateLimitedError) Retryable() bool { return false }

// CircuitOpenError indicates a named circuit breaker rejected the call
// without attempting it.
type CircuitOpenError struct {
	// Breaker is the name of the open breaker.
	Breaker string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s is open", e.Breaker)
}

// Code returns the stable error code.
func (e *CircuitOpenError) Code() string { return CodeCircuitOpen }

// Retryable reports whether the operation may be retried.
func (e *CircuitOpenError) Retryable() bool { return false }

// InternalError represents a bug: captured with context, non-retryable,
// alertable.
type InternalError struct {
	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error { return e.Cause }

// Code returns the stable error code.
func (e *InternalError) Code() string { return CodeInternal }

// Retryable reports whether the operation may be retried.
func (e *InternalError) Retryable() bool { return false }
