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
	"context"
	"fmt"
	"testing"
	"time"
)

func TestClassifiedCodes(t *testing.T) {
	tests := []struct {
		name          string
		err           Classified
		wantCode      string
		wantRetryable bool
	}{
		{"validation", &ValidationError{Field: "kind", Message: "unknown"}, CodeValidation, false},
		{"not found", &NotFoundError{Resource: "run", ID: "run-1"}, CodeNotFound, false},
		{"conflict", &ConflictError{Resource: "run", ID: "run-1", Reason: "duplicate"}, CodeConflict, false},
		{"policy denied", &PolicyDeniedError{Policy: "capability", Message: "merge not allowed"}, CodePolicyDenied, false},
		{"approval invalid", &ApprovalInvalidError{Reason: "hash_mismatch", RunID: "run-1"}, CodeApprovalInvalid, false},
		{"lock conflict", &LockConflictError{RunID: "run-1", Holder: "worker-2"}, CodeLockConflict, true},
		{"timeout", &TimeoutError{Operation: "capability call", Duration: time.Second}, CodeTimeout, true},
		{"transient", &TransientError{Message: "connection refused"}, CodeTransient, true},
		{"permanent", &PermanentError{Kind: "capability_output_invalid", Message: "bad artifact"}, CodePermanent, false},
		{"rate limited", &RateLimitedError{Key: "tenant-a:runs"}, CodeRateLimited, false},
		{"circuit open", &CircuitOpenError{Breaker: "capability.llm"}, CodeCircuitOpen, false},
		{"internal", &InternalError{Message: "boom"}, CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Code(); got != tt.wantCode {
				t.Errorf("Code() = %q, want %q", got, tt.wantCode)
			}
			if got := tt.err.Retryable(); got != tt.wantRetryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.wantRetryable)
			}
			if tt.err.Error() == "" {
				t.Error("Error() returned empty string")
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrapped transient", fmt.Errorf("calling host: %w", &TransientError{Message: "503"}), true},
		{"wrapped permanent", fmt.Errorf("calling host: %w", &PermanentError{Message: "404"}), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"timeout wrapping canceled ctx", &TimeoutError{Operation: "x", Cause: context.Canceled}, false},
		{"unclassified", New("mystery"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("wrap: %w", &ValidationError{Message: "bad"})); got != CodeValidation {
		t.Errorf("CodeOf() = %q, want %q", got, CodeValidation)
	}
	if got := CodeOf(New("mystery")); got != CodeInternal {
		t.Errorf("CodeOf() = %q, want %q", got, CodeInternal)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status   int
		wantCode string
	}{
		{429, CodeTransient},
		{500, CodeTransient},
		{503, CodeTransient},
		{400, CodePermanent},
		{404, CodePermanent},
		{422, CodePermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			err := Classify(tt.status, New("upstream"))
			if got := CodeOf(err); got != tt.wantCode {
				t.Errorf("Classify(%d) code = %q, want %q", tt.status, got, tt.wantCode)
			}
		})
	}

	if err := Classify(200, nil); err != nil {
		t.Errorf("Classify(200, nil) = %v, want nil", err)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := &NotFoundError{Resource: "run", ID: "run-9"}
	wrapped := Wrap(base, "loading run")

	var nf *NotFoundError
	if !As(wrapped, &nf) {
		t.Error("wrapped error lost its type")
	}
	if wrapped.Error() != "loading run: run not found: run-9" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
}
