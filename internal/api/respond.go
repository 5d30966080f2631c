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

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coderelay/coderelay/pkg/errors"
)

// ErrorBody is the wire shape of every error response. Never carries stack
// traces or internal detail.
type ErrorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// writeError translates a classified error into its stable HTTP status and
// the structured error body clients are promised.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	msg := publicMessage(code, err)
	writeJSON(w, statusFor(code, err), ErrorBody{
		Code:          code,
		Message:       msg,
		Retryable:     errors.IsRetryable(err),
		CorrelationID: CorrelationIDFrom(r.Context()),
	})
}

// statusFor maps stable error codes onto HTTP statuses.
func statusFor(code string, err error) int {
	switch code {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict, errors.CodeLockConflict:
		return http.StatusConflict
	case errors.CodePolicyDenied:
		return http.StatusForbidden
	case errors.CodeApprovalInvalid:
		var inv *errors.ApprovalInvalidError
		if errors.As(err, &inv) {
			switch inv.Reason {
			case "bad_signature":
				return http.StatusUnauthorized
			case "unauthorized_approver":
				return http.StatusForbidden
			}
		}
		return http.StatusConflict
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeTimeout, errors.CodeTransient, errors.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps internal failure detail out of client responses.
func publicMessage(code string, err error) string {
	if code == errors.CodeInternal || code == errors.CodePermanent {
		return "internal error"
	}
	return err.Error()
}
