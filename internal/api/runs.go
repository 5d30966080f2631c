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
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coderelay/coderelay/internal/approval"
	"github.com/coderelay/coderelay/internal/idempotency"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/pkg/errors"
)

// Idempotency headers for API mutations.
const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderRequestID      = "X-Request-ID"
	HeaderClientID       = "X-Client-ID"
)

const maxRequestBody = 1 << 20

// RunsHandler serves the run lifecycle API.
type RunsHandler struct {
	engine *run.Engine
	gate   *approval.Gate
	keyer  *idempotency.Keyer
	logger *slog.Logger
}

// NewRunsHandler creates the runs handler.
func NewRunsHandler(engine *run.Engine, gate *approval.Gate, keyer *idempotency.Keyer, logger *slog.Logger) *RunsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunsHandler{engine: engine, gate: gate, keyer: keyer, logger: logger}
}

// RegisterRoutes registers run API routes on the router.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleCreate)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{id}/steps", h.handleSteps)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /v1/runs/{id}/approval", h.handleApproval)
	mux.HandleFunc("POST /v1/runs/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /v1/runs/{id}/reject", h.handleReject)
}

// CreateRunRequest is the request body for creating a run.
type CreateRunRequest struct {
	Kind   run.WorkflowKind `json:"kind"`
	Target run.Target       `json:"target"`
	Input  json.RawMessage  `json:"input,omitempty"`
}

// handleCreate handles POST /v1/runs. The request must carry an
// idempotency key; replays return the original response bytes with a
// replay marker.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	requestID := r.Header.Get(HeaderIdempotencyKey)
	if requestID == "" {
		requestID = r.Header.Get(HeaderRequestID)
	}
	if requestID == "" {
		writeError(w, r, &errors.ValidationError{
			Field:   HeaderIdempotencyKey,
			Message: "an idempotency key is required for run creation",
		})
		return
	}
	clientID := r.Header.Get(HeaderClientID)
	if clientID == "" {
		clientID = "api"
	}
	key := clientID + ":" + requestID

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, r, &errors.ValidationError{Field: "body", Message: "failed to read request body"})
		return
	}

	w.Header().Set(HeaderIdempotencyKey, requestID)

	dec, err := h.keyer.Begin(ctx, idempotency.Claim{
		TenantID:    tenantID,
		Key:         key,
		Source:      "api",
		RequestHash: hashBody(body),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch dec.Outcome {
	case idempotency.OutcomeReplay:
		if dec.Record.RequestHash != "" && dec.Record.RequestHash != hashBody(body) {
			writeError(w, r, &errors.ConflictError{
				Resource: "idempotency key",
				ID:       requestID,
				Reason:   "key reused with a different request body",
			})
			return
		}
		w.Header().Set(HeaderIdempotentReplay, "true")
		w.Header().Set("Content-Type", "application/json")
		status := dec.Record.ResponseStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(dec.Record.ResponseBody)
		return
	case idempotency.OutcomeInProgress:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
		return
	case idempotency.OutcomeExhausted:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(dec.Record.ResponseStatus)
		_, _ = w.Write(dec.Record.ResponseBody)
		return
	}

	var req CreateRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		verr := &errors.ValidationError{Field: "body", Message: "invalid request body"}
		h.finalize(ctx, tenantID, key, false, "", http.StatusBadRequest, ErrorBody{Code: errors.CodeValidation, Message: verr.Error()})
		writeError(w, r, verr)
		return
	}

	created, err := h.engine.CreateRun(ctx, run.Spec{
		TenantID: tenantID,
		Kind:     req.Kind,
		Trigger:  run.TriggerAPI,
		Target:   req.Target,
		Input:    req.Input,
	})
	if err != nil {
		h.finalize(ctx, tenantID, key, false, "", statusFor(errors.CodeOf(err), err), ErrorBody{Code: errors.CodeOf(err), Message: publicMessage(errors.CodeOf(err), err)})
		writeError(w, r, err)
		return
	}

	encoded, err := json.Marshal(created)
	if err != nil {
		h.logger.Error("failed to encode run", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := h.keyer.Finalize(ctx, tenantID, key, true, created.ID, http.StatusCreated, encoded); err != nil {
		h.logger.Warn("failed to finalize idempotency record",
			slog.String("tenant_id", tenantID),
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(encoded)
}

// handleList handles GET /v1/runs with status/kind/limit/offset filters.
func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := run.ListFilter{
		Status: run.Status(q.Get("status")),
		Kind:   run.WorkflowKind(q.Get("kind")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, &errors.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, &errors.ValidationError{Field: "offset", Message: "must be a non-negative integer"})
			return
		}
		filter.Offset = n
	}

	runs, err := h.engine.ListRuns(r.Context(), tenantID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGet handles GET /v1/runs/{id}.
func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rn, ok := h.tenantRun(w, r, tenantID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// handleSteps handles GET /v1/runs/{id}/steps.
func (h *RunsHandler) handleSteps(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rn, ok := h.tenantRun(w, r, tenantID)
	if !ok {
		return
	}
	steps, err := h.engine.ListSteps(r.Context(), rn.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps, "count": len(steps)})
}

// handleCancel handles POST /v1/runs/{id}/cancel.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rn, ok := h.tenantRun(w, r, tenantID)
	if !ok {
		return
	}
	updated, err := h.engine.TransitionRun(r.Context(), rn.ID, run.StatusCancelled, "cancelled via api")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleApproval handles GET /v1/runs/{id}/approval, returning the run's
// pending approval record so approvers can sign against its artifact hash.
func (h *RunsHandler) handleApproval(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rn, ok := h.tenantRun(w, r, tenantID)
	if !ok {
		return
	}
	rec, err := h.gate.Pending(r.Context(), tenantID, rn.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// decisionRequest carries the signed decision token.
type decisionRequest struct {
	Token string `json:"token"`
}

// handleApprove handles POST /v1/runs/{id}/approve.
func (h *RunsHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, approval.DecisionApprove)
}

// handleReject handles POST /v1/runs/{id}/reject.
func (h *RunsHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, approval.DecisionReject)
}

func (h *RunsHandler) decide(w http.ResponseWriter, r *http.Request, want string) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rn, ok := h.tenantRun(w, r, tenantID)
	if !ok {
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil || req.Token == "" {
		writeError(w, r, &errors.ValidationError{Field: "token", Message: "a signed decision token is required"})
		return
	}

	rec, err := h.gate.DecideAs(r.Context(), tenantID, rn.ID, req.Token, want)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      string(rec.Status),
		"approver":    rec.Approver,
		"approval_id": rec.ID,
		"run_id":      rn.ID,
	})
}

// tenant extracts the tenant header, writing a 400 when absent.
func (h *RunsHandler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.Header.Get(HeaderTenantID)
	if tenantID == "" {
		writeError(w, r, &errors.ValidationError{Field: HeaderTenantID, Message: "required"})
		return "", false
	}
	return tenantID, true
}

// tenantRun loads the path run and enforces tenant scoping. Cross-tenant
// ids read as not found.
func (h *RunsHandler) tenantRun(w http.ResponseWriter, r *http.Request, tenantID string) (*run.Run, bool) {
	id := r.PathValue("id")
	rn, err := h.engine.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if rn.TenantID != tenantID {
		writeError(w, r, &errors.NotFoundError{Resource: "run", ID: id})
		return nil, false
	}
	return rn, true
}

func (h *RunsHandler) finalize(ctx context.Context, tenantID, key string, success bool, runID string, status int, body any) {
	encoded, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("failed to encode idempotency response", slog.Any("error", err))
		return
	}
	if err := h.keyer.Finalize(ctx, tenantID, key, success, runID, status, encoded); err != nil {
		h.logger.Warn("failed to finalize idempotency record",
			slog.String("tenant_id", tenantID),
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}
