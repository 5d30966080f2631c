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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/coderelay/coderelay/internal/idempotency"
	"github.com/coderelay/coderelay/internal/jq"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/pkg/errors"
)

// Webhook headers.
const (
	HeaderDeliveryID       = "X-Delivery-ID"
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderEventType        = "X-Event-Type"
	HeaderIdempotentReplay = "X-Idempotent-Replay"
)

const maxWebhookBody = 1 << 20

// SecretSource resolves per-tenant webhook signing secrets.
type SecretSource interface {
	WebhookSecret(tenantID string) (string, bool)
}

// StaticSecrets is a fixed tenant -> secret map.
type StaticSecrets map[string]string

// WebhookSecret implements SecretSource.
func (s StaticSecrets) WebhookSecret(tenantID string) (string, bool) {
	secret, ok := s[tenantID]
	return secret, ok
}

// TriggerRule routes a host event to a workflow. Event selects by delivery
// event type; When is an optional boolean expression over the payload;
// Input and Target are jq mappings from the payload to the run's input and
// target descriptor.
type TriggerRule struct {
	Name   string `yaml:"name" json:"name"`
	Event  string `yaml:"event" json:"event"`
	When   string `yaml:"when,omitempty" json:"when,omitempty"`
	Kind   string `yaml:"kind" json:"kind"`
	Input  string `yaml:"input,omitempty" json:"input,omitempty"`
	Target string `yaml:"target" json:"target"`
}

type compiledRule struct {
	rule   TriggerRule
	when   *vm.Program
	input  *jq.Mapper
	target *jq.Mapper
}

// TriggerTable holds compiled trigger rules, evaluated in order.
type TriggerTable struct {
	rules []compiledRule
}

// CompileTriggers compiles the rules so malformed routes fail at startup.
func CompileTriggers(rules []TriggerRule) (*TriggerTable, error) {
	t := &TriggerTable{}
	for _, r := range rules {
		if r.Name == "" {
			return nil, &errors.ValidationError{Field: "trigger.name", Message: "required"}
		}
		if !run.ValidWorkflowKind(run.WorkflowKind(r.Kind)) {
			return nil, &errors.ValidationError{Field: "trigger." + r.Name, Message: "unknown workflow kind " + r.Kind}
		}
		c := compiledRule{rule: r}
		if r.When != "" {
			prog, err := expr.Compile(r.When, expr.AllowUndefinedVariables(), expr.AsBool())
			if err != nil {
				return nil, &errors.ValidationError{
					Field:   "trigger." + r.Name,
					Message: fmt.Sprintf("failed to compile filter: %s", err),
				}
			}
			c.when = prog
		}
		var err error
		if c.input, err = jq.Compile(r.Input); err != nil {
			return nil, err
		}
		if c.target, err = jq.Compile(r.Target); err != nil {
			return nil, err
		}
		t.rules = append(t.rules, c)
	}
	return t, nil
}

// match returns the first rule whose event and filter accept the payload.
func (t *TriggerTable) match(event string, payload map[string]any) (*compiledRule, error) {
	for i := range t.rules {
		c := &t.rules[i]
		if c.rule.Event != "" && c.rule.Event != event {
			continue
		}
		if c.when != nil {
			env := map[string]any{"event": event, "payload": payload}
			result, err := expr.Run(c.when, env)
			if err != nil {
				return nil, &errors.ValidationError{
					Field:   "trigger." + c.rule.Name,
					Message: fmt.Sprintf("filter evaluation failed: %s", err),
				}
			}
			if matched, ok := result.(bool); !ok || !matched {
				continue
			}
		}
		return c, nil
	}
	return nil, nil
}

// WebhookHandler ingests host-delivered events: verify the signature,
// claim the delivery id exactly once, route the event to a workflow, and
// create the run.
type WebhookHandler struct {
	engine   *run.Engine
	keyer    *idempotency.Keyer
	secrets  SecretSource
	triggers *TriggerTable
	logger   *slog.Logger
	recorder Recorder
}

// NewWebhookHandler creates the webhook ingress handler.
func NewWebhookHandler(engine *run.Engine, keyer *idempotency.Keyer, secrets SecretSource, triggers *TriggerTable, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{engine: engine, keyer: keyer, secrets: secrets, triggers: triggers, logger: logger, recorder: nopRecorder{}}
}

// SetRecorder installs a metrics recorder for delivery outcomes.
func (h *WebhookHandler) SetRecorder(rec Recorder) {
	if rec != nil {
		h.recorder = rec
	}
}

// RegisterRoutes registers webhook routes on the router.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook", h.handleDeliver)
	mux.HandleFunc("POST /v1/webhook", h.handleDeliver)
}

// webhookAck is the body returned to the delivering host.
type webhookAck struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
}

func (h *WebhookHandler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID := r.Header.Get(HeaderTenantID)
	if tenantID == "" {
		writeError(w, r, &errors.ValidationError{Field: HeaderTenantID, Message: "required"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, &errors.ValidationError{Field: "body", Message: "failed to read request body"})
		return
	}

	secret, ok := h.secrets.WebhookSecret(tenantID)
	if !ok || verifySignature(r.Header.Get(HeaderWebhookSignature), body, secret) != nil {
		h.recorder.WebhookDelivery("unauthorized")
		writeJSON(w, http.StatusUnauthorized, ErrorBody{
			Code:          "unauthorized",
			Message:       "webhook signature verification failed",
			CorrelationID: CorrelationIDFrom(ctx),
		})
		return
	}

	deliveryID := r.Header.Get(HeaderDeliveryID)
	if deliveryID == "" {
		writeError(w, r, &errors.ValidationError{Field: HeaderDeliveryID, Message: "required"})
		return
	}

	requestHash := hashBody(body)
	key := "webhook:" + deliveryID
	dec, err := h.keyer.Begin(ctx, idempotency.Claim{
		TenantID:    tenantID,
		Key:         key,
		Source:      "webhook",
		RequestHash: requestHash,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch dec.Outcome {
	case idempotency.OutcomeReplay:
		if dec.Record.RequestHash != "" && dec.Record.RequestHash != requestHash {
			writeError(w, r, &errors.ConflictError{
				Resource: "delivery",
				ID:       deliveryID,
				Reason:   "delivery id reused with a different payload",
			})
			return
		}
		h.replay(w, dec.Record)
		return
	case idempotency.OutcomeInProgress:
		writeJSON(w, http.StatusAccepted, webhookAck{Status: "processing"})
		return
	case idempotency.OutcomeExhausted:
		// Processing attempts are spent; return the stored failure rather
		// than a replay of an original response.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(dec.Record.ResponseStatus)
		_, _ = w.Write(dec.Record.ResponseBody)
		return
	}

	// OutcomeNew or OutcomeTakeover: this worker owns the delivery.
	h.process(w, r, tenantID, key, body)
}

// process routes a freshly claimed delivery and finalizes its idempotency
// record with the exact response bytes for future replays.
func (h *WebhookHandler) process(w http.ResponseWriter, r *http.Request, tenantID, key string, body []byte) {
	ctx := r.Context()

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		verr := &errors.ValidationError{Field: "body", Message: "payload is not valid JSON"}
		h.finalize(ctx, tenantID, key, false, "", http.StatusBadRequest, ErrorBody{Code: errors.CodeValidation, Message: verr.Error()})
		writeError(w, r, verr)
		return
	}

	event := eventType(r)
	rule, err := h.triggers.match(event, payload)
	if err != nil {
		h.finalize(ctx, tenantID, key, false, "", http.StatusInternalServerError, ErrorBody{Code: errors.CodeInternal, Message: "internal error"})
		writeError(w, r, err)
		return
	}
	if rule == nil {
		h.ack(w, ctx, tenantID, key, "", webhookAck{Status: "ignored"})
		return
	}

	target, input, err := rule.mapEvent(ctx, body)
	if err != nil {
		h.finalize(ctx, tenantID, key, false, "", http.StatusBadRequest, ErrorBody{Code: errors.CodeValidation, Message: err.Error()})
		writeError(w, r, err)
		return
	}

	created, err := h.engine.CreateRun(ctx, run.Spec{
		TenantID:    tenantID,
		Kind:        run.WorkflowKind(rule.rule.Kind),
		Trigger:     run.TriggerWebhook,
		Target:      target,
		Input:       input,
		Fingerprint: eventFingerprint(tenantID, rule.rule.Kind, target, input),
	})
	if err != nil {
		var conflict *errors.ConflictError
		if errors.As(err, &conflict) {
			h.ack(w, ctx, tenantID, key, conflict.ID, webhookAck{Status: "duplicate", RunID: conflict.ID})
			return
		}
		h.finalize(ctx, tenantID, key, false, "", http.StatusInternalServerError, ErrorBody{Code: errors.CodeOf(err), Message: "internal error"})
		writeError(w, r, err)
		return
	}

	h.logger.Info("webhook triggered run",
		slog.String("tenant_id", tenantID),
		slog.String("run_id", created.ID),
		slog.String("event", event),
		slog.String("rule", rule.rule.Name))

	h.ack(w, ctx, tenantID, key, created.ID, webhookAck{Status: "triggered", RunID: created.ID})
}

// ack finalizes the idempotency record with the exact bytes it writes to
// the host, so redeliveries replay the identical response.
func (h *WebhookHandler) ack(w http.ResponseWriter, ctx context.Context, tenantID, key, runID string, body webhookAck) {
	encoded, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("failed to encode webhook ack", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.recorder.WebhookDelivery(body.Status)
	if err := h.keyer.Finalize(ctx, tenantID, key, true, runID, http.StatusOK, encoded); err != nil {
		h.logger.Warn("failed to finalize idempotency record",
			slog.String("tenant_id", tenantID),
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

// mapEvent applies the rule's jq mappings to the raw payload.
func (c *compiledRule) mapEvent(ctx context.Context, body []byte) (run.Target, json.RawMessage, error) {
	targetJSON, err := c.target.Map(ctx, body)
	if err != nil {
		return run.Target{}, nil, err
	}
	var target run.Target
	if err := json.Unmarshal(targetJSON, &target); err != nil {
		return run.Target{}, nil, &errors.ValidationError{Field: "trigger." + c.rule.Name, Message: "target mapping did not produce a target descriptor"}
	}
	if target.Repository == "" {
		return run.Target{}, nil, &errors.ValidationError{Field: "trigger." + c.rule.Name, Message: "target mapping produced no repository"}
	}
	input, err := c.input.Map(ctx, body)
	if err != nil {
		return run.Target{}, nil, err
	}
	return target, input, nil
}

func (h *WebhookHandler) finalize(ctx context.Context, tenantID, key string, success bool, runID string, status int, body any) {
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

// replay writes the stored response bytes for a finalized delivery.
func (h *WebhookHandler) replay(w http.ResponseWriter, rec *idempotency.Record) {
	w.Header().Set(HeaderIdempotentReplay, "true")
	w.Header().Set("Content-Type", "application/json")
	status := rec.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(rec.ResponseBody)
}

// eventType resolves the delivery's event type from common headers.
func eventType(r *http.Request) string {
	for _, header := range []string{HeaderEventType, "X-Webhook-Event", "X-Event"} {
		if v := r.Header.Get(header); v != "" {
			return v
		}
	}
	return "webhook"
}

// verifySignature checks an HMAC-SHA-256 signature in constant time.
// Accepts "sha256=<hex>" or a bare hex digest.
func verifySignature(signature string, body []byte, secret string) error {
	if signature == "" {
		return fmt.Errorf("no signature header found")
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if strings.Contains(sig, "=") {
		return fmt.Errorf("unsupported signature algorithm")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// SignBody computes the signature a host would send for body under secret.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// eventFingerprint normalizes a routed event for the short dedup window:
// two deliveries carrying the same logical change collapse to one run.
func eventFingerprint(tenantID, kind string, target run.Target, input json.RawMessage) string {
	hsh := sha256.New()
	fmt.Fprintf(hsh, "%s|%s|%s|%d|%d|", tenantID, kind, target.Repository, target.PRNumber, target.IssueNumber)
	hsh.Write(input)
	return hex.EncodeToString(hsh.Sum(nil))
}
