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
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/approval"
	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/bus"
	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/idempotency"
	"github.com/coderelay/coderelay/internal/reliability"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/internal/store/memory"
)

const (
	testTenant = "tenant-a"
	testSecret = "hook-secret"
)

type fixture struct {
	router  *Router
	engine  *run.Engine
	gate    *approval.Gate
	keyer   *idempotency.Keyer
	signKey ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	st := memory.New()
	log := audit.NewLog(st, bus.Discard{})
	engine := run.NewEngine(st, log, bus.Discard{}, nil)
	gate := approval.NewGate(st, log, bus.Discard{}, engine,
		approval.StaticKeyring{"alice": pub},
		approval.StaticAuthorizer{testTenant: {"alice": capability.All()}},
		nil)
	keyer := idempotency.NewKeyer(st)

	triggers, err := CompileTriggers([]TriggerRule{
		{
			Name:   "opened-issues",
			Event:  "issues",
			When:   `payload.action == "opened"`,
			Kind:   string(run.WorkflowIssueToCode),
			Target: `{repository: .repository.full_name, issue_number: .issue.number}`,
			Input:  `{title: .issue.title, body: .issue.body}`,
		},
	})
	require.NoError(t, err)

	router := NewRouter(RouterConfig{Version: "test"}, nil, nil)
	router.Register(NewWebhookHandler(engine, keyer, StaticSecrets{testTenant: testSecret}, triggers, nil))
	router.Register(NewRunsHandler(engine, gate, keyer, nil))

	return &fixture{router: router, engine: engine, gate: gate, keyer: keyer, signKey: priv}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func issueEvent(action string) []byte {
	return []byte(`{
		"action": "` + action + `",
		"repository": {"full_name": "acme/widgets"},
		"issue": {"number": 42, "title": "crash on save", "body": "stack trace attached"}
	}`)
}

func (f *fixture) webhookRequest(deliveryID string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(HeaderTenantID, testTenant)
	req.Header.Set(HeaderDeliveryID, deliveryID)
	req.Header.Set(HeaderEventType, "issues")
	req.Header.Set(HeaderWebhookSignature, SignBody(body, testSecret))
	return req
}

func TestWebhookTriggersRun(t *testing.T) {
	f := newFixture(t)

	rec := f.do(f.webhookRequest("D-1", issueEvent("opened")))
	require.Equal(t, http.StatusOK, rec.Code)

	var ack webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	require.Equal(t, "triggered", ack.Status)
	require.NotEmpty(t, ack.RunID)

	created, err := f.engine.GetRun(context.Background(), ack.RunID)
	require.NoError(t, err)
	require.Equal(t, run.TriggerWebhook, created.Trigger)
	require.Equal(t, run.WorkflowIssueToCode, created.Kind)
	require.Equal(t, "acme/widgets", created.Target.Repository)
	require.Equal(t, 42, created.Target.IssueNumber)
	require.JSONEq(t, `{"title":"crash on save","body":"stack trace attached"}`, string(created.Input))
}

func TestWebhookDuplicateDeliveryReplaysExactBytes(t *testing.T) {
	f := newFixture(t)
	body := issueEvent("opened")

	first := f.do(f.webhookRequest("D-1", body))
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(f.webhookRequest("D-1", body))
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get(HeaderIdempotentReplay))
	require.Equal(t, first.Body.String(), second.Body.String())

	runs, err := f.engine.ListRuns(context.Background(), testTenant, run.ListFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestWebhookDeliveryIDReuseWithDifferentBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(f.webhookRequest("D-1", issueEvent("opened")))
	require.Equal(t, http.StatusOK, rec.Code)

	other := issueEvent("opened")
	other = bytes.Replace(other, []byte("crash on save"), []byte("different bug"), 1)
	rec = f.do(f.webhookRequest("D-1", other))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebhookDedupsDistinctDeliveriesOfSameEvent(t *testing.T) {
	f := newFixture(t)
	body := issueEvent("opened")

	first := f.do(f.webhookRequest("D-1", body))
	require.Equal(t, http.StatusOK, first.Code)
	var firstAck webhookAck
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstAck))

	second := f.do(f.webhookRequest("D-2", body))
	require.Equal(t, http.StatusOK, second.Code)
	var secondAck webhookAck
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondAck))
	require.Equal(t, "duplicate", secondAck.Status)
	require.Equal(t, firstAck.RunID, secondAck.RunID)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := issueEvent("opened")

	req := f.webhookRequest("D-1", body)
	req.Header.Set(HeaderWebhookSignature, SignBody(body, "wrong-secret"))
	rec := f.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	runs, err := f.engine.ListRuns(context.Background(), testTenant, run.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestWebhookRequiresDeliveryID(t *testing.T) {
	f := newFixture(t)
	req := f.webhookRequest("unused", issueEvent("opened"))
	req.Header.Del(HeaderDeliveryID)
	rec := f.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookIgnoresUnroutedEvents(t *testing.T) {
	f := newFixture(t)

	rec := f.do(f.webhookRequest("D-1", issueEvent("closed")))
	require.Equal(t, http.StatusOK, rec.Code)
	var ack webhookAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	require.Equal(t, "ignored", ack.Status)

	runs, err := f.engine.ListRuns(context.Background(), testTenant, run.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, runs)
}

func (f *fixture) createRunRequest(key string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	req.Header.Set(HeaderTenantID, testTenant)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	return req
}

func TestCreateRunRequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	rec := f.do(f.createRunRequest("", []byte(`{"kind":"triage","target":{"repository":"acme/widgets"}}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRunAndReplay(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"kind":"triage","target":{"repository":"acme/widgets","issue_number":7},"input":{"note":"hi"}}`)

	first := f.do(f.createRunRequest("req-1", body))
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, "req-1", first.Header().Get(HeaderIdempotencyKey))

	var created run.Run
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))
	require.Equal(t, run.StatusPending, created.Status)

	second := f.do(f.createRunRequest("req-1", body))
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get(HeaderIdempotentReplay))
	require.Equal(t, first.Body.String(), second.Body.String())

	runs, err := f.engine.ListRuns(context.Background(), testTenant, run.ListFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestCreateRunKeyReuseWithDifferentBody(t *testing.T) {
	f := newFixture(t)

	first := f.do(f.createRunRequest("req-1", []byte(`{"kind":"triage","target":{"repository":"acme/widgets"}}`)))
	require.Equal(t, http.StatusCreated, first.Code)

	second := f.do(f.createRunRequest("req-1", []byte(`{"kind":"review","target":{"repository":"acme/widgets","pr_number":9}}`)))
	require.Equal(t, http.StatusConflict, second.Code)
}

func TestCreateRunRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	rec := f.do(f.createRunRequest("req-1", []byte(`{"kind":"nope","target":{"repository":"acme/widgets"}}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errBody ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	require.Equal(t, "validation", errBody.Code)
	require.NotEmpty(t, errBody.CorrelationID)
}

func TestGetRunScopedToTenant(t *testing.T) {
	f := newFixture(t)

	created, err := f.engine.CreateRun(context.Background(), run.Spec{
		TenantID: testTenant,
		Kind:     run.WorkflowTriage,
		Trigger:  run.TriggerAPI,
		Target:   run.Target{Repository: "acme/widgets"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+created.ID, nil)
	req.Header.Set(HeaderTenantID, testTenant)
	require.Equal(t, http.StatusOK, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs/"+created.ID, nil)
	req.Header.Set(HeaderTenantID, "tenant-b")
	require.Equal(t, http.StatusNotFound, f.do(req).Code)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.engine.CreateRun(ctx, run.Spec{
		TenantID: testTenant,
		Kind:     run.WorkflowTriage,
		Trigger:  run.TriggerAPI,
		Target:   run.Target{Repository: "acme/widgets"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+created.ID+"/cancel", nil)
	req.Header.Set(HeaderTenantID, testTenant)
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.engine.GetRun(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCancelled, got.Status)

	// Terminal runs refuse further transitions.
	rec = f.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// awaitingRun stages a run parked at the approval gate and returns the run
// and the artifact bytes the pending record is bound to.
func (f *fixture) awaitingRun(t *testing.T) (*run.Run, []byte) {
	t.Helper()
	ctx := context.Background()

	created, err := f.engine.CreateRun(ctx, run.Spec{
		TenantID: testTenant,
		Kind:     run.WorkflowAutopilot,
		Trigger:  run.TriggerAPI,
		Target:   run.Target{Repository: "acme/widgets", IssueNumber: 42},
	})
	require.NoError(t, err)
	_, err = f.engine.TransitionRun(ctx, created.ID, run.StatusRunning, "claimed")
	require.NoError(t, err)
	_, err = f.engine.TransitionRun(ctx, created.ID, run.StatusAwaitingApproval, "mutation pending approval")
	require.NoError(t, err)

	artifact := []byte(`{"capability":"open_pr","target":{"repository":"acme/widgets"},"payload":{}}`)
	_, err = f.gate.Request(ctx, testTenant, created.ID, capability.OpenPR, created.Target, artifact)
	require.NoError(t, err)

	updated, err := f.engine.GetRun(ctx, created.ID)
	require.NoError(t, err)
	return updated, artifact
}

func (f *fixture) decisionToken(t *testing.T, runID string, artifact []byte, decision string) string {
	t.Helper()
	token, err := approval.SignDecision(f.signKey, "alice", approval.DecisionClaims{
		RunID:        runID,
		Capability:   capability.OpenPR,
		ArtifactHash: approval.HashArtifact(artifact),
		Decision:     decision,
	}, time.Now(), time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) decideRequest(runID, path, token string) *http.Request {
	body, _ := json.Marshal(decisionRequest{Token: token})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+runID+"/"+path, bytes.NewReader(body))
	req.Header.Set(HeaderTenantID, testTenant)
	return req
}

func TestApproveEndpoint(t *testing.T) {
	f := newFixture(t)
	parked, artifact := f.awaitingRun(t)

	token := f.decisionToken(t, parked.ID, artifact, approval.DecisionApprove)
	rec := f.do(f.decideRequest(parked.ID, "approve", token))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "approved", resp["status"])

	got, err := f.engine.GetRun(context.Background(), parked.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, got.Status)
}

func TestRejectEndpoint(t *testing.T) {
	f := newFixture(t)
	parked, artifact := f.awaitingRun(t)

	token := f.decisionToken(t, parked.ID, artifact, approval.DecisionReject)
	rec := f.do(f.decideRequest(parked.ID, "reject", token))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.engine.GetRun(context.Background(), parked.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, got.Status)
	require.Equal(t, approval.FailureDenied, got.StatusReason)
}

func TestApproveEndpointRejectsMismatchedDecision(t *testing.T) {
	f := newFixture(t)
	parked, artifact := f.awaitingRun(t)

	// An approve token posted to the reject endpoint must not be applied.
	token := f.decisionToken(t, parked.ID, artifact, approval.DecisionApprove)
	rec := f.do(f.decideRequest(parked.ID, "reject", token))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := f.engine.GetRun(context.Background(), parked.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusAwaitingApproval, got.Status)
}

func TestApproveHashMismatchConflicts(t *testing.T) {
	f := newFixture(t)
	parked, _ := f.awaitingRun(t)

	token := f.decisionToken(t, parked.ID, []byte(`{"tampered":true}`), approval.DecisionApprove)
	rec := f.do(f.decideRequest(parked.ID, "approve", token))
	require.Equal(t, http.StatusConflict, rec.Code)

	got, err := f.engine.GetRun(context.Background(), parked.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusAwaitingApproval, got.Status)
}

func TestRateLimitedRequestsGet429(t *testing.T) {
	limiter := reliability.NewRateLimiter(reliability.NewMemoryRateLimitStore(), 2, time.Minute)
	f := newFixture(t)
	f.router.limiter = limiter

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
		r.Header.Set(HeaderTenantID, testTenant)
		return r
	}
	require.Equal(t, http.StatusOK, f.do(req()).Code)
	require.Equal(t, http.StatusOK, f.do(req()).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(req()).Code)
}

func TestDrainingRefusesMutations(t *testing.T) {
	f := newFixture(t)
	f.router.SetDraining(true)

	rec := f.do(f.webhookRequest("D-1", issueEvent("opened")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "10", rec.Header().Get("Retry-After"))

	// Reads still work while draining.
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"draining"}`, rec.Body.String())
}
