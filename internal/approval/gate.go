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

package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/coderelay/coderelay/internal/audit"
	"github.com/coderelay/coderelay/internal/bus"
	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/errors"
)

// Run failure kinds produced by the gate.
const (
	FailureDenied  = run.FailureDenied
	FailureExpired = run.FailureExpired
)

// Authorizer decides whether an approver may authorize a capability for a
// tenant.
type Authorizer interface {
	Authorized(tenantID, approver string, cap capability.Capability) bool
}

// StaticAuthorizer maps tenant -> approver -> permitted capabilities.
type StaticAuthorizer map[string]map[string][]capability.Capability

// Authorized implements Authorizer.
func (a StaticAuthorizer) Authorized(tenantID, approver string, cap capability.Capability) bool {
	for _, c := range a[tenantID][approver] {
		if c == cap {
			return true
		}
	}
	return false
}

// Gate owns ApprovalRecords. No other component mutates them; status moves
// monotonically pending -> approved | rejected | expired.
type Gate struct {
	store  store.Store
	audit  *audit.Log
	bus    bus.Publisher
	engine *run.Engine
	keys   Keyring
	authz  Authorizer
	policy *AutoPolicy
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewGate creates the approval gate. policy may be nil; auto-approval is off
// by default.
func NewGate(st store.Store, auditLog *audit.Log, publisher bus.Publisher, engine *run.Engine, keys Keyring, authz Authorizer, logger *slog.Logger) *Gate {
	if publisher == nil {
		publisher = bus.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  st,
		audit:  auditLog,
		bus:    publisher,
		engine: engine,
		keys:   keys,
		authz:  authz,
		logger: logger,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
}

// SetClock overrides the clock. Test use only.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// SetTTL overrides the pending-approval TTL.
func (g *Gate) SetTTL(ttl time.Duration) { g.ttl = ttl }

// SetAutoPolicy installs optional auto-approval rules.
func (g *Gate) SetAutoPolicy(p *AutoPolicy) { g.policy = p }

// Request writes a pending ApprovalRecord binding the run's proposed
// mutation to the SHA-256 of its exact payload bytes.
func (g *Gate) Request(ctx context.Context, tenantID, runID string, cap capability.Capability, target run.Target, artifactBytes []byte) (*Record, error) {
	if !cap.Valid() {
		return nil, &errors.ValidationError{Field: "capability", Message: "unknown capability " + string(cap)}
	}

	now := g.now()
	rec := &Record{
		ID:           NewRecordID(now),
		RunID:        runID,
		TenantID:     tenantID,
		Capability:   cap,
		Target:       target,
		ArtifactHash: HashArtifact(artifactBytes),
		Status:       StatusPending,
		ExpiresAt:    now.Add(g.ttl).UTC(),
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}

	if err := g.store.RunTransaction(ctx, func(tx store.Txn) error {
		return g.put(tx, rec, 0)
	}); err != nil {
		return nil, errors.Wrap(err, "writing approval record")
	}

	if g.audit != nil {
		_, _ = g.audit.Append(ctx, tenantID, runID, "gate", audit.KindApprovalRequested, rec)
	}
	_ = g.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicApprovalRequested,
		TenantID: tenantID,
		RunID:    runID,
		Payload: map[string]any{
			"approval_id":   rec.ID,
			"capability":    string(cap),
			"artifact_hash": rec.ArtifactHash,
		},
	})
	g.logger.Info("approval requested",
		slog.String("run_id", runID),
		slog.String("capability", string(cap)),
		slog.String("artifact_hash", rec.ArtifactHash))
	return rec, nil
}

// Pending returns the run's pending approval record, or an
// ApprovalInvalidError with reason "not_pending".
func (g *Gate) Pending(ctx context.Context, tenantID, runID string) (*Record, error) {
	docs, err := g.store.Query(ctx, store.CollectionApprovals, store.Query{
		TenantID: tenantID,
		Eq:       map[string]string{"run_id": runID, "status": string(StatusPending)},
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, &errors.ApprovalInvalidError{Reason: "not_pending", RunID: runID}
	}
	var rec Record
	if err := store.Decode(docs[0], &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Approved returns the run's approved record, or nil when none exists.
func (g *Gate) Approved(ctx context.Context, tenantID, runID string) (*Record, error) {
	docs, err := g.store.Query(ctx, store.CollectionApprovals, store.Query{
		TenantID: tenantID,
		Eq:       map[string]string{"run_id": runID, "status": string(StatusApproved)},
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var rec Record
	if err := store.Decode(docs[0], &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Decide validates a signed decision token against the run's pending record
// and applies it. Checks, in order: signature under a known approver key,
// pending record exists and matches the claims, record unexpired (expiring
// exactly now counts as expired), artifact hash equality, approver
// authorization. Invalid decisions leave the record and the run untouched
// except for expiry, which finalizes both.
func (g *Gate) Decide(ctx context.Context, tenantID, runID, token string) (*Record, error) {
	claims, err := VerifyDecision(token, g.keys)
	if err != nil {
		g.rejectAudit(ctx, tenantID, runID, "", "bad_signature")
		return nil, err
	}
	approver := claims.Subject

	rec, err := g.Pending(ctx, tenantID, runID)
	if err != nil {
		g.rejectAudit(ctx, tenantID, runID, approver, "not_pending")
		return nil, err
	}

	now := g.now()
	if rec.Expired(now) {
		if err := g.expireRecord(ctx, rec, now); err != nil {
			return nil, err
		}
		g.rejectAudit(ctx, tenantID, runID, approver, "expired")
		return nil, &errors.ApprovalInvalidError{Reason: "expired", RunID: runID}
	}

	if claims.RunID != runID || claims.Capability != rec.Capability {
		g.rejectAudit(ctx, tenantID, runID, approver, "not_pending")
		return nil, &errors.ApprovalInvalidError{Reason: "not_pending", RunID: runID}
	}
	if claims.ArtifactHash != rec.ArtifactHash {
		g.rejectAudit(ctx, tenantID, runID, approver, "hash_mismatch")
		return nil, &errors.ApprovalInvalidError{Reason: "hash_mismatch", RunID: runID}
	}
	if g.authz == nil || !g.authz.Authorized(tenantID, approver, rec.Capability) {
		g.rejectAudit(ctx, tenantID, runID, approver, "unauthorized_approver")
		return nil, &errors.ApprovalInvalidError{Reason: "unauthorized_approver", RunID: runID}
	}

	status := StatusApproved
	if claims.Decision == DecisionReject {
		status = StatusRejected
	}
	signedAt := time.Unix(claims.SignedAt, 0).UTC()
	return g.apply(ctx, rec, status, approver, "", token, &signedAt, now)
}

// DecideAs is Decide for transport surfaces that bind a decision to an
// endpoint: the token's decision claim must equal want or the call is
// rejected before anything is applied.
func (g *Gate) DecideAs(ctx context.Context, tenantID, runID, token, want string) (*Record, error) {
	claims, err := VerifyDecision(token, g.keys)
	if err != nil {
		g.rejectAudit(ctx, tenantID, runID, "", "bad_signature")
		return nil, err
	}
	if claims.Decision != want {
		return nil, &errors.ValidationError{Field: "decision", Message: "token decision does not match endpoint"}
	}
	return g.Decide(ctx, tenantID, runID, token)
}

// TryAutoApprove evaluates the optional auto-policy against a pending
// record. A matching rule approves the record with a policy approver
// identity. Returns the updated record and whether a rule matched.
func (g *Gate) TryAutoApprove(ctx context.Context, rec *Record) (*Record, bool, error) {
	if g.policy == nil {
		return rec, false, nil
	}
	rule, ok, err := g.policy.Match(rec)
	if err != nil || !ok {
		return rec, false, err
	}
	now := g.now()
	signedAt := now.UTC()
	updated, err := g.apply(ctx, rec, StatusApproved, "policy:"+rule, "matched auto-policy rule "+rule, "", &signedAt, now)
	if err != nil {
		return rec, false, err
	}
	return updated, true, nil
}

// apply finalizes a pending record and moves the run accordingly.
func (g *Gate) apply(ctx context.Context, rec *Record, status Status, approver, reason, signature string, signedAt *time.Time, now time.Time) (*Record, error) {
	err := g.store.RunTransaction(ctx, func(tx store.Txn) error {
		doc, err := tx.Get(store.CollectionApprovals, rec.ID)
		if err != nil {
			return err
		}
		var current Record
		if err := store.Decode(doc, &current); err != nil {
			return err
		}
		if current.Status != StatusPending {
			return &errors.ApprovalInvalidError{Reason: "not_pending", RunID: rec.RunID}
		}
		current.Status = status
		current.Approver = approver
		current.Reason = reason
		current.Signature = signature
		current.SignedAt = signedAt
		switch status {
		case StatusApproved:
			current.Decision = DecisionApprove
		case StatusRejected:
			current.Decision = DecisionReject
		}
		current.UpdatedAt = now.UTC()
		*rec = current
		return g.put(tx, &current, doc.Version)
	})
	if err != nil {
		return nil, err
	}

	if g.audit != nil {
		_, _ = g.audit.Append(ctx, rec.TenantID, rec.RunID, approver, audit.KindApprovalDecided, rec)
	}
	_ = g.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicApprovalDecided,
		TenantID: rec.TenantID,
		RunID:    rec.RunID,
		Payload: map[string]any{
			"approval_id": rec.ID,
			"status":      string(rec.Status),
			"approver":    approver,
		},
	})

	// Unblock or fail the run, then snapshot.
	if g.engine != nil {
		switch status {
		case StatusApproved:
			if _, err := g.engine.TransitionRun(ctx, rec.RunID, run.StatusRunning, "approval granted by "+approver); err != nil {
				return nil, err
			}
		case StatusRejected:
			if _, err := g.engine.TransitionRun(ctx, rec.RunID, run.StatusFailed, FailureDenied); err != nil {
				return nil, err
			}
		case StatusExpired:
			if _, err := g.engine.TransitionRun(ctx, rec.RunID, run.StatusFailed, FailureExpired); err != nil {
				return nil, err
			}
		}
		if err := g.engine.RecordCheckpoint(ctx, rec.RunID); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (g *Gate) expireRecord(ctx context.Context, rec *Record, now time.Time) error {
	_, err := g.apply(ctx, rec, StatusExpired, "", "approval ttl elapsed", "", nil, now)
	return err
}

// SweepExpired finalizes a tenant's pending approvals whose TTL elapsed,
// failing their runs with kind approval_expired. Returns how many expired.
func (g *Gate) SweepExpired(ctx context.Context, tenantID string) (int, error) {
	docs, err := g.store.Query(ctx, store.CollectionApprovals, store.Query{
		TenantID: tenantID,
		Eq:       map[string]string{"status": string(StatusPending)},
	})
	if err != nil {
		return 0, err
	}

	now := g.now()
	expired := 0
	for _, doc := range docs {
		var rec Record
		if err := store.Decode(doc, &rec); err != nil {
			return expired, err
		}
		if !rec.Expired(now) {
			continue
		}
		if err := g.expireRecord(ctx, &rec, now); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// rejectAudit logs a gate rejection as a security event.
func (g *Gate) rejectAudit(ctx context.Context, tenantID, runID, approver, reason string) {
	g.logger.Warn("approval rejected by gate",
		slog.String("run_id", runID),
		slog.String("approver", approver),
		slog.String("reason", reason))
	if g.audit != nil {
		_, _ = g.audit.Append(ctx, tenantID, runID, approver, audit.KindApprovalRejected, map[string]any{
			"reason": reason,
		})
	}
}

func (g *Gate) put(tx store.Txn, rec *Record, version int64) error {
	data, err := store.Encode(rec)
	if err != nil {
		return err
	}
	return tx.Put(store.CollectionApprovals, &store.Document{
		ID:       rec.ID,
		TenantID: rec.TenantID,
		Data:     data,
		Version:  version,
		Fields: map[string]string{
			"run_id": rec.RunID,
			"status": string(rec.Status),
		},
	})
}
