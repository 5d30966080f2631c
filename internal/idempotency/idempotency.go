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

// Package idempotency makes inbound request processing exactly-once per key
// and serializes run mutation behind per-run locks.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/errors"
)

// Record state machine: processing -> completed | failed.
const (
	StateInProgress = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Retention and lease defaults.
const (
	// CompletedTTL keeps successful records long enough for client retries
	// across a full day of redelivery.
	CompletedTTL = 24 * time.Hour

	// FailedTTL keeps failure records briefly so a client can retry sooner
	// with the same key.
	FailedTTL = time.Hour

	// LeaseTTL bounds how long an in-progress claim blocks other workers
	// before it may be taken over.
	LeaseTTL = 5 * time.Minute

	// MaxAttempts bounds takeovers per key before the record is failed
	// permanently.
	MaxAttempts = 3
)

// Record is the persisted dedup state for one idempotency key.
type Record struct {
	Key      string `json:"key"`
	TenantID string `json:"tenant_id"`

	// Source names the inbound surface that first presented the key
	// (webhook, api, cli).
	Source string `json:"source,omitempty"`

	// RequestHash fingerprints the original request body so a duplicate key
	// carrying different content can be detected by callers.
	RequestHash string `json:"request_hash,omitempty"`

	State string `json:"state"`

	// Attempts counts processing claims, including takeovers.
	Attempts int `json:"attempts"`

	// RunID is the run created by the original processing, when one was.
	RunID string `json:"run_id,omitempty"`

	// ResponseStatus and ResponseBody replay the original outcome to
	// duplicate requests.
	ResponseStatus int             `json:"response_status,omitempty"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`

	// LeaseExpiresAt is when an in-progress claim becomes eligible for
	// takeover. A lease expiring exactly now is expired.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Outcome classifies a Begin decision.
type Outcome string

const (
	// OutcomeNew means the caller owns processing for this key.
	OutcomeNew Outcome = "new"

	// OutcomeReplay means a finalized record exists; return its stored
	// response without reprocessing.
	OutcomeReplay Outcome = "replay"

	// OutcomeInProgress means another worker holds a live lease; the caller
	// should report the request as accepted but still processing.
	OutcomeInProgress Outcome = "in_progress"

	// OutcomeTakeover means the prior claim's lease expired and the caller
	// now owns processing.
	OutcomeTakeover Outcome = "takeover"

	// OutcomeExhausted means takeover attempts are spent; the record was
	// finalized as failed and carries a synthesized failure response.
	// Subsequent claims replay that response.
	OutcomeExhausted Outcome = "exhausted"
)

// Decision is the result of Begin.
type Decision struct {
	Outcome Outcome
	Record  *Record
}

// Claim identifies an inbound request to dedup.
type Claim struct {
	TenantID string
	Key      string

	// Source and RequestHash are recorded on first claim; zero values are
	// fine for callers that don't track them.
	Source      string
	RequestHash string
}

// Keyer manages idempotency records over the document store.
type Keyer struct {
	store store.Store
	now   func() time.Time
}

// NewKeyer creates a record manager.
func NewKeyer(st store.Store) *Keyer {
	return &Keyer{store: st, now: time.Now}
}

// SetClock overrides the clock. Test use only.
func (k *Keyer) SetClock(now func() time.Time) { k.now = now }

func recordID(tenantID, key string) string {
	return tenantID + ":" + key
}

// Begin claims an idempotency key with a check-and-set against the stored
// record. Exactly one of four outcomes results:
//
//	absent                      -> claim inserted, OutcomeNew
//	finalized                   -> stored response, OutcomeReplay
//	in progress, live lease     -> OutcomeInProgress
//	in progress, expired lease  -> attempts+1 and reclaim, OutcomeTakeover;
//	                               or finalized as failed once attempts are
//	                               exhausted, OutcomeExhausted
func (k *Keyer) Begin(ctx context.Context, claim Claim) (*Decision, error) {
	if claim.Key == "" {
		return nil, &errors.ValidationError{Field: "idempotency_key", Message: "required"}
	}

	now := k.now()
	var decision *Decision

	err := k.store.RunTransaction(ctx, func(tx store.Txn) error {
		doc, err := tx.Get(store.CollectionIdempotency, recordID(claim.TenantID, claim.Key))
		if err != nil {
			if !errors.As(err, new(*errors.NotFoundError)) {
				return err
			}
			rec := &Record{
				Key:         claim.Key,
				TenantID:    claim.TenantID,
				Source:      claim.Source,
				RequestHash: claim.RequestHash,
				State:       StateInProgress,
				Attempts:    1,
				FirstSeenAt: now.UTC(),
				UpdatedAt:   now.UTC(),
			}
			lease := now.Add(LeaseTTL).UTC()
			rec.LeaseExpiresAt = &lease
			decision = &Decision{Outcome: OutcomeNew, Record: rec}
			return k.put(tx, rec, 0, nil)
		}

		var rec Record
		if err := store.Decode(doc, &rec); err != nil {
			return err
		}

		if rec.State != StateInProgress {
			decision = &Decision{Outcome: OutcomeReplay, Record: &rec}
			return nil
		}

		if rec.LeaseExpiresAt != nil && now.Before(*rec.LeaseExpiresAt) {
			decision = &Decision{Outcome: OutcomeInProgress, Record: &rec}
			return nil
		}

		// Lease expired. Either reclaim or exhaust.
		if rec.Attempts >= MaxAttempts {
			rec.State = StateFailed
			rec.ResponseStatus = 500
			rec.ResponseBody = json.RawMessage(`{"error":"processing attempts exhausted"}`)
			rec.LeaseExpiresAt = nil
			rec.UpdatedAt = now.UTC()
			exp := now.Add(FailedTTL).UTC()
			decision = &Decision{Outcome: OutcomeExhausted, Record: &rec}
			return k.put(tx, &rec, doc.Version, &exp)
		}

		rec.Attempts++
		lease := now.Add(LeaseTTL).UTC()
		rec.LeaseExpiresAt = &lease
		rec.UpdatedAt = now.UTC()
		decision = &Decision{Outcome: OutcomeTakeover, Record: &rec}
		return k.put(tx, &rec, doc.Version, nil)
	})
	if err != nil {
		// A concurrent Begin on the same fresh key loses the insert race;
		// surface that as in-progress rather than a raw conflict.
		if errors.As(err, new(*errors.ConflictError)) {
			return &Decision{Outcome: OutcomeInProgress}, nil
		}
		return nil, err
	}
	return decision, nil
}

// Finalize records the processing outcome. Successful outcomes are retained
// for CompletedTTL, failures for FailedTTL, after which the key may be
// reused.
func (k *Keyer) Finalize(ctx context.Context, tenantID, key string, success bool, runID string, status int, body []byte) error {
	now := k.now()
	return k.store.RunTransaction(ctx, func(tx store.Txn) error {
		doc, err := tx.Get(store.CollectionIdempotency, recordID(tenantID, key))
		if err != nil {
			return err
		}
		var rec Record
		if err := store.Decode(doc, &rec); err != nil {
			return err
		}
		if rec.State != StateInProgress {
			return &errors.ConflictError{Resource: "idempotency", ID: key,
				Reason: "record already finalized"}
		}

		ttl := CompletedTTL
		rec.State = StateCompleted
		if !success {
			rec.State = StateFailed
			ttl = FailedTTL
		}
		rec.RunID = runID
		rec.ResponseStatus = status
		rec.ResponseBody = body
		rec.LeaseExpiresAt = nil
		rec.UpdatedAt = now.UTC()

		exp := now.Add(ttl).UTC()
		return k.put(tx, &rec, doc.Version, &exp)
	})
}

// Get returns the record for a key, or a NotFoundError.
func (k *Keyer) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	doc, err := k.store.Get(ctx, store.CollectionIdempotency, recordID(tenantID, key))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := store.Decode(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (k *Keyer) put(tx store.Txn, rec *Record, version int64, expiresAt *time.Time) error {
	data, err := store.Encode(rec)
	if err != nil {
		return err
	}
	return tx.Put(store.CollectionIdempotency, &store.Document{
		ID:        recordID(rec.TenantID, rec.Key),
		TenantID:  rec.TenantID,
		Data:      data,
		Version:   version,
		ExpiresAt: expiresAt,
		Fields:    map[string]string{"state": rec.State},
	})
}
