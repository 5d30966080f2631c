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

// Package audit provides the append-only, hash-chained audit log.
//
// Events within a tenant form a tamper-evident chain: each event's PrevHash
// is the SHA-256 of the canonical bytes of the chronologically prior event.
// Appends serialize on a per-tenant head document via compare-and-swap.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/bus"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/errors"
)

// GenesisHash is the PrevHash of the first event in a tenant's chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event kinds recorded by the control plane.
const (
	KindRunCreated        = "run.created"
	KindRunTransitioned   = "run.transitioned"
	KindStepCompleted     = "step.completed"
	KindApprovalRequested = "approval.requested"
	KindApprovalDecided   = "approval.decided"
	KindApprovalRejected  = "approval.gate_rejected"
	KindMutationApplied   = "mutation.applied"
)

// Event is one append-only audit record.
type Event struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	RunID       string    `json:"run_id,omitempty"`
	Actor       string    `json:"actor"`
	EventKind   string    `json:"event_kind"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// head tracks the hash of the last event in a tenant's chain.
type head struct {
	LastHash string `json:"last_hash"`
	LastID   string `json:"last_id"`
}

// Log appends and verifies audit events.
type Log struct {
	store store.Store
	bus   bus.Publisher
	now   func() time.Time
}

// NewLog creates a new audit log over the given store.
func NewLog(st store.Store, publisher bus.Publisher) *Log {
	if publisher == nil {
		publisher = bus.Discard{}
	}
	return &Log{store: st, bus: publisher, now: time.Now}
}

// SetClock overrides the log's clock. Test use only.
func (l *Log) SetClock(now func() time.Time) { l.now = now }

// Append records an event at the end of the tenant's chain. The payload is
// hashed, never stored inline.
func (l *Log) Append(ctx context.Context, tenantID, runID, actor, kind string, payload any) (*Event, error) {
	if tenantID == "" {
		return nil, &errors.ValidationError{Field: "tenant_id", Message: "required"}
	}

	payloadHash, err := HashPayload(payload)
	if err != nil {
		return nil, errors.Wrap(err, "hashing audit payload")
	}

	event := &Event{
		ID:          newEventID(l.now()),
		TenantID:    tenantID,
		RunID:       runID,
		Actor:       actor,
		EventKind:   kind,
		PayloadHash: payloadHash,
		Timestamp:   l.now().UTC(),
	}

	headID := headDocID(tenantID)
	err = l.store.RunTransaction(ctx, func(tx store.Txn) error {
		var h head
		prevHash := GenesisHash
		headDoc, err := tx.Get(store.CollectionAuditEvents, headID)
		switch {
		case err == nil:
			if derr := store.Decode(headDoc, &h); derr != nil {
				return derr
			}
			prevHash = h.LastHash
		case errors.As(err, new(*errors.NotFoundError)):
			headDoc = &store.Document{ID: headID, TenantID: tenantID}
		default:
			return err
		}

		event.PrevHash = prevHash

		canonical, err := CanonicalBytes(event)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(canonical)

		eventDoc := &store.Document{
			ID:       event.ID,
			TenantID: tenantID,
			Fields: map[string]string{
				"event_kind": kind,
				"run_id":     runID,
			},
		}
		if eventDoc.Data, err = store.Encode(event); err != nil {
			return err
		}
		if err := tx.Put(store.CollectionAuditEvents, eventDoc); err != nil {
			return err
		}

		h.LastHash = hex.EncodeToString(sum[:])
		h.LastID = event.ID
		if headDoc.Data, err = store.Encode(&h); err != nil {
			return err
		}
		return tx.Put(store.CollectionAuditEvents, headDoc)
	})
	if err != nil {
		return nil, errors.Wrap(err, "appending audit event")
	}

	_ = l.bus.Publish(ctx, bus.Event{
		Topic:    bus.TopicAuditAppended,
		TenantID: tenantID,
		RunID:    runID,
		Payload:  map[string]any{"event_id": event.ID, "event_kind": kind},
	})
	return event, nil
}

// List returns a tenant's events in chain order.
func (l *Log) List(ctx context.Context, tenantID string) ([]*Event, error) {
	docs, err := l.store.Query(ctx, store.CollectionAuditEvents, store.Query{
		TenantID:       tenantID,
		OrderByCreated: true,
	})
	if err != nil {
		return nil, err
	}

	events := make([]*Event, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == headDocID(tenantID) {
			continue
		}
		var e Event
		if err := store.Decode(doc, &e); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID < events[j].ID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// Verify walks a tenant's chain and reports the first break, if any.
func (l *Log) Verify(ctx context.Context, tenantID string) error {
	events, err := l.List(ctx, tenantID)
	if err != nil {
		return err
	}

	prevHash := GenesisHash
	for _, e := range events {
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit chain broken at %s: prev_hash %s, want %s", e.ID, e.PrevHash, prevHash)
		}
		canonical, err := CanonicalBytes(e)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(canonical)
		prevHash = hex.EncodeToString(sum[:])
	}
	return nil
}

// HashPayload returns the lowercase hex SHA-256 of the payload's canonical
// JSON encoding.
func HashPayload(payload any) (string, error) {
	canonical, err := CanonicalBytes(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalBytes encodes v as JSON with object keys sorted and no
// insignificant whitespace. Hashes computed over these bytes are stable
// across processes.
func CanonicalBytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Round-trip through any: maps marshal with sorted keys.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func headDocID(tenantID string) string {
	return "audit-head-" + tenantID
}

func newEventID(now time.Time) string {
	return fmt.Sprintf("audit-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
