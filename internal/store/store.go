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

// Package store defines the document-store port the control plane persists
// through.
//
// The port assumes strong read-after-write consistency within a single
// document and serializable transactions spanning a small bounded set of
// documents. Writes are compare-and-swap on a per-document version counter;
// a mismatched version fails the transaction with a ConflictError. TTL is a
// store responsibility: expired documents are invisible to reads and are
// physically removed by PurgeExpired.
package store

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Collection names used by the control plane.
const (
	CollectionRuns         = "runs"
	CollectionSteps        = "steps"
	CollectionCheckpoints  = "checkpoints"
	CollectionIdempotency  = "idempotency"
	CollectionRunLocks     = "run_locks"
	CollectionApprovals    = "approvals"
	CollectionAuditEvents  = "audit_events"
	CollectionFingerprints = "fingerprints"
)

// Document is the unit of storage. Data holds the entity encoded as JSON;
// Fields holds the indexed projection used by queries.
type Document struct {
	// ID is the document identifier, unique within its collection.
	ID string `json:"id"`

	// TenantID scopes the document. Every query filters on it.
	TenantID string `json:"tenant_id"`

	// Data is the JSON-encoded entity body.
	Data json.RawMessage `json:"data"`

	// Fields is the indexed projection: equality-queryable string fields
	// extracted from the entity (e.g. status, run_id, key).
	Fields map[string]string `json:"fields,omitempty"`

	// Version is the compare-and-swap counter. Zero means "insert only";
	// any other value must match the stored version for a put to succeed.
	Version int64 `json:"version"`

	// ExpiresAt, when set, makes the document invisible to reads at and
	// after that instant.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Query selects documents within a collection. Equality conditions apply to
// indexed Fields; the time range applies to CreatedAt.
type Query struct {
	// TenantID is required; cross-tenant queries are not expressible.
	TenantID string

	// Eq holds equality conditions on indexed fields.
	Eq map[string]string

	// CreatedAfter/CreatedBefore bound CreatedAt (half-open, inclusive
	// of CreatedAfter).
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// OrderByCreated orders results by CreatedAt ascending; Desc flips it.
	OrderByCreated bool
	Desc           bool

	Limit  int
	Offset int
}

// Txn is a document-level transaction. Reads observe the transaction's own
// writes. Implementations serialize transactions touching the same documents.
type Txn interface {
	// Get retrieves a document, or a NotFoundError if absent or expired.
	Get(collection, id string) (*Document, error)

	// Put inserts or updates a document under compare-and-swap: the
	// document's Version must equal the stored version (zero for insert).
	// On success the stored version is incremented.
	Put(collection string, doc *Document) error

	// Delete removes a document. Deleting an absent document is not an error.
	Delete(collection, id string) error
}

// Store is the document-store port.
type Store interface {
	// Get retrieves a single document outside a transaction.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Query returns documents matching q. Expired documents are excluded.
	Query(ctx context.Context, collection string, q Query) ([]*Document, error)

	// RunTransaction executes fn inside a serializable transaction. A
	// returned error aborts the transaction and is propagated unchanged.
	RunTransaction(ctx context.Context, fn func(tx Txn) error) error

	// PurgeExpired physically removes documents whose TTL elapsed before
	// now, returning the number removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	io.Closer
}

// Encode marshals an entity into a document body.
func Encode(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// Decode unmarshals a document body into an entity.
func Decode(doc *Document, v any) error {
	return json.Unmarshal(doc.Data, v)
}

// Expired reports whether the document's TTL elapsed at now. A document
// expiring exactly at now is expired (strict inequality on the live side).
func (d *Document) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}
