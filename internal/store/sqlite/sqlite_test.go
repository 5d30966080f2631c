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

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "relay.db")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &store.Document{
		ID:       "run-1",
		TenantID: "tenant-a",
		Data:     json.RawMessage(`{"status":"pending"}`),
		Fields:   map[string]string{"status": "pending"},
	}
	err := s.RunTransaction(ctx, func(tx store.Txn) error {
		return tx.Put(store.CollectionRuns, doc)
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("expected version 1 after insert, got %d", doc.Version)
	}

	got, err := s.Get(ctx, store.CollectionRuns, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != `{"status":"pending"}` {
		t.Errorf("unexpected data: %s", got.Data)
	}
	if got.Version != 1 {
		t.Errorf("unexpected version: %d", got.Version)
	}
}

func TestVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &store.Document{ID: "idem-1", TenantID: "tenant-a", Data: json.RawMessage(`{}`)}
	if err := s.RunTransaction(ctx, func(tx store.Txn) error {
		return tx.Put(store.CollectionIdempotency, doc)
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	err := s.RunTransaction(ctx, func(tx store.Txn) error {
		return tx.Put(store.CollectionIdempotency, &store.Document{
			ID: "idem-1", TenantID: "tenant-a", Data: json.RawMessage(`{}`), Version: 0,
		})
	})
	var conflict *errors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestQueryEqAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct{ id, status string }{
		{"run-a", "running"},
		{"run-b", "completed"},
		{"run-c", "running"},
	} {
		doc := &store.Document{
			ID: tc.id, TenantID: "tenant-a", Data: json.RawMessage(`{}`),
			Fields: map[string]string{"status": tc.status},
		}
		if err := s.RunTransaction(ctx, func(tx store.Txn) error {
			return tx.Put(store.CollectionRuns, doc)
		}); err != nil {
			t.Fatalf("insert %s failed: %v", tc.id, err)
		}
	}

	docs, err := s.Query(ctx, store.CollectionRuns, store.Query{
		TenantID:       "tenant-a",
		Eq:             map[string]string{"status": "running"},
		OrderByCreated: true,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}

	future := time.Now().Add(time.Hour)
	docs, err = s.Query(ctx, store.CollectionRuns, store.Query{
		TenantID:     "tenant-a",
		CreatedAfter: &future,
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("expected no docs created after the future, got %d", len(docs))
	}
}

func TestTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp := time.Now().Add(-time.Minute)
	doc := &store.Document{
		ID: "idem-expired", TenantID: "tenant-a", Data: json.RawMessage(`{}`), ExpiresAt: &exp,
	}
	if err := s.RunTransaction(ctx, func(tx store.Txn) error {
		return tx.Put(store.CollectionIdempotency, doc)
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if _, err := s.Get(ctx, store.CollectionIdempotency, "idem-expired"); err == nil {
		t.Error("expired document should be invisible")
	}

	// A fresh insert may reuse the id once the old document expired.
	fresh := &store.Document{ID: "idem-expired", TenantID: "tenant-a", Data: json.RawMessage(`{"fresh":true}`)}
	if err := s.RunTransaction(ctx, func(tx store.Txn) error {
		return tx.Put(store.CollectionIdempotency, fresh)
	}); err != nil {
		t.Fatalf("reinsert over expired failed: %v", err)
	}

	removed, err := s.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("fresh document should not be purged, removed=%d", removed)
	}
}

func TestTransactionRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(tx store.Txn) error {
		if err := tx.Put(store.CollectionRuns, &store.Document{
			ID: "run-x", TenantID: "tenant-a", Data: json.RawMessage(`{}`),
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error from aborted transaction")
	}

	if _, err := s.Get(ctx, store.CollectionRuns, "run-x"); err == nil {
		t.Error("aborted write should not be visible")
	}
}
