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

// Package memory provides an in-memory document store for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/errors"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is an in-memory document store. A single mutex serializes
// transactions, which trivially satisfies the serializability contract.
type Store struct {
	mu    sync.RWMutex
	colls map[string]map[string]*store.Document

	// now is injectable for TTL tests.
	now func() time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		colls: make(map[string]map[string]*store.Document),
		now:   time.Now,
	}
}

// SetClock overrides the store's clock. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get retrieves a single document.
func (s *Store) Get(ctx context.Context, collection, id string) (*store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(collection, id)
}

func (s *Store) get(collection, id string) (*store.Document, error) {
	coll := s.colls[collection]
	doc, ok := coll[id]
	if !ok || doc.Expired(s.now()) {
		return nil, &errors.NotFoundError{Resource: collection, ID: id}
	}
	return copyDoc(doc), nil
}

// Query returns documents matching q.
func (s *Store) Query(ctx context.Context, collection string, q store.Query) ([]*store.Document, error) {
	if q.TenantID == "" {
		return nil, &errors.ValidationError{Field: "tenant_id", Message: "required"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var result []*store.Document
	for _, doc := range s.colls[collection] {
		if doc.TenantID != q.TenantID || doc.Expired(now) {
			continue
		}
		if !matchEq(doc, q.Eq) {
			continue
		}
		if q.CreatedAfter != nil && doc.CreatedAt.Before(*q.CreatedAfter) {
			continue
		}
		if q.CreatedBefore != nil && !doc.CreatedAt.Before(*q.CreatedBefore) {
			continue
		}
		result = append(result, copyDoc(doc))
	}

	if q.OrderByCreated {
		sort.Slice(result, func(i, j int) bool {
			if result[i].CreatedAt.Equal(result[j].CreatedAt) {
				// Stable tiebreak on ID; ids are timestamp-prefixed.
				if q.Desc {
					return result[i].ID > result[j].ID
				}
				return result[i].ID < result[j].ID
			}
			if q.Desc {
				return result[i].CreatedAt.After(result[j].CreatedAt)
			}
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		})
	} else {
		sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	}

	if q.Offset > 0 {
		if q.Offset >= len(result) {
			return nil, nil
		}
		result = result[q.Offset:]
	}
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// RunTransaction executes fn under the store mutex.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx store.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{store: s, staged: make(map[string]*store.Document), deleted: make(map[string]bool)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// PurgeExpired removes documents whose TTL elapsed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, coll := range s.colls {
		for id, doc := range coll {
			if doc.Expired(now) {
				delete(coll, id)
				removed++
			}
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// txn stages writes and applies them on commit. The store mutex is held for
// the whole transaction, so staged state is never observed concurrently.
type txn struct {
	store   *Store
	staged  map[string]*store.Document
	deleted map[string]bool
}

func key(collection, id string) string { return collection + "/" + id }

func (t *txn) Get(collection, id string) (*store.Document, error) {
	k := key(collection, id)
	if t.deleted[k] {
		return nil, &errors.NotFoundError{Resource: collection, ID: id}
	}
	if doc, ok := t.staged[k]; ok {
		return copyDoc(doc), nil
	}
	return t.store.get(collection, id)
}

func (t *txn) Put(collection string, doc *store.Document) error {
	k := key(collection, doc.ID)

	current, ok := t.staged[k]
	if !ok && !t.deleted[k] {
		if existing, exists := t.store.colls[collection][doc.ID]; exists && !existing.Expired(t.store.now()) {
			current = existing
		}
	}

	if current == nil {
		if doc.Version != 0 {
			return &errors.ConflictError{Resource: collection, ID: doc.ID, Reason: "document does not exist"}
		}
	} else if doc.Version != current.Version {
		return &errors.ConflictError{Resource: collection, ID: doc.ID, Reason: "version mismatch"}
	}

	stored := copyDoc(doc)
	stored.Version = doc.Version + 1
	now := t.store.now()
	if current == nil {
		stored.CreatedAt = now
	} else {
		stored.CreatedAt = current.CreatedAt
	}
	stored.UpdatedAt = now

	t.staged[k] = stored
	delete(t.deleted, k)

	// Reflect the new version back to the caller, matching what a reread
	// inside the transaction would observe.
	doc.Version = stored.Version
	doc.CreatedAt = stored.CreatedAt
	doc.UpdatedAt = stored.UpdatedAt
	return nil
}

func (t *txn) Delete(collection, id string) error {
	k := key(collection, id)
	delete(t.staged, k)
	t.deleted[k] = true
	return nil
}

func (t *txn) commit() {
	for k, doc := range t.staged {
		collection, id := splitKey(k)
		coll := t.store.colls[collection]
		if coll == nil {
			coll = make(map[string]*store.Document)
			t.store.colls[collection] = coll
		}
		coll[id] = doc
	}
	for k, del := range t.deleted {
		if !del {
			continue
		}
		collection, id := splitKey(k)
		delete(t.store.colls[collection], id)
	}
}

func splitKey(k string) (collection, id string) {
	i := strings.Index(k, "/")
	return k[:i], k[i+1:]
}

func matchEq(doc *store.Document, eq map[string]string) bool {
	for field, want := range eq {
		if doc.Fields[field] != want {
			return false
		}
	}
	return true
}

func copyDoc(doc *store.Document) *store.Document {
	cp := *doc
	if doc.Data != nil {
		cp.Data = append([]byte(nil), doc.Data...)
	}
	if doc.Fields != nil {
		cp.Fields = make(map[string]string, len(doc.Fields))
		for k, v := range doc.Fields {
			cp.Fields[k] = v
		}
	}
	if doc.ExpiresAt != nil {
		exp := *doc.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}
