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

package idempotency

import (
	"context"
	"time"

	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/pkg/errors"
)

// Run lock lease parameters. A holder heartbeats at HeartbeatInterval; a
// lease that misses three heartbeats expires and becomes claimable.
const (
	LockTTL           = 30 * time.Second
	HeartbeatInterval = 10 * time.Second
)

// RunLock is a lease on exclusive mutation rights for one run.
type RunLock struct {
	RunID      string    `json:"run_id"`
	TenantID   string    `json:"tenant_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockManager grants and renews run locks over the document store. Lease
// expiry rides the store's TTL: an expired lock document is invisible, so a
// fresh insert wins the claim atomically under compare-and-swap. A lease
// expiring exactly now is already claimable.
type LockManager struct {
	store store.Store
	now   func() time.Time
	ttl   time.Duration
}

// NewLockManager creates a lock manager with the default lease TTL.
func NewLockManager(st store.Store) *LockManager {
	return &LockManager{store: st, now: time.Now, ttl: LockTTL}
}

// SetClock overrides the clock. Test use only.
func (m *LockManager) SetClock(now func() time.Time) { m.now = now }

// SetTTL overrides the lease duration. Test use only.
func (m *LockManager) SetTTL(ttl time.Duration) { m.ttl = ttl }

func lockID(runID string) string { return "lock-" + runID }

// Acquire claims the run lock for holder. A live lease held by someone else
// yields a LockConflictError naming the holder; re-acquiring one's own live
// lease renews it.
func (m *LockManager) Acquire(ctx context.Context, tenantID, runID, holder string) (*RunLock, error) {
	now := m.now()
	lock := &RunLock{
		RunID:      runID,
		TenantID:   tenantID,
		Holder:     holder,
		AcquiredAt: now.UTC(),
		ExpiresAt:  now.Add(m.ttl).UTC(),
	}

	err := m.store.RunTransaction(ctx, func(tx store.Txn) error {
		version := int64(0)
		doc, err := tx.Get(store.CollectionRunLocks, lockID(runID))
		switch {
		case err == nil:
			var held RunLock
			if derr := store.Decode(doc, &held); derr != nil {
				return derr
			}
			if held.Holder != holder {
				return &errors.LockConflictError{RunID: runID, Holder: held.Holder}
			}
			lock.AcquiredAt = held.AcquiredAt
			version = doc.Version
		case errors.As(err, new(*errors.NotFoundError)):
		default:
			return err
		}
		return m.put(tx, lock, version)
	})
	if err != nil {
		if errors.As(err, new(*errors.ConflictError)) {
			// Lost an insert race with another claimant.
			return nil, &errors.LockConflictError{RunID: runID}
		}
		return nil, err
	}
	return lock, nil
}

// Heartbeat extends the holder's lease. A lease that already expired cannot
// be heartbeated back to life; the holder must stop mutating and re-acquire.
func (m *LockManager) Heartbeat(ctx context.Context, runID, holder string) (*RunLock, error) {
	now := m.now()
	var lock RunLock

	err := m.store.RunTransaction(ctx, func(tx store.Txn) error {
		doc, err := tx.Get(store.CollectionRunLocks, lockID(runID))
		if err != nil {
			if errors.As(err, new(*errors.NotFoundError)) {
				return &errors.LockConflictError{RunID: runID}
			}
			return err
		}
		if err := store.Decode(doc, &lock); err != nil {
			return err
		}
		if lock.Holder != holder {
			return &errors.LockConflictError{RunID: runID, Holder: lock.Holder}
		}
		lock.ExpiresAt = now.Add(m.ttl).UTC()
		return m.put(tx, &lock, doc.Version)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// Release drops the holder's lock. Releasing a lock held by someone else is
// a conflict; releasing an absent lock is a no-op.
func (m *LockManager) Release(ctx context.Context, runID, holder string) error {
	return m.store.RunTransaction(ctx, func(tx store.Txn) error {
		doc, err := tx.Get(store.CollectionRunLocks, lockID(runID))
		if err != nil {
			if errors.As(err, new(*errors.NotFoundError)) {
				return nil
			}
			return err
		}
		var held RunLock
		if err := store.Decode(doc, &held); err != nil {
			return err
		}
		if held.Holder != holder {
			return &errors.LockConflictError{RunID: runID, Holder: held.Holder}
		}
		return tx.Delete(store.CollectionRunLocks, lockID(runID))
	})
}

// Holder reports the current live holder of a run's lock, or "" when
// unlocked.
func (m *LockManager) Holder(ctx context.Context, runID string) (string, error) {
	doc, err := m.store.Get(ctx, store.CollectionRunLocks, lockID(runID))
	if err != nil {
		if errors.As(err, new(*errors.NotFoundError)) {
			return "", nil
		}
		return "", err
	}
	var held RunLock
	if err := store.Decode(doc, &held); err != nil {
		return "", err
	}
	return held.Holder, nil
}

func (m *LockManager) put(tx store.Txn, lock *RunLock, version int64) error {
	data, err := store.Encode(lock)
	if err != nil {
		return err
	}
	exp := lock.ExpiresAt
	return tx.Put(store.CollectionRunLocks, &store.Document{
		ID:        lockID(lock.RunID),
		TenantID:  lock.TenantID,
		Data:      data,
		Version:   version,
		ExpiresAt: &exp,
		Fields:    map[string]string{"holder": lock.Holder},
	})
}
