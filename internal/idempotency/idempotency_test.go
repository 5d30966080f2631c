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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/store/memory"
	"github.com/coderelay/coderelay/pkg/errors"
)

func TestBeginNewKey(t *testing.T) {
	k := NewKeyer(memory.New())
	ctx := context.Background()

	d, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, d.Outcome)
	require.Equal(t, StateInProgress, d.Record.State)
	require.Equal(t, 1, d.Record.Attempts)
}

func TestBeginDuplicateInProgress(t *testing.T) {
	k := NewKeyer(memory.New())
	ctx := context.Background()

	_, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)

	d, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeInProgress, d.Outcome)
}

func TestBeginReplaysFinalizedResponse(t *testing.T) {
	k := NewKeyer(memory.New())
	ctx := context.Background()

	_, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	require.NoError(t, k.Finalize(ctx, "tenant-a", "delivery-1", true, "run-1", 200, []byte(`{"runId":"run-1"}`)))

	d, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, d.Outcome)
	require.Equal(t, StateCompleted, d.Record.State)
	require.Equal(t, "run-1", d.Record.RunID)
	require.Equal(t, 200, d.Record.ResponseStatus)
	require.JSONEq(t, `{"runId":"run-1"}`, string(d.Record.ResponseBody))
}

func TestBeginTakeoverAfterLeaseExpiry(t *testing.T) {
	st := memory.New()
	k := NewKeyer(st)
	ctx := context.Background()

	base := time.Now()
	current := base
	k.SetClock(func() time.Time { return current })

	_, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)

	// Lease expiring exactly now is already claimable.
	current = base.Add(LeaseTTL)
	d, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeTakeover, d.Outcome)
	require.Equal(t, 2, d.Record.Attempts)
}

func TestBeginExhaustsAttempts(t *testing.T) {
	st := memory.New()
	k := NewKeyer(st)
	ctx := context.Background()

	base := time.Now()
	current := base
	k.SetClock(func() time.Time { return current })

	_, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	for i := 1; i < MaxAttempts; i++ {
		current = current.Add(LeaseTTL + time.Second)
		d, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
		require.NoError(t, err)
		require.Equal(t, OutcomeTakeover, d.Outcome)
	}

	// One more expired lease: attempts exhausted, record fails permanently.
	current = current.Add(LeaseTTL + time.Second)
	d, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeExhausted, d.Outcome)
	require.Equal(t, StateFailed, d.Record.State)
	require.Equal(t, 500, d.Record.ResponseStatus)

	// Exhaustion is reported once; later claims replay the stored failure.
	d, err = k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, d.Outcome)
	require.Equal(t, StateFailed, d.Record.State)
}

func TestFailedRecordExpiresSoonerThanCompleted(t *testing.T) {
	st := memory.New()
	k := NewKeyer(st)
	ctx := context.Background()

	base := time.Now()
	current := base
	k.SetClock(func() time.Time { return current })
	st.SetClock(func() time.Time { return current })

	_, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "failed-key"})
	require.NoError(t, err)
	require.NoError(t, k.Finalize(ctx, "tenant-a", "failed-key", false, "", 502, []byte(`{"error":"upstream"}`)))

	// Within the failure TTL the key replays the failure.
	current = base.Add(FailedTTL - time.Second)
	d, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "failed-key"})
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, d.Outcome)

	// At the TTL boundary the record is gone and the key is fresh.
	current = base.Add(FailedTTL)
	d, err = k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "failed-key"})
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, d.Outcome)
}

func TestKeysAreTenantScoped(t *testing.T) {
	k := NewKeyer(memory.New())
	ctx := context.Background()

	d, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, d.Outcome)

	d, err = k.Begin(ctx, Claim{TenantID: "tenant-b", Key: "delivery-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, d.Outcome)
}

func TestFinalizeTwiceConflicts(t *testing.T) {
	k := NewKeyer(memory.New())
	ctx := context.Background()

	_, err := k.Begin(ctx, Claim{TenantID: "tenant-a", Key: "delivery-1"})
	require.NoError(t, err)
	require.NoError(t, k.Finalize(ctx, "tenant-a", "delivery-1", true, "run-1", 200, nil))

	err = k.Finalize(ctx, "tenant-a", "delivery-1", true, "run-1", 200, nil)
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestLockAcquireAndConflict(t *testing.T) {
	m := NewLockManager(memory.New())
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "tenant-a", "run-1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, "worker-a", lock.Holder)

	_, err = m.Acquire(ctx, "tenant-a", "run-1", "worker-b")
	var conflict *errors.LockConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "worker-a", conflict.Holder)
	require.True(t, errors.IsRetryable(err))
}

func TestLockReacquireRenewsOwnLease(t *testing.T) {
	st := memory.New()
	m := NewLockManager(st)
	ctx := context.Background()

	base := time.Now()
	current := base
	m.SetClock(func() time.Time { return current })
	st.SetClock(func() time.Time { return current })

	first, err := m.Acquire(ctx, "tenant-a", "run-1", "worker-a")
	require.NoError(t, err)

	current = base.Add(5 * time.Second)
	renewed, err := m.Acquire(ctx, "tenant-a", "run-1", "worker-a")
	require.NoError(t, err)
	require.True(t, renewed.ExpiresAt.After(first.ExpiresAt))
	require.Equal(t, first.AcquiredAt, renewed.AcquiredAt)
}

func TestLockTakeoverAtExactExpiry(t *testing.T) {
	st := memory.New()
	m := NewLockManager(st)
	ctx := context.Background()

	base := time.Now()
	current := base
	m.SetClock(func() time.Time { return current })
	st.SetClock(func() time.Time { return current })

	_, err := m.Acquire(ctx, "tenant-a", "run-1", "worker-a")
	require.NoError(t, err)

	// A lease expiring exactly now is claimable.
	current = base.Add(LockTTL)
	lock, err := m.Acquire(ctx, "tenant-a", "run-1", "worker-b")
	require.NoError(t, err)
	require.Equal(t, "worker-b", lock.Holder)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	st := memory.New()
	m := NewLockManager(st)
	ctx := context.Background()

	base := time.Now()
	current := base
	m.SetClock(func() time.Time { return current })
	st.SetClock(func() time.Time { return current })

	_, err := m.Acquire(ctx, "tenant-a", "run-1", "worker-a")
	require.NoError(t, err)

	current = base.Add(HeartbeatInterval)
	lock, err := m.Heartbeat(ctx, "run-1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, current.Add(LockTTL).UTC(), lock.ExpiresAt)

	// Another holder cannot heartbeat the lease.
	_, err = m.Heartbeat(ctx, "run-1", "worker-b")
	var conflict *errors.LockConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestHeartbeatAfterExpiryFails(t *testing.T) {
	st := memory.New()
	m := NewLockManager(st)
	ctx := context.Background()

	base := time.Now()
	current := base
	m.SetClock(func() time.Time { return current })
	st.SetClock(func() time.Time { return current })

	_, err := m.Acquire(ctx, "tenant-a", "run-1", "worker-a")
	require.NoError(t, err)

	current = base.Add(LockTTL + time.Second)
	_, err = m.Heartbeat(ctx, "run-1", "worker-a")
	var conflict *errors.LockConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestReleaseFreesLock(t *testing.T) {
	m := NewLockManager(memory.New())
	ctx := context.Background()

	_, err := m.Acquire(ctx, "tenant-a", "run-1", "worker-a")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "run-1", "worker-a"))

	holder, err := m.Holder(ctx, "run-1")
	require.NoError(t, err)
	require.Empty(t, holder)

	_, err = m.Acquire(ctx, "tenant-a", "run-1", "worker-b")
	require.NoError(t, err)
}
