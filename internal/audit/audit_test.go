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

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/bus"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/internal/store/memory"
)

func TestAppendChainsEvents(t *testing.T) {
	st := memory.New()
	l := NewLog(st, nil)
	ctx := context.Background()

	first, err := l.Append(ctx, "tenant-a", "run-1", "worker-1", KindRunCreated, map[string]any{"kind": "triage"})
	require.NoError(t, err)
	require.Equal(t, GenesisHash, first.PrevHash)
	require.NotEmpty(t, first.PayloadHash)

	second, err := l.Append(ctx, "tenant-a", "run-1", "worker-1", KindRunTransitioned, map[string]any{"to": "running"})
	require.NoError(t, err)
	require.NotEqual(t, GenesisHash, second.PrevHash)

	// Second event's PrevHash is the hash of the first event's canonical bytes.
	firstHash, err := HashPayload(first)
	require.NoError(t, err)
	require.Equal(t, firstHash, second.PrevHash)

	require.NoError(t, l.Verify(ctx, "tenant-a"))
}

func TestChainsAreTenantScoped(t *testing.T) {
	st := memory.New()
	l := NewLog(st, nil)
	ctx := context.Background()

	_, err := l.Append(ctx, "tenant-a", "", "api", KindRunCreated, nil)
	require.NoError(t, err)

	other, err := l.Append(ctx, "tenant-b", "", "api", KindRunCreated, nil)
	require.NoError(t, err)
	require.Equal(t, GenesisHash, other.PrevHash, "each tenant starts its own chain")

	require.NoError(t, l.Verify(ctx, "tenant-a"))
	require.NoError(t, l.Verify(ctx, "tenant-b"))
}

func TestVerifyDetectsTampering(t *testing.T) {
	st := memory.New()
	l := NewLog(st, nil)
	ctx := context.Background()

	e1, err := l.Append(ctx, "tenant-a", "run-1", "worker-1", KindRunCreated, map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = l.Append(ctx, "tenant-a", "run-1", "worker-1", KindStepCompleted, map[string]any{"n": 2})
	require.NoError(t, err)

	// Rewrite the first event in place.
	err = st.RunTransaction(ctx, func(tx store.Txn) error {
		doc, err := tx.Get(store.CollectionAuditEvents, e1.ID)
		if err != nil {
			return err
		}
		tampered := *e1
		tampered.Actor = "intruder"
		doc.Data, err = store.Encode(&tampered)
		if err != nil {
			return err
		}
		return tx.Put(store.CollectionAuditEvents, doc)
	})
	require.NoError(t, err)

	require.Error(t, l.Verify(ctx, "tenant-a"))
}

func TestAppendPublishesBusEvent(t *testing.T) {
	st := memory.New()
	b := bus.NewMemory()
	ch := b.Subscribe(bus.TopicAuditAppended, 1)
	l := NewLog(st, b)

	_, err := l.Append(context.Background(), "tenant-a", "run-1", "gate", KindApprovalDecided, nil)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, "tenant-a", ev.TenantID)
		require.Equal(t, bus.TopicAuditAppended, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("no bus event published")
	}
}

func TestCanonicalBytesSortsKeys(t *testing.T) {
	a, err := CanonicalBytes(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1}`, string(a))
}
