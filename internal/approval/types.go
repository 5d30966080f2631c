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

// Package approval implements the capability gate: signed, hash-bound
// authorization of destructive mutations.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/run"
)

// Status is an approval record's state. Monotonic:
// pending -> approved | rejected | expired.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Decision values carried in signed tokens.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// DefaultTTL bounds how long a pending approval stays actionable.
const DefaultTTL = 24 * time.Hour

// Record authorizes (or denies) one specific mutation. ArtifactHash is the
// SHA-256 of the exact payload bytes; any change to the payload invalidates
// the approval.
type Record struct {
	ID         string                `json:"id"`
	RunID      string                `json:"run_id"`
	TenantID   string                `json:"tenant_id"`
	Capability capability.Capability `json:"capability"`
	Target     run.Target            `json:"target"`

	ArtifactHash string `json:"artifact_hash"`
	Status       Status `json:"status"`

	Approver  string     `json:"approver,omitempty"`
	Decision  string     `json:"decision,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Signature string     `json:"signature,omitempty"`
	SignedAt  *time.Time `json:"signed_at,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the record's TTL elapsed at now. Expiring exactly
// at now counts as expired.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// HashArtifact computes the hex SHA-256 binding an approval to payload
// bytes.
func HashArtifact(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// NewRecordID mints a timestamp-prefixed approval identifier.
func NewRecordID(now time.Time) string {
	return fmt.Sprintf("approval-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
