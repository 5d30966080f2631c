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
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coderelay/coderelay/internal/capability"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/pkg/errors"
)

// DecisionClaims is the signed content of an approval decision. The
// signature covers the run, capability, target, artifact hash, decision,
// and signing time; the registered subject is the approver identity.
type DecisionClaims struct {
	jwt.RegisteredClaims

	RunID        string                `json:"run_id"`
	Capability   capability.Capability `json:"capability"`
	Target       run.Target            `json:"target"`
	ArtifactHash string                `json:"artifact_hash"`
	Decision     string                `json:"decision"`
	SignedAt     int64                 `json:"signed_at"`
}

// SignDecision produces an EdDSA-signed decision token. TTL bounds how long
// the token itself verifies; record expiry is enforced separately by the
// gate.
func SignDecision(key ed25519.PrivateKey, approver string, claims DecisionClaims, now time.Time, ttl time.Duration) (string, error) {
	claims.Subject = approver
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.SignedAt = now.Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing decision: %w", err)
	}
	return signed, nil
}

// Keyring resolves approver identities to their Ed25519 public keys.
type Keyring interface {
	PublicKey(approver string) (ed25519.PublicKey, bool)
}

// StaticKeyring is a fixed approver-to-key map.
type StaticKeyring map[string]ed25519.PublicKey

// PublicKey implements Keyring.
func (k StaticKeyring) PublicKey(approver string) (ed25519.PublicKey, bool) {
	key, ok := k[approver]
	return key, ok
}

// VerifyDecision parses and verifies a decision token against the keyring.
// The approver is taken from the token's subject and must resolve to a key
// that verifies the signature. Failures surface as ApprovalInvalidError
// with reason "bad_signature".
func VerifyDecision(tokenString string, keys Keyring) (*DecisionClaims, error) {
	claims := &DecisionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "EdDSA" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, fmt.Errorf("token has no subject")
		}
		key, ok := keys.PublicKey(sub)
		if !ok {
			return nil, fmt.Errorf("unknown approver %q", sub)
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return nil, &errors.ApprovalInvalidError{Reason: "bad_signature", RunID: claims.RunID}
	}
	if claims.Decision != DecisionApprove && claims.Decision != DecisionReject {
		return nil, &errors.ApprovalInvalidError{Reason: "bad_signature", RunID: claims.RunID}
	}
	return claims, nil
}
