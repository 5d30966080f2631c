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

package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderelay/coderelay/internal/approval"
	"github.com/coderelay/coderelay/pkg/errors"
)

func newApproveCmd(client *apiClient) *cobra.Command {
	return newDecisionCmd(client, "approve", approval.DecisionApprove,
		"Sign and submit an approval for a run's pending mutation")
}

func newRejectCmd(client *apiClient) *cobra.Command {
	return newDecisionCmd(client, "reject", approval.DecisionReject,
		"Sign and submit a rejection for a run's pending mutation")
}

// newDecisionCmd builds approve/reject. The command fetches the pending
// approval record, signs a decision bound to its artifact hash with a
// local Ed25519 key, and submits the token. The private key never leaves
// the operator's machine.
func newDecisionCmd(client *apiClient, name, decision, short string) *cobra.Command {
	var (
		keyPath  string
		approver string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   name + " RUN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			key, err := loadSigningKey(keyPath)
			if err != nil {
				return err
			}
			if approver == "" {
				return fail(errors.CodeValidation, fmt.Errorf("--approver is required"))
			}

			var pending approval.Record
			if err := client.do(http.MethodGet, "/v1/runs/"+runID+"/approval", nil, nil, &pending); err != nil {
				return err
			}

			token, err := approval.SignDecision(key, approver, approval.DecisionClaims{
				RunID:        runID,
				Capability:   pending.Capability,
				Target:       pending.Target,
				ArtifactHash: pending.ArtifactHash,
				Decision:     decision,
			}, time.Now(), ttl)
			if err != nil {
				return fail(errors.CodeInternal, fmt.Errorf("signing decision: %w", err))
			}

			var out map[string]any
			if err := client.do(http.MethodPost, "/v1/runs/"+runID+"/"+name, nil,
				map[string]string{"token": token}, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&keyPath, "signing-key", "", "path to base64 Ed25519 private key or seed")
	cmd.Flags().StringVar(&approver, "approver", "", "approver identity registered with the daemon")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token validity window")
	bindEnvFlags(cmd.Flags())
	return cmd
}

// loadSigningKey reads a base64-encoded Ed25519 private key (64 bytes) or
// seed (32 bytes) from file.
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, fail(errors.CodeValidation, fmt.Errorf("--signing-key is required (or set RELAY_SIGNING_KEY)"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fail(errors.CodeValidation, fmt.Errorf("reading key file: %w", err))
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fail(errors.CodeValidation, fmt.Errorf("key file is not valid base64: %w", err))
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fail(errors.CodeValidation,
			fmt.Errorf("key must be %d-byte seed or %d-byte private key, got %d bytes",
				ed25519.SeedSize, ed25519.PrivateKeySize, len(raw)))
	}
}
