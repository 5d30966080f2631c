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

package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/capability"
)

func testKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8420", cfg.Server.Addr)
	require.Equal(t, StoreSQLite, cfg.Store.Backend)
	require.Equal(t, 120, cfg.RateLimit.Requests)
	require.Equal(t, time.Minute, cfg.RateLimit.Window)
	require.True(t, cfg.Worker.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	key := testKey(t)
	path := writeConfig(t, `
server:
  addr: ":9000"
store:
  backend: memory
tenants:
  - id: tenant-a
    webhook_secret: s3cret
    approvers:
      - name: alice
        public_key: `+key+`
        capabilities: [open_pr, merge]
triggers:
  - name: opened-issues
    event: issues
    kind: issue-to-code
    target: "{repository: .repository.full_name, issue_number: .issue.number}"
auto_policy:
  - name: small-prs
    expression: capability == "comment"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, StoreMemory, cfg.Store.Backend)
	require.Equal(t, []string{"tenant-a"}, cfg.TenantIDs())

	secrets := cfg.WebhookSecrets()
	secret, ok := secrets.WebhookSecret("tenant-a")
	require.True(t, ok)
	require.Equal(t, "s3cret", secret)

	keys, err := cfg.Keyring()
	require.NoError(t, err)
	_, ok = keys.PublicKey("alice")
	require.True(t, ok)

	authz := cfg.Authorizer()
	require.True(t, authz.Authorized("tenant-a", "alice", capability.Merge))
	require.False(t, authz.Authorized("tenant-a", "alice", capability.PushCommit))
	require.False(t, authz.Authorized("tenant-b", "alice", capability.Merge))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":7777")
	t.Setenv("RELAY_STORE_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7777", cfg.Server.Addr)
	require.Equal(t, StoreMemory, cfg.Store.Backend)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	key := testKey(t)
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown store backend",
			yaml: "store:\n  backend: postgres\n",
		},
		{
			name: "tenant without secret",
			yaml: "tenants:\n  - id: tenant-a\n",
		},
		{
			name: "bad approver key",
			yaml: `
tenants:
  - id: tenant-a
    webhook_secret: s
    approvers:
      - name: alice
        public_key: "not-base64!!"
`,
		},
		{
			name: "unknown capability grant",
			yaml: `
tenants:
  - id: tenant-a
    webhook_secret: s
    approvers:
      - name: alice
        public_key: ` + key + `
        capabilities: [delete_repo]
`,
		},
		{
			name: "trigger with unknown workflow",
			yaml: `
triggers:
  - name: bad
    kind: nope
    target: ".x"
`,
		},
		{
			name: "bad auto policy expression",
			yaml: "auto_policy:\n  - name: broken\n    expression: \"((\"\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
		})
	}
}
