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

// relayctl is the operator CLI: create and inspect runs, and sign
// approval decisions locally before submitting them.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coderelay/coderelay/pkg/errors"
)

// Exit code bands: 0 success, 10-19 input problems, 20-29 policy and
// approval denials, 30-39 capability or network failures, 40-49 internal.
const (
	exitOK         = 0
	exitValidation = 10
	exitNotFound   = 11
	exitConflict   = 12
	exitPolicy     = 20
	exitApproval   = 21
	exitLock       = 22
	exitNetwork    = 30
	exitRateLimit  = 34
	exitInternal   = 40
)

func exitCodeFor(code string) int {
	switch code {
	case errors.CodeValidation:
		return exitValidation
	case errors.CodeNotFound:
		return exitNotFound
	case errors.CodeConflict:
		return exitConflict
	case errors.CodePolicyDenied:
		return exitPolicy
	case errors.CodeApprovalInvalid:
		return exitApproval
	case errors.CodeLockConflict:
		return exitLock
	case errors.CodeTransient, errors.CodeTimeout, errors.CodeCircuitOpen:
		return exitNetwork
	case errors.CodeRateLimited:
		return exitRateLimit
	default:
		return exitInternal
	}
}

// cliError carries a stable code alongside the message so main can pick
// the process exit code.
type cliError struct {
	code string
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func fail(code string, err error) error {
	return &cliError{code: code, err: err}
}

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Control-plane CLI for code-change runs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	client := &apiClient{}
	root.PersistentFlags().StringVar(&client.server, "server", "http://localhost:8420", "daemon base URL")
	root.PersistentFlags().StringVar(&client.tenant, "tenant", "", "tenant id")
	root.PersistentFlags().StringVar(&client.clientID, "client-id", "relayctl", "idempotency client id")
	bindEnvFlags(root.PersistentFlags())

	root.AddCommand(newRunCmd(client))
	root.AddCommand(newApproveCmd(client))
	root.AddCommand(newRejectCmd(client))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ce *cliError
		if errors.As(err, &ce) {
			os.Exit(exitCodeFor(ce.code))
		}
		os.Exit(exitValidation)
	}
}

// bindEnvFlags seeds flag defaults from RELAY_* environment variables,
// so --server becomes RELAY_SERVER and so on. Explicit flags win.
func bindEnvFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		env := "RELAY_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if val, ok := os.LookupEnv(env); ok && !f.Changed {
			_ = flags.Set(f.Name, val)
		}
	})
}
