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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coderelay/coderelay/internal/api"
	"github.com/coderelay/coderelay/internal/run"
	"github.com/coderelay/coderelay/pkg/errors"
)

func newRunCmd(client *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and inspect runs",
	}
	cmd.AddCommand(newRunCreateCmd(client))
	cmd.AddCommand(newRunGetCmd(client))
	cmd.AddCommand(newRunListCmd(client))
	cmd.AddCommand(newRunStepsCmd(client))
	cmd.AddCommand(newRunCancelCmd(client))
	return cmd
}

func newRunCreateCmd(client *apiClient) *cobra.Command {
	var (
		kind     string
		repo     string
		prNumber int
		issue    int
		input    string
		idemKey  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				return fail(errors.CodeValidation, fmt.Errorf("--repo is required"))
			}
			var rawInput json.RawMessage
			if input != "" {
				if !json.Valid([]byte(input)) {
					return fail(errors.CodeValidation, fmt.Errorf("--input must be valid JSON"))
				}
				rawInput = json.RawMessage(input)
			}
			if idemKey == "" {
				idemKey = uuid.NewString()
			}

			var created run.Run
			err := client.do(http.MethodPost, "/v1/runs",
				map[string]string{
					api.HeaderIdempotencyKey: idemKey,
					api.HeaderClientID:       client.clientID,
				},
				api.CreateRunRequest{
					Kind: run.WorkflowKind(kind),
					Target: run.Target{
						Repository:  repo,
						PRNumber:    prNumber,
						IssueNumber: issue,
					},
					Input: rawInput,
				}, &created)
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(run.WorkflowTriage), "workflow kind (triage, review, resolve, issue-to-code, autopilot)")
	cmd.Flags().StringVar(&repo, "repo", "", "target repository (owner/name)")
	cmd.Flags().IntVar(&prNumber, "pr", 0, "target pull request number")
	cmd.Flags().IntVar(&issue, "issue", 0, "target issue number")
	cmd.Flags().StringVar(&input, "input", "", "run input as JSON")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "idempotency key (generated when omitted)")
	return cmd
}

func newRunGetCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r run.Run
			if err := client.do(http.MethodGet, "/v1/runs/"+args[0], nil, nil, &r); err != nil {
				return err
			}
			return printJSON(r)
		},
	}
}

func newRunListCmd(client *apiClient) *cobra.Command {
	var (
		status string
		kind   string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if kind != "" {
				q.Set("kind", kind)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/v1/runs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var out map[string]any
			if err := client.do(http.MethodGet, path, nil, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by workflow kind")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	cmd.Flags().IntVar(&offset, "offset", 0, "results to skip")
	return cmd
}

func newRunStepsCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "steps RUN_ID",
		Short: "Show a run's steps in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := client.do(http.MethodGet, "/v1/runs/"+args[0]+"/steps", nil, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newRunCancelCmd(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r run.Run
			if err := client.do(http.MethodPost, "/v1/runs/"+args[0]+"/cancel", nil, nil, &r); err != nil {
				return err
			}
			return printJSON(r)
		},
	}
}
