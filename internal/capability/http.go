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

package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coderelay/coderelay/pkg/errors"
)

const defaultHTTPTimeout = 120 * time.Second

// HTTPLLM calls a model gateway over HTTP: POST {endpoint}/v1/complete
// with an LLMRequest body, LLMResponse back. Failures are classified by
// status code so the reliability kernel can decide on retries.
type HTTPLLM struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPLLM creates a gateway-backed LLM client.
func NewHTTPLLM(endpoint, token string) *HTTPLLM {
	return &HTTPLLM{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Complete implements LLM.
func (l *HTTPLLM) Complete(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	var resp LLMResponse
	if err := l.post(ctx, l.endpoint+"/v1/complete", "", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (l *HTTPLLM) post(ctx context.Context, url, tenantID string, in, out any) error {
	return doPost(ctx, l.client, url, l.token, tenantID, in, out)
}

// HTTPConnector applies mutations through a host-connector service: POST
// {endpoint}/v1/dispatch with the mutation body.
type HTTPConnector struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPConnector creates a connector-service client.
func NewHTTPConnector(endpoint, token string) *HTTPConnector {
	return &HTTPConnector{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Dispatch implements Connector.
func (c *HTTPConnector) Dispatch(ctx context.Context, tenantID string, m Mutation) (*Result, error) {
	var res Result
	if err := doPost(ctx, c.client, c.endpoint+"/v1/dispatch", c.token, tenantID, m, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func doPost(ctx context.Context, client *http.Client, url, token, tenantID string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &errors.InternalError{Message: "encoding request", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &errors.InternalError{Message: "building request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &errors.TimeoutError{Operation: "capability call", Cause: err}
		}
		return &errors.TransientError{Message: "capability call failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Classify(resp.StatusCode, fmt.Errorf("capability call returned %d: %s", resp.StatusCode, snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errors.TransientError{Message: "decoding capability response", Cause: err}
	}
	return nil
}
