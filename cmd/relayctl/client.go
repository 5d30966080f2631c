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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coderelay/coderelay/internal/api"
	"github.com/coderelay/coderelay/pkg/errors"
)

// apiClient talks to the daemon's HTTP API.
type apiClient struct {
	server   string
	tenant   string
	clientID string
}

func (c *apiClient) httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// do issues a request and decodes the JSON response into out. Non-2xx
// responses surface as cliErrors carrying the server's stable error code.
func (c *apiClient) do(method, path string, headers map[string]string, body, out any) error {
	if c.tenant == "" {
		return fail(errors.CodeValidation, fmt.Errorf("--tenant is required (or set RELAY_TENANT)"))
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fail(errors.CodeInternal, fmt.Errorf("encoding request: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.server+path, reader)
	if err != nil {
		return fail(errors.CodeValidation, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set(api.HeaderTenantID, c.tenant)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fail(errors.CodeTransient, fmt.Errorf("calling daemon: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fail(errors.CodeTransient, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody api.ErrorBody
		if json.Unmarshal(data, &errBody) == nil && errBody.Code != "" {
			return fail(errBody.Code, fmt.Errorf("%s (correlation id %s)", errBody.Message, errBody.CorrelationID))
		}
		return fail(errors.CodeInternal, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fail(errors.CodeInternal, fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

// printJSON renders any API object for the terminal.
func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail(errors.CodeInternal, err)
	}
	fmt.Println(string(encoded))
	return nil
}
