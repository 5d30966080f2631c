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

// Package jq evaluates jq expressions against inbound event payloads,
// turning host-specific webhook bodies into run inputs.
package jq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/itchyny/gojq"

	"github.com/coderelay/coderelay/pkg/errors"
)

const (
	// DefaultTimeout bounds a single expression evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds the payload an expression may consume (1MB).
	DefaultMaxInputSize = 1 << 20
)

// Mapper is a compiled jq expression. Compile once, run per event.
type Mapper struct {
	source       string
	code         *gojq.Code
	timeout      time.Duration
	maxInputSize int
}

// Compile parses and compiles expression. An empty expression yields an
// identity mapper.
func Compile(expression string) (*Mapper, error) {
	m := &Mapper{
		source:       expression,
		timeout:      DefaultTimeout,
		maxInputSize: DefaultMaxInputSize,
	}
	if expression == "" {
		return m, nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, &errors.ValidationError{Field: "expression", Message: "invalid jq expression: " + err.Error()}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{Field: "expression", Message: "jq compilation failed: " + err.Error()}
	}
	m.code = code
	return m, nil
}

// MustCompile is Compile for expressions known valid at build time.
func MustCompile(expression string) *Mapper {
	m, err := Compile(expression)
	if err != nil {
		panic(err)
	}
	return m
}

// Source returns the original expression text.
func (m *Mapper) Source() string { return m.source }

// Map evaluates the expression against a JSON payload and returns the
// result re-encoded as JSON. Multiple outputs are collected into an array.
func (m *Mapper) Map(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) > m.maxInputSize {
		return nil, &errors.ValidationError{Field: "payload", Message: "payload exceeds mapping size limit"}
	}
	if m.code == nil {
		return payload, nil
	}

	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, &errors.ValidationError{Field: "payload", Message: "payload is not valid JSON"}
	}

	execCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var results []interface{}
	iter := m.code.RunWithContext(execCtx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if execCtx.Err() != nil {
				return nil, &errors.TimeoutError{Operation: "jq mapping", Duration: m.timeout}
			}
			return nil, &errors.ValidationError{Field: "expression", Message: "jq evaluation failed: " + err.Error()}
		}
		results = append(results, v)
	}

	var out interface{}
	switch len(results) {
	case 0:
		out = nil
	case 1:
		out = results[0]
	default:
		out = results
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, &errors.InternalError{Message: "encoding mapped payload", Cause: err}
	}
	return encoded, nil
}
