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

package jq

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapperTransforms(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		payload    string
		want       string
	}{
		{
			name:       "identity on empty expression",
			expression: "",
			payload:    `{"a":1}`,
			want:       `{"a":1}`,
		},
		{
			name:       "object construction",
			expression: `{repo: .repository.full_name, n: .issue.number}`,
			payload:    `{"repository":{"full_name":"acme/widgets"},"issue":{"number":7}}`,
			want:       `{"repo":"acme/widgets","n":7}`,
		},
		{
			name:       "missing field yields null",
			expression: `.nope`,
			payload:    `{"a":1}`,
			want:       `null`,
		},
		{
			name:       "multiple outputs collect into array",
			expression: `.items[]`,
			payload:    `{"items":[1,2,3]}`,
			want:       `[1,2,3]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Compile(tt.expression)
			require.NoError(t, err)
			got, err := m.Map(context.Background(), json.RawMessage(tt.payload))
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestCompileRejectsBadExpression(t *testing.T) {
	_, err := Compile(`.foo[`)
	require.Error(t, err)
}

func TestMapRejectsNonJSONPayload(t *testing.T) {
	m, err := Compile(`.a`)
	require.NoError(t, err)
	_, err = m.Map(context.Background(), json.RawMessage(`not json`))
	require.Error(t, err)
}
