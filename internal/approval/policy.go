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
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/coderelay/coderelay/pkg/errors"
)

// Rule is one auto-approval expression. The expression evaluates against
// the pending record and must return a boolean; a true result approves the
// record under the rule's name.
type Rule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// AutoPolicy evaluates ordered rules against pending approvals. It is an
// optional supplement to human decisions: a deployment without rules never
// auto-approves anything.
type AutoPolicy struct {
	rules    []Rule
	programs []*vm.Program
}

// CompilePolicy compiles the rule expressions up front so malformed rules
// fail at startup rather than at decision time.
func CompilePolicy(rules []Rule) (*AutoPolicy, error) {
	p := &AutoPolicy{rules: rules}
	for _, r := range rules {
		if r.Name == "" {
			return nil, &errors.ValidationError{Field: "rule.name", Message: "required"}
		}
		prog, err := expr.Compile(r.Expression,
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "rule." + r.Name,
				Message: fmt.Sprintf("failed to compile expression: %s", err),
			}
		}
		p.programs = append(p.programs, prog)
	}
	return p, nil
}

// Match evaluates the rules in order against rec and returns the name of
// the first matching rule.
func (p *AutoPolicy) Match(rec *Record) (string, bool, error) {
	env := map[string]interface{}{
		"tenant_id":     rec.TenantID,
		"run_id":        rec.RunID,
		"capability":    string(rec.Capability),
		"repository":    rec.Target.Repository,
		"pr_number":     rec.Target.PRNumber,
		"issue_number":  rec.Target.IssueNumber,
		"artifact_hash": rec.ArtifactHash,
	}
	for i, prog := range p.programs {
		result, err := expr.Run(prog, env)
		if err != nil {
			return "", false, &errors.ValidationError{
				Field:   "rule." + p.rules[i].Name,
				Message: fmt.Sprintf("expression evaluation failed: %s", err),
			}
		}
		if matched, ok := result.(bool); ok && matched {
			return p.rules[i].Name, true, nil
		}
	}
	return "", false, nil
}
