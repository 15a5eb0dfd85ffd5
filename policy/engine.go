// Package policy gates workspace patches through an OPA rego policy.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/PipeOpsHQ/agentcrew/types"
)

const (
	OperationCreate = "create"
	OperationModify = "modify"
	OperationDelete = "delete"
)

// Query is the rule every patch policy module must define.
const Query = "data.agentcrew.patch.decision"

// PatchRequest is the policy input for one file diff.
type PatchRequest struct {
	RunID         string
	TaskID        string
	Path          string
	Operation     string
	SecurityLevel types.SecurityLevel
}

type Decision struct {
	Allow   bool
	Reasons []string
}

// Engine evaluates a prepared rego query.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares module, or DefaultPolicy when module is empty.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	if strings.TrimSpace(module) == "" {
		module = DefaultPolicy
	}
	r := rego.New(
		rego.Query(Query),
		rego.Module("patch_policy.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: query}, nil
}

// LoadEngine reads a policy module from path.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %q: %w", path, err)
	}
	return NewEngine(ctx, string(raw))
}

func (e *Engine) Evaluate(ctx context.Context, req PatchRequest) (Decision, error) {
	level := req.SecurityLevel
	if level == "" {
		level = types.SecurityStandard
	}
	op := req.Operation
	if op == "" {
		op = OperationModify
	}
	input := map[string]any{
		"runId":         req.RunID,
		"taskId":        req.TaskID,
		"path":          strings.TrimPrefix(strings.TrimSpace(req.Path), "./"),
		"operation":     op,
		"securityLevel": string(level),
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("policy produced no decision for %s", req.Path)
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("policy decision has unexpected type %T", results[0].Expressions[0].Value)
	}
	var decision Decision
	decision.Allow, _ = obj["allow"].(bool)
	if reasons, ok := obj["reasons"].([]any); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				decision.Reasons = append(decision.Reasons, s)
			}
		}
	}
	return decision, nil
}

// OperationFor classifies a unified diff by its file headers.
func OperationFor(diff string) string {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "--- /dev/null"):
			return OperationCreate
		case strings.HasPrefix(line, "+++ /dev/null"):
			return OperationDelete
		case strings.HasPrefix(line, "@@"):
			return OperationModify
		}
	}
	return OperationModify
}

// DefaultPolicy blocks secrets and repository metadata unless the run is
// relaxed. Strict runs may not delete files.
const DefaultPolicy = `
package agentcrew.patch

import rego.v1

protected_dirs := {".git", "secrets"}

protected_suffixes := {".pem", ".key"}

segments := split(input.path, "/")

base := segments[count(segments) - 1]

relaxed if input.securityLevel == "relaxed"

violations contains msg if {
	not relaxed
	some i, seg in segments
	i < count(segments) - 1
	seg in protected_dirs
	msg := sprintf("%s is inside protected directory %s/", [input.path, seg])
}

violations contains msg if {
	not relaxed
	base == ".env"
	msg := sprintf("%s is an environment file", [input.path])
}

violations contains msg if {
	not relaxed
	startswith(base, ".env.")
	msg := sprintf("%s is an environment file", [input.path])
}

violations contains msg if {
	not relaxed
	some suffix in protected_suffixes
	endswith(base, suffix)
	msg := sprintf("%s has protected extension %s", [input.path, suffix])
}

violations contains msg if {
	input.securityLevel == "strict"
	input.operation == "delete"
	msg := sprintf("deleting %s is not allowed at strict security", [input.path])
}

default allow := false

allow if count(violations) == 0

decision := {"allow": allow, "reasons": sort(violations)}
`
