package rules

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// MaxFilterLength bounds the size of a policy filter expression.
const MaxFilterLength = 2048

// filterCostLimit caps the evaluation cost of one filter against one policy.
const filterCostLimit = 100000

// PolicyFilter is a compiled CEL expression over a variable named policy.
// Example: policy.metadata.tier == "gold" && policy.rule_template_version > 1
type PolicyFilter struct {
	expr    string
	program cel.Program
}

var filterEnv = mustFilterEnv()

func mustFilterEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("policy", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		panic(fmt.Sprintf("building filter environment: %v", err))
	}
	return env
}

// CompileFilter parses and checks expr. Errors are validation errors.
func CompileFilter(expr string) (*PolicyFilter, error) {
	if len(expr) > MaxFilterLength {
		return nil, invalid("filter", "exceeds maximum of %d characters", MaxFilterLength)
	}

	ast, iss := filterEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, invalid("filter", "%v", iss.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(types.BoolType) && !out.IsExactType(types.DynType) {
		return nil, invalid("filter", "must evaluate to a bool, got %s", out)
	}

	prg, err := filterEnv.Program(ast,
		cel.CostLimit(filterCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, invalid("filter", "%v", err)
	}
	return &PolicyFilter{expr: expr, program: prg}, nil
}

// String returns the source expression.
func (f *PolicyFilter) String() string {
	return f.expr
}

// Match evaluates the filter against p.
func (f *PolicyFilter) Match(ctx context.Context, p *Policy) (bool, error) {
	out, _, err := f.program.ContextEval(ctx, map[string]any{"policy": policyActivation(p)})
	if err != nil {
		return false, invalid("filter", "evaluation failed: %v", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, invalid("filter", "must evaluate to a bool, got %s", out.Type())
	}
	return matched, nil
}

func policyActivation(p *Policy) map[string]any {
	return map[string]any{
		"id":                    p.ID,
		"name":                  p.Name,
		"rule_template_id":      p.RuleTemplateID,
		"rule_template_version": int64(p.RuleTemplateVersion),
		"metadata":              normalizeMetadata(p.Metadata).Interface(),
		"description":           p.Description,
		"is_active":             p.IsActive,
		"created_at":            p.CreatedAt,
	}
}
