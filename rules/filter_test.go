package rules

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/liamcoop/policyhub/value"
)

func filterPolicy(name string, version int, metadata map[string]any) *Policy {
	return &Policy{
		ID:                  "00000000-0000-0000-0000-000000000001",
		Name:                name,
		RuleTemplateID:      "00000000-0000-0000-0000-000000000002",
		RuleTemplateVersion: version,
		Metadata:            value.MustFromGo(metadata),
		IsActive:            true,
		CreatedAt:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// TestPolicyFilterMatch verifies filter expressions over policy fields.
func TestPolicyFilterMatch(t *testing.T) {
	gold := filterPolicy("gold-discount", 2, map[string]any{"tier": "gold", "limit": 10, "tags": []any{"eu"}})
	silver := filterPolicy("silver-discount", 1, map[string]any{"tier": "silver"})
	silver.IsActive = false

	tests := []struct {
		expr       string
		goldWant   bool
		silverWant bool
		silverErr  bool
	}{
		{`policy.metadata.tier == "gold"`, true, false, false},
		{`policy.rule_template_version > 1`, true, false, false},
		{`policy.name.startsWith("silver")`, false, true, false},
		{`has(policy.metadata.limit) && policy.metadata.limit >= 10`, true, false, false},
		{`"eu" in policy.metadata.tags`, true, false, true},
		{`policy.created_at < timestamp("2027-01-01T00:00:00Z")`, true, true, false},
		{`policy.is_active`, true, false, false},
		{`!policy.is_active`, false, true, false},
		{`true`, true, true, false},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := CompileFilter(tt.expr)
			if err != nil {
				t.Fatalf("CompileFilter() failed: %v", err)
			}
			if f.String() != tt.expr {
				t.Errorf("String() = %q", f.String())
			}
			if got, err := f.Match(ctx, gold); err != nil || got != tt.goldWant {
				t.Errorf("gold: Match() = %v, %v; want %v", got, err, tt.goldWant)
			}
			if tt.silverErr {
				if _, err := f.Match(ctx, silver); !errors.Is(err, ErrValidation) {
					t.Errorf("silver: expected evaluation error, got %v", err)
				}
				return
			}
			if got, err := f.Match(ctx, silver); err != nil || got != tt.silverWant {
				t.Errorf("silver: Match() = %v, %v; want %v", got, err, tt.silverWant)
			}
		})
	}
}

// TestCompileFilterRejects verifies malformed and non-boolean filters are
// validation errors.
func TestCompileFilterRejects(t *testing.T) {
	tests := []string{
		`policy.name ==`,
		`1 + 2`,
		`"text"`,
		`unknown_var == 1`,
		strings.Repeat("a", MaxFilterLength+1),
	}
	for _, expr := range tests {
		name := expr
		if len(name) > 20 {
			name = name[:20]
		}
		t.Run(name, func(t *testing.T) {
			_, err := CompileFilter(expr)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

// TestPolicyFilterNonBoolResult verifies a dynamic expression that yields a
// non-bool at evaluation time is reported.
func TestPolicyFilterNonBoolResult(t *testing.T) {
	f, err := CompileFilter(`policy.metadata.tier`)
	if err != nil {
		t.Fatalf("CompileFilter() failed: %v", err)
	}
	_, err = f.Match(context.Background(), filterPolicy("p", 1, map[string]any{"tier": "gold"}))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
