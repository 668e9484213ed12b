package main

import (
	"time"

	"github.com/liamcoop/policyhub/rules"
	"github.com/liamcoop/policyhub/sandbox"
	"github.com/liamcoop/policyhub/value"
)

// CreateTemplateRequest is the body of POST /rule-templates.
type CreateTemplateRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// TemplateResponse is a rule template. The compiled artifact itself is never
// exposed.
type TemplateResponse struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	Version                 int       `json:"version"`
	Source                  string    `json:"source"`
	CompiledArtifactPresent bool      `json:"compiled_artifact_present"`
	IsLatest                bool      `json:"is_latest"`
	CreatedAt               time.Time `json:"created_at"`
}

type TemplateNamesResponse struct {
	Names []string `json:"names"`
}

type TemplateVersionsResponse struct {
	Name     string             `json:"name"`
	Versions []TemplateResponse `json:"versions"`
}

// CreatePolicyRequest is the body of POST /policies. RuleTemplateVersion
// pins a version of the template's name; when omitted the latest is used.
type CreatePolicyRequest struct {
	Name                string      `json:"name"`
	RuleTemplateID      string      `json:"rule_template_id"`
	RuleTemplateVersion *int        `json:"rule_template_version,omitempty"`
	Metadata            value.Value `json:"metadata"`
	Description         string      `json:"description,omitempty"`
	IsActive            *bool       `json:"is_active,omitempty"`
}

type PolicyResponse struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	RuleTemplateID      string      `json:"rule_template_id"`
	RuleTemplateVersion int         `json:"rule_template_version"`
	Metadata            value.Value `json:"metadata"`
	Description         string      `json:"description,omitempty"`
	IsActive            bool        `json:"is_active"`
	CreatedAt           time.Time   `json:"created_at"`
}

type PoliciesListResponse struct {
	Policies []PolicyResponse `json:"policies"`
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	PolicyID string      `json:"policy_id"`
	Facts    value.Value `json:"facts"`
}

// ExecutionResponse reports one execution. Error is set only when Success
// is false.
type ExecutionResponse struct {
	Success         bool        `json:"success"`
	ConditionMet    bool        `json:"condition_met"`
	OutputFacts     value.Value `json:"output_facts"`
	ExecutionTimeMs float64     `json:"execution_time_ms"`
	Error           string      `json:"error,omitempty"`
	MatchedRule     string      `json:"matched_rule,omitempty"`
	ExecutedAt      time.Time   `json:"executed_at"`
}

// ErrorResponse is returned for every non-2xx status. Line and Column are set
// for compilation errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func toTemplateResponse(t *rules.RuleTemplate) TemplateResponse {
	return TemplateResponse{
		ID:                      t.ID,
		Name:                    t.Name,
		Version:                 t.Version,
		Source:                  t.Source,
		CompiledArtifactPresent: t.HasCompiled(),
		IsLatest:                t.IsLatest,
		CreatedAt:               t.CreatedAt,
	}
}

func toPolicyResponse(p *rules.Policy) PolicyResponse {
	return PolicyResponse{
		ID:                  p.ID,
		Name:                p.Name,
		RuleTemplateID:      p.RuleTemplateID,
		RuleTemplateVersion: p.RuleTemplateVersion,
		Metadata:            p.Metadata,
		Description:         p.Description,
		IsActive:            p.IsActive,
		CreatedAt:           p.CreatedAt,
	}
}

func toExecutionResponse(res *sandbox.Result) ExecutionResponse {
	return ExecutionResponse{
		Success:         res.Success,
		ConditionMet:    res.ConditionMet,
		OutputFacts:     res.OutputFacts,
		ExecutionTimeMs: float64(res.ExecutionTime.Microseconds()) / 1000,
		Error:           res.ErrorMessage(),
		MatchedRule:     res.MatchedRule,
		ExecutedAt:      res.ExecutedAt,
	}
}
