package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/liamcoop/policyhub/compiler"
	"github.com/liamcoop/policyhub/internal/config"
	"github.com/liamcoop/policyhub/rules"
	"github.com/liamcoop/policyhub/sandbox"
)

const discountSource = `
rule("big_order")
  .when(function (facts) { return facts.amount > 100; })
  .then(function (facts) { return { discount: facts.amount * 0.1 }; });
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	engine, collector := buildEngine(rules.NewInMemoryStore(), cfg)
	return NewServer(engine, collector, cfg)
}

// do sends body (marshaled unless it is already a string) and decodes the
// JSON response into a generic map.
func do(t *testing.T, s *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Body.Len() == 0 {
		return rec.Code, nil
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode %s %s response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, resp
}

func mustCreate(t *testing.T, s *Server, path string, body any) map[string]any {
	t.Helper()
	status, resp := do(t, s, http.MethodPost, path, body)
	if status != http.StatusCreated {
		t.Fatalf("POST %s status = %d, body %v", path, status, resp)
	}
	return resp
}

// TestHealth verifies the health endpoint reports the store as reachable.
func TestHealth(t *testing.T) {
	s := newTestServer(t)
	status, resp := do(t, s, http.MethodGet, "/api/v1/health", nil)
	if status != http.StatusOK || resp["status"] != "healthy" {
		t.Errorf("health = %d %v", status, resp)
	}
}

// TestTemplateLifecycle verifies versioning through the API.
func TestTemplateLifecycle(t *testing.T) {
	s := newTestServer(t)

	v1 := mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{Name: "discount", Source: discountSource})
	v2 := mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{Name: "discount", Source: discountSource})
	mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{Name: "another", Source: discountSource})

	if v1["version"] != float64(1) || v2["version"] != float64(2) {
		t.Fatalf("versions = %v, %v, want 1, 2", v1["version"], v2["version"])
	}
	if v1["compiled_artifact_present"] != true {
		t.Error("compiled_artifact_present should be true after creation")
	}
	if _, ok := v1["compiled"]; ok {
		t.Error("compiled code must not be exposed")
	}

	status, got := do(t, s, http.MethodGet, "/api/v1/rule-templates/"+v1["id"].(string), nil)
	if status != http.StatusOK {
		t.Fatalf("get template status = %d", status)
	}
	if got["is_latest"] != false {
		t.Error("v1 should no longer be latest")
	}

	_, latest := do(t, s, http.MethodGet, "/api/v1/rule-templates/name/discount/latest", nil)
	if latest["id"] != v2["id"] {
		t.Errorf("latest id = %v, want %v", latest["id"], v2["id"])
	}

	_, versions := do(t, s, http.MethodGet, "/api/v1/rule-templates/name/discount/versions", nil)
	if list, _ := versions["versions"].([]any); len(list) != 2 {
		t.Errorf("versions = %v, want 2 entries", versions["versions"])
	}

	status, pinned := do(t, s, http.MethodGet, "/api/v1/rule-templates/name/discount/versions/1", nil)
	if status != http.StatusOK || pinned["id"] != v1["id"] {
		t.Errorf("version 1 = %d %v", status, pinned)
	}

	_, names := do(t, s, http.MethodGet, "/api/v1/rule-templates", nil)
	if fmt.Sprint(names["names"]) != "[another discount]" {
		t.Errorf("names = %v, want [another discount]", names["names"])
	}
}

// TestCreateTemplateErrors verifies rejected templates and their error types.
func TestCreateTemplateErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name      string
		body      any
		status    int
		errorType string
	}{
		{"syntax error", CreateTemplateRequest{Name: "bad", Source: "rule(\"x\").when(f => {"}, http.StatusBadRequest, errCompilation},
		{"no rules", CreateTemplateRequest{Name: "bad", Source: "1 + 1"}, http.StatusBadRequest, errCompilation},
		{"forbidden global", CreateTemplateRequest{Name: "bad", Source: `rule("x").when(f => eval("1")).then(f => ({}))`}, http.StatusBadRequest, errCompilation},
		{"empty name", CreateTemplateRequest{Name: "", Source: discountSource}, http.StatusBadRequest, errBadRequest},
		{"malformed body", `{"name":`, http.StatusBadRequest, errBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := do(t, s, http.MethodPost, "/api/v1/rule-templates", tt.body)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%v)", status, tt.status, resp)
			}
			if resp["error"] != tt.errorType {
				t.Errorf("error = %v, want %s", resp["error"], tt.errorType)
			}
			if resp["message"] == "" {
				t.Error("message should not be empty")
			}
		})
	}

	_, names := do(t, s, http.MethodGet, "/api/v1/rule-templates", nil)
	if list, _ := names["names"].([]any); len(list) != 0 {
		t.Errorf("rejected templates were stored: %v", names["names"])
	}
}

// TestCompileErrorPosition verifies line and column reach the client.
func TestCompileErrorPosition(t *testing.T) {
	s := newTestServer(t)
	status, resp := do(t, s, http.MethodPost, "/api/v1/rule-templates", CreateTemplateRequest{
		Name:   "bad",
		Source: "rule(\"a\").when(f => true).then(f => ({}));\nrule(\"b\").when(f => this).then(f => ({}));",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if resp["line"] != float64(2) {
		t.Errorf("line = %v, want 2", resp["line"])
	}
}

// TestExecuteDiscount runs the discount scenario end to end.
func TestExecuteDiscount(t *testing.T) {
	s := newTestServer(t)
	tmpl := mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{Name: "discount", Source: discountSource})
	policy := mustCreate(t, s, "/api/v1/policies", map[string]any{
		"name":             "standard-discount",
		"rule_template_id": tmpl["id"],
		"metadata":         map[string]any{"tier": "gold"},
	})

	tests := []struct {
		amount    float64
		matched   bool
		discount  any
		matchRule any
	}{
		{150, true, float64(15), "big_order"},
		{100, false, nil, nil},
		{101, true, 10.1, "big_order"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.amount), func(t *testing.T) {
			status, resp := do(t, s, http.MethodPost, "/api/v1/execute", map[string]any{
				"policy_id": policy["id"],
				"facts":     map[string]any{"amount": tt.amount},
			})
			if status != http.StatusOK {
				t.Fatalf("status = %d, body %v", status, resp)
			}
			if resp["success"] != true || resp["condition_met"] != tt.matched {
				t.Errorf("success=%v condition_met=%v", resp["success"], resp["condition_met"])
			}
			out, _ := resp["output_facts"].(map[string]any)
			if out == nil {
				t.Fatalf("output_facts missing: %v", resp)
			}
			if out["discount"] != tt.discount {
				t.Errorf("discount = %v, want %v", out["discount"], tt.discount)
			}
			if resp["matched_rule"] != tt.matchRule {
				t.Errorf("matched_rule = %v, want %v", resp["matched_rule"], tt.matchRule)
			}
			if _, ok := resp["error"]; ok {
				t.Error("error should be absent on success")
			}
			if _, ok := resp["executed_at"]; !ok {
				t.Error("executed_at missing")
			}
		})
	}
}

// TestExecuteRuleFailure verifies a throwing rule is reported with status 200.
func TestExecuteRuleFailure(t *testing.T) {
	s := newTestServer(t)
	tmpl := mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{
		Name:   "thrower",
		Source: `rule("boom").when(f => { throw new Error("kaboom"); }).then(f => ({}))`,
	})
	policy := mustCreate(t, s, "/api/v1/policies", map[string]any{
		"name":             "thrower-policy",
		"rule_template_id": tmpl["id"],
	})

	status, resp := do(t, s, http.MethodPost, "/api/v1/execute", map[string]any{
		"policy_id": policy["id"],
		"facts":     map[string]any{},
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if resp["success"] != false {
		t.Error("success should be false")
	}
	if msg, _ := resp["error"].(string); !strings.Contains(msg, "kaboom") {
		t.Errorf("error = %q, want it to mention kaboom", msg)
	}
}

// TestExecuteErrors verifies requests that execute nothing.
func TestExecuteErrors(t *testing.T) {
	s := newTestServer(t)
	tmpl := mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{Name: "discount", Source: discountSource})
	policy := mustCreate(t, s, "/api/v1/policies", map[string]any{
		"name":             "p",
		"rule_template_id": tmpl["id"],
	})

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"unknown policy", map[string]any{"policy_id": "9b2f8a55-3c1f-4a57-9d4f-8d0f5b7f8a10", "facts": map[string]any{}}, http.StatusNotFound},
		{"malformed policy id", map[string]any{"policy_id": "nope", "facts": map[string]any{}}, http.StatusBadRequest},
		{"uppercase policy id", map[string]any{"policy_id": strings.ToUpper(policy["id"].(string)), "facts": map[string]any{}}, http.StatusBadRequest},
		{"braced policy id", map[string]any{"policy_id": "{" + policy["id"].(string) + "}", "facts": map[string]any{}}, http.StatusBadRequest},
		{"facts not an object", map[string]any{"policy_id": policy["id"], "facts": []int{1}}, http.StatusBadRequest},
		{"malformed body", `{"policy_id":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := do(t, s, http.MethodPost, "/api/v1/execute", tt.body)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%v)", status, tt.status, resp)
			}
		})
	}
}

// TestPolicyLifecycle verifies pinning, filtering and deletion.
func TestPolicyLifecycle(t *testing.T) {
	s := newTestServer(t)
	v1 := mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{Name: "discount", Source: discountSource})
	mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{Name: "discount", Source: discountSource})

	pinned := mustCreate(t, s, "/api/v1/policies", map[string]any{
		"name":                  "pinned",
		"rule_template_id":      v1["id"],
		"rule_template_version": 1,
		"metadata":              map[string]any{"tier": "gold"},
		"description":           "first version",
	})
	latest := mustCreate(t, s, "/api/v1/policies", map[string]any{
		"name":             "latest",
		"rule_template_id": v1["id"],
		"metadata":         map[string]any{"tier": "silver"},
	})
	if pinned["rule_template_version"] != float64(1) || latest["rule_template_version"] != float64(2) {
		t.Errorf("versions = %v, %v, want 1, 2", pinned["rule_template_version"], latest["rule_template_version"])
	}

	status, _ := do(t, s, http.MethodPost, "/api/v1/policies", map[string]any{
		"name":                  "missing-version",
		"rule_template_id":      v1["id"],
		"rule_template_version": 9,
	})
	if status != http.StatusNotFound {
		t.Errorf("unknown version status = %d, want 404", status)
	}

	_, all := do(t, s, http.MethodGet, "/api/v1/policies", nil)
	if list, _ := all["policies"].([]any); len(list) != 2 {
		t.Errorf("policies = %v, want 2", all["policies"])
	}

	filter := url.QueryEscape(`policy.metadata.tier == "gold"`)
	_, gold := do(t, s, http.MethodGet, "/api/v1/policies?filter="+filter, nil)
	list, _ := gold["policies"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["id"] != pinned["id"] {
		t.Errorf("filtered policies = %v", gold["policies"])
	}

	status, resp := do(t, s, http.MethodGet, "/api/v1/policies?filter="+url.QueryEscape("policy.name +"), nil)
	if status != http.StatusBadRequest || resp["error"] != errBadRequest {
		t.Errorf("bad filter = %d %v", status, resp)
	}

	id := pinned["id"].(string)
	if status, _ := do(t, s, http.MethodDelete, "/api/v1/policies/"+id, nil); status != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", status)
	}
	if status, _ := do(t, s, http.MethodGet, "/api/v1/policies/"+id, nil); status != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", status)
	}
	if status, _ := do(t, s, http.MethodDelete, "/api/v1/policies/"+id, nil); status != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", status)
	}
}

// TestInactivePolicy verifies is_active round-trips and gates execution.
func TestInactivePolicy(t *testing.T) {
	s := newTestServer(t)
	tmpl := mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{Name: "discount", Source: discountSource})

	active := mustCreate(t, s, "/api/v1/policies", map[string]any{
		"name":             "active",
		"rule_template_id": tmpl["id"],
	})
	paused := mustCreate(t, s, "/api/v1/policies", map[string]any{
		"name":             "paused",
		"rule_template_id": tmpl["id"],
		"is_active":        false,
	})
	if active["is_active"] != true || paused["is_active"] != false {
		t.Fatalf("is_active = %v, %v, want true, false", active["is_active"], paused["is_active"])
	}

	_, listed := do(t, s, http.MethodGet, "/api/v1/policies?filter="+url.QueryEscape("!policy.is_active"), nil)
	list, _ := listed["policies"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["id"] != paused["id"] {
		t.Errorf("inactive policies = %v", listed["policies"])
	}

	body := map[string]any{"policy_id": paused["id"], "facts": map[string]any{"amount": 150}}
	if status, resp := do(t, s, http.MethodPost, "/api/v1/execute", body); status != http.StatusBadRequest {
		t.Errorf("execute inactive status = %d, want 400 (%v)", status, resp)
	}
	body["policy_id"] = active["id"]
	if status, resp := do(t, s, http.MethodPost, "/api/v1/execute", body); status != http.StatusOK {
		t.Errorf("execute active status = %d, want 200 (%v)", status, resp)
	}
}

// TestMetricsEndpoint verifies executions show up on /metrics.
func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	tmpl := mustCreate(t, s, "/api/v1/rule-templates", CreateTemplateRequest{Name: "discount", Source: discountSource})
	policy := mustCreate(t, s, "/api/v1/policies", map[string]any{"name": "p", "rule_template_id": tmpl["id"]})
	do(t, s, http.MethodPost, "/api/v1/execute", map[string]any{"policy_id": policy["id"], "facts": map[string]any{"amount": 500}})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`policyhub_executions_total{outcome="matched"} 1`,
		`policyhub_templates_created_total 1`,
		`policyhub_http_requests_total{code="201",method="POST",route="/api/v1/rule-templates`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// TestMetricsDisabled verifies no endpoint is mounted when metrics are off.
func TestMetricsDisabled(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Metrics.Enabled = &off
	engine, collector := buildEngine(rules.NewInMemoryStore(), cfg)
	if collector != nil {
		t.Fatal("collector should be nil when metrics are disabled")
	}
	s := NewServer(engine, collector, cfg)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// TestClassifyError verifies the status and type for each error class.
func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		errorType string
	}{
		{"compile", &compiler.CompileError{Line: 1, Column: 2, Reason: "bad"}, http.StatusBadRequest, errCompilation},
		{"wrapped compile", fmt.Errorf("create: %w", &compiler.CompileError{Reason: "bad"}), http.StatusBadRequest, errCompilation},
		{"validation", &rules.ValidationError{Field: "name", Reason: "required"}, http.StatusBadRequest, errBadRequest},
		{"not found", &rules.NotFoundError{Kind: "policy", Key: "x"}, http.StatusNotFound, errNotFound},
		{"conflict", fmt.Errorf("create: %w", rules.ErrAlreadyExists), http.StatusConflict, errConflict},
		{"pool exhausted", sandbox.ErrPoolExhausted, http.StatusServiceUnavailable, errUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, errUnavailable},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, errInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := classifyError(tt.err)
			if status != tt.status || resp.Error != tt.errorType {
				t.Errorf("classifyError() = %d %s, want %d %s", status, resp.Error, tt.status, tt.errorType)
			}
		})
	}

	_, resp := classifyError(errors.New("secret connection string"))
	if strings.Contains(resp.Message, "secret") {
		t.Error("internal error details must not reach the client")
	}
}
