package rules

import (
	"time"

	"github.com/liamcoop/policyhub/value"
)

// RuleTemplate is one immutable version of a named rule source.
type RuleTemplate struct {
	ID       string
	Name     string
	Version  int
	Source   string
	Compiled string // compiled code, empty until first populated
	IsLatest bool
	// CreatedAt is set by the registry when the version is created.
	CreatedAt time.Time
}

// Key identifies the compiled artifact of this template version.
func (t *RuleTemplate) Key() TemplateKey {
	return TemplateKey{TemplateID: t.ID, Version: t.Version}
}

// HasCompiled reports whether compiled code has been persisted.
func (t *RuleTemplate) HasCompiled() bool {
	return t.Compiled != ""
}

func (t *RuleTemplate) clone() *RuleTemplate {
	c := *t
	return &c
}

// Policy binds a name and metadata to one pinned template version.
type Policy struct {
	ID                  string
	Name                string
	RuleTemplateID      string
	RuleTemplateVersion int
	Metadata            value.Value
	Description         string
	// IsActive is false for policies that may be listed but not executed.
	IsActive  bool
	CreatedAt time.Time
}

func (p *Policy) clone() *Policy {
	c := *p
	return &c
}

// PolicyInput is the caller-supplied part of a new policy.
type PolicyInput struct {
	Name           string
	RuleTemplateID string
	// RuleTemplateVersion selects a specific version of the template's name.
	// Nil pins the latest version at creation time.
	RuleTemplateVersion *int
	Metadata            value.Value
	Description         string
	// IsActive defaults to true when nil.
	IsActive *bool
}

// TemplateKey identifies a compiled template version in the artifact cache.
type TemplateKey struct {
	TemplateID string
	Version    int
}

func (k TemplateKey) String() string {
	return k.TemplateID + "@" + itoa(k.Version)
}
