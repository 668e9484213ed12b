package rules

import (
	"context"
	"sort"
	"sync"
)

// TemplateStore persists rule template versions.
type TemplateStore interface {
	// PutTemplate inserts t and clears IsLatest on the previous latest
	// version of t.Name in one atomic step. A duplicate (name, version)
	// fails with ErrAlreadyExists.
	PutTemplate(ctx context.Context, t *RuleTemplate) error

	// GetTemplate retrieves a template version by ID.
	GetTemplate(ctx context.Context, id string) (*RuleTemplate, error)

	// GetTemplateVersion retrieves one version of a name.
	GetTemplateVersion(ctx context.Context, name string, version int) (*RuleTemplate, error)

	// LatestTemplate retrieves the version of name marked latest.
	LatestTemplate(ctx context.Context, name string) (*RuleTemplate, error)

	// ListTemplateVersions returns every version of name in ascending order.
	ListTemplateVersions(ctx context.Context, name string) ([]*RuleTemplate, error)

	// ListTemplateNames returns the distinct template names, sorted.
	ListTemplateNames(ctx context.Context) ([]string, error)

	// SetCompiled records compiled code for a template. The first write
	// wins; later calls leave the stored code untouched.
	SetCompiled(ctx context.Context, id, compiled string) error
}

// PolicyStore persists policies.
type PolicyStore interface {
	PutPolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	// ListPolicies returns all policies ordered by creation time.
	ListPolicies(ctx context.Context) ([]*Policy, error)
	DeletePolicy(ctx context.Context, id string) error
}

// Store is the full persistence contract used by the registry.
type Store interface {
	TemplateStore
	PolicyStore
	Ping(ctx context.Context) error
	Close() error
}

// InMemoryStore implements Store with maps guarded by an RWMutex.
// Records are copied on the way in and out.
type InMemoryStore struct {
	templates map[string]*RuleTemplate
	byName    map[string][]*RuleTemplate // ascending version
	policies  map[string]*Policy
	mu        sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		templates: make(map[string]*RuleTemplate),
		byName:    make(map[string][]*RuleTemplate),
		policies:  make(map[string]*Policy),
	}
}

// PutTemplate stores a new version and demotes the previous latest.
func (s *InMemoryStore) PutTemplate(ctx context.Context, t *RuleTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[t.ID]; exists {
		return &alreadyExistsError{what: "rule template " + t.ID}
	}
	versions := s.byName[t.Name]
	for _, existing := range versions {
		if existing.Version == t.Version {
			return &alreadyExistsError{what: "rule template " + t.Name + " version " + itoa(t.Version)}
		}
	}

	stored := t.clone()
	if stored.IsLatest {
		for _, existing := range versions {
			existing.IsLatest = false
		}
	}
	versions = append(versions, stored)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	s.byName[t.Name] = versions
	s.templates[t.ID] = stored
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *InMemoryStore) GetTemplate(ctx context.Context, id string) (*RuleTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.templates[id]
	if !exists {
		return nil, notFound("rule template", id)
	}
	return t.clone(), nil
}

// GetTemplateVersion retrieves a specific version of a name.
func (s *InMemoryStore) GetTemplateVersion(ctx context.Context, name string, version int) (*RuleTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.byName[name] {
		if t.Version == version {
			return t.clone(), nil
		}
	}
	return nil, notFound("rule template", name+" version "+itoa(version))
}

// LatestTemplate retrieves the latest version of a name.
func (s *InMemoryStore) LatestTemplate(ctx context.Context, name string) (*RuleTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.byName[name] {
		if t.IsLatest {
			return t.clone(), nil
		}
	}
	return nil, notFound("rule template", name)
}

// ListTemplateVersions returns all versions of a name.
func (s *InMemoryStore) ListTemplateVersions(ctx context.Context, name string) ([]*RuleTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.byName[name]
	out := make([]*RuleTemplate, 0, len(versions))
	for _, t := range versions {
		out = append(out, t.clone())
	}
	return out, nil
}

// ListTemplateNames returns the sorted distinct names.
func (s *InMemoryStore) ListTemplateNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// SetCompiled records compiled code if none is stored yet.
func (s *InMemoryStore) SetCompiled(ctx context.Context, id, compiled string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.templates[id]
	if !exists {
		return notFound("rule template", id)
	}
	if t.Compiled == "" {
		t.Compiled = compiled
	}
	return nil
}

// PutPolicy stores a new policy.
func (s *InMemoryStore) PutPolicy(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[p.ID]; exists {
		return &alreadyExistsError{what: "policy " + p.ID}
	}
	s.policies[p.ID] = p.clone()
	return nil
}

// GetPolicy retrieves a policy by ID.
func (s *InMemoryStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.policies[id]
	if !exists {
		return nil, notFound("policy", id)
	}
	return p.clone(), nil
}

// ListPolicies returns all policies, oldest first.
func (s *InMemoryStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeletePolicy removes a policy.
func (s *InMemoryStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[id]; !exists {
		return notFound("policy", id)
	}
	delete(s.policies, id)
	return nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}

type alreadyExistsError struct {
	what string
}

func (e *alreadyExistsError) Error() string {
	return e.what + " already exists"
}

func (e *alreadyExistsError) Unwrap() error {
	return ErrAlreadyExists
}
