package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/policyhub/compiler"
	"github.com/liamcoop/policyhub/internal/logger"
)

// maxCreateAttempts bounds retries when another writer claims the next
// version number first.
const maxCreateAttempts = 3

// Registry manages template versions and policies on top of a Store and
// keeps compiled artifacts in an ArtifactCache.
type Registry struct {
	store   Store
	cache   ArtifactCache
	compile CompileFunc
	metrics Metrics
	now     func() time.Time

	names sync.Map // template name -> *nameState
}

// nameState serializes writers for one template name and publishes the
// latest version to lock-free readers.
type nameState struct {
	mu     sync.Mutex
	latest atomic.Pointer[RuleTemplate]
}

// ExecutionTarget is everything needed to execute a policy.
type ExecutionTarget struct {
	Policy   *Policy
	Template *RuleTemplate
	Artifact *compiler.Artifact
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithCompiler replaces compiler.Compile.
func WithCompiler(fn CompileFunc) RegistryOption {
	return func(r *Registry) { r.compile = fn }
}

// WithMetrics sets the instrumentation sink. Nil keeps the no-op sink.
func WithMetrics(m Metrics) RegistryOption {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock replaces time.Now for creation timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry. A nil cache gets an in-memory LRU with
// the default size.
func NewRegistry(store Store, cache ArtifactCache, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:   store,
		compile: compiler.Compile,
		metrics: nopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if cache == nil {
		cache = NewInMemoryArtifactCache(DefaultCacheConfig(), r.compile, r.metrics)
	}
	r.cache = cache
	return r
}

func (r *Registry) state(name string) *nameState {
	if st, ok := r.names.Load(name); ok {
		return st.(*nameState)
	}
	st, _ := r.names.LoadOrStore(name, &nameState{})
	return st.(*nameState)
}

// CreateTemplate compiles source and stores it as the next version of name.
// Compilation failures are returned as *compiler.CompileError and nothing is
// stored.
func (r *Registry) CreateTemplate(ctx context.Context, name, source string) (*RuleTemplate, error) {
	if err := ValidateName("name", name); err != nil {
		return nil, err
	}

	start := time.Now()
	art, err := r.compile(source)
	if err != nil {
		r.metrics.ObserveCompile(compileFailed, time.Since(start))
		return nil, err
	}
	r.metrics.ObserveCompile(compileOK, time.Since(start))

	st := r.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		version := 1
		current, err := r.store.LatestTemplate(ctx, name)
		switch {
		case err == nil:
			version = current.Version + 1
		case errors.Is(err, ErrNotFound):
		default:
			return nil, fmt.Errorf("resolving latest version of %q: %w", name, err)
		}

		t := &RuleTemplate{
			ID:        uuid.NewString(),
			Name:      name,
			Version:   version,
			Source:    source,
			Compiled:  art.Code,
			IsLatest:  true,
			CreatedAt: r.timestamp(),
		}
		err = r.store.PutTemplate(ctx, t)
		if errors.Is(err, ErrAlreadyExists) {
			logger.Warn("Template version conflict, retrying",
				"name", name, "version", version, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storing template %q: %w", name, err)
		}

		st.latest.Store(t.clone())
		r.cache.Seed(t.Key(), art)
		r.metrics.TemplateCreated()
		logger.Info("Rule template created",
			"id", t.ID, "name", name, "version", version, "rules", len(art.Rules))
		return t, nil
	}
	return nil, fmt.Errorf("creating template %q: %w after %d attempts", name, ErrAlreadyExists, maxCreateAttempts)
}

// ResolveLatest returns the latest version of name. Versions created through
// this registry are served from memory without locking.
func (r *Registry) ResolveLatest(ctx context.Context, name string) (*RuleTemplate, error) {
	if err := ValidateName("name", name); err != nil {
		return nil, err
	}
	st := r.state(name)
	if t := st.latest.Load(); t != nil {
		return t.clone(), nil
	}

	t, err := r.store.LatestTemplate(ctx, name)
	if err != nil {
		return nil, err
	}
	st.latest.CompareAndSwap(nil, t.clone())
	return t, nil
}

// GetTemplate returns a template version by ID.
func (r *Registry) GetTemplate(ctx context.Context, id string) (*RuleTemplate, error) {
	if err := ValidateID("id", id); err != nil {
		return nil, err
	}
	return r.store.GetTemplate(ctx, id)
}

// GetTemplateVersion returns one version of name.
func (r *Registry) GetTemplateVersion(ctx context.Context, name string, version int) (*RuleTemplate, error) {
	if err := ValidateName("name", name); err != nil {
		return nil, err
	}
	if version < 1 {
		return nil, invalid("version", "must be a positive integer")
	}
	return r.store.GetTemplateVersion(ctx, name, version)
}

// ListTemplateVersions returns all versions of name, oldest first.
func (r *Registry) ListTemplateVersions(ctx context.Context, name string) ([]*RuleTemplate, error) {
	if err := ValidateName("name", name); err != nil {
		return nil, err
	}
	versions, err := r.store.ListTemplateVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, notFound("rule template", name)
	}
	return versions, nil
}

// ListTemplateNames returns every template name.
func (r *Registry) ListTemplateNames(ctx context.Context) ([]string, error) {
	return r.store.ListTemplateNames(ctx)
}

// CreatePolicy pins a new policy to a template version. RuleTemplateID names
// any stored version of the template; RuleTemplateVersion selects a version
// of the same name, otherwise the latest version is pinned.
func (r *Registry) CreatePolicy(ctx context.Context, in PolicyInput) (*Policy, error) {
	if err := ValidatePolicyInput(in); err != nil {
		return nil, err
	}

	ref, err := r.store.GetTemplate(ctx, in.RuleTemplateID)
	if err != nil {
		return nil, err
	}

	var target *RuleTemplate
	if in.RuleTemplateVersion != nil {
		target, err = r.store.GetTemplateVersion(ctx, ref.Name, *in.RuleTemplateVersion)
	} else {
		target, err = r.store.LatestTemplate(ctx, ref.Name)
	}
	if err != nil {
		return nil, err
	}

	p := &Policy{
		ID:                  uuid.NewString(),
		Name:                in.Name,
		RuleTemplateID:      target.ID,
		RuleTemplateVersion: target.Version,
		Metadata:            normalizeMetadata(in.Metadata),
		Description:         in.Description,
		IsActive:            in.IsActive == nil || *in.IsActive,
		CreatedAt:           r.timestamp(),
	}
	if err := r.store.PutPolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("storing policy %q: %w", in.Name, err)
	}

	r.metrics.PolicyCreated()
	logger.Info("Policy created",
		"id", p.ID, "name", p.Name, "template", target.Name, "version", target.Version)
	return p, nil
}

// GetPolicy returns a policy by ID.
func (r *Registry) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	if err := ValidateID("id", id); err != nil {
		return nil, err
	}
	return r.store.GetPolicy(ctx, id)
}

// ListPolicies returns all policies, oldest first. A non-empty filter is a
// CEL expression over the variable policy; only matching policies are kept.
func (r *Registry) ListPolicies(ctx context.Context, filter string) ([]*Policy, error) {
	var f *PolicyFilter
	if filter != "" {
		var err error
		if f, err = CompileFilter(filter); err != nil {
			return nil, err
		}
	}

	policies, err := r.store.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return policies, nil
	}

	kept := policies[:0]
	for _, p := range policies {
		ok, err := f.Match(ctx, p)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// DeletePolicy removes a policy. Templates are never deleted.
func (r *Registry) DeletePolicy(ctx context.Context, id string) error {
	if err := ValidateID("id", id); err != nil {
		return err
	}
	if err := r.store.DeletePolicy(ctx, id); err != nil {
		return err
	}
	logger.Info("Policy deleted", "id", id)
	return nil
}

// ResolveExecutionTarget loads an active policy, its pinned template and
// the compiled artifact, compiling on a cache miss.
func (r *Registry) ResolveExecutionTarget(ctx context.Context, policyID string) (*ExecutionTarget, error) {
	p, err := r.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, invalid("policy_id", "policy %s is inactive", p.ID)
	}

	t, err := r.store.GetTemplate(ctx, p.RuleTemplateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("policy %s references missing template %s: %w", p.ID, p.RuleTemplateID, err)
		}
		return nil, err
	}

	art, err := r.artifact(ctx, t)
	if err != nil {
		return nil, err
	}
	return &ExecutionTarget{Policy: p, Template: t, Artifact: art}, nil
}

func (r *Registry) artifact(ctx context.Context, t *RuleTemplate) (*compiler.Artifact, error) {
	art, err := r.cache.GetOrCompile(ctx, t.Key(), t.Source)
	if err != nil {
		return nil, fmt.Errorf("compiling template %s: %w", t.Key(), err)
	}
	if !t.HasCompiled() {
		if err := r.store.SetCompiled(ctx, t.ID, art.Code); err != nil {
			logger.Warn("Failed to persist compiled template", "template", t.Key().String(), "error", err)
		} else {
			t.Compiled = art.Code
		}
	}
	return art, nil
}

// WarmUp compiles the templates referenced by existing policies into the
// cache and returns how many were loaded. Templates that fail to compile are
// logged and skipped.
func (r *Registry) WarmUp(ctx context.Context) (int, error) {
	policies, err := r.store.ListPolicies(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing policies: %w", err)
	}

	seen := make(map[string]bool)
	loaded := 0
	for _, p := range policies {
		if seen[p.RuleTemplateID] {
			continue
		}
		seen[p.RuleTemplateID] = true

		t, err := r.store.GetTemplate(ctx, p.RuleTemplateID)
		if err != nil {
			logger.Warn("Skipping warm-up for policy", "policy", p.ID, "error", err)
			continue
		}
		if _, err := r.artifact(ctx, t); err != nil {
			if ctx.Err() != nil {
				return loaded, ctx.Err()
			}
			logger.Warn("Skipping warm-up for template", "template", t.Key().String(), "error", err)
			continue
		}
		loaded++
	}
	logger.Info("Artifact cache warmed", "templates", loaded, "policies", len(policies))
	return loaded, nil
}

// Ping checks the underlying store.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// timestamp truncates to the precision every store can round-trip.
func (r *Registry) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}
