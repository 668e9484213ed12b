package rules

import (
	"context"
	"errors"
	"time"

	"github.com/liamcoop/policyhub/internal/logger"
	"github.com/liamcoop/policyhub/sandbox"
	"github.com/liamcoop/policyhub/value"
)

// Engine executes policies: it resolves the pinned template version through
// the Registry and runs the compiled artifact on a sandbox Pool.
// Safe for concurrent use.
type Engine struct {
	registry *Registry
	pool     *sandbox.Pool
	metrics  Metrics
}

// NewEngine creates an engine. A nil metrics sink disables instrumentation.
func NewEngine(registry *Registry, pool *sandbox.Pool, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Engine{registry: registry, pool: pool, metrics: metrics}
}

// Registry returns the registry the engine resolves policies with.
func (en *Engine) Registry() *Registry {
	return en.registry
}

// Execute runs the policy's rules against facts. Failures inside rule code
// come back in the Result with Success false. A non-nil error means nothing
// was executed: the policy or template could not be resolved, facts were
// invalid, or no sandbox became available.
func (en *Engine) Execute(ctx context.Context, policyID string, facts value.Value) (*sandbox.Result, error) {
	start := time.Now()

	if facts.IsNull() {
		facts = value.EmptyObject()
	}
	if !facts.IsMap() {
		en.metrics.ObserveExecution(OutcomeRejected, time.Since(start))
		return nil, invalid("facts", "must be an object, got %s", facts.Kind())
	}

	target, err := en.registry.ResolveExecutionTarget(ctx, policyID)
	if err != nil {
		en.metrics.ObserveExecution(OutcomeRejected, time.Since(start))
		return nil, err
	}

	res, err := en.pool.Execute(ctx, target.Artifact, facts, target.Policy.Metadata, 0)
	if err != nil {
		en.metrics.ObserveExecution(OutcomeRejected, time.Since(start))
		if errors.Is(err, sandbox.ErrPoolExhausted) {
			logger.Warn("Sandbox pool exhausted", "policy", policyID)
		}
		return nil, err
	}

	outcome := OutcomeNoMatch
	switch {
	case res.TimedOut():
		outcome = OutcomeTimeout
	case !res.Success:
		outcome = OutcomeError
	case res.ConditionMet:
		outcome = OutcomeMatched
	}
	en.metrics.ObserveExecution(outcome, res.ExecutionTime)

	if !res.Success {
		logger.WarnRuleFailure("Policy execution failed",
			"policy", policyID,
			"template", target.Template.Key().String(),
			"error", res.ErrorMessage())
	} else {
		logger.Debug("Policy executed",
			"policy", policyID,
			"template", target.Template.Key().String(),
			"condition_met", res.ConditionMet,
			"matched_rule", res.MatchedRule,
			"duration", res.ExecutionTime)
	}
	if logger.TraceEnabled() {
		logger.Trace("Policy execution detail",
			"policy", policyID,
			"facts", facts.String(),
			"metadata", target.Policy.Metadata.String(),
			"output", res.OutputFacts.String())
	}
	return res, nil
}
