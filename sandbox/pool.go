// Package sandbox executes compiled rule templates inside isolated,
// hardened script runtimes drawn from a bounded pool.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/liamcoop/policyhub/compiler"
	"github.com/liamcoop/policyhub/internal/logger"
	"github.com/liamcoop/policyhub/value"
)

// Config controls pool size and execution limits.
type Config struct {
	// Size is the number of runtimes, and so the maximum number of
	// concurrent executions.
	Size int

	// AcquireTimeout is how long Execute waits for a free runtime before
	// failing with ErrPoolExhausted.
	AcquireTimeout time.Duration

	// ExecutionTimeout is the default budget for one execution.
	ExecutionTimeout time.Duration

	// MaxCallStackSize bounds recursion depth inside rule code.
	MaxCallStackSize int

	// InterruptGrace is how long an interrupted script may take to unwind.
	// After that the caller gets a timeout and the runtime is abandoned; its
	// slot is released only once the script returns.
	InterruptGrace time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Size:             8,
		AcquireTimeout:   time.Second,
		ExecutionTimeout: 250 * time.Millisecond,
		MaxCallStackSize: 256,
		InterruptGrace:   100 * time.Millisecond,
	}
}

// Metrics receives pool instrumentation. ScriptStarted and ScriptFinished
// bracket every script, including ones whose caller has already timed out.
type Metrics interface {
	ObservePoolWait(d time.Duration)
	RuntimeDiscarded(reason string)
	ScriptStarted()
	ScriptFinished()
}

type nopMetrics struct{}

func (nopMetrics) ObservePoolWait(time.Duration) {}
func (nopMetrics) RuntimeDiscarded(string)       {}
func (nopMetrics) ScriptStarted()                {}
func (nopMetrics) ScriptFinished()               {}

// Pool hands out hardened runtimes to executions. A slot holding nil is
// filled with a fresh runtime on first use.
type Pool struct {
	cfg     Config
	slots   chan *runner
	metrics Metrics
}

// NewPool creates a pool. A nil metrics sink disables instrumentation.
func NewPool(cfg Config, metrics Metrics) *Pool {
	defaults := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = defaults.Size
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = defaults.ExecutionTimeout
	}
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = defaults.MaxCallStackSize
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = defaults.InterruptGrace
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	p := &Pool{
		cfg:     cfg,
		slots:   make(chan *runner, cfg.Size),
		metrics: metrics,
	}
	for i := 0; i < cfg.Size; i++ {
		p.slots <- nil
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Execute runs art against facts and metadata on a pooled runtime. A zero
// budget uses the configured ExecutionTimeout. The returned error is non-nil
// only when no execution took place: the pool was exhausted, ctx ended while
// waiting, or a runtime could not be created.
func (p *Pool) Execute(ctx context.Context, art *compiler.Artifact, facts, metadata value.Value, budget time.Duration) (*Result, error) {
	if budget <= 0 {
		budget = p.cfg.ExecutionTimeout
	}

	r, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if r == nil {
		if r, err = newRunner(p.cfg.MaxCallStackSize); err != nil {
			p.slots <- nil
			return nil, err
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		p.metrics.ScriptStarted()
		res := r.execute(art, facts, metadata, budget)
		p.metrics.ScriptFinished()
		done <- res
	}()

	select {
	case res := <-done:
		if res.Success {
			p.slots <- r
		} else {
			p.discard("failed")
		}
		return res, nil
	case <-runCtx.Done():
	}

	r.rt.Interrupt(runCtx.Err())
	grace := time.NewTimer(p.cfg.InterruptGrace)
	defer grace.Stop()

	select {
	case res := <-done:
		p.discard("interrupted")
		return res, nil
	case <-grace.C:
		rule := r.currentRule()
		logger.Warn("sandbox runtime abandoned after interrupt",
			"rule", rule,
			"budget", budget.String())
		// The goroutine still owns the runtime, so the slot stays taken
		// until the script actually returns.
		go func() {
			<-done
			p.discard("abandoned")
		}()
		return newResult().fail(&TimeoutError{Rule: rule, Budget: budget, Cause: runCtx.Err()}), nil
	}
}

func (p *Pool) acquire(ctx context.Context) (*runner, error) {
	start := time.Now()
	defer func() { p.metrics.ObservePoolWait(time.Since(start)) }()

	select {
	case r := <-p.slots:
		return r, nil
	default:
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case r := <-p.slots:
		return r, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for sandbox runtime: %w", ctx.Err())
	case <-timer.C:
		return nil, ErrPoolExhausted
	}
}

// discard drops a runtime and returns an empty slot in its place.
func (p *Pool) discard(reason string) {
	p.metrics.RuntimeDiscarded(reason)
	p.slots <- nil
}
