package rules

import "time"

// Metrics receives engine, registry and cache instrumentation.
type Metrics interface {
	CacheHit()
	CacheMiss()
	ObserveCompile(result string, d time.Duration)
	ObserveExecution(outcome string, d time.Duration)
	TemplateCreated()
	PolicyCreated()
}

// Execution outcomes reported to Metrics.
const (
	OutcomeMatched  = "matched"
	OutcomeNoMatch  = "no_match"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
	compileOK       = "ok"
	compileFailed   = "failed"
)

type nopMetrics struct{}

func (nopMetrics) CacheHit()                              {}
func (nopMetrics) CacheMiss()                             {}
func (nopMetrics) ObserveCompile(string, time.Duration)   {}
func (nopMetrics) ObserveExecution(string, time.Duration) {}
func (nopMetrics) TemplateCreated()                       {}
func (nopMetrics) PolicyCreated()                         {}
