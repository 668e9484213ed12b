package sandbox

import (
	"errors"
	"time"

	"github.com/liamcoop/policyhub/value"
)

// Result is the outcome of one execution. Failures inside rule code are
// reported here with Success false; they are never returned as Go errors.
type Result struct {
	Success       bool
	ConditionMet  bool
	OutputFacts   value.Value
	MatchedRule   string
	ExecutionTime time.Duration
	ExecutedAt    time.Time
	Err           error
}

// ErrorMessage returns the failure text, or "" for a successful execution.
func (r *Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// TimedOut reports whether the execution was interrupted.
func (r *Result) TimedOut() bool {
	var te *TimeoutError
	return errors.As(r.Err, &te)
}

func newResult() *Result {
	return &Result{
		OutputFacts: value.EmptyObject(),
		ExecutedAt:  time.Now().UTC(),
	}
}

func (r *Result) fail(err error) *Result {
	r.Success = false
	r.ConditionMet = false
	r.OutputFacts = value.EmptyObject()
	r.MatchedRule = ""
	r.Err = err
	return r
}
