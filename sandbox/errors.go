package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPoolExhausted is returned when no context became free within the
// acquire timeout.
var ErrPoolExhausted = errors.New("sandbox pool exhausted")

// Phases of an execution, used in error messages.
const (
	PhaseLoad        = "load"
	PhasePredicate   = "predicate"
	PhaseConsequence = "consequence"
	PhaseOutput      = "output"
)

// RuntimeError is an exception or fault raised by rule code.
type RuntimeError struct {
	Rule    string
	Phase   string
	Message string
}

func (e *RuntimeError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("%s failed: %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("rule %q %s failed: %s", e.Rule, e.Phase, e.Message)
}

// TimeoutError reports an execution interrupted by its deadline or by
// cancellation of the caller's context.
type TimeoutError struct {
	Rule   string
	Budget time.Duration
	Cause  error
}

func (e *TimeoutError) Error() string {
	where := ""
	if e.Rule != "" {
		where = fmt.Sprintf(" in rule %q", e.Rule)
	}
	if errors.Is(e.Cause, context.Canceled) {
		return "execution canceled" + where
	}
	return fmt.Sprintf("execution exceeded %s budget%s", e.Budget, where)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
