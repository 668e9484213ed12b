package compiler

import "fmt"

// CompileError reports why a rule source was rejected. Line and Column are
// 1-based positions in the submitted source.
type CompileError struct {
	Line   int
	Column int
	Reason string
}

func (e *CompileError) Error() string {
	if e.Line == 0 {
		return e.Reason
	}
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Reason)
}

func errorAt(line, column int, format string, args ...any) *CompileError {
	return &CompileError{Line: line, Column: column, Reason: fmt.Sprintf(format, args...)}
}
