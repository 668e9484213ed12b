package rules

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound is wrapped by every lookup failure.
	ErrNotFound = errors.New("not found")

	// ErrValidation is wrapped by every rejected input.
	ErrValidation = errors.New("validation failed")

	// ErrAlreadyExists reports a conflicting insert, such as a template
	// version that another writer created first.
	ErrAlreadyExists = errors.New("already exists")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func notFound(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

// ValidationError describes why an input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
