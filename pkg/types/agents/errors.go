package agents

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrParse      = errors.New("malformed agent definition")
	ErrNotFound   = errors.New("agent not found")
	ErrConflict   = errors.New("agent write conflict")
	ErrValidation = errors.New("agent validation failed")
	ErrIO         = errors.New("agent storage failure")
	ErrReadOnly   = errors.New("tier is read-only")
)

// ParseError marks a single definition as malformed. It never aborts a
// discovery pass.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse agent file '%s': %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// NotFoundError is returned for queries about unknown agents.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent '%s' not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports that the on-disk content diverged from the writer's
// base version and the conflict strategy did not let the write through.
type ConflictError struct {
	Name        string
	OperationID string
	Strategy    ConflictStrategy
	BaseHash    string
	CurrentHash string
	Reason      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting write to agent '%s' (operation %s, strategy %s): %s",
		e.Name, e.OperationID, e.Strategy, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ValidationError rejects content before anything touches disk.
type ValidationError struct {
	Name     string
	Score    float64
	MinScore float64
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.MinScore > 0 && e.Score < e.MinScore {
		return fmt.Sprintf("agent '%s' failed validation: score %.1f below minimum %.1f", e.Name, e.Score, e.MinScore)
	}
	return fmt.Sprintf("agent '%s' failed validation: %s", e.Name, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IOError wraps disk and permission failures after retries are exhausted.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s '%s': %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// NewIOError builds an IOError for op on path.
func NewIOError(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Err: err}
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is, or wraps, a ConflictError.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
