package pipeline

import (
	"errors"
	"fmt"
)

// errSkipStage signals that a stage's effect is already persisted for this
// batch and re-applying it would duplicate work.
var errSkipStage = errors.New("stage already applied")

// CountMismatchError means the persisted raw count for a batch does not
// match the count the reader produced. Structural: downstream stages must
// not run and no retry can fix it.
type CountMismatchError struct {
	BatchID  string
	Expected int
	Actual   int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("raw count mismatch for batch %s: expected %d, got %d", e.BatchID, e.Expected, e.Actual)
}

func (e *CountMismatchError) IsTransient() bool {
	return false
}

// transientCapable is implemented by errors that classify themselves for
// the retry policy.
type transientCapable interface {
	IsTransient() bool
}

// isTransient reports whether an error is safe to retry. Errors that do not
// classify themselves are treated as fatal.
func isTransient(err error) bool {
	var t transientCapable
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return false
}

// transientError marks an otherwise untyped error as retryable, used for
// connectivity failures on guard queries.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

func (e *transientError) IsTransient() bool {
	return true
}

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}
