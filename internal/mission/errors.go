package mission

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)

// InvalidStateError reports an illegal mission or step transition.
type InvalidStateError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: invalid transition %q → %q", e.Entity, e.From, e.To)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// ConditionEvaluationError wraps a failing condition predicate.
type ConditionEvaluationError struct {
	Condition string
	Err       error
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("evaluate condition %s: %v", e.Condition, e.Err)
}

func (e *ConditionEvaluationError) Unwrap() error { return e.Err }

// TimeoutError is returned when a step attempt exceeds its deadline.
// It is transient and therefore eligible for retry.
type TimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.Step, e.Timeout)
}

func (e *TimeoutError) Transient() bool { return true }

type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Transient marks err as a network/timeout style failure worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent marks err as a validation/logic failure. Permanent errors are
// never retried, even when the step has RetryOnFail set.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain is permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// IsTransient reports whether any error in err's chain is transient.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// Retryable reports whether a failed attempt may be retried. Unclassified
// errors are retryable; only permanent errors are not.
func Retryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
