package tasks

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQuotaExceeded means all daily slots are already complete.
	ErrQuotaExceeded = errors.New("tasks: daily quota exceeded")
	// ErrCooldownActive means the previous completion is less than Cooldown ago.
	ErrCooldownActive = errors.New("tasks: cooldown active")
	// ErrUnknownTask means the task id names no incomplete slot in today's record.
	ErrUnknownTask = errors.New("tasks: unknown task")
	// ErrInvariantViolation means a stored record is internally inconsistent.
	ErrInvariantViolation = errors.New("tasks: invariant violation")
)

// CooldownError carries the wait needed before the next completion is accepted.
type CooldownError struct {
	RemainingSeconds int
	CooldownUntil    time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%v: %ds remaining", ErrCooldownActive, e.RemainingSeconds)
}

// Is matches ErrCooldownActive.
func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldownActive
}

// RejectionError wraps a policy rejection with the status the caller was evaluated against.
type RejectionError struct {
	Err    error
	Status DailyStatusView
}

func (e *RejectionError) Error() string {
	return e.Err.Error()
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// IsRejection reports whether err is an expected policy outcome rather than a failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrCooldownActive) || errors.Is(err, ErrUnknownTask)
}
