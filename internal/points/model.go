package points

import (
	"errors"
	"fmt"
	"time"
)

// Reason enumerates the only ways a balance may grow.
type Reason string

const (
	// ReasonTaskCompleted credits an accepted daily task completion.
	ReasonTaskCompleted Reason = "task_completed"
	// ReasonStreakCheckIn credits an accepted daily streak check-in.
	ReasonStreakCheckIn Reason = "streak_check_in"
)

const (
	// TaskCompletionAward is the number of points credited per completed task.
	TaskCompletionAward int64 = 20
	// CheckInAward is the number of points credited per daily check-in.
	CheckInAward int64 = 5
)

var (
	// ErrUnknownReason indicates that a credit names a reason the ledger does not award.
	ErrUnknownReason = errors.New("points: unknown credit reason")
	// ErrDuplicateCredit indicates that the (user, reason, reference) triple was already credited.
	ErrDuplicateCredit = errors.New("points: duplicate credit")
	// ErrInvalidCredit indicates that a credit is missing its user or reference.
	ErrInvalidCredit = errors.New("points: invalid credit")
)

// Award returns the fixed amount credited for reason.
func (r Reason) Award() (int64, error) {
	switch r {
	case ReasonTaskCompleted:
		return TaskCompletionAward, nil
	case ReasonStreakCheckIn:
		return CheckInAward, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownReason, string(r))
	}
}

// Balance is the per-user running total. Points never decrease.
type Balance struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Points    int64     `gorm:"column:points;not null;default:0;index:idx_point_balances_rank,priority:1,sort:desc"`
	ReachedAt time.Time `gorm:"column:reached_at;not null;index:idx_point_balances_rank,priority:2"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Balance) TableName() string {
	return "point_balances"
}

// Entry is the append-only audit row behind every balance change.
type Entry struct {
	EntryID   string    `gorm:"column:entry_id;primaryKey;size:64;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_point_entries_source,priority:1"`
	Reason    Reason    `gorm:"column:reason;size:32;not null;uniqueIndex:idx_point_entries_source,priority:2"`
	Reference string    `gorm:"column:reference;size:190;not null;uniqueIndex:idx_point_entries_source,priority:3"`
	Amount    int64     `gorm:"column:amount;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "point_entries"
}

// Credit describes a single award. Reference makes the credit idempotent per reason,
// e.g. "2026-10-16#3" for the third task slot of a day.
type Credit struct {
	UserID    string
	Reason    Reason
	Reference string
	At        time.Time
}
