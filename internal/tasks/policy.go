package tasks

import (
	"fmt"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/calendar"
)

// NeedsReset reports whether record cannot serve today. A missing record always needs a reset.
func NeedsReset(record *DailyRecord, today calendar.Day) bool {
	if record == nil {
		return true
	}
	return record.Day != today.String()
}

// CooldownStatus reports whether a completion at now falls inside the window that
// follows lastCompletedAt, and how many whole seconds remain (rounded up).
func CooldownStatus(lastCompletedAt *time.Time, now time.Time) (bool, int) {
	if lastCompletedAt == nil {
		return false, 0
	}
	until := lastCompletedAt.Add(Cooldown)
	if !now.Before(until) {
		return false, 0
	}
	remaining := int(math.Ceil(until.Sub(now).Seconds()))
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

// checkInvariants rejects records whose slot contents disagree with their summary fields.
func checkInvariants(record DailyRecord) error {
	if len(record.Slots) != SlotsPerDay {
		return fmt.Errorf("%w: expected %d slots, found %d", ErrInvariantViolation, SlotsPerDay, len(record.Slots))
	}
	var latest *time.Time
	for index, slot := range record.Slots {
		if slot.SlotNumber != index+1 {
			return fmt.Errorf("%w: slot %d stored at position %d", ErrInvariantViolation, slot.SlotNumber, index+1)
		}
		if slot.Day != record.Day || slot.UserID != record.UserID {
			return fmt.Errorf("%w: slot %d belongs to another record", ErrInvariantViolation, slot.SlotNumber)
		}
		if slot.Completed != (slot.CompletedAt != nil) {
			return fmt.Errorf("%w: slot %d completion timestamp mismatch", ErrInvariantViolation, slot.SlotNumber)
		}
		if slot.CompletedAt != nil && (latest == nil || slot.CompletedAt.After(*latest)) {
			latest = slot.CompletedAt
		}
	}
	if (latest == nil) != (record.LastCompletedAt == nil) {
		return fmt.Errorf("%w: last completion does not match slot contents", ErrInvariantViolation)
	}
	if latest != nil && latest.After(*record.LastCompletedAt) {
		return fmt.Errorf("%w: slot completed after last completion", ErrInvariantViolation)
	}
	return nil
}
