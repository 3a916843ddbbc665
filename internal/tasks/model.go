package tasks

import (
	"time"
)

const (
	// SlotsPerDay is the fixed daily quota of task slots.
	SlotsPerDay = 5
	// Cooldown is the minimum spacing between two accepted completions.
	Cooldown = 5 * time.Minute
)

// DailyRecord is one user's task state for one calendar day. Day never changes
// after creation; a new day gets a new record.
type DailyRecord struct {
	UserID          string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Day             string     `gorm:"column:day;primaryKey;size:10;not null;index:idx_daily_records_day"`
	LastCompletedAt *time.Time `gorm:"column:last_completed_at"`
	Version         int64      `gorm:"column:version;not null;default:0"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;not null"`

	Slots []Slot `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (DailyRecord) TableName() string {
	return "daily_records"
}

// CompletedCount derives the number of completed slots.
func (r DailyRecord) CompletedCount() int {
	count := 0
	for _, slot := range r.Slots {
		if slot.Completed {
			count++
		}
	}
	return count
}

// Slot is one numbered task position inside a DailyRecord. SlotID is a stable
// external handle; SlotNumber is the key.
type Slot struct {
	UserID      string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Day         string     `gorm:"column:day;primaryKey;size:10;not null"`
	SlotNumber  int        `gorm:"column:slot_number;primaryKey;autoIncrement:false;not null"`
	SlotID      string     `gorm:"column:slot_id;size:64;not null;uniqueIndex:idx_daily_slots_slot_id"`
	Completed   bool       `gorm:"column:completed;not null;default:false"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

// TableName provides the explicit table binding for GORM.
func (Slot) TableName() string {
	return "daily_slots"
}

// SlotView is the client-facing projection of a slot.
type SlotView struct {
	SlotNumber  int        `json:"slotNumber"`
	TaskID      string     `json:"taskId"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// DailyStatusView is the snapshot returned by reads and attached to every rejection.
type DailyStatusView struct {
	Day              string     `json:"day"`
	Slots            []SlotView `json:"slots"`
	CompletedCount   int        `json:"completedCount"`
	RemainingTasks   int        `json:"remainingTasks"`
	LastCompletedAt  *time.Time `json:"lastCompletedAt,omitempty"`
	CooldownActive   bool       `json:"cooldownActive"`
	RemainingSeconds int        `json:"remainingSeconds"`
	CooldownUntil    *time.Time `json:"cooldownUntil,omitempty"`
	NextResetAt      time.Time  `json:"nextResetAt"`
}

// CooldownView is the cooldown-only projection of a DailyStatusView.
type CooldownView struct {
	CooldownActive   bool       `json:"isCooldownActive"`
	RemainingSeconds int        `json:"remainingSeconds"`
	LastCompletedAt  *time.Time `json:"lastCompletedAt,omitempty"`
	CompletedCount   int        `json:"completedCount"`
}

// CompletionResult describes an accepted completion.
type CompletionResult struct {
	Status        DailyStatusView
	Slot          SlotView
	CooldownUntil time.Time
	Points        int64
}

func newStatusView(record DailyRecord, now time.Time, nextResetAt time.Time) DailyStatusView {
	slots := make([]SlotView, 0, len(record.Slots))
	for _, slot := range record.Slots {
		slots = append(slots, newSlotView(slot))
	}
	completed := record.CompletedCount()
	active, remaining := CooldownStatus(record.LastCompletedAt, now)
	view := DailyStatusView{
		Day:              record.Day,
		Slots:            slots,
		CompletedCount:   completed,
		RemainingTasks:   SlotsPerDay - completed,
		LastCompletedAt:  record.LastCompletedAt,
		CooldownActive:   active,
		RemainingSeconds: remaining,
		NextResetAt:      nextResetAt,
	}
	if active {
		until := record.LastCompletedAt.Add(Cooldown)
		view.CooldownUntil = &until
	}
	return view
}

func newSlotView(slot Slot) SlotView {
	return SlotView{
		SlotNumber:  slot.SlotNumber,
		TaskID:      slot.SlotID,
		Completed:   slot.Completed,
		CompletedAt: slot.CompletedAt,
	}
}

// Cooldown projects the status onto its cooldown fields.
func (v DailyStatusView) Cooldown() CooldownView {
	return CooldownView{
		CooldownActive:   v.CooldownActive,
		RemainingSeconds: v.RemainingSeconds,
		LastCompletedAt:  v.LastCompletedAt,
		CompletedCount:   v.CompletedCount,
	}
}
