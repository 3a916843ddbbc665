package streaks

import (
	"time"

	"gorm.io/gorm"
)

// Weekday labels in grid order, Monday first.
var weekdayLabels = [7]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// Record is a user's weekly check-in grid. WeekStart is the Monday that opens the
// week the flags belong to; LastCheckInDay separates this week's Monday from a previous one.
type Record struct {
	UserID          string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Monday          bool      `gorm:"column:mon;not null;default:false"`
	Tuesday         bool      `gorm:"column:tue;not null;default:false"`
	Wednesday       bool      `gorm:"column:wed;not null;default:false"`
	Thursday        bool      `gorm:"column:thu;not null;default:false"`
	Friday          bool      `gorm:"column:fri;not null;default:false"`
	Saturday        bool      `gorm:"column:sat;not null;default:false"`
	Sunday          bool      `gorm:"column:sun;not null;default:false"`
	WeekStart       string    `gorm:"column:week_start;size:10;not null;default:''"`
	LastCheckInDay  string    `gorm:"column:last_check_in_day;size:10;not null;default:''"`
	ConsecutiveDays int       `gorm:"column:consecutive_days;not null;default:0"`
	TotalCheckIns   int64     `gorm:"column:total_check_ins;not null;default:0"`
	Version         int64     `gorm:"column:version;not null;default:0"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "streak_records"
}

func (r *Record) flag(day time.Weekday) *bool {
	switch day {
	case time.Monday:
		return &r.Monday
	case time.Tuesday:
		return &r.Tuesday
	case time.Wednesday:
		return &r.Wednesday
	case time.Thursday:
		return &r.Thursday
	case time.Friday:
		return &r.Friday
	case time.Saturday:
		return &r.Saturday
	default:
		return &r.Sunday
	}
}

func (r *Record) flags() [7]bool {
	return [7]bool{r.Monday, r.Tuesday, r.Wednesday, r.Thursday, r.Friday, r.Saturday, r.Sunday}
}

func (r *Record) clearWeek(weekStart string) {
	r.Monday, r.Tuesday, r.Wednesday, r.Thursday = false, false, false, false
	r.Friday, r.Saturday, r.Sunday = false, false, false
	r.WeekStart = weekStart
}

// columns lists the mutable fields for a version-guarded update.
func (r *Record) columns() map[string]any {
	return map[string]any{
		"mon":               r.Monday,
		"tue":               r.Tuesday,
		"wed":               r.Wednesday,
		"thu":               r.Thursday,
		"fri":               r.Friday,
		"sat":               r.Saturday,
		"sun":               r.Sunday,
		"week_start":        r.WeekStart,
		"last_check_in_day": r.LastCheckInDay,
		"consecutive_days":  r.ConsecutiveDays,
		"total_check_ins":   r.TotalCheckIns,
		"version":           gorm.Expr("version + 1"),
		"updated_at":        r.UpdatedAt,
	}
}

// View is the client-facing streak state.
type View struct {
	Days            map[string]bool `json:"days"`
	WeekStart       string          `json:"weekStart"`
	LastCheckInDay  string          `json:"lastCheckInDay,omitempty"`
	CheckedInToday  bool            `json:"checkedInToday"`
	WeekCount       int             `json:"weekCount"`
	ConsecutiveDays int             `json:"consecutiveDays"`
	TotalCheckIns   int64           `json:"totalCheckIns"`
}

// CheckInResult reports the state after a check-in and whether points were credited.
type CheckInResult struct {
	Streak   View  `json:"streak"`
	Credited bool  `json:"credited"`
	Points   int64 `json:"points"`
}
