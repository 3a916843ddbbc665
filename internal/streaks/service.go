package streaks

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "streaks.service.new"
	opCheckIn    = "streaks.check_in"
	opGet        = "streaks.get"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingClock    = errors.New("clock is required")
	errMissingLedger   = errors.New("points ledger is required")
	errMissingUserID   = errors.New("user identifier is required")
	errVersionConflict = errors.New("streak record version changed")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig wires the streak service dependencies. Locks should be shared with
// the task engine so both per-user write paths serialise on the same scope.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    *calendar.Clock
	Ledger   *points.Ledger
	Locks    *locks.Keyed
	Logger   *zap.Logger
	Timeout  time.Duration
}

// Service records daily check-ins on a weekly grid.
type Service struct {
	db      *gorm.DB
	clock   *calendar.Clock
	ledger  *points.Ledger
	locks   *locks.Keyed
	logger  *zap.Logger
	timeout time.Duration
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, storage.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Clock == nil {
		return nil, storage.NewServiceError(opServiceNew, "missing_clock", errMissingClock)
	}
	if cfg.Ledger == nil {
		return nil, storage.NewServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	keyed := cfg.Locks
	if keyed == nil {
		keyed = locks.NewKeyed()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:      cfg.Database,
		clock:   cfg.Clock,
		ledger:  cfg.Ledger,
		locks:   keyed,
		logger:  logger,
		timeout: cfg.Timeout,
	}, nil
}

// CheckIn credits one check-in for the calendar day containing now. A second call on
// the same day returns the unchanged grid and credits nothing.
func (s *Service) CheckIn(ctx context.Context, userID string, now time.Time) (CheckInResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CheckInResult{}, storage.NewServiceError(opCheckIn, "missing_user_id", errMissingUserID)
	}

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	release, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return CheckInResult{}, s.storeFailure(ctx, opCheckIn, "lock_timeout", err, userID)
	}
	defer release()

	today := s.clock.DayOf(now)
	var result CheckInResult
	var balance points.Balance
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.loadOrCreate(tx, userID, now)
		if err != nil {
			return err
		}
		s.rollWeek(&record, now)

		if record.LastCheckInDay == today.String() {
			result = CheckInResult{Streak: s.view(record, now), Credited: false}
			return nil
		}

		if record.LastCheckInDay != "" && calendar.IsConsecutive(calendar.Day(record.LastCheckInDay), today) {
			record.ConsecutiveDays++
		} else {
			record.ConsecutiveDays = 1
		}
		*record.flag(s.clock.Weekday(now)) = true
		record.LastCheckInDay = today.String()
		record.TotalCheckIns++

		record.UpdatedAt = now.UTC()
		saved := tx.Model(&Record{}).
			Where("user_id = ? AND version = ?", userID, record.Version).
			Updates(record.columns())
		if saved.Error != nil {
			s.logError(opCheckIn, "record_update_failed", saved.Error, zap.String("user_id", userID))
			return storage.Unavailable(opCheckIn, saved.Error)
		}
		if saved.RowsAffected != 1 {
			return errVersionConflict
		}

		credited, err := s.ledger.Credit(tx, points.Credit{
			UserID:    userID,
			Reason:    points.ReasonStreakCheckIn,
			Reference: today.String(),
			At:        now,
		})
		if err != nil {
			if errors.Is(err, points.ErrDuplicateCredit) {
				s.logError(opCheckIn, "duplicate_credit", err,
					zap.String("user_id", userID),
					zap.String("day", today.String()))
			}
			return err
		}
		balance = credited
		result = CheckInResult{Streak: s.view(record, now), Credited: true, Points: credited.Points}
		return nil
	})
	if txErr != nil {
		var serviceErr *storage.ServiceError
		if errors.As(txErr, &serviceErr) {
			return CheckInResult{}, txErr
		}
		if errors.Is(txErr, points.ErrDuplicateCredit) || errors.Is(txErr, errVersionConflict) {
			return CheckInResult{}, storage.NewServiceError(opCheckIn, "conflict", txErr)
		}
		return CheckInResult{}, s.storeFailure(ctx, opCheckIn, "transaction_failed", txErr, userID)
	}
	release()

	if result.Credited {
		s.ledger.Notify(context.WithoutCancel(ctx), balance)
		return result, nil
	}
	current, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return CheckInResult{}, err
	}
	result.Points = current.Points
	return result, nil
}

// Get returns the user's grid as of now without persisting a week rollover.
func (s *Service) Get(ctx context.Context, userID string, now time.Time) (View, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return View{}, storage.NewServiceError(opGet, "missing_user_id", errMissingUserID)
	}

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	var record Record
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = Record{UserID: userID}
	} else if err != nil {
		return View{}, s.storeFailure(ctx, opGet, "query_failed", err, userID)
	}
	s.rollWeek(&record, now)
	return s.view(record, now), nil
}

func (s *Service) loadOrCreate(tx *gorm.DB, userID string, now time.Time) (Record, error) {
	seed := Record{UserID: userID, WeekStart: s.clock.WeekStart(now).String(), UpdatedAt: now.UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		s.logError(opCheckIn, "record_insert_failed", err, zap.String("user_id", userID))
		return Record{}, storage.Unavailable(opCheckIn, err)
	}
	var record Record
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&record).Error; err != nil {
		s.logError(opCheckIn, "record_select_failed", err, zap.String("user_id", userID))
		return Record{}, storage.Unavailable(opCheckIn, err)
	}
	return record, nil
}

// rollWeek clears the grid when now falls in a later week than the stored one.
func (s *Service) rollWeek(record *Record, now time.Time) {
	current := s.clock.WeekStart(now).String()
	if record.WeekStart != current {
		record.clearWeek(current)
	}
}

func (s *Service) view(record Record, now time.Time) View {
	today := s.clock.DayOf(now)
	flags := record.flags()
	days := make(map[string]bool, len(weekdayLabels))
	count := 0
	for index, label := range weekdayLabels {
		days[label] = flags[index]
		if flags[index] {
			count++
		}
	}

	consecutive := record.ConsecutiveDays
	checkedToday := record.LastCheckInDay == today.String()
	if !checkedToday && !calendar.IsConsecutive(calendar.Day(record.LastCheckInDay), today) {
		consecutive = 0
	}
	return View{
		Days:            days,
		WeekStart:       record.WeekStart,
		LastCheckInDay:  record.LastCheckInDay,
		CheckedInToday:  checkedToday,
		WeekCount:       count,
		ConsecutiveDays: consecutive,
		TotalCheckIns:   record.TotalCheckIns,
	}
}

func (s *Service) storeFailure(ctx context.Context, operation, reason string, err error, userID string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	s.logError(operation, reason, err, zap.String("user_id", userID))
	return storage.Unavailable(operation, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("streaks service error", attrs...)
}
