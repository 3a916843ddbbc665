package tasks

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew   = "tasks.service.new"
	opCompleteTask = "tasks.complete"
	opDailyStatus  = "tasks.daily_status"
	opPurge        = "tasks.purge"
	maxCASAttempts = 3
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingClock      = errors.New("clock is required")
	errMissingLedger     = errors.New("points ledger is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errVersionConflict   = errors.New("daily record version changed")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig wires the task engine dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      *calendar.Clock
	Ledger     *points.Ledger
	Locks      *locks.Keyed
	IDProvider ids.Provider
	Logger     *zap.Logger
	Timeout    time.Duration
}

// Service owns daily records and accepts task completions.
type Service struct {
	db         *gorm.DB
	clock      *calendar.Clock
	ledger     *points.Ledger
	locks      *locks.Keyed
	idProvider ids.Provider
	logger     *zap.Logger
	timeout    time.Duration
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
	if cfg.IDProvider == nil {
		return nil, storage.NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		db:         cfg.Database,
		clock:      cfg.Clock,
		ledger:     cfg.Ledger,
		locks:      keyed,
		idProvider: cfg.IDProvider,
		logger:     logger,
		timeout:    cfg.Timeout,
	}, nil
}

// CompleteTask accepts one completion for the slot named by taskID. taskID is either
// the slot's stable id or its number "1".."5". Checks run in order: quota, cooldown, task.
func (s *Service) CompleteTask(ctx context.Context, userID, taskID string, now time.Time) (CompletionResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return CompletionResult{}, storage.NewServiceError(opCompleteTask, "missing_user_id", errMissingUserID)
	}
	taskID = strings.TrimSpace(taskID)

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	release, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return CompletionResult{}, s.storeFailure(ctx, opCompleteTask, "lock_timeout", err, userID)
	}
	defer release()

	var result CompletionResult
	var balance points.Balance
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		result, balance, err = s.completeOnce(ctx, userID, taskID, now)
		if !errors.Is(err, errVersionConflict) {
			break
		}
		s.logger.Warn("daily record version conflict",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt))
	}
	if errors.Is(err, errVersionConflict) {
		return CompletionResult{}, storage.Unavailable(opCompleteTask, err)
	}
	if err != nil {
		return CompletionResult{}, err
	}

	release()
	s.ledger.Notify(context.WithoutCancel(ctx), balance)
	return result, nil
}

func (s *Service) completeOnce(ctx context.Context, userID, taskID string, now time.Time) (CompletionResult, points.Balance, error) {
	var result CompletionResult
	var balance points.Balance
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.loadCurrent(tx, opCompleteTask, userID, now)
		if err != nil {
			return err
		}
		nextReset := s.clock.NextMidnight(now)

		if record.CompletedCount() >= SlotsPerDay {
			return &RejectionError{Err: ErrQuotaExceeded, Status: newStatusView(record, now, nextReset)}
		}
		if active, remaining := CooldownStatus(record.LastCompletedAt, now); active {
			return &RejectionError{
				Err: &CooldownError{
					RemainingSeconds: remaining,
					CooldownUntil:    record.LastCompletedAt.Add(Cooldown),
				},
				Status: newStatusView(record, now, nextReset),
			}
		}
		index, ok := resolveSlot(record, taskID)
		if !ok {
			return &RejectionError{Err: ErrUnknownTask, Status: newStatusView(record, now, nextReset)}
		}

		completedAt := now.UTC()
		slot := &record.Slots[index]
		marked := tx.Model(&Slot{}).
			Where("user_id = ? AND day = ? AND slot_number = ? AND completed = ?", userID, record.Day, slot.SlotNumber, false).
			Updates(map[string]any{"completed": true, "completed_at": completedAt})
		if marked.Error != nil {
			s.logError(opCompleteTask, "slot_update_failed", marked.Error, zap.String("user_id", userID))
			return storage.Unavailable(opCompleteTask, marked.Error)
		}
		if marked.RowsAffected != 1 {
			return errVersionConflict
		}

		swapped := tx.Model(&DailyRecord{}).
			Where("user_id = ? AND day = ? AND version = ?", userID, record.Day, record.Version).
			Updates(map[string]any{
				"last_completed_at": completedAt,
				"version":           gorm.Expr("version + 1"),
				"updated_at":        completedAt,
			})
		if swapped.Error != nil {
			s.logError(opCompleteTask, "record_update_failed", swapped.Error, zap.String("user_id", userID))
			return storage.Unavailable(opCompleteTask, swapped.Error)
		}
		if swapped.RowsAffected != 1 {
			return errVersionConflict
		}

		credited, err := s.ledger.Credit(tx, points.Credit{
			UserID:    userID,
			Reason:    points.ReasonTaskCompleted,
			Reference: creditReference(record.Day, slot.SlotNumber),
			At:        completedAt,
		})
		if errors.Is(err, points.ErrDuplicateCredit) {
			s.logError(opCompleteTask, "duplicate_credit", err,
				zap.String("user_id", userID),
				zap.String("day", record.Day),
				zap.Int("slot_number", slot.SlotNumber))
			return storage.NewServiceError(opCompleteTask, "invariant_violation", errors.Join(ErrInvariantViolation, err))
		}
		if err != nil {
			return err
		}

		slot.Completed = true
		slot.CompletedAt = &completedAt
		record.LastCompletedAt = &completedAt
		record.Version++
		balance = credited
		result = CompletionResult{
			Status:        newStatusView(record, now, nextReset),
			Slot:          newSlotView(*slot),
			CooldownUntil: completedAt.Add(Cooldown),
			Points:        credited.Points,
		}
		return nil
	})
	if txErr != nil {
		return CompletionResult{}, points.Balance{}, s.classify(ctx, opCompleteTask, txErr, userID)
	}
	return result, balance, nil
}

// DailyStatus returns today's status for the user, persisting a fresh record when the
// stored one is stale so that slot ids stay stable across reads.
func (s *Service) DailyStatus(ctx context.Context, userID string, now time.Time) (DailyStatusView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return DailyStatusView{}, storage.NewServiceError(opDailyStatus, "missing_user_id", errMissingUserID)
	}

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	release, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return DailyStatusView{}, s.storeFailure(ctx, opDailyStatus, "lock_timeout", err, userID)
	}
	defer release()

	var view DailyStatusView
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.loadCurrent(tx, opDailyStatus, userID, now)
		if err != nil {
			return err
		}
		view = newStatusView(record, now, s.clock.NextMidnight(now))
		return nil
	})
	if txErr != nil {
		return DailyStatusView{}, s.classify(ctx, opDailyStatus, txErr, userID)
	}
	return view, nil
}

// CooldownStatus returns the cooldown projection of the user's daily status.
func (s *Service) CooldownStatus(ctx context.Context, userID string, now time.Time) (CooldownView, error) {
	view, err := s.DailyStatus(ctx, userID, now)
	if err != nil {
		return CooldownView{}, err
	}
	return view.Cooldown(), nil
}

// PurgeBefore deletes superseded records whose day precedes cutoff and reports how many went.
func (s *Service) PurgeBefore(ctx context.Context, cutoff calendar.Day) (int64, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	var removed int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("day < ?", cutoff.String()).Delete(&Slot{}).Error; err != nil {
			return err
		}
		deleted := tx.Where("day < ?", cutoff.String()).Delete(&DailyRecord{})
		if deleted.Error != nil {
			return deleted.Error
		}
		removed = deleted.RowsAffected
		return nil
	})
	if txErr != nil {
		s.logError(opPurge, "delete_failed", txErr, zap.String("cutoff", cutoff.String()))
		return 0, storage.Unavailable(opPurge, txErr)
	}
	return removed, nil
}

// loadCurrent returns today's record with its slots, replacing a stale or missing one.
func (s *Service) loadCurrent(tx *gorm.DB, operation, userID string, now time.Time) (DailyRecord, error) {
	today := s.clock.DayOf(now)

	var latest DailyRecord
	var current *DailyRecord
	err := tx.Where("user_id = ?", userID).Order("day DESC").Take(&latest).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		s.logError(operation, "record_select_failed", err, zap.String("user_id", userID))
		return DailyRecord{}, storage.Unavailable(operation, err)
	default:
		current = &latest
	}

	if NeedsReset(current, today) {
		if err := s.createRecord(tx, operation, userID, today, now); err != nil {
			return DailyRecord{}, err
		}
	}

	var record DailyRecord
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND day = ?", userID, today.String()).
		Take(&record).Error; err != nil {
		s.logError(operation, "record_reload_failed", err, zap.String("user_id", userID))
		return DailyRecord{}, storage.Unavailable(operation, err)
	}
	if err := tx.Where("user_id = ? AND day = ?", userID, record.Day).
		Order("slot_number ASC").
		Find(&record.Slots).Error; err != nil {
		s.logError(operation, "slot_select_failed", err, zap.String("user_id", userID))
		return DailyRecord{}, storage.Unavailable(operation, err)
	}
	if err := checkInvariants(record); err != nil {
		s.logError(operation, "invariant_violation", err,
			zap.String("user_id", userID),
			zap.String("day", record.Day))
		return DailyRecord{}, storage.NewServiceError(operation, "invariant_violation", err)
	}
	return record, nil
}

func (s *Service) createRecord(tx *gorm.DB, operation, userID string, day calendar.Day, now time.Time) error {
	createdAt := now.UTC()
	record := DailyRecord{
		UserID:    userID,
		Day:       day.String(),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if inserted.Error != nil {
		s.logError(operation, "record_insert_failed", inserted.Error, zap.String("user_id", userID))
		return storage.Unavailable(operation, inserted.Error)
	}
	if inserted.RowsAffected == 0 {
		return nil
	}

	slots := make([]Slot, 0, SlotsPerDay)
	for number := 1; number <= SlotsPerDay; number++ {
		slotID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(operation, "id_generation_failed", err, zap.String("user_id", userID))
			return storage.NewServiceError(operation, "id_generation_failed", err)
		}
		slots = append(slots, Slot{UserID: userID, Day: day.String(), SlotNumber: number, SlotID: slotID})
	}
	if err := tx.Create(&slots).Error; err != nil {
		s.logError(operation, "slot_insert_failed", err, zap.String("user_id", userID))
		return storage.Unavailable(operation, err)
	}
	return nil
}

func resolveSlot(record DailyRecord, taskID string) (int, bool) {
	if taskID == "" {
		return 0, false
	}
	for index, slot := range record.Slots {
		if slot.SlotID == taskID {
			return index, !slot.Completed
		}
	}
	number, err := strconv.Atoi(taskID)
	if err != nil || number < 1 || number > len(record.Slots) {
		return 0, false
	}
	index := number - 1
	return index, !record.Slots[index].Completed
}

// classify keeps policy and already-classified errors, and maps context expiry to
// a store failure unless the caller itself gave up.
func (s *Service) classify(ctx context.Context, operation string, err error, userID string) error {
	var rejection *RejectionError
	var serviceErr *storage.ServiceError
	switch {
	case errors.As(err, &rejection):
		return err
	case errors.Is(err, errVersionConflict):
		return err
	case errors.As(err, &serviceErr):
		return err
	case errors.Is(err, points.ErrInvalidCredit), errors.Is(err, points.ErrUnknownReason):
		return storage.NewServiceError(operation, "invalid_credit", err)
	default:
		return s.storeFailure(ctx, operation, "transaction_failed", err, userID)
	}
}

func (s *Service) storeFailure(ctx context.Context, operation, reason string, err error, userID string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	s.logError(operation, reason, err, zap.String("user_id", userID))
	return storage.Unavailable(operation, err)
}

func creditReference(day string, slotNumber int) string {
	return day + "#" + strconv.Itoa(slotNumber)
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
	s.logger.Error("tasks service error", attrs...)
}
