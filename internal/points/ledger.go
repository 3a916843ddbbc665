package points

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLedgerNew = "points.ledger.new"
	opCredit    = "points.credit"
	opBalance   = "points.balance"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

// Observer is notified after a credit has been committed.
type Observer interface {
	BalanceChanged(ctx context.Context, balance Balance)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, balance Balance)

// BalanceChanged calls f.
func (f ObserverFunc) BalanceChanged(ctx context.Context, balance Balance) {
	f(ctx, balance)
}

// LedgerConfig wires the ledger dependencies.
type LedgerConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Logger     *zap.Logger
	Timeout    time.Duration
}

// Ledger owns point balances and their audit entries.
type Ledger struct {
	db         *gorm.DB
	idProvider ids.Provider
	logger     *zap.Logger
	timeout    time.Duration

	observersMu sync.RWMutex
	observers   []Observer
}

// NewLedger validates the configuration and builds a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, storage.NewServiceError(opLedgerNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, storage.NewServiceError(opLedgerNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		logger:     logger,
		timeout:    cfg.Timeout,
	}, nil
}

// Subscribe registers an observer for committed balance changes.
func (l *Ledger) Subscribe(observer Observer) {
	if observer == nil {
		return
	}
	l.observersMu.Lock()
	defer l.observersMu.Unlock()
	l.observers = append(l.observers, observer)
}

// Notify fans a committed balance out to observers. Call it only after the
// transaction that produced the balance has committed.
func (l *Ledger) Notify(ctx context.Context, balance Balance) {
	l.observersMu.RLock()
	observers := append([]Observer(nil), l.observers...)
	l.observersMu.RUnlock()
	for _, observer := range observers {
		observer.BalanceChanged(ctx, balance)
	}
}

// Credit records an award inside the caller's transaction and returns the new balance.
// The amount is fixed by the reason; a repeated (user, reason, reference) yields ErrDuplicateCredit.
func (l *Ledger) Credit(tx *gorm.DB, credit Credit) (Balance, error) {
	userID := strings.TrimSpace(credit.UserID)
	reference := strings.TrimSpace(credit.Reference)
	if userID == "" || reference == "" {
		return Balance{}, ErrInvalidCredit
	}
	amount, err := credit.Reason.Award()
	if err != nil {
		return Balance{}, err
	}
	at := credit.At.UTC()

	entryID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opCredit, "id_generation_failed", err, zap.String("user_id", userID))
		return Balance{}, storage.NewServiceError(opCredit, "id_generation_failed", err)
	}
	entry := Entry{
		EntryID:   entryID,
		UserID:    userID,
		Reason:    credit.Reason,
		Reference: reference,
		Amount:    amount,
		CreatedAt: at,
	}
	inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if inserted.Error != nil {
		l.logError(opCredit, "entry_insert_failed", inserted.Error, zap.String("user_id", userID))
		return Balance{}, storage.Unavailable(opCredit, inserted.Error)
	}
	if inserted.RowsAffected == 0 {
		return Balance{}, ErrDuplicateCredit
	}

	seed := Balance{UserID: userID, Points: 0, ReachedAt: at, UpdatedAt: at}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		l.logError(opCredit, "balance_seed_failed", err, zap.String("user_id", userID))
		return Balance{}, storage.Unavailable(opCredit, err)
	}
	if err := tx.Model(&Balance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"points":     gorm.Expr("points + ?", amount),
			"reached_at": at,
			"updated_at": at,
		}).Error; err != nil {
		l.logError(opCredit, "balance_update_failed", err, zap.String("user_id", userID))
		return Balance{}, storage.Unavailable(opCredit, err)
	}

	var balance Balance
	if err := tx.Where("user_id = ?", userID).Take(&balance).Error; err != nil {
		l.logError(opCredit, "balance_select_failed", err, zap.String("user_id", userID))
		return Balance{}, storage.Unavailable(opCredit, err)
	}
	return balance, nil
}

// Balance returns the user's current balance. Users with no credits have zero points.
func (l *Ledger) Balance(ctx context.Context, userID string) (Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Balance{}, storage.NewServiceError(opBalance, "missing_user_id", errMissingUserID)
	}
	ctx, cancel := storage.WithTimeout(ctx, l.timeout)
	defer cancel()

	var balance Balance
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{UserID: userID}, nil
	}
	if err != nil {
		l.logError(opBalance, "query_failed", err, zap.String("user_id", userID))
		return Balance{}, storage.Unavailable(opBalance, err)
	}
	return balance, nil
}

// Entries lists the user's credits, newest first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, storage.NewServiceError(opBalance, "missing_user_id", errMissingUserID)
	}
	ctx, cancel := storage.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Order("entry_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		l.logError(opBalance, "entries_query_failed", err, zap.String("user_id", userID))
		return nil, storage.Unavailable(opBalance, err)
	}
	return entries, nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("points ledger error", attrs...)
}
