package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationReconcilePointBalances = "2026-10-01_reconcile_point_balances"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationReconcilePointBalances, apply: reconcilePointBalances},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type ledgerTotal struct {
	UserID string
	Total  int64
}

// reconcilePointBalances raises every balance to the sum of its ledger entries.
// Balances already at or above the ledger total are left untouched.
func reconcilePointBalances(tx *gorm.DB) error {
	var totals []ledgerTotal
	if err := tx.Model(&points.Entry{}).
		Select("user_id, SUM(amount) AS total").
		Group("user_id").
		Scan(&totals).Error; err != nil {
		return err
	}

	for _, total := range totals {
		var latest points.Entry
		if err := tx.Where("user_id = ?", total.UserID).
			Order("created_at DESC").
			Limit(1).
			Take(&latest).Error; err != nil {
			return err
		}
		seed := points.Balance{UserID: total.UserID, ReachedAt: latest.CreatedAt, UpdatedAt: latest.CreatedAt}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		if err := tx.Model(&points.Balance{}).
			Where("user_id = ? AND points < ?", total.UserID, total.Total).
			Updates(map[string]any{
				"points":     total.Total,
				"reached_at": latest.CreatedAt,
				"updated_at": time.Now().UTC(),
			}).Error; err != nil {
			return err
		}
	}
	return nil
}
