package leaderboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"gorm.io/gorm"
)

// SQLRanker reads standings straight from the point balances table.
type SQLRanker struct {
	db *gorm.DB
}

// NewSQLRanker constructs a ranker over db.
func NewSQLRanker(db *gorm.DB) *SQLRanker {
	return &SQLRanker{db: db}
}

// Top returns the first limit standings. The rank index on point_balances serves the ordering.
func (r *SQLRanker) Top(ctx context.Context, limit int) ([]Standing, error) {
	var balances []points.Balance
	if err := r.db.WithContext(ctx).
		Order("points DESC").
		Order("reached_at ASC").
		Order("user_id ASC").
		Limit(limit).
		Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("leaderboard: top query: %w", err)
	}
	standings := make([]Standing, 0, len(balances))
	for _, balance := range balances {
		standings = append(standings, standingOf(balance))
	}
	return standings, nil
}

// Position returns the user's standing and the number of users strictly ahead on points.
// Users without a balance stand at zero points.
func (r *SQLRanker) Position(ctx context.Context, userID string) (Standing, int64, error) {
	db := r.db.WithContext(ctx)
	var balance points.Balance
	err := db.Where("user_id = ?", userID).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = points.Balance{UserID: userID}
	} else if err != nil {
		return Standing{}, 0, fmt.Errorf("leaderboard: balance query: %w", err)
	}
	var ahead int64
	if err := db.Model(&points.Balance{}).Where("points > ?", balance.Points).Count(&ahead).Error; err != nil {
		return Standing{}, 0, fmt.Errorf("leaderboard: count query: %w", err)
	}
	return standingOf(balance), ahead, nil
}

// Each streams every balance to fn, batchSize rows at a time.
func (r *SQLRanker) Each(ctx context.Context, batchSize int, fn func([]Standing) error) error {
	var batch []points.Balance
	result := r.db.WithContext(ctx).
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			standings := make([]Standing, 0, len(batch))
			for _, balance := range batch {
				standings = append(standings, standingOf(balance))
			}
			return fn(standings)
		})
	if result.Error != nil {
		return fmt.Errorf("leaderboard: scan balances: %w", result.Error)
	}
	return nil
}

func standingOf(balance points.Balance) Standing {
	return Standing{UserID: balance.UserID, Points: balance.Points, ReachedAt: balance.ReachedAt}
}
