package leaderboard

import (
	"context"
	"errors"
	"time"
)

// ErrRankerUnavailable reports that a ranker cannot currently serve reads.
var ErrRankerUnavailable = errors.New("leaderboard: ranker unavailable")

// Standing is one user's position input: total points and when that total was reached.
type Standing struct {
	UserID    string
	Points    int64
	ReachedAt time.Time
}

// Entry is one leaderboard row.
type Entry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Points      int64  `json:"points"`
	Rank        int    `json:"rank"`
}

// Ranker serves standings ordered by points descending, then earliest ReachedAt, then user id.
type Ranker interface {
	Top(ctx context.Context, limit int) ([]Standing, error)
	// Position returns the user's standing and how many users hold strictly more points.
	Position(ctx context.Context, userID string) (Standing, int64, error)
}

// AssignRanks converts ordered standings into entries with competition ranks: tied
// totals share a rank and the next distinct total skips past them (1, 1, 3).
func AssignRanks(standings []Standing) []Entry {
	entries := make([]Entry, 0, len(standings))
	rank := 0
	for index, standing := range standings {
		if index == 0 || standing.Points != standings[index-1].Points {
			rank = index + 1
		}
		entries = append(entries, Entry{
			UserID: standing.UserID,
			Points: standing.Points,
			Rank:   rank,
		})
	}
	return entries
}

// less orders standings the way every Ranker must.
func less(left, right Standing) bool {
	if left.Points != right.Points {
		return left.Points > right.Points
	}
	if !left.ReachedAt.Equal(right.ReachedAt) {
		return left.ReachedAt.Before(right.ReachedAt)
	}
	return left.UserID < right.UserID
}
