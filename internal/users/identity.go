package users

import (
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxDisplayNameRunes = 64
	maxSanitizePasses   = 5
	fallbackSuffixRunes = 8
)

var displayNamePolicy = bluemonday.StrictPolicy()

// Identity maps a provider login onto the canonical user id used by tasks, streaks and points.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// sanitizeDisplayName strips markup from a provider-supplied name before it is stored
// or shown to other users on the leaderboard. Decoding entities and sanitizing repeat until
// the text is stable, so encoded markup cannot come back as live tags.
func sanitizeDisplayName(value string) string {
	cleaned := value
	stable := false
	for pass := 0; pass < maxSanitizePasses; pass++ {
		next := html.UnescapeString(displayNamePolicy.Sanitize(cleaned))
		if next == cleaned {
			stable = true
			break
		}
		cleaned = next
	}
	if !stable {
		cleaned = displayNamePolicy.Sanitize(cleaned)
	}
	cleaned = normalize(cleaned)
	if utf8.RuneCountInString(cleaned) > maxDisplayNameRunes {
		cleaned = strings.TrimSpace(string([]rune(cleaned)[:maxDisplayNameRunes]))
	}
	return cleaned
}

// fallbackDisplayName derives a public label when the identity carries no display name.
// Email addresses are never exposed on the leaderboard.
func fallbackDisplayName(userID string) string {
	runes := []rune(userID)
	if len(runes) <= fallbackSuffixRunes {
		return "player-" + userID
	}
	return "player-" + string(runes[len(runes)-fallbackSuffixRunes:])
}
