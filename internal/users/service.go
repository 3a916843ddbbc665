package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew    = "users.service.new"
	opResolve       = "users.resolve"
	opDisplayNames  = "users.display_names"
	defaultProvider = "default"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

var errMissingDatabase = errors.New("database handle is required")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Timeout  time.Duration
}

// Service resolves canonical user ids from session claims and serves display names.
type Service struct {
	db      *gorm.DB
	now     func() time.Time
	logger  *zap.Logger
	timeout time.Duration
	cache   sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, storage.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:      cfg.Database,
		now:     clock,
		logger:  logger,
		timeout: cfg.Timeout,
	}, nil
}

type cachedIdentity struct {
	userID      string
	displayName string
}

// ResolveCanonicalUserID returns the canonical user id for the session claims, recording
// the identity on first sight and refreshing its display name when the claims change it.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	displayName := sanitizeDisplayName(claims.UserDisplayName)

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if entry, ok := cached.(cachedIdentity); ok && (displayName == "" || displayName == entry.displayName) {
			return entry.userID, nil
		}
	}

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	var identity Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).Take(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: displayName,
			LastSeenAt:  s.now().UTC(),
		}
		inserted := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&identity)
		if inserted.Error != nil {
			s.logger.Error("identity insert failed", zap.String("operation", opResolve), zap.String("subject", subject), zap.Error(inserted.Error))
			return "", storage.Unavailable(opResolve, inserted.Error)
		}
		if inserted.RowsAffected == 0 {
			// A concurrent first request recorded the identity; use the stored row.
			if err := db.Where("provider = ? AND subject = ?", provider, subject).Take(&identity).Error; err != nil {
				s.logger.Error("identity reload failed", zap.String("operation", opResolve), zap.String("subject", subject), zap.Error(err))
				return "", storage.Unavailable(opResolve, err)
			}
		}
	case err != nil:
		s.logger.Error("identity lookup failed", zap.String("operation", opResolve), zap.String("subject", subject), zap.Error(err))
		return "", storage.Unavailable(opResolve, err)
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if displayName != "" && displayName != identity.DisplayName {
			updates["user_display_name"] = displayName
			identity.DisplayName = displayName
		}
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).Error; err != nil {
			s.logger.Warn("identity refresh failed", zap.String("operation", opResolve), zap.String("subject", subject), zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, cachedIdentity{userID: identity.UserID, displayName: identity.DisplayName})
	return identity.UserID, nil
}

// DisplayNames returns a public label for every requested user id.
func (s *Service) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	var identities []Identity
	if err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Order("last_seen_at ASC").
		Find(&identities).Error; err != nil {
		s.logger.Error("display name lookup failed", zap.String("operation", opDisplayNames), zap.Error(err))
		return nil, storage.Unavailable(opDisplayNames, err)
	}
	for _, identity := range identities {
		if name := sanitizeDisplayName(identity.DisplayName); name != "" {
			names[identity.UserID] = name
		}
	}
	for _, userID := range userIDs {
		if _, ok := names[userID]; !ok {
			names[userID] = fallbackDisplayName(userID)
		}
	}
	return names, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}
	return provider, subject
}
