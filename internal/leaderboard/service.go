package leaderboard

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	opServiceNew = "leaderboard.service.new"
	opTop        = "leaderboard.top"
	opStanding   = "leaderboard.standing"

	// DefaultLimit is the page size used when a caller does not ask for one.
	DefaultLimit = 10
	// MaxLimit caps the page size.
	MaxLimit = 100
)

var (
	errMissingRanker    = errors.New("a fallback ranker is required")
	errMissingDirectory = errors.New("display name directory is required")
	errMissingUserID    = errors.New("user identifier is required")
)

// NameDirectory supplies display names for user ids.
type NameDirectory interface {
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// ServiceConfig wires the leaderboard read path. Primary is optional; Fallback is the
// authoritative ranker used whenever Primary is absent or fails.
type ServiceConfig struct {
	Primary      Ranker
	Fallback     Ranker
	Names        NameDirectory
	DefaultLimit int
	MaxLimit     int
	Logger       *zap.Logger
	Timeout      time.Duration
}

// Service serves the polled leaderboard. Identical concurrent polls share one read.
type Service struct {
	primary      Ranker
	fallback     Ranker
	names        NameDirectory
	defaultLimit int
	maxLimit     int
	logger       *zap.Logger
	timeout      time.Duration
	group        singleflight.Group
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Fallback == nil {
		return nil, storage.NewServiceError(opServiceNew, "missing_ranker", errMissingRanker)
	}
	if cfg.Names == nil {
		return nil, storage.NewServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		primary:      cfg.Primary,
		fallback:     cfg.Fallback,
		names:        cfg.Names,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		logger:       logger,
		timeout:      cfg.Timeout,
	}, nil
}

// Limit normalises a requested page size: non-positive means the default, and values
// above the maximum are capped.
func (s *Service) Limit(requested int) int {
	if requested <= 0 {
		return s.defaultLimit
	}
	if requested > s.maxLimit {
		return s.maxLimit
	}
	return requested
}

// Leaderboard returns at most limit entries, sorted by points descending with competition ranks.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Entry, error) {
	limit = s.Limit(limit)
	result, err, _ := s.group.Do("top:"+strconv.Itoa(limit), func() (interface{}, error) {
		sharedCtx, cancel := storage.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.load(sharedCtx, limit)
	})
	if err != nil {
		return nil, err
	}
	shared := result.([]Entry)
	entries := make([]Entry, len(shared))
	copy(entries, shared)
	return entries, nil
}

func (s *Service) load(ctx context.Context, limit int) ([]Entry, error) {
	var standings []Standing
	var err error
	if s.primary != nil {
		standings, err = s.primary.Top(ctx, limit)
		if err != nil {
			s.logger.Debug("primary ranker unavailable, falling back", zap.String("operation", opTop), zap.Error(err))
		}
	}
	if s.primary == nil || err != nil {
		standings, err = s.fallback.Top(ctx, limit)
		if err != nil {
			s.logger.Error("leaderboard read failed", zap.String("operation", opTop), zap.Error(err))
			return nil, storage.Unavailable(opTop, err)
		}
	}

	entries := AssignRanks(standings)
	if err := s.attachNames(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Standing returns the user's own leaderboard row. Rank is one more than the number of
// users with strictly more points, consistent with the shared ranks of Leaderboard.
func (s *Service) Standing(ctx context.Context, userID string) (Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Entry{}, storage.NewServiceError(opStanding, "missing_user_id", errMissingUserID)
	}
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	var standing Standing
	var ahead int64
	var err error
	if s.primary != nil {
		standing, ahead, err = s.primary.Position(ctx, userID)
		if err != nil {
			s.logger.Debug("primary ranker unavailable, falling back", zap.String("operation", opStanding), zap.Error(err))
		}
	}
	if s.primary == nil || err != nil {
		standing, ahead, err = s.fallback.Position(ctx, userID)
		if err != nil {
			s.logger.Error("leaderboard standing failed", zap.String("operation", opStanding), zap.String("user_id", userID), zap.Error(err))
			return Entry{}, storage.Unavailable(opStanding, err)
		}
	}

	entries := []Entry{{UserID: userID, Points: standing.Points, Rank: int(ahead) + 1}}
	if err := s.attachNames(ctx, entries); err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

func (s *Service) attachNames(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	userIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		userIDs = append(userIDs, entry.UserID)
	}
	names, err := s.names.DisplayNames(ctx, userIDs)
	if err != nil {
		return err
	}
	for index := range entries {
		entries[index].DisplayName = names[entries[index].UserID]
	}
	return nil
}
