package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "rewardpage:leaderboard"
	rebuildBatchSize = 500
	memberSeparator  = ":"
)

// recordScript replaces a user's sorted-set member only when the new total is higher,
// so a late or replayed update can never move a user backwards.
// KEYS[1] scores zset, KEYS[2] user->member hash; ARGV[1] user id, ARGV[2] member, ARGV[3] score.
var recordScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[2], ARGV[1])
if current then
  local score = redis.call('ZSCORE', KEYS[1], current)
  if score and tonumber(score) <= tonumber(ARGV[3]) then
    return 0
  end
  redis.call('ZREM', KEYS[1], current)
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var errRebuildRaced = errors.New("leaderboard: cache update failed during rebuild")

// StandingSource streams the authoritative standings a rebuild loads from.
type StandingSource interface {
	Each(ctx context.Context, batchSize int, fn func([]Standing) error) error
}

// RedisRankerConfig wires the Redis read model.
type RedisRankerConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Logger    *zap.Logger
	Timeout   time.Duration
}

// RedisRanker keeps standings in a sorted set. The score is the negated point total and
// the member is "<zero-padded reachedAt nanos>:<user id>", so ascending ZRANGE order is
// points descending, then earliest reachedAt, then user id.
type RedisRanker struct {
	client     redis.UniversalClient
	scoresKey  string
	membersKey string
	logger     *zap.Logger
	timeout    time.Duration
	stale      atomic.Bool
	// failures counts cache writes that did not land; a rebuild only clears stale when
	// no failure happened while it ran.
	failures   atomic.Uint64
}

// NewRedisRanker constructs a RedisRanker. It starts stale until Rebuild succeeds.
func NewRedisRanker(cfg RedisRankerConfig) (*RedisRanker, error) {
	if cfg.Client == nil {
		return nil, storage.NewServiceError("leaderboard.redis.new", "missing_client", errors.New("redis client is required"))
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ranker := &RedisRanker{
		client:     cfg.Client,
		scoresKey:  prefix + ":scores",
		membersKey: prefix + ":members",
		logger:     logger,
		timeout:    cfg.Timeout,
	}
	ranker.stale.Store(true)
	return ranker, nil
}

// Stale reports whether the sorted set may have missed an update.
func (r *RedisRanker) Stale() bool {
	return r.stale.Load()
}

// BalanceChanged applies a committed balance. A failed write marks the ranker stale
// so reads fall back until the next Rebuild.
func (r *RedisRanker) BalanceChanged(ctx context.Context, balance points.Balance) {
	ctx, cancel := storage.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.Record(ctx, Standing{UserID: balance.UserID, Points: balance.Points, ReachedAt: balance.ReachedAt}); err != nil {
		r.failures.Add(1)
		r.stale.Store(true)
		r.logger.Warn("leaderboard cache update failed",
			zap.String("user_id", balance.UserID),
			zap.Int64("points", balance.Points),
			zap.Error(err))
	}
}

// Record writes one standing unless the cache already holds an equal or higher total.
func (r *RedisRanker) Record(ctx context.Context, standing Standing) error {
	return recordScript.Run(ctx, r.client,
		[]string{r.scoresKey, r.membersKey},
		standing.UserID,
		encodeMember(standing),
		-float64(standing.Points),
	).Err()
}

// Top returns the first limit standings.
func (r *RedisRanker) Top(ctx context.Context, limit int) ([]Standing, error) {
	if r.Stale() {
		return nil, ErrRankerUnavailable
	}
	members, err := r.client.ZRangeWithScores(ctx, r.scoresKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: zrange: %w", err)
	}
	standings := make([]Standing, 0, len(members))
	for _, member := range members {
		raw, ok := member.Member.(string)
		if !ok {
			return nil, fmt.Errorf("leaderboard: unexpected member type %T", member.Member)
		}
		standing, err := decodeMember(raw)
		if err != nil {
			return nil, err
		}
		standing.Points = int64(-member.Score)
		standings = append(standings, standing)
	}
	return standings, nil
}

// Position returns the user's standing and how many users hold strictly more points.
func (r *RedisRanker) Position(ctx context.Context, userID string) (Standing, int64, error) {
	if r.Stale() {
		return Standing{}, 0, ErrRankerUnavailable
	}
	standing := Standing{UserID: userID}
	member, err := r.client.HGet(ctx, r.membersKey, userID).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return Standing{}, 0, fmt.Errorf("leaderboard: hget: %w", err)
	default:
		score, err := r.client.ZScore(ctx, r.scoresKey, member).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Standing{}, 0, fmt.Errorf("leaderboard: zscore: %w", err)
		}
		if err == nil {
			decoded, decodeErr := decodeMember(member)
			if decodeErr != nil {
				return Standing{}, 0, decodeErr
			}
			standing = decoded
			standing.Points = int64(-score)
		}
	}
	ahead, err := r.client.ZCount(ctx, r.scoresKey, "-inf", "("+strconv.FormatInt(-standing.Points, 10)).Result()
	if err != nil {
		return Standing{}, 0, fmt.Errorf("leaderboard: zcount: %w", err)
	}
	return standing, ahead, nil
}

// Rebuild replaces the cached standings with the contents of source and clears the stale
// flag, unless a cache write failed while the rebuild was running.
func (r *RedisRanker) Rebuild(ctx context.Context, source StandingSource) error {
	generation := r.failures.Load()
	if err := r.client.Del(ctx, r.scoresKey, r.membersKey).Err(); err != nil {
		r.stale.Store(true)
		return fmt.Errorf("leaderboard: reset cache: %w", err)
	}
	loaded := 0
	err := source.Each(ctx, rebuildBatchSize, func(batch []Standing) error {
		for _, standing := range batch {
			if err := r.Record(ctx, standing); err != nil {
				return err
			}
		}
		loaded += len(batch)
		return nil
	})
	if err != nil {
		r.stale.Store(true)
		return fmt.Errorf("leaderboard: rebuild cache: %w", err)
	}
	r.stale.Store(false)
	if r.failures.Load() != generation {
		r.stale.Store(true)
		return errRebuildRaced
	}
	r.logger.Info("leaderboard cache rebuilt", zap.Int("users", loaded))
	return nil
}

func encodeMember(standing Standing) string {
	nanos := standing.ReachedAt.UnixNano()
	if nanos < 0 || standing.ReachedAt.IsZero() {
		nanos = 0
	}
	return fmt.Sprintf("%020d%s%s", nanos, memberSeparator, standing.UserID)
}

func decodeMember(member string) (Standing, error) {
	rawNanos, userID, ok := strings.Cut(member, memberSeparator)
	if !ok || userID == "" {
		return Standing{}, fmt.Errorf("leaderboard: malformed member %q", member)
	}
	nanos, err := strconv.ParseInt(rawNanos, 10, 64)
	if err != nil {
		return Standing{}, fmt.Errorf("leaderboard: malformed member %q: %w", member, err)
	}
	reachedAt := time.Time{}
	if nanos > 0 {
		reachedAt = time.Unix(0, nanos).UTC()
	}
	return Standing{UserID: userID, ReachedAt: reachedAt}, nil
}
