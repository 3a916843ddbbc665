package leaderboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisRanker(t *testing.T) (*RedisRanker, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ranker, err := NewRedisRanker(RedisRankerConfig{Client: client, KeyPrefix: "test:leaderboard"})
	if err != nil {
		t.Fatalf("failed to construct redis ranker: %v", err)
	}
	return ranker, server
}

func TestRedisRankerStartsStaleUntilRebuilt(t *testing.T) {
	ranker, _ := newTestRedisRanker(t)
	if _, err := ranker.Top(context.Background(), 10); !errors.Is(err, ErrRankerUnavailable) {
		t.Fatalf("expected stale ranker to refuse reads, got %v", err)
	}

	db := newRankingDatabase(t, []points.Balance{
		balance("C", 40, 0),
		balance("B", 60, 2*time.Minute),
		balance("A", 60, time.Minute),
	})
	if err := ranker.Rebuild(context.Background(), NewSQLRanker(db)); err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}
	if ranker.Stale() {
		t.Fatalf("expected ranker to be fresh after rebuild")
	}

	standings, err := ranker.Top(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected top error: %v", err)
	}
	want := []Standing{
		{UserID: "A", Points: 60, ReachedAt: rankingEpoch.Add(time.Minute)},
		{UserID: "B", Points: 60, ReachedAt: rankingEpoch.Add(2 * time.Minute)},
		{UserID: "C", Points: 40, ReachedAt: rankingEpoch},
	}
	if len(standings) != len(want) {
		t.Fatalf("expected %d standings, got %d", len(want), len(standings))
	}
	for index := range want {
		if standings[index].UserID != want[index].UserID || standings[index].Points != want[index].Points || !standings[index].ReachedAt.Equal(want[index].ReachedAt) {
			t.Fatalf("standing %d: expected %#v, got %#v", index, want[index], standings[index])
		}
	}
}

func TestRedisRankerIgnoresRegressions(t *testing.T) {
	ranker, _ := newTestRedisRanker(t)
	if err := ranker.Rebuild(context.Background(), NewSQLRanker(newRankingDatabase(t, nil))); err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}

	ranker.BalanceChanged(context.Background(), points.Balance{UserID: "A", Points: 40, ReachedAt: rankingEpoch.Add(time.Minute)})
	ranker.BalanceChanged(context.Background(), points.Balance{UserID: "A", Points: 20, ReachedAt: rankingEpoch})
	ranker.BalanceChanged(context.Background(), points.Balance{UserID: "B", Points: 40, ReachedAt: rankingEpoch.Add(2 * time.Minute)})

	standing, ahead, err := ranker.Position(context.Background(), "A")
	if err != nil {
		t.Fatalf("unexpected position error: %v", err)
	}
	if standing.Points != 40 || ahead != 0 {
		t.Fatalf("expected replayed lower total to be ignored, got %#v ahead=%d", standing, ahead)
	}

	standings, err := ranker.Top(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected top error: %v", err)
	}
	if len(standings) != 1 || standings[0].UserID != "A" {
		t.Fatalf("expected earliest to reach 40 first, got %#v", standings)
	}

	_, newcomerAhead, err := ranker.Position(context.Background(), "newcomer")
	if err != nil {
		t.Fatalf("unexpected position error: %v", err)
	}
	if newcomerAhead != 2 {
		t.Fatalf("expected both scored users ahead of a newcomer, got %d", newcomerAhead)
	}
}

func TestRedisRankerMarksStaleOnWriteFailure(t *testing.T) {
	ranker, server := newTestRedisRanker(t)
	if err := ranker.Rebuild(context.Background(), NewSQLRanker(newRankingDatabase(t, nil))); err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}

	server.SetError("forced failure")
	ranker.BalanceChanged(context.Background(), points.Balance{UserID: "A", Points: 20, ReachedAt: rankingEpoch})
	if !ranker.Stale() {
		t.Fatalf("expected failed write to mark the ranker stale")
	}
}

type interleavedSource struct {
	standings []Standing
	during    func()
}

func (s *interleavedSource) Each(_ context.Context, _ int, fn func([]Standing) error) error {
	if err := fn(s.standings); err != nil {
		return err
	}
	s.during()
	return nil
}

func TestRedisRankerStaysStaleWhenWriteFailsDuringRebuild(t *testing.T) {
	ranker, server := newTestRedisRanker(t)
	source := &interleavedSource{
		standings: []Standing{{UserID: "A", Points: 20, ReachedAt: rankingEpoch}},
		during: func() {
			server.SetError("forced failure")
			ranker.BalanceChanged(context.Background(), points.Balance{UserID: "A", Points: 40, ReachedAt: rankingEpoch.Add(time.Minute)})
			server.SetError("")
		},
	}

	if err := ranker.Rebuild(context.Background(), source); !errors.Is(err, errRebuildRaced) {
		t.Fatalf("expected rebuild to report the lost write, got %v", err)
	}
	if !ranker.Stale() {
		t.Fatalf("expected ranker to stay stale after a lost write")
	}

	source.during = func() {}
	if err := ranker.Rebuild(context.Background(), source); err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}
	if ranker.Stale() {
		t.Fatalf("expected a clean rebuild to clear stale")
	}
}

func TestMemberEncodingRoundTrips(t *testing.T) {
	standing := Standing{UserID: "user:with:colons", ReachedAt: rankingEpoch}
	decoded, err := decodeMember(encodeMember(standing))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.UserID != standing.UserID || !decoded.ReachedAt.Equal(standing.ReachedAt) {
		t.Fatalf("unexpected decoded standing %#v", decoded)
	}
	if _, err := decodeMember("garbage"); err == nil {
		t.Fatalf("expected malformed member error")
	}
}
