package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/config"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/database"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/server"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/streaks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/tasks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/users"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired services behind the HTTP handler.
type application struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	clock    *calendar.Clock
	tasks    *tasks.Service
	sql      *leaderboard.SQLRanker
	cache    *leaderboard.RedisRanker
	redis    redis.UniversalClient
	realtime *server.RealtimeDispatcher
	handler  http.Handler
}

func newApplication(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	app := &application{cfg: cfg, logger: logger, db: db}
	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire(ctx context.Context) error {
	cfg := a.cfg
	a.clock = calendar.NewClock(calendar.ClockConfig{Location: cfg.TimeZone})
	idProvider := ids.NewUUIDProvider()

	ledger, err := points.NewLedger(points.LedgerConfig{
		Database:   a.db,
		IDProvider: idProvider,
		Logger:     a.logger,
		Timeout:    cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}

	keyed := locks.NewKeyed()
	a.tasks, err = tasks.NewService(tasks.ServiceConfig{
		Database:   a.db,
		Clock:      a.clock,
		Ledger:     ledger,
		Locks:      keyed,
		IDProvider: idProvider,
		Logger:     a.logger,
		Timeout:    cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}
	streakService, err := streaks.NewService(streaks.ServiceConfig{
		Database: a.db,
		Clock:    a.clock,
		Ledger:   ledger,
		Locks:    keyed,
		Logger:   a.logger,
		Timeout:  cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database: a.db,
		Clock:    a.clock.Now,
		Logger:   a.logger,
		Timeout:  cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}

	a.sql = leaderboard.NewSQLRanker(a.db)
	var primary leaderboard.Ranker
	if strings.TrimSpace(cfg.RedisAddress) != "" {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddress},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.cache, err = leaderboard.NewRedisRanker(leaderboard.RedisRankerConfig{
			Client:  a.redis,
			Logger:  a.logger,
			Timeout: cfg.StoreTimeout,
		})
		if err != nil {
			return err
		}
		ledger.Subscribe(a.cache)
		if err := a.cache.Rebuild(ctx, a.sql); err != nil {
			a.logger.Warn("leaderboard cache rebuild failed, serving from database", zap.Error(err))
		}
		primary = a.cache
	}

	board, err := leaderboard.NewService(leaderboard.ServiceConfig{
		Primary:      primary,
		Fallback:     a.sql,
		Names:        userService,
		DefaultLimit: cfg.LeaderboardDefaultLimit,
		MaxLimit:     cfg.LeaderboardMaxLimit,
		Logger:       a.logger,
		Timeout:      cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.SessionSigningKey),
		Issuer:        cfg.SessionIssuer,
		CookieName:    cfg.SessionCookieName,
	})
	if err != nil {
		return err
	}

	a.realtime = server.NewRealtimeDispatcher()
	a.handler, err = server.NewHTTPHandler(server.Dependencies{
		SessionValidator:   validator,
		Users:              userService,
		Tasks:              a.tasks,
		Streaks:            streakService,
		Ledger:             ledger,
		Leaderboard:        board,
		Clock:              a.clock,
		Realtime:           a.realtime,
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             a.logger,
	})
	return err
}

// Close releases the stores. It is safe to call on a partially wired application.
func (a *application) Close() {
	if a.realtime != nil {
		a.realtime.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
