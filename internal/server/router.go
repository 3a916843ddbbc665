package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/streaks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/tasks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "rewardpage_user_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingTasksService     = errors.New("tasks service dependency required")
	errMissingStreaksService   = errors.New("streaks service dependency required")
	errMissingLedger           = errors.New("points ledger dependency required")
	errMissingLeaderboard      = errors.New("leaderboard service dependency required")
	errMissingClock            = errors.New("clock dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps validated session claims onto the canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type Dependencies struct {
	SessionValidator   SessionValidator
	Users              IdentityResolver
	Tasks              *tasks.Service
	Streaks            *streaks.Service
	Ledger             *points.Ledger
	Leaderboard        *leaderboard.Service
	Clock              *calendar.Clock
	Realtime           *RealtimeDispatcher
	AllowedOrigins     []string
	RateLimitPerMinute int
	HeartbeatInterval  time.Duration
	Logger             *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingIdentityResolver
	}
	if deps.Tasks == nil {
		return nil, errMissingTasksService
	}
	if deps.Streaks == nil {
		return nil, errMissingStreaksService
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Leaderboard == nil {
		return nil, errMissingLeaderboard
	}
	if deps.Clock == nil {
		return nil, errMissingClock
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		users:       deps.Users,
		tasks:       deps.Tasks,
		streaks:     deps.Streaks,
		ledger:      deps.Ledger,
		leaderboard: deps.Leaderboard,
		clock:       deps.Clock,
		realtime:    realtime,
		heartbeat:   heartbeat,
		logger:      logger,
	}
	limiter := newUserRateLimiter(deps.RateLimitPerMinute, nil)
	deps.Ledger.Subscribe(points.ObserverFunc(handler.publishBalance))

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.GET("/events", handler.handleEvents)

	limited := api.Group("/")
	limited.Use(limiter.middleware(logger))
	limited.GET("/tasks/daily", handler.handleDailyStatus)
	limited.POST("/tasks/complete", handler.handleCompleteTask)
	limited.GET("/tasks/cooldown", handler.handleCooldown)
	limited.GET("/streak", handler.handleStreak)
	limited.POST("/streak/checkin", handler.handleCheckIn)
	limited.POST("/streak/update", handler.handleCheckIn)
	limited.GET("/points", handler.handlePoints)
	limited.GET("/leaderboard", handler.handleLeaderboard)
	limited.GET("/leaderboard/me", handler.handleStanding)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions    SessionValidator
	users       IdentityResolver
	tasks       *tasks.Service
	streaks     *streaks.Service
	ledger      *points.Ledger
	leaderboard *leaderboard.Service
	clock       *calendar.Clock
	realtime    *RealtimeDispatcher
	heartbeat   time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) publishBalance(_ context.Context, balance points.Balance) {
	h.realtime.Publish(RealtimeMessage{
		UserID:    balance.UserID,
		EventType: RealtimeEventPointsChanged,
		Payload:   pointsResponse{UserID: balance.UserID, Points: balance.Points, ReachedAt: &balance.ReachedAt},
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth_expired"})
		case errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Debug("session validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		}
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		if storage.IsUnavailable(err) {
			writeUnavailable(c)
			c.Abort()
			return
		}
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}
