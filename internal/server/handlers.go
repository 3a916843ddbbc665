package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/tasks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const retryAfterSeconds = "1"

type completeTaskRequest struct {
	TaskID string `json:"taskId"`
}

type completeTaskResponse struct {
	Status        tasks.DailyStatusView `json:"status"`
	Slot          tasks.SlotView        `json:"slot"`
	CooldownUntil time.Time             `json:"cooldownUntil"`
	Points        int64                 `json:"points"`
}

type pointsResponse struct {
	UserID    string     `json:"userId"`
	Points    int64      `json:"points"`
	ReachedAt *time.Time `json:"reachedAt,omitempty"`
}

type leaderboardResponse struct {
	Entries []leaderboard.Entry `json:"entries"`
	Limit   int                 `json:"limit"`
}

func (h *httpHandler) handleDailyStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	status, err := h.tasks.DailyStatus(c.Request.Context(), userID, h.clock.Now())
	if err != nil {
		h.writeError(c, "tasks.daily", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleCooldown(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	cooldown, err := h.tasks.CooldownStatus(c.Request.Context(), userID, h.clock.Now())
	if err != nil {
		h.writeError(c, "tasks.cooldown", err)
		return
	}
	c.JSON(http.StatusOK, cooldown)
}

func (h *httpHandler) handleCompleteTask(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request completeTaskRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.TaskID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.tasks.CompleteTask(c.Request.Context(), userID, request.TaskID, h.clock.Now())
	if err != nil {
		h.writeError(c, "tasks.complete", err)
		return
	}

	h.realtime.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventTaskCompleted,
		Payload:   result.Status,
	})
	c.JSON(http.StatusOK, completeTaskResponse{
		Status:        result.Status,
		Slot:          result.Slot,
		CooldownUntil: result.CooldownUntil,
		Points:        result.Points,
	})
}

func (h *httpHandler) handleStreak(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	view, err := h.streaks.Get(c.Request.Context(), userID, h.clock.Now())
	if err != nil {
		h.writeError(c, "streaks.get", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleCheckIn(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	result, err := h.streaks.CheckIn(c.Request.Context(), userID, h.clock.Now())
	if err != nil {
		h.writeError(c, "streaks.check_in", err)
		return
	}
	if result.Credited {
		h.realtime.Publish(RealtimeMessage{
			UserID:    userID,
			EventType: RealtimeEventStreakCheckedIn,
			Payload:   result.Streak,
		})
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handlePoints(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "points.balance", err)
		return
	}
	response := pointsResponse{UserID: userID, Points: balance.Points}
	if !balance.ReachedAt.IsZero() {
		reachedAt := balance.ReachedAt
		response.ReachedAt = &reachedAt
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	requested := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		requested = parsed
	}
	limit := h.leaderboard.Limit(requested)
	entries, err := h.leaderboard.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, "leaderboard.top", err)
		return
	}
	c.JSON(http.StatusOK, leaderboardResponse{Entries: entries, Limit: limit})
}

func (h *httpHandler) handleStanding(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	entry, err := h.leaderboard.Standing(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "leaderboard.standing", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// writeError maps engine outcomes onto HTTP responses. Rejections carry the status
// snapshot the request was evaluated against.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var rejection *tasks.RejectionError
	body := gin.H{}
	if errors.As(err, &rejection) {
		body["status"] = rejection.Status
	}

	var cooldown *tasks.CooldownError
	switch {
	case errors.As(err, &cooldown):
		body["error"] = "cooldown_active"
		body["remaining_seconds"] = cooldown.RemainingSeconds
		body["cooldown_until"] = cooldown.CooldownUntil
		c.Header("Retry-After", strconv.Itoa(max(cooldown.RemainingSeconds, 1)))
		c.JSON(http.StatusTooManyRequests, body)
	case errors.Is(err, tasks.ErrQuotaExceeded):
		body["error"] = "quota_exceeded"
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, tasks.ErrUnknownTask):
		body["error"] = "unknown_task"
		c.JSON(http.StatusBadRequest, body)
	case storage.IsUnavailable(err):
		h.logger.Warn("store unavailable", zap.String("operation", operation), zap.String("code", storage.ErrorCode(err)), zap.Error(err))
		writeUnavailable(c)
	case errors.Is(err, tasks.ErrInvariantViolation):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invariant_violation"})
	case errors.Is(err, context.Canceled):
		h.logger.Debug("request canceled", zap.String("operation", operation))
		c.Abort()
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func writeUnavailable(c *gin.Context) {
	c.Header("Retry-After", retryAfterSeconds)
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
}
