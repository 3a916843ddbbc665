package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/database"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/streaks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/tasks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "rewardpage_session"
)

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(step)
	c.mu.Unlock()
}

type testServer struct {
	handler  http.Handler
	clock    *manualClock
	minter   *auth.SessionMinter
	realtime *RealtimeDispatcher
	logs     *observer.ObservedLogs
}

type serverOptions struct {
	rateLimitPerMinute int
	heartbeat          time.Duration
}

func newTestServer(t *testing.T, options serverOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "server.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	manual := &manualClock{current: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	clock := calendar.NewClock(calendar.ClockConfig{Location: time.UTC, Now: manual.Now})

	ledger, err := points.NewLedger(points.LedgerConfig{Database: db, IDProvider: ids.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	keyed := locks.NewKeyed()
	taskService, err := tasks.NewService(tasks.ServiceConfig{
		Database:   db,
		Clock:      clock,
		Ledger:     ledger,
		Locks:      keyed,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct tasks service: %v", err)
	}
	streakService, err := streaks.NewService(streaks.ServiceConfig{Database: db, Clock: clock, Ledger: ledger, Locks: keyed, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct streaks service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: manual.Now, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	board, err := leaderboard.NewService(leaderboard.ServiceConfig{
		Fallback: leaderboard.NewSQLRanker(db),
		Names:    userService,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct leaderboard service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	minter, err := auth.NewSessionMinter(auth.SessionMinterConfig{SigningSecret: []byte(testSigningSecret), TTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct session minter: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:   validator,
		Users:              userService,
		Tasks:              taskService,
		Streaks:            streakService,
		Ledger:             ledger,
		Leaderboard:        board,
		Clock:              clock,
		Realtime:           dispatcher,
		RateLimitPerMinute: options.rateLimitPerMinute,
		HeartbeatInterval:  options.heartbeat,
		Logger:             logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{handler: handler, clock: manual, minter: minter, realtime: dispatcher, logs: logs}
}

func (s *testServer) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := s.minter.Mint(userID, displayName)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}
