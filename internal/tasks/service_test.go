package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/points"
	"github.com/MarcoPoloResearchLab/rewardpage/backend/internal/storage"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type testHarness struct {
	service *Service
	ledger  *points.Ledger
	db      *gorm.DB
	locks   *locks.Keyed
	logs    *observer.ObservedLogs
}

func newTestHarness(t *testing.T, location *time.Location) testHarness {
	t.Helper()

	databasePath := filepath.Join(t.TempDir(), "tasks.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&DailyRecord{}, &Slot{}, &points.Balance{}, &points.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)
	ledger, err := points.NewLedger(points.LedgerConfig{Database: db, IDProvider: ids.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	keyed := locks.NewKeyed()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      calendar.NewClock(calendar.ClockConfig{Location: location}),
		Ledger:     ledger,
		Locks:      keyed,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     logger,
		Timeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct tasks service: %v", err)
	}
	return testHarness{service: service, ledger: ledger, db: db, locks: keyed, logs: logs}
}

func mustComplete(t *testing.T, service *Service, userID, taskID string, now time.Time) CompletionResult {
	t.Helper()
	result, err := service.CompleteTask(context.Background(), userID, taskID, now)
	if err != nil {
		t.Fatalf("unexpected completion error at %s: %v", now, err)
	}
	return result
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

func TestCompletionScenarioHonoursCooldown(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	start := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	first := mustComplete(t, harness.service, "user-1", "1", start)
	if first.Status.CompletedCount != 1 || first.Points != 20 {
		t.Fatalf("unexpected first result: count=%d points=%d", first.Status.CompletedCount, first.Points)
	}
	if !first.CooldownUntil.Equal(start.Add(Cooldown)) {
		t.Fatalf("expected cooldown until %s, got %s", start.Add(Cooldown), first.CooldownUntil)
	}
	if !first.Status.CooldownActive || first.Status.RemainingSeconds != 300 {
		t.Fatalf("expected active cooldown in result status: %#v", first.Status)
	}

	_, err := harness.service.CompleteTask(context.Background(), "user-1", "2", start.Add(time.Minute))
	var cooldownErr *CooldownError
	if !errors.As(err, &cooldownErr) || !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected cooldown error, got %v", err)
	}
	if cooldownErr.RemainingSeconds != 240 {
		t.Fatalf("expected 240 seconds remaining, got %d", cooldownErr.RemainingSeconds)
	}
	var rejection *RejectionError
	if !errors.As(err, &rejection) || rejection.Status.CompletedCount != 1 {
		t.Fatalf("expected rejection to carry status snapshot, got %#v", rejection)
	}

	second := mustComplete(t, harness.service, "user-1", "2", start.Add(Cooldown+time.Second))
	if second.Status.CompletedCount != 2 || second.Points != 40 {
		t.Fatalf("unexpected second result: count=%d points=%d", second.Status.CompletedCount, second.Points)
	}
}

func TestCooldownRejectionsCountDown(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	start := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	mustComplete(t, harness.service, "user-1", "1", start)

	previous := 301
	for _, offset := range []time.Duration{time.Second, 10 * time.Second, time.Minute, 4 * time.Minute, 5*time.Minute - time.Second} {
		_, err := harness.service.CompleteTask(context.Background(), "user-1", "2", start.Add(offset))
		var cooldownErr *CooldownError
		if !errors.As(err, &cooldownErr) {
			t.Fatalf("expected cooldown at +%s, got %v", offset, err)
		}
		if cooldownErr.RemainingSeconds >= previous {
			t.Fatalf("remaining seconds did not decrease at +%s", offset)
		}
		previous = cooldownErr.RemainingSeconds
	}

	balance, err := harness.ledger.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected balance error: %v", err)
	}
	if balance.Points != 20 {
		t.Fatalf("rejections must not credit points, got %d", balance.Points)
	}
}

func TestSixthCompletionExceedsQuota(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	start := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	now := start
	for slot := 1; slot <= SlotsPerDay; slot++ {
		mustComplete(t, harness.service, "user-1", string(rune('0'+slot)), now)
		now = now.Add(6 * time.Minute)
	}

	for _, attempt := range []time.Time{start.Add(31 * time.Minute), start.Add(2 * time.Hour)} {
		_, err := harness.service.CompleteTask(context.Background(), "user-1", "1", attempt)
		if !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("expected quota exceeded at %s, got %v", attempt, err)
		}
		var rejection *RejectionError
		if !errors.As(err, &rejection) || rejection.Status.CompletedCount != SlotsPerDay || rejection.Status.RemainingTasks != 0 {
			t.Fatalf("expected full status snapshot, got %#v", rejection)
		}
	}

	balance, err := harness.ledger.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected balance error: %v", err)
	}
	if balance.Points != 100 {
		t.Fatalf("expected 100 points, got %d", balance.Points)
	}
}

func TestUnknownTaskReferences(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	start := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	first := mustComplete(t, harness.service, "user-1", "1", start)
	later := start.Add(10 * time.Minute)

	for _, taskID := range []string{"0", "6", "task-x", "", first.Slot.TaskID, "1"} {
		_, err := harness.service.CompleteTask(context.Background(), "user-1", taskID, later)
		if !errors.Is(err, ErrUnknownTask) {
			t.Fatalf("expected unknown task for %q, got %v", taskID, err)
		}
	}
}

func TestCompletionByStableSlotID(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	status, err := harness.service.DailyStatus(context.Background(), "user-1", now)
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	again, err := harness.service.DailyStatus(context.Background(), "user-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status.Slots[3].TaskID == "" || status.Slots[3].TaskID != again.Slots[3].TaskID {
		t.Fatalf("expected stable slot ids across reads")
	}

	result := mustComplete(t, harness.service, "user-1", status.Slots[3].TaskID, now.Add(2*time.Minute))
	if result.Slot.SlotNumber != 4 || !result.Status.Slots[3].Completed {
		t.Fatalf("expected slot 4 to complete, got %#v", result.Slot)
	}
}

func TestNextDayPresentsFreshRecord(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	dayOne := time.Date(2026, 10, 16, 23, 50, 0, 0, time.UTC)
	mustComplete(t, harness.service, "user-1", "1", dayOne.Add(-time.Hour))
	mustComplete(t, harness.service, "user-1", "2", dayOne)

	dayTwo := dayOne.Add(11 * time.Minute)
	status, err := harness.service.DailyStatus(context.Background(), "user-1", dayTwo)
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status.Day != "2026-10-17" || status.CompletedCount != 0 || status.LastCompletedAt != nil || status.CooldownActive {
		t.Fatalf("expected fresh record, got %#v", status)
	}
	for _, slot := range status.Slots {
		if slot.Completed {
			t.Fatalf("expected slot %d to be incomplete", slot.SlotNumber)
		}
	}
	if !status.NextResetAt.Equal(time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next reset %s", status.NextResetAt)
	}

	result := mustComplete(t, harness.service, "user-1", "1", dayTwo)
	if result.Status.CompletedCount != 1 || result.Points != 60 {
		t.Fatalf("expected first completion of the new day, got count=%d points=%d", result.Status.CompletedCount, result.Points)
	}
}

func TestDayBoundaryFollowsConfiguredZone(t *testing.T) {
	location := time.FixedZone("UTC+9", 9*60*60)
	harness := newTestHarness(t, location)
	beforeMidnight := time.Date(2026, 10, 16, 14, 30, 0, 0, time.UTC)
	mustComplete(t, harness.service, "user-1", "1", beforeMidnight)

	afterMidnight := time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)
	status, err := harness.service.DailyStatus(context.Background(), "user-1", afterMidnight)
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status.Day != "2026-10-17" || status.CompletedCount != 0 {
		t.Fatalf("expected local midnight to reset the record, got %#v", status)
	}
}

func TestConcurrentCompletionsForLastSlot(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	start := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	for slot := 1; slot <= 4; slot++ {
		mustComplete(t, harness.service, "user-1", string(rune('0'+slot)), start.Add(time.Duration(slot-1)*6*time.Minute))
	}

	now := start.Add(time.Hour)
	const callers = 12
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for index := 0; index < callers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			taskID := "5"
			if index%2 == 1 {
				taskID = "4"
			}
			_, errs[index] = harness.service.CompleteTask(context.Background(), "user-1", taskID, now)
		}(index)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrUnknownTask):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}

	balance, err := harness.ledger.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected balance error: %v", err)
	}
	if balance.Points != 100 {
		t.Fatalf("expected 100 points, got %d", balance.Points)
	}
}

func TestConcurrentUsersProceedIndependently(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	users := []string{"user-a", "user-b", "user-c", "user-d"}

	var wg sync.WaitGroup
	errs := make(chan error, len(users))
	for _, userID := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if _, err := harness.service.CompleteTask(context.Background(), userID, "1", now); err != nil {
				errs <- err
			}
		}(userID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLockTimeoutSurfacesStoreUnavailable(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	harness.service.timeout = 30 * time.Millisecond

	release, err := harness.locks.Lock(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected lock error: %v", err)
	}
	defer release()

	_, err = harness.service.CompleteTask(context.Background(), "user-1", "1", time.Now())
	if !storage.IsUnavailable(err) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestCancelledCompletionDoesNotApply(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := harness.service.CompleteTask(ctx, "user-1", "1", now); err == nil {
		t.Fatalf("expected cancelled completion to fail")
	}

	status, err := harness.service.DailyStatus(context.Background(), "user-1", now)
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if status.CompletedCount != 0 {
		t.Fatalf("expected nothing applied, got %d", status.CompletedCount)
	}
	balance, err := harness.ledger.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected balance error: %v", err)
	}
	if balance.Points != 0 {
		t.Fatalf("expected no points, got %d", balance.Points)
	}
}

func TestCorruptRecordReportsInvariantViolation(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	if _, err := harness.service.DailyStatus(context.Background(), "user-1", now); err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if err := harness.db.Model(&Slot{}).
		Where("user_id = ? AND slot_number = ?", "user-1", 2).
		Update("completed", true).Error; err != nil {
		t.Fatalf("failed to corrupt slot: %v", err)
	}

	_, err := harness.service.CompleteTask(context.Background(), "user-1", "3", now)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if harness.logs.FilterField(zap.String("reason", "invariant_violation")).Len() == 0 {
		t.Fatalf("expected invariant violation to be logged")
	}
}

func TestCooldownStatusProjection(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	start := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	mustComplete(t, harness.service, "user-1", "1", start)

	view, err := harness.service.CooldownStatus(context.Background(), "user-1", start.Add(90*time.Second))
	if err != nil {
		t.Fatalf("unexpected cooldown error: %v", err)
	}
	if !view.CooldownActive || view.RemainingSeconds != 210 || view.CompletedCount != 1 {
		t.Fatalf("unexpected cooldown view: %#v", view)
	}
}

func TestPurgeBeforeRemovesSupersededRecords(t *testing.T) {
	harness := newTestHarness(t, time.UTC)
	old := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	mustComplete(t, harness.service, "user-1", "1", old)
	mustComplete(t, harness.service, "user-1", "1", recent)

	removed, err := harness.service.PurgeBefore(context.Background(), calendar.Day("2026-10-09"))
	if err != nil {
		t.Fatalf("unexpected purge error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one record removed, got %d", removed)
	}
	var slotCount int64
	if err := harness.db.Model(&Slot{}).Where("day = ?", "2026-10-01").Count(&slotCount).Error; err != nil {
		t.Fatalf("failed to count slots: %v", err)
	}
	if slotCount != 0 {
		t.Fatalf("expected purged slots, found %d", slotCount)
	}
	balance, err := harness.ledger.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected balance error: %v", err)
	}
	if balance.Points != 40 {
		t.Fatalf("purge must not touch points, got %d", balance.Points)
	}
}
