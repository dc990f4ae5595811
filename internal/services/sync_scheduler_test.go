package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mailforge/core/internal/config"
	"github.com/mailforge/core/internal/database/models"
	"gorm.io/gorm"
)

func newTestScheduler(t *testing.T, db *gorm.DB) (*SyncScheduler, *models.MailAccount) {
	cfg := &config.Config{
		SyncIntervalSecs:   60,
		MaxConcurrentSyncs: 2,
		MaxJobDurationSecs: 30,
	}
	v := testVault()
	accountService := NewAccountService(db, v)
	tokenService := NewTokenService(db, v, cfg)
	syncService := NewSyncService(db, cfg, nil, accountService, tokenService)
	syncService.dial = func(account *models.MailAccount) (MailboxSession, error) {
		return &fakeSession{uidValidity: 1, folders: map[string][]FetchedMessage{"INBOX": {}}}, nil
	}

	user := &models.User{Username: "scheduser", PasswordHash: "hash"}
	db.Create(user)
	account := createTestAccount(t, accountService, user.ID, "sched@example.com")

	return NewSyncScheduler(db, cfg, syncService), account
}

// Only one concurrent claimant wins the per-account lock.
func TestTryLockAccount_SingleWinner(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scheduler, account := newTestScheduler(t, db)

	const claimants = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if scheduler.TryLockAccount(account.ID) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
	if !scheduler.IsAccountSyncing(account.ID) {
		t.Error("expected account to appear locked")
	}

	scheduler.UnlockAccount(account.ID)
	if scheduler.IsAccountSyncing(account.ID) {
		t.Error("expected lock released")
	}
	if !scheduler.TryLockAccount(account.ID) {
		t.Error("expected relock to succeed after release")
	}
}

func TestTriggerSyncNow_Conflicts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scheduler, account := newTestScheduler(t, db)

	if _, err := scheduler.TriggerSyncNow(9999); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	// A held lock rejects the manual trigger instead of queueing a duplicate.
	if !scheduler.TryLockAccount(account.ID) {
		t.Fatal("failed to take lock")
	}
	if _, err := scheduler.TriggerSyncNow(account.ID); err == nil {
		t.Error("expected conflict error while account is locked")
	}
	scheduler.UnlockAccount(account.ID)

	db.Model(&models.MailAccount{}).Where("id = ?", account.ID).Update("sync_enabled", false)
	if _, err := scheduler.TriggerSyncNow(account.ID); !errors.Is(err, ErrAccountDisabled) {
		t.Errorf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestTriggerSyncNow_RunsAndReleasesLock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	scheduler, account := newTestScheduler(t, db)

	jobID, err := scheduler.TriggerSyncNow(account.ID)
	if err != nil {
		t.Fatalf("TriggerSyncNow failed: %v", err)
	}
	if jobID == "" {
		t.Error("expected a job identifier")
	}

	// The job runs async; wait for the lock to clear.
	deadline := time.Now().Add(5 * time.Second)
	for scheduler.IsAccountSyncing(account.ID) {
		if time.Now().After(deadline) {
			t.Fatal("job did not release the account lock")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var logCount int64
	db.Model(&models.SyncLog{}).Where("account_id = ?", account.ID).Count(&logCount)
	if logCount != 1 {
		t.Errorf("expected 1 sync log row, got %d", logCount)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	max := 2 * time.Minute

	if d := backoffDelay(0, base, max); d != 0 {
		t.Errorf("attempt 0: expected 0, got %v", d)
	}
	if d := backoffDelay(1, base, max); d != base {
		t.Errorf("attempt 1: expected %v, got %v", base, d)
	}
	if d := backoffDelay(2, base, max); d != 2*base {
		t.Errorf("attempt 2: expected %v, got %v", 2*base, d)
	}

	// Non-decreasing and capped.
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoffDelay(attempt, base, max)
		if d < prev {
			t.Errorf("attempt %d: delay %v decreased from %v", attempt, d, prev)
		}
		if d > max {
			t.Errorf("attempt %d: delay %v exceeds cap %v", attempt, d, max)
		}
		prev = d
	}
	if backoffDelay(20, base, max) != max {
		t.Error("expected large attempts to hit the cap")
	}
}

// The composed retry delay stays within the cap even after jitter, and once
// the exponential part saturates every sample is exactly the cap.
func TestRetryDelay_CappedAfterJitter(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		floor := backoffDelay(attempt, retryBaseDelay, retryMaxDelay)
		for i := 0; i < 50; i++ {
			d := retryDelay(attempt)
			if d > retryMaxDelay {
				t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, retryMaxDelay)
			}
			if d < floor {
				t.Fatalf("attempt %d: delay %v below deterministic floor %v", attempt, d, floor)
			}
		}
	}

	for i := 0; i < 50; i++ {
		if d := retryDelay(20); d != retryMaxDelay {
			t.Fatalf("expected saturated attempts pinned to the cap, got %v", d)
		}
	}
}

func TestJitter_Bounds(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 100; i++ {
		j := jitter(d)
		if j < d || j > d+d/5 {
			t.Fatalf("jitter out of bounds: %v", j)
		}
	}
	if jitter(0) != 0 {
		t.Error("expected zero duration unchanged")
	}
}
