package services

import (
	"testing"
	"time"

	"github.com/mailforge/core/internal/database/models"
)

func TestAccountHealth_Aggregation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewHealthService(db)
	accountService := NewAccountService(db, testVault())

	user := &models.User{Username: "healthuser", PasswordHash: "hash"}
	db.Create(user)
	account := createTestAccount(t, accountService, user.ID, "health@example.com")

	now := time.Now()
	logs := []models.SyncLog{
		{AccountID: account.ID, StartedAt: now.Add(-4 * time.Hour), FinishedAt: now.Add(-4*time.Hour + 2*time.Second), Outcome: models.SyncOutcomeSuccess, MessagesFetched: 10},
		{AccountID: account.ID, StartedAt: now.Add(-3 * time.Hour), FinishedAt: now.Add(-3*time.Hour + 4*time.Second), Outcome: models.SyncOutcomeSuccess, MessagesFetched: 5},
		{AccountID: account.ID, StartedAt: now.Add(-2 * time.Hour), FinishedAt: now.Add(-2*time.Hour + 2*time.Second), Outcome: models.SyncOutcomePartial, MessagesFetched: 3},
		{AccountID: account.ID, StartedAt: now.Add(-1 * time.Hour), FinishedAt: now.Add(-1*time.Hour + 4*time.Second), Outcome: models.SyncOutcomeError},
		// Outside the 24h window; must not count.
		{AccountID: account.ID, StartedAt: now.Add(-30 * time.Hour), FinishedAt: now.Add(-30*time.Hour + time.Second), Outcome: models.SyncOutcomeError},
	}
	for i := range logs {
		db.Create(&logs[i])
	}

	health, err := service.AccountHealth(account.ID, user.ID)
	if err != nil {
		t.Fatalf("AccountHealth failed: %v", err)
	}

	if health.Attempts != 4 {
		t.Errorf("expected 4 attempts in window, got %d", health.Attempts)
	}
	if health.Successes != 2 || health.Partials != 1 || health.Failures != 1 {
		t.Errorf("unexpected outcome counts: %d/%d/%d", health.Successes, health.Partials, health.Failures)
	}
	// Partial runs stored their messages, so they count toward the rate.
	if health.SuccessRate != 0.75 {
		t.Errorf("expected success rate 0.75, got %f", health.SuccessRate)
	}
	if health.MessagesFetched != 18 {
		t.Errorf("expected 18 messages in window, got %d", health.MessagesFetched)
	}
	if health.AvgDurationMs != 3000 {
		t.Errorf("expected avg duration 3000ms, got %d", health.AvgDurationMs)
	}
	if health.Provider != "password" {
		t.Errorf("expected password provider label, got %q", health.Provider)
	}
}

func TestAccountHealth_OwnershipEnforced(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewHealthService(db)
	accountService := NewAccountService(db, testVault())

	owner := &models.User{Username: "owner", PasswordHash: "hash"}
	stranger := &models.User{Username: "stranger", PasswordHash: "hash"}
	db.Create(owner)
	db.Create(stranger)
	account := createTestAccount(t, accountService, owner.ID, "owned@example.com")

	if _, err := service.AccountHealth(account.ID, stranger.ID); err != ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound for foreign user, got %v", err)
	}
}

func TestProviderHealth_Grouping(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewHealthService(db)

	user := &models.User{OrgID: 1, Username: "orguser", PasswordHash: "hash"}
	db.Create(user)

	accounts := []models.MailAccount{
		{OrgID: 1, UserID: user.ID, Email: "a@example.com", IMAPHost: "h", IMAPPort: 993, SMTPHost: "h", SMTPPort: 587, Username: "a", SyncEnabled: true, SyncStatus: models.SyncStatusIdle},
		{OrgID: 1, UserID: user.ID, Email: "b@example.com", IMAPHost: "h", IMAPPort: 993, SMTPHost: "h", SMTPPort: 587, Username: "b", SyncEnabled: true, SyncStatus: models.SyncStatusError},
		{OrgID: 1, UserID: user.ID, Email: "c@gmail.com", IMAPHost: "h", IMAPPort: 993, SMTPHost: "h", SMTPPort: 587, Username: "c", OAuthProvider: "google", SyncEnabled: true, SyncStatus: models.SyncStatusPaused},
		// Different org; must not appear.
		{OrgID: 2, UserID: user.ID, Email: "d@example.com", IMAPHost: "h", IMAPPort: 993, SMTPHost: "h", SMTPPort: 587, Username: "d", SyncEnabled: true, SyncStatus: models.SyncStatusIdle},
	}
	for i := range accounts {
		db.Create(&accounts[i])
	}

	report, err := service.ProviderHealth(1)
	if err != nil {
		t.Fatalf("ProviderHealth failed: %v", err)
	}
	if len(report) != 2 {
		t.Fatalf("expected 2 provider groups, got %d", len(report))
	}

	byProvider := map[string]ProviderHealth{}
	for _, ph := range report {
		byProvider[ph.Provider] = ph
	}

	pw := byProvider["password"]
	if pw.Accounts != 2 || pw.Healthy != 1 || pw.Erroring != 1 {
		t.Errorf("unexpected password group: %+v", pw)
	}

	google := byProvider["google"]
	if google.Accounts != 1 || google.Paused != 1 {
		t.Errorf("unexpected google group: %+v", google)
	}
}

func TestUserHealth_ListsAllAccounts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewHealthService(db)
	accountService := NewAccountService(db, testVault())

	user := &models.User{Username: "multi", PasswordHash: "hash"}
	db.Create(user)
	createTestAccount(t, accountService, user.ID, "one@example.com")
	createTestAccount(t, accountService, user.ID, "two@example.com")

	report, err := service.UserHealth(user.ID)
	if err != nil {
		t.Fatalf("UserHealth failed: %v", err)
	}
	if len(report) != 2 {
		t.Errorf("expected 2 accounts in report, got %d", len(report))
	}
}
