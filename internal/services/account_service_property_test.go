package services

import (
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mailforge/core/internal/database/models"
	"github.com/mailforge/core/internal/vault"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) (*gorm.DB, func()) {
	// Create a temporary database file
	tmpFile, err := os.CreateTemp("", "test_*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpFile.Close()

	// Open database
	db, err := gorm.Open(sqlite.Open(tmpFile.Name()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to open database: %v", err)
	}

	// Run migrations
	err = db.AutoMigrate(
		&models.User{},
		&models.MailAccount{},
		&models.OAuthToken{},
		&models.EmailThread{},
		&models.Email{},
		&models.EmailAttachment{},
		&models.FolderState{},
		&models.SyncLog{},
		&models.Log{},
	)
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		os.Remove(tmpFile.Name())
	}

	return db, cleanup
}

func testVault() *vault.Vault {
	return vault.New(map[string][]byte{
		vault.KeyPassword: vault.DeriveKey("test-secret", "password"),
		vault.KeyOAuth:    vault.DeriveKey("test-secret", "oauth"),
		vault.KeyPII:      vault.DeriveKey("test-secret", "pii"),
	})
}

func createTestAccount(t *testing.T, service *AccountService, userID uint, email string) *models.MailAccount {
	account, err := service.CreateAccount(CreateAccountInput{
		UserID:      userID,
		Email:       email,
		DisplayName: "Test Account",
		IMAPHost:    "imap.test.com",
		IMAPPort:    993,
		SMTPHost:    "smtp.test.com",
		SMTPPort:    587,
		Username:    email,
		Password:    "testpassword",
		UseSSL:      true,
	})
	if err != nil {
		t.Fatalf("Failed to create test account: %v", err)
	}
	return account
}

// Property: executing the same enable/disable operation consecutively keeps
// the account state unchanged, and querying after a switch returns the
// correct value.
func TestProperty_AccountSyncToggleIdempotency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("enabling_enabled_account_is_idempotent", prop.ForAll(
		func(_ uint) bool {
			db, cleanup := setupTestDB(t)
			defer cleanup()

			service := NewAccountService(db, testVault())

			user := &models.User{Username: "testuser", PasswordHash: "hash"}
			db.Create(user)
			account := createTestAccount(t, service, user.ID, "test@example.com")

			for i := 0; i < 3; i++ {
				updated, err := service.SetSyncEnabled(account.ID, user.ID, true)
				if err != nil {
					return false
				}
				if !updated.SyncEnabled {
					return false
				}
			}

			fetched, err := service.GetAccountByIDAndUserID(account.ID, user.ID)
			return err == nil && fetched.SyncEnabled
		},
		gen.UInt(),
	))

	properties.Property("disabling_disabled_account_is_idempotent", prop.ForAll(
		func(_ uint) bool {
			db, cleanup := setupTestDB(t)
			defer cleanup()

			service := NewAccountService(db, testVault())

			user := &models.User{Username: "testuser", PasswordHash: "hash"}
			db.Create(user)
			account := createTestAccount(t, service, user.ID, "test@example.com")

			for i := 0; i < 3; i++ {
				updated, err := service.SetSyncEnabled(account.ID, user.ID, false)
				if err != nil {
					return false
				}
				if updated.SyncEnabled {
					return false
				}
			}

			fetched, err := service.GetAccountByIDAndUserID(account.ID, user.ID)
			return err == nil && !fetched.SyncEnabled
		},
		gen.UInt(),
	))

	properties.Property("toggle_sequence_lands_on_last_state", prop.ForAll(
		func(finalEnabled bool) bool {
			db, cleanup := setupTestDB(t)
			defer cleanup()

			service := NewAccountService(db, testVault())

			user := &models.User{Username: "testuser", PasswordHash: "hash"}
			db.Create(user)
			account := createTestAccount(t, service, user.ID, "test@example.com")

			states := []bool{false, true, false, finalEnabled}
			for _, enabled := range states {
				if _, err := service.SetSyncEnabled(account.ID, user.ID, enabled); err != nil {
					return false
				}
			}

			fetched, err := service.GetAccountByIDAndUserID(account.ID, user.ID)
			return err == nil && fetched.SyncEnabled == finalEnabled
		},
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Re-enabling a disabled account clears the paused state and the error
// counter so the scheduler picks it up fresh.
func TestSetSyncEnabled_ReenableClearsErrorState(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewAccountService(db, testVault())

	user := &models.User{Username: "testuser", PasswordHash: "hash"}
	db.Create(user)
	account := createTestAccount(t, service, user.ID, "test@example.com")

	db.Model(&models.MailAccount{}).Where("id = ?", account.ID).Updates(map[string]interface{}{
		"sync_enabled":       false,
		"sync_status":        models.SyncStatusPaused,
		"last_sync_error":    "transient failure",
		"consecutive_errors": 5,
	})

	updated, err := service.SetSyncEnabled(account.ID, user.ID, true)
	if err != nil {
		t.Fatalf("SetSyncEnabled failed: %v", err)
	}
	if !updated.SyncEnabled {
		t.Error("expected account to be enabled")
	}
	if updated.SyncStatus != models.SyncStatusIdle {
		t.Errorf("expected idle status, got %s", updated.SyncStatus)
	}
	if updated.ConsecutiveErrors != 0 {
		t.Errorf("expected error counter reset, got %d", updated.ConsecutiveErrors)
	}
	if updated.LastSyncError != "" {
		t.Errorf("expected error cleared, got %q", updated.LastSyncError)
	}
}

func TestCreateAccount_Validation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewAccountService(db, testVault())

	user := &models.User{Username: "testuser", PasswordHash: "hash"}
	db.Create(user)

	_, err := service.CreateAccount(CreateAccountInput{
		UserID:   user.ID,
		Email:    "",
		IMAPHost: "imap.test.com",
		IMAPPort: 993,
		SMTPHost: "smtp.test.com",
		SMTPPort: 587,
		Username: "u",
		Password: "p",
	})
	if err != ErrInvalidAccountData {
		t.Errorf("expected ErrInvalidAccountData for empty email, got %v", err)
	}

	createTestAccount(t, service, user.ID, "dup@example.com")
	_, err = service.CreateAccount(CreateAccountInput{
		UserID:   user.ID,
		Email:    "dup@example.com",
		IMAPHost: "imap.test.com",
		IMAPPort: 993,
		SMTPHost: "smtp.test.com",
		SMTPPort: 587,
		Username: "dup@example.com",
		Password: "p",
	})
	if err != ErrAccountAlreadyExists {
		t.Errorf("expected ErrAccountAlreadyExists, got %v", err)
	}
}

// The stored password never appears in plaintext in the database and decrypts
// back to the original.
func TestAccountPasswordRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	service := NewAccountService(db, testVault())

	user := &models.User{Username: "testuser", PasswordHash: "hash"}
	db.Create(user)
	account := createTestAccount(t, service, user.ID, "test@example.com")

	if account.PasswordEncrypted == "testpassword" {
		t.Fatal("password stored in plaintext")
	}

	decrypted, err := service.GetDecryptedPassword(account)
	if err != nil {
		t.Fatalf("GetDecryptedPassword failed: %v", err)
	}
	if decrypted != "testpassword" {
		t.Errorf("expected original password back, got %q", decrypted)
	}

	// Corrupted ciphertext classifies integrity, not transient.
	account.PasswordEncrypted = "bm90LWEtdmFsaWQtY2lwaGVydGV4dC1hdC1hbGw="
	if _, err := service.GetDecryptedPassword(account); KindOf(err) != KindIntegrity {
		t.Errorf("expected integrity kind for corrupted ciphertext, got %v", err)
	}
}
