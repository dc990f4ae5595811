package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailforge/core/internal/config"
	"github.com/mailforge/core/internal/database/models"
	"gorm.io/gorm"
)

func newTestTokenService(db *gorm.DB) (*TokenService, *AccountService) {
	cfg := &config.Config{
		GoogleClientID:     "test-client-id",
		GoogleClientSecret: "test-client-secret",
	}
	v := testVault()
	return NewTokenService(db, v, cfg), NewAccountService(db, v)
}

func createOAuthAccount(t *testing.T, db *gorm.DB, accountService *AccountService, expiresAt time.Time) *models.MailAccount {
	user := &models.User{Username: "oauthuser", PasswordHash: "hash"}
	db.Create(user)

	account := &models.MailAccount{
		UserID:        user.ID,
		Email:         "oauth@gmail.com",
		DisplayName:   "OAuth Account",
		IMAPHost:      "imap.gmail.com",
		IMAPPort:      993,
		SMTPHost:      "smtp.gmail.com",
		SMTPPort:      587,
		Username:      "oauth@gmail.com",
		UseSSL:        true,
		OAuthProvider: "google",
	}
	created, err := accountService.CreateAccountWithOAuth(account, "access-token-0", "refresh-token-0", "https://mail.google.com/", expiresAt)
	if err != nil {
		t.Fatalf("Failed to create OAuth account: %v", err)
	}
	return created
}

func refreshTestServer(t *testing.T, refreshCount *int, accessToken string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		if r.FormValue("grant_type") != "refresh_token" {
			t.Errorf("expected refresh_token grant, got %q", r.FormValue("grant_type"))
		}
		if r.FormValue("refresh_token") == "" {
			t.Error("expected refresh_token in request")
		}
		*refreshCount++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   3600,
		})
	}))
}

// A token past the expiry skew triggers exactly one refresh; the new access
// token is returned and persisted encrypted.
func TestGetValidToken_RefreshesExpired(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tokenService, accountService := newTestTokenService(db)
	account := createOAuthAccount(t, db, accountService, time.Now().Add(-time.Minute))

	refreshCount := 0
	server := refreshTestServer(t, &refreshCount, "access-token-1")
	defer server.Close()
	tokenService.tokenEndpoint = server.URL

	access, err := tokenService.GetValidToken(account)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if access != "access-token-1" {
		t.Errorf("expected refreshed token, got %q", access)
	}
	if refreshCount != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", refreshCount)
	}

	var token models.OAuthToken
	db.First(&token, account.OAuthTokenID)
	if token.AccessTokenEncrypted == "access-token-1" {
		t.Error("access token stored in plaintext")
	}
	if !token.ExpiresAt.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("expected extended expiry, got %v", token.ExpiresAt)
	}
	// The provider did not rotate the refresh token, so the stored one
	// must survive.
	if token.RefreshTokenEncrypted == "" {
		t.Error("expected refresh token kept")
	}
}

// A token with time to spare is used as-is.
func TestGetValidToken_FreshTokenNotRefreshed(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tokenService, accountService := newTestTokenService(db)
	account := createOAuthAccount(t, db, accountService, time.Now().Add(time.Hour))

	refreshCount := 0
	server := refreshTestServer(t, &refreshCount, "should-not-be-used")
	defer server.Close()
	tokenService.tokenEndpoint = server.URL

	access, err := tokenService.GetValidToken(account)
	if err != nil {
		t.Fatalf("GetValidToken failed: %v", err)
	}
	if access != "access-token-0" {
		t.Errorf("expected stored token, got %q", access)
	}
	if refreshCount != 0 {
		t.Errorf("expected no refresh, got %d", refreshCount)
	}
}

// invalid_grant means the grant is dead: the token is marked revoked and the
// account is taken out of scheduling.
func TestRefresh_InvalidGrantRevokesToken(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tokenService, accountService := newTestTokenService(db)
	account := createOAuthAccount(t, db, accountService, time.Now().Add(-time.Minute))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "Token has been expired or revoked.",
		})
	}))
	defer server.Close()
	tokenService.tokenEndpoint = server.URL

	_, err := tokenService.GetValidToken(account)
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindAuthFatal {
		t.Errorf("expected auth-fatal kind, got %s", KindOf(err))
	}
	if !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("expected ErrTokenRevoked in chain, got %v", err)
	}

	var token models.OAuthToken
	db.First(&token, account.OAuthTokenID)
	if !token.Revoked {
		t.Error("expected token marked revoked")
	}

	var refreshed models.MailAccount
	db.First(&refreshed, account.ID)
	if refreshed.SyncEnabled {
		t.Error("expected account disabled after revocation")
	}
	if refreshed.SyncStatus != models.SyncStatusError {
		t.Errorf("expected error status, got %s", refreshed.SyncStatus)
	}

	// Subsequent calls fail fast without calling the provider.
	if _, err := tokenService.GetValidToken(&refreshed); KindOf(err) != KindAuthFatal {
		t.Errorf("expected auth-fatal on revoked token, got %v", err)
	}
}

// A provider outage is transient; the stored token is left alone.
func TestRefresh_ServerErrorIsTransient(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tokenService, accountService := newTestTokenService(db)
	account := createOAuthAccount(t, db, accountService, time.Now().Add(-time.Minute))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	tokenService.tokenEndpoint = server.URL

	_, err := tokenService.GetValidToken(account)
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindTransient {
		t.Errorf("expected transient kind, got %s", KindOf(err))
	}

	var token models.OAuthToken
	db.First(&token, account.OAuthTokenID)
	if token.Revoked {
		t.Error("outage must not revoke the token")
	}

	var refreshed models.MailAccount
	db.First(&refreshed, account.ID)
	if !refreshed.SyncEnabled {
		t.Error("outage must not disable the account")
	}
}

// RefreshExpiring only touches tokens inside the window.
func TestRefreshExpiring_Window(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tokenService, accountService := newTestTokenService(db)

	// Expiring soon: should be refreshed.
	createOAuthAccount(t, db, accountService, time.Now().Add(5*time.Minute))

	// Plenty of time left: should be skipped.
	user2 := &models.User{Username: "oauthuser2", PasswordHash: "hash"}
	db.Create(user2)
	account2 := &models.MailAccount{
		UserID:        user2.ID,
		Email:         "fresh@gmail.com",
		IMAPHost:      "imap.gmail.com",
		IMAPPort:      993,
		SMTPHost:      "smtp.gmail.com",
		SMTPPort:      587,
		Username:      "fresh@gmail.com",
		OAuthProvider: "google",
	}
	if _, err := accountService.CreateAccountWithOAuth(account2, "access-b", "refresh-b", "", time.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("Failed to create second account: %v", err)
	}

	refreshCount := 0
	server := refreshTestServer(t, &refreshCount, "access-new")
	defer server.Close()
	tokenService.tokenEndpoint = server.URL

	attempted := tokenService.RefreshExpiring(10 * time.Minute)
	if attempted != 1 {
		t.Errorf("expected 1 refresh attempted, got %d", attempted)
	}
	if refreshCount != 1 {
		t.Errorf("expected 1 provider call, got %d", refreshCount)
	}
}

// Revoke marks the stored token dead even when the provider call fails.
func TestRevoke(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tokenService, accountService := newTestTokenService(db)
	account := createOAuthAccount(t, db, accountService, time.Now().Add(time.Hour))

	revokeCalled := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		revokeCalled = true
	}))
	defer server.Close()
	tokenService.revokeEndpoint = server.URL

	if err := tokenService.Revoke(account); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if !revokeCalled {
		t.Error("expected provider revoke call")
	}

	var token models.OAuthToken
	db.First(&token, account.OAuthTokenID)
	if !token.Revoked {
		t.Error("expected token marked revoked")
	}
}
