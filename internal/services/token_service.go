package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mailforge/core/internal/config"
	"github.com/mailforge/core/internal/database/models"
	"github.com/mailforge/core/internal/vault"
	"gorm.io/gorm"
)

const (
	// tokenExpirySkew treats tokens expiring this soon as already expired,
	// so a refresh happens before the provider rejects the session mid-sync.
	tokenExpirySkew = 60 * time.Second

	googleTokenEndpoint  = "https://oauth2.googleapis.com/token"
	googleRevokeEndpoint = "https://oauth2.googleapis.com/revoke"
)

// TokenService owns the OAuth token lifecycle: decryption, expiry checks,
// refresh against the provider, and revocation bookkeeping.
type TokenService struct {
	db         *gorm.DB
	vault      *vault.Vault
	cfg        *config.Config
	logService *LogService

	// tokenEndpoint and revokeEndpoint override the provider URLs in tests.
	tokenEndpoint  string
	revokeEndpoint string
}

// NewTokenService creates a new TokenService instance
func NewTokenService(db *gorm.DB, v *vault.Vault, cfg *config.Config) *TokenService {
	return &TokenService{
		db:         db,
		vault:      v,
		cfg:        cfg,
		logService: NewLogService(db),
	}
}

// getTokenRow loads the token row an account references.
func (s *TokenService) getTokenRow(account *models.MailAccount) (*models.OAuthToken, error) {
	if account.OAuthTokenID == 0 {
		return nil, ErrTokenNotFound
	}
	var token models.OAuthToken
	if err := s.db.First(&token, account.OAuthTokenID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &token, nil
}

// GetValidToken returns a usable access token for the account, refreshing
// first when the stored one is expired or about to expire. A revoked token
// is an auth-fatal condition.
func (s *TokenService) GetValidToken(account *models.MailAccount) (string, error) {
	token, err := s.getTokenRow(account)
	if err != nil {
		return "", authFatalErr("token load", err)
	}
	if token.Revoked {
		return "", authFatalErr("token load", ErrTokenRevoked)
	}

	if token.ExpiresWithin(time.Now(), tokenExpirySkew) {
		return s.Refresh(account, token)
	}

	access, err := s.vault.Decrypt(vault.KeyOAuth, token.AccessTokenEncrypted)
	if err != nil {
		return "", integrityErr("token decrypt", err)
	}
	return access, nil
}

// tokenResponse is the relevant subset of the provider's refresh response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// tokenError is the OAuth2 error body shape.
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the result. invalid_grant means the grant is dead: the token is
// marked revoked and the account is taken out of scheduling until the user
// re-authorizes.
func (s *TokenService) Refresh(account *models.MailAccount, token *models.OAuthToken) (string, error) {
	refreshToken, err := s.vault.Decrypt(vault.KeyOAuth, token.RefreshTokenEncrypted)
	if err != nil {
		return "", integrityErr("token decrypt", err)
	}
	if refreshToken == "" {
		return "", authFatalErr("token refresh", errNoRefreshToken)
	}

	endpoint := s.tokenEndpoint
	if endpoint == "" {
		endpoint = googleTokenEndpoint
	}

	resp, err := http.PostForm(endpoint, url.Values{
		"client_id":     {s.cfg.GoogleClientID},
		"client_secret": {s.cfg.GoogleClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
	if err != nil {
		return "", transientErr("token refresh", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var oauthErr tokenError
		json.Unmarshal(body, &oauthErr)

		if oauthErr.Error == "invalid_grant" || resp.StatusCode == http.StatusUnauthorized {
			s.markRevoked(account, token, oauthErr.ErrorDescription)
			return "", authFatalErr("token refresh", fmt.Errorf("%w: %s", ErrTokenRevoked, oauthErr.Error))
		}
		// Provider outage or rate limit; leave the stored token alone.
		return "", transientErr("token refresh", fmt.Errorf("token refresh failed with status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", transientErr("token refresh", err)
	}
	if tr.AccessToken == "" {
		return "", transientErr("token refresh", fmt.Errorf("provider returned empty access token"))
	}

	encryptedAccess, err := s.vault.Encrypt(vault.KeyOAuth, tr.AccessToken)
	if err != nil {
		return "", integrityErr("token encrypt", err)
	}

	updates := map[string]interface{}{
		"access_token_encrypted": encryptedAccess,
		"expires_at":             time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	// Providers rotate the refresh token only sometimes; keep the old one
	// unless a new one arrives.
	if tr.RefreshToken != "" {
		encryptedRefresh, err := s.vault.Encrypt(vault.KeyOAuth, tr.RefreshToken)
		if err != nil {
			return "", integrityErr("token encrypt", err)
		}
		updates["refresh_token_encrypted"] = encryptedRefresh
	}
	if tr.Scope != "" {
		updates["scope"] = tr.Scope
	}

	if err := s.db.Model(&models.OAuthToken{}).Where("id = ?", token.ID).Updates(updates).Error; err != nil {
		return "", err
	}

	s.logService.LogInfo(account.UserID, models.LogModuleToken, "refresh", "OAuth token refreshed", map[string]interface{}{
		"account_id": account.ID,
		"token_id":   token.ID,
	})

	return tr.AccessToken, nil
}

// markRevoked records a dead grant and disables the account so the
// scheduler stops retrying a credential only the user can fix.
func (s *TokenService) markRevoked(account *models.MailAccount, token *models.OAuthToken, reason string) {
	s.db.Model(&models.OAuthToken{}).Where("id = ?", token.ID).Update("revoked", true)
	s.db.Model(&models.MailAccount{}).Where("id = ?", account.ID).Updates(map[string]interface{}{
		"sync_status":     models.SyncStatusError,
		"sync_enabled":    false,
		"last_sync_error": "oauth token revoked, re-authorization required",
	})

	s.logService.LogError(account.UserID, models.LogModuleToken, "revoked", "OAuth refresh grant rejected", map[string]interface{}{
		"account_id": account.ID,
		"token_id":   token.ID,
		"reason":     reason,
	})
}

// Revoke notifies the provider (best effort) and marks the stored token
// revoked. Used when the user unlinks an account.
func (s *TokenService) Revoke(account *models.MailAccount) error {
	token, err := s.getTokenRow(account)
	if err != nil {
		return err
	}

	access, err := s.vault.Decrypt(vault.KeyOAuth, token.AccessTokenEncrypted)
	if err == nil && access != "" {
		endpoint := s.revokeEndpoint
		if endpoint == "" {
			endpoint = googleRevokeEndpoint
		}
		resp, err := http.PostForm(endpoint, url.Values{"token": {access}})
		if err == nil {
			resp.Body.Close()
		}
	}

	if err := s.db.Model(&models.OAuthToken{}).Where("id = ?", token.ID).Update("revoked", true).Error; err != nil {
		return err
	}

	s.logService.LogInfo(account.UserID, models.LogModuleToken, "revoke", "OAuth token revoked by user", map[string]interface{}{
		"account_id": account.ID,
		"token_id":   token.ID,
	})
	return nil
}

// RefreshExpiring proactively refreshes tokens that expire within the given
// window. Returns how many refreshes were attempted.
func (s *TokenService) RefreshExpiring(window time.Duration) int {
	var accounts []models.MailAccount
	if err := s.db.Where("auth_type = ? AND sync_enabled = ?", models.AuthTypeOAuth2, true).Find(&accounts).Error; err != nil {
		return 0
	}

	attempted := 0
	deadline := time.Now().Add(window)
	for i := range accounts {
		account := &accounts[i]
		token, err := s.getTokenRow(account)
		if err != nil || token.Revoked {
			continue
		}
		if token.ExpiresAt.After(deadline) {
			continue
		}

		attempted++
		if _, err := s.Refresh(account, token); err != nil {
			if KindOf(err) == KindTransient {
				s.logService.LogWarn(account.UserID, models.LogModuleToken, "refresh", "Proactive token refresh failed, will retry", map[string]interface{}{
					"account_id": account.ID,
					"error":      err.Error(),
				})
			}
		}
	}
	return attempted
}

// providerLabel normalizes a provider name for health grouping.
func providerLabel(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return "password"
	}
	return p
}
