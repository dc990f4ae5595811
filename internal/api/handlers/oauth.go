package handlers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mailforge/core/internal/config"
	"github.com/mailforge/core/internal/database/models"
	"github.com/mailforge/core/internal/services"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// stateTTL bounds how long an OAuth flow can stay pending.
const stateTTL = 10 * time.Minute

// OAuthHandler handles the Google account-linking flow.
type OAuthHandler struct {
	cfg            *config.Config
	accountService *services.AccountService
	tokenService   *services.TokenService
	stateStore     *stateStore
}

type stateStore struct {
	mu     sync.RWMutex
	states map[string]*oauthState
}

type oauthState struct {
	UserID      uint
	OrgID       uint
	DisplayName string
	CreatedAt   time.Time
}

// NewOAuthHandler creates a new OAuthHandler
func NewOAuthHandler(cfg *config.Config, accountService *services.AccountService, tokenService *services.TokenService) *OAuthHandler {
	return &OAuthHandler{
		cfg:            cfg,
		accountService: accountService,
		tokenService:   tokenService,
		stateStore:     &stateStore{states: make(map[string]*oauthState)},
	}
}

func (h *OAuthHandler) googleConfig() *oauth2.Config {
	redirectURL := h.cfg.GoogleRedirectURL
	if redirectURL == "" {
		redirectURL = fmt.Sprintf("http://localhost:%s/api/oauth/google/callback", h.cfg.APIPort)
	}
	return &oauth2.Config{
		ClientID:     h.cfg.GoogleClientID,
		ClientSecret: h.cfg.GoogleClientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"https://mail.google.com/",
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Endpoint: google.Endpoint,
	}
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// GetOAuthConfig reports whether Google linking is configured.
// GET /api/oauth/config
func (h *OAuthHandler) GetOAuthConfig(c *gin.Context) {
	respondOK(c, gin.H{
		"google_enabled": h.cfg.GoogleClientID != "" && h.cfg.GoogleClientSecret != "",
	})
}

// GetGoogleAuthURL starts the linking flow and returns the consent URL.
// GET /api/oauth/google/auth
func (h *OAuthHandler) GetGoogleAuthURL(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	orgID, _ := c.Get("org_id")
	org, _ := orgID.(uint)

	conf := h.googleConfig()
	if conf.ClientID == "" || conf.ClientSecret == "" {
		respondError(c, http.StatusInternalServerError, "OAUTH_NOT_CONFIGURED", "Google OAuth is not configured")
		return
	}

	state, err := generateState()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "STATE_GENERATION_FAILED", "Failed to generate state token")
		return
	}

	h.stateStore.mu.Lock()
	h.stateStore.states[state] = &oauthState{
		UserID:      userID,
		OrgID:       org,
		DisplayName: c.Query("display_name"),
		CreatedAt:   time.Now(),
	}
	h.stateStore.mu.Unlock()

	go h.cleanupOldStates()

	// offline access is what yields the refresh token.
	url := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	respondOK(c, gin.H{"auth_url": url})
}

// GoogleCallback finishes the linking flow: exchanges the code, resolves the
// mailbox address, and stores the account with its encrypted tokens.
// GET /api/oauth/google/callback
func (h *OAuthHandler) GoogleCallback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		c.Redirect(http.StatusFound, "/?oauth_error="+errParam)
		return
	}
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.Redirect(http.StatusFound, "/?oauth_error=missing_params")
		return
	}

	h.stateStore.mu.Lock()
	pending, exists := h.stateStore.states[state]
	delete(h.stateStore.states, state)
	h.stateStore.mu.Unlock()

	if !exists {
		c.Redirect(http.StatusFound, "/?oauth_error=invalid_state")
		return
	}
	if time.Since(pending.CreatedAt) > stateTTL {
		c.Redirect(http.StatusFound, "/?oauth_error=state_expired")
		return
	}

	conf := h.googleConfig()
	token, err := conf.Exchange(context.Background(), code)
	if err != nil {
		c.Redirect(http.StatusFound, "/?oauth_error=token_exchange_failed")
		return
	}

	email, err := getGoogleUserEmail(token.AccessToken)
	if err != nil {
		c.Redirect(http.StatusFound, "/?oauth_error=get_email_failed")
		return
	}

	displayName := pending.DisplayName
	if displayName == "" {
		displayName = email
	}
	account := &models.MailAccount{
		OrgID:         pending.OrgID,
		UserID:        pending.UserID,
		Email:         email,
		DisplayName:   displayName,
		IMAPHost:      "imap.gmail.com",
		IMAPPort:      993,
		SMTPHost:      "smtp.gmail.com",
		SMTPPort:      587,
		Username:      email,
		UseSSL:        true,
		OAuthProvider: "google",
	}

	scope := strings.Join(conf.Scopes, " ")
	if _, err := h.accountService.CreateAccountWithOAuth(account, token.AccessToken, token.RefreshToken, scope, token.Expiry); err != nil {
		c.Redirect(http.StatusFound, "/?oauth_error=save_account_failed")
		return
	}

	c.Redirect(http.StatusFound, "/?oauth_success=google&email="+email)
}

// UnlinkAccount revokes the account's OAuth grant.
// POST /api/accounts/:id/oauth/revoke
func (h *OAuthHandler) UnlinkAccount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	account, err := h.accountService.GetAccountByIDAndUserID(id, userID)
	if err != nil {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
		return
	}
	if account.AuthType != models.AuthTypeOAuth2 {
		respondError(c, http.StatusBadRequest, "NOT_OAUTH_ACCOUNT", "Account does not use OAuth")
		return
	}

	if err := h.tokenService.Revoke(account); err != nil {
		respondError(c, http.StatusInternalServerError, "REVOKE_FAILED", "Failed to revoke token")
		return
	}
	if _, err := h.accountService.SetSyncEnabled(id, userID, false); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to disable account")
		return
	}
	respondOK(c, gin.H{"message": "Account unlinked"})
}

// getGoogleUserEmail gets the user's email from Google API
func getGoogleUserEmail(accessToken string) (string, error) {
	resp, err := http.Get("https://www.googleapis.com/oauth2/v2/userinfo?access_token=" + accessToken)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get user info: status %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return "", err
	}
	return userInfo.Email, nil
}

func (h *OAuthHandler) cleanupOldStates() {
	h.stateStore.mu.Lock()
	defer h.stateStore.mu.Unlock()

	for state, pending := range h.stateStore.states {
		if time.Since(pending.CreatedAt) > stateTTL {
			delete(h.stateStore.states, state)
		}
	}
}
