package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mailforge/core/internal/services"
)

// AccountHandler handles mail account endpoints.
type AccountHandler struct {
	accountService *services.AccountService
	tokenService   *services.TokenService
	syncScheduler  *services.SyncScheduler
}

// NewAccountHandler creates a new AccountHandler
func NewAccountHandler(accountService *services.AccountService, tokenService *services.TokenService, syncScheduler *services.SyncScheduler) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		tokenService:   tokenService,
		syncScheduler:  syncScheduler,
	}
}

// CreateAccountRequest is the create-account payload.
type CreateAccountRequest struct {
	Email             string   `json:"email" binding:"required"`
	DisplayName       string   `json:"display_name"`
	IMAPHost          string   `json:"imap_host" binding:"required"`
	IMAPPort          int      `json:"imap_port" binding:"required"`
	SMTPHost          string   `json:"smtp_host" binding:"required"`
	SMTPPort          int      `json:"smtp_port" binding:"required"`
	Username          string   `json:"username" binding:"required"`
	Password          string   `json:"password" binding:"required"`
	UseSSL            *bool    `json:"use_ssl"`
	AllowInsecureTLS  bool     `json:"allow_insecure_tls"`
	Folders           []string `json:"folders"`
	SyncFrequencySecs int      `json:"sync_frequency_secs"`
}

// CreateAccount creates a password-authenticated mail account.
// POST /api/accounts
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	orgID, _ := c.Get("org_id")
	org, _ := orgID.(uint)

	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	useSSL := true
	if req.UseSSL != nil {
		useSSL = *req.UseSSL
	}

	account, err := h.accountService.CreateAccount(services.CreateAccountInput{
		OrgID:             org,
		UserID:            userID,
		Email:             req.Email,
		DisplayName:       req.DisplayName,
		IMAPHost:          req.IMAPHost,
		IMAPPort:          req.IMAPPort,
		SMTPHost:          req.SMTPHost,
		SMTPPort:          req.SMTPPort,
		Username:          req.Username,
		Password:          req.Password,
		UseSSL:            useSSL,
		AllowInsecureTLS:  req.AllowInsecureTLS,
		Folders:           req.Folders,
		SyncFrequencySecs: req.SyncFrequencySecs,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAccountAlreadyExists):
			respondError(c, http.StatusConflict, "ACCOUNT_EXISTS", "An account with this email already exists")
		case errors.Is(err, services.ErrInvalidAccountData):
			respondError(c, http.StatusBadRequest, "INVALID_ACCOUNT_DATA", "Invalid account data")
		default:
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create account")
		}
		return
	}

	respondOK(c, account)
}

// ListAccounts returns all accounts of the authenticated user.
// GET /api/accounts
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	accounts, err := h.accountService.GetAccountsByUserID(userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list accounts")
		return
	}
	respondOK(c, accounts)
}

// GetAccount returns one account.
// GET /api/accounts/:id
func (h *AccountHandler) GetAccount(c *gin.Context) {
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
	respondOK(c, account)
}

// UpdateAccountRequest is the update-account payload.
type UpdateAccountRequest struct {
	DisplayName       string   `json:"display_name"`
	IMAPHost          string   `json:"imap_host"`
	IMAPPort          int      `json:"imap_port"`
	SMTPHost          string   `json:"smtp_host"`
	SMTPPort          int      `json:"smtp_port"`
	Username          string   `json:"username"`
	Password          string   `json:"password"`
	UseSSL            *bool    `json:"use_ssl"`
	AllowInsecureTLS  *bool    `json:"allow_insecure_tls"`
	Folders           []string `json:"folders"`
	SyncFrequencySecs *int     `json:"sync_frequency_secs"`
}

// UpdateAccount modifies account settings.
// PUT /api/accounts/:id
func (h *AccountHandler) UpdateAccount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	account, err := h.accountService.UpdateAccount(id, userID, services.UpdateAccountInput{
		DisplayName:       req.DisplayName,
		IMAPHost:          req.IMAPHost,
		IMAPPort:          req.IMAPPort,
		SMTPHost:          req.SMTPHost,
		SMTPPort:          req.SMTPPort,
		Username:          req.Username,
		Password:          req.Password,
		UseSSL:            req.UseSSL,
		AllowInsecureTLS:  req.AllowInsecureTLS,
		Folders:           req.Folders,
		SyncFrequencySecs: req.SyncFrequencySecs,
	})
	if err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update account")
		return
	}
	respondOK(c, account)
}

// DeleteAccount removes an account and everything it owns.
// DELETE /api/accounts/:id
func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.accountService.DeleteAccount(id, userID); err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete account")
		return
	}
	respondOK(c, gin.H{"message": "Account deleted"})
}

// EnableAccount re-enables sync for an account.
// PUT /api/accounts/:id/enable
func (h *AccountHandler) EnableAccount(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableAccount disables sync for an account.
// PUT /api/accounts/:id/disable
func (h *AccountHandler) DisableAccount(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *AccountHandler) setEnabled(c *gin.Context, enabled bool) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	account, err := h.accountService.SetSyncEnabled(id, userID, enabled)
	if err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update account")
		return
	}
	respondOK(c, account)
}

// GetAccountStatus returns the account's sync status summary.
// GET /api/accounts/:id/status
func (h *AccountHandler) GetAccountStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	status, err := h.accountService.GetAccountStatus(id, userID)
	if err != nil {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
		return
	}
	respondOK(c, status)
}

// TestConnection probes the account's IMAP and SMTP endpoints.
// POST /api/accounts/:id/test
func (h *AccountHandler) TestConnection(c *gin.Context) {
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

	respondOK(c, h.accountService.TestConnection(account, h.tokenService))
}

// TriggerSync starts an immediate sync for the account.
// POST /api/accounts/:id/sync
func (h *AccountHandler) TriggerSync(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if _, err := h.accountService.GetAccountByIDAndUserID(id, userID); err != nil {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
		return
	}

	jobID, err := h.syncScheduler.TriggerSyncNow(id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAccountDisabled):
			respondError(c, http.StatusConflict, "ACCOUNT_DISABLED", "Sync is disabled for this account")
		default:
			respondError(c, http.StatusConflict, "SYNC_IN_PROGRESS", err.Error())
		}
		return
	}
	respondOK(c, gin.H{"job_id": jobID})
}
