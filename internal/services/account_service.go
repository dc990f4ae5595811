package services

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mailforge/core/internal/database/models"
	"github.com/mailforge/core/internal/vault"
	"gorm.io/gorm"
)

// AccountService handles mail account business logic. Credentials pass
// through the vault on their way in and out of the database.
type AccountService struct {
	db         *gorm.DB
	vault      *vault.Vault
	logService *LogService
}

// NewAccountService creates a new AccountService instance
func NewAccountService(db *gorm.DB, v *vault.Vault) *AccountService {
	return &AccountService{
		db:         db,
		vault:      v,
		logService: NewLogService(db),
	}
}

// CreateAccountInput represents the input for creating a mail account
type CreateAccountInput struct {
	OrgID             uint
	UserID            uint
	Email             string
	DisplayName       string
	IMAPHost          string
	IMAPPort          int
	SMTPHost          string
	SMTPPort          int
	Username          string
	Password          string
	UseSSL            bool
	AllowInsecureTLS  bool
	Folders           []string
	SyncFrequencySecs int
}

// CreateAccount creates a new password-authenticated mail account.
func (s *AccountService) CreateAccount(input CreateAccountInput) (*models.MailAccount, error) {
	if input.Email == "" || input.IMAPHost == "" || input.SMTPHost == "" || input.Username == "" || input.Password == "" {
		return nil, ErrInvalidAccountData
	}
	if input.IMAPPort <= 0 || input.IMAPPort > 65535 || input.SMTPPort <= 0 || input.SMTPPort > 65535 {
		return nil, ErrInvalidAccountData
	}

	var existing models.MailAccount
	if err := s.db.Where("user_id = ? AND email = ?", input.UserID, input.Email).First(&existing).Error; err == nil {
		return nil, ErrAccountAlreadyExists
	}

	encrypted, err := s.vault.Encrypt(vault.KeyPassword, input.Password)
	if err != nil {
		return nil, err
	}

	account := &models.MailAccount{
		OrgID:             input.OrgID,
		UserID:            input.UserID,
		Email:             input.Email,
		DisplayName:       input.DisplayName,
		AuthType:          models.AuthTypePassword,
		IMAPHost:          input.IMAPHost,
		IMAPPort:          input.IMAPPort,
		SMTPHost:          input.SMTPHost,
		SMTPPort:          input.SMTPPort,
		Username:          input.Username,
		PasswordEncrypted: encrypted,
		UseSSL:            input.UseSSL,
		AllowInsecureTLS:  input.AllowInsecureTLS,
		Folders:           encodeFolders(input.Folders),
		SyncEnabled:       true,
		SyncFrequencySecs: input.SyncFrequencySecs,
		SyncStatus:        models.SyncStatusIdle,
	}

	if err := s.db.Create(account).Error; err != nil {
		return nil, err
	}

	s.logService.LogInfo(input.UserID, models.LogModuleAccount, "create", "Mail account created", map[string]interface{}{
		"account_id": account.ID,
		"email":      account.Email,
	})

	return account, nil
}

// CreateAccountWithOAuth creates or relinks an OAuth-authenticated account
// together with its token row. Tokens are encrypted before they hit the
// database; relinking an existing account revokes the previous token.
func (s *AccountService) CreateAccountWithOAuth(account *models.MailAccount, accessToken, refreshToken, scope string, expiresAt time.Time) (*models.MailAccount, error) {
	encryptedAccess, err := s.vault.Encrypt(vault.KeyOAuth, accessToken)
	if err != nil {
		return nil, err
	}
	encryptedRefresh, err := s.vault.Encrypt(vault.KeyOAuth, refreshToken)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.MailAccount
		if err := tx.Where("user_id = ? AND email = ?", account.UserID, account.Email).First(&existing).Error; err == nil {
			// Relink: retire the old token, reuse the account row.
			if existing.OAuthTokenID != 0 {
				tx.Model(&models.OAuthToken{}).Where("id = ?", existing.OAuthTokenID).Update("revoked", true)
			}
			existing.AuthType = models.AuthTypeOAuth2
			existing.OAuthProvider = account.OAuthProvider
			existing.SyncEnabled = true
			existing.SyncStatus = models.SyncStatusIdle
			existing.LastSyncError = ""
			existing.ConsecutiveErrors = 0
			*account = existing
		} else {
			account.AuthType = models.AuthTypeOAuth2
			account.SyncEnabled = true
			account.SyncStatus = models.SyncStatusIdle
			if err := tx.Create(account).Error; err != nil {
				return err
			}
		}

		token := &models.OAuthToken{
			AccountID:             account.ID,
			Provider:              account.OAuthProvider,
			AccessTokenEncrypted:  encryptedAccess,
			RefreshTokenEncrypted: encryptedRefresh,
			ExpiresAt:             expiresAt,
			Scope:                 scope,
		}
		if err := tx.Create(token).Error; err != nil {
			return err
		}

		account.OAuthTokenID = token.ID
		return tx.Model(&models.MailAccount{}).Where("id = ?", account.ID).
			Updates(map[string]interface{}{
				"auth_type":       models.AuthTypeOAuth2,
				"oauth_provider":  account.OAuthProvider,
				"oauth_token_id":  token.ID,
				"sync_enabled":    true,
				"sync_status":     models.SyncStatusIdle,
				"last_sync_error": "",
			}).Error
	})
	if err != nil {
		return nil, err
	}

	s.logService.LogInfo(account.UserID, models.LogModuleAccount, "oauth_link", "Mail account linked via OAuth", map[string]interface{}{
		"account_id": account.ID,
		"email":      account.Email,
		"provider":   account.OAuthProvider,
	})

	return account, nil
}

// GetAccountByID retrieves a mail account by ID
func (s *AccountService) GetAccountByID(id uint) (*models.MailAccount, error) {
	var account models.MailAccount
	if err := s.db.First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetAccountByIDAndUserID retrieves a mail account by ID and user ID (for authorization)
func (s *AccountService) GetAccountByIDAndUserID(id, userID uint) (*models.MailAccount, error) {
	var account models.MailAccount
	if err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetAccountsByUserID retrieves all mail accounts for a user
func (s *AccountService) GetAccountsByUserID(userID uint) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	if err := s.db.Where("user_id = ?", userID).Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// GetAccountsByOrgID retrieves all mail accounts in an organization
func (s *AccountService) GetAccountsByOrgID(orgID uint) ([]models.MailAccount, error) {
	var accounts []models.MailAccount
	if err := s.db.Where("org_id = ?", orgID).Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// UpdateAccountInput represents the input for updating a mail account
type UpdateAccountInput struct {
	DisplayName       string
	IMAPHost          string
	IMAPPort          int
	SMTPHost          string
	SMTPPort          int
	Username          string
	Password          string // Optional: only update if not empty
	UseSSL            *bool
	AllowInsecureTLS  *bool
	Folders           []string
	SyncFrequencySecs *int
}

// UpdateAccount updates a mail account. Rotating the password clears error
// state so the next scheduled sync retries with the new credential.
func (s *AccountService) UpdateAccount(id, userID uint, input UpdateAccountInput) (*models.MailAccount, error) {
	account, err := s.GetAccountByIDAndUserID(id, userID)
	if err != nil {
		return nil, err
	}

	if input.DisplayName != "" {
		account.DisplayName = input.DisplayName
	}
	if input.IMAPHost != "" {
		account.IMAPHost = input.IMAPHost
	}
	if input.IMAPPort > 0 {
		account.IMAPPort = input.IMAPPort
	}
	if input.SMTPHost != "" {
		account.SMTPHost = input.SMTPHost
	}
	if input.SMTPPort > 0 {
		account.SMTPPort = input.SMTPPort
	}
	if input.Username != "" {
		account.Username = input.Username
	}
	if input.UseSSL != nil {
		account.UseSSL = *input.UseSSL
	}
	if input.AllowInsecureTLS != nil {
		account.AllowInsecureTLS = *input.AllowInsecureTLS
	}
	if len(input.Folders) > 0 {
		account.Folders = encodeFolders(input.Folders)
	}
	if input.SyncFrequencySecs != nil {
		account.SyncFrequencySecs = *input.SyncFrequencySecs
	}

	if input.Password != "" {
		encrypted, err := s.vault.Encrypt(vault.KeyPassword, input.Password)
		if err != nil {
			return nil, err
		}
		account.PasswordEncrypted = encrypted
		account.SyncEnabled = true
		account.SyncStatus = models.SyncStatusIdle
		account.LastSyncError = ""
		account.ConsecutiveErrors = 0
	}

	if err := s.db.Save(account).Error; err != nil {
		return nil, err
	}

	s.logService.LogInfo(userID, models.LogModuleAccount, "update", "Mail account updated", map[string]interface{}{
		"account_id": account.ID,
		"email":      account.Email,
	})

	return account, nil
}

// DeleteAccount deletes a mail account and everything it owns.
func (s *AccountService) DeleteAccount(id, userID uint) error {
	account, err := s.GetAccountByIDAndUserID(id, userID)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var threadIDs []uint
		tx.Model(&models.EmailThread{}).Where("account_id = ?", id).Pluck("id", &threadIDs)

		var emailIDs []uint
		tx.Model(&models.Email{}).Where("account_id = ?", id).Pluck("id", &emailIDs)

		if len(emailIDs) > 0 {
			if err := tx.Where("email_id IN ?", emailIDs).Delete(&models.EmailAttachment{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.Email{}).Error; err != nil {
			return err
		}
		if len(threadIDs) > 0 {
			if err := tx.Where("id IN ?", threadIDs).Delete(&models.EmailThread{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.FolderState{}).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.OAuthToken{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.MailAccount{}, id).Error
	})
	if err != nil {
		return err
	}

	s.logService.LogInfo(userID, models.LogModuleAccount, "delete", "Mail account deleted", map[string]interface{}{
		"account_id": id,
		"email":      account.Email,
	})

	return nil
}

// SetSyncEnabled flips sync on or off. Re-enabling clears paused/error state
// so the scheduler picks the account up again.
func (s *AccountService) SetSyncEnabled(id, userID uint, enabled bool) (*models.MailAccount, error) {
	account, err := s.GetAccountByIDAndUserID(id, userID)
	if err != nil {
		return nil, err
	}

	account.SyncEnabled = enabled
	if enabled {
		account.SyncStatus = models.SyncStatusIdle
		account.ConsecutiveErrors = 0
		account.LastSyncError = ""
	}

	if err := s.db.Save(account).Error; err != nil {
		return nil, err
	}

	status := "disabled"
	if enabled {
		status = "enabled"
	}
	s.logService.LogInfo(userID, models.LogModuleAccount, "status_change", "Mail account sync "+status, map[string]interface{}{
		"account_id": account.ID,
		"email":      account.Email,
	})

	return account, nil
}

// GetDecryptedPassword retrieves the decrypted password for an account.
// A vault failure here means the stored ciphertext no longer matches the
// key material; retrying cannot fix that, so it is classified integrity.
func (s *AccountService) GetDecryptedPassword(account *models.MailAccount) (string, error) {
	password, err := s.vault.Decrypt(vault.KeyPassword, account.PasswordEncrypted)
	if err != nil {
		return "", integrityErr("password decrypt", err)
	}
	return password, nil
}

// AccountStatus is the externally consumed sync state summary.
type AccountStatus struct {
	AccountID         uint              `json:"account_id"`
	SyncStatus        models.SyncStatus `json:"status"`
	LastSyncAt        time.Time         `json:"last_sync_at"`
	LastSyncError     string            `json:"last_error,omitempty"`
	FullSyncCompleted bool              `json:"full_sync_completed"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
}

// GetAccountStatus returns the sync status summary for an account.
func (s *AccountService) GetAccountStatus(id, userID uint) (*AccountStatus, error) {
	account, err := s.GetAccountByIDAndUserID(id, userID)
	if err != nil {
		return nil, err
	}
	return &AccountStatus{
		AccountID:         account.ID,
		SyncStatus:        account.SyncStatus,
		LastSyncAt:        account.LastSyncAt,
		LastSyncError:     account.LastSyncError,
		FullSyncCompleted: account.FullSyncCompleted,
		ConsecutiveErrors: account.ConsecutiveErrors,
	}, nil
}

func encodeFolders(folders []string) string {
	if len(folders) == 0 {
		return ""
	}
	data, _ := json.Marshal(folders)
	return string(data)
}
