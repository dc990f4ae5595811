package models

import (
	"encoding/json"
	"time"
)

// AuthType identifies how an account authenticates to its provider.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// SyncStatus is the current sync state of an account.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
	SyncStatusPaused  SyncStatus = "paused"
)

// MailAccount represents one mailbox connected by a user.
type MailAccount struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	OrgID       uint   `gorm:"index" json:"org_id"`
	UserID      uint   `gorm:"index;not null" json:"user_id"`
	Email       string `gorm:"size:255;not null" json:"email"`
	DisplayName string `gorm:"size:100" json:"display_name"`

	AuthType          AuthType `gorm:"size:20;default:'password'" json:"auth_type"`
	IMAPHost          string   `gorm:"size:255;not null" json:"imap_host"`
	IMAPPort          int      `gorm:"not null" json:"imap_port"`
	SMTPHost          string   `gorm:"size:255;not null" json:"smtp_host"`
	SMTPPort          int      `gorm:"not null" json:"smtp_port"`
	Username          string   `gorm:"size:255;not null" json:"username"`
	PasswordEncrypted string   `gorm:"size:500" json:"-"`
	UseSSL            bool     `gorm:"default:true" json:"use_ssl"`
	// AllowInsecureTLS disables certificate verification and permits a
	// plaintext fallback when the server offers no STARTTLS. Off unless an
	// operator explicitly flips it for a self-signed or local test server.
	AllowInsecureTLS bool `gorm:"default:false" json:"allow_insecure_tls"`

	OAuthProvider string `gorm:"column:oauth_provider;size:50" json:"oauth_provider"`
	OAuthTokenID  uint   `gorm:"column:oauth_token_id;index" json:"oauth_token_id"`

	// Folders is a JSON array of folder names to sync, e.g. ["INBOX","Sent"].
	Folders           string     `gorm:"type:text" json:"folders"`
	SyncEnabled       bool       `gorm:"default:true" json:"sync_enabled"`
	SyncFrequencySecs int        `gorm:"default:300" json:"sync_frequency_secs"`
	SyncStatus        SyncStatus `gorm:"size:20;default:'idle';index" json:"sync_status"`
	LastSyncAt        time.Time  `json:"last_sync_at"`
	LastSyncError     string     `gorm:"type:text" json:"last_sync_error"`
	FullSyncCompleted bool       `gorm:"default:false" json:"full_sync_completed"`
	ConsecutiveErrors int        `gorm:"default:0" json:"consecutive_errors"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Threads []EmailThread `gorm:"foreignKey:AccountID" json:"threads,omitempty"`
}

// FolderList decodes the configured folder list, defaulting to INBOX.
func (a *MailAccount) FolderList() []string {
	if a.Folders == "" {
		return []string{"INBOX"}
	}
	var folders []string
	if err := json.Unmarshal([]byte(a.Folders), &folders); err != nil || len(folders) == 0 {
		return []string{"INBOX"}
	}
	return folders
}

// SyncFrequency returns the sync interval as a duration.
func (a *MailAccount) SyncFrequency() time.Duration {
	if a.SyncFrequencySecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.SyncFrequencySecs) * time.Second
}

// SyncDue reports whether the account is due for a scheduled sync at now.
func (a *MailAccount) SyncDue(now time.Time) bool {
	if !a.SyncEnabled || a.SyncStatus == SyncStatusPaused {
		return false
	}
	if a.LastSyncAt.IsZero() {
		return true
	}
	return !now.Before(a.LastSyncAt.Add(a.SyncFrequency()))
}
