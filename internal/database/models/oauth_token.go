package models

import (
	"time"
)

// OAuthToken holds one account's OAuth2 credentials, encrypted at rest.
// The access and refresh tokens are only ever decrypted inside the token
// service; MailAccount references this row by ID.
type OAuthToken struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	AccountID             uint      `gorm:"index;not null" json:"account_id"`
	Provider              string    `gorm:"size:50;not null" json:"provider"`
	AccessTokenEncrypted  string    `gorm:"size:2000" json:"-"`
	RefreshTokenEncrypted string    `gorm:"size:2000" json:"-"`
	ExpiresAt             time.Time `json:"expires_at"`
	Scope                 string    `gorm:"size:500" json:"scope"`
	Revoked               bool      `gorm:"default:false" json:"revoked"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ExpiresWithin reports whether the token expires before now+skew.
func (t *OAuthToken) ExpiresWithin(now time.Time, skew time.Duration) bool {
	return t.ExpiresAt.IsZero() || now.Add(skew).After(t.ExpiresAt)
}
