package models

import (
	"time"
)

// User represents an operator of the system. Accounts are owned by a user
// and scoped to the user's organization.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	OrgID        uint      `gorm:"index" json:"org_id"`
	Username     string    `gorm:"uniqueIndex;size:50;not null" json:"username"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	DisplayName  string    `gorm:"size:100" json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Relations
	MailAccounts []MailAccount `gorm:"foreignKey:UserID" json:"mail_accounts,omitempty"`
}
