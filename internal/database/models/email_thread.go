package models

import (
	"encoding/json"
	"time"
)

// EmailThread groups messages of one conversation within one account.
// ThreadKey is the provider-assigned conversation identifier (the root of
// the References chain, falling back to the first Message-ID).
type EmailThread struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AccountID      uint      `gorm:"uniqueIndex:idx_account_thread_key;not null" json:"account_id"`
	ThreadKey      string    `gorm:"uniqueIndex:idx_account_thread_key;size:500;not null" json:"thread_key"`
	Subject        string    `gorm:"size:500" json:"subject"`
	Participants   string    `gorm:"type:text" json:"participants"` // JSON array stored as string
	MessageCount   int       `gorm:"default:0" json:"message_count"`
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Relations. Messages are exclusively owned: deleting a thread deletes
	// its messages.
	Emails []Email `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE" json:"emails,omitempty"`
}

// ParticipantList decodes the stored participant set.
func (t *EmailThread) ParticipantList() []string {
	if t.Participants == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(t.Participants), &out); err != nil {
		return nil
	}
	return out
}
