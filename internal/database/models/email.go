package models

import (
	"time"
)

// Folder name conventions used for locally originated messages.
const (
	FolderInbox = "INBOX"
	FolderSent  = "Sent"
)

// Email represents one message mirrored from the provider. The provider UID
// is the idempotency key: (account_id, folder, uid) is unique, so
// reprocessing the same UID updates flags instead of inserting a duplicate.
type Email struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	AccountID uint   `gorm:"uniqueIndex:idx_account_folder_uid;not null" json:"account_id"`
	ThreadID  uint   `gorm:"index;not null" json:"thread_id"`
	Folder    string `gorm:"uniqueIndex:idx_account_folder_uid;size:255;not null" json:"folder"`
	UID       uint32 `gorm:"uniqueIndex:idx_account_folder_uid;column:uid;not null" json:"uid"`

	MessageID string    `gorm:"size:500;index" json:"message_id"`
	Subject   string    `gorm:"size:500" json:"subject"`
	FromAddr  string    `gorm:"size:255" json:"from"`
	ToAddrs   string    `gorm:"type:text" json:"to"` // JSON array stored as string
	Date      time.Time `gorm:"index" json:"date"`

	// Bodies are immutable once stored; HTMLBody is sanitized before persist.
	Body     string `gorm:"type:text" json:"body"`
	HTMLBody string `gorm:"type:text" json:"html_body"`

	IsRead         bool  `gorm:"default:false" json:"is_read"`
	IsFlagged      bool  `gorm:"default:false" json:"is_flagged"`
	Size           int64 `gorm:"default:0" json:"size"`
	HasAttachments bool  `gorm:"default:false" json:"has_attachments"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Attachments []EmailAttachment `gorm:"foreignKey:EmailID" json:"attachments,omitempty"`
}
