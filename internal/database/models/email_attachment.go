package models

import (
	"time"
)

// EmailAttachment is one attachment of one message. The blob lives on disk
// under the storage root; StoragePath is the reference.
type EmailAttachment struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	EmailID     uint      `gorm:"index;not null" json:"email_id"`
	Filename    string    `gorm:"size:500;not null" json:"filename"`
	ContentType string    `gorm:"size:255" json:"content_type"`
	Size        int64     `gorm:"default:0" json:"size"`
	StoragePath string    `gorm:"size:500" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
