package models

import (
	"time"
)

// FolderState tracks the sync high-water mark for one folder of one account.
// LastUID is the highest provider UID already committed; incremental syncs
// fetch only UIDs above it. A UIDVALIDITY change invalidates the mark.
type FolderState struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AccountID   uint      `gorm:"uniqueIndex:idx_account_folder;not null" json:"account_id"`
	Folder      string    `gorm:"uniqueIndex:idx_account_folder;size:255;not null" json:"folder"`
	UIDValidity uint32    `gorm:"default:0" json:"uid_validity"`
	LastUID     uint32    `gorm:"default:0" json:"last_uid"`
	UpdatedAt   time.Time `json:"updated_at"`
}
