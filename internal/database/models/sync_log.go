package models

import (
	"time"
)

// SyncOutcome is the terminal result of one sync attempt.
type SyncOutcome string

const (
	SyncOutcomeSuccess SyncOutcome = "success"
	SyncOutcomePartial SyncOutcome = "partial"
	SyncOutcomeError   SyncOutcome = "error"
)

// SyncLog is an append-only record of one sync attempt. Rows are never
// mutated after creation; health aggregation and backoff decisions read them.
type SyncLog struct {
	ID              uint        `gorm:"primaryKey" json:"id"`
	AccountID       uint        `gorm:"index;not null" json:"account_id"`
	StartedAt       time.Time   `gorm:"index;not null" json:"started_at"`
	FinishedAt      time.Time   `json:"finished_at"`
	Outcome         SyncOutcome `gorm:"size:20;index" json:"outcome"`
	MessagesFetched int         `gorm:"default:0" json:"messages_fetched"`
	Error           string      `gorm:"type:text" json:"error"`
	CreatedAt       time.Time   `json:"created_at"`
}

// TableName keeps the table aligned with the rest of the email_* group.
func (SyncLog) TableName() string { return "email_sync_logs" }

// Duration returns the wall-clock duration of the attempt.
func (l *SyncLog) Duration() time.Duration {
	if l.FinishedAt.IsZero() || l.StartedAt.IsZero() {
		return 0
	}
	return l.FinishedAt.Sub(l.StartedAt)
}
