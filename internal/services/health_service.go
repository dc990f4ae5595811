package services

import (
	"time"

	"github.com/mailforge/core/internal/database/models"
	"gorm.io/gorm"
)

// healthWindow is the period sync attempts are aggregated over.
const healthWindow = 24 * time.Hour

// AccountHealth summarizes one account's recent sync behavior.
type AccountHealth struct {
	AccountID         uint              `json:"account_id"`
	Email             string            `json:"email"`
	Provider          string            `json:"provider"`
	SyncEnabled       bool              `json:"sync_enabled"`
	SyncStatus        models.SyncStatus `json:"sync_status"`
	LastSyncAt        time.Time         `json:"last_sync_at"`
	LastError         string            `json:"last_error,omitempty"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	FullSyncCompleted bool              `json:"full_sync_completed"`

	Attempts        int     `json:"attempts"`
	Successes       int     `json:"successes"`
	Partials        int     `json:"partials"`
	Failures        int     `json:"failures"`
	SuccessRate     float64 `json:"success_rate"`
	MessagesFetched int     `json:"messages_fetched"`
	AvgDurationMs   int64   `json:"avg_duration_ms"`
}

// ProviderHealth aggregates account health per provider.
type ProviderHealth struct {
	Provider    string  `json:"provider"`
	Accounts    int     `json:"accounts"`
	Healthy     int     `json:"healthy"`
	Erroring    int     `json:"erroring"`
	Paused      int     `json:"paused"`
	Attempts    int     `json:"attempts"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// HealthService reports sync health from the append-only sync log.
type HealthService struct {
	db *gorm.DB
}

// NewHealthService creates a new HealthService instance
func NewHealthService(db *gorm.DB) *HealthService {
	return &HealthService{db: db}
}

// AccountHealth builds the health summary for one account.
func (s *HealthService) AccountHealth(accountID, userID uint) (*AccountHealth, error) {
	var account models.MailAccount
	if err := s.db.Where("id = ? AND user_id = ?", accountID, userID).First(&account).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	health := s.buildAccountHealth(&account)
	return &health, nil
}

// UserHealth builds health summaries for all of a user's accounts.
func (s *HealthService) UserHealth(userID uint) ([]AccountHealth, error) {
	var accounts []models.MailAccount
	if err := s.db.Where("user_id = ?", userID).Find(&accounts).Error; err != nil {
		return nil, err
	}

	out := make([]AccountHealth, 0, len(accounts))
	for i := range accounts {
		out = append(out, s.buildAccountHealth(&accounts[i]))
	}
	return out, nil
}

// ProviderHealth aggregates every account in the org by provider.
func (s *HealthService) ProviderHealth(orgID uint) ([]ProviderHealth, error) {
	var accounts []models.MailAccount
	if err := s.db.Where("org_id = ?", orgID).Find(&accounts).Error; err != nil {
		return nil, err
	}

	byProvider := make(map[string]*ProviderHealth)
	order := []string{}
	for i := range accounts {
		account := &accounts[i]
		label := providerLabel(account.OAuthProvider)
		ph, ok := byProvider[label]
		if !ok {
			ph = &ProviderHealth{Provider: label}
			byProvider[label] = ph
			order = append(order, label)
		}

		ph.Accounts++
		switch account.SyncStatus {
		case models.SyncStatusError:
			ph.Erroring++
		case models.SyncStatusPaused:
			ph.Paused++
		default:
			ph.Healthy++
		}

		health := s.buildAccountHealth(account)
		ph.Attempts += health.Attempts
		ph.Successes += health.Successes
	}

	out := make([]ProviderHealth, 0, len(order))
	for _, label := range order {
		ph := byProvider[label]
		if ph.Attempts > 0 {
			ph.SuccessRate = float64(ph.Successes) / float64(ph.Attempts)
		}
		out = append(out, *ph)
	}
	return out, nil
}

func (s *HealthService) buildAccountHealth(account *models.MailAccount) AccountHealth {
	health := AccountHealth{
		AccountID:         account.ID,
		Email:             account.Email,
		Provider:          providerLabel(account.OAuthProvider),
		SyncEnabled:       account.SyncEnabled,
		SyncStatus:        account.SyncStatus,
		LastSyncAt:        account.LastSyncAt,
		LastError:         account.LastSyncError,
		ConsecutiveErrors: account.ConsecutiveErrors,
		FullSyncCompleted: account.FullSyncCompleted,
	}

	var logs []models.SyncLog
	since := time.Now().Add(-healthWindow)
	s.db.Where("account_id = ? AND started_at >= ?", account.ID, since).
		Order("started_at ASC").Find(&logs)

	var totalDuration time.Duration
	for i := range logs {
		l := &logs[i]
		health.Attempts++
		health.MessagesFetched += l.MessagesFetched
		totalDuration += l.Duration()
		switch l.Outcome {
		case models.SyncOutcomeSuccess:
			health.Successes++
		case models.SyncOutcomePartial:
			health.Partials++
		default:
			health.Failures++
		}
	}
	if health.Attempts > 0 {
		// Partial runs stored their messages; they count as successes for
		// the rate.
		health.SuccessRate = float64(health.Successes+health.Partials) / float64(health.Attempts)
		health.AvgDurationMs = totalDuration.Milliseconds() / int64(health.Attempts)
	}
	return health
}
