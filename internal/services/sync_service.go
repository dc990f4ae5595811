package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mailforge/core/internal/config"
	"github.com/mailforge/core/internal/database/models"
	"github.com/mailforge/core/internal/storage"
	"gorm.io/gorm"
)

const (
	// persistBatchSize bounds one transaction. The folder high-water mark
	// advances only after a batch commits, so a crash resumes from the last
	// committed batch instead of refetching the whole folder.
	persistBatchSize = 50

	// maxConsecutiveErrors pauses an account after this many failed runs in
	// a row. A successful run or a user re-enable resets the count.
	maxConsecutiveErrors = 5
)

// SyncResult summarizes one completed sync run.
type SyncResult struct {
	AccountID       uint               `json:"account_id"`
	Outcome         models.SyncOutcome `json:"outcome"`
	MessagesFetched int                `json:"messages_fetched"`
	ParseSkips      int                `json:"parse_skips"`
	Folders         int                `json:"folders"`
	Error           string             `json:"error,omitempty"`
}

// SyncService pulls new messages from providers into the local store. It is
// driven by the scheduler but can also run on demand.
type SyncService struct {
	db             *gorm.DB
	cfg            *config.Config
	store          *storage.Store
	accountService *AccountService
	tokenService   *TokenService
	logService     *LogService

	// dial opens an authenticated provider session. Tests swap in a fake.
	dial func(*models.MailAccount) (MailboxSession, error)
}

// NewSyncService creates a new SyncService instance
func NewSyncService(db *gorm.DB, cfg *config.Config, store *storage.Store, accountService *AccountService, tokenService *TokenService) *SyncService {
	s := &SyncService{
		db:             db,
		cfg:            cfg,
		store:          store,
		accountService: accountService,
		tokenService:   tokenService,
		logService:     NewLogService(db),
	}
	s.dial = func(account *models.MailAccount) (MailboxSession, error) {
		cred, err := resolveCredential(account, accountService, tokenService)
		if err != nil {
			return nil, err
		}
		return newIMAPSession(account, cred)
	}
	return s
}

// SyncAccount runs one full sync pass over every configured folder of the
// account. The returned error carries its classification; the caller decides
// whether to retry.
func (s *SyncService) SyncAccount(ctx context.Context, accountID uint) (*SyncResult, error) {
	account, err := s.accountService.GetAccountByID(accountID)
	if err != nil {
		return nil, err
	}
	if !account.SyncEnabled {
		return nil, ErrAccountDisabled
	}

	s.db.Model(&models.MailAccount{}).Where("id = ?", account.ID).
		Update("sync_status", models.SyncStatusSyncing)

	started := time.Now()
	result := &SyncResult{AccountID: account.ID}

	runErr := s.runSync(ctx, account, result)

	s.recordRun(account, started, result, runErr)
	s.applyRunOutcome(ctx, account, result, runErr)

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// runSync does the provider conversation: connect, then walk folders.
func (s *SyncService) runSync(ctx context.Context, account *models.MailAccount, result *SyncResult) error {
	session, err := s.dial(account)
	if err != nil {
		return err
	}
	defer session.Logout()

	folders := account.FolderList()
	cleanPass := true

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return transientErr("sync", err)
		}

		fetched, skips, err := s.syncFolder(ctx, session, account, folder)
		result.MessagesFetched += fetched
		result.ParseSkips += skips
		if err != nil {
			// Fatal classes abort the whole run. Transient folder failures
			// also abort: the connection is likely unhealthy, and the
			// per-folder high-water marks make the retry cheap.
			return err
		}
		result.Folders++
		if skips > 0 {
			cleanPass = false
		}
	}

	// Only a clean pass over every folder flips the account to fully
	// synced; parse skips keep it provisional so a later pass can revisit.
	if cleanPass && !account.FullSyncCompleted {
		s.db.Model(&models.MailAccount{}).Where("id = ?", account.ID).
			Update("full_sync_completed", true)
		account.FullSyncCompleted = true
	}
	return nil
}

// syncFolder brings one folder up to date and returns how many messages
// were stored and how many were skipped for parse errors.
func (s *SyncService) syncFolder(ctx context.Context, session MailboxSession, account *models.MailAccount, folder string) (int, int, error) {
	status, err := session.SelectFolder(folder)
	if err != nil {
		return 0, 0, err
	}

	state, err := s.loadFolderState(account.ID, folder)
	if err != nil {
		return 0, 0, err
	}

	if state.UIDValidity != 0 && state.UIDValidity != status.UIDValidity {
		// The server renumbered the folder; every stored UID is void.
		s.logService.LogWarn(account.UserID, models.LogModuleSync, "uidvalidity", "UIDVALIDITY changed, restarting folder from scratch", map[string]interface{}{
			"account_id": account.ID,
			"folder":     folder,
			"old":        state.UIDValidity,
			"new":        status.UIDValidity,
		})
		state.LastUID = 0
	}
	if state.UIDValidity != status.UIDValidity {
		state.UIDValidity = status.UIDValidity
		if err := s.db.Save(state).Error; err != nil {
			return 0, 0, err
		}
	}

	var lookback time.Duration
	if state.LastUID == 0 && s.cfg.FullSyncLookbackDays > 0 {
		lookback = time.Duration(s.cfg.FullSyncLookbackDays) * 24 * time.Hour
	}

	messages, err := session.FetchSince(folder, state.LastUID, lookback)
	if err != nil {
		return 0, 0, err
	}
	if len(messages) == 0 {
		return 0, 0, nil
	}

	stored := 0
	skipped := 0
	for i := 0; i < len(messages); i += persistBatchSize {
		if err := ctx.Err(); err != nil {
			return stored, skipped, transientErr("sync", err)
		}

		end := i + persistBatchSize
		if end > len(messages) {
			end = len(messages)
		}
		batch := messages[i:end]

		batchStored, batchSkipped, highUID, err := s.persistBatch(account, folder, batch)
		stored += batchStored
		skipped += batchSkipped
		if err != nil {
			return stored, skipped, err
		}

		if highUID > state.LastUID {
			state.LastUID = highUID
			if err := s.db.Save(state).Error; err != nil {
				return stored, skipped, err
			}
		}
	}

	return stored, skipped, nil
}

// persistBatch writes one batch of messages in a single transaction and
// returns the highest UID it processed. Parse failures are counted and the
// message skipped; the UID still advances so the run does not wedge on one
// malformed message.
func (s *SyncService) persistBatch(account *models.MailAccount, folder string, batch []FetchedMessage) (int, int, uint32, error) {
	stored := 0
	skipped := 0
	var highUID uint32

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for i := range batch {
			msg := &batch[i]
			if msg.UID > highUID {
				highUID = msg.UID
			}

			if msg.ParseErr != nil {
				skipped++
				s.logService.LogWarn(account.UserID, models.LogModuleSync, "parse_skip", "Message skipped: unparseable content", map[string]interface{}{
					"account_id": account.ID,
					"folder":     folder,
					"uid":        msg.UID,
					"error":      msg.ParseErr.Error(),
				})
				continue
			}

			created, err := s.persistMessage(tx, account, folder, msg)
			if err != nil {
				return err
			}
			if created {
				stored++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, transientErr("persist", err)
	}
	return stored, skipped, highUID, nil
}

// persistMessage inserts one message, or updates flags when the UID is
// already stored. Returns whether a new row was created.
func (s *SyncService) persistMessage(tx *gorm.DB, account *models.MailAccount, folder string, msg *FetchedMessage) (bool, error) {
	var existing models.Email
	err := tx.Where("account_id = ? AND folder = ? AND uid = ?", account.ID, folder, msg.UID).
		First(&existing).Error
	if err == nil {
		// Re-seen UID: flags are the only mutable part of a stored message.
		if existing.IsRead != msg.Seen || existing.IsFlagged != msg.Flagged {
			return false, tx.Model(&existing).Updates(map[string]interface{}{
				"is_read":    msg.Seen,
				"is_flagged": msg.Flagged,
			}).Error
		}
		return false, nil
	}
	if err != gorm.ErrRecordNotFound {
		return false, err
	}

	thread, err := resolveThread(tx, account.ID, msg)
	if err != nil {
		return false, err
	}

	toJSON, _ := json.Marshal(msg.To)
	email := &models.Email{
		AccountID:      account.ID,
		ThreadID:       thread.ID,
		Folder:         folder,
		UID:            msg.UID,
		MessageID:      msg.MessageID,
		Subject:        msg.Subject,
		FromAddr:       msg.From,
		ToAddrs:        string(toJSON),
		Date:           msg.Date,
		Body:           msg.Body,
		HTMLBody:       msg.HTMLBody,
		IsRead:         msg.Seen,
		IsFlagged:      msg.Flagged,
		Size:           msg.Size,
		HasAttachments: len(msg.Attachments) > 0,
	}
	if err := tx.Create(email).Error; err != nil {
		return false, err
	}

	if len(msg.Raw) > 0 && s.store != nil {
		if _, err := s.store.SaveRawMessage(account.ID, folder, msg.UID, msg.Raw); err != nil {
			s.logService.LogWarn(account.UserID, models.LogModuleSync, "raw_save", "Raw message not persisted to disk", map[string]interface{}{
				"account_id": account.ID,
				"uid":        msg.UID,
				"error":      err.Error(),
			})
		}
	}

	for _, att := range msg.Attachments {
		record := &models.EmailAttachment{
			EmailID:     email.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(len(att.Content)),
		}
		if s.store != nil {
			path, err := s.store.SaveAttachment(account.ID, email.ID, att.Filename, att.Content)
			if err == nil {
				record.StoragePath = path
			}
		}
		if err := tx.Create(record).Error; err != nil {
			return false, err
		}
	}

	return true, nil
}

// resolveThread finds or creates the conversation for a message. The thread
// key is the root of the References chain, then In-Reply-To, then the
// message's own Message-ID for a conversation starter.
func resolveThread(tx *gorm.DB, accountID uint, msg *FetchedMessage) (*models.EmailThread, error) {
	key := msg.MessageID
	if msg.InReplyTo != "" {
		key = msg.InReplyTo
	}
	if len(msg.References) > 0 {
		key = msg.References[0]
	}

	var thread models.EmailThread
	err := tx.Where("account_id = ? AND thread_key = ?", accountID, key).First(&thread).Error
	if err == gorm.ErrRecordNotFound {
		participants, _ := json.Marshal(dedupeParticipants(msg))
		thread = models.EmailThread{
			AccountID:      accountID,
			ThreadKey:      key,
			Subject:        msg.Subject,
			Participants:   string(participants),
			MessageCount:   1,
			LastActivityAt: msg.Date,
		}
		if err := tx.Create(&thread).Error; err != nil {
			return nil, err
		}
		return &thread, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"message_count": gorm.Expr("message_count + 1"),
		"participants":  mergeParticipants(&thread, msg),
	}
	if msg.Date.After(thread.LastActivityAt) {
		updates["last_activity_at"] = msg.Date
	}
	if err := tx.Model(&thread).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &thread, nil
}

func dedupeParticipants(msg *FetchedMessage) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append([]string{msg.From}, msg.To...) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func mergeParticipants(thread *models.EmailThread, msg *FetchedMessage) string {
	existing := thread.ParticipantList()
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p] = true
	}
	for _, p := range dedupeParticipants(msg) {
		if !seen[p] {
			seen[p] = true
			existing = append(existing, p)
		}
	}
	merged, _ := json.Marshal(existing)
	return string(merged)
}

// loadFolderState fetches or creates the high-water mark row for a folder.
func (s *SyncService) loadFolderState(accountID uint, folder string) (*models.FolderState, error) {
	var state models.FolderState
	err := s.db.Where("account_id = ? AND folder = ?", accountID, folder).First(&state).Error
	if err == gorm.ErrRecordNotFound {
		state = models.FolderState{AccountID: accountID, Folder: folder}
		if err := s.db.Create(&state).Error; err != nil {
			return nil, err
		}
		return &state, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// recordRun appends the attempt to the sync log.
func (s *SyncService) recordRun(account *models.MailAccount, started time.Time, result *SyncResult, runErr error) {
	outcome := models.SyncOutcomeSuccess
	errText := ""
	switch {
	case runErr != nil:
		outcome = models.SyncOutcomeError
		errText = runErr.Error()
	case result.ParseSkips > 0:
		outcome = models.SyncOutcomePartial
	}
	result.Outcome = outcome
	result.Error = errText

	s.db.Create(&models.SyncLog{
		AccountID:       account.ID,
		StartedAt:       started,
		FinishedAt:      time.Now(),
		Outcome:         outcome,
		MessagesFetched: result.MessagesFetched,
		Error:           errText,
	})
}

// applyRunOutcome updates the account's scheduling state after a run.
// Cancellation and deadline expiry are deliberate interruptions, not
// provider failures: they reset the status without touching the error count.
func (s *SyncService) applyRunOutcome(ctx context.Context, account *models.MailAccount, result *SyncResult, runErr error) {
	now := time.Now()

	if runErr == nil {
		s.db.Model(&models.MailAccount{}).Where("id = ?", account.ID).Updates(map[string]interface{}{
			"sync_status":        models.SyncStatusIdle,
			"last_sync_at":       now,
			"last_sync_error":    "",
			"consecutive_errors": 0,
		})
		s.logService.LogInfo(account.UserID, models.LogModuleSync, "complete", "Sync completed", map[string]interface{}{
			"account_id": account.ID,
			"fetched":    result.MessagesFetched,
			"skipped":    result.ParseSkips,
			"outcome":    string(result.Outcome),
		})
		return
	}

	if ctx.Err() != nil || isTimeout(runErr) {
		s.db.Model(&models.MailAccount{}).Where("id = ?", account.ID).
			Update("sync_status", models.SyncStatusIdle)
		s.logService.LogWarn(account.UserID, models.LogModuleSync, "interrupted", "Sync interrupted before completion", map[string]interface{}{
			"account_id": account.ID,
			"error":      runErr.Error(),
		})
		return
	}

	switch KindOf(runErr) {
	case KindAuthFatal, KindIntegrity:
		s.db.Model(&models.MailAccount{}).Where("id = ?", account.ID).Updates(map[string]interface{}{
			"sync_status":     models.SyncStatusError,
			"sync_enabled":    false,
			"last_sync_error": runErr.Error(),
		})
		s.logService.LogError(account.UserID, models.LogModuleSync, "fatal", "Sync disabled: account requires user action", map[string]interface{}{
			"account_id": account.ID,
			"kind":       KindOf(runErr).String(),
			"error":      runErr.Error(),
		})
	default:
		consecutive := account.ConsecutiveErrors + 1
		updates := map[string]interface{}{
			"sync_status":        models.SyncStatusError,
			"last_sync_error":    runErr.Error(),
			"consecutive_errors": consecutive,
		}
		if consecutive >= maxConsecutiveErrors {
			updates["sync_status"] = models.SyncStatusPaused
			s.logService.LogWarn(account.UserID, models.LogModuleSync, "paused", fmt.Sprintf("Account paused after %d consecutive failures", consecutive), map[string]interface{}{
				"account_id": account.ID,
				"error":      runErr.Error(),
			})
		} else {
			s.logService.LogWarn(account.UserID, models.LogModuleSync, "error", "Sync failed, will retry", map[string]interface{}{
				"account_id": account.ID,
				"attempt":    consecutive,
				"error":      runErr.Error(),
			})
		}
		s.db.Model(&models.MailAccount{}).Where("id = ?", account.ID).Updates(updates)
	}
}
