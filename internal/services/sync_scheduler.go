package services

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/mailforge/core/internal/config"
	"github.com/mailforge/core/internal/database/models"
	"gorm.io/gorm"
)

const (
	// retryBaseDelay and retryMaxDelay bound the in-cycle retry backoff.
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 2 * time.Minute
	// maxRetries is how many extra attempts a transient failure gets within
	// one cycle before the account waits for its next scheduled slot.
	maxRetries = 2
)

// SyncScheduler drives periodic synchronization of all due accounts through
// a bounded worker pool. One account never syncs twice concurrently.
type SyncScheduler struct {
	db          *gorm.DB
	cfg         *config.Config
	syncService *SyncService
	logService  *LogService
	interval    time.Duration
	jobTimeout  time.Duration

	// sem bounds how many accounts sync at once.
	sem          chan struct{}
	stopChan     chan struct{}
	running      bool
	mu           sync.Mutex
	cycling      sync.Mutex // prevents overlapping cycles
	accountLocks sync.Map   // per-account lock so manual and scheduled runs never overlap
	jobSeq       uint64
}

// NewSyncScheduler creates a new sync scheduler
func NewSyncScheduler(db *gorm.DB, cfg *config.Config, syncService *SyncService) *SyncScheduler {
	workers := cfg.MaxConcurrentSyncs
	if workers <= 0 {
		workers = 1
	}
	interval := time.Duration(cfg.SyncIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	jobTimeout := time.Duration(cfg.MaxJobDurationSecs) * time.Second
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	return &SyncScheduler{
		db:          db,
		cfg:         cfg,
		syncService: syncService,
		logService:  NewLogService(db),
		interval:    interval,
		jobTimeout:  jobTimeout,
		sem:         make(chan struct{}, workers),
		stopChan:    make(chan struct{}),
	}
}

// Start begins the scheduling loop.
func (s *SyncScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	log.Printf("[SyncScheduler] Starting with interval %v, %d workers", s.interval, cap(s.sem))

	go func() {
		// Let the rest of the service come up before the first cycle.
		select {
		case <-time.After(10 * time.Second):
			s.runCycle()
		case <-s.stopChan:
			return
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runCycle()
			case <-s.stopChan:
				log.Println("[SyncScheduler] Stopping")
				return
			}
		}
	}()
}

// Stop stops the scheduling loop. In-flight jobs finish on their own
// deadlines.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopChan)
	s.running = false
}

// IsAccountSyncing reports whether a sync job currently holds the account.
func (s *SyncScheduler) IsAccountSyncing(accountID uint) bool {
	_, loaded := s.accountLocks.Load(accountID)
	return loaded
}

// TryLockAccount claims the account for one job. Returns false when another
// job already holds it.
func (s *SyncScheduler) TryLockAccount(accountID uint) bool {
	_, loaded := s.accountLocks.LoadOrStore(accountID, true)
	return !loaded
}

// UnlockAccount releases the account.
func (s *SyncScheduler) UnlockAccount(accountID uint) {
	s.accountLocks.Delete(accountID)
}

// TriggerSyncNow starts an immediate sync for one account, bypassing the
// due check but not the per-account lock or the worker pool. Returns a job
// identifier for log correlation.
func (s *SyncScheduler) TriggerSyncNow(accountID uint) (string, error) {
	var account models.MailAccount
	if err := s.db.First(&account, accountID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", ErrAccountNotFound
		}
		return "", err
	}
	if !account.SyncEnabled {
		return "", ErrAccountDisabled
	}
	if !s.TryLockAccount(accountID) {
		return "", fmt.Errorf("account %d is already syncing", accountID)
	}

	s.mu.Lock()
	s.jobSeq++
	jobID := fmt.Sprintf("sync-%d-%d", accountID, s.jobSeq)
	s.mu.Unlock()

	go func() {
		defer s.UnlockAccount(accountID)
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		s.runJob(jobID, account)
	}()

	return jobID, nil
}

// runCycle finds due accounts and dispatches them to the pool.
func (s *SyncScheduler) runCycle() {
	if !s.cycling.TryLock() {
		log.Println("[SyncScheduler] Previous cycle still running, skipping")
		return
	}
	defer s.cycling.Unlock()

	var accounts []models.MailAccount
	if err := s.db.Where("sync_enabled = ?", true).Find(&accounts).Error; err != nil {
		log.Printf("[SyncScheduler] Failed to load accounts: %v", err)
		return
	}

	now := time.Now()
	var due []models.MailAccount
	for _, account := range accounts {
		if account.SyncDue(now) {
			due = append(due, account)
		}
	}
	if len(due) == 0 {
		return
	}

	log.Printf("[SyncScheduler] %d of %d accounts due", len(due), len(accounts))

	var wg sync.WaitGroup
	for _, account := range due {
		if !s.TryLockAccount(account.ID) {
			continue
		}

		wg.Add(1)
		go func(acc models.MailAccount) {
			defer wg.Done()
			defer s.UnlockAccount(acc.ID)

			select {
			case s.sem <- struct{}{}:
			case <-s.stopChan:
				return
			}
			defer func() { <-s.sem }()

			s.mu.Lock()
			s.jobSeq++
			jobID := fmt.Sprintf("sync-%d-%d", acc.ID, s.jobSeq)
			s.mu.Unlock()

			s.runJob(jobID, acc)
		}(account)
	}
	wg.Wait()
}

// runJob runs one account sync with a deadline, retrying transient failures
// with capped exponential backoff.
func (s *SyncScheduler) runJob(jobID string, account models.MailAccount) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[SyncScheduler] %s retry %d/%d after %v", jobID, attempt, maxRetries, delay)
			select {
			case <-time.After(delay):
			case <-s.stopChan:
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
		result, err := s.syncService.SyncAccount(ctx, account.ID)
		deadlineHit := ctx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			if result != nil && result.MessagesFetched > 0 {
				log.Printf("[SyncScheduler] %s account %d (%s) synced %d new messages", jobID, account.ID, account.Email, result.MessagesFetched)
			}
			return
		}
		lastErr = err

		// Only transient failures are worth another attempt this cycle;
		// fatal ones already disabled the account, and an expired deadline
		// means the next cycle should start fresh.
		if KindOf(err) != KindTransient || deadlineHit {
			log.Printf("[SyncScheduler] %s account %d sync aborted: %v", jobID, account.ID, err)
			return
		}
		log.Printf("[SyncScheduler] %s account %d attempt %d failed: %v", jobID, account.ID, attempt+1, err)
	}

	log.Printf("[SyncScheduler] %s account %d sync failed after %d attempts: %v", jobID, account.ID, maxRetries+1, lastErr)
}

// retryDelay composes the in-cycle retry delay: exponential backoff,
// jittered, then clamped so the jitter never pushes a delay past the cap.
func retryDelay(attempt int) time.Duration {
	d := jitter(backoffDelay(attempt, retryBaseDelay, retryMaxDelay))
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

// backoffDelay returns the deterministic exponential delay for a retry
// attempt, capped at max. Attempt 1 gets base, attempt 2 gets 2*base, and
// so on.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// jitter spreads retries out by up to 20% so accounts failing together do
// not retry together.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}
