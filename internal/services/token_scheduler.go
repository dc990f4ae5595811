package services

import (
	"log"
	"time"
)

// tokenRefreshWindow is how far ahead the scheduler looks for expiring
// tokens. Refreshing before expiry keeps sync jobs from paying the refresh
// latency (or hitting a 401) mid-run.
const tokenRefreshWindow = 10 * time.Minute

// TokenScheduler proactively refreshes OAuth tokens before they expire.
type TokenScheduler struct {
	tokenService *TokenService
	interval     time.Duration
	stopChan     chan struct{}
	running      bool
}

// NewTokenScheduler creates a new token scheduler
func NewTokenScheduler(tokenService *TokenService, interval time.Duration) *TokenScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &TokenScheduler{
		tokenService: tokenService,
		interval:     interval,
		stopChan:     make(chan struct{}),
	}
}

// Start begins the token refresh scheduler
func (s *TokenScheduler) Start() {
	if s.running {
		return
	}
	s.running = true
	go s.run()
	log.Printf("[TokenScheduler] Started with interval %v", s.interval)
}

// Stop stops the token refresh scheduler
func (s *TokenScheduler) Stop() {
	if !s.running {
		return
	}
	close(s.stopChan)
	s.running = false
	log.Println("[TokenScheduler] Stopped")
}

func (s *TokenScheduler) run() {
	// Run immediately on start
	s.refreshCycle()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refreshCycle()
		case <-s.stopChan:
			return
		}
	}
}

func (s *TokenScheduler) refreshCycle() {
	attempted := s.tokenService.RefreshExpiring(tokenRefreshWindow)
	if attempted > 0 {
		log.Printf("[TokenScheduler] Attempted %d token refreshes", attempted)
	}
}
