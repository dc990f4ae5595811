package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	// ErrAccountNotFound indicates the mail account was not found
	ErrAccountNotFound = errors.New("mail account not found")
	// ErrAccountAlreadyExists indicates the mail account already exists for this user
	ErrAccountAlreadyExists = errors.New("mail account already exists for this user")
	// ErrInvalidAccountData indicates invalid account data
	ErrInvalidAccountData = errors.New("invalid account data")
	// ErrAccountDisabled indicates sync is disabled for the account
	ErrAccountDisabled = errors.New("account sync is disabled")
	// ErrEmailNotFound indicates the email was not found
	ErrEmailNotFound = errors.New("email not found")
	// ErrAttachmentNotFound indicates the attachment was not found
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrTokenNotFound indicates the account has no stored OAuth token
	ErrTokenNotFound = errors.New("oauth token not found")
	// ErrTokenRevoked indicates the stored token is revoked and must be re-authorized
	ErrTokenRevoked = errors.New("oauth token revoked, re-authorization required")
	// ErrConnectionTimeout indicates a connect or command deadline was exceeded
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrTLSUnavailable indicates the server offers neither implicit TLS nor
	// STARTTLS and the account does not allow plaintext
	ErrTLSUnavailable = errors.New("server does not support STARTTLS")
)

// ErrorKind classifies a sync failure so the orchestrator can branch on the
// class instead of on library-specific error types.
type ErrorKind int

const (
	// KindTransient errors are retried under the backoff policy.
	KindTransient ErrorKind = iota
	// KindAuthFatal errors require user action (re-authorize, fix password)
	// and are never retried.
	KindAuthFatal
	// KindParse errors affect a single message, which is skipped.
	KindParse
	// KindIntegrity errors indicate an operational problem (vault key
	// mismatch), fatal for the account and logged distinctly from auth.
	KindIntegrity
)

// String returns the kind name used in logs and sync records.
func (k ErrorKind) String() string {
	switch k {
	case KindAuthFatal:
		return "auth_fatal"
	case KindParse:
		return "parse"
	case KindIntegrity:
		return "integrity"
	default:
		return "transient"
	}
}

// SyncError tags an underlying error with its classification and the
// operation that produced it.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// transientErr wraps err as a retryable failure.
func transientErr(op string, err error) *SyncError {
	return &SyncError{Kind: KindTransient, Op: op, Err: err}
}

// authFatalErr wraps err as a credential failure requiring user action.
func authFatalErr(op string, err error) *SyncError {
	return &SyncError{Kind: KindAuthFatal, Op: op, Err: err}
}

// parseErr wraps err as a single-message content failure.
func parseErr(op string, err error) *SyncError {
	return &SyncError{Kind: KindParse, Op: op, Err: err}
}

// integrityErr wraps err as a vault/config failure.
func integrityErr(op string, err error) *SyncError {
	return &SyncError{Kind: KindIntegrity, Op: op, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors default to
// transient so unknown provider hiccups get retried rather than pausing
// accounts.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// isTimeout reports whether err is a deadline-style failure from the network
// stack or a context.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
