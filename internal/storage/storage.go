// Package storage lays out raw messages and attachment blobs on disk,
// scoped per account so one account can be wiped without touching others.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

var (
	// ErrFileNotFound indicates the requested file was not found
	ErrFileNotFound = errors.New("file not found")
	// ErrFileWriteFailed indicates file write operation failed
	ErrFileWriteFailed = errors.New("failed to write file")
	// ErrFileReadFailed indicates file read operation failed
	ErrFileReadFailed = errors.New("failed to read file")
)

// Store handles raw message and attachment file storage under a base dir.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) accountDir(accountID uint) string {
	return filepath.Join(s.baseDir, "accounts", strconv.FormatUint(uint64(accountID), 10))
}

func (s *Store) rawDir(accountID uint) string {
	return filepath.Join(s.accountDir(accountID), "raw")
}

func (s *Store) attachmentsDir(accountID, emailID uint) string {
	return filepath.Join(s.accountDir(accountID), "attachments", strconv.FormatUint(uint64(emailID), 10))
}

// SaveRawMessage writes the raw RFC 822 content of a message and returns the
// stored path.
func (s *Store) SaveRawMessage(accountID uint, folder string, uid uint32, content []byte) (string, error) {
	dir := filepath.Join(s.rawDir(accountID), sanitizeFilename(folder))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileWriteFailed, err.Error())
	}

	path := filepath.Join(dir, fmt.Sprintf("%d.eml", uid))
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileWriteFailed, err.Error())
	}
	return path, nil
}

// GetRawMessage reads a stored raw message.
func (s *Store) GetRawMessage(accountID uint, folder string, uid uint32) ([]byte, error) {
	path := filepath.Join(s.rawDir(accountID), sanitizeFilename(folder), fmt.Sprintf("%d.eml", uid))
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileReadFailed, err.Error())
	}
	return content, nil
}

// SaveAttachment writes an attachment blob and returns the stored path.
func (s *Store) SaveAttachment(accountID, emailID uint, filename string, content []byte) (string, error) {
	dir := s.attachmentsDir(accountID, emailID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileWriteFailed, err.Error())
	}

	path := filepath.Join(dir, sanitizeFilename(filename))
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileWriteFailed, err.Error())
	}
	return path, nil
}

// ReadAttachment reads an attachment by its stored path, refusing paths
// outside the store root.
func (s *Store) ReadAttachment(storagePath string) ([]byte, error) {
	abs, err := filepath.Abs(storagePath)
	if err != nil {
		return nil, ErrFileNotFound
	}
	root, err := filepath.Abs(s.baseDir)
	if err != nil {
		return nil, ErrFileNotFound
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
		return nil, ErrFileNotFound
	}

	content, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFileReadFailed, err.Error())
	}
	return content, nil
}

// DeleteAccountData removes everything stored for an account.
func (s *Store) DeleteAccountData(accountID uint) error {
	return os.RemoveAll(s.accountDir(accountID))
}

// sanitizeFilename removes or replaces unsafe characters from filenames
func sanitizeFilename(name string) string {
	result := []byte(name)
	for i, c := range result {
		switch c {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			result[i] = '_'
		}
	}
	// filepath.Base prevents directory traversal via crafted names
	return filepath.Base(string(result))
}
