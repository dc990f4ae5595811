package services

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/smtp"
	"strings"
	"time"

	"github.com/mailforge/core/internal/database/models"
	"github.com/mailforge/core/internal/storage"
	"gorm.io/gorm"
)

// loginAuth implements smtp.Auth for LOGIN authentication
// Required for QQ Mail, 163 Mail and other Chinese email providers
type loginAuth struct {
	username, password string
}

func newLoginAuth(username, password string) smtp.Auth {
	return &loginAuth{username, password}
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		switch string(fromServer) {
		case "Username:", "username:":
			return []byte(a.username), nil
		case "Password:", "password:":
			return []byte(a.password), nil
		default:
			// Some servers send base64 encoded prompts
			decoded, err := base64.StdEncoding.DecodeString(string(fromServer))
			if err == nil {
				switch strings.ToLower(string(decoded)) {
				case "username:", "username":
					return []byte(a.username), nil
				case "password:", "password":
					return []byte(a.password), nil
				}
			}
			return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
		}
	}
	return nil, nil
}

// EmailService serves stored messages and sends outgoing mail.
type EmailService struct {
	db             *gorm.DB
	store          *storage.Store
	accountService *AccountService
	tokenService   *TokenService
	logService     *LogService
}

// NewEmailService creates a new EmailService instance
func NewEmailService(db *gorm.DB, store *storage.Store, accountService *AccountService, tokenService *TokenService) *EmailService {
	return &EmailService{
		db:             db,
		store:          store,
		accountService: accountService,
		tokenService:   tokenService,
		logService:     NewLogService(db),
	}
}

// ListEmailsOptions filters and pages an email listing.
type ListEmailsOptions struct {
	Folder     string
	Search     string
	UnreadOnly bool
	Page       int
	PageSize   int
}

// ListEmails returns one page of an account's messages, newest first.
func (s *EmailService) ListEmails(userID, accountID uint, opts ListEmailsOptions) ([]models.Email, int64, error) {
	if _, err := s.accountService.GetAccountByIDAndUserID(accountID, userID); err != nil {
		return nil, 0, err
	}

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 || opts.PageSize > 200 {
		opts.PageSize = 50
	}

	query := s.db.Model(&models.Email{}).Where("account_id = ?", accountID)
	if opts.Folder != "" {
		query = query.Where("folder = ?", opts.Folder)
	}
	if opts.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}
	if opts.Search != "" {
		pattern := "%" + opts.Search + "%"
		query = query.Where("subject LIKE ? OR from_addr LIKE ? OR body LIKE ?", pattern, pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var emails []models.Email
	err := query.Order("date DESC").
		Offset((opts.Page - 1) * opts.PageSize).
		Limit(opts.PageSize).
		Find(&emails).Error
	if err != nil {
		return nil, 0, err
	}
	return emails, total, nil
}

// GetEmail returns one message with its attachment records.
func (s *EmailService) GetEmail(userID, emailID uint) (*models.Email, error) {
	var email models.Email
	err := s.db.Preload("Attachments").First(&email, emailID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrEmailNotFound
		}
		return nil, err
	}

	if _, err := s.accountService.GetAccountByIDAndUserID(email.AccountID, userID); err != nil {
		return nil, ErrEmailNotFound
	}
	return &email, nil
}

// GetAttachment returns an attachment record together with its content.
func (s *EmailService) GetAttachment(userID, attachmentID uint) (*models.EmailAttachment, []byte, error) {
	var att models.EmailAttachment
	if err := s.db.First(&att, attachmentID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, ErrAttachmentNotFound
		}
		return nil, nil, err
	}

	// Ownership flows through the email and its account.
	if _, err := s.GetEmail(userID, att.EmailID); err != nil {
		return nil, nil, ErrAttachmentNotFound
	}

	if att.StoragePath == "" {
		return &att, nil, nil
	}
	content, err := s.store.ReadAttachment(att.StoragePath)
	if err != nil {
		return nil, nil, ErrAttachmentNotFound
	}
	return &att, content, nil
}

// MarkAsRead flips the read flag on a stored message.
func (s *EmailService) MarkAsRead(userID, emailID uint, read bool) error {
	email, err := s.GetEmail(userID, emailID)
	if err != nil {
		return err
	}
	return s.db.Model(email).Update("is_read", read).Error
}

// MarkFlagged flips the flagged state on a stored message.
func (s *EmailService) MarkFlagged(userID, emailID uint, flagged bool) error {
	email, err := s.GetEmail(userID, emailID)
	if err != nil {
		return err
	}
	return s.db.Model(email).Update("is_flagged", flagged).Error
}

// ListThreads returns one page of an account's conversations, most recent
// activity first.
func (s *EmailService) ListThreads(userID, accountID uint, page, pageSize int) ([]models.EmailThread, int64, error) {
	if _, err := s.accountService.GetAccountByIDAndUserID(accountID, userID); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := s.db.Model(&models.EmailThread{}).Where("account_id = ?", accountID)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var threads []models.EmailThread
	err := query.Order("last_activity_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&threads).Error
	if err != nil {
		return nil, 0, err
	}
	return threads, total, nil
}

// GetThread returns one conversation with its messages in date order.
func (s *EmailService) GetThread(userID, threadID uint) (*models.EmailThread, error) {
	var thread models.EmailThread
	err := s.db.Preload("Emails", func(db *gorm.DB) *gorm.DB {
		return db.Order("date ASC")
	}).First(&thread, threadID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrEmailNotFound
		}
		return nil, err
	}

	if _, err := s.accountService.GetAccountByIDAndUserID(thread.AccountID, userID); err != nil {
		return nil, ErrEmailNotFound
	}
	return &thread, nil
}

// SendEmailRequest represents an outgoing message.
type SendEmailRequest struct {
	To       []string `json:"to" binding:"required"`
	Cc       []string `json:"cc"`
	Bcc      []string `json:"bcc"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	HTMLBody string   `json:"html_body"`
	// Attachment content arrives base64 encoded.
	Attachments []SendAttachment `json:"attachments"`
}

// SendAttachment is one outgoing attachment; Content is base64.
type SendAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// SendEmailResult reports the outcome of a send.
type SendEmailResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
}

// SendEmail assembles a MIME message, delivers it over the account's SMTP
// endpoint, and records a local copy in the Sent folder.
func (s *EmailService) SendEmail(userID, accountID uint, req SendEmailRequest) (*SendEmailResult, error) {
	account, err := s.accountService.GetAccountByIDAndUserID(accountID, userID)
	if err != nil {
		return nil, err
	}
	if len(req.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	cred, err := resolveCredential(account, s.accountService, s.tokenService)
	if err != nil {
		return nil, err
	}

	messageID := generateMessageID(account.Email)
	content := buildEmailContent(account, req, messageID)

	if err := s.sendViaSMTP(account, cred, req, content); err != nil {
		s.logService.LogError(userID, models.LogModuleEmail, "send", "Email send failed", map[string]interface{}{
			"account_id": accountID,
			"error":      err.Error(),
		})
		return nil, err
	}

	s.saveSentCopy(account, req, messageID, content)

	s.logService.LogInfo(userID, models.LogModuleEmail, "send", "Email sent", map[string]interface{}{
		"account_id": accountID,
		"message_id": messageID,
		"recipients": len(req.To) + len(req.Cc) + len(req.Bcc),
	})

	return &SendEmailResult{Success: true, MessageID: messageID}, nil
}

// sendViaSMTP performs the SMTP conversation. Password accounts fall back
// between PLAIN and LOGIN because providers disagree on which they accept.
func (s *EmailService) sendViaSMTP(account *models.MailAccount, cred imapCredential, req SendEmailRequest, content string) error {
	client, err := dialSMTP(account)
	if err != nil {
		return err
	}
	defer client.Close()

	auth := smtpAuthFor(account, cred)
	if err := client.Auth(auth); err != nil {
		if account.AuthType == models.AuthTypePassword {
			fallback := newLoginAuth(account.Username, cred.Password)
			if err2 := client.Auth(fallback); err2 != nil {
				return classifyLoginErr("smtp auth", err)
			}
		} else {
			return classifyLoginErr("smtp auth", err)
		}
	}

	if err := client.Mail(account.Email); err != nil {
		return transientErr("smtp mail", err)
	}

	var recipients []string
	recipients = append(recipients, req.To...)
	recipients = append(recipients, req.Cc...)
	recipients = append(recipients, req.Bcc...)
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return transientErr("smtp rcpt", fmt.Errorf("RCPT TO failed for %s: %v", rcpt, err))
		}
	}

	w, err := client.Data()
	if err != nil {
		return transientErr("smtp data", err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		return transientErr("smtp data", err)
	}
	if err := w.Close(); err != nil {
		return transientErr("smtp data", err)
	}

	// Some servers return odd responses to QUIT after a successful DATA;
	// the message is already accepted at this point.
	client.Quit()
	return nil
}

// saveSentCopy mirrors an outgoing message into the local Sent folder so it
// shows up immediately, before the next Sent-folder sync.
func (s *EmailService) saveSentCopy(account *models.MailAccount, req SendEmailRequest, messageID, content string) {
	toJSON, _ := json.Marshal(req.To)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		fm := &FetchedMessage{
			MessageID: messageID,
			Subject:   req.Subject,
			From:      account.Email,
			To:        req.To,
			Date:      time.Now(),
		}
		thread, err := resolveThread(tx, account.ID, fm)
		if err != nil {
			return err
		}

		email := &models.Email{
			AccountID: account.ID,
			ThreadID:  thread.ID,
			Folder:    models.FolderSent,
			// Locally originated copies get a timestamp-derived pseudo UID;
			// the provider-assigned UID arrives with the next Sent sync.
			UID:       uint32(time.Now().UnixNano() & 0x7fffffff),
			MessageID: messageID,
			Subject:   req.Subject,
			FromAddr:  account.Email,
			ToAddrs:   string(toJSON),
			Date:      time.Now(),
			Body:      req.Body,
			HTMLBody:  SanitizeHTML(req.HTMLBody),
			IsRead:    true,
			Size:      int64(len(content)),
		}
		return tx.Create(email).Error
	})
	if err != nil {
		s.logService.LogWarn(account.UserID, models.LogModuleEmail, "send", "Sent copy not stored locally", map[string]interface{}{
			"account_id": account.ID,
			"error":      err.Error(),
		})
	}
}

// buildEmailContent builds the MIME content of an outgoing message.
func buildEmailContent(account *models.MailAccount, req SendEmailRequest, messageID string) string {
	var buf bytes.Buffer

	from := account.Email
	if account.DisplayName != "" {
		from = fmt.Sprintf("%s <%s>", account.DisplayName, account.Email)
	}
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(req.To, ", ")))
	if len(req.Cc) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(req.Cc, ", ")))
	}
	buf.WriteString(fmt.Sprintf("Subject: =?UTF-8?B?%s?=\r\n", base64.StdEncoding.EncodeToString([]byte(req.Subject))))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString("MIME-Version: 1.0\r\n")

	writeTextParts := func(w *bytes.Buffer) {
		if req.HTMLBody != "" {
			altBoundary := generateBoundary()
			w.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", altBoundary))

			w.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
			w.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
			w.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
			w.WriteString(wrapBase64(base64.StdEncoding.EncodeToString([]byte(req.Body))))
			w.WriteString("\r\n")

			w.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
			w.WriteString("Content-Type: text/html; charset=utf-8\r\n")
			w.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
			w.WriteString(wrapBase64(base64.StdEncoding.EncodeToString([]byte(req.HTMLBody))))
			w.WriteString("\r\n")

			w.WriteString(fmt.Sprintf("--%s--\r\n", altBoundary))
		} else {
			w.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
			w.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
			w.WriteString(wrapBase64(base64.StdEncoding.EncodeToString([]byte(req.Body))))
			w.WriteString("\r\n")
		}
	}

	if len(req.Attachments) > 0 {
		mixedBoundary := generateBoundary()
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", mixedBoundary))

		buf.WriteString(fmt.Sprintf("--%s\r\n", mixedBoundary))
		writeTextParts(&buf)

		for _, att := range req.Attachments {
			buf.WriteString(fmt.Sprintf("--%s\r\n", mixedBoundary))
			contentType := att.ContentType
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			encodedFilename := fmt.Sprintf("=?UTF-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(att.Filename)))
			buf.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", contentType, encodedFilename))
			buf.WriteString("Content-Transfer-Encoding: base64\r\n")
			buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", encodedFilename))
			buf.WriteString(wrapBase64(att.Content))
			buf.WriteString("\r\n")
		}

		buf.WriteString(fmt.Sprintf("--%s--\r\n", mixedBoundary))
	} else {
		writeTextParts(&buf)
	}

	return buf.String()
}

// generateMessageID generates a unique message ID
func generateMessageID(email string) string {
	timestamp := time.Now().UnixNano()
	domain := "localhost"
	parts := strings.Split(email, "@")
	if len(parts) == 2 {
		domain = parts[1]
	}
	return fmt.Sprintf("<%d.%s@%s>", timestamp, randomString(8), domain)
}

// generateBoundary generates a MIME boundary
func generateBoundary() string {
	return fmt.Sprintf("----=_Part_%d_%s", time.Now().UnixNano(), randomString(16))
}

// wrapBase64 wraps base64 content to 76 characters per line (MIME standard)
func wrapBase64(content string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, content)

	const lineLength = 76
	var result strings.Builder
	for i := 0; i < len(cleaned); i += lineLength {
		end := i + lineLength
		if end > len(cleaned) {
			end = len(cleaned)
		}
		result.WriteString(cleaned[i:end])
		if end < len(cleaned) {
			result.WriteString("\r\n")
		}
	}
	return result.String()
}

// randomString generates a random alphanumeric string
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
