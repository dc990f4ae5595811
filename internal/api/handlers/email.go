package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mailforge/core/internal/services"
)

// EmailHandler handles stored message endpoints.
type EmailHandler struct {
	emailService *services.EmailService
}

// NewEmailHandler creates a new EmailHandler
func NewEmailHandler(emailService *services.EmailService) *EmailHandler {
	return &EmailHandler{emailService: emailService}
}

// ListEmails lists one account's messages.
// GET /api/accounts/:id/emails
func (h *EmailHandler) ListEmails(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	accountID, ok := pathID(c, "id")
	if !ok {
		return
	}

	opts := services.ListEmailsOptions{
		Folder:     c.Query("folder"),
		Search:     c.Query("search"),
		UnreadOnly: c.Query("unread") == "true",
		Page:       queryInt(c, "page", 1),
		PageSize:   queryInt(c, "page_size", 50),
	}

	emails, total, err := h.emailService.ListEmails(userID, accountID, opts)
	if err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list emails")
		return
	}

	respondOK(c, gin.H{
		"emails":    emails,
		"total":     total,
		"page":      opts.Page,
		"page_size": opts.PageSize,
	})
}

// GetEmail returns one message with attachment metadata.
// GET /api/emails/:id
func (h *EmailHandler) GetEmail(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	email, err := h.emailService.GetEmail(userID, id)
	if err != nil {
		respondError(c, http.StatusNotFound, "EMAIL_NOT_FOUND", "Email not found")
		return
	}
	respondOK(c, email)
}

// MarkAsRead flips a message's read flag.
// PUT /api/emails/:id/read
func (h *EmailHandler) MarkAsRead(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Read *bool `json:"read"`
	}
	read := true
	if err := c.ShouldBindJSON(&req); err == nil && req.Read != nil {
		read = *req.Read
	}

	if err := h.emailService.MarkAsRead(userID, id, read); err != nil {
		respondError(c, http.StatusNotFound, "EMAIL_NOT_FOUND", "Email not found")
		return
	}
	respondOK(c, gin.H{"read": read})
}

// MarkFlagged flips a message's flagged state.
// PUT /api/emails/:id/flag
func (h *EmailHandler) MarkFlagged(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Flagged *bool `json:"flagged"`
	}
	flagged := true
	if err := c.ShouldBindJSON(&req); err == nil && req.Flagged != nil {
		flagged = *req.Flagged
	}

	if err := h.emailService.MarkFlagged(userID, id, flagged); err != nil {
		respondError(c, http.StatusNotFound, "EMAIL_NOT_FOUND", "Email not found")
		return
	}
	respondOK(c, gin.H{"flagged": flagged})
}

// DownloadAttachment streams one attachment's content.
// GET /api/attachments/:id
func (h *EmailHandler) DownloadAttachment(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	att, content, err := h.emailService.GetAttachment(userID, id)
	if err != nil {
		respondError(c, http.StatusNotFound, "ATTACHMENT_NOT_FOUND", "Attachment not found")
		return
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", "attachment; filename=\""+att.Filename+"\"")
	c.Data(http.StatusOK, contentType, content)
}

// ListThreads lists one account's conversations.
// GET /api/accounts/:id/threads
func (h *EmailHandler) ListThreads(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	accountID, ok := pathID(c, "id")
	if !ok {
		return
	}

	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 50)

	threads, total, err := h.emailService.ListThreads(userID, accountID, page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list threads")
		return
	}

	respondOK(c, gin.H{
		"threads":   threads,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetThread returns one conversation with its messages.
// GET /api/threads/:id
func (h *EmailHandler) GetThread(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	thread, err := h.emailService.GetThread(userID, id)
	if err != nil {
		respondError(c, http.StatusNotFound, "THREAD_NOT_FOUND", "Thread not found")
		return
	}
	respondOK(c, thread)
}

// SendEmail sends a message through the account's SMTP endpoint.
// POST /api/accounts/:id/send
func (h *EmailHandler) SendEmail(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	accountID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req services.SendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.emailService.SendEmail(userID, accountID, req)
	if err != nil {
		if errors.Is(err, services.ErrAccountNotFound) {
			respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
			return
		}
		respondError(c, http.StatusBadGateway, "SEND_FAILED", err.Error())
		return
	}
	respondOK(c, result)
}
