package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mailforge/core/internal/api/middleware"
	"github.com/mailforge/core/internal/database/models"
	"github.com/mailforge/core/internal/services"
)

// AuthHandler handles login and session endpoints.
type AuthHandler struct {
	userService *services.UserService
	jwtManager  *middleware.JWTManager
	logService  *services.LogService
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(userService *services.UserService, jwtManager *middleware.JWTManager, logService *services.LogService) *AuthHandler {
	return &AuthHandler{
		userService: userService,
		jwtManager:  jwtManager,
		logService:  logService,
	}
}

// LoginRequest is the login payload.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates a user and issues a JWT.
// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "Username and password are required")
		return
	}

	user, err := h.userService.VerifyPassword(req.Username, req.Password)
	if err != nil {
		h.logService.LogWarn(0, models.LogModuleAuth, "login", "Login failed", map[string]interface{}{
			"username": req.Username,
		})
		respondError(c, http.StatusUnauthorized, "AUTH_FAILED", "Invalid username or password")
		return
	}

	token, expiresAt, err := h.jwtManager.GenerateToken(user.ID, user.OrgID, user.Username)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate token")
		return
	}

	h.logService.LogInfo(user.ID, models.LogModuleAuth, "login", "Login successful", nil)

	respondOK(c, gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"user":       user,
	})
}

// RefreshToken issues a new JWT for the authenticated user.
// POST /api/auth/refresh
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	user, err := h.userService.GetUserByID(userID)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "AUTH_FAILED", "User no longer exists")
		return
	}

	token, expiresAt, err := h.jwtManager.GenerateToken(user.ID, user.OrgID, user.Username)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "Failed to generate token")
		return
	}

	respondOK(c, gin.H{
		"token":      token,
		"expires_at": expiresAt,
	})
}

// GetCurrentUser returns the authenticated user's profile.
// GET /api/auth/me
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	user, err := h.userService.GetUserByID(userID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load user")
		return
	}

	respondOK(c, user)
}

// ChangePasswordRequest is the change-password payload.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// ChangePassword updates the authenticated user's password.
// PUT /api/auth/password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "Old and new passwords are required")
		return
	}

	if err := h.userService.ChangePassword(userID, req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidCredentials):
			respondError(c, http.StatusUnauthorized, "AUTH_FAILED", "Old password is incorrect")
		case errors.Is(err, services.ErrPasswordTooShort):
			respondError(c, http.StatusBadRequest, "PASSWORD_TOO_SHORT", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to change password")
		}
		return
	}

	h.logService.LogInfo(userID, models.LogModuleAuth, "change_password", "Password changed", nil)
	respondOK(c, gin.H{"message": "Password changed"})
}

// Logout acknowledges a logout. Tokens are stateless; the client discards
// its copy.
// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	h.logService.LogInfo(userID, models.LogModuleAuth, "logout", "Logout", nil)
	respondOK(c, gin.H{"message": "Logged out"})
}
