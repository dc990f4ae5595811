package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mailforge/core/internal/api/middleware"
	"github.com/mailforge/core/internal/services"
)

// HealthHandler serves sync health summaries.
type HealthHandler struct {
	healthService *services.HealthService
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(healthService *services.HealthService) *HealthHandler {
	return &HealthHandler{healthService: healthService}
}

// AccountHealth returns the health summary for one account.
// GET /api/accounts/:id/health
func (h *HealthHandler) AccountHealth(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	health, err := h.healthService.AccountHealth(id, userID)
	if err != nil {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account not found")
		return
	}
	respondOK(c, health)
}

// UserHealth returns health summaries for all of the user's accounts.
// GET /api/health/accounts
func (h *HealthHandler) UserHealth(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	health, err := h.healthService.UserHealth(userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to build health report")
		return
	}
	respondOK(c, health)
}

// ProviderHealth aggregates health per provider across the org.
// GET /api/health/providers
func (h *HealthHandler) ProviderHealth(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}
	orgID, _ := middleware.GetOrgIDFromContext(c)

	health, err := h.healthService.ProviderHealth(orgID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to build health report")
		return
	}
	respondOK(c, health)
}
