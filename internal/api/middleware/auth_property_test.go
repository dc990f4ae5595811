package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: requests with the valid API key are accepted; requests with a
// missing, empty, or wrong key are rejected with 401.
func TestProperty_APIKeyAuthenticationValidity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	tempDir, err := os.MkdirTemp("", "mailforge_auth_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	apiKeyManager, err := NewAPIKeyManager(tempDir)
	if err != nil {
		t.Fatalf("Failed to create API key manager: %v", err)
	}

	validKey := apiKeyManager.GetCurrentKey()

	serve := func(key string, setHeader bool) int {
		router := gin.New()
		router.Use(APIKeyMiddleware(apiKeyManager))
		router.GET("/test", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		req, _ := http.NewRequest("GET", "/test", nil)
		if setHeader {
			req.Header.Set(APIKeyHeader, key)
		}

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	properties.Property("valid_api_key_accepted", prop.ForAll(
		func(_ string) bool {
			return serve(validKey, true) == http.StatusOK
		},
		gen.AlphaString(),
	))

	properties.Property("missing_api_key_rejected", prop.ForAll(
		func(_ string) bool {
			return serve("", false) == http.StatusUnauthorized
		},
		gen.AlphaString(),
	))

	properties.Property("invalid_api_key_rejected", prop.ForAll(
		func(invalidKey string) bool {
			if invalidKey == validKey {
				return true
			}
			return serve(invalidKey, true) == http.StatusUnauthorized
		},
		gen.AlphaString(),
	))

	properties.Property("empty_api_key_rejected", prop.ForAll(
		func(_ int) bool {
			return serve("", true) == http.StatusUnauthorized
		},
		gen.Int(),
	))

	properties.TestingRun(t)
}

// Resetting the key invalidates the old one and persists the new one.
func TestAPIKeyReset(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "mailforge_key_reset_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	apiKeyManager, err := NewAPIKeyManager(tempDir)
	if err != nil {
		t.Fatalf("Failed to create API key manager: %v", err)
	}

	oldKey := apiKeyManager.GetCurrentKey()
	if len(oldKey) != APIKeyLength*2 {
		t.Errorf("expected %d hex chars, got %d", APIKeyLength*2, len(oldKey))
	}

	newKey, err := apiKeyManager.ResetKey()
	if err != nil {
		t.Fatalf("ResetKey failed: %v", err)
	}
	if newKey == oldKey {
		t.Error("expected a different key after reset")
	}
	if apiKeyManager.ValidateKey(oldKey) {
		t.Error("expected old key rejected after reset")
	}
	if !apiKeyManager.ValidateKey(newKey) {
		t.Error("expected new key accepted")
	}

	// A fresh manager over the same directory loads the persisted key.
	reloaded, err := NewAPIKeyManager(tempDir)
	if err != nil {
		t.Fatalf("Failed to reload API key manager: %v", err)
	}
	if reloaded.GetCurrentKey() != newKey {
		t.Error("expected reset key persisted to disk")
	}
}

// Property: a generated JWT validates back to the same identity under the
// same secret and fails under a different secret.
func TestProperty_JWTRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	manager := NewJWTManager("test-secret", time.Hour)
	other := NewJWTManager("different-secret", time.Hour)

	properties.Property("claims_survive_round_trip", prop.ForAll(
		func(userID uint, orgID uint, username string) bool {
			token, expiresAt, err := manager.GenerateToken(userID, orgID, username)
			if err != nil {
				return false
			}
			if expiresAt <= time.Now().Unix() {
				return false
			}

			claims, err := manager.ValidateToken(token)
			if err != nil {
				return false
			}
			return claims.UserID == userID && claims.OrgID == orgID && claims.Username == username
		},
		gen.UInt(), gen.UInt(), gen.AlphaString(),
	))

	properties.Property("wrong_secret_rejected", prop.ForAll(
		func(userID uint) bool {
			token, _, err := manager.GenerateToken(userID, 0, "user")
			if err != nil {
				return false
			}
			_, err = other.ValidateToken(token)
			return err != nil
		},
		gen.UInt(),
	))

	properties.TestingRun(t)
}

func TestJWT_ExpiredToken(t *testing.T) {
	manager := NewJWTManager("test-secret", -time.Minute)

	token, _, err := manager.GenerateToken(1, 1, "expired")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if _, err := manager.ValidateToken(token); err != ErrTokenExpired {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJWT_GarbageToken(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Hour)

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := manager.ValidateToken(tok); err == nil {
			t.Errorf("expected error for token %q", tok)
		}
	}
}

// JWTMiddleware populates the request context from the bearer token.
func TestJWTMiddleware_ContextPopulation(t *testing.T) {
	gin.SetMode(gin.TestMode)

	manager := NewJWTManager("test-secret", time.Hour)
	token, _, err := manager.GenerateToken(42, 7, "ctxuser")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	router := gin.New()
	router.Use(JWTMiddleware(manager))
	router.GET("/me", func(c *gin.Context) {
		userID, ok1 := GetUserIDFromContext(c)
		orgID, ok2 := GetOrgIDFromContext(c)
		username, ok3 := GetUsernameFromContext(c)
		if !ok1 || !ok2 || !ok3 {
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "org_id": orgID, "username": username})
	})

	req, _ := http.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", BearerPrefix+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid bearer token, got %d", w.Code)
	}

	req, _ = http.NewRequest("GET", "/me", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
}
