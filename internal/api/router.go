package api

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mailforge/core/internal/api/handlers"
	"github.com/mailforge/core/internal/api/middleware"
	"github.com/mailforge/core/internal/config"
	"github.com/mailforge/core/internal/services"
	"github.com/mailforge/core/internal/storage"
	"github.com/mailforge/core/internal/vault"
	"gorm.io/gorm"
)

// App bundles the router with the long-running pieces the entrypoint needs
// to start and stop.
type App struct {
	Router         *gin.Engine
	AuthManager    *middleware.AuthManager
	SyncScheduler  *services.SyncScheduler
	TokenScheduler *services.TokenScheduler
}

// Setup wires services, middleware and routes into a runnable App.
func Setup(db *gorm.DB, cfg *config.Config) (*App, error) {
	router := gin.Default()

	origins := []string{"*"}
	if cfg.CORSOrigins != "" {
		origins = strings.Split(cfg.CORSOrigins, ",")
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	authManager, err := middleware.NewAuthManager(cfg.DataDir, cfg.JWTSecret, middleware.DefaultTokenExpiry)
	if err != nil {
		return nil, err
	}

	v := vault.New(cfg.VaultKeys())
	store := storage.NewStore(cfg.GetMailDir())

	userService := services.NewUserService(db)
	logService := services.NewLogServiceWithLevel(db, cfg.LogLevel)
	accountService := services.NewAccountService(db, v)
	tokenService := services.NewTokenService(db, v, cfg)
	syncService := services.NewSyncService(db, cfg, store, accountService, tokenService)
	emailService := services.NewEmailService(db, store, accountService, tokenService)
	healthService := services.NewHealthService(db)

	syncScheduler := services.NewSyncScheduler(db, cfg, syncService)
	tokenScheduler := services.NewTokenScheduler(tokenService, time.Duration(cfg.TokenRefreshSecs)*time.Second)

	authHandler := handlers.NewAuthHandler(userService, authManager.JWTManager, logService)
	accountHandler := handlers.NewAccountHandler(accountService, tokenService, syncScheduler)
	emailHandler := handlers.NewEmailHandler(emailService)
	healthHandler := handlers.NewHealthHandler(healthService)
	oauthHandler := handlers.NewOAuthHandler(cfg, accountService, tokenService)

	// Liveness probe, no auth required
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.Use(middleware.APIKeyMiddleware(authManager.APIKeyManager))

		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
		}

		oauth := api.Group("/oauth")
		{
			oauth.GET("/config", oauthHandler.GetOAuthConfig)
			// The provider redirects here; no JWT on this leg.
			oauth.GET("/google/callback", oauthHandler.GoogleCallback)
		}

		protected := api.Group("")
		protected.Use(middleware.JWTMiddleware(authManager.JWTManager))
		{
			protected.POST("/auth/refresh", authHandler.RefreshToken)
			protected.POST("/auth/logout", authHandler.Logout)
			protected.GET("/auth/me", authHandler.GetCurrentUser)
			protected.PUT("/auth/password", authHandler.ChangePassword)

			accounts := protected.Group("/accounts")
			{
				accounts.GET("", accountHandler.ListAccounts)
				accounts.POST("", accountHandler.CreateAccount)
				accounts.GET("/:id", accountHandler.GetAccount)
				accounts.PUT("/:id", accountHandler.UpdateAccount)
				accounts.DELETE("/:id", accountHandler.DeleteAccount)
				accounts.PUT("/:id/enable", accountHandler.EnableAccount)
				accounts.PUT("/:id/disable", accountHandler.DisableAccount)
				accounts.GET("/:id/status", accountHandler.GetAccountStatus)
				accounts.POST("/:id/test", accountHandler.TestConnection)
				accounts.POST("/:id/sync", accountHandler.TriggerSync)
				accounts.GET("/:id/health", healthHandler.AccountHealth)
				accounts.GET("/:id/emails", emailHandler.ListEmails)
				accounts.GET("/:id/threads", emailHandler.ListThreads)
				accounts.POST("/:id/send", emailHandler.SendEmail)
				accounts.POST("/:id/oauth/revoke", oauthHandler.UnlinkAccount)
			}

			emails := protected.Group("/emails")
			{
				emails.GET("/:id", emailHandler.GetEmail)
				emails.PUT("/:id/read", emailHandler.MarkAsRead)
				emails.PUT("/:id/flag", emailHandler.MarkFlagged)
			}

			protected.GET("/threads/:id", emailHandler.GetThread)
			protected.GET("/attachments/:id", emailHandler.DownloadAttachment)

			health := protected.Group("/health")
			{
				health.GET("/accounts", healthHandler.UserHealth)
				health.GET("/providers", healthHandler.ProviderHealth)
			}

			protected.GET("/oauth/google/auth", oauthHandler.GetGoogleAuthURL)
		}
	}

	return &App{
		Router:         router,
		AuthManager:    authManager,
		SyncScheduler:  syncScheduler,
		TokenScheduler: tokenScheduler,
	}, nil
}
