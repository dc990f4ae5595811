package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mailforge/core/internal/vault"
)

// Config holds the application configuration
type Config struct {
	DatabasePath string `json:"database_path"`
	APIPort      string `json:"api_port"`
	LogLevel     string `json:"log_level"`
	DataDir      string `json:"data_dir"`
	MailDir      string `json:"mail_dir"` // raw message/attachment storage, defaults under DataDir
	JWTSecret    string `json:"jwt_secret"`
	CORSOrigins  string `json:"cors_origins"`

	// EncryptionKey is the master secret the per-purpose vault keys are
	// derived from when the specific keys below are unset.
	EncryptionKey string `json:"encryption_key"`
	PasswordKey   string `json:"password_key"`
	OAuthKey      string `json:"oauth_key"`
	PIIKey        string `json:"pii_key"`

	// Scheduler knobs.
	SyncIntervalSecs     int `json:"sync_interval_secs"`      // scheduler tick
	MaxConcurrentSyncs   int `json:"max_concurrent_syncs"`    // worker pool size
	MaxJobDurationSecs   int `json:"max_job_duration_secs"`   // per-job deadline
	TokenRefreshSecs     int `json:"token_refresh_secs"`      // proactive refresh tick
	FullSyncLookbackDays int `json:"full_sync_lookback_days"` // initial sync window

	// Google OAuth application credentials for account linking.
	GoogleClientID     string `json:"google_client_id"`
	GoogleClientSecret string `json:"google_client_secret"`
	GoogleRedirectURL  string `json:"google_redirect_url"`
}

// Default configuration values
const (
	DefaultDatabasePath = "data/mailforge.db"
	DefaultAPIPort      = "8080"
	DefaultLogLevel     = "INFO"
	DefaultDataDir      = "data"
	DefaultJWTSecret    = "mailforge-default-secret-change-in-production"
	DefaultCORSOrigins  = "*"

	DefaultSyncIntervalSecs     = 60
	DefaultMaxConcurrentSyncs   = 4
	DefaultMaxJobDurationSecs   = 600
	DefaultTokenRefreshSecs     = 300
	DefaultFullSyncLookbackDays = 90
)

// Load loads configuration from environment variables and config file
// Priority: Environment variables > Config file > Default values
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:         DefaultDatabasePath,
		APIPort:              DefaultAPIPort,
		LogLevel:             DefaultLogLevel,
		DataDir:              DefaultDataDir,
		JWTSecret:            DefaultJWTSecret,
		CORSOrigins:          DefaultCORSOrigins,
		SyncIntervalSecs:     DefaultSyncIntervalSecs,
		MaxConcurrentSyncs:   DefaultMaxConcurrentSyncs,
		MaxJobDurationSecs:   DefaultMaxJobDurationSecs,
		TokenRefreshSecs:     DefaultTokenRefreshSecs,
		FullSyncLookbackDays: DefaultFullSyncLookbackDays,
	}

	// Config file is optional.
	_ = cfg.loadFromFile()

	cfg.loadFromEnv()

	return cfg, nil
}

// loadFromFile loads configuration from config.json file
func (c *Config) loadFromFile() error {
	configPaths := []string{
		"config.json",
		filepath.Join(c.DataDir, "config.json"),
	}

	for _, path := range configPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return json.Unmarshal(data, c)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	setString := func(dst *string, key string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(dst *int, key string) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}

	setString(&c.DatabasePath, "MAILFORGE_DATABASE_PATH")
	setString(&c.APIPort, "MAILFORGE_API_PORT")
	setString(&c.LogLevel, "MAILFORGE_LOG_LEVEL")
	setString(&c.DataDir, "MAILFORGE_DATA_DIR")
	setString(&c.MailDir, "MAILFORGE_MAIL_DIR")
	setString(&c.JWTSecret, "MAILFORGE_JWT_SECRET")
	setString(&c.CORSOrigins, "MAILFORGE_CORS_ORIGINS")
	setString(&c.EncryptionKey, "MAILFORGE_ENCRYPTION_KEY")
	setString(&c.PasswordKey, "MAILFORGE_PASSWORD_KEY")
	setString(&c.OAuthKey, "MAILFORGE_OAUTH_KEY")
	setString(&c.PIIKey, "MAILFORGE_PII_KEY")
	setString(&c.GoogleClientID, "MAILFORGE_GOOGLE_CLIENT_ID")
	setString(&c.GoogleClientSecret, "MAILFORGE_GOOGLE_CLIENT_SECRET")
	setString(&c.GoogleRedirectURL, "MAILFORGE_GOOGLE_REDIRECT_URL")
	setInt(&c.SyncIntervalSecs, "MAILFORGE_SYNC_INTERVAL_SECS")
	setInt(&c.MaxConcurrentSyncs, "MAILFORGE_MAX_CONCURRENT_SYNCS")
	setInt(&c.MaxJobDurationSecs, "MAILFORGE_MAX_JOB_DURATION_SECS")
	setInt(&c.TokenRefreshSecs, "MAILFORGE_TOKEN_REFRESH_SECS")
	setInt(&c.FullSyncLookbackDays, "MAILFORGE_FULL_SYNC_LOOKBACK_DAYS")
}

// GetMailDir returns the base directory for raw message and attachment storage.
func (c *Config) GetMailDir() string {
	if c.MailDir != "" {
		return c.MailDir
	}
	return filepath.Join(c.DataDir, "mail")
}

// VaultKeys builds the named key set for the secret vault. Purpose-specific
// keys win over derivation from the master secret; the master falls back to
// the JWT secret so a bare config still starts.
func (c *Config) VaultKeys() map[string][]byte {
	master := c.EncryptionKey
	if master == "" {
		master = c.JWTSecret
	}

	keyFor := func(specific, purpose string) []byte {
		if specific != "" {
			return vault.DeriveKey(specific, purpose)
		}
		return vault.DeriveKey(master, purpose)
	}

	return map[string][]byte{
		vault.KeyPassword: keyFor(c.PasswordKey, vault.KeyPassword),
		vault.KeyOAuth:    keyFor(c.OAuthKey, vault.KeyOAuth),
		vault.KeyPII:      keyFor(c.PIIKey, vault.KeyPII),
	}
}

// Save saves the current configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
