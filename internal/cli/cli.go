package cli

import (
	"fmt"
	"os"

	"github.com/mailforge/core/internal/api/middleware"
	"github.com/mailforge/core/internal/config"
	"github.com/mailforge/core/internal/services"
	"github.com/mailforge/core/internal/vault"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	db             *gorm.DB
	cfg            *config.Config
	apiKeyManager  *middleware.APIKeyManager
	userService    *services.UserService
	accountService *services.AccountService
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mailforge",
	Short: "MailForge mail account synchronization service",
	Long: `MailForge keeps external mailboxes synchronized into a local store
and serves them over a REST API.

The command line tool provides administrative operations:
  - key management: show and reset the API key
  - user management: create users, list users, reset passwords
  - account management: list accounts and toggle sync

Examples:
  mailforge key show          # show the current API key
  mailforge key reset         # reset the API key
  mailforge user create       # create a new user
  mailforge user list         # list all users
  mailforge account list      # list all mail accounts`,
}

// Execute runs the CLI with the provided database and config
func Execute(database *gorm.DB, config *config.Config) {
	db = database
	cfg = config

	var err error
	apiKeyManager, err = middleware.NewAPIKeyManager(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize API key manager: %v\n", err)
		os.Exit(1)
	}

	userService = services.NewUserService(db)
	accountService = services.NewAccountService(db, vault.New(cfg.VaultKeys()))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(accountCmd)
}
