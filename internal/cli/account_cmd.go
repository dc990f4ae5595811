package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mailforge/core/internal/database/models"
	"github.com/spf13/cobra"
)

// accountCmd represents the account command group
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Mail account management",
	Long:  `Inspect mail accounts and toggle their synchronization from the command line.`,
}

// accountListCmd lists all mail accounts
var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all mail accounts",
	Long:  `Show every connected mailbox with its sync state.`,
	Run: func(cmd *cobra.Command, args []string) {
		var accounts []models.MailAccount
		if err := db.Order("id").Find(&accounts).Error; err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to list accounts: %v\n", err)
			os.Exit(1)
		}

		if len(accounts) == 0 {
			fmt.Println("No mail accounts yet.")
			return
		}

		fmt.Println("Accounts:")
		fmt.Println("--------------------------------------------------------------------------------")
		fmt.Printf("%-6s %-30s %-10s %-8s %-8s %s\n", "ID", "Email", "Auth", "Enabled", "Status", "Last sync")
		fmt.Println("--------------------------------------------------------------------------------")
		for _, a := range accounts {
			lastSync := "-"
			if !a.LastSyncAt.IsZero() {
				lastSync = a.LastSyncAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-6d %-30s %-10s %-8t %-8s %s\n", a.ID, a.Email, a.AuthType, a.SyncEnabled, a.SyncStatus, lastSync)
		}
		fmt.Println("--------------------------------------------------------------------------------")
		fmt.Printf("%d account(s)\n", len(accounts))
	},
}

// accountEnableCmd enables sync for an account
var accountEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable sync for an account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setAccountEnabled(args[0], true)
	},
}

// accountDisableCmd disables sync for an account
var accountDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable sync for an account",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setAccountEnabled(args[0], false)
	},
}

func setAccountEnabled(rawID string, enabled bool) {
	id, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: account ID must be a number")
		os.Exit(1)
	}

	account, err := accountService.GetAccountByID(uint(id))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	updated, err := accountService.SetSyncEnabled(account.ID, account.UserID, enabled)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to update account: %v\n", err)
		os.Exit(1)
	}

	state := "disabled"
	if updated.SyncEnabled {
		state = "enabled"
	}
	fmt.Printf("Sync %s for %s (ID %d)\n", state, updated.Email, updated.ID)
}

func init() {
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountEnableCmd)
	accountCmd.AddCommand(accountDisableCmd)
}
