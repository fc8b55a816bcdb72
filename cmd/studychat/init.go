package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	studychat "github.com/studyhub/studychat-go"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.studychat/config.toml",
	Long:  "Initialize the studychat CLI by storing your session token. The user id and name are read from the token when it carries them.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if user, err := studychat.IdentityFromToken(token); err == nil {
			cfg.Auth.UserID = string(user.ID)
			if user.Name != "" {
				cfg.Auth.UserName = user.Name
			}
		} else {
			fmt.Fprintf(os.Stderr, "Warning: %v. Set auth.user_id with 'studychat config set'.\n", err)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User: %s (%s)\n", valueOrDefault(cfg.Auth.UserName, "(no name)"), cfg.Auth.UserID)
		}
		return nil
	},
}
