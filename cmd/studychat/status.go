package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	studychat "github.com/studyhub/studychat-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the resolved configuration, check whether the token is expired, and probe the REST API and the broker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, studychat.DefaultBaseURL))
		fmt.Printf("  Broker URL:  %s\n", valueOrDefault(cfg.Default.BrokerURL, studychat.DefaultBrokerURL))
		fmt.Printf("  Redis URL:   %s\n", valueOrDefault(cfg.Default.RedisURL, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))
		if user, err := configUser(cfg); err == nil {
			fmt.Printf("  User:        %s (%s)\n", valueOrDefault(user.Name, "(no name)"), user.ID)
		} else {
			fmt.Printf("  User:        %v\n", err)
		}

		tokenStatus := "present (no expiry set)"
		expires, ok, err := studychat.TokenExpiry(cfg.Auth.Token)
		switch {
		case err != nil:
			tokenStatus = fmt.Sprintf("present (unreadable: %v)", err)
		case !ok:
		case time.Now().Before(expires):
			tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
		default:
			tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
		}
		fmt.Printf("  Expiry:      %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
		defer cancel()

		if user, err := configUser(cfg); err == nil {
			client, _ := getAPIClient(cfg)
			groups, err := client.Groups.List(ctx, user.ID)
			if err != nil {
				fmt.Printf("  REST API:    error: %v\n", err)
			} else {
				fmt.Printf("  REST API:    ok (%d groups, %d archived)\n", len(groups.Active), len(groups.Archived))
			}
		}

		sess, cleanup, err := openSession(ctx, cfg)
		if err != nil {
			fmt.Printf("  Broker:      error: %v\n", err)
			return nil
		}
		defer cleanup()
		if err := sess.Connect(ctx); err != nil {
			fmt.Printf("  Broker:      unreachable: %v\n", err)
			return nil
		}
		fmt.Println("  Broker:      connected")
		return nil
	},
}
