package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	usersJSON  bool
	healthJSON bool
)

func init() {
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(usersCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Server.BaseURL, "(default)"))
		fmt.Fprintf(out, "  WS URL:      %s\n", wsBase(cfg))
		fmt.Fprintf(out, "  Log level:   %s\n", valueOrDefault(cfg.Client.LogLevel, "(not set)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Fprintf(out, "  Nickname:    %s\n", valueOrDefault(cfg.Auth.Nickname, "(not set)"))
			fmt.Fprintf(out, "  User ID:     %s\n", cfg.Auth.UserID)
			fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  (not logged in)")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Server:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h, err := getClient(cfg).Health(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Status:      %s\n", h.Status)
		if h.Redis != "" {
			fmt.Fprintf(out, "  Redis:       %s\n", h.Redis)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		h, err := getClient(cfg).Health(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if healthJSON {
			return printJSON(cmd, h)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\n", h.Status)
		if h.Redis != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Redis:  %s\n", h.Redis)
		}
		if h.Error != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Error:  %s\n", h.Error)
		}
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List online users",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		users, err := getClient(cfg).OnlineUsers(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if usersJSON {
			return printJSON(cmd, users)
		}
		if len(users) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No users online.")
			return nil
		}
		for _, u := range users {
			marker := ""
			if u.ID == cfg.Auth.UserID {
				marker = " (you)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s%s\n", u.ID, u.Nickname, marker)
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
