package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <nickname>",
	Short: "Log in and store the session in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nickname := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := getClient(cfg).Login(ctx, nickname)
		if err != nil {
			return loginFailure(err)
		}

		cfg.Auth.Token = res.AccessToken
		cfg.Auth.UserID = res.UserID
		cfg.Auth.Nickname = nickname
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Login successful!")
		fmt.Fprintf(out, "  User ID:  %s\n", res.UserID)
		fmt.Fprintf(out, "  Nickname: %s\n", nickname)
		return nil
	},
}

// loginFailure turns a login error into a user-facing message.
func loginFailure(err error) error {
	var le *chatsync.LoginError
	if !errors.As(err, &le) {
		return err
	}
	switch le.Category {
	case chatsync.LoginNotFound:
		return fmt.Errorf("login endpoint not found; check server.base_url")
	case chatsync.LoginServerError:
		return fmt.Errorf("server error during login: %s", le.Message)
	case chatsync.LoginUnauthorized:
		return fmt.Errorf("login rejected: %s", le.Message)
	case chatsync.LoginBadRequest:
		return fmt.Errorf("invalid login request: %s", le.Message)
	case chatsync.LoginNetwork:
		return fmt.Errorf("cannot reach server: %w", le.Err)
	default:
		return err
	}
}
