package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
	Client ConfigClient `toml:"client"`
}

// ConfigServer holds the server endpoints.
type ConfigServer struct {
	BaseURL string `toml:"base_url"`
	// WSURL overrides the WebSocket base derived from BaseURL.
	WSURL string `toml:"ws_url"`
}

// ConfigAuth holds the login state.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Nickname string `toml:"nickname"`
}

// ConfigClient holds engine tuning. Durations use Go syntax ("60s").
type ConfigClient struct {
	LogLevel          string `toml:"log_level"`
	ReadTimeout       string `toml:"read_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	MetricsAddr       string `toml:"metrics_addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the config directory, creating it if needed. CHATSYNC_HOME
// overrides the default ~/.chatsync.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "ws_url":
			cfg.Server.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "nickname":
			cfg.Auth.Nickname = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "client":
		switch field {
		case "log_level":
			cfg.Client.LogLevel = value
		case "read_timeout":
			cfg.Client.ReadTimeout = value
		case "heartbeat_interval":
			cfg.Client.HeartbeatInterval = value
		case "metrics_addr":
			cfg.Client.MetricsAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, client)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagLogLevel string
	flagPretty   bool
)

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Real-time chat client",
	Long:         "Command-line client for the chat server.\nLog in, send direct and group messages, and follow live traffic.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (default from config, else warn)")
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", true, "Human-readable log output on stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
