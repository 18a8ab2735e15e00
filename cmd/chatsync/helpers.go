package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/rs/zerolog"
)

// newLogger builds the CLI logger: console output on stderr when pretty,
// JSON lines otherwise.
func newLogger(level string, pretty bool) (zerolog.Logger, error) {
	if level == "" {
		level = "warn"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if pretty {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}

// cliLogger resolves the log level from --log-level, then the config file.
func cliLogger(cfg *Config) (zerolog.Logger, error) {
	level := flagLogLevel
	if level == "" {
		level = cfg.Client.LogLevel
	}
	return newLogger(level, flagPretty)
}

// getClient creates an HTTP client for the configured server.
func getClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Server.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Server.BaseURL))
	}
	if cfg.Auth.Token != "" {
		opts = append(opts, chatsync.WithToken(cfg.Auth.Token))
	}
	return chatsync.NewClient(opts...)
}

// wsBase returns the WebSocket base: ws_url if set, else base_url.
func wsBase(cfg *Config) string {
	if cfg.Server.WSURL != "" {
		return cfg.Server.WSURL
	}
	return valueOrDefault(cfg.Server.BaseURL, chatsync.DefaultBaseURL)
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid client.%s %q: %w", field, value, err)
	}
	return d, nil
}

// engineConfig maps the CLI config onto an EngineConfig.
func engineConfig(cfg *Config, log zerolog.Logger) (chatsync.EngineConfig, error) {
	readTimeout, err := parseDuration("read_timeout", cfg.Client.ReadTimeout)
	if err != nil {
		return chatsync.EngineConfig{}, err
	}
	heartbeat, err := parseDuration("heartbeat_interval", cfg.Client.HeartbeatInterval)
	if err != nil {
		return chatsync.EngineConfig{}, err
	}
	return chatsync.EngineConfig{
		URL:               wsBase(cfg),
		ReadTimeout:       readTimeout,
		HeartbeatInterval: heartbeat,
		Logger:            &log,
	}, nil
}

// getSession returns the logged-in session from the config.
func getSession(cfg *Config) (chatsync.Session, error) {
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return chatsync.Session{}, fmt.Errorf("not logged in; run 'chatsync login <nickname>' first")
	}
	return chatsync.NewSession(cfg.Auth.Token, cfg.Auth.UserID, cfg.Auth.Nickname)
}

// noRefresh turns off the rosters requested on every open.
func noRefresh(c *chatsync.EngineConfig) { c.DisableAutoRefresh = true }

// openEngine loads the config, builds an engine and connects it.
func openEngine(ctx context.Context, opts ...func(*chatsync.EngineConfig)) (*chatsync.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	session, err := getSession(cfg)
	if err != nil {
		return nil, err
	}
	log, err := cliLogger(cfg)
	if err != nil {
		return nil, err
	}
	ecfg, err := engineConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(&ecfg)
	}

	engine, err := chatsync.New(session, ecfg)
	if err != nil {
		return nil, err
	}
	if err := engine.EnsureConnected(ctx); err != nil {
		engine.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return engine, nil
}

// waitFor blocks until v holds a value accepted by ok, or ctx is done.
func waitFor[T any](ctx context.Context, v *chatsync.Value[T], ok func(T) bool) (T, error) {
	ch := make(chan T, 1)
	cancel := v.Subscribe(func(cur T) {
		if ok(cur) {
			select {
			case ch <- cur:
			default:
			}
		}
	})
	defer cancel()

	select {
	case cur := <-ch:
		return cur, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 10 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// requestAndWait subscribes to v, runs request and returns the first change
// that follows it.
func requestAndWait[T any](ctx context.Context, v *chatsync.Value[T], request func() error) (T, error) {
	var zero T
	ch := make(chan T, 1)
	first := true
	cancel := v.Subscribe(func(cur T) {
		if first {
			first = false
			return
		}
		select {
		case ch <- cur:
		default:
		}
	})
	defer cancel()

	if err := request(); err != nil {
		return zero, err
	}
	select {
	case cur := <-ch:
		return cur, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
