package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	listenMetricsAddr string
	listenBaseDelay   time.Duration
	listenMaxDelay    time.Duration
	listenMaxAttempts int
)

func init() {
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	listenCmd.Flags().DurationVar(&listenBaseDelay, "reconnect-base", time.Second, "Initial reconnect delay")
	listenCmd.Flags().DurationVar(&listenMaxDelay, "reconnect-max", 30*time.Second, "Maximum reconnect delay")
	listenCmd.Flags().IntVar(&listenMaxAttempts, "max-attempts", 10, "Reconnect attempts before giving up (0 = unlimited)")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow live messages, groups and online users",
	Long:  "Connect to the server and print incoming traffic until interrupted.\nThe connection is re-established with exponential backoff when it drops.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		session, err := getSession(cfg)
		if err != nil {
			return err
		}
		log, err := cliLogger(cfg)
		if err != nil {
			return err
		}
		ecfg, err := engineConfig(cfg, log)
		if err != nil {
			return err
		}

		engine, err := chatsync.New(session, ecfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := listenMetricsAddr
		if addr == "" {
			addr = cfg.Client.MetricsAddr
		}
		if addr != "" {
			shutdown := serveMetrics(addr, engine.Metrics(), log)
			defer shutdown()
		}

		w := newWatcher(cmd.OutOrStdout(), engine)
		defer w.stop()

		b := chatsync.NewBackoff(listenBaseDelay, listenMaxDelay, listenMaxAttempts)
		return runListen(ctx, engine, b, log)
	},
}

// runListen keeps the engine connected until ctx is done or the backoff
// gives up.
func runListen(ctx context.Context, engine *chatsync.Engine, b *chatsync.Backoff, log zerolog.Logger) error {
	for {
		if err := engine.EnsureConnected(ctx); err != nil {
			log.Warn().Err(err).Int("attempt", b.Attempt()).Msg("connect failed")
		} else {
			b.MarkConnected()
			log.Info().Msg("listening")
			if _, err := waitFor(ctx, engine.Connected(), func(up bool) bool { return !up }); err != nil {
				return nil
			}
			log.Warn().Msg("connection lost")
		}

		if ctx.Err() != nil {
			return nil
		}
		if !b.ShouldRetry() {
			return fmt.Errorf("giving up after %d reconnect attempts", b.Attempt())
		}
		delay := b.Next()
		log.Info().Dur("delay", delay).Int("attempt", b.Attempt()).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func serveMetrics(addr string, m *chatsync.Metrics, log zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// ============================================================================
// Watcher
// ============================================================================

// watcher prints state changes. It follows the conversation of every online
// user and every group as they appear in the rosters.
type watcher struct {
	out     io.Writer
	engine  *chatsync.Engine
	session chatsync.Session

	mu      sync.Mutex
	seen    map[string]struct{}
	peers   map[string]struct{}
	groups  map[string]struct{}
	cancels []func()
}

func newWatcher(out io.Writer, engine *chatsync.Engine) *watcher {
	w := &watcher{
		out:     out,
		engine:  engine,
		session: engine.Session(),
		seen:    make(map[string]struct{}),
		peers:   make(map[string]struct{}),
		groups:  make(map[string]struct{}),
	}
	w.track(engine.Connected().Subscribe(func(up bool) {
		w.printf("* connected: %t\n", up)
	}))
	w.track(engine.OnlineUsers().Subscribe(w.onUsers))
	w.track(engine.Groups().Subscribe(w.onGroups))
	w.track(engine.CreatedGroup().Subscribe(func(g *chatsync.Group) {
		if g != nil {
			w.printf("* group created: %s (%s)\n", g.Name, g.GroupID)
		}
	}))
	return w
}

func (w *watcher) track(cancel func()) {
	w.mu.Lock()
	w.cancels = append(w.cancels, cancel)
	w.mu.Unlock()
}

func (w *watcher) stop() {
	w.mu.Lock()
	cancels := w.cancels
	w.cancels = nil
	w.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (w *watcher) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, args...)
}

// firstSeen records id and reports whether it was new.
func (w *watcher) firstSeen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return false
	}
	w.seen[id] = struct{}{}
	return true
}

func (w *watcher) onUsers(users []chatsync.OnlineUser) {
	if len(users) == 0 {
		return
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, valueOrDefault(u.Nickname, u.ID))
		w.followPeer(u.ID)
	}
	w.printf("* online: %v\n", names)
}

func (w *watcher) onGroups(groups []chatsync.Group) {
	for _, g := range groups {
		w.followGroup(g.GroupID, g.Name)
	}
}

func (w *watcher) followPeer(peer string) {
	w.mu.Lock()
	_, ok := w.peers[peer]
	w.peers[peer] = struct{}{}
	w.mu.Unlock()
	if ok {
		return
	}
	w.track(w.engine.DirectMessages(peer).Subscribe(func(msgs []chatsync.DirectMessage) {
		for _, m := range msgs {
			if isTemp(m.ID) || !w.firstSeen("d:"+m.ID) {
				continue
			}
			who := m.SenderID
			if who == w.session.UserID {
				who = "you"
			}
			w.printf("[%s] %s -> %s: %s\n", formatTimestamp(m.CreatedAt), who, m.ConversationID, m.Content)
		}
	}))
}

func (w *watcher) followGroup(groupID, name string) {
	w.mu.Lock()
	_, ok := w.groups[groupID]
	w.groups[groupID] = struct{}{}
	w.mu.Unlock()
	if ok {
		return
	}
	w.track(w.engine.GroupMessages(groupID).Subscribe(func(msgs []chatsync.GroupMessage) {
		for _, m := range msgs {
			if isTemp(m.ID) || !w.firstSeen("g:"+m.ID) {
				continue
			}
			w.printf("[%s] %s @ %s: %s\n", formatTimestamp(m.CreatedAt), valueOrDefault(m.SenderNickname, m.SenderID), name, m.Content)
		}
	}))
}
