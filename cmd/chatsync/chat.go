package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatWait time.Duration

	// history
	historyLimit int

	// groups create
	groupsCreateMembers string
	groupsCreateIndexed bool

	// groups messages
	groupsMessagesLimit int
)

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, content := args[0], strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), chatWait)
		defer cancel()

		engine, err := openEngine(ctx, noRefresh)
		if err != nil {
			return err
		}
		defer engine.Close()

		self := engine.Session().UserID
		confirmed := func(msgs []chatsync.DirectMessage) bool {
			for _, m := range msgs {
				if !isTemp(m.ID) && m.SenderID == self && m.Content == content {
					return true
				}
			}
			return false
		}

		if _, err := engine.SendDirectMessage(ctx, target, content); err != nil {
			return err
		}
		if _, err := waitFor(ctx, engine.DirectMessages(target), confirmed); err != nil {
			return fmt.Errorf("message sent but not confirmed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s\n", target)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Show the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]

		ctx, cancel := context.WithTimeout(context.Background(), chatWait)
		defer cancel()

		engine, err := openEngine(ctx, noRefresh)
		if err != nil {
			return err
		}
		defer engine.Close()

		msgs, err := requestAndWait(ctx, engine.DirectMessages(target), func() error {
			return engine.RequestHistory(ctx, target)
		})
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		printDirect(cmd.OutOrStdout(), engine.Session(), tail(msgs, historyLimit))
		return nil
	},
}

// ============================================================================
// groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Group chat commands",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), chatWait)
		defer cancel()

		engine, err := openEngine(ctx, noRefresh)
		if err != nil {
			return err
		}
		defer engine.Close()

		groups, err := requestAndWait(ctx, engine.Groups(), func() error {
			return engine.RequestGroups(ctx)
		})
		if err != nil {
			return fmt.Errorf("groups: %w", err)
		}
		if len(groups) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No groups.")
			return nil
		}
		for _, g := range groups {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s (%d members)\n", g.GroupID, g.Name, len(g.Members))
		}
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		members := splitList(groupsCreateMembers)

		ctx, cancel := context.WithTimeout(context.Background(), chatWait)
		defer cancel()

		engine, err := openEngine(ctx, noRefresh, func(c *chatsync.EngineConfig) {
			c.IndexedMembers = groupsCreateIndexed
		})
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.CreateGroup(ctx, name, members); err != nil {
			return err
		}
		g, err := waitFor(ctx, engine.CreatedGroup(), func(g *chatsync.Group) bool {
			return g != nil && g.Name == name
		})
		if err != nil {
			return fmt.Errorf("group requested but not confirmed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created group %s (%s)\n", g.Name, g.GroupID)
		return nil
	},
}

var groupsMessagesCmd = &cobra.Command{
	Use:   "messages <group-id>",
	Short: "Show the messages of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID := args[0]

		ctx, cancel := context.WithTimeout(context.Background(), chatWait)
		defer cancel()

		engine, err := openEngine(ctx, noRefresh)
		if err != nil {
			return err
		}
		defer engine.Close()

		msgs, err := requestAndWait(ctx, engine.GroupMessages(groupID), func() error {
			return engine.RequestGroupMessages(ctx, groupID)
		})
		if err != nil {
			return fmt.Errorf("group messages: %w", err)
		}
		printGroup(cmd.OutOrStdout(), tail(msgs, groupsMessagesLimit))
		return nil
	},
}

var groupsSendCmd = &cobra.Command{
	Use:   "send <group-id> <message>",
	Short: "Send a message to a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, content := args[0], strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), chatWait)
		defer cancel()

		engine, err := openEngine(ctx, noRefresh)
		if err != nil {
			return err
		}
		defer engine.Close()

		self := engine.Session().UserID
		if _, err := engine.SendGroupMessage(ctx, groupID, content); err != nil {
			return err
		}
		_, err = waitFor(ctx, engine.GroupMessages(groupID), func(msgs []chatsync.GroupMessage) bool {
			for _, m := range msgs {
				if !isTemp(m.ID) && m.SenderID == self && m.Content == content {
					return true
				}
			}
			return false
		})
		if err != nil {
			return fmt.Errorf("message sent but not confirmed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent to group %s\n", groupID)
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func isTemp(id string) bool {
	return strings.HasPrefix(id, chatsync.TempIDPrefix)
}

func tail[T any](items []T, n int) []T {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func printDirect(w io.Writer, session chatsync.Session, msgs []chatsync.DirectMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		who := m.SenderID
		if m.SenderID == session.UserID {
			who = "you"
		} else if m.SenderNickname != "" {
			who = m.SenderNickname
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", formatTimestamp(m.CreatedAt), who, m.Content)
	}
}

func printGroup(w io.Writer, msgs []chatsync.GroupMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s: %s\n", formatTimestamp(m.CreatedAt), valueOrDefault(m.SenderNickname, m.SenderID), m.Content)
	}
}

// formatTimestamp renders an RFC 3339 or epoch-millisecond timestamp as
// local time, or returns it unchanged.
func formatTimestamp(ts string) string {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.Local().Format(time.DateTime)
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.999999", ts, time.UTC); err == nil {
		return t.Local().Format(time.DateTime)
	}
	var ms int64
	if _, err := fmt.Sscanf(ts, "%d", &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).Local().Format(time.DateTime)
	}
	return ts
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	for _, c := range []*cobra.Command{sendCmd, historyCmd, groupsCmd} {
		c.PersistentFlags().DurationVar(&chatWait, "wait", 10*time.Second, "How long to wait for the server")
	}

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last n messages")

	groupsCreateCmd.Flags().StringVar(&groupsCreateMembers, "members", "", "Comma-separated list of member user IDs")
	groupsCreateCmd.Flags().BoolVar(&groupsCreateIndexed, "indexed-members", false, `Send members as {"0": id, ...}`)
	_ = groupsCreateCmd.MarkFlagRequired("members")

	groupsMessagesCmd.Flags().IntVarP(&groupsMessagesLimit, "limit", "n", 0, "Show only the last n messages")

	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsMessagesCmd)
	groupsCmd.AddCommand(groupsSendCmd)

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(groupsCmd)
}
