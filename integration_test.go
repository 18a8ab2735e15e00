//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/relaychat/chatsync"
	"github.com/stretchr/testify/require"
)

// helpers ---------------------------------------------------------------

func testBaseURL(t *testing.T) string {
	t.Helper()
	base := os.Getenv("CHATSYNC_BASE_URL_TEST")
	if base == "" {
		t.Fatal("CHATSYNC_BASE_URL_TEST environment variable is required")
	}
	return base
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// loggedIn logs a fresh user in and returns a connected engine for it.
func loggedIn(t *testing.T, ctx context.Context, prefix string) *chatsync.Engine {
	t.Helper()
	client := chatsync.NewClient(chatsync.WithBaseURL(testBaseURL(t)))
	nickname := uniqueName(prefix)

	res, err := client.Login(ctx, nickname)
	require.NoError(t, err)
	session, err := chatsync.SessionFromLogin(res, nickname)
	require.NoError(t, err)

	// The server reads create_group members as an index-keyed object.
	e, err := chatsync.New(session, chatsync.EngineConfig{URL: client.BaseURL(), IndexedMembers: true})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	require.NoError(t, e.EnsureConnected(ctx))
	return e
}

func waitUntil[T any](t *testing.T, ctx context.Context, v *chatsync.Value[T], ok func(T) bool) T {
	t.Helper()
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
		return cur
	case <-ctx.Done():
		t.Fatalf("condition not met: %v", ctx.Err())
		var zero T
		return zero
	}
}

// =======================================================================
// Group 1: HTTP boundary
// =======================================================================

func TestIntegrationHealth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := chatsync.NewClient(chatsync.WithBaseURL(testBaseURL(t))).Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", h.Status)
}

func TestIntegrationLoginRejectsBlankNickname(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := chatsync.NewClient(chatsync.WithBaseURL(testBaseURL(t))).Login(ctx, "")
	require.Error(t, err)
}

// =======================================================================
// Group 2: Direct messages
// =======================================================================

func TestIntegrationDirectMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := loggedIn(t, ctx, "alice")
	bob := loggedIn(t, ctx, "bob")
	bobID := bob.Session().UserID
	aliceID := alice.Session().UserID

	// Alice sees Bob online once his socket is registered.
	require.NoError(t, alice.RequestUsers(ctx))
	waitUntil(t, ctx, alice.OnlineUsers(), func(users []chatsync.OnlineUser) bool {
		for _, u := range users {
			if u.ID == bobID {
				return true
			}
		}
		return false
	})

	content := uniqueName("hello")
	_, err := alice.SendDirectMessage(ctx, bobID, content)
	require.NoError(t, err)

	got := waitUntil(t, ctx, bob.DirectMessages(aliceID), func(msgs []chatsync.DirectMessage) bool {
		return len(msgs) > 0 && msgs[len(msgs)-1].Content == content
	})
	require.Equal(t, aliceID, got[len(got)-1].SenderID)

	// History replaces the local view with the server's.
	require.NoError(t, alice.RequestHistory(ctx, bobID))
	waitUntil(t, ctx, alice.DirectMessages(bobID), func(msgs []chatsync.DirectMessage) bool {
		return len(msgs) == 1 && msgs[0].Content == content && msgs[0].ID != ""
	})
}

// =======================================================================
// Group 3: Groups
// =======================================================================

func TestIntegrationGroupLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alice := loggedIn(t, ctx, "alice")
	bob := loggedIn(t, ctx, "bob")
	bobID := bob.Session().UserID

	name := uniqueName("team")
	require.NoError(t, alice.CreateGroup(ctx, name, []string{bobID}))
	g := waitUntil(t, ctx, alice.CreatedGroup(), func(g *chatsync.Group) bool {
		return g != nil && g.Name == name
	})
	require.Contains(t, g.Members, bobID)

	// added_to_group makes Bob reload his roster.
	waitUntil(t, ctx, bob.Groups(), func(groups []chatsync.Group) bool {
		for _, x := range groups {
			if x.GroupID == g.GroupID {
				return true
			}
		}
		return false
	})

	content := uniqueName("group-hello")
	_, err := bob.SendGroupMessage(ctx, g.GroupID, content)
	require.NoError(t, err)
	waitUntil(t, ctx, alice.GroupMessages(g.GroupID), func(msgs []chatsync.GroupMessage) bool {
		return len(msgs) > 0 && msgs[len(msgs)-1].Content == content
	})
}
