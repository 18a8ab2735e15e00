package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type frameLog struct {
	mu     sync.Mutex
	frames []string
}

func (l *frameLog) add(data []byte) {
	l.mu.Lock()
	l.frames = append(l.frames, string(data))
	l.mu.Unlock()
}

func (l *frameLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.frames...)
}

func newTestConn(onFrame func([]byte)) *Conn {
	return NewConn(ConnConfig{OnFrame: onFrame, HeartbeatInterval: -1, ReadTimeout: -1})
}

func TestDialURL(t *testing.T) {
	u, err := DialURL("ws://host:8000/ws/u1", "tok en")
	require.NoError(t, err)
	require.Equal(t, "ws://host:8000/ws/u1?token=tok+en", u)

	_, err = DialURL("://bad", "t")
	require.Error(t, err)
}

func TestConnConnectSendReceive(t *testing.T) {
	srv := newWSServer(t)
	var log frameLog
	c := newTestConn(log.add)
	defer c.Close()

	require.Equal(t, StateDisconnected, c.State())
	require.False(t, c.Connected().Get())

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx, srv.URL()+"/ws/u1", "token_u1"))
	require.Equal(t, StateOpen, c.State())
	require.True(t, c.Connected().Get())

	req := srv.waitRequest(t)
	require.Equal(t, "/ws/u1", req.URL.Path)
	require.Equal(t, "token_u1", req.URL.Query().Get("token"))
	server := srv.waitConn(t)

	require.NoError(t, c.Send(ctx, []byte(`{"action":"get_users"}`)))
	require.Equal(t, `{"action":"get_users"}`, srv.next(t))

	push(t, server, `{"action":"a"}`)
	push(t, server, `{"action":"b"}`)
	eventually(t, func() bool { return len(log.all()) == 2 }, "frames delivered")
	require.Equal(t, []string{`{"action":"a"}`, `{"action":"b"}`}, log.all())
}

func TestConnConnectIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConn(nil)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx, srv.URL()+"/ws/u1", "t"))
	require.NoError(t, c.Connect(ctx, srv.URL()+"/ws/u1", "t"))
	srv.waitConn(t)

	select {
	case <-srv.accepted:
		t.Fatal("second socket opened")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnSendWhenNotOpen(t *testing.T) {
	c := newTestConn(nil)
	err := c.Send(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConn(nil)

	require.NoError(t, c.Connect(context.Background(), srv.URL()+"/ws/u1", "t"))
	srv.waitConn(t)

	var changes []bool
	cancel := c.Connected().Subscribe(func(v bool) { changes = append(changes, v) })
	defer cancel()

	c.Close()
	require.False(t, c.Connected().Get(), "status flips before the handshake completes")
	c.Close()
	c.Close()
	require.Equal(t, []bool{true, false}, changes)

	eventually(t, func() bool { return c.State() == StateDisconnected }, "handshake finishes")
	require.ErrorIs(t, c.Send(context.Background(), []byte(`{}`)), ErrNotConnected)
}

func TestConnServerDropReportsDisconnected(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConn(nil)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), srv.URL()+"/ws/u1", "t"))
	server := srv.waitConn(t)

	server.Close(websocket.StatusInternalError, "bye")
	eventually(t, func() bool { return !c.Connected().Get() }, "connection reported lost")
	require.Equal(t, StateDisconnected, c.State())

	// No automatic reconnect.
	select {
	case <-srv.accepted:
		t.Fatal("reconnected on its own")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnReconnect(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConn(nil)
	defer c.Close()

	url := srv.URL() + "/ws/u1"
	require.NoError(t, c.Connect(context.Background(), url, "t"))
	srv.waitConn(t)

	require.NoError(t, c.Reconnect(context.Background(), url, "t"))
	srv.waitConn(t)
	require.True(t, c.Connected().Get())

	require.NoError(t, c.Send(context.Background(), []byte(`{"action":"get_users"}`)))
	require.Equal(t, `{"action":"get_users"}`, srv.next(t))

	// Closing the old socket must not flip the status of the new one.
	time.Sleep(100 * time.Millisecond)
	require.True(t, c.Connected().Get())
	require.Equal(t, StateOpen, c.State())
}

func TestConnDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestConn(nil)
	err := c.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/u1", "t")

	var te *TransportError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "dial", te.Op)
	require.Equal(t, StateDisconnected, c.State())
	require.False(t, c.Connected().Get())
}

func TestConnIdleWatchdog(t *testing.T) {
	// A server that accepts and then never reads, so pings go unanswered.
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		<-done
	}))
	defer srv.Close()
	defer close(done)

	c := NewConn(ConnConfig{ReadTimeout: 150 * time.Millisecond, HeartbeatInterval: 40 * time.Millisecond})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/u1", "t"))
	require.True(t, c.Connected().Get())

	eventually(t, func() bool { return !c.Connected().Get() }, "watchdog trips")
	require.Equal(t, StateDisconnected, c.State())
}

func TestConnHeartbeatKeepsQuietConnectionAlive(t *testing.T) {
	srv := newWSServer(t)
	c := NewConn(ConnConfig{ReadTimeout: 150 * time.Millisecond, HeartbeatInterval: 30 * time.Millisecond})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background(), srv.URL()+"/ws/u1", "t"))
	srv.waitConn(t)

	time.Sleep(400 * time.Millisecond)
	require.True(t, c.Connected().Get(), "pongs count as activity")
}

func TestConnMetricsGauge(t *testing.T) {
	srv := newWSServer(t)
	m := NewMetrics()
	c := NewConn(ConnConfig{Metrics: m, HeartbeatInterval: -1, ReadTimeout: -1})

	require.NoError(t, c.Connect(context.Background(), srv.URL()+"/ws/u1", "t"))
	require.Equal(t, 1.0, gaugeValue(t, m, "chatsync_connected"))
	c.Close()
	require.Equal(t, 0.0, gaugeValue(t, m, "chatsync_connected"))
}

func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// ============================================================================
// Backoff
// ============================================================================

func TestBackoff(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 3)

	prev := time.Duration(0)
	for i := 0; i < 3; i++ {
		require.True(t, b.ShouldRetry())
		d := b.Next()
		require.GreaterOrEqual(t, d, 100*time.Millisecond)
		require.LessOrEqual(t, d, time.Second)
		require.GreaterOrEqual(t, d, prev/2)
		prev = d
	}
	require.False(t, b.ShouldRetry())
	require.Equal(t, 3, b.Attempt())

	b.Reset()
	require.True(t, b.ShouldRetry())
	require.Zero(t, b.Attempt())
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 300*time.Millisecond, 0)
	for i := 0; i < 10; i++ {
		require.LessOrEqual(t, b.Next(), 300*time.Millisecond)
	}
	require.True(t, b.ShouldRetry(), "zero means unlimited")
}
