package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

const waitTimeout = 3 * time.Second

// wsServer is an in-process chat server stand-in. It records every frame a
// client sends and lets the test push frames back.
type wsServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn

	accepted chan *websocket.Conn
	requests chan *http.Request
	received chan []byte
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		accepted: make(chan *websocket.Conn, 16),
		requests: make(chan *http.Request, 16),
		received: make(chan []byte, 256),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.requests <- r
		s.accepted <- c

		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			s.received <- data
		}
	}))
	t.Cleanup(func() {
		s.dropAll()
		s.srv.Close()
	})
	return s
}

// URL is the ws:// base of the server.
func (s *wsServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no client connected")
		return nil
	}
}

func (s *wsServer) waitRequest(t *testing.T) *http.Request {
	t.Helper()
	select {
	case r := <-s.requests:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("no handshake request")
		return nil
	}
}

// next returns the next frame sent by a client.
func (s *wsServer) next(t *testing.T) string {
	t.Helper()
	select {
	case data := <-s.received:
		return string(data)
	case <-time.After(waitTimeout):
		t.Fatal("no frame received")
		return ""
	}
}

// nextAction skips frames until one with the given action arrives.
func (s *wsServer) nextAction(t *testing.T, action string) string {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case data := <-s.received:
			f, err := Decode(data)
			require.NoError(t, err)
			if f.Action == action {
				return string(data)
			}
		case <-deadline:
			t.Fatalf("no %s frame received", action)
			return ""
		}
	}
}

// quiet asserts that no frame arrives within d.
func (s *wsServer) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-s.received:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(d):
	}
}

func push(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(frame)))
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.CloseNow()
	}
}

// eventually waits for cond to hold.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond, msg)
}
