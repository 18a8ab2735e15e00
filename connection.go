package chatsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures a Conn.
type ConnConfig struct {
	// ReadTimeout bounds how long the socket may stay silent (no frame, no
	// pong). When it trips the connection is treated as failed. Negative disables.
	ReadTimeout time.Duration
	// HeartbeatInterval is the protocol-level ping period. Negative disables.
	HeartbeatInterval time.Duration
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit  int64
	HTTPClient *http.Client
	// OnFrame receives every inbound frame, in arrival order, on the read goroutine.
	OnFrame func(data []byte)
	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (c *ConnConfig) defaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 4 << 20
	}
	if c.OnFrame == nil {
		c.OnFrame = func([]byte) {}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
}

// ConnState represents the socket lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateClosing      ConnState = "closing"
)

// ============================================================================
// Conn
// ============================================================================

// Conn owns one WebSocket connection and is the only writer to it.
// Connect is idempotent while connecting or open; Reconnect replaces the
// socket. Conn never reconnects on its own.
type Conn struct {
	cfg ConnConfig
	log zerolog.Logger

	mu     sync.Mutex
	state  ConnState
	ws     *websocket.Conn
	cancel context.CancelFunc
	gen    uint64 // bumped by every Connect/Close; stale goroutines compare against it

	lastActivity atomic.Int64
	connected    *Value[bool]
}

// NewConn creates a disconnected Conn.
func NewConn(cfg ConnConfig) *Conn {
	cfg.defaults()
	return &Conn{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "conn").Logger(),
		state:     StateDisconnected,
		connected: NewValue(false),
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected is the observable connection status.
func (c *Conn) Connected() *Value[bool] { return c.connected }

// DialURL appends the bearer token to rawURL as the "token" query parameter.
func DialURL(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the socket. It returns nil without dialing when the Conn is
// already connecting or open.
func (c *Conn) Connect(ctx context.Context, rawURL, token string) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	dialURL, err := DialURL(rawURL, token)
	if err != nil {
		c.abortDial(gen)
		return &TransportError{Op: "dial", Err: err}
	}

	ws, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
	if err != nil {
		c.abortDial(gen)
		c.log.Warn().Err(err).Msg("dial failed")
		return &TransportError{Op: "dial", Err: err}
	}
	ws.SetReadLimit(c.cfg.ReadLimit)

	// The connection outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		go ws.Close(websocket.StatusNormalClosure, "superseded")
		return &TransportError{Op: "dial", Err: errors.New("connection superseded")}
	}
	c.ws = ws
	c.cancel = cancel
	c.state = StateOpen
	c.mu.Unlock()

	c.touch()
	c.setConnected(true)
	c.log.Info().Str("url", rawURL).Msg("connected")

	go c.readLoop(connCtx, ws, gen)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx, ws)
	}
	if c.cfg.ReadTimeout > 0 {
		go c.idleWatchdog(connCtx, ws, gen)
	}
	return nil
}

// Reconnect closes any current socket and dials a new one.
func (c *Conn) Reconnect(ctx context.Context, rawURL, token string) error {
	c.Close()
	return c.Connect(ctx, rawURL, token)
}

// Send writes one text frame. It returns ErrNotConnected without side effects
// when the socket is not open. A failed write leaves the socket unusable, so
// it is reported as a lost connection.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws, gen := c.ws, c.gen
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		return ErrNotConnected
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		te := &TransportError{Op: "write", Err: err}
		c.fail(gen, te)
		return te
	}
	return nil
}

// Close requests a normal closure and returns without waiting for the close
// handshake. It is safe to call repeatedly.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	ws, cancel := c.ws, c.cancel
	c.ws, c.cancel = nil, nil
	if ws == nil {
		// Still dialing; the dial result is discarded by the gen check.
		c.state = StateDisconnected
		c.mu.Unlock()
		c.setConnected(false)
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.setConnected(false)
	c.log.Info().Msg("closing")

	go func() {
		defer cancel()
		ws.Close(websocket.StatusNormalClosure, "Normal closure")
		c.mu.Lock()
		if c.gen == gen && c.state == StateClosing {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
	}()
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn, gen uint64) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.fail(gen, &TransportError{Op: "read", Err: err})
			return
		}
		c.touch()
		c.cfg.OnFrame(data)
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timeout := c.cfg.ReadTimeout
			if timeout <= 0 {
				timeout = c.cfg.HeartbeatInterval
			}
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				// A failed ping closes the socket; readLoop reports it.
				c.log.Debug().Err(err).Msg("heartbeat failed")
				return
			}
			c.touch()
		}
	}
}

func (c *Conn) idleWatchdog(ctx context.Context, ws *websocket.Conn, gen uint64) {
	check := c.cfg.ReadTimeout / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle > c.cfg.ReadTimeout {
				c.fail(gen, &TransportError{Op: "read", Err: fmt.Errorf("idle for %s", idle.Round(time.Millisecond))})
				go ws.Close(websocket.StatusGoingAway, "idle timeout")
				return
			}
		}
	}
}

// fail moves an open connection of generation gen to Disconnected. Failures
// of superseded or intentionally closed sockets are ignored.
func (c *Conn) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.ws, c.cancel = nil, nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		defer cancel()
	}
	c.setConnected(false)
	c.log.Warn().Err(err).Msg("connection lost")
}

// abortDial reverts a failed dial of generation gen.
func (c *Conn) abortDial(gen uint64) {
	c.mu.Lock()
	current := c.gen == gen && c.state == StateConnecting
	if current {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if current {
		c.setConnected(false)
	}
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) setConnected(open bool) {
	c.cfg.Metrics.setConnected(open)
	c.connected.Update(func(cur bool) (bool, bool) { return open, cur != open })
}

// ============================================================================
// Backoff
// ============================================================================

// Backoff computes reconnect delays for callers that choose to reconnect:
// exponential growth from Base up to Max with up to 50% jitter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 means unlimited

	attempt     int
	connectedAt time.Time
}

// NewBackoff returns a Backoff with the given bounds.
func NewBackoff(base, maxDelay time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Backoff{Base: base, Max: maxDelay, MaxAttempts: maxAttempts}
}

// ShouldRetry reports whether another attempt is allowed.
func (b *Backoff) ShouldRetry() bool {
	return b.MaxAttempts == 0 || b.attempt < b.MaxAttempts
}

// MarkConnected records a successful connection; a connection that stayed up
// for a minute resets the attempt counter on the next delay.
func (b *Backoff) MarkConnected() {
	b.connectedAt = time.Now()
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > 60*time.Second {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.Base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.Base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.Max),
	))
	b.attempt++
	return delay
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}
