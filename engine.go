// Package chatsync is a real-time chat client synchronization engine.
//
// It keeps one WebSocket connection to the chat server, turns application
// intents into action/payload frames and reconciles inbound events into
// duplicate-free observable state.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("http://localhost:8000"))
//	login, _ := client.Login(ctx, "alice")
//	session, _ := chatsync.SessionFromLogin(login, "alice")
//
//	engine, _ := chatsync.New(session, chatsync.EngineConfig{URL: client.BaseURL()})
//	defer engine.Close()
//
//	engine.Connected().Subscribe(func(up bool) { fmt.Println("connected:", up) })
//	engine.EnsureConnected(ctx)
//	engine.SendDirectMessage(ctx, "u2", "hi")
package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrEngineClosed is returned by intents issued after Close.
var ErrEngineClosed = errors.New("chatsync: engine closed")

// TempIDPrefix marks ids generated for optimistic local entries. Server ids
// never carry it.
const TempIDPrefix = "temp_"

// ============================================================================
// Configuration
// ============================================================================

// EngineConfig configures an Engine.
type EngineConfig struct {
	// URL is the WebSocket (or HTTP) base of the server, e.g. "ws://host:8000".
	// The engine dials <URL>/ws/<userID>?token=<token>.
	URL string

	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
	ReadLimit         int64
	// FrameBuffer is the capacity of the inbound frame queue.
	FrameBuffer int

	// CorrelationIDs adds client_id to send_message so a server that echoes it
	// lets the optimistic entry be replaced in place.
	CorrelationIDs bool
	// IndexedMembers encodes create_group members as {"0": id, ...}.
	IndexedMembers bool
	// DisableAutoRefresh stops the get_users/get_user_groups requests sent on every open.
	DisableAutoRefresh bool

	HTTPClient *http.Client
	Logger     *zerolog.Logger
	Metrics    *Metrics
}

func (c *EngineConfig) defaults() {
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 256
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
}

// WebSocketURL builds <base>/ws/<userID>, mapping http(s) to ws(s).
func WebSocketURL(base, userID string) string {
	b := strings.TrimRight(base, "/")
	b = strings.Replace(b, "https://", "wss://", 1)
	b = strings.Replace(b, "http://", "ws://", 1)
	return b + "/ws/" + url.PathEscape(userID)
}

// ============================================================================
// Engine
// ============================================================================

// Engine ties a Session to one connection and one Store. Intents are safe
// for concurrent use. Inbound frames go through a single ordered queue that
// one goroutine drains, so reconciliation happens in arrival order.
type Engine struct {
	session Session
	cfg     EngineConfig
	wsURL   string
	log     zerolog.Logger

	conn    *Conn
	store   *Store
	disp    *dispatcher
	metrics *Metrics

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	unsub     func()
}

// New creates an engine for session. It does not connect.
func New(session Session, cfg EngineConfig) (*Engine, error) {
	if _, err := NewSession(session.Token, session.UserID, session.Nickname); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, &ValidationError{Field: "url", Reason: "must not be empty"}
	}
	cfg.defaults()

	e := &Engine{
		session: session,
		cfg:     cfg,
		wsURL:   WebSocketURL(cfg.URL, session.UserID),
		log:     cfg.Logger.With().Str("user_id", session.UserID).Logger(),
		store:   NewStore(session.UserID),
		metrics: cfg.Metrics,
		frames:  make(chan []byte, cfg.FrameBuffer),
		done:    make(chan struct{}),
	}
	e.conn = NewConn(ConnConfig{
		ReadTimeout:       cfg.ReadTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReadLimit:         cfg.ReadLimit,
		HTTPClient:        cfg.HTTPClient,
		OnFrame:           e.enqueue,
		Logger:            &e.log,
		Metrics:           cfg.Metrics,
	})
	e.disp = newDispatcher(e.store, e.refreshGroups, e.log, cfg.Metrics)

	if !cfg.DisableAutoRefresh {
		e.unsub = e.conn.Connected().Subscribe(func(open bool) {
			if open {
				go e.refreshAll()
			}
		})
	}

	go e.reconcileLoop()
	return e, nil
}

// Session returns the identity the engine runs as.
func (e *Engine) Session() Session { return e.session }

// Store exposes the reconciled state.
func (e *Engine) Store() *Store { return e.store }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// State returns the connection lifecycle state.
func (e *Engine) State() ConnState { return e.conn.State() }

// Connected is the observable connection status.
func (e *Engine) Connected() *Value[bool] { return e.conn.Connected() }

// DirectMessages returns the message sequence of the conversation with peer.
func (e *Engine) DirectMessages(peer string) *Value[[]DirectMessage] {
	return e.store.DirectMessages(e.session.ConversationWith(peer))
}

// GroupMessages returns the message sequence of a group.
func (e *Engine) GroupMessages(groupID string) *Value[[]GroupMessage] {
	return e.store.GroupMessages(groupID)
}

// Groups returns the user's group roster.
func (e *Engine) Groups() *Value[[]Group] { return e.store.Groups() }

// OnlineUsers returns the online-user roster without the session user.
func (e *Engine) OnlineUsers() *Value[[]OnlineUser] { return e.store.OnlineUsers() }

// CreatedGroup returns the last group confirmed by the server.
func (e *Engine) CreatedGroup() *Value[*Group] { return e.store.CreatedGroup() }

// ── Lifecycle ────────────────────────────────────────────

// EnsureConnected opens the connection unless it is already open or opening.
func (e *Engine) EnsureConnected(ctx context.Context) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.conn.Connect(ctx, e.wsURL, e.session.Token)
}

// ForceReconnect drops any current socket and dials a new one.
func (e *Engine) ForceReconnect(ctx context.Context) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.conn.Reconnect(ctx, e.wsURL, e.session.Token)
}

// Disconnect closes the socket but keeps the engine and its state usable.
func (e *Engine) Disconnect() {
	e.conn.Close()
}

// Close disposes the engine: the socket is closed, pending inbound frames are
// discarded and every collection is emptied. It does not wait for the close
// handshake.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if e.unsub != nil {
			e.unsub()
		}
		e.conn.Close()
		e.store.Reset()
		e.log.Info().Msg("engine closed")
	})
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// ── Intents ──────────────────────────────────────────────

// SendDirectMessage appends an optimistic entry to the conversation with
// target and sends it. The returned message is the optimistic entry.
func (e *Engine) SendDirectMessage(ctx context.Context, target, content string) (DirectMessage, error) {
	if err := requireField("target_user_id", target); err != nil {
		return DirectMessage{}, err
	}
	if err := requireField("content", content); err != nil {
		return DirectMessage{}, err
	}
	if e.isClosed() {
		return DirectMessage{}, ErrEngineClosed
	}

	convID := e.session.ConversationWith(target)
	msg := DirectMessage{
		ID:             newTempID(),
		ConversationID: convID,
		SenderID:       e.session.UserID,
		Content:        content,
		CreatedAt:      nowMillis(),
	}
	payload := SendMessagePayload{ChatID: convID, Content: content, TargetUserID: target}
	if e.cfg.CorrelationIDs {
		payload.ClientID = msg.ID
	}

	e.store.AppendLocalDirect(msg)
	e.send(ctx, ActionSendMessage, payload)
	return msg, nil
}

// SendGroupMessage appends an optimistic entry to the group and sends it.
func (e *Engine) SendGroupMessage(ctx context.Context, groupID, content string) (GroupMessage, error) {
	if err := requireField("group_id", groupID); err != nil {
		return GroupMessage{}, err
	}
	if err := requireField("content", content); err != nil {
		return GroupMessage{}, err
	}
	if e.isClosed() {
		return GroupMessage{}, ErrEngineClosed
	}

	msg := GroupMessage{
		ID:             newTempID(),
		GroupID:        groupID,
		SenderID:       e.session.UserID,
		SenderNickname: e.session.SenderName(),
		Content:        content,
		CreatedAt:      nowMillis(),
		ChatType:       "group",
	}
	payload := SendMessagePayload{
		GroupID:        groupID,
		ChatType:       "group",
		Content:        content,
		SenderNickname: msg.SenderNickname,
	}
	if e.cfg.CorrelationIDs {
		payload.ClientID = msg.ID
	}

	e.store.AppendLocalGroup(msg)
	e.send(ctx, ActionSendMessage, payload)
	return msg, nil
}

// RequestHistory asks for the direct history with target. The answer
// replaces the local sequence of that conversation.
func (e *Engine) RequestHistory(ctx context.Context, target string) error {
	if err := requireField("target_user_id", target); err != nil {
		return err
	}
	return e.intent(ctx, ActionGetChatHistory, ChatHistoryRequest{TargetUserID: target})
}

// RequestGroupMessages asks for the history of a group.
func (e *Engine) RequestGroupMessages(ctx context.Context, groupID string) error {
	if err := requireField("group_id", groupID); err != nil {
		return err
	}
	return e.intent(ctx, ActionGetGroupMessages, GroupMessagesRequest{GroupID: groupID})
}

// CreateGroup asks the server to create a group. No local group is created;
// the roster changes when group_created arrives.
func (e *Engine) CreateGroup(ctx context.Context, name string, members []string) error {
	if err := requireField("group_name", name); err != nil {
		return err
	}
	if len(members) == 0 {
		return &ValidationError{Field: "members", Reason: "at least one member is required"}
	}
	for _, m := range members {
		if err := requireField("members", m); err != nil {
			return err
		}
	}

	var encoded any = append([]string(nil), members...)
	if e.cfg.IndexedMembers {
		encoded = indexedMembers(members)
	}
	return e.intent(ctx, ActionCreateGroup, CreateGroupPayload{GroupName: name, Members: encoded})
}

// RequestUsers asks for the online-user roster.
func (e *Engine) RequestUsers(ctx context.Context) error {
	return e.intent(ctx, ActionGetUsers, nil)
}

// RequestGroups asks for the user's group roster.
func (e *Engine) RequestGroups(ctx context.Context) error {
	return e.intent(ctx, ActionGetUserGroups, nil)
}

func (e *Engine) intent(ctx context.Context, action string, payload any) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	e.send(ctx, action, payload)
	return nil
}

// send encodes and writes one frame. Transport problems are logged and
// surface through the connection status, never as an intent error.
func (e *Engine) send(ctx context.Context, action string, payload any) {
	data, err := Encode(action, payload)
	if err != nil {
		e.log.Error().Err(err).Str("action", action).Msg("encode failed")
		return
	}
	if err := e.conn.Send(ctx, data); err != nil {
		e.metrics.IntentsDropped.WithLabelValues(action).Inc()
		if errors.Is(err, ErrNotConnected) {
			e.log.Debug().Str("action", action).Msg("not connected, frame dropped")
			return
		}
		e.log.Warn().Err(err).Str("action", action).Msg("send failed")
		return
	}
	e.metrics.IntentsSent.WithLabelValues(action).Inc()
}

func (e *Engine) refreshAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.RequestUsers(ctx)
	_ = e.RequestGroups(ctx)
}

func (e *Engine) refreshGroups() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.RequestGroups(ctx)
}

// ── Inbound ──────────────────────────────────────────────

func (e *Engine) enqueue(data []byte) {
	select {
	case e.frames <- data:
	case <-e.done:
	}
}

func (e *Engine) reconcileLoop() {
	for {
		select {
		case <-e.done:
			return
		case data := <-e.frames:
			e.disp.handleRaw(data)
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

func requireField(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	return nil
}

func newTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func nowMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
