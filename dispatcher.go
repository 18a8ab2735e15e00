package chatsync

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
)

// handlerFunc applies one decoded frame to the store.
type handlerFunc func(f Frame) error

// dispatcher routes inbound frames to reconciliation routines by action.
// Unknown actions are dropped; a failing frame never affects other frames.
type dispatcher struct {
	store   *Store
	refresh func()
	log     zerolog.Logger
	metrics *Metrics
	table   map[string]handlerFunc
}

// newDispatcher builds the static action table. refresh is called when the
// server signals that the group roster must be reloaded.
func newDispatcher(store *Store, refresh func(), log zerolog.Logger, metrics *Metrics) *dispatcher {
	d := &dispatcher{store: store, refresh: refresh, log: log, metrics: metrics}
	d.table = map[string]handlerFunc{
		ActionNewMessage:      d.onNewMessage,
		ActionChatHistory:     d.onChatHistory,
		ActionUsersOnline:     d.onUsersOnline,
		ActionUserGroups:      d.onUserGroups,
		ActionGroupCreated:    d.onGroupCreated,
		ActionAddedToGroup:    d.onAddedToGroup,
		ActionNewGroupMessage: d.onNewGroupMessage,
		ActionGroupMessages:   d.onGroupMessages,
	}
	return d
}

// handleRaw decodes and dispatches one inbound text frame.
func (d *dispatcher) handleRaw(data []byte) {
	f, err := Decode(data)
	if err != nil {
		d.metrics.FramesDropped.WithLabelValues("decode").Inc()
		d.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable frame")
		return
	}
	d.dispatch(f)
}

func (d *dispatcher) dispatch(f Frame) {
	h, ok := d.table[f.Action]
	if !ok {
		d.metrics.FramesDropped.WithLabelValues("unknown_action").Inc()
		d.log.Debug().Str("action", f.Action).Msg("ignoring unknown action")
		return
	}
	d.metrics.FramesReceived.WithLabelValues(f.Action).Inc()
	if err := h(f); err != nil {
		d.metrics.FramesDropped.WithLabelValues("protocol").Inc()
		d.log.Warn().Err(err).Str("action", f.Action).Msg("dropping malformed frame")
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (d *dispatcher) onNewMessage(f Frame) error {
	m, err := parseDirectMessage(f.Action, f.Payload)
	if err != nil {
		return err
	}
	d.store.ApplyDirectMessage(m)
	return nil
}

func (d *dispatcher) onChatHistory(f Frame) error {
	var p historyPayload
	if err := unmarshalPayload(f, &p); err != nil {
		return err
	}
	msgs := make([]DirectMessage, 0, len(p.Messages))
	for _, raw := range p.Messages {
		m, err := parseDirectMessage(f.Action, raw)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	convID := p.ChatID
	if convID == "" && len(msgs) > 0 {
		convID = msgs[0].ConversationID
	}
	if convID == "" {
		return &ProtocolError{Action: f.Action, Reason: "missing chat_id"}
	}
	d.store.ReplaceDirectHistory(convID, msgs)
	return nil
}

func (d *dispatcher) onUsersOnline(f Frame) error {
	raw, err := usersField(f)
	if err != nil {
		return err
	}
	var users []OnlineUser
	if err := json.Unmarshal(raw, &users); err != nil {
		return &ProtocolError{Action: f.Action, Reason: "users is not a list of users", Err: err}
	}
	for _, u := range users {
		if u.ID == "" {
			return &ProtocolError{Action: f.Action, Reason: "user without id"}
		}
	}
	d.store.ReplaceOnlineUsers(users)
	return nil
}

func (d *dispatcher) onUserGroups(f Frame) error {
	var groups []Group
	if err := unmarshalPayload(f, &groups); err != nil {
		return err
	}
	for _, g := range groups {
		if err := validateGroup(f.Action, g); err != nil {
			return err
		}
	}
	d.store.ReplaceGroups(groups)
	return nil
}

func (d *dispatcher) onGroupCreated(f Frame) error {
	var g Group
	if err := unmarshalPayload(f, &g); err != nil {
		return err
	}
	if err := validateGroup(f.Action, g); err != nil {
		return err
	}
	d.store.MergeGroup(g)
	d.refresh()
	return nil
}

func (d *dispatcher) onAddedToGroup(Frame) error {
	d.refresh()
	return nil
}

func (d *dispatcher) onNewGroupMessage(f Frame) error {
	m, err := parseGroupMessage(f.Action, f.Payload)
	if err != nil {
		return err
	}
	d.store.ApplyGroupMessage(m)
	return nil
}

func (d *dispatcher) onGroupMessages(f Frame) error {
	var p groupHistoryPayload
	if err := unmarshalPayload(f, &p); err != nil {
		return err
	}
	msgs := make([]GroupMessage, 0, len(p.Messages))
	for _, raw := range p.Messages {
		m, err := parseGroupMessage(f.Action, raw)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	groupID := p.GroupID
	if groupID == "" && len(msgs) > 0 {
		groupID = msgs[0].GroupID
	}
	if groupID == "" {
		return &ProtocolError{Action: f.Action, Reason: "missing group_id"}
	}
	d.store.ReplaceGroupHistory(groupID, msgs)
	return nil
}

// ============================================================================
// Payload parsing
// ============================================================================

func unmarshalPayload(f Frame, v any) error {
	if !f.HasPayload() {
		return &ProtocolError{Action: f.Action, Reason: "missing payload"}
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return &ProtocolError{Action: f.Action, Reason: "malformed payload", Err: err}
	}
	return nil
}

func parseDirectMessage(action string, raw json.RawMessage) (DirectMessage, error) {
	var m DirectMessage
	if err := unmarshalPayload(Frame{Action: action, Payload: raw}, &m); err != nil {
		return DirectMessage{}, err
	}
	switch {
	case m.ID == "":
		return DirectMessage{}, &ProtocolError{Action: action, Reason: "message without id"}
	case m.ConversationID == "":
		return DirectMessage{}, &ProtocolError{Action: action, Reason: "message without chat_id"}
	case m.SenderID == "":
		return DirectMessage{}, &ProtocolError{Action: action, Reason: "message without sender_id"}
	}
	return m, nil
}

func parseGroupMessage(action string, raw json.RawMessage) (GroupMessage, error) {
	var m GroupMessage
	if err := unmarshalPayload(Frame{Action: action, Payload: raw}, &m); err != nil {
		return GroupMessage{}, err
	}
	switch {
	case m.ID == "":
		return GroupMessage{}, &ProtocolError{Action: action, Reason: "message without id"}
	case m.GroupID == "":
		return GroupMessage{}, &ProtocolError{Action: action, Reason: "message without group_id"}
	case m.SenderID == "":
		return GroupMessage{}, &ProtocolError{Action: action, Reason: "message without sender_id"}
	}
	if m.ChatType == "" {
		m.ChatType = "group"
	}
	return m, nil
}

func validateGroup(action string, g Group) error {
	if g.GroupID == "" {
		return &ProtocolError{Action: action, Reason: "group without group_id"}
	}
	return nil
}

// usersField finds the user list of a users_online frame. The server puts it
// under a top-level "users" key; a payload list or payload.users is accepted too.
func usersField(f Frame) (json.RawMessage, error) {
	var top struct {
		Users json.RawMessage `json:"users"`
	}
	if err := json.Unmarshal(f.Raw, &top); err == nil && len(top.Users) > 0 {
		return top.Users, nil
	}
	if f.HasPayload() {
		var inner struct {
			Users json.RawMessage `json:"users"`
		}
		if json.Unmarshal(f.Payload, &inner) == nil && len(inner.Users) > 0 {
			return inner.Users, nil
		}
		return f.Payload, nil
	}
	return nil, &ProtocolError{Action: f.Action, Reason: "missing users", Err: errors.New("no users key or payload")}
}
