package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ============================================================================
// Actions
// ============================================================================

// Client -> server actions.
const (
	ActionGetChatHistory   = "get_chat_history"
	ActionSendMessage      = "send_message"
	ActionGetUserGroups    = "get_user_groups"
	ActionGetGroupMessages = "get_group_messages"
	ActionCreateGroup      = "create_group"
	ActionGetUsers         = "get_users"
)

// Server -> client actions.
const (
	ActionNewMessage      = "new_message"
	ActionChatHistory     = "chat_history"
	ActionUsersOnline     = "users_online"
	ActionUserGroups      = "user_groups"
	ActionGroupCreated    = "group_created"
	ActionAddedToGroup    = "added_to_group"
	ActionNewGroupMessage = "new_group_message"
	ActionGroupMessages   = "group_messages"
)

// ============================================================================
// Envelope
// ============================================================================

// Frame is a decoded inbound envelope. Payload stays raw until a handler
// picks the concrete type; Raw keeps the whole frame for actions that carry
// data outside "payload" (users_online).
type Frame struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// HasPayload reports whether the frame carried a non-null payload.
func (f Frame) HasPayload() bool {
	p := bytes.TrimSpace(f.Payload)
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}

type envelope struct {
	Action  string `json:"action"`
	Payload any    `json:"payload,omitempty"`
}

// Encode builds an outbound envelope. A nil payload is omitted.
func Encode(action string, payload any) ([]byte, error) {
	if action == "" {
		return nil, fmt.Errorf("encode: empty action")
	}
	data, err := json.Marshal(envelope{Action: action, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}
	return data, nil
}

// Decode parses an inbound envelope. It fails with *DecodeError on malformed
// JSON or a missing action.
func Decode(data []byte) (Frame, error) {
	var partial struct {
		Action  *string         `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return Frame{}, &DecodeError{Reason: "malformed json", Err: err}
	}
	if partial.Action == nil || *partial.Action == "" {
		return Frame{}, &DecodeError{Reason: `missing "action" field`}
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Frame{Action: *partial.Action, Payload: partial.Payload, Raw: raw}, nil
}

// ============================================================================
// Outbound payloads
// ============================================================================

// SendMessagePayload is the send_message payload for both chat types.
type SendMessagePayload struct {
	ChatID         string `json:"chat_id,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
	ChatType       string `json:"chat_type,omitempty"`
	Content        string `json:"content"`
	TargetUserID   string `json:"target_user_id,omitempty"`
	SenderNickname string `json:"sender_nickname,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

// ChatHistoryRequest is the get_chat_history payload.
type ChatHistoryRequest struct {
	TargetUserID string `json:"target_user_id"`
}

// GroupMessagesRequest is the get_group_messages payload.
type GroupMessagesRequest struct {
	GroupID string `json:"group_id"`
}

// CreateGroupPayload is the create_group payload. Members is either an
// ordered []string or an index-keyed map, see EngineConfig.IndexedMembers.
type CreateGroupPayload struct {
	GroupName string `json:"group_name"`
	Members   any    `json:"members"`
}

// indexedMembers renders members as {"0": id, "1": id, ...}.
func indexedMembers(members []string) map[string]string {
	out := make(map[string]string, len(members))
	for i, m := range members {
		out[fmt.Sprintf("%d", i)] = m
	}
	return out
}

// ============================================================================
// Inbound payloads
// ============================================================================

type historyPayload struct {
	ChatID   string            `json:"chat_id"`
	Messages []json.RawMessage `json:"messages"`
}

type groupHistoryPayload struct {
	GroupID  string            `json:"group_id"`
	Messages []json.RawMessage `json:"messages"`
}
