package chatsync

import (
	"errors"
	"fmt"
	"slices"
)

// ============================================================================
// Data Model
// ============================================================================

// DirectMessage is a one-to-one message. Identity is ID.
type DirectMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"chat_id"`
	SenderID       string `json:"sender_id"`
	// SenderNickname is only filled on history entries.
	SenderNickname string `json:"sender_nickname,omitempty"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
	// ClientID echoes the correlation id of an optimistic send, when the server supports it.
	ClientID string `json:"client_id,omitempty"`
}

// GroupMessage is a message posted to a group. Identity is ID.
type GroupMessage struct {
	ID             string `json:"id"`
	GroupID        string `json:"group_id"`
	SenderID       string `json:"sender_id"`
	SenderNickname string `json:"sender_nickname"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
	ChatType       string `json:"chat_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

// Group is a chat group the session user belongs to. Identity is GroupID.
type Group struct {
	GroupID   string   `json:"group_id"`
	Name      string   `json:"name"`
	CreatorID string   `json:"creator"`
	Members   []string `json:"members"`
}

// Equal reports whether g and o carry the same fields, members compared in order.
func (g Group) Equal(o Group) bool {
	return g.GroupID == o.GroupID && g.Name == o.Name && g.CreatorID == o.CreatorID &&
		slices.Equal(g.Members, o.Members)
}

// OnlineUser is an entry of the online-user roster. Identity is ID.
type OnlineUser struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Online   bool   `json:"online"`
}

// LoginResult is the login endpoint response.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

// HealthStatus is the server health endpoint response.
type HealthStatus struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ============================================================================
// Errors
// ============================================================================

// ErrNotConnected is returned by Conn.Send when the socket is not open.
var ErrNotConnected = errors.New("chatsync: not connected")

// DecodeError reports an inbound frame that is not a valid envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProtocolError reports a recognized action whose payload is malformed.
type ProtocolError struct {
	Action string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol: %s: %s", e.Action, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError reports invalid intent arguments. No network call was made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// TransportError wraps a socket failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// LoginCategory classifies a failed login for display.
type LoginCategory string

const (
	LoginNotFound     LoginCategory = "not_found"
	LoginServerError  LoginCategory = "server_error"
	LoginUnauthorized LoginCategory = "unauthorized"
	LoginBadRequest   LoginCategory = "bad_request"
	LoginNetwork      LoginCategory = "network"
	LoginOther        LoginCategory = "other"
)

// LoginError is returned by Client.Login on any non-success outcome.
type LoginError struct {
	Category   LoginCategory
	StatusCode int
	Message    string
	Err        error
}

func (e *LoginError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("login %s (HTTP %d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("login %s: %s", e.Category, e.Message)
}

func (e *LoginError) Unwrap() error { return e.Err }

func loginCategory(status int) LoginCategory {
	switch status {
	case 404:
		return LoginNotFound
	case 500:
		return LoginServerError
	case 401:
		return LoginUnauthorized
	case 400:
		return LoginBadRequest
	default:
		return LoginOther
	}
}
