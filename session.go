package chatsync

import "strings"

// Session is the authenticated identity an engine runs as. It is immutable
// once built.
type Session struct {
	Token    string
	UserID   string
	Nickname string
}

// NewSession validates and builds a Session. Nickname may be empty.
func NewSession(token, userID, nickname string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, &ValidationError{Field: "token", Reason: "must not be empty"}
	}
	if strings.TrimSpace(userID) == "" {
		return Session{}, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	return Session{Token: token, UserID: userID, Nickname: nickname}, nil
}

// SessionFromLogin builds a Session from a login response.
func SessionFromLogin(res *LoginResult, nickname string) (Session, error) {
	if res == nil {
		return Session{}, &ValidationError{Field: "login", Reason: "missing result"}
	}
	return NewSession(res.AccessToken, res.UserID, nickname)
}

// ConversationID derives the direct conversation id for an unordered pair of
// user ids: the lexicographically smaller id, "_", the larger one.
func ConversationID(a, b string) string {
	if a < b {
		return a + "_" + b
	}
	return b + "_" + a
}

// ConversationWith returns the direct conversation id between s and peer.
func (s Session) ConversationWith(peer string) string {
	return ConversationID(s.UserID, peer)
}

// SenderName is the nickname sent with group messages, falling back to the
// server's own "User <id>" convention.
func (s Session) SenderName() string {
	if s.Nickname != "" {
		return s.Nickname
	}
	return "User " + s.UserID
}
