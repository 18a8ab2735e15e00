package chatsync

import (
	"slices"
	"sync"
)

// ============================================================================
// Store
// ============================================================================

// Store holds the reconciled client state: direct messages per conversation,
// group messages per group, the user's groups and the online-user roster.
//
// Each collection is a Value, so mutations of one collection are serialized
// and observers see every change in order. Every update builds a new slice;
// snapshots already handed out never change underneath their holder.
type Store struct {
	selfID string

	mu     sync.Mutex
	direct map[string]*Value[[]DirectMessage]
	group  map[string]*Value[[]GroupMessage]

	groups  *Value[[]Group]
	users   *Value[[]OnlineUser]
	created *Value[*Group]
}

// NewStore creates an empty store for the session user selfID.
func NewStore(selfID string) *Store {
	return &Store{
		selfID:  selfID,
		direct:  make(map[string]*Value[[]DirectMessage]),
		group:   make(map[string]*Value[[]GroupMessage]),
		groups:  NewValue[[]Group](nil),
		users:   NewValue[[]OnlineUser](nil),
		created: NewValue[*Group](nil),
	}
}

// DirectMessages returns the observable message sequence of a direct conversation.
func (s *Store) DirectMessages(conversationID string) *Value[[]DirectMessage] {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.direct[conversationID]
	if !ok {
		v = NewValue[[]DirectMessage](nil)
		s.direct[conversationID] = v
	}
	return v
}

// GroupMessages returns the observable message sequence of a group.
func (s *Store) GroupMessages(groupID string) *Value[[]GroupMessage] {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.group[groupID]
	if !ok {
		v = NewValue[[]GroupMessage](nil)
		s.group[groupID] = v
	}
	return v
}

// Groups returns the observable roster of the user's groups.
func (s *Store) Groups() *Value[[]Group] { return s.groups }

// OnlineUsers returns the observable online-user roster, self excluded.
func (s *Store) OnlineUsers() *Value[[]OnlineUser] { return s.users }

// CreatedGroup returns the last group confirmed by group_created.
func (s *Store) CreatedGroup() *Value[*Group] { return s.created }

// ── Direct messages ──────────────────────────────────────

// ApplyDirectMessage appends a live message unless its id is already present.
// A message echoing the client id of an optimistic entry replaces that entry
// in place. It reports whether the sequence changed.
func (s *Store) ApplyDirectMessage(m DirectMessage) bool {
	return s.DirectMessages(m.ConversationID).Update(func(cur []DirectMessage) ([]DirectMessage, bool) {
		return mergeLive(cur, m, func(x DirectMessage) string { return x.ID }, m.ClientID)
	})
}

// ReplaceDirectHistory replaces the whole sequence of a conversation.
// Optimistic entries not yet known to the server are dropped with it.
func (s *Store) ReplaceDirectHistory(conversationID string, msgs []DirectMessage) {
	next := uniqueByID(msgs, func(x DirectMessage) string { return x.ID })
	s.DirectMessages(conversationID).Set(next)
}

// AppendLocalDirect appends an optimistic entry ahead of any server round trip.
func (s *Store) AppendLocalDirect(m DirectMessage) {
	s.ApplyDirectMessage(m)
}

// ── Group messages ───────────────────────────────────────

// ApplyGroupMessage is the group counterpart of ApplyDirectMessage.
func (s *Store) ApplyGroupMessage(m GroupMessage) bool {
	return s.GroupMessages(m.GroupID).Update(func(cur []GroupMessage) ([]GroupMessage, bool) {
		return mergeLive(cur, m, func(x GroupMessage) string { return x.ID }, m.ClientID)
	})
}

// ReplaceGroupHistory replaces the whole sequence of a group.
func (s *Store) ReplaceGroupHistory(groupID string, msgs []GroupMessage) {
	next := uniqueByID(msgs, func(x GroupMessage) string { return x.ID })
	s.GroupMessages(groupID).Set(next)
}

// AppendLocalGroup appends an optimistic group entry.
func (s *Store) AppendLocalGroup(m GroupMessage) {
	s.ApplyGroupMessage(m)
}

// ── Rosters ──────────────────────────────────────────────

// ReplaceGroups replaces the group roster wholesale.
func (s *Store) ReplaceGroups(groups []Group) {
	s.groups.Set(uniqueByID(groups, func(g Group) string { return g.GroupID }))
}

// MergeGroup records a newly created group: it replaces the roster entry with
// the same id or is appended, and becomes the CreatedGroup value.
func (s *Store) MergeGroup(g Group) {
	s.groups.Update(func(cur []Group) ([]Group, bool) {
		i := slices.IndexFunc(cur, func(x Group) bool { return x.GroupID == g.GroupID })
		if i < 0 {
			return append(slices.Clip(cur), g), true
		}
		if cur[i].Equal(g) {
			return cur, false
		}
		next := slices.Clone(cur)
		next[i] = g
		return next, true
	})
	created := g
	s.created.Set(&created)
}

// ReplaceOnlineUsers replaces the online roster, dropping the session user.
func (s *Store) ReplaceOnlineUsers(users []OnlineUser) {
	next := make([]OnlineUser, 0, len(users))
	for _, u := range users {
		if u.ID == s.selfID {
			continue
		}
		next = append(next, u)
	}
	s.users.Set(uniqueByID(next, func(u OnlineUser) string { return u.ID }))
}

// Reset empties every collection. Observers are notified of the empty state.
func (s *Store) Reset() {
	s.mu.Lock()
	direct := make([]*Value[[]DirectMessage], 0, len(s.direct))
	for _, v := range s.direct {
		direct = append(direct, v)
	}
	group := make([]*Value[[]GroupMessage], 0, len(s.group))
	for _, v := range s.group {
		group = append(group, v)
	}
	s.mu.Unlock()

	for _, v := range direct {
		v.Set(nil)
	}
	for _, v := range group {
		v.Set(nil)
	}
	s.groups.Set(nil)
	s.users.Set(nil)
	s.created.Set(nil)
}

// ============================================================================
// Helpers
// ============================================================================

// mergeLive applies the dedup-by-id rule to one live arrival. When clientID
// names an existing entry, that entry is swapped for m at the same position.
func mergeLive[T any](cur []T, m T, id func(T) string, clientID string) ([]T, bool) {
	mid := id(m)
	if slices.ContainsFunc(cur, func(x T) bool { return id(x) == mid }) {
		return cur, false
	}
	if clientID != "" && clientID != mid {
		if i := slices.IndexFunc(cur, func(x T) bool { return id(x) == clientID }); i >= 0 {
			next := slices.Clone(cur)
			next[i] = m
			return next, true
		}
	}
	return append(slices.Clip(cur), m), true
}

// uniqueByID keeps the first occurrence of every id, preserving order.
func uniqueByID[T any](items []T, id func(T) string) []T {
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := id(it)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}
