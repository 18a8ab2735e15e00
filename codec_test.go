package chatsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Run("direct send", func(t *testing.T) {
		data, err := Encode(ActionSendMessage, SendMessagePayload{ChatID: "u1_u2", Content: "hi", TargetUserID: "u2"})
		require.NoError(t, err)
		require.Equal(t, `{"action":"send_message","payload":{"chat_id":"u1_u2","content":"hi","target_user_id":"u2"}}`, string(data))
	})

	t.Run("group send", func(t *testing.T) {
		data, err := Encode(ActionSendMessage, SendMessagePayload{GroupID: "g1", ChatType: "group", Content: "yo", SenderNickname: "alice"})
		require.NoError(t, err)
		require.JSONEq(t, `{"action":"send_message","payload":{"group_id":"g1","chat_type":"group","content":"yo","sender_nickname":"alice"}}`, string(data))
	})

	t.Run("nil payload is omitted", func(t *testing.T) {
		data, err := Encode(ActionGetUsers, nil)
		require.NoError(t, err)
		require.Equal(t, `{"action":"get_users"}`, string(data))
	})

	t.Run("empty content is still encoded", func(t *testing.T) {
		data, err := Encode(ActionSendMessage, SendMessagePayload{ChatID: "a_b"})
		require.NoError(t, err)
		require.Contains(t, string(data), `"content":""`)
	})

	t.Run("empty action", func(t *testing.T) {
		_, err := Encode("", nil)
		require.Error(t, err)
	})

	t.Run("unencodable payload", func(t *testing.T) {
		_, err := Encode(ActionSendMessage, map[string]any{"bad": make(chan int)})
		require.Error(t, err)
	})
}

func TestDecode(t *testing.T) {
	t.Run("payload frame", func(t *testing.T) {
		f, err := Decode([]byte(`{"action":"new_message","payload":{"id":"m1"}}`))
		require.NoError(t, err)
		require.Equal(t, ActionNewMessage, f.Action)
		require.True(t, f.HasPayload())
		require.JSONEq(t, `{"id":"m1"}`, string(f.Payload))
	})

	t.Run("top-level data stays reachable", func(t *testing.T) {
		f, err := Decode([]byte(`{"action":"users_online","users":[{"id":"u2"}]}`))
		require.NoError(t, err)
		require.False(t, f.HasPayload())

		var top map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(f.Raw, &top))
		require.Contains(t, top, "users")
	})

	t.Run("null payload", func(t *testing.T) {
		f, err := Decode([]byte(`{"action":"added_to_group","payload":null}`))
		require.NoError(t, err)
		require.False(t, f.HasPayload())
	})

	t.Run("raw is a copy", func(t *testing.T) {
		data := []byte(`{"action":"x"}`)
		f, err := Decode(data)
		require.NoError(t, err)
		data[2] = 'X'
		require.Equal(t, `{"action":"x"}`, string(f.Raw))
	})

	cases := map[string]string{
		"malformed json": `{"action":`,
		"not an object":  `[1,2]`,
		"missing action": `{"payload":{}}`,
		"empty action":   `{"action":""}`,
		"action not str": `{"action":42}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			var de *DecodeError
			require.True(t, errors.As(err, &de), "want DecodeError, got %v", err)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(ActionGetChatHistory, ChatHistoryRequest{TargetUserID: "u9"})
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, ActionGetChatHistory, f.Action)

	var req ChatHistoryRequest
	require.NoError(t, json.Unmarshal(f.Payload, &req))
	require.Equal(t, "u9", req.TargetUserID)
}

func TestIndexedMembers(t *testing.T) {
	data, err := Encode(ActionCreateGroup, CreateGroupPayload{GroupName: "team", Members: indexedMembers([]string{"u2", "u3"})})
	require.NoError(t, err)
	require.JSONEq(t, `{"action":"create_group","payload":{"group_name":"team","members":{"0":"u2","1":"u3"}}}`, string(data))
}
