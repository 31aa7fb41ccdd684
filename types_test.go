package chatsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceState(t *testing.T) {
	tests := []struct {
		cur, next DeliveryState
		want      DeliveryState
		moved     bool
	}{
		{StatePending, StateSent, StateSent, true},
		{StateSent, StateRead, StateRead, true},
		{StateRead, StateDelivered, StateRead, false},
		{StateDelivered, StateSent, StateDelivered, false},
		{StateSent, StateSent, StateSent, false},
		{StatePending, StateFailed, StateFailed, true},
		{StateSent, StateFailed, StateSent, false},
		{StateFailed, StatePending, StateFailed, false},
		{StateFailed, StateSent, StateSent, true},
		{StateFailed, StateRead, StateRead, true},
		{StateSent, DeliveryState("bogus"), StateSent, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.cur)+"->"+string(tt.next), func(t *testing.T) {
			got, moved := advanceState(tt.cur, tt.next)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.moved, moved)
		})
	}
}

func TestConversationKey(t *testing.T) {
	t.Run("order independent", func(t *testing.T) {
		assert.Equal(t, NewConversationKey("bob", "alice"), NewConversationKey("alice", "bob"))
		assert.Equal(t, "dm:alice:bob", NewConversationKey("bob", "alice").String())
	})

	t.Run("peer", func(t *testing.T) {
		k := NewConversationKey("alice", "bob")
		assert.Equal(t, "bob", k.Peer("alice"))
		assert.Equal(t, "alice", k.Peer("bob"))
	})

	t.Run("parse", func(t *testing.T) {
		k, err := ParseConversationKey("dm:bob:alice")
		require.NoError(t, err)
		assert.Equal(t, NewConversationKey("alice", "bob"), k)

		for _, bad := range []string{"", "dm:a", "room:a:b", "dm::b", "dm:a:b:c"} {
			_, err := ParseConversationKey(bad)
			assert.Error(t, err, bad)
		}
	})

	t.Run("text encoding", func(t *testing.T) {
		b, err := json.Marshal(Conversation{Key: NewConversationKey("x", "y")})
		require.NoError(t, err)
		assert.Contains(t, string(b), `"key":"dm:x:y"`)

		var c Conversation
		require.NoError(t, json.Unmarshal(b, &c))
		assert.Equal(t, NewConversationKey("x", "y"), c.Key)
		assert.False(t, c.Key.IsZero())
	})
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"message with id", MessageEvent(SourcePush, Message{ID: "m1"}), true},
		{"optimistic message", MessageEvent(SourceLocal, Message{CorrelationID: "c1"}), true},
		{"message without identity", MessageEvent(SourcePush, Message{Content: "x"}), false},
		{"message with unknown state", MessageEvent(SourcePush, Message{ID: "m1", State: "weird"}), false},
		{"nil message", Event{Kind: KindMessage}, false},
		{"delivery", DeliveryUpdate(SourcePush, "m1", StateRead), true},
		{"delivery failed", DeliveryUpdate(SourcePush, "m1", StateFailed), false},
		{"delivery no id", DeliveryUpdate(SourcePush, "", StateRead), false},
		{"reaction", ReactionUpdate(SourcePush, "u1", "m1", "+1"), true},
		{"reaction clear", ReactionUpdate(SourcePush, "u1", "m1", ""), true},
		{"reaction no user", ReactionUpdate(SourcePush, "", "m1", "+1"), false},
		{"unknown kind", Event{Kind: "presence"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedEvent)
			}
		})
	}
}

func TestResultDecode(t *testing.T) {
	var r Result
	require.NoError(t, json.Unmarshal([]byte(`{"ok":true,"data":{"id":"m1"}}`), &r))
	var out struct{ ID string }
	require.NoError(t, r.Decode(&out))
	assert.Equal(t, "m1", out.ID)

	var empty Result
	assert.NoError(t, empty.Decode(&out))
}
