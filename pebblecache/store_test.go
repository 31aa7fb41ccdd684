package pebblecache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/Prismer/sdk/chatsync"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestStoreSaveLoad(t *testing.T) {
	s, path := openTemp(t)
	key := chatsync.NewConversationKey("alice", "bob")
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []chatsync.Message{
		{ID: "m1", SenderID: "alice", RecipientID: "bob", Content: "hi", ServerTimestamp: ts, State: chatsync.StateRead},
		{CorrelationID: "c2", SenderID: "bob", RecipientID: "alice", Content: "yo", ClientTimestamp: ts.Add(time.Second), State: chatsync.StatePending,
			Reactions: map[string]string{"alice": "+1"}},
	}

	t.Run("missing key loads nil", func(t *testing.T) {
		got, err := s.Load(key)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("survives reopen", func(t *testing.T) {
		require.NoError(t, s.Save(key, msgs))
		require.NoError(t, s.Close())

		s2, err := Open(path)
		require.NoError(t, err)
		defer s2.Close()

		got, err := s2.Load(key)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "m1", got[0].ID)
		assert.True(t, got[0].ServerTimestamp.Equal(ts))
		assert.Equal(t, "+1", got[1].Reactions["alice"])
		assert.True(t, got[1].Optimistic())

		keys, err := s2.Keys()
		require.NoError(t, err)
		assert.Equal(t, []chatsync.ConversationKey{key}, keys)

		require.NoError(t, s2.Save(key, nil))
		got, err = s2.Load(key)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
