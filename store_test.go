package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func durable(id string, content string, at time.Time) Message {
	return Message{
		ID:              id,
		SenderID:        "bob",
		RecipientID:     "alice",
		Content:         content,
		ClientTimestamp: at,
		ServerTimestamp: at,
		State:           StateSent,
	}
}

func optimisticMsg(corr, content string, at time.Time) Message {
	return Message{
		CorrelationID:   corr,
		SenderID:        "alice",
		RecipientID:     "bob",
		Content:         content,
		ClientTimestamp: at,
		State:           StatePending,
	}
}

func TestStoreUpsertIdempotent(t *testing.T) {
	s := NewStore(0)
	m := durable("m1", "hello", t0)
	m.Reactions = map[string]string{"alice": "+1"}

	assert.True(t, s.Upsert(m))
	first := s.Snapshot()
	assert.False(t, s.Upsert(m))
	assert.Equal(t, first, s.Snapshot())

	ev := DeliveryEvent{MessageID: "m1", State: StateDelivered}
	assert.True(t, s.ApplyDeliveryEvent(ev))
	afterOnce := s.Snapshot()
	assert.False(t, s.ApplyDeliveryEvent(ev))
	assert.Equal(t, afterOnce, s.Snapshot())
}

func TestStoreUpsertDefaultsState(t *testing.T) {
	s := NewStore(0)
	s.Upsert(Message{ID: "m1", Content: "x"})
	s.Upsert(Message{CorrelationID: "c1", Content: "y"})

	m, _ := s.Get("m1")
	assert.Equal(t, StateSent, m.State)
	o, _ := s.GetByCorrelation("c1")
	assert.Equal(t, StatePending, o.State)
}

func TestStoreDeliveryMonotonic(t *testing.T) {
	orders := [][]DeliveryState{
		{StateSent, StateDelivered, StateRead},
		{StateRead, StateDelivered, StateSent},
		{StateDelivered, StateRead, StateSent},
		{StateRead, StateSent, StateDelivered},
	}
	for _, order := range orders {
		s := NewStore(0)
		s.Upsert(durable("m1", "x", t0))
		var seen []DeliveryState
		for _, st := range order {
			s.ApplyDeliveryEvent(DeliveryEvent{MessageID: "m1", State: st})
			m, _ := s.Get("m1")
			if len(seen) > 0 {
				assert.False(t, m.State.Before(seen[len(seen)-1]), "state regressed in order %v", order)
			}
			seen = append(seen, m.State)
		}
		m, _ := s.Get("m1")
		assert.Equal(t, StateRead, m.State, "order %v", order)
	}
}

func TestStoreMergeRules(t *testing.T) {
	s := NewStore(0)
	s.Upsert(durable("m1", "hello", t0))

	t.Run("server timestamp overwrites", func(t *testing.T) {
		later := durable("m1", "hello", t0.Add(time.Second))
		assert.True(t, s.Upsert(later))
		m, _ := s.Get("m1")
		assert.Equal(t, t0.Add(time.Second), m.ServerTimestamp)
		assert.Equal(t, t0, m.ClientTimestamp)
	})

	t.Run("deletion is sticky", func(t *testing.T) {
		del := durable("m1", "", time.Time{})
		del.Deleted = true
		assert.True(t, s.Upsert(del))
		assert.False(t, s.Upsert(durable("m1", "hello", time.Time{})))
		m, _ := s.Get("m1")
		assert.True(t, m.Deleted)
	})

	t.Run("content mismatch is a conflict and keeps the held copy", func(t *testing.T) {
		res := s.upsert(durable("m1", "edited", time.Time{}))
		assert.True(t, res.conflict)
		m, _ := s.Get("m1")
		assert.Equal(t, "hello", m.Content)
	})

	t.Run("failed is never merged in", func(t *testing.T) {
		f := durable("m1", "hello", time.Time{})
		f.State = StateFailed
		s.Upsert(f)
		m, _ := s.Get("m1")
		assert.Equal(t, StateSent, m.State)
	})
}

func TestStoreReactions(t *testing.T) {
	s := NewStore(0)
	s.Upsert(durable("m1", "x", t0))

	assert.False(t, s.ApplyReaction("alice", "missing", "+1"))
	assert.True(t, s.ApplyReaction("alice", "m1", "+1"))
	assert.False(t, s.ApplyReaction("alice", "m1", "+1"))
	assert.True(t, s.ApplyReaction("alice", "m1", "heart"))
	assert.True(t, s.ApplyReaction("bob", "m1", "+1"))

	m, _ := s.Get("m1")
	assert.Equal(t, map[string]string{"alice": "heart", "bob": "+1"}, m.Reactions)

	assert.True(t, s.ApplyReaction("alice", "m1", ""))
	assert.False(t, s.ApplyReaction("alice", "m1", ""))
	m, _ = s.Get("m1")
	assert.Equal(t, map[string]string{"bob": "+1"}, m.Reactions)
}

func TestStoreReplaceOptimistic(t *testing.T) {
	t.Run("by correlation id", func(t *testing.T) {
		s := NewStore(0)
		s.Upsert(optimisticMsg("c1", "hi", t0))
		require.Equal(t, 1, s.Len())

		auth := Message{ID: "m1", ServerTimestamp: t0.Add(50 * time.Millisecond), State: StateSent}
		assert.True(t, s.ReplaceOptimistic("c1", auth))
		require.Equal(t, 1, s.Len())

		m, ok := s.Get("m1")
		require.True(t, ok)
		assert.Equal(t, "hi", m.Content)
		assert.Equal(t, "c1", m.CorrelationID)
		assert.Equal(t, "alice", m.SenderID)
		assert.Equal(t, StateSent, m.State)

		byCorr, ok := s.GetByCorrelation("c1")
		require.True(t, ok)
		assert.Equal(t, "m1", byCorr.ID)

		assert.False(t, s.ReplaceOptimistic("c1", auth))
		assert.Equal(t, 1, s.Len())
	})

	t.Run("echo carrying the correlation id", func(t *testing.T) {
		s := NewStore(0)
		s.Upsert(optimisticMsg("c1", "hi", t0))
		echo := Message{ID: "m1", CorrelationID: "c1", SenderID: "alice", RecipientID: "bob", Content: "hi",
			ClientTimestamp: t0, ServerTimestamp: t0.Add(time.Second), State: StateDelivered}
		assert.True(t, s.Upsert(echo))
		assert.Equal(t, 1, s.Len())
		m, _ := s.Get("m1")
		assert.Equal(t, StateDelivered, m.State)
	})

	t.Run("fallback key within tolerance", func(t *testing.T) {
		s := NewStore(2 * time.Second)
		s.Upsert(optimisticMsg("c1", "hi", t0))
		s.Upsert(optimisticMsg("c2", "hi", t0.Add(1500*time.Millisecond)))

		echo := Message{ID: "m2", SenderID: "alice", RecipientID: "bob", Content: "hi",
			ClientTimestamp: t0.Add(1400 * time.Millisecond), ServerTimestamp: t0.Add(2 * time.Second)}
		assert.True(t, s.Upsert(echo))
		assert.Equal(t, 2, s.Len())

		m, _ := s.Get("m2")
		assert.Equal(t, "c2", m.CorrelationID)
		_, stillOptimistic := s.GetByCorrelation("c1")
		assert.True(t, stillOptimistic)
	})

	t.Run("fallback outside tolerance inserts", func(t *testing.T) {
		s := NewStore(time.Second)
		s.Upsert(optimisticMsg("c1", "hi", t0))
		echo := Message{ID: "m1", SenderID: "alice", RecipientID: "bob", Content: "hi",
			ClientTimestamp: t0.Add(3 * time.Second)}
		s.Upsert(echo)
		assert.Equal(t, 2, s.Len())
	})

	t.Run("durable id already present absorbs the placeholder", func(t *testing.T) {
		s := NewStore(0)
		s.Upsert(optimisticMsg("c1", "hi", t0))
		// Echo from another channel arrives without the correlation id and
		// with a far-off timestamp, so it lands under its own identity.
		s.Upsert(Message{ID: "m1", SenderID: "alice", RecipientID: "bob", Content: "hi",
			ServerTimestamp: t0.Add(time.Minute), State: StateDelivered})
		s.ApplyReaction("bob", "m1", "+1")
		require.Equal(t, 2, s.Len())

		assert.True(t, s.ReplaceOptimistic("c1", Message{ID: "m1", ServerTimestamp: t0.Add(time.Minute)}))
		require.Equal(t, 1, s.Len())
		m, _ := s.Get("m1")
		assert.Equal(t, StateDelivered, m.State)
		assert.Equal(t, "+1", m.Reactions["bob"])
		assert.Equal(t, "c1", m.CorrelationID)
	})

	t.Run("differing content keeps local copy and flags conflict", func(t *testing.T) {
		s := NewStore(0)
		s.Upsert(optimisticMsg("c1", "hi", t0))
		res := s.replaceOptimistic("c1", Message{ID: "m1", Content: "HI"})
		assert.True(t, res.conflict)
		m, _ := s.Get("m1")
		assert.Equal(t, "hi", m.Content)
	})

	t.Run("unknown correlation id upserts", func(t *testing.T) {
		s := NewStore(0)
		assert.True(t, s.ReplaceOptimistic("nope", durable("m1", "x", t0)))
		assert.Equal(t, 1, s.Len())
	})
}

func TestStoreFailedLifecycle(t *testing.T) {
	s := NewStore(0)
	s.Upsert(optimisticMsg("c1", "hi", t0))

	assert.True(t, s.MarkFailed("c1"))
	assert.False(t, s.MarkFailed("c1"))
	m, _ := s.GetByCorrelation("c1")
	assert.Equal(t, StateFailed, m.State)

	reset, ok := s.resetFailed("c1")
	require.True(t, ok)
	assert.Equal(t, StatePending, reset.State)
	_, ok = s.resetFailed("c1")
	assert.False(t, ok)

	s.MarkFailed("c1")
	assert.True(t, s.ReplaceOptimistic("c1", Message{ID: "m1"}))
	m, _ = s.Get("m1")
	assert.Equal(t, StateSent, m.State)
	assert.False(t, s.MarkFailed("c1"))
}

func TestStoreProjections(t *testing.T) {
	s := NewStore(0)
	s.Upsert(durable("m2", "second", t0.Add(time.Second)))
	s.Upsert(durable("m1", "first", t0))
	s.Upsert(optimisticMsg("c1", "mine", t0.Add(2*time.Second)))
	read := durable("m3", "read already", t0.Add(500*time.Millisecond))
	read.State = StateRead
	s.Upsert(read)
	gone := durable("m4", "deleted", t0.Add(700*time.Millisecond))
	gone.Deleted = true
	s.Upsert(gone)

	snap := s.Snapshot()
	var order []string
	for _, m := range snap {
		order = append(order, m.key())
	}
	assert.Equal(t, []string{"m1", "m3", "m4", "m2", "local:c1"}, order)

	assert.Equal(t, 2, s.UnreadCount("alice"))
	assert.Equal(t, t0.Add(time.Second), s.LatestServerTimestamp())
	assert.Equal(t, t0.Add(2*time.Second), s.LastActivity())

	snap[0].Reactions = map[string]string{"x": "y"}
	m, _ := s.Get("m1")
	assert.Nil(t, m.Reactions)
}
