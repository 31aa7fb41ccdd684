package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func envelope(typ string, payload any) RealtimeEnvelope {
	b, _ := json.Marshal(payload)
	return RealtimeEnvelope{Type: typ, Payload: b}
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("message.new", func(t *testing.T) {
		ev, typing, err := decodeEnvelope(envelope("message.new", map[string]any{
			"id": "m1", "correlationId": "c1", "senderId": "bob", "recipientId": "alice",
			"content": "hi", "status": "delivered", "createdAt": "2026-04-01T09:00:00.250Z",
		}))
		require.NoError(t, err)
		assert.Nil(t, typing)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "c1", ev.Message.CorrelationID)
		assert.Equal(t, StateDelivered, ev.Message.State)
		assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 250e6, time.UTC), ev.Message.ServerTimestamp)
	})

	t.Run("message.status", func(t *testing.T) {
		ev, _, err := decodeEnvelope(envelope("message.status", MessageStatusPayload{MessageID: "m1", Status: "READ"}))
		require.NoError(t, err)
		assert.Equal(t, DeliveryEvent{MessageID: "m1", State: StateRead, At: ev.Delivery.At}, *ev.Delivery)
	})

	t.Run("reaction.set", func(t *testing.T) {
		ev, _, err := decodeEnvelope(envelope("reaction.set", ReactionSetPayload{MessageID: "m1", UserID: "bob"}))
		require.NoError(t, err)
		assert.Equal(t, KindReaction, ev.Kind)
		assert.Empty(t, ev.Reaction.Emoji)
		assert.True(t, ev.Reaction.At.IsZero())

		ev, _, err = decodeEnvelope(envelope("reaction.set",
			ReactionSetPayload{MessageID: "m1", UserID: "bob", Emoji: "+1", UpdatedAt: flexTime{t0}}))
		require.NoError(t, err)
		assert.True(t, t0.Equal(ev.Reaction.At))
	})

	t.Run("typing.indicator", func(t *testing.T) {
		ev, typing, err := decodeEnvelope(envelope("typing.indicator", TypingIndicatorPayload{UserID: "bob", IsTyping: true}))
		require.NoError(t, err)
		assert.Nil(t, ev)
		assert.Equal(t, "bob", typing.UserID)
		assert.True(t, typing.Typing)
	})

	t.Run("unknown type is ignored", func(t *testing.T) {
		ev, typing, err := decodeEnvelope(envelope("presence.changed", map[string]any{}))
		assert.NoError(t, err)
		assert.Nil(t, ev)
		assert.Nil(t, typing)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, _, err := decodeEnvelope(RealtimeEnvelope{Type: "message.status", Payload: json.RawMessage(`[1]`)})
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})
	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	require.Len(t, delays, 5)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, delays[2], 400*time.Millisecond)
	assert.Equal(t, time.Second, delays[4])

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1, ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
	for i := 0; i < 50; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}

// pushServer is a minimal push endpoint: it authenticates, records every
// command and answers pings.
func pushServer(t *testing.T, script func(ctx context.Context, write func(typ string, payload any))) (*httptest.Server, chan RealtimeCommand) {
	t.Helper()
	commands := make(chan RealtimeCommand, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		write := func(typ string, payload any) {
			b, _ := json.Marshal(map[string]any{"type": typ, "payload": payload})
			_ = c.Write(ctx, websocket.MessageText, b)
		}

		write("authenticated", map[string]string{"userId": "alice"})
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var cmd RealtimeCommand
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			commands <- cmd
			switch cmd.Type {
			case "conversation.join":
				if script != nil {
					script(ctx, write)
				}
			case "ping":
				p := cmd.Payload.(map[string]any)
				write("pong", map[string]any{"requestId": p["requestId"]})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, commands
}

func nextCommand(t *testing.T, ch chan RealtimeCommand) RealtimeCommand {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return RealtimeCommand{}
	}
}

func TestWSChannel(t *testing.T) {
	srv, commands := pushServer(t, func(ctx context.Context, write func(string, any)) {
		write("message.new", map[string]any{
			"id": "m1", "conversationId": "dm:alice:bob", "senderId": "bob", "recipientId": "alice",
			"content": "hi", "createdAt": "2026-04-01T09:00:00Z",
		})
		write("message.new", map[string]any{
			"id": "m2", "senderId": "bob", "recipientId": "carol", "content": "not for alice",
		})
		write("message.status", map[string]any{"messageId": "m1", "status": "read"})
		write("typing.indicator", map[string]any{"conversationId": "dm:alice:bob", "userId": "bob", "isTyping": true})
	})

	client := NewClient("tok", WithBaseURL(srv.URL))
	ws := client.WSChannel(RealtimeConfig{})
	sink := newCaptureSink()
	ctx := context.Background()

	require.NoError(t, ws.Open(ctx, NewConversationKey("bob", "alice"), sink))
	assert.Equal(t, StateConnected, ws.State())
	assert.Equal(t, []bool{true}, sink.Conn())

	join := nextCommand(t, commands)
	assert.Equal(t, "conversation.join", join.Type)
	assert.Equal(t, "dm:alice:bob", join.Payload.(map[string]any)["conversationId"])

	require.Eventually(t, func() bool {
		return len(sink.Events()) == 2 && len(sink.Typings()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	evs := sink.Events()
	assert.Equal(t, "m1", evs[0].Message.ID)
	assert.Equal(t, KindDelivery, evs[1].Kind)

	require.NoError(t, ws.StartTyping(ctx))
	assert.Equal(t, "typing.start", nextCommand(t, commands).Type)

	pong, err := ws.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping-1", pong.RequestID)

	require.NoError(t, ws.Close())
	assert.Equal(t, StateDisconnected, ws.State())
	assert.ErrorIs(t, ws.Send(ctx, &RealtimeCommand{Type: "ping"}), ErrNotConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []bool{true}, sink.Conn(), "a deliberate close is not reported as a drop")
}

func TestWSChannelRejectsUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		b, _ := json.Marshal(map[string]any{"type": "error", "payload": map[string]string{"message": "bad token"}})
		_ = c.Write(r.Context(), websocket.MessageText, b)
	}))
	defer srv.Close()

	ws := NewClient("tok", WithBaseURL(srv.URL)).WSChannel(RealtimeConfig{})
	sink := newCaptureSink()
	err := ws.Open(context.Background(), NewConversationKey("a", "b"), sink)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, ws.State())
	assert.Empty(t, sink.Conn())
	assert.NoError(t, ws.Close())
}

func TestSSEChannel(t *testing.T) {
	row := `{"type":"INSERT","table":"message_reactions","record":{"message_id":"m1","user_id":"bob","emoji":"+1","conversation_key":"dm:alice:bob"}}`
	other := `{"type":"INSERT","table":"message_reactions","record":{"message_id":"m9","user_id":"bob","emoji":"+1","conversation_key":"dm:bob:carol"}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sse", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprintf(w, "data: %s\n\n", row)
		fmt.Fprintf(w, "data: %s\n\n", other)
		fmt.Fprint(w, "data: {not json\n\n")
		w.(http.Flusher).Flush()
		if r.URL.Query().Get("token") == "short" {
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	t.Run("delivers rows until closed", func(t *testing.T) {
		malformed := testutil.ToFloat64(eventsMalformedTotal.WithLabelValues(string(SourceSubscription)))
		sse := NewClient("tok", WithBaseURL(srv.URL)).SSEChannel(RealtimeConfig{})
		sink := newCaptureSink()
		require.NoError(t, sse.Open(context.Background(), NewConversationKey("alice", "bob"), sink))
		assert.Equal(t, StateConnected, sse.State())

		require.Eventually(t, func() bool {
			return testutil.ToFloat64(eventsMalformedTotal.WithLabelValues(string(SourceSubscription))) == malformed+1
		}, 2*time.Second, 10*time.Millisecond)
		evs := sink.Events()
		require.Len(t, evs, 1)
		assert.Equal(t, "+1", evs[0].Reaction.Emoji)

		require.NoError(t, sse.Close())
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []bool{true}, sink.Conn())
	})

	t.Run("reports the end of the stream", func(t *testing.T) {
		sse := NewClient("short", WithBaseURL(srv.URL)).SSEChannel(RealtimeConfig{})
		sink := newCaptureSink()
		require.NoError(t, sse.Open(context.Background(), NewConversationKey("alice", "bob"), sink))
		require.Eventually(t, func() bool { return len(sink.Conn()) == 2 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []bool{true, false}, sink.Conn())
		assert.Equal(t, StateDisconnected, sse.State())
		require.NoError(t, sse.Close())
	})

	t.Run("non-200 fails open", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer bad.Close()
		sse := NewClient("tok", WithBaseURL(bad.URL)).SSEChannel(RealtimeConfig{})
		err := sse.Open(context.Background(), NewConversationKey("alice", "bob"), newCaptureSink())
		assert.ErrorContains(t, err, "401")
		require.NoError(t, sse.Close())
	})
}
