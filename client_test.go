package chatsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("tok-123", WithBaseURL(srv.URL+"/"), WithAgent("chatsync-test"))
}

func TestClientPersistMessage(t *testing.T) {
	ts := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/im/direct/bob/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "chatsync-test", r.Header.Get("X-IM-Agent"))

		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "hi", body["content"])
		assert.Equal(t, "c1", body["correlationId"])
		assert.Equal(t, "sdk-c1", body["metadata"].(map[string]any)["_idempotencyKey"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"data":{"message":{"id":"m1","serverTimestamp":"2026-04-01T09:00:00Z"}}}`))
	})

	res, err := client.PersistMessage(context.Background(), PersistRequest{
		CorrelationID:   "c1",
		SenderID:        "alice",
		RecipientID:     "bob",
		Content:         "hi",
		ClientTimestamp: ts,
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", res.ID)
	assert.True(t, ts.Equal(res.ServerTimestamp))
}

func TestClientFetchMessagesSince(t *testing.T) {
	since := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	var gotSince []string
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/im/conversations/dm:alice:bob/messages", r.URL.Path)
		gotSince = append(gotSince, r.URL.Query().Get("since"))
		w.Write([]byte(`{"ok":true,"data":{"messages":[
			{"id":"m1","senderId":"bob","recipientId":"alice","content":"hey","state":"delivered"}]}}`))
	})

	msgs, err := client.FetchMessagesSince(context.Background(), NewConversationKey("bob", "alice"), since)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, StateDelivered, msgs[0].State)

	_, err = client.FetchMessagesSince(context.Background(), NewConversationKey("bob", "alice"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-04-01T09:00:00Z", ""}, gotSince)
}

func TestClientMarkRead(t *testing.T) {
	calls := 0
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body struct {
			MessageIDs []string `json:"messageIds"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"m1", "m2"}, body.MessageIDs)
		w.Write([]byte(`{"ok":true}`))
	})

	require.NoError(t, client.MarkRead(context.Background(), nil))
	require.NoError(t, client.MarkRead(context.Background(), []string{"m1", "m2"}))
	assert.Equal(t, 1, calls)
}

func TestClientErrors(t *testing.T) {
	t.Run("error envelope", func(t *testing.T) {
		client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"ok":false,"error":{"code":"FORBIDDEN","message":"not a participant"}}`))
		})
		err := client.Health(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "FORBIDDEN", apiErr.Code)
	})

	t.Run("non-json body", func(t *testing.T) {
		client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`<html>bad gateway</html>`))
		})
		_, err := client.FetchMessagesSince(context.Background(), NewConversationKey("a", "b"), time.Time{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 502")
	})

	t.Run("not ok without detail", func(t *testing.T) {
		client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":false}`))
		})
		_, err := client.PersistMessage(context.Background(), PersistRequest{RecipientID: "b"})
		assert.Error(t, err)
	})
}

func TestClientRealtimeURLs(t *testing.T) {
	c := NewClient("t", WithBaseURL("https://chat.example.com"))
	assert.Equal(t, "wss://chat.example.com/ws?token=a+b", c.WSUrl("a b"))
	assert.Equal(t, "wss://chat.example.com/ws", c.WSUrl(""))
	assert.Equal(t, "https://chat.example.com/sse?token=x", c.SSEUrl("x"))

	c = NewClient("t", WithBaseURL("http://localhost:3000"))
	assert.Equal(t, "ws://localhost:3000/ws", c.WSUrl(""))
}
