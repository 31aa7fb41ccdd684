package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeBackend struct {
	mu         sync.Mutex
	persistErr error
	persisted  []PersistRequest
	marked     [][]string
	fetched    []Message
	nextID     int
}

func (b *fakeBackend) PersistMessage(_ context.Context, req PersistRequest) (PersistResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persisted = append(b.persisted, req)
	if b.persistErr != nil {
		return PersistResult{}, b.persistErr
	}
	b.nextID++
	return PersistResult{
		ID:              fmt.Sprintf("m%d", b.nextID),
		ServerTimestamp: req.ClientTimestamp.Add(50 * time.Millisecond),
	}, nil
}

func (b *fakeBackend) FetchMessagesSince(context.Context, ConversationKey, time.Time) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetched, nil
}

func (b *fakeBackend) MarkRead(_ context.Context, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, ids)
	return nil
}

func (b *fakeBackend) setPersistErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persistErr = err
}

func (b *fakeBackend) markCalls() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.marked...)
}

type recorder struct {
	mu     sync.Mutex
	events map[string][]any
}

func record(s *Session, names ...string) *recorder {
	r := &recorder{events: make(map[string][]any)}
	for _, name := range names {
		s.On(name, func(event string, payload any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events[event] = append(r.events[event], payload)
		})
	}
	return r
}

func (r *recorder) get(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events[name]...)
}

func newTestSession(t *testing.T, backend *fakeBackend, push Channel, snaps SnapshotStore, opts ...func(*SessionConfig)) *Session {
	t.Helper()
	n := 0
	cfg := SessionConfig{
		LocalUserID:  "alice",
		PeerID:       "bob",
		Backend:      backend,
		Push:         push,
		Snapshots:    snaps,
		PollInterval: time.Hour,
		MarkReadRate: rate.Inf,
		NewCorrelationID: func() string {
			n++
			return fmt.Sprintf("c%d", n)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s
}

// defaultMarkReadRate drops the unlimited test rate so the session runs
// with the production limiter.
func defaultMarkReadRate(cfg *SessionConfig) {
	cfg.MarkReadRate = 0
	cfg.MarkReadBurst = 0
}

func TestNewSessionValidates(t *testing.T) {
	_, err := NewSession(SessionConfig{LocalUserID: "alice", Backend: &fakeBackend{}})
	assert.Error(t, err)
	_, err = NewSession(SessionConfig{LocalUserID: "alice", PeerID: "alice", Backend: &fakeBackend{}})
	assert.Error(t, err)
	_, err = NewSession(SessionConfig{LocalUserID: "alice", PeerID: "bob"})
	assert.Error(t, err)

	s, err := NewSession(SessionConfig{LocalUserID: "bob", PeerID: "alice", Backend: &fakeBackend{}})
	require.NoError(t, err)
	assert.Equal(t, "dm:alice:bob", s.Key().String())
	assert.Equal(t, CoordinatorUnstarted, s.ChannelState())
}

func TestSessionSendAndReceive(t *testing.T) {
	backend := &fakeBackend{}
	push := &fakeChannel{}
	s := newTestSession(t, backend, push, nil)
	rec := record(s, EventChange)
	ctx := context.Background()

	require.NoError(t, s.Open(ctx))
	defer s.Close()
	assert.Equal(t, CoordinatorPushActive, s.ChannelState())

	m, err := s.Send(ctx, "hi bob")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "c1", m.CorrelationID)
	assert.Equal(t, StateSent, m.State)
	phase, _ := s.Phase("c1")
	assert.Equal(t, PhaseReconciled, phase)

	changes := rec.get(EventChange)
	require.Len(t, changes, 2, "optimistic insert then reconcile")
	first := changes[0].([]Message)
	require.Len(t, first, 1)
	assert.Equal(t, StatePending, first[0].State)
	assert.Empty(t, first[0].ID)

	// The push echo carries the correlation id and lands on the same record.
	echo := m
	echo.State = StateDelivered
	push.Sink().Deliver(MessageEvent(SourcePush, echo))
	push.Sink().Deliver(DeliveryUpdate(SourcePush, "m1", StateRead))

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StateRead, snap[0].State)

	incoming := durable("m9", "hey alice", time.Now())
	push.Sink().Deliver(MessageEvent(SourcePush, incoming))
	assert.Equal(t, 1, s.UnreadCount())
	assert.Equal(t, 1, s.Conversation().UnreadCount)

	require.NoError(t, s.MarkVisible(ctx))
	assert.Equal(t, [][]string{{"m9"}}, backend.markCalls())
	assert.Equal(t, 0, s.UnreadCount())
}

func TestSessionMarksReadWhileVisible(t *testing.T) {
	backend := &fakeBackend{}
	push := &fakeChannel{}
	s := newTestSession(t, backend, push, nil)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	require.NoError(t, s.MarkVisible(context.Background()))
	assert.Empty(t, backend.markCalls())

	push.Sink().Deliver(MessageEvent(SourcePush, durable("m5", "ping", time.Now())))
	require.Eventually(t, func() bool { return len(backend.markCalls()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.UnreadCount() == 0 }, time.Second, 5*time.Millisecond)

	s.MarkHidden()
	push.Sink().Deliver(MessageEvent(SourcePush, durable("m6", "pong", time.Now())))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, backend.markCalls(), 1)
	assert.Equal(t, 1, s.UnreadCount())
}

func TestSessionMarksReadWhenThrottled(t *testing.T) {
	backend := &fakeBackend{}
	push := &fakeChannel{}
	s := newTestSession(t, backend, push, nil, defaultMarkReadRate)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()
	require.NoError(t, s.MarkVisible(context.Background()))

	push.Sink().Deliver(MessageEvent(SourcePush, durable("m1", "one", time.Now())))
	require.Eventually(t, func() bool { return len(backend.markCalls()) == 1 }, time.Second, 5*time.Millisecond)

	// m2 lands inside the limiter interval; nothing else happens afterwards.
	time.Sleep(50 * time.Millisecond)
	push.Sink().Deliver(MessageEvent(SourcePush, durable("m2", "two", time.Now())))

	require.Eventually(t, func() bool { return s.UnreadCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]string{{"m1"}, {"m2"}}, backend.markCalls())
}

func TestSessionThrottledRetryRespectsVisibility(t *testing.T) {
	backend := &fakeBackend{}
	push := &fakeChannel{}
	s := newTestSession(t, backend, push, nil, defaultMarkReadRate)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()
	require.NoError(t, s.MarkVisible(context.Background()))

	push.Sink().Deliver(MessageEvent(SourcePush, durable("m1", "one", time.Now())))
	require.Eventually(t, func() bool { return len(backend.markCalls()) == 1 }, time.Second, 5*time.Millisecond)

	push.Sink().Deliver(MessageEvent(SourcePush, durable("m2", "two", time.Now())))
	time.Sleep(50 * time.Millisecond)
	s.MarkHidden()

	time.Sleep(time.Second)
	assert.Len(t, backend.markCalls(), 1)
	assert.Equal(t, 1, s.UnreadCount())
}

func TestSessionSendFailureAndRetry(t *testing.T) {
	backend := &fakeBackend{persistErr: errors.New("503")}
	s := newTestSession(t, backend, &fakeChannel{}, nil)
	rec := record(s, EventSendFailed)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	m, err := s.Send(ctx, "hello")
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State)
	phase, _ := s.Phase("c1")
	assert.Equal(t, PhaseFailed, phase)

	failures := rec.get(EventSendFailed)
	require.Len(t, failures, 1)
	f := failures[0].(SendFailure)
	assert.Equal(t, "c1", f.CorrelationID)
	assert.Equal(t, StateFailed, f.Message.State)
	assert.Error(t, f.Err)
	assert.Equal(t, 0, s.UnreadCount(), "failed messages never count as unread")

	_, err = s.Retry(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownMessage)

	backend.setPersistErr(nil)
	m, err = s.Retry(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StateSent, m.State)
	assert.Equal(t, "c1", m.CorrelationID)
	require.Len(t, s.Snapshot(), 1)

	_, err = s.Retry(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFailed)
	assert.Len(t, backend.persisted, 2)
}

func TestSessionEmitsConflict(t *testing.T) {
	push := &fakeChannel{}
	s := newTestSession(t, &fakeBackend{}, push, nil)
	rec := record(s, EventConflict)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	push.Sink().Deliver(MessageEvent(SourcePush, durable("m1", "hello", t0)))
	push.Sink().Deliver(MessageEvent(SourcePush, durable("m1", "HELLO", t0)))

	conflicts := rec.get(EventConflict)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "hello", conflicts[0].(Message).Content)
	assert.Equal(t, "hello", s.Snapshot()[0].Content)
}

func TestSessionWarmAndSaveSnapshot(t *testing.T) {
	key := NewConversationKey("alice", "bob")
	snaps := NewMemorySnapshots()
	require.NoError(t, snaps.Save(key, []Message{
		durable("m1", "cached", t0),
		optimisticMsg("c7", "never confirmed", t0.Add(time.Second)),
	}))

	s := newTestSession(t, &fakeBackend{}, &fakeChannel{}, snaps)
	require.NoError(t, s.Open(context.Background()))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, StateFailed, snap[1].State)
	phase, ok := s.Phase("c7")
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, phase)

	s.engine.Apply(MessageEvent(SourcePush, durable("m2", "new", t0.Add(2*time.Second))))
	require.NoError(t, s.Close())

	saved, err := snaps.Load(key)
	require.NoError(t, err)
	assert.Len(t, saved, 3)
}

func TestSessionSurvivesHandlerPanic(t *testing.T) {
	s := newTestSession(t, &fakeBackend{}, &fakeChannel{}, nil)
	s.On(EventChange, func(string, any) { panic("consumer bug") })
	rec := record(s, EventChange)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	_, err := s.Send(context.Background(), "still works")
	require.NoError(t, err)
	assert.Len(t, rec.get(EventChange), 2)
}

func TestSessionClosed(t *testing.T) {
	push := &fakeChannel{}
	s := newTestSession(t, &fakeBackend{}, push, nil)
	rec := record(s, EventChange)
	require.NoError(t, s.Open(context.Background()))
	sink := push.Sink()
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	assert.ErrorIs(t, s.Open(context.Background()), ErrClosed)
	_, err := s.Send(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.MarkVisible(context.Background()), ErrClosed)

	sink.Deliver(MessageEvent(SourcePush, durable("m1", "late", t0)))
	assert.Empty(t, s.Snapshot())
	assert.Empty(t, rec.get(EventChange))
	assert.True(t, push.Closed())
}
