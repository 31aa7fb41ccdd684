package chatsync

// Offline snapshot cache and session event emitter.
//
// A SnapshotStore lets a session render the last known conversation state
// before any channel has connected:
//
//	cache := chatsync.NewMemorySnapshots()
//	sess, _ := chatsync.NewSession(chatsync.SessionConfig{..., Snapshots: cache})
//	sess.Open(ctx)       // warms the store from cache
//	defer sess.Close()   // writes the final state back

import (
	"sync"
)

// ============================================================================
// Snapshot cache
// ============================================================================

// SnapshotStore persists conversation snapshots between sessions.
// Implementations must be safe for concurrent use.
type SnapshotStore interface {
	Load(key ConversationKey) ([]Message, error)
	Save(key ConversationKey, msgs []Message) error
	Close() error
}

// MemorySnapshots is a goroutine-safe in-process SnapshotStore.
type MemorySnapshots struct {
	mu    sync.RWMutex
	convs map[ConversationKey][]Message
}

// NewMemorySnapshots creates an empty in-memory snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{convs: make(map[ConversationKey][]Message)}
}

func (s *MemorySnapshots) Load(key ConversationKey) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.convs[key]), nil
}

func (s *MemorySnapshots) Save(key ConversationKey, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[key] = cloneMessages(msgs)
	return nil
}

func (s *MemorySnapshots) Close() error { return nil }

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}

// ============================================================================
// Event Emitter
// ============================================================================

// Session event names.
const (
	EventChange       = "change"
	EventReconnecting = "reconnecting"
	EventSendFailed   = "send.failed"
	EventConflict     = "conflict"
	EventTyping       = "typing"
)

// EventHandler handles session events. The payload type depends on the
// event: []Message for change, bool for reconnecting, SendFailure for
// send.failed, Message for conflict, TypingIndicator for typing.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

func (e *emitter) on(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
