package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrClosed         = errors.New("chatsync: session closed")
	ErrNotFailed      = errors.New("chatsync: message is not in failed state")
	ErrUnknownMessage = errors.New("chatsync: unknown message")
	ErrMalformedEvent = errors.New("chatsync: malformed event")
	ErrNotConnected   = errors.New("chatsync: not connected")
	ErrThrottled      = errors.New("chatsync: mark-read throttled")
)

// APIError represents a backend error envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Delivery State
// ============================================================================

// DeliveryState is the delivery lifecycle of a message. The ordering
// pending < sent < delivered < read is monotonic; failed is a terminal
// marker that only an optimistic record can carry.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

func (s DeliveryState) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	case StateFailed:
		return -1
	}
	return -2
}

// Valid reports whether s is a known state.
func (s DeliveryState) Valid() bool {
	return s.rank() > -2
}

// Before reports whether s precedes other along the delivery ordering.
func (s DeliveryState) Before(other DeliveryState) bool {
	return s.rank() < other.rank()
}

// advanceState merges next into cur and reports whether cur moved.
func advanceState(cur, next DeliveryState) (DeliveryState, bool) {
	if !next.Valid() || next == cur {
		return cur, false
	}
	if next == StateFailed {
		if cur == StatePending {
			return StateFailed, true
		}
		return cur, false
	}
	if cur == StateFailed {
		if next.rank() >= StateSent.rank() {
			return next, true
		}
		return cur, false
	}
	if next.rank() > cur.rank() {
		return next, true
	}
	return cur, false
}

// ============================================================================
// Conversation
// ============================================================================

// ConversationKey identifies a two-party conversation independent of
// which participant is the sender.
type ConversationKey struct {
	a, b string
}

// NewConversationKey canonicalizes the participant pair.
func NewConversationKey(x, y string) ConversationKey {
	if y < x {
		x, y = y, x
	}
	return ConversationKey{a: x, b: y}
}

// ParseConversationKey parses the "dm:<a>:<b>" form produced by String.
func ParseConversationKey(s string) (ConversationKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != "dm" || parts[1] == "" || parts[2] == "" {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	return NewConversationKey(parts[1], parts[2]), nil
}

func (k ConversationKey) String() string {
	return "dm:" + k.a + ":" + k.b
}

// Participants returns both participants in canonical order.
func (k ConversationKey) Participants() (string, string) {
	return k.a, k.b
}

// Peer returns the participant that is not local.
func (k ConversationKey) Peer(local string) string {
	if k.a == local {
		return k.b
	}
	return k.a
}

func (k ConversationKey) IsZero() bool {
	return k.a == "" && k.b == ""
}

func (k ConversationKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ConversationKey) UnmarshalText(b []byte) error {
	parsed, err := ParseConversationKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Conversation is the presentation-facing summary of a session.
type Conversation struct {
	Key          ConversationKey `json:"key"`
	LocalUserID  string          `json:"localUserId"`
	PeerID       string          `json:"peerId"`
	LastActivity time.Time       `json:"lastActivity"`
	UnreadCount  int             `json:"unreadCount"`
}

// ============================================================================
// Messages & Events
// ============================================================================

// Message is one chat message in a conversation.
type Message struct {
	ID              string            `json:"id,omitempty"`
	CorrelationID   string            `json:"correlationId,omitempty"`
	SenderID        string            `json:"senderId"`
	RecipientID     string            `json:"recipientId"`
	Content         string            `json:"content"`
	ClientTimestamp time.Time         `json:"clientTimestamp"`
	ServerTimestamp time.Time         `json:"serverTimestamp,omitempty"`
	State           DeliveryState     `json:"state"`
	Deleted         bool              `json:"deleted,omitempty"`
	Reactions       map[string]string `json:"reactions,omitempty"`
}

// Optimistic reports whether the message has not been confirmed yet.
func (m *Message) Optimistic() bool {
	return m.ID == ""
}

// Timestamp is the ordering timestamp: server-assigned when known.
func (m *Message) Timestamp() time.Time {
	if !m.ServerTimestamp.IsZero() {
		return m.ServerTimestamp
	}
	return m.ClientTimestamp
}

func (m *Message) key() string {
	if m.ID != "" {
		return m.ID
	}
	return "local:" + m.CorrelationID
}

func (m Message) clone() Message {
	if m.Reactions != nil {
		r := make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = v
		}
		m.Reactions = r
	}
	return m
}

// DeliveryEvent records a delivery-state transition for a message.
type DeliveryEvent struct {
	MessageID string        `json:"messageId"`
	State     DeliveryState `json:"state"`
	At        time.Time     `json:"at"`
}

// ReactionEvent sets or clears (Emoji == "") one user's reaction. At is
// the source's timestamp for the fact and stays zero when the channel
// does not carry one.
type ReactionEvent struct {
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId"`
	Emoji     string    `json:"emoji,omitempty"`
	At        time.Time `json:"at"`
}

// EventKind discriminates the Event payload.
type EventKind string

const (
	KindMessage  EventKind = "message"
	KindDelivery EventKind = "delivery"
	KindReaction EventKind = "reaction"
)

// Source names the channel an event arrived on.
type Source string

const (
	SourcePush         Source = "push"
	SourcePoll         Source = "poll"
	SourceSubscription Source = "subscription"
	SourceLocal        Source = "local"
	SourceCache        Source = "cache"
)

// Event is the normalized shape every channel produces.
type Event struct {
	Kind       EventKind      `json:"kind"`
	Message    *Message       `json:"message,omitempty"`
	Delivery   *DeliveryEvent `json:"delivery,omitempty"`
	Reaction   *ReactionEvent `json:"reaction,omitempty"`
	Source     Source         `json:"source"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// MessageEvent wraps a message for the engine.
func MessageEvent(src Source, m Message) Event {
	return Event{Kind: KindMessage, Message: &m, Source: src, ReceivedAt: time.Now()}
}

// DeliveryUpdate wraps a delivery transition for the engine.
func DeliveryUpdate(src Source, messageID string, state DeliveryState) Event {
	return Event{
		Kind:       KindDelivery,
		Delivery:   &DeliveryEvent{MessageID: messageID, State: state, At: time.Now()},
		Source:     src,
		ReceivedAt: time.Now(),
	}
}

// ReactionUpdate wraps a reaction change for the engine.
func ReactionUpdate(src Source, userID, messageID, emoji string) Event {
	return Event{
		Kind:       KindReaction,
		Reaction:   &ReactionEvent{UserID: userID, MessageID: messageID, Emoji: emoji},
		Source:     src,
		ReceivedAt: time.Now(),
	}
}

// targetID is the message id a delivery or reaction event refers to.
func (e *Event) targetID() string {
	switch e.Kind {
	case KindDelivery:
		return e.Delivery.MessageID
	case KindReaction:
		return e.Reaction.MessageID
	case KindMessage:
		return e.Message.ID
	}
	return ""
}

func (e *Event) validate() error {
	switch e.Kind {
	case KindMessage:
		if e.Message == nil {
			return fmt.Errorf("%w: message event without payload", ErrMalformedEvent)
		}
		if e.Message.ID == "" && e.Message.CorrelationID == "" {
			return fmt.Errorf("%w: message without id or correlation id", ErrMalformedEvent)
		}
		if e.Message.State != "" && !e.Message.State.Valid() {
			return fmt.Errorf("%w: unknown state %q", ErrMalformedEvent, e.Message.State)
		}
	case KindDelivery:
		if e.Delivery == nil || e.Delivery.MessageID == "" {
			return fmt.Errorf("%w: delivery event without message id", ErrMalformedEvent)
		}
		if !e.Delivery.State.Valid() || e.Delivery.State == StateFailed {
			return fmt.Errorf("%w: unknown state %q", ErrMalformedEvent, e.Delivery.State)
		}
	case KindReaction:
		if e.Reaction == nil || e.Reaction.MessageID == "" || e.Reaction.UserID == "" {
			return fmt.Errorf("%w: reaction event without user or message id", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// TypingIndicator is an ephemeral typing signal from the push channel. It
// never enters the store.
type TypingIndicator struct {
	UserID string    `json:"userId"`
	Typing bool      `json:"isTyping"`
	At     time.Time `json:"at"`
}
