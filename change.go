package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Change-feed tables understood by ParseChange.
const (
	TableMessages  = "messages"
	TableReactions = "message_reactions"
	TableStatus    = "message_status"
)

// changeRow is the row-level change envelope shared by every subscription
// transport (SSE, database webhooks, LISTEN/NOTIFY, Redis pub/sub).
type changeRow struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

type messageRow struct {
	ID              string   `json:"id"`
	CorrelationID   string   `json:"correlation_id"`
	SenderID        string   `json:"sender_id"`
	RecipientID     string   `json:"recipient_id"`
	Content         string   `json:"content"`
	ClientCreatedAt flexTime `json:"client_created_at"`
	CreatedAt       flexTime `json:"created_at"`
	Status          string   `json:"status"`
	IsDeleted       bool     `json:"is_deleted"`
}

type reactionRow struct {
	MessageID    string `json:"message_id"`
	UserID       string `json:"user_id"`
	Emoji        string   `json:"emoji"`
	Conversation string   `json:"conversation_key"`
	UpdatedAt    flexTime `json:"updated_at"`
}

type statusRow struct {
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	Conversation string `json:"conversation_key"`
}

// ParseChange normalizes one change-feed row into an Event. The event
// source is left for the receiving sink to stamp.
func ParseChange(data []byte) (Event, error) {
	ev, _, err := parseChange(data)
	return ev, err
}

// ParseChangeFor parses a row and reports whether it belongs to key.
// Rows that carry no participant information are assumed in scope.
func ParseChangeFor(key ConversationKey, data []byte) (Event, bool, error) {
	ev, conv, err := parseChange(data)
	if err != nil {
		return Event{}, false, err
	}
	return ev, inScope(&ev, conv, key), nil
}

func parseChange(data []byte) (Event, string, error) {
	var row changeRow
	if err := json.Unmarshal(data, &row); err != nil {
		return Event{}, "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	op := strings.ToUpper(row.Type)
	rec := row.Record
	if op == "DELETE" || len(rec) == 0 || string(rec) == "null" {
		rec = row.OldRecord
	}
	if len(rec) == 0 || string(rec) == "null" {
		return Event{}, "", fmt.Errorf("%w: %s change without record", ErrMalformedEvent, row.Table)
	}

	now := time.Now()
	switch row.Table {
	case TableMessages:
		var r messageRow
		if err := json.Unmarshal(rec, &r); err != nil {
			return Event{}, "", fmt.Errorf("%w: message row: %v", ErrMalformedEvent, err)
		}
		m := Message{
			ID:              r.ID,
			CorrelationID:   r.CorrelationID,
			SenderID:        r.SenderID,
			RecipientID:     r.RecipientID,
			Content:         r.Content,
			ClientTimestamp: r.ClientCreatedAt.Time,
			ServerTimestamp: r.CreatedAt.Time,
			State:           parseState(r.Status),
			Deleted:         r.IsDeleted || op == "DELETE",
		}
		if m.ClientTimestamp.IsZero() {
			m.ClientTimestamp = m.ServerTimestamp
		}
		ev := Event{Kind: KindMessage, Message: &m, ReceivedAt: now}
		return ev, "", nil

	case TableReactions:
		var r reactionRow
		if err := json.Unmarshal(rec, &r); err != nil {
			return Event{}, "", fmt.Errorf("%w: reaction row: %v", ErrMalformedEvent, err)
		}
		emoji := r.Emoji
		if op == "DELETE" {
			emoji = ""
		}
		ev := Event{
			Kind:       KindReaction,
			Reaction:   &ReactionEvent{UserID: r.UserID, MessageID: r.MessageID, Emoji: emoji, At: r.UpdatedAt.Time},
			ReceivedAt: now,
		}
		return ev, r.Conversation, nil

	case TableStatus:
		var r statusRow
		if err := json.Unmarshal(rec, &r); err != nil {
			return Event{}, "", fmt.Errorf("%w: status row: %v", ErrMalformedEvent, err)
		}
		ev := Event{
			Kind:       KindDelivery,
			Delivery:   &DeliveryEvent{MessageID: r.MessageID, State: parseState(r.Status), At: now},
			ReceivedAt: now,
		}
		return ev, r.Conversation, nil
	}
	return Event{}, "", fmt.Errorf("%w: unknown table %q", ErrMalformedEvent, row.Table)
}

func inScope(ev *Event, conv string, key ConversationKey) bool {
	if conv != "" {
		return conv == key.String()
	}
	if ev.Kind == KindMessage && ev.Message != nil {
		m := ev.Message
		if m.SenderID == "" || m.RecipientID == "" {
			return true
		}
		return NewConversationKey(m.SenderID, m.RecipientID) == key
	}
	return true
}

func parseState(s string) DeliveryState {
	st := DeliveryState(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return ""
	}
	if !st.Valid() {
		return DeliveryState(s)
	}
	return st
}

// flexTime accepts the timestamp shapes Postgres JSON and the HTTP API
// produce, including values without a zone.
type flexTime struct {
	time.Time
}

var flexLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range flexLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
