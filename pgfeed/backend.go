package pgfeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/LuminPulse-AI/Prismer/sdk/chatsync"
)

// Backend is a sqlx-backed chatsync.Backend for one local user.
type Backend struct {
	db    *sqlx.DB
	local string
}

// NewBackend constructs a Backend acting as localUserID.
func NewBackend(db *sqlx.DB, localUserID string) *Backend {
	return &Backend{db: db, local: localUserID}
}

type messageRecord struct {
	ID              string         `db:"id"`
	CorrelationID   sql.NullString `db:"correlation_id"`
	ConversationKey string         `db:"conversation_key"`
	SenderID        string         `db:"sender_id"`
	RecipientID     string         `db:"recipient_id"`
	Content         string         `db:"content"`
	ClientCreatedAt time.Time      `db:"client_created_at"`
	CreatedAt       time.Time      `db:"created_at"`
	Status          string         `db:"status"`
	IsDeleted       bool           `db:"is_deleted"`
}

func (r messageRecord) toMessage() chatsync.Message {
	return chatsync.Message{
		ID:              r.ID,
		CorrelationID:   r.CorrelationID.String,
		SenderID:        r.SenderID,
		RecipientID:     r.RecipientID,
		Content:         r.Content,
		ClientTimestamp: r.ClientCreatedAt.UTC(),
		ServerTimestamp: r.CreatedAt.UTC(),
		State:           chatsync.DeliveryState(r.Status),
		Deleted:         r.IsDeleted,
	}
}

type reactionRecord struct {
	MessageID string `db:"message_id"`
	UserID    string `db:"user_id"`
	Emoji     string `db:"emoji"`
}

// PersistMessage inserts the message. A repeated correlation id returns the
// row stored the first time, so retries never duplicate.
func (b *Backend) PersistMessage(ctx context.Context, req chatsync.PersistRequest) (chatsync.PersistResult, error) {
	var corr sql.NullString
	if req.CorrelationID != "" {
		corr = sql.NullString{String: req.CorrelationID, Valid: true}
	}
	key := chatsync.NewConversationKey(req.SenderID, req.RecipientID)

	var out struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := b.db.QueryRowxContext(ctx, `INSERT INTO messages (id, correlation_id, conversation_key, sender_id, recipient_id, content, client_created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (correlation_id) DO UPDATE SET correlation_id = EXCLUDED.correlation_id
        RETURNING id, created_at`,
		uuid.NewString(), corr, key.String(), req.SenderID, req.RecipientID, req.Content, req.ClientTimestamp).
		StructScan(&out)
	if err != nil {
		return chatsync.PersistResult{}, fmt.Errorf("insert message: %w", err)
	}
	return chatsync.PersistResult{ID: out.ID, ServerTimestamp: out.CreatedAt.UTC()}, nil
}

// FetchMessagesSince returns messages created at or after since, oldest
// first, with their reactions attached.
func (b *Backend) FetchMessagesSince(ctx context.Context, key chatsync.ConversationKey, since time.Time) ([]chatsync.Message, error) {
	query := `SELECT id, correlation_id, conversation_key, sender_id, recipient_id, content,
            client_created_at, created_at, status, is_deleted
        FROM messages
        WHERE conversation_key = $1 AND created_at >= $2
        ORDER BY created_at ASC, id ASC`
	var rows []messageRecord
	if err := b.db.SelectContext(ctx, &rows, query, key.String(), since); err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	msgs := make([]chatsync.Message, len(rows))
	index := make(map[string]int, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		msgs[i] = r.toMessage()
		index[r.ID] = i
	}

	var reactions []reactionRecord
	err := b.db.SelectContext(ctx, &reactions,
		`SELECT message_id, user_id, emoji FROM message_reactions WHERE message_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("select reactions: %w", err)
	}
	for _, r := range reactions {
		m := &msgs[index[r.MessageID]]
		if m.Reactions == nil {
			m.Reactions = make(map[string]string)
		}
		m.Reactions[r.UserID] = r.Emoji
	}
	return msgs, nil
}

// MarkRead moves the local user's inbound messages to read. Rows already
// read are left alone, which keeps the call idempotent.
func (b *Backend) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := b.db.ExecContext(ctx, `UPDATE messages SET status = 'read'
        WHERE id = ANY($1) AND recipient_id = $2 AND status <> 'read'`, pq.Array(ids), b.local)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkDelivered records that the local user's client has received ids.
func (b *Backend) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := b.db.ExecContext(ctx, `UPDATE messages SET status = 'delivered'
        WHERE id = ANY($1) AND recipient_id = $2 AND status = 'sent'`, pq.Array(ids), b.local)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// SetReaction sets or, with an empty emoji, clears the local user's
// reaction on a message.
func (b *Backend) SetReaction(ctx context.Context, messageID, emoji string) error {
	if emoji == "" {
		_, err := b.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, messageID, b.local)
		return err
	}
	var key string
	err := b.db.GetContext(ctx, &key, `SELECT conversation_key FROM messages WHERE id = $1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return chatsync.ErrUnknownMessage
	}
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO message_reactions (message_id, user_id, emoji, conversation_key)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = EXCLUDED.emoji, updated_at = NOW()`, messageID, b.local, emoji, key)
	return err
}

// DeleteMessage soft-deletes one of the local user's messages.
func (b *Backend) DeleteMessage(ctx context.Context, messageID string) error {
	res, err := b.db.ExecContext(ctx, `UPDATE messages SET is_deleted = TRUE WHERE id = $1 AND sender_id = $2`, messageID, b.local)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return chatsync.ErrUnknownMessage
	}
	return nil
}
