// Package pgfeed talks to the conversation tables in Postgres directly: a
// chatsync Backend over sqlx and a subscription channel over LISTEN/NOTIFY.
package pgfeed

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// NotifyChannel is the Postgres channel the change trigger publishes on.
const NotifyChannel = "chatsync_changes"

// Connect opens the database and applies the schema.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Migrate creates the tables and the trigger that turns every row change
// into a NOTIFY carrying the change-row JSON.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            correlation_id TEXT UNIQUE,
            conversation_key TEXT NOT NULL,
            sender_id TEXT NOT NULL,
            recipient_id TEXT NOT NULL,
            content TEXT NOT NULL,
            client_created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            status TEXT NOT NULL DEFAULT 'sent',
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_created
            ON messages (conversation_key, created_at);`,
		`CREATE TABLE IF NOT EXISTS message_reactions (
            message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            emoji TEXT NOT NULL,
            conversation_key TEXT NOT NULL,
            PRIMARY KEY (message_id, user_id)
        );`,
		`ALTER TABLE message_reactions
            ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW();`,
		`CREATE OR REPLACE FUNCTION chatsync_notify() RETURNS trigger AS $$
        BEGIN
            PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
                'type', TG_OP,
                'table', TG_TABLE_NAME,
                'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
                'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
            )::text);
            RETURN NULL;
        END;
        $$ LANGUAGE plpgsql;`,
		`DROP TRIGGER IF EXISTS messages_notify ON messages;`,
		`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
            FOR EACH ROW EXECUTE FUNCTION chatsync_notify();`,
		`DROP TRIGGER IF EXISTS message_reactions_notify ON message_reactions;`,
		`CREATE TRIGGER message_reactions_notify AFTER INSERT OR UPDATE OR DELETE ON message_reactions
            FOR EACH ROW EXECUTE FUNCTION chatsync_notify();`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
