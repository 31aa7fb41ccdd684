// Package pebblecache persists conversation snapshots in a local Pebble
// database so a session can warm-start before any channel connects.
package pebblecache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"

	"github.com/LuminPulse-AI/Prismer/sdk/chatsync"
)

var snapPrefix = []byte("snap:")

var _ chatsync.SnapshotStore = (*Store)(nil)

// Store is a chatsync.SnapshotStore on Pebble.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the database directory at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open snapshot cache: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func snapKey(key chatsync.ConversationKey) []byte {
	return append(append([]byte{}, snapPrefix...), key.String()...)
}

// Load returns the cached messages for key, or nil if none were saved.
func (s *Store) Load(key chatsync.ConversationKey) ([]chatsync.Message, error) {
	v, closer, err := s.db.Get(snapKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var msgs []chatsync.Message
	if err := json.Unmarshal(v, &msgs); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return msgs, nil
}

// Save replaces the cached snapshot for key. An empty snapshot deletes it.
func (s *Store) Save(key chatsync.ConversationKey, msgs []chatsync.Message) error {
	if len(msgs) == 0 {
		return s.db.Delete(snapKey(key), pebble.Sync)
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return s.db.Set(snapKey(key), b, pebble.Sync)
}

// Keys lists every conversation with a cached snapshot.
func (s *Store) Keys() ([]chatsync.ConversationKey, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: snapPrefix})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []chatsync.ConversationKey
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, snapPrefix) {
			break
		}
		key, err := chatsync.ParseConversationKey(string(k[len(snapPrefix):]))
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}
