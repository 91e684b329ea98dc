package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"done-light/internal/db"
)

const (
	kvLogPrefix    = "stores:logs:"
	kvLogIndex     = "stores:logs:ids"
	kvLogByMessage = "stores:logs:secondaries:BY_MESSAGE:"
)

// KVStore keeps log entries as JSON documents with a per-message secondary
// set, mirroring the message store's key layout.
type KVStore struct {
	client *db.RedisDB
	logger *zap.Logger
}

func NewKVStore(client *db.RedisDB, logger *zap.Logger) *KVStore {
	return &KVStore{client: client, logger: logger}
}

func (s *KVStore) Create(ctx context.Context, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, kvLogPrefix+entry.ID, raw, 0)
		pipe.SAdd(ctx, kvLogIndex, entry.ID)
		pipe.SAdd(ctx, kvLogByMessage+entry.MessageID, entry.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create log entry: %w", err)
	}
	return nil
}

func (s *KVStore) ListByMessageID(ctx context.Context, messageID string) ([]*Entry, error) {
	entries, err := s.fetchSet(ctx, kvLogByMessage+messageID)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *KVStore) ListAll(ctx context.Context, limit int) ([]*Entry, error) {
	entries, err := s.fetchSet(ctx, kvLogIndex)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *KVStore) fetchSet(ctx context.Context, key string) ([]*Entry, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read log index %s: %w", key, err)
	}

	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, kvLogPrefix+id).Result()
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

func (s *KVStore) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, kvLogPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan logs for reset: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete log keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
