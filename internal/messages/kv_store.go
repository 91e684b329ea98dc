package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"done-light/internal/db"
)

// Key layout for the KV flavor. The primary record lives under
// [stores, messages, <id>]; the two secondaries are explicit sets the store
// maintains itself (an invariant, not a library feature).
const (
	kvMessagePrefix   = "stores:messages:"
	kvMessageIndex    = "stores:messages:ids"
	kvByStatusPrefix  = "stores:messages:secondaries:BY_STATUS:"
	kvByPublishPrefix = "stores:messages:secondaries:BY_PUBLISH_DATE:"
	kvLogPrefix       = "stores:logs:"
)

// KVStore backs the contract with redis: a JSON document per message plus
// explicit secondary index sets, all mutated inside MULTI/EXEC so the
// secondaries stay atomic with the primary write.
type KVStore struct {
	client *db.RedisDB
	logger *zap.Logger
}

func NewKVStore(client *db.RedisDB, logger *zap.Logger) *KVStore {
	return &KVStore{client: client, logger: logger}
}

func messageKey(id string) string { return kvMessagePrefix + id }

func (s *KVStore) Create(ctx context.Context, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	ok, err := s.client.SetNX(ctx, messageKey(msg.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, kvMessageIndex, msg.ID)
		pipe.SAdd(ctx, kvByStatusPrefix+string(msg.Status), msg.ID)
		pipe.SAdd(ctx, kvByPublishPrefix+FormatDate(msg.PublishAt), msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}

	s.logger.Debug("message created", zap.String("id", msg.ID), zap.String("status", string(msg.Status)))
	return nil
}

func (s *KVStore) GetByID(ctx context.Context, id string) (*Message, error) {
	raw, err := s.client.Get(ctx, messageKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return &msg, nil
}

func (s *KVStore) ListByStatus(ctx context.Context, status Status) ([]*Message, error) {
	msgs, err := s.fetchSet(ctx, kvByStatusPrefix+string(status))
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	return msgs, nil
}

func (s *KVStore) ListByDate(ctx context.Context, date time.Time) ([]*Message, error) {
	msgs, err := s.fetchSet(ctx, kvByPublishPrefix+FormatDate(date))
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].PublishAt.Before(msgs[j].PublishAt) })
	return msgs, nil
}

func (s *KVStore) fetchSet(ctx context.Context, key string) ([]*Message, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read secondary %s: %w", key, err)
	}

	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.GetByID(ctx, id)
		if err != nil {
			// Secondary entries may briefly outlive a delete; skip holes.
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *KVStore) Update(ctx context.Context, id string, patch Patch) (*Message, *Message, error) {
	var before, after *Message

	key := messageKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read message for update: %w", err)
		}

		var stored Message
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return fmt.Errorf("failed to decode message %s: %w", id, err)
		}
		before = &stored

		after, err = applyPatch(before, patch)
		if err != nil {
			return err
		}

		encoded, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			if before.Status != after.Status {
				pipe.SRem(ctx, kvByStatusPrefix+string(before.Status), id)
				pipe.SAdd(ctx, kvByStatusPrefix+string(after.Status), id)
			}
			if !before.PublishAt.Equal(after.PublishAt) {
				pipe.SRem(ctx, kvByPublishPrefix+FormatDate(before.PublishAt), id)
				pipe.SAdd(ctx, kvByPublishPrefix+FormatDate(after.PublishAt), id)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

func (s *KVStore) Delete(ctx context.Context, id string) (*Message, bool, error) {
	before, err := s.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, messageKey(id))
		pipe.SRem(ctx, kvMessageIndex, id)
		pipe.SRem(ctx, kvByStatusPrefix+string(before.Status), id)
		pipe.SRem(ctx, kvByPublishPrefix+FormatDate(before.PublishAt), id)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to delete message: %w", err)
	}
	return before, true, nil
}

func (s *KVStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, kvMessageIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (s *KVStore) Iterate(ctx context.Context, fn func(*Message) error) error {
	ids, err := s.client.SMembers(ctx, kvMessageIndex).Result()
	if err != nil {
		return fmt.Errorf("failed to iterate messages: %w", err)
	}
	sort.Strings(ids) // ids are time-sortable
	for _, id := range ids {
		msg, err := s.GetByID(ctx, id)
		if err != nil {
			continue
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) Raw(ctx context.Context, match string) (map[string]any, error) {
	pattern := "*"
	if match != "" {
		pattern = "*" + match + "*"
	}

	out := map[string]any{}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		for _, key := range keys {
			val, err := s.dumpKey(ctx, key)
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *KVStore) dumpKey(ctx context.Context, key string) (any, error) {
	kind, err := s.client.Type(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to type key %s: %w", key, err)
	}
	switch kind {
	case "string":
		raw, err := s.client.Get(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		var decoded any
		if json.Unmarshal([]byte(raw), &decoded) == nil {
			return decoded, nil
		}
		return raw, nil
	case "set":
		return s.client.SMembers(ctx, key).Result()
	case "zset":
		return s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	default:
		return kind, nil
	}
}

func (s *KVStore) Reset(ctx context.Context, match string) error {
	switch match {
	case "migrations":
		return ErrProtectedTable
	case "messages", "":
		if err := s.deleteByPattern(ctx, kvMessagePrefix+"*"); err != nil {
			return err
		}
		return s.deleteByPattern(ctx, kvLogPrefix+"*")
	case "logs":
		return s.deleteByPattern(ctx, kvLogPrefix+"*")
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTable, match)
	}
}

func (s *KVStore) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan for reset: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *KVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *KVStore) Close() error {
	return s.client.Client.Close()
}
