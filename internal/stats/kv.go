package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"done-light/internal/db"
)

const (
	kvTotalKey     = "stats:total"
	kvStatusPrefix = "stats:status:"
	kvCellPrefix   = "stats:cell:"
)

// decrClamped decrements but never below zero.
var decrClamped = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if tonumber(v) < 0 then
  redis.call('SET', KEYS[1], '0')
  v = 0
end
return v
`)

// KVService keeps the projection in redis counters. The all-time total is a
// real counter here, moved only by RecordCreate/RecordDelete.
type KVService struct {
	client *db.RedisDB
	logger *zap.Logger
}

func NewKVService(client *db.RedisDB, logger *zap.Logger) *KVService {
	return &KVService{client: client, logger: logger}
}

func cellKey(date string, hour int, status string) string {
	return fmt.Sprintf("%s%s:%d:%s", kvCellPrefix, date, hour, status)
}

func (s *KVService) Increment(ctx context.Context, status string, ts time.Time) error {
	ts = ts.UTC()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, kvStatusPrefix+status)
		pipe.Incr(ctx, cellKey(ts.Format("2006-01-02"), ts.Hour(), status))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment stats: %w", err)
	}
	return nil
}

func (s *KVService) Decrement(ctx context.Context, status string, ts time.Time) error {
	ts = ts.UTC()
	keys := []string{
		kvStatusPrefix + status,
		cellKey(ts.Format("2006-01-02"), ts.Hour(), status),
	}
	for _, key := range keys {
		if err := decrClamped.Run(ctx, s.client, []string{key}).Err(); err != nil {
			return fmt.Errorf("failed to decrement stats: %w", err)
		}
	}
	return nil
}

func (s *KVService) RecordCreate(ctx context.Context) error {
	return s.client.Incr(ctx, kvTotalKey).Err()
}

func (s *KVService) RecordDelete(ctx context.Context) error {
	return decrClamped.Run(ctx, s.client, []string{kvTotalKey}).Err()
}

func (s *KVService) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Statuses: make(map[string]int64, len(knownStatuses))}

	total, err := s.getInt(ctx, kvTotalKey)
	if err != nil {
		return nil, err
	}
	snap.Total = total

	for _, st := range knownStatuses {
		n, err := s.getInt(ctx, kvStatusPrefix+st)
		if err != nil {
			return nil, err
		}
		snap.Statuses[st] = n
	}

	// Enumerate the last seven days of cells; bounded at 7d * 24h * statuses.
	now := time.Now().UTC()
	var keys []string
	var meta []cell
	for day := 0; day < 7; day++ {
		date := now.AddDate(0, 0, -day).Format("2006-01-02")
		for hour := 0; hour < 24; hour++ {
			for _, st := range knownStatuses {
				keys = append(keys, cellKey(date, hour, st))
				meta = append(meta, cell{date: date, hour: hour, status: st})
			}
		}
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stats cells: %w", err)
	}

	var cells []cell
	for i, v := range values {
		if v == nil {
			continue
		}
		n, err := strconv.ParseInt(fmt.Sprint(v), 10, 64)
		if err != nil || n == 0 {
			continue
		}
		c := meta[i]
		c.count = n
		cells = append(cells, c)
	}

	aggregate(snap, cells, now)
	return snap, nil
}

func (s *KVService) Initialize(ctx context.Context, iter Iterator) error {
	return rebuild(ctx, s, iter)
}

func (s *KVService) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "stats:*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan stats keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete stats keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *KVService) getInt(ctx context.Context, key string) (int64, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return n, nil
}
