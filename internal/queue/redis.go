package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"done-light/internal/db"
)

const (
	kvPendingKey = "queue:events"
	kvClaimedKey = "queue:events:claimed"
)

// claimDue atomically moves the oldest due member from the pending zset to
// the claimed zset (scored with a reclaim deadline) and returns it.
var claimDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then return false end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]
`)

// reclaimStale moves claimed members whose deadline passed back to pending.
var reclaimStale = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(stale) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('ZADD', KEYS[2], ARGV[1], member)
end
return #stale
`)

// Redis backs the durable queue with a sorted set scored by visibility time
// (unix milliseconds). A claimed event sits in a second sorted set until it
// is acknowledged, so a crash between claim and ack redelivers it.
type Redis struct {
	client   *db.RedisDB
	logger   *zap.Logger
	interval time.Duration
}

func NewRedis(client *db.RedisDB, logger *zap.Logger) *Redis {
	return &Redis{client: client, logger: logger, interval: 250 * time.Millisecond}
}

func (q *Redis) Enqueue(ctx context.Context, evt *Event, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, kvPendingKey, redis.Z{Score: score, Member: string(raw)}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	q.logger.Debug("event enqueued",
		zap.String("event_id", evt.ID),
		zap.String("type", string(evt.Type)),
		zap.Duration("delay", delay))
	return nil
}

func (q *Redis) Consume(ctx context.Context, handler Handler) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.reclaim(ctx)
			for {
				member, ok, err := q.claim(ctx)
				if err != nil {
					q.logger.Error("failed to claim event", zap.Error(err))
					break
				}
				if !ok {
					break
				}

				var evt Event
				if err := json.Unmarshal([]byte(member), &evt); err != nil {
					// A corrupt member can never succeed; drop it.
					q.logger.Error("dropping undecodable event", zap.Error(err))
					q.client.ZRem(ctx, kvClaimedKey, member)
					continue
				}

				if err := handler(ctx, &evt); err != nil {
					q.logger.Error("event handler failed",
						zap.String("event_id", evt.ID),
						zap.String("type", string(evt.Type)),
						zap.Error(err))
					q.release(ctx, member)
					continue
				}
				q.client.ZRem(ctx, kvClaimedKey, member)
			}
		}
	}
}

func (q *Redis) claim(ctx context.Context) (string, bool, error) {
	now := time.Now().UnixMilli()
	deadline := now + visibilityTimeout.Milliseconds()

	res, err := claimDue.Run(ctx, q.client,
		[]string{kvPendingKey, kvClaimedKey},
		strconv.FormatInt(now, 10), strconv.FormatInt(deadline, 10)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	member, ok := res.(string)
	if !ok {
		return "", false, nil
	}
	return member, true, nil
}

func (q *Redis) reclaim(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := reclaimStale.Run(ctx, q.client,
		[]string{kvClaimedKey, kvPendingKey}, now).Err(); err != nil && err != redis.Nil {
		q.logger.Error("failed to reclaim stale events", zap.Error(err))
	}
}

func (q *Redis) release(ctx context.Context, member string) {
	score := float64(time.Now().Add(retryBackoff).UnixMilli())
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, kvClaimedKey, member)
		pipe.ZAdd(ctx, kvPendingKey, redis.Z{Score: score, Member: member})
		return nil
	})
	if err != nil {
		q.logger.Error("failed to release event", zap.Error(err))
	}
}

func (q *Redis) Depth(ctx context.Context) (int64, error) {
	pending, err := q.client.ZCard(ctx, kvPendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure queue depth: %w", err)
	}
	claimed, err := q.client.ZCard(ctx, kvClaimedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure queue depth: %w", err)
	}
	return pending + claimed, nil
}

func (q *Redis) Close() error { return nil }
