package notifications

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "notifications"
	redisWatermarkRetries = 5
	redisScanBatch        = 100
)

var errWatermarkContention = errors.New("notifications: watermark update contention")

// RedisStateStore keeps notification state in Redis so every API instance sees the same device state.
// Dismissed ids live in a sorted set scored by an insertion counter; the watermark is advanced under WATCH.
type RedisStateStore struct {
	client   redis.UniversalClient
	capacity int
}

func NewRedisStateStore(client redis.UniversalClient, capacity int) (*RedisStateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("notifications: redis client required")
	}
	if capacity <= 0 {
		capacity = DismissedCapacity
	}
	return &RedisStateStore{client: client, capacity: capacity}, nil
}

func deviceKeyPrefix(key DeviceKey) string {
	return strings.Join([]string{redisKeyPrefix, key.UserID, key.DeviceID}, ":")
}

func watermarkKey(key DeviceKey) string { return deviceKeyPrefix(key) + ":watermark" }
func dismissedKey(key DeviceKey) string { return deviceKeyPrefix(key) + ":dismissed" }
func sequenceKey(key DeviceKey) string  { return deviceKeyPrefix(key) + ":seq" }

func (s *RedisStateStore) Load(ctx context.Context, key DeviceKey) (State, error) {
	pipe := s.client.Pipeline()
	watermarkCmd := pipe.Get(ctx, watermarkKey(key))
	dismissedCmd := pipe.ZRange(ctx, dismissedKey(key), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return State{}, err
	}

	state := State{Dismissed: NewDismissedIDSet(s.capacity, dismissedCmd.Val()...)}
	nanos, err := watermarkCmd.Int64()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return State{}, err
	default:
		state.LastSeenAt = time.Unix(0, nanos).UTC()
	}
	return state, nil
}

func (s *RedisStateStore) AdvanceWatermark(ctx context.Context, key DeviceKey, seenAt time.Time) (time.Time, error) {
	redisKey := watermarkKey(key)
	target := seenAt.UTC().UnixNano()
	var stored int64

	advance := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, redisKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current >= target {
			stored = current
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, strconv.FormatInt(target, 10), 0)
			return nil
		})
		if err == nil {
			stored = target
		}
		return err
	}

	for attempt := 0; attempt < redisWatermarkRetries; attempt++ {
		err := s.client.Watch(ctx, advance, redisKey)
		if err == nil {
			return time.Unix(0, stored).UTC(), nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return time.Time{}, err
		}
	}
	return time.Time{}, errWatermarkContention
}

func (s *RedisStateStore) Dismiss(ctx context.Context, key DeviceKey, ids []string) error {
	members := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			members = append(members, id)
		}
	}
	if len(members) == 0 {
		return nil
	}

	last, err := s.client.IncrBy(ctx, sequenceKey(key), int64(len(members))).Result()
	if err != nil {
		return err
	}
	first := last - int64(len(members)) + 1

	setKey := dismissedKey(key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			pipe.ZAddNX(ctx, setKey, redis.Z{Score: float64(first + int64(i)), Member: member})
		}
		// Keep only the newest capacity members.
		pipe.ZRemRangeByRank(ctx, setKey, 0, int64(-s.capacity-1))
		return nil
	})
	return err
}

func (s *RedisStateStore) Forget(ctx context.Context, userID string) error {
	pattern := strings.Join([]string{redisKeyPrefix, userID, "*"}, ":")
	iter := s.client.Scan(ctx, 0, pattern, redisScanBatch).Iterator()
	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
