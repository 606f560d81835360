package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	entryKeyPrefix = "presence:user:"
	onlineZSetKey  = "presence:online"
)

// recordScript writes the entry key with its TTL and adds the user to the
// online zset (scored by expiry) in one atomic step, so a crash between the
// two writes cannot desynchronize them.
var recordScript = redis.NewScript(`
-- KEYS[1] = entry key
-- KEYS[2] = online zset
-- ARGV[1] = entry json
-- ARGV[2] = ttl_ms (int)
-- ARGV[3] = user id
-- ARGV[4] = expiry unix ms (score)
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
return 1
`)

var removeScript = redis.NewScript(`
-- KEYS[1] = entry key
-- KEYS[2] = online zset
-- ARGV[1] = user id
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// RedisStore is the shared presence store backed by redis.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Put(ctx context.Context, userID string, e Entry, ttl time.Duration) error {
	if s.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	expiry := e.ConnectedAt.Add(ttl).UnixMilli()
	keys := []string{entryKeyPrefix + userID, onlineZSetKey}
	return recordScript.Run(ctx, s.rdb, keys, data, ttl.Milliseconds(), userID, expiry).Err()
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if s.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	keys := []string{entryKeyPrefix + userID, onlineZSetKey}
	return removeScript.Run(ctx, s.rdb, keys, userID).Err()
}

func (s *RedisStore) Exists(ctx context.Context, userID string) (bool, error) {
	if s.rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	n, err := s.rdb.Exists(ctx, entryKeyPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Online lists users whose zset score (entry expiry) is still in the future.
// Members whose entry key already expired are pruned opportunistically; the
// zset is bookkeeping only, the entry key remains the source of truth.
func (s *RedisStore) Online(ctx context.Context, now time.Time) ([]string, error) {
	if s.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	if err := s.rdb.ZRemRangeByScore(ctx, onlineZSetKey, "-inf", fmt.Sprintf("%d", now.UnixMilli())).Err(); err != nil {
		return nil, err
	}
	return s.rdb.ZRangeByScore(ctx, onlineZSetKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", now.UnixMilli()),
		Max: "+inf",
	}).Result()
}

// Get reads the full entry for a user; used for diagnostics.
func (s *RedisStore) Get(ctx context.Context, userID string) (Entry, bool, error) {
	if s.rdb == nil {
		return Entry{}, false, fmt.Errorf("redis client is nil")
	}
	data, err := s.rdb.Get(ctx, entryKeyPrefix+userID).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}
