package anomaly

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "phicore:session:"

// recordScript rolls and increments in one server-side step so concurrent
// requests from the same session never lose updates.
var recordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local phi = tonumber(ARGV[3])
local start = tonumber(redis.call('HGET', key, 'start'))
if (not start) or now >= start + window then
  redis.call('DEL', key)
  start = now
  redis.call('HSET', key, 'start', start, 'req', 0, 'phi', 0, 'flagged', 0, 'score', 0)
end
local req = redis.call('HINCRBY', key, 'req', 1)
local p = redis.call('HINCRBY', key, 'phi', phi)
redis.call('PEXPIRE', key, start + window - now)
local flagged = tonumber(redis.call('HGET', key, 'flagged'))
local score = tonumber(redis.call('HGET', key, 'score'))
return {start, req, p, flagged, score}
`)

var flagScript = redis.NewScript(`
local key = KEYS[1]
local start = tonumber(redis.call('HGET', key, 'start'))
if start ~= tonumber(ARGV[1]) then
  return 0
end
if redis.call('HGET', key, 'flagged') == '1' then
  return 0
end
redis.call('HSET', key, 'flagged', 1, 'score', ARGV[2])
return 1
`)

// RedisStore shares session counters across instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(k Key) string {
	return sessionKeyPrefix + k.UserID + ":" + k.SessionID
}

func (s *RedisStore) Record(ctx context.Context, key Key, phi bool, now time.Time, window time.Duration) (Activity, error) {
	phiInc := 0
	if phi {
		phiInc = 1
	}
	vals, err := recordScript.Run(ctx, s.client, []string{redisKey(key)},
		now.UnixMilli(), window.Milliseconds(), phiInc).Int64Slice()
	if err != nil {
		return Activity{}, fmt.Errorf("recording session activity: %w", err)
	}
	if len(vals) != 5 {
		return Activity{}, fmt.Errorf("recording session activity: unexpected reply length %d", len(vals))
	}
	return Activity{
		UserID:         key.UserID,
		SessionID:      key.SessionID,
		WindowStart:    time.UnixMilli(vals[0]).UTC(),
		RequestCount:   vals[1],
		PHIAccessCount: vals[2],
		Flagged:        vals[3] == 1,
		Score:          int(vals[4]),
	}, nil
}

func (s *RedisStore) Load(ctx context.Context, key Key, now time.Time, window time.Duration) (Activity, error) {
	out := Activity{UserID: key.UserID, SessionID: key.SessionID}
	vals, err := s.client.HMGet(ctx, redisKey(key), "start", "req", "phi", "flagged", "score").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return out, fmt.Errorf("loading session activity: %w", err)
	}
	if len(vals) != 5 || vals[0] == nil {
		return out, nil
	}
	nums := make([]int64, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return out, fmt.Errorf("loading session activity: unexpected field type %T", v)
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return out, fmt.Errorf("loading session activity: %w", err)
		}
		nums[i] = n
	}
	start := time.UnixMilli(nums[0]).UTC()
	if expired(start, now, window) {
		return out, nil
	}
	out.WindowStart = start
	out.RequestCount = nums[1]
	out.PHIAccessCount = nums[2]
	out.Flagged = nums[3] == 1
	out.Score = int(nums[4])
	return out, nil
}

func (s *RedisStore) Flag(ctx context.Context, key Key, windowStart time.Time, score int) (bool, error) {
	n, err := flagScript.Run(ctx, s.client, []string{redisKey(key)}, windowStart.UnixMilli(), score).Int64()
	if err != nil {
		return false, fmt.Errorf("flagging session: %w", err)
	}
	return n == 1, nil
}
