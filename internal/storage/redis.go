package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript performs the status compare-and-swap server side.
// KEYS[1] = hash key, ARGV[1] = field, ARGV[2] = expected, ARGV[3] = next,
// ARGV[4..] = extra field/value pairs written on success.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then return -1 end
if cur ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// guardedWriteScript checks a guard hash and, only if every expected field
// matches, writes the hashes and expiries.
// KEYS[1] = guard key, KEYS[2..] = hashes to write.
// ARGV = guard ttl ms, match count, match pairs..., then per hash:
// ttl ms, field count, field/value pairs...
var guardedWriteScript = redis.NewScript(`
local i = 3
for _ = 1, tonumber(ARGV[2]) do
  if redis.call('HGET', KEYS[1], ARGV[i]) ~= ARGV[i + 1] then return 0 end
  i = i + 2
end
for k = 2, #KEYS do
  local ttl = tonumber(ARGV[i])
  local n = tonumber(ARGV[i + 1])
  i = i + 2
  for _ = 1, n do
    redis.call('HSET', KEYS[k], ARGV[i], ARGV[i + 1])
    i = i + 2
  end
  if ttl > 0 then redis.call('PEXPIRE', KEYS[k], ttl) end
end
if tonumber(ARGV[1]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return 1
`)

// RedisStore implements Store on top of a single Redis deployment.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisStore{client: c}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{client: c}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) GeoAdd(ctx context.Context, key, member string, lat, lon float64) error {
	return r.client.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: member}).Err()
}

func (r *RedisStore) GeoRadius(ctx context.Context, key string, lat, lon, radiusKm float64) ([]GeoHit, error) {
	res, err := r.client.GeoRadius(ctx, key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithDist: true, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]GeoHit, 0, len(res))
	for _, g := range res {
		out = append(out, GeoHit{Member: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}

func (r *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.client.HSet(ctx, key, toArgs(fields)).Err()
}

func (r *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *RedisStore) WriteHashes(ctx context.Context, writes ...HashWrite) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			pipe.HSet(ctx, w.Key, toArgs(w.Fields))
			if w.TTL > 0 {
				pipe.Expire(ctx, w.Key, w.TTL)
			}
		}
		return nil
	})
	return err
}

func (r *RedisStore) WriteHashesIf(ctx context.Context, g Guard, writes ...HashWrite) (bool, error) {
	keys := make([]string, 0, len(writes)+1)
	keys = append(keys, g.Key)
	args := []interface{}{g.TTL.Milliseconds(), len(g.Match)}
	args = appendPairs(args, g.Match)
	for _, w := range writes {
		keys = append(keys, w.Key)
		args = append(args, w.TTL.Milliseconds(), len(w.Fields))
		args = appendPairs(args, w.Fields)
	}
	n, err := guardedWriteScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisStore) SAdd(ctx context.Context, key, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *RedisStore) SRem(ctx context.Context, key, member string) error {
	return r.client.SRem(ctx, key, member).Err()
}

func (r *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key, field, expected, next string, extra map[string]string) (CASResult, error) {
	args := appendPairs([]interface{}{field, expected, next}, extra)
	n, err := casScript.Run(ctx, r.client, []string{key}, args...).Int()
	if err != nil {
		return CASConflict, err
	}
	switch n {
	case -1:
		return CASNoRecord, nil
	case 1:
		return CASApplied, nil
	default:
		return CASConflict, nil
	}
}

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// wait for the subscription confirmation so errors surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, out: make(chan []byte, 64), done: make(chan struct{})}
	go sub.forward()
	return sub, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(m.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}

// appendPairs adds fields as name/value pairs in name order.
func appendPairs(args []interface{}, fields map[string]string) []interface{} {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		args = append(args, k, fields[k])
	}
	return args
}

func toArgs(fields map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
