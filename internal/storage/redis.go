package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const redisPrefix = "naviya:kv:"

// Redis is a Durable shared by every process pointed at the same server.
// Writes run as a Lua script that also publishes each committed key change
// on a channel that other origins subscribe to.
type Redis struct {
	client  *redis.Client
	origin  string
	channel string
	logger  *slog.Logger
}

var _ Durable = (*Redis)(nil)

// OpenRedis connects to addr and verifies the server answers.
func OpenRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", ErrUnavailable, addr, err)
	}
	return &Redis{
		client:  client,
		origin:  uuid.New().String(),
		channel: redisPrefix + "changes",
		logger:  slog.Default(),
	}, nil
}

func (r *Redis) Origin() string { return r.origin }

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, redisPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return v, true, nil
}

// GetMany uses MGET, which reads every key at one point in time.
func (r *Redis) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = redisPrefix + k
	}
	vals, err := r.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading keys: %w", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

// applyScript writes, numbers and publishes every change in one atomic
// step, so subscribers receive changes in commit order.
//
// KEYS[1] is the sequence counter, KEYS[2..] the data keys.
// ARGV is channel, origin, timestamp, mode, then one (name, value, present)
// triple per data key. Mode "set" writes value, "remove" deletes, and
// "remove_if" deletes only when every key still matches its triple.
var applyScript = redis.NewScript(`
local mode = ARGV[4]
local n = #KEYS - 1
if mode == "remove_if" then
  for i = 1, n do
    local base = 4 + (i - 1) * 3
    local want = false
    if ARGV[base + 3] == "1" then want = ARGV[base + 2] end
    if redis.call("GET", KEYS[i + 1]) ~= want then return -1 end
  end
end
local published = 0
for i = 1, n do
  local base = 4 + (i - 1) * 3
  local key = KEYS[i + 1]
  local old = redis.call("GET", key)
  local change = nil
  if mode == "set" then
    if old ~= ARGV[base + 2] then
      redis.call("SET", key, ARGV[base + 2])
      change = {key = ARGV[base + 1], new_value = ARGV[base + 2]}
    end
  elseif old then
    redis.call("DEL", key)
    change = {key = ARGV[base + 1]}
  end
  if change then
    change.seq = redis.call("INCR", KEYS[1])
    change.origin = ARGV[2]
    change.at = ARGV[3]
    if old then change.old_value = old end
    redis.call("PUBLISH", ARGV[1], cjson.encode(change))
    published = published + 1
  end
end
return published
`)

// apply runs applyScript over keys in sorted order. It returns -1 when a
// remove_if comparison failed.
func (r *Redis) apply(ctx context.Context, mode string, keys []string, value func(string) (string, bool)) (int, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	redisKeys := make([]string, 0, len(sorted)+1)
	redisKeys = append(redisKeys, redisPrefix+"seq")
	args := []any{r.channel, r.origin, time.Now().UTC().Format(time.RFC3339Nano), mode}
	for _, k := range sorted {
		v, present := value(k)
		flag := "0"
		if present {
			flag = "1"
		}
		redisKeys = append(redisKeys, redisPrefix+k)
		args = append(args, k, v, flag)
	}
	n, err := applyScript.Run(ctx, r.client, redisKeys, args...).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Redis) Set(ctx context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	_, err := r.apply(ctx, "set", keys, func(k string) (string, bool) { return values[k], true })
	if err != nil {
		return fmt.Errorf("writing keys: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, keys ...string) error {
	_, err := r.apply(ctx, "remove", keys, func(string) (string, bool) { return "", false })
	if err != nil {
		return fmt.Errorf("removing keys: %w", err)
	}
	return nil
}

func (r *Redis) RemoveIf(ctx context.Context, expected map[string]string, keys ...string) (bool, error) {
	n, err := r.apply(ctx, "remove_if", keys, func(k string) (string, bool) {
		v, ok := expected[k]
		return v, ok
	})
	if err != nil {
		return false, fmt.Errorf("removing keys: %w", err)
	}
	return n >= 0, nil
}

// Watch subscribes to the change channel until ctx is done.
func (r *Redis) Watch(ctx context.Context, fn func(Change)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				r.logger.Warn("dropping malformed storage change", "error", err)
				continue
			}
			if c.Origin == r.origin {
				continue
			}
			fn(c)
		}
	}
}
