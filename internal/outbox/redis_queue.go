package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDefaultKey        = "jobsync:outbox"
	redisOperationTimeout  = 5 * time.Second
	redisDequeueBlockLimit = time.Second
)

// enqueueScript appends only while the list is below capacity, so the check
// and the push are atomic on the server.
var enqueueScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// RedisQueue stores the outbox as a Redis list of JSON items.
type RedisQueue struct {
	client       *redis.Client
	key          string
	capacity     int
	pollInterval time.Duration
}

// NewRedisQueue accepts a redis:// or rediss:// URL. The optional key query
// parameter names the list.
func NewRedisQueue(dsn string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	key := query.Get("key")
	query.Del("key")
	parsed.RawQuery = query.Encode()
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return NewRedisQueueWithClient(redis.NewClient(opts), key, capacity), nil
}

func NewRedisQueueWithClient(client *redis.Client, key string, capacity int) Queue {
	if strings.TrimSpace(key) == "" {
		key = redisDefaultKey
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &RedisQueue{
		client:       client,
		key:          key,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
	}
}

func (q *RedisQueue) TryEnqueue(item Item) bool {
	if strings.TrimSpace(item.ID) == "" {
		return false
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	accepted, err := enqueueScript.Run(ctx, q.client, []string{q.key}, string(payload), q.capacity).Int()
	return err == nil && accepted == 1
}

func (q *RedisQueue) Enqueue(ctx context.Context, item Item) bool {
	return pollUntil(ctx, q.pollInterval, func() bool { return q.TryEnqueue(item) })
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Item, bool) {
	for {
		values, err := q.client.BLPop(ctx, redisDequeueBlockLimit, q.key).Result()
		if err == nil && len(values) == 2 {
			var item Item
			if jsonErr := json.Unmarshal([]byte(values[1]), &item); jsonErr == nil {
				return item, true
			}
			continue
		}
		if ctx.Err() != nil {
			return Item{}, false
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return Item{}, false
			case <-time.After(q.pollInterval):
			}
		}
	}
}

func (q *RedisQueue) Remove(id string) (Item, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	values, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return Item{}, false
	}
	for _, value := range values {
		var item Item
		if err := json.Unmarshal([]byte(value), &item); err != nil || item.ID != id {
			continue
		}
		removed, err := q.client.LRem(ctx, q.key, 1, value).Result()
		if err != nil || removed == 0 {
			return Item{}, false
		}
		return item, true
	}
	return Item{}, false
}

func (q *RedisQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (q *RedisQueue) Capacity() int {
	return q.capacity
}

func (q *RedisQueue) Snapshot() []Item {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	values, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil
	}
	items := make([]Item, 0, len(values))
	for _, value := range values {
		var item Item
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
