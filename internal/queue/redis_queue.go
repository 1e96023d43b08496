package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on Redis. Message ids wait in a ready list;
// received ids move to an invisibility sorted set scored by the time they
// become eligible for redelivery. Bodies and delivery counts live in hashes so
// they survive redelivery. Messages whose delivery count reaches MaxDeliveries
// are parked in a dead-letter list instead of being redelivered.
type RedisQueue struct {
	client     RedisQueueClient
	name       string
	visibility time.Duration
	maxDeliver int
	pollEvery  time.Duration
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
}

// RedisQueueClient is the minimal client surface used by RedisQueue. The
// ready/invisible transitions run as Lua scripts so a consumer crash can
// never leave an id in neither structure.
type RedisQueueClient interface {
	redis.Scripter
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// popReadyScript atomically pops one id off the ready list, bumps its
// delivery count and parks it in the invisible set. A missing body means the
// message was deleted mid-flight; its bookkeeping is dropped and only the id
// comes back.
var popReadyScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
local deliveries = redis.call('HINCRBY', KEYS[2], id, 1)
redis.call('ZADD', KEYS[3], ARGV[1], id)
local body = redis.call('HGET', KEYS[4], id)
if not body then
	redis.call('ZREM', KEYS[3], id)
	redis.call('HDEL', KEYS[2], id)
	return {id}
end
return {id, deliveries, body}
`)

// reclaimScript moves every expired invisible id back to the ready list in
// one atomic step, or parks it on the dead-letter list once its delivery
// count reached the cap. Reclaimed ids go to the consumer end so retries are
// not starved by a full ready list.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local deliveries = tonumber(redis.call('HGET', KEYS[2], id) or '0')
	if deliveries >= tonumber(ARGV[2]) then
		redis.call('LPUSH', KEYS[3], id)
	else
		redis.call('RPUSH', KEYS[4], id)
	end
end
return #ids
`)

// RedisQueueConfig configures a RedisQueue.
type RedisQueueConfig struct {
	// Name prefixes every key the queue touches.
	Name string
	// VisibilityTimeout is the default invisibility window after a receive.
	VisibilityTimeout time.Duration
	// MaxDeliveries is the redelivery cap before a message is dead-lettered.
	MaxDeliveries int
	// PollInterval bounds how often Receive re-checks an empty queue.
	PollInterval time.Duration
	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// NewRedisQueue constructs a RedisQueue with sane defaults.
func NewRedisQueue(client RedisQueueClient, cfg RedisQueueConfig) *RedisQueue {
	name := cfg.Name
	if name == "" {
		name = "queue"
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	maxDeliver := cfg.MaxDeliveries
	if maxDeliver < 1 {
		maxDeliver = 5
	}
	pollEvery := cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = 100 * time.Millisecond
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	return &RedisQueue{
		client:     client,
		name:       name,
		visibility: visibility,
		maxDeliver: maxDeliver,
		pollEvery:  pollEvery,
		now:        now,
		sleep:      sleep,
	}
}

func (q *RedisQueue) readyKey() string      { return q.name + ":ready" }
func (q *RedisQueue) invisibleKey() string  { return q.name + ":invisible" }
func (q *RedisQueue) bodyKey() string       { return q.name + ":body" }
func (q *RedisQueue) deliveriesKey() string { return q.name + ":deliveries" }
func (q *RedisQueue) deadKey() string       { return q.name + ":dead" }

// Send enqueues a new message with a fresh id.
func (q *RedisQueue) Send(ctx context.Context, body []byte) error {
	id := uuid.NewString()
	if err := q.client.HSet(ctx, q.bodyKey(), id, string(body)).Err(); err != nil {
		return err
	}
	return q.client.LPush(ctx, q.readyKey(), id).Err()
}

// Receive long-polls for up to max messages. Expired invisible messages are
// reclaimed first, which is also the point where the redelivery cap applies.
func (q *RedisQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Envelope, error) {
	if max < 1 {
		max = 1
	}
	deadline := q.now().Add(wait)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.reclaimExpired(ctx); err != nil {
			return nil, err
		}

		envs, err := q.popReady(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(envs) > 0 {
			return envs, nil
		}
		if !q.now().Before(deadline) {
			return nil, nil
		}
		if err := q.sleep(ctx, q.pollEvery); err != nil {
			return nil, err
		}
	}
}

// Delete acknowledges the message and discards its bookkeeping.
func (q *RedisQueue) Delete(ctx context.Context, env Envelope) error {
	if err := q.client.ZRem(ctx, q.invisibleKey(), env.ID).Err(); err != nil {
		return err
	}
	if err := q.client.HDel(ctx, q.deliveriesKey(), env.ID).Err(); err != nil {
		return err
	}
	return q.client.HDel(ctx, q.bodyKey(), env.ID).Err()
}

// ChangeVisibility reschedules the message's redelivery time.
func (q *RedisQueue) ChangeVisibility(ctx context.Context, env Envelope, timeout time.Duration) error {
	return q.client.ZAdd(ctx, q.invisibleKey(), redis.Z{
		Score:  float64(q.now().Add(timeout).Unix()),
		Member: env.ID,
	}).Err()
}

// DeadLetters returns the currently dead-lettered messages for inspection.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]Envelope, error) {
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	envs := make([]Envelope, 0, len(ids))
	for _, id := range ids {
		env, ok, err := q.loadEnvelope(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			envs = append(envs, env)
		}
	}
	return envs, nil
}

func (q *RedisQueue) reclaimExpired(ctx context.Context) error {
	return reclaimScript.Run(ctx, q.client,
		[]string{q.invisibleKey(), q.deliveriesKey(), q.deadKey(), q.readyKey()},
		formatUnix(q.now()), q.maxDeliver).Err()
}

func (q *RedisQueue) popReady(ctx context.Context, max int) ([]Envelope, error) {
	var envs []Envelope
	for len(envs) < max {
		res, err := popReadyScript.Run(ctx, q.client,
			[]string{q.readyKey(), q.deliveriesKey(), q.invisibleKey(), q.bodyKey()},
			q.now().Add(q.visibility).Unix()).Result()
		if errors.Is(err, redis.Nil) {
			return envs, nil
		}
		if err != nil {
			return nil, err
		}

		row, ok := res.([]any)
		if !ok || len(row) == 0 {
			return nil, fmt.Errorf("queue %s: unexpected receive reply %T", q.name, res)
		}
		if len(row) < 3 {
			// Body deleted out from under us; nothing to deliver.
			continue
		}
		id, _ := row[0].(string)
		deliveries, _ := row[1].(int64)
		body, _ := row[2].(string)
		envs = append(envs, Envelope{ID: id, Body: []byte(body), DeliveryCount: int(deliveries)})
	}
	return envs, nil
}

func (q *RedisQueue) loadEnvelope(ctx context.Context, id string) (Envelope, bool, error) {
	body, err := q.client.HGet(ctx, q.bodyKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, err
	}
	return Envelope{ID: id, Body: []byte(body)}, true, nil
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
