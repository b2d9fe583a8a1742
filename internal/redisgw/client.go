// Package redisgw is a thin typed wrapper around go-redis/v9 covering the
// specific primitives this service needs: Streams consumer groups, Pub/Sub,
// sorted sets, hashes, and simple key/value idempotency helpers. Callers
// never import go-redis directly; this is the one seam.
package redisgw

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps one *redis.Client for both command execution and Pub/Sub.
type Client struct {
	rdb *redis.Client
}

// New parses url (e.g. "redis://localhost:6379/0") and pings the server.
func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(cctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Raw exposes the underlying client for call sites that need a primitive
// not covered by this wrapper (e.g. pipelines).
func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Close() error { return c.rdb.Close() }

// --- streams ---

// EnsureGroupMkStream creates the stream (if absent) and the consumer
// group, tolerating "BUSYGROUP" when the group already exists.
func (c *Client) EnsureGroupMkStream(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// ReadGroup reads up to count new entries for consumer in group, blocking
// up to block for new entries (0 = return immediately).
func (c *Client) ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XStream, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

// Ack acknowledges one or more stream entries.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return c.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending returns entries idle longer than minIdle, for PEL recovery.
func (c *Client) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]redis.XPendingExt, error) {
	return c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim reassigns pending entries to consumer so they can be retried.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]redis.XMessage, error) {
	return c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
}

// Add appends one entry to a stream.
func (c *Client) Add(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// --- pub/sub ---

// Publish publishes a message to channel.
func (c *Client) Publish(ctx context.Context, channel string, payload string) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a *redis.PubSub; caller drives its Channel()/Close().
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// PSubscribe subscribes to one or more glob patterns.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return c.rdb.PSubscribe(ctx, patterns...)
}

// SubscribePayloads subscribes to one or more channels and returns a
// channel of raw message payloads, so callers above this package never
// need the go-redis PubSub type directly. Call the returned closer when
// done listening; it unsubscribes and drains the goroutine.
func (c *Client) SubscribePayloads(ctx context.Context, channels ...string) (<-chan string, func() error) {
	ps := c.rdb.Subscribe(ctx, channels...)
	out := make(chan string)
	go func() {
		defer close(out)
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, ps.Close
}

// --- key/value idempotency + history ---

// SetNX implements the Redis `SET key value NX EX ttl` idempotency idiom.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// PushCapped appends value to a capped, expiring list: LPush + LTrim + Expire,
// used for ConversationHistory caching under a2a:history:{conversation_id}.
func (c *Client) PushCapped(ctx context.Context, key, value string, capSize int, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, int64(capSize-1))
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// BLPop blocks for a response pushed onto key (a2a:response:{message_id}).
func (c *Client) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

func (c *Client) RPush(ctx context.Context, key, value string) error {
	return c.rdb.RPush(ctx, key, value).Err()
}

// --- hashes (agent registry, session metadata) ---

func (c *Client) HSet(ctx context.Context, key string, values map[string]string) error {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	return c.rdb.HSet(ctx, key, fields).Err()
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// --- sorted sets (sliding window rate limiter) ---

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return c.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}
