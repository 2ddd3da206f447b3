package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var NilError = goredis.Nil

type Options = goredis.UniversalOptions
type Script = goredis.Script

// NewScript wraps a Lua body so it is sent by SHA after the first EVAL.
func NewScript(src string) *Script {
	return goredis.NewScript(src)
}

// StreamMessage represents a message in Redis Stream
type StreamMessage struct {
	ID     string
	Values map[string]interface{}
}

// PendingEntry is one row of XPENDING's extended form.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	RetryCount int64
}

type RedisAdapter interface {
	// Key returns the key as stored in redis, prefix included.
	Key(key string) string
	Ping(ctx context.Context) error
	Client() goredis.UniversalClient

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)

	HSet(ctx context.Context, key, field string, value interface{}) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HKeys(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeByScore(ctx context.Context, key, min, max string, count int64) ([]string, error)

	// Eval runs a script with every key prefixed. Scripts must only touch
	// keys passed through KEYS.
	Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)

	XAdd(ctx context.Context, key string, values map[string]interface{}) (string, error)
	XReadGroup(ctx context.Context, group, consumer, key string, count int64) ([]StreamMessage, error)
	XAck(ctx context.Context, key, group string, ids ...string) error
	XGroupCreateMkStream(ctx context.Context, key, group, start string) error
	XLen(ctx context.Context, key string) (int64, error)
	XTrimApprox(ctx context.Context, key string, maxLen int64) error
	XPending(ctx context.Context, key, group string) (*goredis.XPending, error)
	XPendingExt(ctx context.Context, key, group string, count int64) ([]PendingEntry, error)
	XClaim(ctx context.Context, key, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error)
}

type redisAdapter struct {
	prefix   string
	Conn     goredis.UniversalClient
	ConnName string
}

var redisLock = &sync.RWMutex{}
var redisInstance map[string]RedisAdapter

func NewRedisAdapter(connName string, keysPrefix string, opts *goredis.UniversalOptions) (RedisAdapter, error) {
	redisLock.RLock()
	if adapter, ok := redisInstance[connName]; ok {
		redisLock.RUnlock()
		return adapter, nil
	}
	redisLock.RUnlock()

	c := goredis.NewUniversalClient(opts)
	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}

	redisLock.Lock()
	defer redisLock.Unlock()
	if redisInstance == nil {
		redisInstance = make(map[string]RedisAdapter)
	}
	if adapter, ok := redisInstance[connName]; ok {
		_ = c.Close()
		return adapter, nil
	}

	adapter := &redisAdapter{
		Conn:     c,
		prefix:   keysPrefix,
		ConnName: connName,
	}
	redisInstance[connName] = adapter
	return adapter, nil
}

// IsBusyGroup reports whether err is the BUSYGROUP reply of XGROUP CREATE.
func IsBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (r *redisAdapter) Key(key string) string {
	return r.prefix + key
}

func (r *redisAdapter) Ping(ctx context.Context) error {
	return r.Conn.Ping(ctx).Err()
}

func (r *redisAdapter) Client() goredis.UniversalClient {
	return r.Conn
}

func (r *redisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.Conn.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cmd := r.Conn.SetNX(ctx, r.prefix+key, value, ttl)
	if err := cmd.Err(); err != nil {
		return false, err
	}
	return cmd.Val(), nil
}

func (r *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	st := r.Conn.Get(ctx, r.prefix+key)
	if err := st.Err(); err != nil {
		return nil, err
	}
	return st.Bytes()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	return r.Conn.Del(ctx, r.prefixed(keys)...).Result()
}

func (r *redisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.Conn.Exists(ctx, r.prefix+key).Result()
	return n > 0, err
}

func (r *redisAdapter) HSet(ctx context.Context, key, field string, value interface{}) error {
	return r.Conn.HSet(ctx, r.prefix+key, field, value).Err()
}

func (r *redisAdapter) HGet(ctx context.Context, key, field string) ([]byte, error) {
	return r.Conn.HGet(ctx, r.prefix+key, field).Bytes()
}

func (r *redisAdapter) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return r.Conn.HDel(ctx, r.prefix+key, fields...).Result()
}

func (r *redisAdapter) HKeys(ctx context.Context, key string) ([]string, error) {
	return r.Conn.HKeys(ctx, r.prefix+key).Result()
}

func (r *redisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.Conn.ZAdd(ctx, r.prefix+key, goredis.Z{Score: score, Member: member}).Err()
}

func (r *redisAdapter) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.Conn.ZRem(ctx, r.prefix+key, vals...).Result()
}

func (r *redisAdapter) ZScore(ctx context.Context, key, member string) (float64, error) {
	return r.Conn.ZScore(ctx, r.prefix+key, member).Result()
}

func (r *redisAdapter) ZCard(ctx context.Context, key string) (int64, error) {
	return r.Conn.ZCard(ctx, r.prefix+key).Result()
}

func (r *redisAdapter) ZRangeByScore(ctx context.Context, key, min, max string, count int64) ([]string, error) {
	return r.Conn.ZRangeByScore(ctx, r.prefix+key, &goredis.ZRangeBy{
		Min:   min,
		Max:   max,
		Count: count,
	}).Result()
}

func (r *redisAdapter) Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, r.Conn, r.prefixed(keys), args...).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return res, err
}

func (r *redisAdapter) XAdd(ctx context.Context, key string, values map[string]interface{}) (string, error) {
	return r.Conn.XAdd(ctx, &goredis.XAddArgs{
		Stream: r.prefix + key,
		ID:     "*",
		Values: values,
	}).Result()
}

// XReadGroup never blocks; callers poll on their own schedule.
func (r *redisAdapter) XReadGroup(ctx context.Context, group, consumer, key string, count int64) ([]StreamMessage, error) {
	streams, err := r.Conn.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{r.prefix + key, ">"},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, StreamMessage{ID: msg.ID, Values: msg.Values})
		}
	}
	return messages, nil
}

func (r *redisAdapter) XAck(ctx context.Context, key, group string, ids ...string) error {
	return r.Conn.XAck(ctx, r.prefix+key, group, ids...).Err()
}

func (r *redisAdapter) XGroupCreateMkStream(ctx context.Context, key, group, start string) error {
	return r.Conn.XGroupCreateMkStream(ctx, r.prefix+key, group, start).Err()
}

func (r *redisAdapter) XLen(ctx context.Context, key string) (int64, error) {
	return r.Conn.XLen(ctx, r.prefix+key).Result()
}

func (r *redisAdapter) XTrimApprox(ctx context.Context, key string, maxLen int64) error {
	return r.Conn.XTrimMaxLenApprox(ctx, r.prefix+key, maxLen, 0).Err()
}

func (r *redisAdapter) XPending(ctx context.Context, key, group string) (*goredis.XPending, error) {
	return r.Conn.XPending(ctx, r.prefix+key, group).Result()
}

func (r *redisAdapter) XPendingExt(ctx context.Context, key, group string, count int64) ([]PendingEntry, error) {
	rows, err := r.Conn.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: r.prefix + key,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PendingEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, PendingEntry{
			ID:         row.ID,
			Consumer:   row.Consumer,
			Idle:       row.Idle,
			RetryCount: row.RetryCount,
		})
	}
	return out, nil
}

func (r *redisAdapter) XClaim(ctx context.Context, key, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	msgs, err := r.Conn.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   r.prefix + key,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		messages = append(messages, StreamMessage{ID: msg.ID, Values: msg.Values})
	}
	return messages, nil
}

func (r *redisAdapter) prefixed(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = r.prefix + k
	}
	return out
}
