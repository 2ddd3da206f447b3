package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAdapter(t *testing.T, prefix string) (*miniredis.Miniredis, RedisAdapter) {
	mr := miniredis.RunT(t)
	adapter, err := NewRedisAdapter(t.Name()+"-"+mr.Addr(), prefix, &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return mr, adapter
}

func TestAdapter_KeysArePrefixed(t *testing.T) {
	mr, adapter := setupAdapter(t, "eg:")
	ctx := context.Background()

	require.NoError(t, adapter.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("eg:k"))
	assert.False(t, mr.Exists("k"))
	assert.Equal(t, "eg:k", adapter.Key("k"))

	got, err := adapter.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	n, err := adapter.Del(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = adapter.Get(ctx, "k")
	assert.ErrorIs(t, err, NilError)
}

func TestAdapter_SetNX(t *testing.T) {
	_, adapter := setupAdapter(t, "")
	ctx := context.Background()

	ok, err := adapter.SetNX(ctx, "lock", []byte("a"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.SetNX(ctx, "lock", []byte("b"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdapter_SortedSet(t *testing.T) {
	_, adapter := setupAdapter(t, "p:")
	ctx := context.Background()

	require.NoError(t, adapter.ZAdd(ctx, "z", 30, "c"))
	require.NoError(t, adapter.ZAdd(ctx, "z", 10, "a"))
	require.NoError(t, adapter.ZAdd(ctx, "z", 20, "b"))

	due, err := adapter.ZRangeByScore(ctx, "z", "-inf", "20", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, due)

	score, err := adapter.ZScore(ctx, "z", "c")
	require.NoError(t, err)
	assert.Equal(t, float64(30), score)

	removed, err := adapter.ZRem(ctx, "z", "a", "nope")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	card, err := adapter.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)
}

func TestAdapter_EvalPrefixesKeys(t *testing.T) {
	mr, adapter := setupAdapter(t, "p:")
	ctx := context.Background()

	script := NewScript(`redis.call("SET", KEYS[1], ARGV[1]); return redis.call("GET", KEYS[1])`)
	res, err := adapter.Eval(ctx, script, []string{"x"}, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", res)

	v, err := mr.Get("p:x")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestAdapter_StreamGroup(t *testing.T) {
	_, adapter := setupAdapter(t, "")
	ctx := context.Background()

	require.NoError(t, adapter.XGroupCreateMkStream(ctx, "s", "g", "0"))
	err := adapter.XGroupCreateMkStream(ctx, "s", "g", "0")
	assert.True(t, IsBusyGroup(err))

	_, err = adapter.XAdd(ctx, "s", map[string]interface{}{"data": "one"})
	require.NoError(t, err)

	msgs, err := adapter.XReadGroup(ctx, "g", "c1", "s", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Values["data"])

	pending, err := adapter.XPendingExt(ctx, "s", "g", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].Consumer)

	require.NoError(t, adapter.XAck(ctx, "s", "g", msgs[0].ID))

	_, err = adapter.XReadGroup(ctx, "g", "c1", "s", 10)
	assert.ErrorIs(t, err, NilError)
}
