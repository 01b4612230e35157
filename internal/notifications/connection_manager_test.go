package notifications

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPresenceRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestConnectionManager_RegisterTouchesRedis(t *testing.T) {
	mr, rdb := newPresenceRedis(t)
	m := NewConnectionManager(rdb, ConnectionManagerConfig{LastSeenTTL: 30 * time.Second})
	defer m.Stop()

	ctx := context.Background()
	m.Register(ctx, 7)

	ok, err := mr.SIsMember(presenceOnlineSetKey, "7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("ws:last_seen:7"))
	assert.Equal(t, 30*time.Second, mr.TTL("ws:last_seen:7"))
	assert.True(t, m.IsOnline(ctx, 7))
	assert.False(t, m.IsOnline(ctx, 8))
}

func TestConnectionManager_OfflineAfterGrace(t *testing.T) {
	mr, rdb := newPresenceRedis(t)
	var offline atomic.Int32
	m := NewConnectionManager(rdb, ConnectionManagerConfig{
		OfflineGracePeriod: 20 * time.Millisecond,
		OnUserOffline:      func(uint) { offline.Add(1) },
	})
	defer m.Stop()

	ctx := context.Background()
	m.Register(ctx, 7)
	m.Register(ctx, 7)

	m.Unregister(ctx, 7)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, offline.Load(), "one connection left")

	m.Unregister(ctx, 7)
	assert.Eventually(t, func() bool { return offline.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, mr.Exists("ws:last_seen:7"))
	assert.False(t, m.IsOnline(ctx, 7))
}

func TestConnectionManager_ReconnectWithinGrace(t *testing.T) {
	_, rdb := newPresenceRedis(t)
	var offline atomic.Int32
	m := NewConnectionManager(rdb, ConnectionManagerConfig{
		OfflineGracePeriod: 50 * time.Millisecond,
		OnUserOffline:      func(uint) { offline.Add(1) },
	})
	defer m.Stop()

	ctx := context.Background()
	m.Register(ctx, 7)
	m.Unregister(ctx, 7)
	m.Register(ctx, 7)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, offline.Load())
	assert.True(t, m.IsOnline(ctx, 7))
}

func TestConnectionManager_ReapOnce(t *testing.T) {
	mr, rdb := newPresenceRedis(t)
	m := NewConnectionManager(rdb, ConnectionManagerConfig{})
	defer m.Stop()

	_, err := mr.SAdd(presenceOnlineSetKey, "7", "8", "garbage")
	require.NoError(t, err)
	require.NoError(t, mr.Set("ws:last_seen:8", "1"))

	assert.Equal(t, 1, m.reapOnce(context.Background()))
	members, err := mr.Members(presenceOnlineSetKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"8"}, members)
}

func TestConnectionManager_WithoutRedis(t *testing.T) {
	var offline atomic.Int32
	m := NewConnectionManager(nil, ConnectionManagerConfig{
		OfflineGracePeriod: 10 * time.Millisecond,
		OnUserOffline:      func(uint) { offline.Add(1) },
	})
	defer m.Stop()

	ctx := context.Background()
	m.Register(ctx, 1)
	assert.True(t, m.IsOnline(ctx, 1))
	m.Unregister(ctx, 1)
	m.Unregister(ctx, 1)
	assert.Eventually(t, func() bool { return offline.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.IsOnline(ctx, 1))
}
