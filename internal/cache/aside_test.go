package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedUser struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

func withMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	prev := client
	SetClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() {
		_ = client.Close()
		client = prev
	})
	return mr
}

func TestAside_FetchesOnceThenHits(t *testing.T) {
	mr := withMiniredis(t)
	ctx := context.Background()
	calls := 0
	fetch := func(dest *cachedUser) func() error {
		return func() error {
			calls++
			*dest = cachedUser{ID: 1, Name: "ada"}
			return nil
		}
	}

	var first cachedUser
	require.NoError(t, Aside(ctx, UserKey(1), &first, UserTTL, fetch(&first)))
	var second cachedUser
	require.NoError(t, Aside(ctx, UserKey(1), &second, UserTTL, fetch(&second)))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "ada", second.Name)
	assert.True(t, mr.Exists("user:1"))
	assert.Equal(t, UserTTL, mr.TTL("user:1"))

	InvalidateUser(ctx, 1)
	assert.False(t, mr.Exists("user:1"))
}

func TestAside_FetchErrorNotCached(t *testing.T) {
	mr := withMiniredis(t)
	boom := errors.New("boom")

	var dest cachedUser
	err := Aside(context.Background(), UserKey(2), &dest, time.Minute, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("user:2"))
}

func TestAside_NoClient(t *testing.T) {
	prev := client
	client = nil
	defer func() { client = prev }()

	var dest cachedUser
	err := Aside(context.Background(), UserKey(3), &dest, time.Minute, func() error {
		dest.ID = 3
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint(3), dest.ID)
}
