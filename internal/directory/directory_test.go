package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/registry"
)

func TestStatic(t *testing.T) {
	d := NewStatic(map[string]registry.Identity{
		"tok-a": {UserID: 1, Username: "jisoo"},
		"tok-b": {UserID: 2, Username: "admin", DisplayName: "운영자", Role: RoleAdmin},
	})
	ctx := context.Background()

	id, err := d.ResolveUser(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, id.Role)
	assert.Equal(t, "jisoo", id.DisplayName)
	assert.False(t, IsAdmin(id))

	id, err = d.ResolveUser(ctx, "tok-b")
	require.NoError(t, err)
	assert.True(t, IsAdmin(id))

	for _, cred := range []string{"", "nope"} {
		_, err := d.ResolveUser(ctx, cred)
		assert.True(t, errors.Is(err, apperr.ErrUnauthenticated), "credential %q", cred)
	}
}

func newTestRedis(t *testing.T) (*Redis, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	keys := []string{TokenPrefix + "test_tok", TokenPrefix + "test_orphan", TokenPrefix + "test_bad", UserPrefix + "990001"}
	client.Del(ctx, keys...)
	t.Cleanup(func() {
		client.Del(ctx, keys...)
		client.Close()
	})
	return NewRedis(client), client
}

func TestRedis_ResolveUser(t *testing.T) {
	d, client := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, "test_tok", registry.Identity{
		UserID: 990001, Username: "haneul", DisplayName: "하늘", Role: RoleUser,
	}))

	id, err := d.ResolveUser(ctx, "test_tok")
	require.NoError(t, err)
	assert.Equal(t, registry.Identity{UserID: 990001, Username: "haneul", DisplayName: "하늘", Role: RoleUser}, id)

	require.NoError(t, client.Set(ctx, TokenPrefix+"test_orphan", "990002", 0).Err())
	require.NoError(t, client.Set(ctx, TokenPrefix+"test_bad", "not-a-number", 0).Err())

	for _, cred := range []string{"", "test_missing", "test_orphan", "test_bad"} {
		_, err := d.ResolveUser(ctx, cred)
		assert.True(t, errors.Is(err, apperr.ErrUnauthenticated), "credential %q: %v", cred, err)
	}
}
