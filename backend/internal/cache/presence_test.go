package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要本地 Redis；未启动则跳过
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

func TestPresence_AddAndListMembers(t *testing.T) {
	rdb := newTestRedis(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "demo", "u1", "alice", time.Minute))
	require.NoError(t, p.AddMember(ctx, "demo", "u2", "bob", time.Minute))

	members, err := p.GetAliveMembers(ctx, "demo")
	require.NoError(t, err)
	assert.ElementsMatch(t, []PresenceMember{
		{UserID: "u1", Name: "alice"},
		{UserID: "u2", Name: "bob"},
	}, members)

	sessions, err := p.GetSessions(ctx)
	require.NoError(t, err)
	assert.Contains(t, sessions, "demo")
}

func TestPresence_ExpiredMembersAreDropped(t *testing.T) {
	rdb := newTestRedis(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	// 负 TTL：expireAt 已经在过去
	require.NoError(t, p.AddMember(ctx, "demo", "stale", "old", -time.Minute))
	require.NoError(t, p.AddMember(ctx, "demo", "fresh", "new", time.Minute))

	members, err := p.GetAliveMembers(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "fresh", members[0].UserID)

	names, err := rdb.HGetAll(ctx, namesKey("demo")).Result()
	require.NoError(t, err)
	assert.NotContains(t, names, "stale")
}

func TestPresence_CursorAndRemove(t *testing.T) {
	rdb := newTestRedis(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "demo", "u1", "alice", time.Minute))
	require.NoError(t, p.SetCursor(ctx, "demo", "u1", []byte(`{"position":4}`), time.Minute))

	got, err := p.GetCursor(ctx, "demo", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"position":4}`, string(got))

	require.NoError(t, p.RemoveMember(ctx, "demo", "u1"))
	members, err := p.GetAliveMembers(ctx, "demo")
	require.NoError(t, err)
	assert.Empty(t, members)

	_, err = p.GetCursor(ctx, "demo", "u1")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestKeys_ShareHashSlotTag(t *testing.T) {
	assert.Equal(t, "presence:room:{session:abc}", roomKey("abc"))
	assert.Equal(t, "presence:room:names:{session:abc}", namesKey("abc"))
	assert.Equal(t, "presence:cursor:{session:abc}:u1", cursorKey("abc", "u1"))
}
