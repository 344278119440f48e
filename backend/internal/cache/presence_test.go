package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 15})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

func TestKeysShareHashTag(t *testing.T) {
	assert.Equal(t, "drill:editors:{docID:d1}", roomKey("d1"))
	assert.Equal(t, "drill:editors:names:{docID:d1}", namesKey("d1"))
}

func TestPresenceAddAndList(t *testing.T) {
	rdb := newTestRedis(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "doc-1", "u1", "alice", time.Minute))
	require.NoError(t, p.AddMember(ctx, "doc-1", "u2", "bob", time.Minute))
	// 心跳续期不会产生重复成员
	require.NoError(t, p.AddMember(ctx, "doc-1", "u1", "alice", time.Minute))

	members, err := p.GetAliveMembersWithNames(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	names := map[string]string{}
	for _, m := range members {
		names[m.UserID] = m.Username
	}
	assert.Equal(t, map[string]string{"u1": "alice", "u2": "bob"}, names)

	docs, err := p.GetDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, docs)
}

func TestPresenceExpiredMembersSwept(t *testing.T) {
	rdb := newTestRedis(t)
	p := NewRedisPresence(rdb).(*redisPresence)
	ctx := context.Background()

	base := time.Now()
	p.now = func() time.Time { return base }
	require.NoError(t, p.AddMember(ctx, "doc-1", "u1", "alice", time.Second))
	require.NoError(t, p.AddMember(ctx, "doc-1", "u2", "bob", time.Minute))

	p.now = func() time.Time { return base.Add(2 * time.Second) }
	members, err := p.GetAliveMembersWithNames(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "u2", members[0].UserID)

	exists, err := rdb.HExists(ctx, namesKey("doc-1"), "u1").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPresenceRemoveLastMemberDropsDocument(t *testing.T) {
	rdb := newTestRedis(t)
	p := NewRedisPresence(rdb)
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "doc-1", "u1", "alice", time.Minute))
	require.NoError(t, p.RemoveMember(ctx, "doc-1", "u1"))

	members, err := p.GetAliveMembersWithNames(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, members)

	docs, err := p.GetDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}
