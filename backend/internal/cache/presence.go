package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 记录“谁正在编辑哪个队形文档”，供其他协作者展示。
// 成员带逻辑 TTL：心跳续期，断线后自然过期。
type PresenceCache interface {
	AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	GetDocuments(ctx context.Context) ([]string, error)
}

type PresenceMember struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// 具体实现：基于 redis 的 PresenceCache。
// UniversalClient 同时兼容单机 redis.Client 和 redis.ClusterClient
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// 清理过期成员，返回清理掉的数量；房间清空时顺带把文档从索引集合移除
const sweepScript = `
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = namesKey(docID)
-- ARGV[1] = now (unix millis)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

var sweep = redis.NewScript(sweepScript)

func (p *redisPresence) AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error {
	if docID == "" || userID == "" {
		return errors.New("presence: empty docID or userID")
	}
	// 刷新 TTL 也直接调用 AddMember 即可
	expireAt := p.now().Add(ttl).UnixMilli()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	// 物理 TTL 兜底：整个房间长时间没人心跳时 key 自己消失
	tx.PExpire(ctx, roomKey(docID), 2*ttl)
	tx.PExpire(ctx, namesKey(docID), 2*ttl)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	// docs 索引是 cluster 下的另一个 slot，不能放进同一个事务
	return p.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	card := tx.ZCard(ctx, roomKey(docID))
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	if card.Val() == 0 {
		return p.rdb.SRem(ctx, docsKey(), docID).Err()
	}
	return nil
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	sort.Strings(docs)
	return docs, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期成员。约定 score=expireAt（unix 毫秒），expireAt <= now 视为过期
	now := p.now().UnixMilli()
	if _, err := sweep.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员（score > now）
	alive, err := p.rdb.ZRangeByScoreWithScores(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(alive))
	for _, z := range alive {
		id, _ := z.Member.(string)
		ids = append(ids, id)
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(ids))
	for i, id := range ids {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{
			UserID:    id,
			Username:  name,
			ExpiresAt: time.UnixMilli(int64(alive[i].Score)),
		})
	}
	return members, nil
}
