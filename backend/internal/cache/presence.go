package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 记录每个会话里在线的参与者和他们最近的光标。
// 这是跨实例共享的在线视图；同步时用到的参与者数量来自本实例 Hub 的连接视图。
type PresenceCache interface {
	AddMember(ctx context.Context, sessionID string, userID string, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID string, userID string) error
	GetSessions(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, sessionID string, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, sessionID string, userID string) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache（单机、哨兵、集群都用 UniversalClient）
type redisPresence struct {
	rdb redis.UniversalClient
}

type PresenceMember struct {
	UserID string
	Name   string
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员
// KEYS[1] = roomKey(sessionID)
// KEYS[2] = namesKey(sessionID)
// ARGV[1] = now (unix seconds)
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, sessionID string, userID string, name string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(sessionID), userID, name)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID string, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), userID)
	tx.HDel(ctx, namesKey(sessionID), userID)
	tx.Del(ctx, cursorKey(sessionID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetSessions(ctx context.Context) ([]string, error) {
	var (
		mu       sync.Mutex
		sessions []string
	)
	scan := func(ctx context.Context, client *redis.Client) error {
		iter := client.Scan(ctx, 0, keyRoomScan, 0).Iterator()
		for iter.Next(ctx) {
			k := iter.Val()
			id := strings.TrimSuffix(strings.TrimPrefix(k, "presence:room:{session:"), "}")
			if id == "" || id == k {
				continue
			}
			mu.Lock()
			sessions = append(sessions, id)
			mu.Unlock()
		}
		return iter.Err()
	}

	switch c := p.rdb.(type) {
	case *redis.ClusterClient:
		// 集群模式下 SCAN 只扫一个节点，需要逐个 master 扫
		if err := c.ForEachMaster(ctx, scan); err != nil {
			return nil, err
		}
	case *redis.Client:
		if err := scan(ctx, c); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported redis client for session scan")
	}
	return sessions, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID string, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, sessionID string, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(sessionID, userID)).Bytes()
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	_, err := expireScript.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDs[i], Name: name})
	}
	return members, nil
}
