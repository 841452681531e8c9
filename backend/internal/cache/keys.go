package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):            会话在线参与者（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID):           会话内 userId→显示名 映射（Hash）
// - cursorKey(sessionID, userID):  参与者最近一次的光标 JSON（String，带 TTL）

// {} 包住 sessionID，让同一会话的键在 Redis Cluster 中落到同一个 slot，Lua 脚本才能同时操作
const (
	keyRoomFmt   = "presence:room:{session:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{session:%s}" // Hash<userId -> name>
	keyCursorFmt = "presence:cursor:{session:%s}:%s"  // String JSON with TTL
	keyRoomScan  = "presence:room:{session:*"
)

func roomKey(sessionID string) string                  { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string                 { return fmt.Sprintf(keyNamesFmt, sessionID) }
func cursorKey(sessionID string, userID string) string { return fmt.Sprintf(keyCursorFmt, sessionID, userID) }
