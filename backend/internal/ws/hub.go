package ws

import (
	"sort"
	"sync"
)

type Hub struct {
	// 读写锁保护 rooms，加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// sessionID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定会话房间
func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		// 房间里存连接而不是 userID：一个用户可以从多个终端/标签页接入，广播要逐连接发
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

// Leave 将连接从房间移除，返回该用户在房间里是否还有别的连接
func (h *Hub) Leave(sessionID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[sessionID]
	if !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, sessionID)
		return false
	}
	for other := range conns {
		if other.userID == c.userID {
			return true
		}
	}
	return false
}

// ParticipantCount 返回房间里不同用户的数量，同一用户的多个连接只算一个参与者
func (h *Hub) ParticipantCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make(map[string]struct{}, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		users[c.userID] = struct{}{}
	}
	return len(users)
}

// Sessions 返回当前有连接的会话
func (h *Hub) Sessions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast 把消息发给房间里除 except 之外的所有连接，except 可以为 nil
func (h *Hub) Broadcast(sessionID string, msg Message, except *Conn) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.Enqueue(msg) {
			sent++
		}
	}
	return sent
}
