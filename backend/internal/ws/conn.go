package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"termcollab/backend/internal/collab"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendQueueSize  = 32
	routeTimeout   = 200 * time.Millisecond
	writeTimeout   = 10 * time.Second
	cleanupTimeout = 2 * time.Second
)

// ParticipantHooks 在用户的最后一个连接离开会话时被调用
type ParticipantHooks interface {
	ParticipantLeft(ctx context.Context, sessionID, userID string)
}

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	router   *Router
	hooks    ParticipantHooks
	sem      *collab.SemaphoreControl
	logger   *zap.Logger
	id       string
	userID   string
	username string

	mu        sync.Mutex
	sessionID string
	closed    bool
	// 出站队列，由 writeLoop 单独消费
	send chan Message
}

func NewConn(ws *websocket.Conn, hub *Hub, router *Router, hooks ParticipantHooks, sem *collab.SemaphoreControl, userID, username string, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Conn{
		ws:       ws,
		hub:      hub,
		router:   router,
		hooks:    hooks,
		sem:      sem,
		id:       id,
		userID:   userID,
		username: username,
		send:     make(chan Message, sendQueueSize),
		logger:   logger.With(zap.String("conn", id), zap.String("user", userID)),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) setSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// Enqueue 把消息放进出站队列；队列满或连接已关闭时丢弃并返回 false
func (c *Conn) Enqueue(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Debug("send queue full, dropping", zap.String("type", string(msg.Type)))
		return false
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// handleRaw 解码一条入站消息，路由给 handler 并执行结果
func (c *Conn) handleRaw(ctx context.Context, raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			c.logger.Info("dropping bad message", zap.Error(err))
			c.Enqueue(ErrorMessage(perr.Reason))
		}
		return
	}

	routeCtx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()
	if c.sem != nil {
		if err := c.sem.Acquire(routeCtx); err != nil {
			c.Enqueue(ErrorMessage(err.Error()).WithID(msg.ID))
			return
		}
		defer c.sem.Release()
	}

	sessionID := c.Session()
	res := c.router.Route(routeCtx, Inbound{
		SessionID:    sessionID,
		ConnID:       c.id,
		UserID:       c.userID,
		Username:     c.username,
		Participants: c.hub.ParticipantCount(sessionID),
		Message:      msg,
	})
	c.apply(ctx, res)
}

// apply 顺序：切换房间 -> 广播 -> 回复 -> 离开房间
func (c *Conn) apply(ctx context.Context, res *HandlerResult) {
	if res == nil {
		return
	}
	if res.JoinSession != "" && res.JoinSession != c.Session() {
		// 先离开旧房间
		c.leaveSession(ctx, true)
		c.hub.Join(res.JoinSession, c)
		c.setSession(res.JoinSession)
	}
	if sessionID := c.Session(); sessionID != "" {
		for _, b := range res.Broadcast {
			c.hub.Broadcast(sessionID, b, c)
		}
	}
	for _, r := range res.Reply {
		c.Enqueue(r)
	}
	if res.LeaveSession {
		c.leaveSession(ctx, false)
	}
}

func (c *Conn) leaveSession(ctx context.Context, announce bool) {
	sessionID := c.Session()
	if sessionID == "" {
		return
	}
	if announce {
		c.hub.Broadcast(sessionID, NewMessage(TypeLeave, map[string]any{"session_id": sessionID}, c.userID), c)
	}
	stillPresent := c.hub.Leave(sessionID, c)
	c.setSession("")
	if !stillPresent && c.hooks != nil {
		c.hooks.ParticipantLeft(ctx, sessionID, c.userID)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		c.leaveSession(cleanupCtx, true)
		c.closeSend()
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.String("session", c.Session()), zap.Error(err))
			}
			return
		}
		c.handleRaw(ctx, raw)
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息，直到 readLoop 关闭通道
	for msg := range c.send {
		raw, err := Encode(msg)
		if err != nil {
			c.logger.Error("encode failed", zap.Error(err))
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			c.logger.Debug("write failed", zap.Error(err))
		}
	}
}
