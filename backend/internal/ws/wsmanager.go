package ws

import (
	"net/http"
	"net/url"
	"strings"

	"termcollab/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var localHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// 允许本地开发环境（任意端口）和配置里列出的来源（scheme://host[:port] 精确匹配）
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/"); o != "" {
			allowed[o] = struct{}{}
		}
	}
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		return originAllowed(r.Header.Get("Origin"), allowed)
	}}
}

func originAllowed(origin string, allowed map[string]struct{}) bool {
	if origin == "" || origin == "null" { // 终端客户端一般不带 Origin
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if _, ok := localHosts[strings.ToLower(u.Hostname())]; ok {
		return true
	}
	_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

type Manager struct {
	hub      *Hub
	router   *Router
	hooks    ParticipantHooks
	sem      *collab.SemaphoreControl
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewManager(hub *Hub, router *Router, hooks ParticipantHooks, sem *collab.SemaphoreControl, allowedOrigins []string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		hub:      hub,
		router:   router,
		hooks:    hooks,
		sem:      sem,
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger,
	}
}

// WebSocketConnect 升级连接并阻塞到连接关闭，userId/username 由鉴权中间件写入
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed",
			zap.Error(err),
			zap.String("origin", c.Request.Header.Get("Origin")))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.router, m.hooks, m.sem, userID, username, m.logger)
	m.logger.Info("participant connected", zap.String("conn", wsConn.ID()), zap.String("user", userID))

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	done := make(chan struct{})
	go func() {
		defer close(done)
		wsConn.writeLoop()
	}()

	// 读循环阻塞至连接关闭，退出时关闭 send 通道
	wsConn.readLoop(c.Request.Context())
	<-done
	m.logger.Info("participant disconnected", zap.String("conn", wsConn.ID()), zap.String("user", userID))
}
