package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionSyncer 定期对每个有连接的会话执行一次同步，并把结果推给房间里的所有连接
type SessionSyncer struct {
	hub      *Hub
	handlers *SessionHandlers
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func NewSessionSyncer(hub *Hub, handlers *SessionHandlers, interval time.Duration, logger *zap.Logger) *SessionSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &SessionSyncer{hub: hub, handlers: handlers, interval: interval, logger: logger}
}

// Start 启动后台循环，重复调用无效
func (s *SessionSyncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stop, s.done)
}

// Stop 通知循环退出并等待它结束
func (s *SessionSyncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *SessionSyncer) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce 同步所有房间，返回推送了结果的会话数
func (s *SessionSyncer) SyncOnce(ctx context.Context) int {
	pushed := 0
	for _, sessionID := range s.hub.Sessions() {
		ops := s.handlers.SyncRoom(ctx, sessionID, s.hub.ParticipantCount(sessionID))
		if len(ops) == 0 {
			continue
		}
		s.hub.Broadcast(sessionID, SyncResponse(sessionID, ops), nil)
		pushed++
		s.logger.Debug("session synced", zap.String("session", sessionID), zap.Int("ops", len(ops)))
	}
	return pushed
}
