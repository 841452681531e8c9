package ws

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Inbound 是交给 handler 的一条入站消息和它的连接上下文
type Inbound struct {
	SessionID string
	ConnID    string
	UserID    string
	Username  string
	// 当前会话里的参与者数量（本实例 Hub 的视角）
	Participants int
	Message      Message
}

// HandlerResult 告诉连接要做什么：回复发送方、广播给房间、切换房间
type HandlerResult struct {
	Reply        []Message
	Broadcast    []Message
	JoinSession  string
	LeaveSession bool
}

type Handler interface {
	Handle(ctx context.Context, in Inbound) (*HandlerResult, error)
}

// HandlerFunc 让普通函数实现 Handler
type HandlerFunc func(ctx context.Context, in Inbound) (*HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, in Inbound) (*HandlerResult, error) {
	return f(ctx, in)
}

// HandlerError 包装 handler 返回的错误或 panic，只用于日志
type HandlerError struct {
	Type MessageType
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Router 维护 类型 -> handler 的映射，每个类型只有一个 handler
type Router struct {
	mu       sync.RWMutex
	handlers map[MessageType]Handler
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{handlers: make(map[MessageType]Handler), logger: logger}
}

// Register 注册 handler，同一类型重复注册会覆盖
func (r *Router) Register(typ MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

func (r *Router) handler(typ MessageType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[typ]
}

// Route 调用对应的 handler。handler 出错或 panic 时记日志并返回 nil，不向外传播。
func (r *Router) Route(ctx context.Context, in Inbound) (res *HandlerResult) {
	h := r.handler(in.Message.Type)
	if h == nil {
		r.logger.Warn("no handler registered",
			zap.String("type", string(in.Message.Type)),
			zap.String("session", in.SessionID))
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			herr := &HandlerError{Type: in.Message.Type, Err: fmt.Errorf("panic: %v", p)}
			r.logger.Error("handler panicked",
				zap.Error(herr),
				zap.String("session", in.SessionID),
				zap.String("conn", in.ConnID),
				zap.Stack("stack"))
			res = nil
		}
	}()

	out, err := h.Handle(ctx, in)
	if err != nil {
		herr := &HandlerError{Type: in.Message.Type, Err: err}
		r.logger.Error("handler failed",
			zap.Error(herr),
			zap.String("session", in.SessionID),
			zap.String("conn", in.ConnID))
		return nil
	}
	return out
}
