package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"termcollab/backend/internal/cache"
	"termcollab/backend/internal/collab"

	"go.uber.org/zap"
)

// EventSink 接收同步后已解决的操作（生产环境是 Kafka dispatcher）
type EventSink interface {
	Enqueue(ctx context.Context, evt collab.OpResolvedEvent) error
}

var errNotInSession = errors.New("NOT_IN_SESSION")

// SessionHandlers 实现所有内置消息类型的处理，presence 和 events 可以为 nil
type SessionHandlers struct {
	coord       *collab.Coordinator
	presence    cache.PresenceCache
	events      EventSink
	presenceTTL time.Duration
	// 单次入队的最长等待，队列满时不拖住同步
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

type SessionHandlersOptions struct {
	Presence       cache.PresenceCache
	Events         EventSink
	PresenceTTL    time.Duration
	EnqueueTimeout time.Duration
	Logger         *zap.Logger
}

func NewSessionHandlers(coord *collab.Coordinator, opt SessionHandlersOptions) *SessionHandlers {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.PresenceTTL <= 0 {
		opt.PresenceTTL = 600 * time.Second
	}
	if opt.EnqueueTimeout <= 0 {
		opt.EnqueueTimeout = 200 * time.Millisecond
	}
	return &SessionHandlers{
		coord:          coord,
		presence:       opt.Presence,
		events:         opt.Events,
		presenceTTL:    opt.PresenceTTL,
		enqueueTimeout: opt.EnqueueTimeout,
		logger:         opt.Logger,
	}
}

// NewSessionRouter 返回注册好全部内置 handler 的 Router
func NewSessionRouter(h *SessionHandlers, logger *zap.Logger) *Router {
	r := NewRouter(logger)
	r.Register(TypeJoin, HandlerFunc(h.handleJoin))
	r.Register(TypeLeave, HandlerFunc(h.handleLeave))
	r.Register(TypeCursorMove, HandlerFunc(h.handleCursorMove))
	r.Register(TypeInput, HandlerFunc(h.handleInput))
	r.Register(TypeMessage, HandlerFunc(h.handleChat))
	r.Register(TypeSessionUpdate, HandlerFunc(h.handleSessionUpdate))
	r.Register(TypeSyncRequest, HandlerFunc(h.handleSyncRequest))
	r.Register(TypeSyncResponse, HandlerFunc(h.handleSyncResponse))
	r.Register(TypeError, HandlerFunc(h.handleClientError))
	return r
}

// 客户端参数错误直接回一条 error 消息，不算 handler 失败
func replyError(in Inbound, reason string) *HandlerResult {
	return &HandlerResult{Reply: []Message{ErrorMessage(reason).WithID(in.Message.ID)}}
}

func (h *SessionHandlers) handleJoin(ctx context.Context, in Inbound) (*HandlerResult, error) {
	sessionID, _ := in.Message.Data["session_id"].(string)
	if sessionID == "" {
		return replyError(in, collab.ErrMissingSessionID.Error()), nil
	}
	name, _ := in.Message.Data["name"].(string)
	if name == "" {
		name = in.Username
	}
	if name == "" {
		name = in.UserID
	}
	if h.presence != nil {
		if err := h.presence.AddMember(ctx, sessionID, in.UserID, name, h.presenceTTL); err != nil {
			h.logger.Warn("presence add failed", zap.String("session", sessionID), zap.Error(err))
		}
	}

	joined := NewMessage(TypeJoin, map[string]any{
		"session_id": sessionID,
		"name":       name,
	}, in.UserID)
	snapshot := NewMessage(TypeSessionUpdate, map[string]any{
		"session_id": sessionID,
		"state":      h.coord.State(sessionID),
		"cursors":    h.coord.Cursors(sessionID),
	}, "").WithID(in.Message.ID)

	return &HandlerResult{
		JoinSession: sessionID,
		Broadcast:   []Message{joined},
		Reply:       []Message{snapshot},
	}, nil
}

func (h *SessionHandlers) handleLeave(_ context.Context, in Inbound) (*HandlerResult, error) {
	if in.SessionID == "" {
		return replyError(in, errNotInSession.Error()), nil
	}
	left := NewMessage(TypeLeave, map[string]any{"session_id": in.SessionID}, in.UserID)
	return &HandlerResult{Broadcast: []Message{left}, LeaveSession: true}, nil
}

// ParticipantLeft 在用户最后一个连接离开会话时调用，清理光标、确认记录和在线状态
func (h *SessionHandlers) ParticipantLeft(ctx context.Context, sessionID, userID string) {
	h.coord.RemoveParticipant(sessionID, userID)
	if h.presence == nil {
		return
	}
	if err := h.presence.RemoveMember(ctx, sessionID, userID); err != nil {
		h.logger.Warn("presence remove failed", zap.String("session", sessionID), zap.Error(err))
	}
}

func (h *SessionHandlers) handleCursorMove(ctx context.Context, in Inbound) (*HandlerResult, error) {
	if in.SessionID == "" {
		return replyError(in, errNotInSession.Error()), nil
	}
	position, ok := in.Message.Data["position"]
	if !ok {
		return replyError(in, "MISSING_POSITION"), nil
	}
	cursor := collab.CursorState{Position: position, Timestamp: in.Message.Timestamp}
	resolved := h.coord.UpdateCursor(in.SessionID, in.UserID, cursor)

	if h.presence != nil {
		if raw, err := json.Marshal(cursor); err == nil {
			if err := h.presence.SetCursor(ctx, in.SessionID, in.UserID, raw, h.presenceTTL); err != nil {
				h.logger.Warn("presence cursor failed", zap.String("session", in.SessionID), zap.Error(err))
			}
		}
	}

	out := NewMessage(TypeCursorMove, map[string]any{
		"session_id": in.SessionID,
		"cursors":    resolved,
	}, in.UserID)
	return &HandlerResult{Broadcast: []Message{out}, Reply: []Message{out}}, nil
}

// input 的 id 是发送方给的幂等键；数字 id 也接受
func operationID(data map[string]any) string {
	return idString(data["id"])
}

// idString 把字符串或数字形式的操作 id 统一成字符串，确认时用同一规则
func idString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (h *SessionHandlers) handleInput(_ context.Context, in Inbound) (*HandlerResult, error) {
	if in.SessionID == "" {
		return replyError(in, errNotInSession.Error()), nil
	}
	op := collab.Operation{
		ID:        operationID(in.Message.Data),
		Type:      collab.OpTypeInput,
		Payload:   collab.MergeSessionState(in.Message.Data),
		Timestamp: in.Message.Timestamp,
		SenderID:  in.UserID,
	}
	if err := h.coord.AddOperation(in.SessionID, op); err != nil {
		return replyError(in, err.Error()), nil
	}
	// 发送方自己已经持有这个操作
	h.coord.AcknowledgeOperation(in.SessionID, op.ID, in.UserID)
	return nil, nil
}

func (h *SessionHandlers) handleChat(_ context.Context, in Inbound) (*HandlerResult, error) {
	if in.SessionID == "" {
		return replyError(in, errNotInSession.Error()), nil
	}
	// 发送方以连接身份为准
	out := in.Message
	out.UserID = &in.UserID
	out.ID = nil
	return &HandlerResult{Broadcast: []Message{out}}, nil
}

func (h *SessionHandlers) handleSessionUpdate(_ context.Context, in Inbound) (*HandlerResult, error) {
	if in.SessionID == "" {
		return replyError(in, errNotInSession.Error()), nil
	}
	update, ok := in.Message.Data["state"].(map[string]any)
	if !ok {
		return replyError(in, "MISSING_STATE"), nil
	}
	merged := h.coord.MergeState(in.SessionID, update)
	out := NewMessage(TypeSessionUpdate, map[string]any{
		"session_id": in.SessionID,
		"state":      merged,
	}, in.UserID)
	return &HandlerResult{Broadcast: []Message{out}, Reply: []Message{out.WithID(in.Message.ID)}}, nil
}

func (h *SessionHandlers) handleSyncRequest(ctx context.Context, in Inbound) (*HandlerResult, error) {
	if in.SessionID == "" {
		return replyError(in, errNotInSession.Error()), nil
	}
	resolved := h.SyncRoom(ctx, in.SessionID, in.Participants)

	out := SyncResponse(in.SessionID, resolved)
	return &HandlerResult{Broadcast: []Message{out}, Reply: []Message{out.WithID(in.Message.ID)}}, nil
}

// SyncRoom 同步一个会话并把解决后的操作交给 EventSink
func (h *SessionHandlers) SyncRoom(ctx context.Context, sessionID string, participants int) []collab.Operation {
	resolved := h.coord.SyncSession(sessionID, participants)
	h.publish(ctx, sessionID, resolved)
	return resolved
}

// SyncResponse 构造推送给参与者的同步结果
func SyncResponse(sessionID string, ops []collab.Operation) Message {
	return NewMessage(TypeSyncResponse, map[string]any{
		"session_id": sessionID,
		"operations": ops,
	}, "")
}

func (h *SessionHandlers) publish(ctx context.Context, sessionID string, ops []collab.Operation) {
	if h.events == nil || len(ops) == 0 {
		return
	}
	now := time.Now()
	for _, op := range ops {
		if err := h.enqueue(ctx, collab.NewOpResolvedEvent(sessionID, op, now)); err != nil {
			h.logger.Warn("enqueue resolved op failed",
				zap.String("session", sessionID),
				zap.String("op", op.ID),
				zap.Error(err))
		}
	}
}

func (h *SessionHandlers) enqueue(ctx context.Context, evt collab.OpResolvedEvent) error {
	ctx, cancel := context.WithTimeout(ctx, h.enqueueTimeout)
	defer cancel()
	return h.events.Enqueue(ctx, evt)
}

// 客户端回 sync_response 表示确认 data.operation_ids 里的操作
func (h *SessionHandlers) handleSyncResponse(_ context.Context, in Inbound) (*HandlerResult, error) {
	if in.SessionID == "" {
		return replyError(in, errNotInSession.Error()), nil
	}
	ids, ok := in.Message.Data["operation_ids"].([]any)
	if !ok {
		return nil, fmt.Errorf("operation_ids: expected list, got %T", in.Message.Data["operation_ids"])
	}
	for _, raw := range ids {
		id := idString(raw)
		if id == "" {
			continue
		}
		h.coord.AcknowledgeOperation(in.SessionID, id, in.UserID)
	}
	return nil, nil
}

func (h *SessionHandlers) handleClientError(_ context.Context, in Inbound) (*HandlerResult, error) {
	h.logger.Warn("client reported error",
		zap.String("session", in.SessionID),
		zap.String("user", in.UserID),
		zap.Any("data", in.Message.Data))
	return nil, nil
}
