package collab

import "time"

const EventTypeOpResolved = "OP_RESOLVED"

// OpResolvedEvent 是同步完成后写入 Kafka 的事件，一个已解决的操作对应一条
type OpResolvedEvent struct {
	EventType   string         `json:"eventType"` // 固定 "OP_RESOLVED"
	SessionID   string         `json:"sessionId"`
	OperationID string         `json:"operationId"`
	OpType      string         `json:"opType"`
	SenderID    string         `json:"senderId"`
	Timestamp   string         `json:"timestamp"` // 操作自带的时间戳，不是解决时间
	Payload     map[string]any `json:"payload"`
	ResolvedAt  time.Time      `json:"resolvedAt"`
}

func NewOpResolvedEvent(sessionID string, op Operation, resolvedAt time.Time) OpResolvedEvent {
	return OpResolvedEvent{
		EventType:   EventTypeOpResolved,
		SessionID:   sessionID,
		OperationID: op.ID,
		OpType:      op.Type,
		SenderID:    op.SenderID,
		Timestamp:   op.Timestamp,
		Payload:     op.Payload,
		ResolvedAt:  resolvedAt,
	}
}
