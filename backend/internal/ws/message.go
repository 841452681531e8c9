package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType 是封闭的消息类型枚举，解码时不在枚举里的类型直接拒绝
type MessageType string

const (
	TypeJoin          MessageType = "join"
	TypeLeave         MessageType = "leave"
	TypeCursorMove    MessageType = "cursor_move"
	TypeInput         MessageType = "input"
	TypeMessage       MessageType = "message"
	TypeSessionUpdate MessageType = "session_update"
	TypeSyncRequest   MessageType = "sync_request"
	TypeSyncResponse  MessageType = "sync_response"
	TypeError         MessageType = "error"

	// 旧客户端发的聊天类型，解码后统一成 message
	typeChatAlias MessageType = "chat"
)

var knownTypes = map[MessageType]struct{}{
	TypeJoin:          {},
	TypeLeave:         {},
	TypeCursorMove:    {},
	TypeInput:         {},
	TypeMessage:       {},
	TypeSessionUpdate: {},
	TypeSyncRequest:   {},
	TypeSyncResponse:  {},
	TypeError:         {},
}

// Valid 判断类型是否属于枚举（不含别名）
func (t MessageType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Message 是线上传输的一条协作消息。构造后不应再修改。
// ID 只在需要对应回复的请求/响应上出现。
type Message struct {
	Type      MessageType    `json:"type"`
	Data      map[string]any `json:"data"`
	UserID    *string        `json:"user_id"`
	Timestamp string         `json:"timestamp"`
	ID        *int64         `json:"id,omitempty"`
}

// ProtocolError 表示消息无法解码或编码，由连接层决定关闭还是忽略
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimestampLayout 固定九位小数，服务端生成的时间戳按字符串比较即按时间排序
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTimestamp 按 TimestampLayout 输出 UTC 时间
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func nowTimestamp() string {
	return FormatTimestamp(time.Now())
}

// NewMessage 构造一条带当前时间戳的消息，userID 为空表示服务端发出
func NewMessage(typ MessageType, data map[string]any, userID string) Message {
	if data == nil {
		data = map[string]any{}
	}
	m := Message{Type: typ, Data: data, Timestamp: nowTimestamp()}
	if userID != "" {
		m.UserID = &userID
	}
	return m
}

// Sender 返回发送方 ID，没有时为空串
func (m Message) Sender() string {
	if m.UserID == nil {
		return ""
	}
	return *m.UserID
}

// WithID 返回带关联 id 的副本
func (m Message) WithID(id *int64) Message {
	if id != nil {
		v := *id
		m.ID = &v
	}
	return m
}

// 线上格式，type 用指针区分“缺失”和“空串”
type wireMessage struct {
	Type      *string        `json:"type"`
	Data      map[string]any `json:"data"`
	UserID    *string        `json:"user_id"`
	Timestamp string         `json:"timestamp"`
	ID        *int64         `json:"id,omitempty"`
}

// Decode 解析原始字节。type 缺失或不在枚举里返回 *ProtocolError；
// timestamp 缺失时取解码时间，data 缺失时为空 map。
func Decode(raw []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, &ProtocolError{Reason: "malformed message", Err: err}
	}
	if w.Type == nil || *w.Type == "" {
		return Message{}, &ProtocolError{Reason: "missing type"}
	}
	typ := MessageType(*w.Type)
	if typ == typeChatAlias {
		typ = TypeMessage
	}
	if !typ.Valid() {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("unknown type %q", *w.Type)}
	}
	m := Message{
		Type:      typ,
		Data:      w.Data,
		UserID:    w.UserID,
		Timestamp: w.Timestamp,
		ID:        w.ID,
	}
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	if m.Timestamp == "" {
		m.Timestamp = nowTimestamp()
	}
	return m, nil
}

// Encode 是 Decode 的逆操作
func Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown type %q", m.Type)}
	}
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, &ProtocolError{Reason: "encode failed", Err: err}
	}
	return b, nil
}

// ErrorMessage 构造发回给客户端的 error 消息
func ErrorMessage(reason string) Message {
	return NewMessage(TypeError, map[string]any{"error": reason}, "")
}
