package collab

import (
	"errors"
	"sort"
	"sync"
)

// 操作类型：只有 input 定义了冲突语义，其余类型原样透传
const (
	OpTypeInput  = "input"
	OpTypeCursor = "cursor"
)

var (
	ErrMissingSessionID   = errors.New("MISSING_SESSION_ID")
	ErrMissingOperationID = errors.New("MISSING_OPERATION_ID")
)

// Operation 是一次对共享会话状态的修改提议。
// ID 由发送方给出（幂等键），引擎不生成；进入队列后不会被原地修改。
type Operation struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
	SenderID  string         `json:"sender_id"`
}

// 单个会话的全部可变状态，由自己的锁保护
type sessionState struct {
	mu sync.Mutex
	// 待同步队列，按到达顺序
	pending []Operation
	// AckSet：operationID -> 已确认的参与者集合
	acks map[string]map[string]struct{}
	// 每个参与者最近一次上报的光标
	cursors map[string]CursorState
	// 合并后的会话状态
	state map[string]any
}

// Coordinator 持有所有会话的待同步队列和确认记录。
// 参与者数量由调用方传入（Router 对当前连接的视角），Coordinator 自己不知道谁在线。
type Coordinator struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

func NewCoordinator() *Coordinator {
	return &Coordinator{sessions: make(map[string]*sessionState)}
}

// 获取或创建指定会话的状态
func (c *Coordinator) getOrCreateSession(sessionID string) *sessionState {
	c.mu.RLock()
	ss := c.sessions[sessionID]
	c.mu.RUnlock()
	if ss != nil {
		return ss
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ss = c.sessions[sessionID]; ss == nil {
		ss = &sessionState{
			acks:    make(map[string]map[string]struct{}),
			cursors: make(map[string]CursorState),
			state:   make(map[string]any),
		}
		c.sessions[sessionID] = ss
	}
	return ss
}

func (c *Coordinator) lookup(sessionID string) *sessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[sessionID]
}

// AddOperation 把操作追加到会话的待同步队列。插入时不按 ID 去重，重复 ID 留给同步阶段处理。
func (c *Coordinator) AddOperation(sessionID string, op Operation) error {
	if sessionID == "" {
		return ErrMissingSessionID
	}
	if op.ID == "" {
		return ErrMissingOperationID
	}
	ss := c.getOrCreateSession(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.pending = append(ss.pending, op)
	return nil
}

// AcknowledgeOperation 记录参与者对某个操作的确认，重复确认没有额外效果。
func (c *Coordinator) AcknowledgeOperation(sessionID, operationID, participantID string) {
	ss := c.getOrCreateSession(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	set := ss.acks[operationID]
	if set == nil {
		set = make(map[string]struct{})
		ss.acks[operationID] = set
	}
	set[participantID] = struct{}{}
}

// IsOperationSynced 当确认人数 >= participantCount 时返回 true。
func (c *Coordinator) IsOperationSynced(sessionID, operationID string, participantCount int) bool {
	ss := c.lookup(sessionID)
	if ss == nil {
		return 0 >= participantCount
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.isSynced(operationID, participantCount)
}

// 调用方必须持有 ss.mu
func (ss *sessionState) isSynced(operationID string, participantCount int) bool {
	return len(ss.acks[operationID]) >= participantCount
}

// SyncSession 按类型分组解决冲突并裁剪队列：
//   - input 组只保留时间戳最大的那个操作
//   - 其他类型原样透传
//   - 已达到法定确认数的操作全部从队列移除（包括冲突中落败的操作，落败者不会被广播）
//
// 返回需要广播给所有参与者的操作，组的顺序按各类型在队列中首次出现的顺序。
// 没有达到确认数的操作会一直留在队列里。
func (c *Coordinator) SyncSession(sessionID string, participantCount int) []Operation {
	ss := c.lookup(sessionID)
	if ss == nil {
		return []Operation{}
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var order []string
	groups := make(map[string][]Operation)
	for _, op := range ss.pending {
		if _, seen := groups[op.Type]; !seen {
			order = append(order, op.Type)
		}
		groups[op.Type] = append(groups[op.Type], op)
	}

	resolved := make([]Operation, 0, len(ss.pending))
	for _, typ := range order {
		if typ == OpTypeInput {
			resolved = append(resolved, ResolveInputConflict(groups[typ])...)
			continue
		}
		resolved = append(resolved, groups[typ]...)
	}

	// 裁剪：只保留还没达到确认数的操作
	kept := ss.pending[:0:0]
	pruned := make(map[string]struct{})
	for _, op := range ss.pending {
		if ss.isSynced(op.ID, participantCount) {
			pruned[op.ID] = struct{}{}
			continue
		}
		kept = append(kept, op)
	}
	ss.pending = kept
	for id := range pruned {
		delete(ss.acks, id)
	}

	return resolved
}

// PendingOperations 返回待同步队列的快照。
func (c *Coordinator) PendingOperations(sessionID string) []Operation {
	ss := c.lookup(sessionID)
	if ss == nil {
		return nil
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]Operation, len(ss.pending))
	copy(out, ss.pending)
	return out
}

// Sessions 返回当前已知的会话 ID，按字典序排列。
func (c *Coordinator) Sessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateCursor 记录参与者的光标并返回解决冲突后的完整光标表。
func (c *Coordinator) UpdateCursor(sessionID, senderID string, cursor CursorState) map[string]ParticipantCursor {
	ss := c.getOrCreateSession(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.cursors[senderID] = cursor
	return ResolveCursorConflict(ss.cursors)
}

// Cursors 返回解决冲突后的光标表。
func (c *Coordinator) Cursors(sessionID string) map[string]ParticipantCursor {
	ss := c.lookup(sessionID)
	if ss == nil {
		return map[string]ParticipantCursor{}
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ResolveCursorConflict(ss.cursors)
}

// RemoveParticipant 清掉离开的参与者的光标和确认记录。
// AckSet 只能引用仍然计入 participantCount 的参与者。
func (c *Coordinator) RemoveParticipant(sessionID, participantID string) {
	ss := c.lookup(sessionID)
	if ss == nil {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.cursors, participantID)
	for id, set := range ss.acks {
		delete(set, participantID)
		if len(set) == 0 {
			delete(ss.acks, id)
		}
	}
}

// MergeState 把部分状态合并进会话状态，返回合并后的快照。
func (c *Coordinator) MergeState(sessionID string, update map[string]any) map[string]any {
	ss := c.getOrCreateSession(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.state = MergeSessionState(ss.state, update)
	return MergeSessionState(ss.state)
}

// State 返回会话状态的深拷贝。
func (c *Coordinator) State(sessionID string) map[string]any {
	ss := c.lookup(sessionID)
	if ss == nil {
		return map[string]any{}
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return MergeSessionState(ss.state)
}
