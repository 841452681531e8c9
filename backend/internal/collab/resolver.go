package collab

import "sort"

// 冲突解决：三个互相独立的纯函数，同样的输入永远得到同样的输出。
// 时间戳按字符串比较（ISO-8601），调用方保证所有时间戳使用同一种时区表示。

// MaxMergeDepth 限制 MergeSessionState 的递归深度。
// 超过这个深度的子树不再逐键合并，直接由 update 覆盖。
const MaxMergeDepth = 32

// CursorState 是某个参与者上报的光标。
type CursorState struct {
	Position  any    `json:"position"`
	Timestamp string `json:"timestamp"`
}

// ParticipantCursor 是解决冲突之后的光标，Active 每次解决时重新计算。
type ParticipantCursor struct {
	SenderID  string `json:"sender_id"`
	Position  any    `json:"position"`
	Timestamp string `json:"timestamp"`
	Active    bool   `json:"active"`
}

// ResolveInputConflict 返回时间戳最大的那一个操作（last-write-wins）。
// 时间戳相同时取输入顺序中靠后的那个；空输入返回空结果。
func ResolveInputConflict(ops []Operation) []Operation {
	if len(ops) == 0 {
		return []Operation{}
	}
	winner := 0
	for i := 1; i < len(ops); i++ {
		if ops[i].Timestamp >= ops[winner].Timestamp {
			winner = i
		}
	}
	return []Operation{ops[winner]}
}

// ResolveCursorConflict 选出时间戳最大的参与者，返回完整的光标表，只有被选中的那一项 Active=true。
// 时间戳相同时取 sender_id 字典序最大的，保证结果与 map 遍历顺序无关。
func ResolveCursorConflict(cursors map[string]CursorState) map[string]ParticipantCursor {
	out := make(map[string]ParticipantCursor, len(cursors))
	if len(cursors) == 0 {
		return out
	}

	senders := make([]string, 0, len(cursors))
	for id := range cursors {
		senders = append(senders, id)
	}
	sort.Strings(senders)

	selected := senders[0]
	for _, id := range senders[1:] {
		if cursors[id].Timestamp >= cursors[selected].Timestamp {
			selected = id
		}
	}

	for _, id := range senders {
		c := cursors[id]
		out[id] = ParticipantCursor{
			SenderID:  id,
			Position:  c.Position,
			Timestamp: c.Timestamp,
			Active:    id == selected,
		}
	}
	return out
}

// MergeSessionState 把 updates 从左到右折叠进 base 的副本。
// 两边都是 map 时递归合并，其余情况 update 覆盖（同一标量键上并发的旧值会被丢弃）。
// base 和 updates 都不会被修改。
func MergeSessionState(base map[string]any, updates ...map[string]any) map[string]any {
	acc := cloneMap(base, 0)
	for _, u := range updates {
		mergeInto(acc, u, 0)
	}
	return acc
}

func mergeInto(dst, src map[string]any, depth int) {
	for k, v := range src {
		cur, exists := dst[k]
		if !exists {
			dst[k] = cloneValue(v, depth+1)
			continue
		}
		curMap, curIsMap := cur.(map[string]any)
		srcMap, srcIsMap := v.(map[string]any)
		if curIsMap && srcIsMap && depth < MaxMergeDepth {
			mergeInto(curMap, srcMap, depth+1)
			continue
		}
		dst[k] = cloneValue(v, depth+1)
	}
}

// cloneMap 深拷贝嵌套的 map，防止累加器和调用方共享同一份子树。
func cloneMap(m map[string]any, depth int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v, depth+1)
	}
	return out
}

func cloneValue(v any, depth int) any {
	switch x := v.(type) {
	case map[string]any:
		if depth > MaxMergeDepth {
			return x
		}
		return cloneMap(x, depth)
	case []any:
		out := make([]any, len(x))
		copy(out, x)
		return out
	default:
		return v
	}
}
