package memory

import (
	"sync"
)

// ExecutionHistory 是按时间追加的工具执行日志。
// 记录一经写入即视为不可变，超过上限时丢弃最旧的记录。
type ExecutionHistory struct {
	mu       sync.RWMutex
	capacity int
	records  []*ToolExecutionRecord
	byTool   map[string][]*ToolExecutionRecord
}

// NewExecutionHistory 创建执行历史。上限通常取实体容量的两倍。
func NewExecutionHistory(capacity int) *ExecutionHistory {
	if capacity <= 0 {
		capacity = defaultMaxEntities * 2
	}
	return &ExecutionHistory{
		capacity: capacity,
		byTool:   make(map[string][]*ToolExecutionRecord),
	}
}

// Append 追加一条记录。超出容量时最旧的记录被移除。
func (h *ExecutionHistory) Append(record *ToolExecutionRecord) {
	if record == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	clone := record.clone()
	h.records = append(h.records, clone)
	h.byTool[clone.ToolName] = append(h.byTool[clone.ToolName], clone)

	for len(h.records) > h.capacity {
		oldest := h.records[0]
		h.records = h.records[1:]
		byTool := h.byTool[oldest.ToolName]
		for i, candidate := range byTool {
			if candidate == oldest {
				h.byTool[oldest.ToolName] = append(byTool[:i], byTool[i+1:]...)
				break
			}
		}
	}
}

// Recent 返回最近的记录，从新到旧排列。
// toolName 为空表示不过滤工具，successOnly 为真时只返回成功记录。
func (h *ExecutionHistory) Recent(limit int, toolName string, successOnly bool) []*ToolExecutionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	source := h.records
	if toolName != "" {
		source = h.byTool[toolName]
	}

	results := make([]*ToolExecutionRecord, 0, limit)
	for i := len(source) - 1; i >= 0; i-- {
		if successOnly && !source[i].Success {
			continue
		}
		results = append(results, source[i].clone())
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// CountSimilar 统计同一工具下参数实质相同的执行次数。
// 比较使用归一化 JSON，溯源键不参与。
func (h *ExecutionHistory) CountSimilar(toolName string, params map[string]any) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	want := canonicalParams(params)
	count := 0
	for _, record := range h.byTool[toolName] {
		if canonicalParams(record.Parameters) == want {
			count++
		}
	}
	return count
}

// SuccessCount 返回成功执行的总次数。
func (h *ExecutionHistory) SuccessCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, record := range h.records {
		if record.Success {
			count++
		}
	}
	return count
}

// CreationRecord 返回产出指定实体的那条执行记录。
func (h *ExecutionHistory) CreationRecord(entityID string) (*ToolExecutionRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := len(h.records) - 1; i >= 0; i-- {
		for _, id := range h.records[i].ExtractedEntityIDs {
			if id == entityID {
				return h.records[i].clone(), true
			}
		}
	}
	return nil, false
}

// Len 返回记录数量。
func (h *ExecutionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// All 返回全部记录的拷贝，从旧到新排列，用于快照。
func (h *ExecutionHistory) All() []*ToolExecutionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make([]*ToolExecutionRecord, 0, len(h.records))
	for _, record := range h.records {
		results = append(results, record.clone())
	}
	return results
}

// restore 直接追加一条记录，仅用于快照恢复。
func (h *ExecutionHistory) restore(record *ToolExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clone := record.clone()
	h.records = append(h.records, clone)
	h.byTool[clone.ToolName] = append(h.byTool[clone.ToolName], clone)
}
