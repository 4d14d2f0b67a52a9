package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultEntityTTL          = 60 * time.Minute
	defaultConversationWindow = 10
)

// Option 配置 Memory 的可选参数。
type Option func(*options)

type options struct {
	maxEntities        int
	entityTTL          time.Duration
	conversationWindow int
}

// WithMaxEntities 设置实体容量上限。执行历史上限随之取两倍。
func WithMaxEntities(max int) Option {
	return func(o *options) {
		if max > 0 {
			o.maxEntities = max
		}
	}
}

// WithEntityTTL 设置实体的空闲过期时间。
func WithEntityTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.entityTTL = ttl
		}
	}
}

// WithConversationWindow 设置对话窗口保留的轮数。
func WithConversationWindow(window int) Option {
	return func(o *options) {
		if window > 0 {
			o.conversationWindow = window
		}
	}
}

// ConversationTurn 是对话窗口中的一轮发言。
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionInput 描述一次待记录的工具执行。
type ExecutionInput struct {
	ToolName     string
	UserRequest  string
	Parameters   map[string]any
	Result       map[string]any
	Success      bool
	ErrorMessage string
	Duration     time.Duration
}

// Memory 聚合单个会话的全部工作记忆：实体、执行历史与对话窗口。
type Memory struct {
	sessionID  string
	entities   *EntityStore
	history    *ExecutionHistory
	extractors *ExtractorRegistry
	entityTTL  time.Duration

	mu         sync.RWMutex
	transcript []ConversationTurn
	window     int
}

// NewMemory 为指定会话创建工作记忆。
func NewMemory(sessionID string, opts ...Option) *Memory {
	o := options{
		maxEntities:        defaultMaxEntities,
		entityTTL:          defaultEntityTTL,
		conversationWindow: defaultConversationWindow,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{
		sessionID:  sessionID,
		entities:   NewEntityStore(o.maxEntities),
		history:    NewExecutionHistory(o.maxEntities * 2),
		extractors: NewExtractorRegistry(),
		entityTTL:  o.entityTTL,
		window:     o.conversationWindow,
	}
}

// SessionID 返回所属会话 ID。
func (m *Memory) SessionID() string { return m.sessionID }

// Entities 返回实体存储。
func (m *Memory) Entities() *EntityStore { return m.entities }

// History 返回执行历史。
func (m *Memory) History() *ExecutionHistory { return m.history }

// RecordExecution 记录一次工具执行：写入历史，提取实体并入库。
// 返回生成的执行记录。
func (m *Memory) RecordExecution(input ExecutionInput) *ToolExecutionRecord {
	now := time.Now().UTC()
	record := &ToolExecutionRecord{
		ID:             uuid.NewString(),
		ToolName:       input.ToolName,
		UserRequest:    input.UserRequest,
		Parameters:     clonePayload(input.Parameters),
		RawResult:      clonePayload(input.Result),
		Success:        input.Success,
		ErrorMessage:   input.ErrorMessage,
		DurationMs:     float64(input.Duration) / float64(time.Millisecond),
		Timestamp:      now,
		InferredIntent: inferIntent(input.UserRequest),
	}

	if input.Success {
		entities := m.extractors.Extract(input.ToolName, input.Result, now)
		for _, entity := range entities {
			if err := m.entities.Put(entity); err != nil {
				continue
			}
			record.ExtractedEntityIDs = append(record.ExtractedEntityIDs, entity.ID)
		}
	}

	m.history.Append(record)
	return record
}

// AppendTurn 把一轮发言加入对话窗口，超出窗口的旧轮次被丢弃。
func (m *Memory) AppendTurn(role, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcript = append(m.transcript, ConversationTurn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if over := len(m.transcript) - m.window; over > 0 {
		m.transcript = m.transcript[over:]
	}
}

// Transcript 返回对话窗口的拷贝，从旧到新排列。
func (m *Memory) Transcript() []ConversationTurn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConversationTurn(nil), m.transcript...)
}

// ExpireEntities 清理空闲超时的实体。
func (m *Memory) ExpireEntities(now time.Time) int {
	return m.entities.Expire(now, m.entityTTL)
}

// ContextSummary 把当前记忆压缩成用于推理的文本摘要。
func (m *Memory) ContextSummary(recentLimit int) string {
	var b strings.Builder

	recent := m.entities.Recent("", recentLimit)
	if len(recent) > 0 {
		b.WriteString("Known entities:\n")
		for _, entity := range recent {
			fmt.Fprintf(&b, "- [%s] %s (accessed %d times)\n", entity.Type, entity.DisplayName, entity.AccessCount)
		}
	}

	executions := m.history.Recent(recentLimit, "", false)
	if len(executions) > 0 {
		b.WriteString("Recent tool executions:\n")
		for _, record := range executions {
			b.WriteString("- " + record.Summary() + "\n")
		}
	}
	return b.String()
}

// inferIntent 从用户请求中粗略归类意图，仅用于记录。
func inferIntent(request string) string {
	lower := strings.ToLower(request)
	switch {
	case containsAny(lower, "delete", "remove", "cancel"):
		return "delete"
	case containsAny(lower, "update", "change", "edit", "modify", "reschedule", "move"):
		return "update"
	case containsAny(lower, "create", "add", "schedule", "new", "send"):
		return "create"
	case containsAny(lower, "find", "search", "look", "show", "list", "what", "when"):
		return "query"
	default:
		return ""
	}
}

func containsAny(s string, words ...string) bool {
	for _, word := range words {
		if strings.Contains(s, word) {
			return true
		}
	}
	return false
}
