package oracle

import "context"

// ToolDescriptor 描述一个可供调度的工具。
type ToolDescriptor struct {
	Name        string
	Description string
}

// ToolCall 是决策中要求执行的一次工具调用。
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// HistoryEntry 描述最近一次工具执行，用于为决策提供上下文。
type HistoryEntry struct {
	ToolName string
	Success  bool
	Summary  string
}

// Request 描述发送给决策引擎的完整任务上下文。
type Request struct {
	UserMessage      string
	Transcript       []TranscriptEntry
	WorkspacePreview string
	MemorySummary    string
	History          []HistoryEntry
	AvailableTools   []ToolDescriptor
	StepsCompleted   int
	StepCeiling      int
	Hint             string
}

// TranscriptEntry 是对话窗口中的一轮发言。
type TranscriptEntry struct {
	Role    string
	Content string
}

// Decision 是决策引擎返回的结构化输出。
// 执行语义由编排器解释：goalAchieved 或 isFinal 进入收尾，
// needsTools 且 toolsToUse 非空才会进入执行阶段。
type Decision struct {
	Reasoning    string     `json:"reasoning"`
	NeedsTools   bool       `json:"needsTools"`
	ToolsToUse   []ToolCall `json:"toolsToUse,omitempty"`
	GoalAchieved bool       `json:"goalAchieved"`
	IsFinal      bool       `json:"isFinal"`
}

// Client 定义了调用决策引擎的统一接口。
type Client interface {
	Decide(ctx context.Context, req Request) (*Decision, error)
	Compose(ctx context.Context, req ComposeRequest) (string, error)
}

// ComposeRequest 描述最终应答或综合阶段的生成请求。
type ComposeRequest struct {
	UserMessage      string
	Transcript       []TranscriptEntry
	WorkspacePreview string
	MemorySummary    string
	Synthesis        bool
	DegradedNotice   string
}
