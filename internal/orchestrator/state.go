package orchestrator

// State 表示编排循环所处的阶段。
type State string

const (
	// StateInit 是一轮请求的起始状态，负责准备工作区与上下文。
	StateInit State = "init"
	// StateThinking 表示正在等待决策引擎给出下一步。
	StateThinking State = "thinking"
	// StateActing 表示正在顺序执行决策指定的工具调用。
	StateActing State = "acting"
	// StateSynthesizing 表示正在把工作区中的研究材料汇总成结论。
	StateSynthesizing State = "synthesizing"
	// StateResponding 表示正在生成给用户的最终应答。
	StateResponding State = "responding"
	// StateDone 表示请求正常完成。
	StateDone State = "done"
	// StateFailed 表示请求以失败告终。
	StateFailed State = "failed"
)

func (s State) String() string { return string(s) }
