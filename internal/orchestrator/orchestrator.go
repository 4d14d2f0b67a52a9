package orchestrator

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenPA-Agent/internal/errors"
	"OpenPA-Agent/internal/memory"
	"OpenPA-Agent/internal/oracle"
	"OpenPA-Agent/internal/resolver"
	"OpenPA-Agent/internal/tool"
	"OpenPA-Agent/pkg/logger"
)

// Budgets 给出各复杂度等级的步数上限。Hard 同时是全局硬上限。
type Budgets struct {
	Simple  int
	Focused int
	Complex int
	Hard    int
}

// DefaultBudgets 是默认的步数预算。
var DefaultBudgets = Budgets{Simple: 2, Focused: 5, Complex: 8, Hard: 20}

const (
	defaultRepetitionThreshold = 3
	defaultMinContentChars     = 80
	defaultPreviewChars        = 500
	defaultRecentLimit         = 5
	noteDataChars              = 400
	oracleRetryBackoff         = 250 * time.Millisecond
)

// Orchestrator 驱动单个会话的推理-执行循环。
// 实例与会话一一对应，同一实例不支持并发 Run。
type Orchestrator struct {
	oracleClient oracle.Client
	registry     *tool.Registry
	fs           *tool.VirtualFS
	memory       *memory.Memory
	resolver     *resolver.Resolver
	log          *slog.Logger

	budgets             Budgets
	repetitionThreshold int
	minContentChars     int
	previewChars        int
	runTimeout          time.Duration
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithBudgets 设置步数预算。
func WithBudgets(budgets Budgets) Option {
	return func(o *Orchestrator) {
		if budgets.Simple > 0 {
			o.budgets.Simple = budgets.Simple
		}
		if budgets.Focused > 0 {
			o.budgets.Focused = budgets.Focused
		}
		if budgets.Complex > 0 {
			o.budgets.Complex = budgets.Complex
		}
		if budgets.Hard > 0 {
			o.budgets.Hard = budgets.Hard
		}
	}
}

// WithRepetitionThreshold 设置触发重复保护的执行次数。
func WithRepetitionThreshold(threshold int) Option {
	return func(o *Orchestrator) {
		if threshold > 0 {
			o.repetitionThreshold = threshold
		}
	}
}

// WithMinContentChars 设置质量门槛要求的最小工作区内容长度。
func WithMinContentChars(min int) Option {
	return func(o *Orchestrator) {
		if min > 0 {
			o.minContentChars = min
		}
	}
}

// WithPreviewChars 设置提供给决策引擎的工作区预览长度。
func WithPreviewChars(chars int) Option {
	return func(o *Orchestrator) {
		if chars > 0 {
			o.previewChars = chars
		}
	}
}

// WithRunTimeout 设置单轮请求的总超时时间。
func WithRunTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.runTimeout = timeout
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// New 创建一个编排器。
func New(oracleClient oracle.Client, registry *tool.Registry, fs *tool.VirtualFS, mem *memory.Memory, opts ...Option) (*Orchestrator, error) {
	if oracleClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置决策引擎客户端")
	}
	if registry == nil || fs == nil || mem == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器依赖不完整")
	}

	o := &Orchestrator{
		oracleClient:        oracleClient,
		registry:            registry,
		fs:                  fs,
		memory:              mem,
		resolver:            resolver.New(mem.Entities()),
		log:                 logger.L(),
		budgets:             DefaultBudgets,
		repetitionThreshold: defaultRepetitionThreshold,
		minContentChars:     defaultMinContentChars,
		previewChars:        defaultPreviewChars,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// RunResult 汇总一轮请求的执行结果。
type RunResult struct {
	Reply          string     `json:"reply"`
	State          State      `json:"state"`
	Complexity     Complexity `json:"complexity"`
	StepsCompleted int        `json:"steps_completed"`
	ToolsUsed      []string   `json:"tools_used"`
}

// run 保存单轮请求的全部可变状态。
type run struct {
	userMessage string
	state       State
	complexity  Complexity
	ceiling     int

	steps       int
	oracleCalls int
	hint        string
	notice      string
	synthesized bool
	sideEffects bool
	toolsUsed   []string
	calls       []oracle.ToolCall
}

// Run 处理一条用户消息，驱动状态机直到产生最终应答。
// 超时中断时随错误一并返回 StateFailed 的部分结果，
// 调用方据此保存已经积累的上下文。
func (o *Orchestrator) Run(ctx context.Context, userMessage string) (*RunResult, error) {
	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户消息不能为空")
	}

	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	complexity := classify(userMessage)
	r := &run{
		userMessage: userMessage,
		state:       StateInit,
		complexity:  complexity,
		ceiling:     o.ceilingFor(complexity),
	}

	o.memory.AppendTurn("user", userMessage)
	o.log.Debug("turn started",
		slog.String("session_id", o.memory.SessionID()),
		slog.String("complexity", string(complexity)),
		slog.Int("ceiling", r.ceiling),
	)

	for {
		if err := ctx.Err(); err != nil {
			r.state = StateFailed
			o.log.Warn("turn aborted",
				slog.String("session_id", o.memory.SessionID()),
				slog.Int("steps", r.steps),
			)
			return &RunResult{
				State:          StateFailed,
				Complexity:     r.complexity,
				StepsCompleted: r.steps,
				ToolsUsed:      r.toolsUsed,
			}, xerrors.Wrap(xerrors.CodeTimeout, err, "请求处理超时")
		}

		switch r.state {
		case StateInit:
			// 工作区脚手架由虚拟文件系统在首次访问时铺设。
			r.state = StateThinking

		case StateThinking:
			o.think(ctx, r)

		case StateActing:
			o.act(ctx, r)

		case StateSynthesizing:
			o.synthesize(ctx, r)

		case StateResponding:
			reply := o.respond(ctx, r)
			o.memory.AppendTurn("assistant", reply)
			r.state = StateDone
			o.log.Debug("turn finished",
				slog.String("session_id", o.memory.SessionID()),
				slog.Int("steps", r.steps),
			)
			return &RunResult{
				Reply:          reply,
				State:          StateDone,
				Complexity:     r.complexity,
				StepsCompleted: r.steps,
				ToolsUsed:      r.toolsUsed,
			}, nil

		default:
			return nil, xerrors.New(xerrors.CodeUnknown, "未知的编排状态: "+r.state.String())
		}
	}
}

// think 请求一次决策并按既定优先级转移状态。
func (o *Orchestrator) think(ctx context.Context, r *run) {
	// 步数预算是唯一的终止保证：耗尽后强制进入综合阶段。
	if r.steps >= r.ceiling {
		r.notice = appendNotice(r.notice, "step budget exhausted before the goal was confirmed")
		r.state = StateSynthesizing
		return
	}
	// 决策次数的护栏，防止引擎反复宣告完成又被质量门槛退回。
	r.oracleCalls++
	if r.oracleCalls > o.budgets.Hard+5 {
		r.notice = appendNotice(r.notice, "decision loop exceeded its allowance")
		r.state = StateSynthesizing
		return
	}

	decision, err := o.decideWithRetry(ctx, r)
	if err != nil {
		o.log.Warn("oracle decision failed, degrading to synthesis",
			slog.String("session_id", o.memory.SessionID()),
			slog.String("error", err.Error()),
		)
		r.notice = appendNotice(r.notice, "the reasoning engine was unavailable; this answer was assembled from collected results")
		r.state = StateSynthesizing
		return
	}
	r.hint = ""

	switch {
	case decision.GoalAchieved || decision.IsFinal:
		if r.steps == 0 || o.gatePasses(r) {
			r.state = StateResponding
			return
		}
		if o.researchUnsynthesized(r) || r.steps >= r.ceiling {
			r.state = StateSynthesizing
			return
		}
		r.hint = "the collected results are too thin to answer well; gather more concrete output before finishing"
		r.state = StateThinking

	case decision.NeedsTools && len(decision.ToolsToUse) > 0:
		r.calls = decision.ToolsToUse
		r.state = StateActing

	default:
		r.state = StateResponding
	}
}

// act 顺序执行一批工具调用。整批算作一步。
func (o *Orchestrator) act(ctx context.Context, r *run) {
	sessionID := o.memory.SessionID()

	for _, call := range r.calls {
		params, resolution := o.resolver.Enhance(r.userMessage, call.Name, call.Parameters)
		if resolution != nil && resolution.Ambiguous {
			r.hint = fmt.Sprintf("the reference %q matches %d entities; ask the user or narrow it down",
				resolution.Reference, resolution.Candidates)
		}

		if o.memory.History().CountSimilar(call.Name, params) >= o.repetitionThreshold {
			r.hint = "stop repeating " + call.Name + " with the same parameters; change approach or finish"
			if r.ceiling > r.steps+1 {
				r.ceiling = r.steps + 1
			}
			continue
		}

		adapter, ok := o.registry.Lookup(call.Name)
		if !ok {
			o.recordFailure(r, call.Name, params, "unknown tool: "+call.Name, 0)
			continue
		}
		if !adapter.Available(ctx, sessionID) {
			o.recordFailure(r, call.Name, params, "tool unavailable: "+call.Name, 0)
			continue
		}

		start := time.Now()
		result, err := adapter.Execute(ctx, sessionID, params)
		elapsed := time.Since(start)
		if err != nil {
			// 适配器故障不终止本轮，记录后交由下一次决策处理。
			o.recordFailure(r, call.Name, params, err.Error(), elapsed)
			continue
		}

		record := o.memory.RecordExecution(memory.ExecutionInput{
			ToolName:     call.Name,
			UserRequest:  r.userMessage,
			Parameters:   params,
			Result:       result.Data,
			Success:      result.Success,
			ErrorMessage: result.Error,
			Duration:     elapsed,
		})
		if result.Success && result.SideEffect {
			r.sideEffects = true
		}
		r.toolsUsed = appendUnique(r.toolsUsed, call.Name)
		o.noteExecution(sessionID, call.Name, record.Summary(), result.Data)
	}

	r.calls = nil
	r.steps++
	r.state = StateThinking
}

// synthesize 把工作区中的材料汇总成结论，写回工作区。
func (o *Orchestrator) synthesize(ctx context.Context, r *run) {
	text, err := o.composeWithRetry(ctx, oracle.ComposeRequest{
		UserMessage:      r.userMessage,
		Transcript:       o.transcript(),
		WorkspacePreview: o.fs.Preview(o.memory.SessionID(), o.previewChars),
		MemorySummary:    o.memory.ContextSummary(defaultRecentLimit),
		Synthesis:        true,
		DegradedNotice:   r.notice,
	})
	if err != nil {
		// 综合阶段不允许失败，退化为确定性摘要。
		text = o.memory.ContextSummary(defaultRecentLimit)
	}
	o.fs.Write(o.memory.SessionID(), "synthesis.txt", text)
	r.synthesized = true
	r.state = StateResponding
}

// respond 生成最终应答。失败时退化为基于工作区的保底应答。
func (o *Orchestrator) respond(ctx context.Context, r *run) string {
	reply, err := o.composeWithRetry(ctx, oracle.ComposeRequest{
		UserMessage:      r.userMessage,
		Transcript:       o.transcript(),
		WorkspacePreview: o.fs.Preview(o.memory.SessionID(), o.previewChars),
		MemorySummary:    o.memory.ContextSummary(defaultRecentLimit),
		DegradedNotice:   r.notice,
	})
	if err == nil && strings.TrimSpace(reply) != "" {
		return reply
	}

	o.log.Warn("oracle compose failed, falling back to workspace summary",
		slog.String("session_id", o.memory.SessionID()),
	)
	if synthesis, ok := o.fs.Read(o.memory.SessionID(), "synthesis.txt"); ok && strings.TrimSpace(synthesis) != "" {
		return synthesis
	}
	summary := o.memory.ContextSummary(defaultRecentLimit)
	if strings.TrimSpace(summary) == "" {
		return "I could not finish processing this request, please try again."
	}
	return "Here is what I gathered so far:\n" + summary
}

// decideWithRetry 调用决策引擎，失败时退避后重试一次。
func (o *Orchestrator) decideWithRetry(ctx context.Context, r *run) (*oracle.Decision, error) {
	req := oracle.Request{
		UserMessage:      r.userMessage,
		Transcript:       o.transcript(),
		WorkspacePreview: o.fs.Preview(o.memory.SessionID(), o.previewChars),
		MemorySummary:    o.memory.ContextSummary(defaultRecentLimit),
		History:          o.recentHistory(),
		AvailableTools:   o.describeTools(ctx),
		StepsCompleted:   r.steps,
		StepCeiling:      r.ceiling,
		Hint:             r.hint,
	}

	decision, err := o.oracleClient.Decide(ctx, req)
	if err == nil {
		return decision, nil
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return nil, xerrors.Wrap(xerrors.CodeOracleFailure, err, "决策请求被取消")
	}

	select {
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeOracleFailure, ctx.Err(), "决策重试前超时")
	case <-time.After(oracleRetryBackoff):
	}

	decision, err = o.oracleClient.Decide(ctx, req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOracleFailure, err, "决策引擎连续两次失败")
	}
	return decision, nil
}

// composeWithRetry 调用生成接口，失败时退避后重试一次。
func (o *Orchestrator) composeWithRetry(ctx context.Context, req oracle.ComposeRequest) (string, error) {
	text, err := o.oracleClient.Compose(ctx, req)
	if err == nil {
		return text, nil
	}
	select {
	case <-ctx.Done():
		return "", xerrors.Wrap(xerrors.CodeOracleFailure, ctx.Err(), "生成重试前超时")
	case <-time.After(oracleRetryBackoff):
	}
	return o.oracleClient.Compose(ctx, req)
}

// gatePasses 是确定性的质量门槛，不依赖模型判断。
// 要求工作区有实质内容、至少一次成功的工具执行、推理笔记非空。
// 已经成功落地过副作用（写文件、改计划）的动作型任务不再要求内容篇幅，
// 否则一次简单的写入会被门槛反复退回。
func (o *Orchestrator) gatePasses(r *run) bool {
	sessionID := o.memory.SessionID()
	if !r.sideEffects && o.fs.ContentLength(sessionID) < o.minContentChars {
		return false
	}
	if o.memory.History().SuccessCount() == 0 {
		return false
	}
	thoughts, ok := o.fs.Read(sessionID, "thoughts.txt")
	if !ok || strings.TrimSpace(strings.TrimPrefix(thoughts, "# Thoughts")) == "" {
		return false
	}
	return true
}

// researchUnsynthesized 检查是否有尚未汇总的研究材料。
func (o *Orchestrator) researchUnsynthesized(r *run) bool {
	if r.synthesized {
		return false
	}
	results, ok := o.fs.Read(o.memory.SessionID(), "web_search_results.txt")
	if !ok {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(results, "# Web Search Results")) != ""
}

func (o *Orchestrator) recordFailure(r *run, toolName string, params map[string]any, message string, elapsed time.Duration) {
	o.memory.RecordExecution(memory.ExecutionInput{
		ToolName:     toolName,
		UserRequest:  r.userMessage,
		Parameters:   params,
		Success:      false,
		ErrorMessage: message,
		Duration:     elapsed,
	})
	o.noteExecution(o.memory.SessionID(), toolName, "failed: "+message, nil)
}

// noteExecution 把执行结果留痕到工作区，搜索类结果单独归档。
// 结果载荷截断后一并写入，质量门槛以此衡量收集到的实质内容。
func (o *Orchestrator) noteExecution(sessionID, toolName, summary string, data map[string]any) {
	line := "- " + summary + "\n"
	if len(data) > 0 {
		if encoded, err := json.Marshal(data); err == nil {
			line += "  " + truncateRunes(string(encoded), noteDataChars) + "\n"
		}
	}
	if strings.Contains(toolName, "search") && !strings.Contains(toolName, "virtual_fs") {
		o.fs.Append(sessionID, "web_search_results.txt", line)
	}
	o.fs.Append(sessionID, "thoughts.txt", line)
}

func truncateRunes(text string, max int) string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

func (o *Orchestrator) transcript() []oracle.TranscriptEntry {
	turns := o.memory.Transcript()
	entries := make([]oracle.TranscriptEntry, 0, len(turns))
	for _, turn := range turns {
		entries = append(entries, oracle.TranscriptEntry{Role: turn.Role, Content: turn.Content})
	}
	return entries
}

func (o *Orchestrator) recentHistory() []oracle.HistoryEntry {
	records := o.memory.History().Recent(defaultRecentLimit, "", false)
	entries := make([]oracle.HistoryEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, oracle.HistoryEntry{
			ToolName: record.ToolName,
			Success:  record.Success,
			Summary:  record.Summary(),
		})
	}
	return entries
}

func (o *Orchestrator) describeTools(ctx context.Context) []oracle.ToolDescriptor {
	adapters := o.registry.Available(ctx, o.memory.SessionID())
	descriptors := make([]oracle.ToolDescriptor, 0, len(adapters))
	for _, adapter := range adapters {
		descriptors = append(descriptors, oracle.ToolDescriptor{
			Name:        adapter.Name(),
			Description: adapter.Description(),
		})
	}
	return descriptors
}

func (o *Orchestrator) ceilingFor(complexity Complexity) int {
	ceiling := o.budgets.Focused
	switch complexity {
	case ComplexitySimple:
		ceiling = o.budgets.Simple
	case ComplexityFocused:
		ceiling = o.budgets.Focused
	case ComplexityComplex:
		ceiling = o.budgets.Complex
	case ComplexityHard:
		ceiling = o.budgets.Hard
	}
	if ceiling > o.budgets.Hard {
		ceiling = o.budgets.Hard
	}
	return ceiling
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func appendNotice(existing, next string) string {
	if existing == "" {
		return next
	}
	if strings.Contains(existing, next) {
		return existing
	}
	return existing + "; " + next
}
