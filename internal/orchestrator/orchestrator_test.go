package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"OpenPA-Agent/internal/memory"
	"OpenPA-Agent/internal/oracle"
	"OpenPA-Agent/internal/tool"
)

type scriptedOracle struct {
	script      []*oracle.Decision
	decideErr   error
	idx         int
	requests    []oracle.Request
	composeReqs []oracle.ComposeRequest
	composeText string
	composeErr  error
}

func (s *scriptedOracle) Decide(ctx context.Context, req oracle.Request) (*oracle.Decision, error) {
	s.requests = append(s.requests, req)
	if s.decideErr != nil {
		return nil, s.decideErr
	}
	if len(s.script) == 0 {
		return &oracle.Decision{GoalAchieved: true, IsFinal: true}, nil
	}
	decision := s.script[s.idx]
	if s.idx < len(s.script)-1 {
		s.idx++
	}
	return decision, nil
}

func (s *scriptedOracle) Compose(ctx context.Context, req oracle.ComposeRequest) (string, error) {
	s.composeReqs = append(s.composeReqs, req)
	if s.composeErr != nil {
		return "", s.composeErr
	}
	if s.composeText == "" {
		return "final reply", nil
	}
	return s.composeText, nil
}

type testTool struct {
	name        string
	result      *tool.Result
	err         error
	unavailable bool
	calls       []map[string]any
}

func (tt *testTool) Name() string        { return tt.name }
func (tt *testTool) Description() string { return "test tool" }
func (tt *testTool) Available(ctx context.Context, sessionID string) bool {
	return !tt.unavailable
}
func (tt *testTool) Execute(ctx context.Context, sessionID string, params map[string]any) (*tool.Result, error) {
	tt.calls = append(tt.calls, params)
	if tt.err != nil {
		return nil, tt.err
	}
	if tt.result != nil {
		return tt.result, nil
	}
	return &tool.Result{Success: true, Data: map[string]any{"ok": true}}, nil
}

func newHarness(t *testing.T, stub *scriptedOracle, tools []tool.Adapter, opts ...Option) (*Orchestrator, *tool.VirtualFS, *memory.Memory) {
	t.Helper()
	registry := tool.NewRegistry()
	for _, adapter := range tools {
		if err := registry.Register(adapter); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	fs := tool.NewVirtualFS()
	mem := memory.NewMemory("s1")
	o, err := New(stub, registry, fs, mem, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, fs, mem
}

func TestRunDirectAnswerWithoutTools(t *testing.T) {
	stub := &scriptedOracle{composeText: "hello there"}
	o, _, mem := newHarness(t, stub, nil)

	result, err := o.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reply != "hello there" || result.State != StateDone {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.StepsCompleted != 0 || len(result.ToolsUsed) != 0 {
		t.Fatalf("no tools expected: %+v", result)
	}
	transcript := mem.Transcript()
	if len(transcript) != 2 || transcript[1].Role != "assistant" {
		t.Fatalf("transcript not updated: %v", transcript)
	}
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	o, _, _ := newHarness(t, &scriptedOracle{}, nil)
	if _, err := o.Run(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for empty message")
	}
}

func TestActingBatchCountsAsOneStep(t *testing.T) {
	calendar := &testTool{name: "calendar_search"}
	email := &testTool{name: "email_search"}
	stub := &scriptedOracle{script: []*oracle.Decision{
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{
			{Name: "calendar_search", Parameters: map[string]any{"q": "a"}},
			{Name: "email_search", Parameters: map[string]any{"q": "b"}},
		}},
		{GoalAchieved: true},
	}}
	o, _, _ := newHarness(t, stub, []tool.Adapter{calendar, email}, WithMinContentChars(1))

	result, err := o.Run(context.Background(), "find my dentist appointment")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StepsCompleted != 1 {
		t.Fatalf("a batch of tool calls must count as one step, got %d", result.StepsCompleted)
	}
	if len(calendar.calls) != 1 || len(email.calls) != 1 {
		t.Fatalf("both tools should run once: %d, %d", len(calendar.calls), len(email.calls))
	}
	if len(result.ToolsUsed) != 2 {
		t.Fatalf("tools used not tracked: %v", result.ToolsUsed)
	}
}

func TestBudgetExhaustionForcesSynthesis(t *testing.T) {
	noop := &testTool{name: "noop"}
	stub := &scriptedOracle{script: []*oracle.Decision{
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "noop", Parameters: map[string]any{"round": 1}}}},
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "noop", Parameters: map[string]any{"round": 2}}}},
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "noop", Parameters: map[string]any{"round": 3}}}},
	}}
	o, fs, _ := newHarness(t, stub, []tool.Adapter{noop},
		WithBudgets(Budgets{Simple: 2, Focused: 2, Complex: 2, Hard: 2}))

	result, err := o.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StepsCompleted != 2 {
		t.Fatalf("loop must stop at the ceiling, got %d steps", result.StepsCompleted)
	}
	if result.Reply == "" || result.State != StateDone {
		t.Fatalf("a reply must still be produced: %+v", result)
	}
	if synthesis, ok := fs.Read("s1", "synthesis.txt"); !ok || synthesis == "" {
		t.Fatalf("forced synthesis should leave a synthesis file")
	}
}

func TestRepetitionGuardStopsIdenticalCalls(t *testing.T) {
	loop := &testTool{name: "looper"}
	same := map[string]any{"query": "dentist"}
	stub := &scriptedOracle{script: []*oracle.Decision{
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "looper", Parameters: same}}},
	}}
	o, _, _ := newHarness(t, stub, []tool.Adapter{loop},
		WithBudgets(Budgets{Simple: 20, Focused: 20, Complex: 20, Hard: 20}),
		WithRepetitionThreshold(2))

	result, err := o.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(loop.calls) != 2 {
		t.Fatalf("guard should stop after %d identical executions, got %d", 2, len(loop.calls))
	}
	if result.State != StateDone {
		t.Fatalf("run must still finish: %+v", result)
	}
}

func TestToolFailureDoesNotAbortRun(t *testing.T) {
	broken := &testTool{name: "flaky", err: errors.New("backend down")}
	stub := &scriptedOracle{script: []*oracle.Decision{
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "flaky", Parameters: map[string]any{"q": "x"}}}},
		{IsFinal: true},
	}}
	o, _, mem := newHarness(t, stub, []tool.Adapter{broken})

	result, err := o.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("tool failure must not abort the run: %v", err)
	}
	if result.Reply == "" {
		t.Fatalf("reply expected despite tool failure")
	}
	records := mem.History().Recent(10, "flaky", false)
	if len(records) != 1 || records[0].Success {
		t.Fatalf("failure should be recorded in history: %v", records)
	}
}

func TestUnknownToolIsRecordedAsFailure(t *testing.T) {
	stub := &scriptedOracle{script: []*oracle.Decision{
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "no_such_tool"}}},
		{IsFinal: true},
	}}
	o, _, mem := newHarness(t, stub, nil)

	if _, err := o.Run(context.Background(), "hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	records := mem.History().Recent(10, "no_such_tool", false)
	if len(records) != 1 || records[0].Success {
		t.Fatalf("unknown tool should leave a failed record: %v", records)
	}
}

func TestOracleFailureDegradesToSynthesis(t *testing.T) {
	stub := &scriptedOracle{decideErr: errors.New("oracle down"), composeText: "best effort answer"}
	o, _, _ := newHarness(t, stub, nil)

	result, err := o.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reply != "best effort answer" {
		t.Fatalf("unexpected reply: %q", result.Reply)
	}
	// 决策失败会重试一次，共两次调用。
	if len(stub.requests) != 2 {
		t.Fatalf("expected one retry, got %d decide calls", len(stub.requests))
	}
	noticed := false
	for _, req := range stub.composeReqs {
		if strings.Contains(req.DegradedNotice, "unavailable") {
			noticed = true
		}
	}
	if !noticed {
		t.Fatalf("degraded notice should reach the compose request: %+v", stub.composeReqs)
	}
}

func TestQualityGateSendsThinAnswerBackToWork(t *testing.T) {
	thin := &testTool{name: "thin_tool"}
	rich := &testTool{name: "rich_tool", result: &tool.Result{
		Success: true,
		Data:    map[string]any{"documents": []any{map[string]any{"id": "d1", "name": strings.Repeat("quarterly report ", 20)}}},
	}}
	stub := &scriptedOracle{script: []*oracle.Decision{
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "thin_tool", Parameters: map[string]any{"q": "1"}}}},
		{GoalAchieved: true},
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "rich_tool", Parameters: map[string]any{"q": "2"}}}},
		{GoalAchieved: true},
	}}
	o, fs, _ := newHarness(t, stub, []tool.Adapter{thin, rich}, WithMinContentChars(200))

	result, err := o.Run(context.Background(), "find the report")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.StepsCompleted != 2 {
		t.Fatalf("gate failure should trigger more work, got %d steps", result.StepsCompleted)
	}
	// 第三次决策请求应携带质量门槛的提示。
	if len(stub.requests) < 3 || !strings.Contains(stub.requests[2].Hint, "too thin") {
		t.Fatalf("gate hint missing from decide request: %+v", stub.requests)
	}
	// 补足内容后工作区应足够厚实。
	if fs.ContentLength("s1") < 200 {
		t.Fatalf("rich tool output should have grown the workspace")
	}
}

func TestWorkspaceWriteSatisfiesGateAtDefaults(t *testing.T) {
	registry := tool.NewRegistry()
	fs := tool.NewVirtualFS()
	if err := registry.Register(tool.NewFSAdapter(fs)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	stub := &scriptedOracle{script: []*oracle.Decision{
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "virtual_fs", Parameters: map[string]any{
			"action":   "create",
			"filename": "plan.txt",
			"content":  "Trip planning.",
		}}}},
		{GoalAchieved: true},
	}}
	mem := memory.NewMemory("s1")
	// 不覆盖任何门槛参数：一次成功的写入必须在默认配置下直接过门。
	o, err := New(stub, registry, fs, mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := o.Run(context.Background(), "create a file plan.txt with my trip notes")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != StateDone || result.StepsCompleted != 1 {
		t.Fatalf("one write should complete the run: %+v", result)
	}
	if len(stub.requests) != 2 {
		t.Fatalf("run should finish in two decisions, got %d", len(stub.requests))
	}
	if content, ok := fs.Read("s1", "plan.txt"); !ok || !strings.Contains(content, "Trip planning.") {
		t.Fatalf("written file missing: %q", content)
	}
	if synthesis, ok := fs.Read("s1", "synthesis.txt"); ok && synthesis != "" {
		t.Fatalf("a direct finish must not pass through synthesis: %q", synthesis)
	}
}

func TestResearchResultsAreSynthesizedBeforeResponding(t *testing.T) {
	search := &testTool{name: "web_search", result: &tool.Result{
		Success: true,
		Data:    map[string]any{"results": []any{map[string]any{"id": "r1", "title": "useful page"}}},
	}}
	stub := &scriptedOracle{script: []*oracle.Decision{
		{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "web_search", Parameters: map[string]any{"q": "x"}}}},
		{GoalAchieved: true},
	}}
	o, fs, _ := newHarness(t, stub, []tool.Adapter{search}, WithMinContentChars(10_000))

	if _, err := o.Run(context.Background(), "hello"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if synthesis, ok := fs.Read("s1", "synthesis.txt"); !ok || synthesis == "" {
		t.Fatalf("unsynthesized research must pass through synthesis")
	}
}

func TestComposeFailureFallsBackToWorkspace(t *testing.T) {
	search := &testTool{name: "calendar_search", result: &tool.Result{
		Success: true,
		Data:    map[string]any{"events": []any{map[string]any{"id": "e1", "title": "Dentist"}}},
	}}
	stub := &scriptedOracle{
		script: []*oracle.Decision{
			{NeedsTools: true, ToolsToUse: []oracle.ToolCall{{Name: "calendar_search", Parameters: map[string]any{"q": "x"}}}},
			{GoalAchieved: true},
		},
		composeErr: errors.New("oracle down"),
	}
	o, _, _ := newHarness(t, stub, []tool.Adapter{search}, WithMinContentChars(1))

	result, err := o.Run(context.Background(), "find my dentist appointment")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reply == "" {
		t.Fatalf("fallback reply expected when compose fails")
	}
	if !strings.Contains(result.Reply, "Dentist") {
		t.Fatalf("fallback should surface gathered results: %q", result.Reply)
	}
}

func TestAbortedRunReportsFailedState(t *testing.T) {
	o, _, _ := newHarness(t, &scriptedOracle{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Run(ctx, "hello")
	if err == nil {
		t.Fatalf("expected an error for the aborted run")
	}
	if result == nil || result.State != StateFailed {
		t.Fatalf("aborted run should surface the failed state: %+v", result)
	}
}

func TestClassifyComplexity(t *testing.T) {
	cases := []struct {
		message string
		want    Complexity
	}{
		{"hello", ComplexitySimple},
		{"thanks!", ComplexitySimple},
		{"find my dentist appointment", ComplexityFocused},
		{"cancel the meeting and email Alice about it", ComplexityComplex},
		{"research the best option for our offsite and write a detailed report", ComplexityHard},
		{"plan a trip to Lisbon next month", ComplexityHard},
	}
	for _, tc := range cases {
		if got := classify(tc.message); got != tc.want {
			t.Fatalf("classify(%q) = %s, want %s", tc.message, got, tc.want)
		}
	}
}
