package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "OpenPA-Agent/internal/errors"
	"OpenPA-Agent/internal/memory"
	"OpenPA-Agent/internal/oracle"
	"OpenPA-Agent/internal/orchestrator"
	"OpenPA-Agent/internal/tool"
)

type stubOracle struct {
	reply   string
	blockCh chan struct{}
}

func (s *stubOracle) Decide(ctx context.Context, req oracle.Request) (*oracle.Decision, error) {
	if s.blockCh != nil {
		select {
		case <-s.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &oracle.Decision{GoalAchieved: true, IsFinal: true}, nil
}

func (s *stubOracle) Compose(ctx context.Context, req oracle.ComposeRequest) (string, error) {
	if s.reply == "" {
		return "ok", nil
	}
	return s.reply, nil
}

func testFactory(stub *stubOracle) Factory {
	return func(sessionID string, mem *memory.Memory) (*orchestrator.Orchestrator, error) {
		return orchestrator.New(stub, tool.NewRegistry(), tool.NewVirtualFS(), mem)
	}
}

type fakeSnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]*memory.Snapshot
	loadErr   error
	saveErr   error
	saves     int
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{snapshots: make(map[string]*memory.Snapshot)}
}

func (f *fakeSnapshotStore) Save(ctx context.Context, snapshot *memory.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.snapshots[snapshot.SessionID] = snapshot
	f.saves++
	return nil
}

func (f *fakeSnapshotStore) Load(ctx context.Context, sessionID string) (*memory.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	snapshot, ok := f.snapshots[sessionID]
	if !ok {
		return nil, memory.ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (f *fakeSnapshotStore) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, sessionID)
	return nil
}

func TestHandleTurnCreatesAndReusesSession(t *testing.T) {
	registry, err := NewRegistry(testFactory(&stubOracle{reply: "hi"}))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()

	first, err := registry.HandleTurn(ctx, "", "hello")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if first.SessionID == "" || first.Reply != "hi" {
		t.Fatalf("unexpected result: %+v", first)
	}

	second, err := registry.HandleTurn(ctx, first.SessionID, "hello again")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("session not reused: %s vs %s", second.SessionID, first.SessionID)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected a single live session, got %d", registry.Len())
	}
}

func TestHandleTurnSingleFlight(t *testing.T) {
	block := make(chan struct{})
	stub := &stubOracle{blockCh: block}
	registry, err := NewRegistry(testFactory(stub))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := registry.HandleTurn(ctx, "s1", "slow message")
		done <- err
	}()
	<-started
	// 等待第一条消息进入处理。
	time.Sleep(20 * time.Millisecond)

	_, err = registry.HandleTurn(ctx, "s1", "concurrent message")
	if err == nil {
		t.Fatalf("expected busy error for concurrent turn")
	}
	if xerrors.CodeOf(err) != xerrors.CodeSessionBusy {
		t.Fatalf("expected CodeSessionBusy, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first turn should finish cleanly: %v", err)
	}

	// 释放后会话可以继续处理。
	if _, err := registry.HandleTurn(ctx, "s1", "follow-up"); err != nil {
		t.Fatalf("session should be free again: %v", err)
	}
}

func TestEvictIdleSkipsBusySessions(t *testing.T) {
	block := make(chan struct{})
	stub := &stubOracle{blockCh: block}
	evicted := make(map[string]bool)
	registry, err := NewRegistry(testFactory(stub),
		WithIdleTimeout(time.Millisecond),
		WithEvictHook(func(sessionID string) { evicted[sessionID] = true }),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = registry.HandleTurn(ctx, "busy", "slow")
	}()
	time.Sleep(20 * time.Millisecond)

	// 忙碌会话不被回收。
	if n := registry.EvictIdle(time.Now().UTC().Add(time.Hour)); n != 0 {
		t.Fatalf("busy session must not be evicted, got %d", n)
	}

	close(block)
	<-done

	if n := registry.EvictIdle(time.Now().UTC().Add(time.Hour)); n != 1 {
		t.Fatalf("idle session should be evicted, got %d", n)
	}
	if !evicted["busy"] {
		t.Fatalf("evict hook not invoked")
	}
	if registry.Len() != 0 {
		t.Fatalf("session should be gone, len=%d", registry.Len())
	}
}

func TestSnapshotPersistAndRestore(t *testing.T) {
	store := newFakeSnapshotStore()
	registry, err := NewRegistry(testFactory(&stubOracle{}), WithSnapshotStore(store))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()

	result, err := registry.HandleTurn(ctx, "", "remember this")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if store.saves == 0 {
		t.Fatalf("snapshot should be saved after the turn")
	}

	// 新的注册表应从快照恢复对话记录。
	fresh, err := NewRegistry(testFactory(&stubOracle{}), WithSnapshotStore(store))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := fresh.HandleTurn(ctx, result.SessionID, "second turn"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	snapshot, err := store.Load(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snapshot.Transcript) != 4 {
		t.Fatalf("expected 4 transcript turns across restarts, got %d", len(snapshot.Transcript))
	}
}

// stallingOracle 先给出一次工具调用，此后阻塞到上下文超时。
type stallingOracle struct {
	calls int
}

func (s *stallingOracle) Decide(ctx context.Context, req oracle.Request) (*oracle.Decision, error) {
	s.calls++
	if s.calls == 1 {
		return &oracle.Decision{NeedsTools: true, ToolsToUse: []oracle.ToolCall{
			{Name: "note_taker", Parameters: map[string]any{"q": "dentist"}},
		}}, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stallingOracle) Compose(ctx context.Context, req oracle.ComposeRequest) (string, error) {
	return "ok", nil
}

type noteTool struct{}

func (noteTool) Name() string        { return "note_taker" }
func (noteTool) Description() string { return "records a note" }
func (noteTool) Available(ctx context.Context, sessionID string) bool {
	return true
}
func (noteTool) Execute(ctx context.Context, sessionID string, params map[string]any) (*tool.Result, error) {
	return &tool.Result{Success: true, Data: map[string]any{
		"events": []any{map[string]any{"id": "e1", "title": "Dentist"}},
	}}, nil
}

func TestAbortedTurnStillPersistsMemory(t *testing.T) {
	store := newFakeSnapshotStore()
	stub := &stallingOracle{}
	factory := func(sessionID string, mem *memory.Memory) (*orchestrator.Orchestrator, error) {
		reg := tool.NewRegistry()
		if err := reg.Register(noteTool{}); err != nil {
			return nil, err
		}
		return orchestrator.New(stub, reg, tool.NewVirtualFS(), mem,
			orchestrator.WithRunTimeout(30*time.Millisecond))
	}
	registry, err := NewRegistry(factory, WithSnapshotStore(store))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	_, err = registry.HandleTurn(context.Background(), "s1", "find my dentist appointment")
	if err == nil {
		t.Fatalf("expected the turn to abort on timeout")
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected CodeTimeout, got %v", err)
	}

	// 中断前积累的记录必须已经落盘。
	snapshot, err := store.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("aborted turn should still leave a snapshot: %v", err)
	}
	if len(snapshot.History) == 0 {
		t.Fatalf("execution records should survive the abort")
	}
	if len(snapshot.Transcript) == 0 {
		t.Fatalf("the user message should survive the abort")
	}
}

func TestCorruptSnapshotFailsSoft(t *testing.T) {
	store := newFakeSnapshotStore()
	store.loadErr = errors.New("corrupt blob")
	registry, err := NewRegistry(testFactory(&stubOracle{reply: "fresh start"}), WithSnapshotStore(store))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	result, err := registry.HandleTurn(context.Background(), "damaged", "hello")
	if err != nil {
		t.Fatalf("corrupt snapshot must not block the turn: %v", err)
	}
	if result.Reply != "fresh start" {
		t.Fatalf("unexpected reply: %q", result.Reply)
	}
}

func TestCloseSavesAllSessions(t *testing.T) {
	store := newFakeSnapshotStore()
	registry, err := NewRegistry(testFactory(&stubOracle{}), WithSnapshotStore(store))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ctx := context.Background()
	if _, err := registry.HandleTurn(ctx, "a", "message"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	saves := store.saves
	registry.Close(ctx)
	if store.saves <= saves {
		t.Fatalf("Close should persist live sessions")
	}
}
