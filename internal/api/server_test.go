package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenPA-Agent/internal/memory"
	"OpenPA-Agent/internal/oracle"
	"OpenPA-Agent/internal/orchestrator"
	"OpenPA-Agent/internal/session"
	"OpenPA-Agent/internal/tool"
	"OpenPA-Agent/internal/turn"
)

type directOracle struct{}

func (directOracle) Decide(context.Context, oracle.Request) (*oracle.Decision, error) {
	return &oracle.Decision{Reasoning: "answer directly", GoalAchieved: true, IsFinal: true}, nil
}

func (directOracle) Compose(_ context.Context, req oracle.ComposeRequest) (string, error) {
	return "you said: " + req.UserMessage, nil
}

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	fs := tool.NewVirtualFS()
	registry, err := session.NewRegistry(func(sessionID string, mem *memory.Memory) (*orchestrator.Orchestrator, error) {
		tools := tool.NewRegistry()
		if err := tools.Register(tool.NewFSAdapter(fs)); err != nil {
			return nil, err
		}
		return orchestrator.New(directOracle{}, tools, fs, mem)
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry
}

func TestHandleChat(t *testing.T) {
	store := turn.NewMemoryStore()
	server := NewServer(":0", newTestRegistry(t), turn.NewService(store, turn.NewMemoryQueue(8), 3))

	body := strings.NewReader(`{"session_id":"s1","message":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", body)
	rec := httptest.NewRecorder()

	server.handleChat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var result session.TurnResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Reply == "" || !strings.Contains(result.Reply, "hello") {
		t.Fatalf("unexpected reply: %q", result.Reply)
	}
	if result.SessionID != "s1" {
		t.Fatalf("unexpected session id: %q", result.SessionID)
	}
}

func TestHandleChatRejectsEmptyMessage(t *testing.T) {
	store := turn.NewMemoryStore()
	server := NewServer(":0", newTestRegistry(t), turn.NewService(store, turn.NewMemoryQueue(8), 3))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"session_id":"s1","message":"  "}`))
	rec := httptest.NewRecorder()

	server.handleChat(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleTurnsSubmitAndGet(t *testing.T) {
	store := turn.NewMemoryStore()
	server := NewServer(":0", newTestRegistry(t), turn.NewService(store, turn.NewMemoryQueue(8), 3))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", strings.NewReader(`{"session_id":"s1","message":"plan my week"}`))
	rec := httptest.NewRecorder()
	server.handleTurns(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d, body %s", rec.Code, rec.Body.String())
	}
	var submitted turn.Turn
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if submitted.ID == "" || submitted.Status != turn.StatusPending {
		t.Fatalf("unexpected submitted turn: %+v", submitted)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/turns/"+submitted.ID, nil)
	getRec := httptest.NewRecorder()
	server.handleTurnByID(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("unexpected detail status: %d", getRec.Code)
	}
	var fetched turn.Turn
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if fetched.ID != submitted.ID || fetched.Message != "plan my week" {
		t.Fatalf("unexpected fetched turn: %+v", fetched)
	}
}

func TestHandleTurnByIDErrors(t *testing.T) {
	store := turn.NewMemoryStore()
	server := NewServer(":0", newTestRegistry(t), turn.NewService(store, turn.NewMemoryQueue(8), 3))

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/turns/t-1", nil)
		rec := httptest.NewRecorder()
		server.handleTurnByID(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/turns/", nil)
		rec := httptest.NewRecorder()
		server.handleTurnByID(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/turns/missing", nil)
		rec := httptest.NewRecorder()
		server.handleTurnByID(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleTurnsListFilters(t *testing.T) {
	store := turn.NewMemoryStore()
	server := NewServer(":0", newTestRegistry(t), turn.NewService(store, turn.NewMemoryQueue(8), 3))

	ctx := context.Background()
	turns := []*turn.Turn{
		{ID: "t1", SessionID: "s1", Message: "m1", MaxRetries: 3},
		{ID: "t2", SessionID: "s2", Message: "m2", MaxRetries: 3},
	}
	for _, item := range turns {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create turn %s: %v", item.ID, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/turns?session_id=s1", nil)
	rec := httptest.NewRecorder()
	server.handleTurns(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var listed []*turn.Turn
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "t1" {
		t.Fatalf("unexpected list result: %+v", listed)
	}

	badReq := httptest.NewRequest(http.MethodGet, "/api/v1/turns?status=bogus", nil)
	badRec := httptest.NewRecorder()
	server.handleTurns(badRec, badReq)
	if badRec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d for bad filter, got %d", http.StatusBadRequest, badRec.Code)
	}
}
