package turn

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenPA-Agent/internal/errors"
	"OpenPA-Agent/internal/session"
)

type fakeExecutor struct {
	processed atomic.Int32
	failures  atomic.Int32
	failFirst int32
	failWith  error
	latency   time.Duration
}

func (f *fakeExecutor) HandleTurn(ctx context.Context, sessionID, message string) (*session.TurnResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failWith != nil && f.failures.Add(1) <= f.failFirst {
		return nil, f.failWith
	}
	f.processed.Add(1)
	return &session.TurnResult{SessionID: sessionID, Reply: "done: " + message, StepsCompleted: 1}, nil
}

func waitForStatus(t *testing.T, store Store, id string, want Status, timeout time.Duration) *Turn {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		turn, err := store.Get(context.Background(), id)
		if err == nil && turn.Status == want {
			return turn
		}
		time.Sleep(10 * time.Millisecond)
	}
	turn, _ := store.Get(context.Background(), id)
	t.Fatalf("turn %s never reached %s, last state: %+v", id, want, turn)
	return nil
}

func TestProcessorHandlesConcurrentTurns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		message := fmt.Sprintf("message-%d", i)
		if _, err := service.Submit(ctx, SubmitRequest{SessionID: "s1", Message: message}); err != nil {
			t.Fatalf("submit turn: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("turns not processed in time, completed %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	executor := &fakeExecutor{
		failFirst: 1,
		failWith:  xerrors.New(xerrors.CodeSessionBusy, "session already has an active run"),
	}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(2))

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{SessionID: "busy", Message: "hello"})
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}

	final := waitForStatus(t, store, submitted.ID, StatusSucceeded, 3*time.Second)
	if final.Attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", final.Attempts)
	}
	if final.Result == nil || final.Result.Reply == "" {
		t.Fatalf("expected outcome after retry, got %+v", final.Result)
	}
}

func TestProcessorMarksNonRetryableFailureTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	executor := &fakeExecutor{
		failFirst: 100,
		failWith:  xerrors.New(xerrors.CodeInvalidArgument, "empty user message"),
	}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(1))

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{SessionID: "s1", Message: "   x"})
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}

	final := waitForStatus(t, store, submitted.ID, StatusFailed, 3*time.Second)
	if final.Attempts != 1 {
		t.Fatalf("non-retryable failure should not retry, attempts=%d", final.Attempts)
	}
	if final.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected error code: %s", final.ErrorCode)
	}
}

type fallbackRecovery struct{}

func (fallbackRecovery) Recover(_ context.Context, t *Turn, cause error) (*Outcome, error) {
	return &Outcome{Reply: fmt.Sprintf("degraded for %s: %v", t.SessionID, cause)}, nil
}

func TestProcessorDegradedRecovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	executor := &fakeExecutor{
		failFirst: 100,
		failWith:  xerrors.New(xerrors.CodeInvalidArgument, "cannot handle this"),
	}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue,
		WithWorkerCount(1),
		WithRecoveryHandler(fallbackRecovery{}),
	)

	go func() { _ = processor.Start(ctx) }()

	submitted, err := service.Submit(ctx, SubmitRequest{SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}

	final := waitForStatus(t, store, submitted.ID, StatusSucceeded, 3*time.Second)
	if final.Result == nil || final.Result.Reply == "" {
		t.Fatalf("expected degraded outcome, got %+v", final.Result)
	}
}

func TestServiceSubmitIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	service := NewService(store, queue, 3)

	first, err := service.Submit(ctx, SubmitRequest{ID: "fixed", SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "fixed", SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected idempotent submit, got %s and %s", first.ID, second.ID)
	}

	if _, err := service.Submit(ctx, SubmitRequest{SessionID: "s1", Message: "   "}); err == nil {
		t.Fatalf("expected validation error for empty message")
	}
}
