package turn

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenPA-Agent/internal/errors"
	"OpenPA-Agent/pkg/logger"
)

// SubmitRequest 描述一次异步轮次的提交参数。
type SubmitRequest struct {
	// ID 可选。携带相同 ID 的重复提交是幂等的。
	ID        string
	SessionID string
	Message   string
}

// Service 负责轮次的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造轮次服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的轮次并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Turn, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, xerrors.New(CodeTurnValidation, "turn message is required")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "turn service is not initialized")
	}

	turnID := strings.TrimSpace(req.ID)
	if turnID != "" {
		existing, err := s.store.Get(ctx, turnID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTurnNotFound) {
			return nil, err
		}
	} else {
		turnID = uuid.NewString()
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	t := &Turn{
		ID:         turnID,
		SessionID:  sessionID,
		Message:    req.Message,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, t); err != nil {
		if stdErrors.Is(err, ErrTurnConflict) {
			existing, getErr := s.store.Get(ctx, turnID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTurnNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, turnID); err != nil {
		logger.L().Error("failed to enqueue turn", slog.Any("error", err), slog.String("turn_id", turnID))
		wrapped := xerrors.Wrap(CodeTurnPublish, err, "failed to publish turn to queue")
		_ = s.store.MarkFailed(ctx, turnID, CodeTurnPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("turn enqueued",
		slog.String("turn_id", turnID),
		slog.String("session_id", sessionID),
		slog.Int("max_retries", t.MaxRetries),
	)
	return t, nil
}

// Get 返回指定轮次的状态。
func (s *Service) Get(ctx context.Context, id string) (*Turn, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "turn store is not initialized")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的轮次列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Turn, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "turn store is not initialized")
	}
	return s.store.List(ctx, opts...)
}

// Stats 返回各状态的轮次统计。
func (s *Service) Stats(ctx context.Context) (map[Status]int, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "turn store is not initialized")
	}
	return s.store.Stats(ctx)
}

// WaitUntilCompleted 在指定超时时间内轮询轮次状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Turn, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status == StatusSucceeded || t.Status == StatusFailed {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
