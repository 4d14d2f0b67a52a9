package turn

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenPA-Agent/internal/errors"
	"OpenPA-Agent/internal/observability/alerting"
	"OpenPA-Agent/internal/observability/metrics"
	"OpenPA-Agent/internal/session"
	"OpenPA-Agent/pkg/logger"
)

// Executor 定义了处理器所需的会话执行能力。
type Executor interface {
	HandleTurn(ctx context.Context, sessionID, message string) (*session.TurnResult, error)
}

// Processor 负责从队列消费轮次并交给会话注册表执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败降级策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动轮次处理循环。阻塞直到上下文取消或消费者失败。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "turn consumer is not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, turnID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "turn processor is not initialized")
	}
	t, err := p.store.Claim(ctx, turnID)
	if err != nil {
		if stdErrors.Is(err, ErrTurnNotFound) || stdErrors.Is(err, ErrTurnCompleted) || stdErrors.Is(err, ErrTurnExhausted) {
			p.logDebug("skipping turn", slog.String("turn_id", turnID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("failed to claim turn", slog.Any("error", err), slog.String("turn_id", turnID))
		p.emitAlert(ctx, &Turn{ID: turnID}, CodeTurnProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.HandleTurn(ctx, t.SessionID, t.Message)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, t, execErr)
	}

	var outcome Outcome
	if result != nil {
		outcome = Outcome{
			Reply:          result.Reply,
			StepsCompleted: result.StepsCompleted,
			ToolsUsed:      append([]string(nil), result.ToolsUsed...),
		}
	}
	if err := p.store.MarkSucceeded(ctx, t.ID, &outcome); err != nil {
		logger.L().Error("failed to record turn success", slog.Any("error", err), slog.String("turn_id", t.ID))
		if storeErr := p.store.MarkFailed(ctx, t.ID, CodeTurnProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("failed to roll turn back to pending", slog.Any("error", storeErr), slog.String("turn_id", t.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, t.ID); pubErr != nil {
			return xerrors.Wrap(CodeTurnPublish, pubErr, fmt.Sprintf("failed to republish turn %s", t.ID))
		}
		logger.Audit().Warn("turn requeued after success bookkeeping failure",
			slog.String("turn_id", t.ID),
			slog.String("session_id", t.SessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	metrics.ObserveTurn("succeeded", outcome.StepsCompleted)
	logger.Audit().Info("turn processed",
		slog.String("turn_id", t.ID),
		slog.String("session_id", t.SessionID),
		slog.Int("steps_completed", outcome.StepsCompleted),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, t *Turn, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTurnProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := t.Attempts >= t.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, t, execErr); recErr != nil {
			logger.L().Error("turn recovery failed",
				slog.Any("error", recErr),
				slog.String("turn_id", t.ID))
			p.emitAlert(ctx, t, code, recErr, "recover")
		} else if fallback != nil {
			if fallback.Reply == "" {
				fallback.Reply = fmt.Sprintf("I could not finish this request: %v", execErr)
			}
			if err := p.store.MarkSucceeded(ctx, t.ID, fallback); err != nil {
				logger.L().Error("failed to record degraded outcome", slog.Any("error", err), slog.String("turn_id", t.ID))
				if storeErr := p.store.MarkFailed(ctx, t.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("failed to roll turn back after degraded outcome", slog.Any("error", storeErr), slog.String("turn_id", t.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, t.ID); pubErr != nil {
					return xerrors.Wrap(CodeTurnPublish, pubErr, fmt.Sprintf("failed to republish turn %s after degraded outcome", t.ID))
				}
				return nil
			}
			metrics.ObserveTurn("degraded", fallback.StepsCompleted)
			logger.Audit().Warn("turn completed via degraded path",
				slog.String("turn_id", t.ID),
				slog.String("session_id", t.SessionID),
			)
			p.emitAlert(ctx, t, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, t.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("failed to record turn failure", slog.Any("error", storeErr), slog.String("turn_id", t.ID))
		return storeErr
	}
	logger.Audit().Warn("turn failed",
		slog.String("turn_id", t.ID),
		slog.String("session_id", t.SessionID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", t.Attempts),
		slog.Int("max_retries", t.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		metrics.ObserveTurn("failed", 0)
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, t, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, t.ID); pubErr != nil {
			return xerrors.Wrap(CodeTurnPublish, pubErr, fmt.Sprintf("failed to republish turn %s", t.ID))
		}
		p.logDebug("turn requeued", slog.String("turn_id", t.ID), slog.Int("attempts", t.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, t *Turn, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || t == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		SessionID:  t.SessionID,
		TurnID:     t.ID,
		Attempts:   t.Attempts,
		MaxRetries: t.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert dispatch failed",
			slog.Any("error", err),
			slog.String("turn_id", t.ID),
			slog.String("stage", stage),
		)
	}
}
