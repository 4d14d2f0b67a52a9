package turn

import (
	xerrors "OpenPA-Agent/internal/errors"
)

// Status 表示异步轮次在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome 保存一次轮次处理的结果。
type Outcome struct {
	Reply          string   `json:"reply"`
	StepsCompleted int      `json:"steps_completed"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
}

// Turn 描述了排队处理的对话轮次。
type Turn struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"session_id"`
	Message    string   `json:"message"`
	Status     Status   `json:"status"`
	Attempts   int      `json:"attempts"`
	MaxRetries int      `json:"max_retries"`
	LastError  string   `json:"last_error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Result     *Outcome `json:"result,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

var (
	// ErrTurnNotFound 表示指定的轮次不存在。
	ErrTurnNotFound = xerrors.New(CodeTurnNotFound, "turn not found")
	// ErrTurnConflict 表示轮次在当前状态下无法进行所请求的操作。
	ErrTurnConflict = xerrors.New(CodeTurnConflict, "turn conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTurnCompleted 表示轮次已经成功完成。
	ErrTurnCompleted = xerrors.New(CodeTurnCompleted, "turn already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTurnExhausted 表示轮次的重试次数已经耗尽。
	ErrTurnExhausted = xerrors.New(CodeTurnExhausted, "turn retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTurnNotFound   xerrors.Code = "TURN_NOT_FOUND"
	CodeTurnConflict   xerrors.Code = "TURN_CONFLICT"
	CodeTurnCompleted  xerrors.Code = "TURN_COMPLETED"
	CodeTurnExhausted  xerrors.Code = "TURN_RETRIES_EXHAUSTED"
	CodeTurnValidation xerrors.Code = "TURN_VALIDATION_FAILED"
	CodeTurnPublish    xerrors.Code = "TURN_PUBLISH_FAILED"
	CodeTurnProcessing xerrors.Code = "TURN_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTurnNotFound, xerrors.Attributes{
		Message:   "turn not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTurnConflict, xerrors.Attributes{
		Message:   "turn conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTurnCompleted, xerrors.Attributes{
		Message:   "turn already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTurnExhausted, xerrors.Attributes{
		Message:   "turn retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTurnValidation, xerrors.Attributes{
		Message:   "turn validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTurnPublish, xerrors.Attributes{
		Message:   "failed to publish turn",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTurnProcessing, xerrors.Attributes{
		Message:   "turn processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的轮次状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTurn(t *Turn) *Turn {
	clone := *t
	if t.Result != nil {
		resultCopy := *t.Result
		if t.Result.ToolsUsed != nil {
			resultCopy.ToolsUsed = append([]string(nil), t.Result.ToolsUsed...)
		}
		clone.Result = &resultCopy
	}
	return &clone
}
