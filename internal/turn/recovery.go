package turn

import "context"

// RecoveryHandler 定义了轮次处理失败时的降级策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因生成降级回复。
	// 返回的 Outcome 将作为降级结果写入轮次；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, t *Turn, cause error) (*Outcome, error)
}
