package turn

import (
	"context"

	xerrors "OpenPA-Agent/internal/errors"
)

// Store 定义轮次持久化层的统一接口。
type Store interface {
	// Create 持久化一个新的轮次，ID 冲突时返回 ErrTurnConflict。
	Create(ctx context.Context, t *Turn) error
	// Get 按 ID 返回轮次，不存在时返回 ErrTurnNotFound。
	Get(ctx context.Context, id string) (*Turn, error)
	// Claim 将 pending 状态的轮次标记为 running 并增加尝试次数。
	// 状态不允许认领时返回 ErrTurnConflict，已完成时返回 ErrTurnCompleted。
	Claim(ctx context.Context, id string) (*Turn, error)
	// MarkSucceeded 记录轮次成功及其结果。
	MarkSucceeded(ctx context.Context, id string, result *Outcome) error
	// MarkFailed 记录一次失败。terminal 为 true 时轮次进入 failed 终态，
	// 否则回到 pending 等待重试。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// List 按过滤条件返回轮次列表。
	List(ctx context.Context, opts ...ListOption) ([]*Turn, error)
	// Stats 返回各状态的轮次数量。
	Stats(ctx context.Context) (map[Status]int, error)
	// Close 释放底层资源。
	Close() error
}
