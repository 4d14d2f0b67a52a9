package tool

import (
	"context"
	"sort"
	"sync"

	xerrors "OpenPA-Agent/internal/errors"
)

// Result 是一次工具执行的统一结果。
// Success 为假时 Error 给出原因；Data 的结构由各工具约定。
type Result struct {
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	SideEffect bool           `json:"side_effect,omitempty"`
}

// Adapter 是外部能力接入编排器的统一门面。
// Execute 返回的 error 表示适配器本身的故障；业务层面的失败
// 通过 Result.Success 表达，两者由编排器分别处理。
type Adapter interface {
	Name() string
	Description() string
	Available(ctx context.Context, sessionID string) bool
	Execute(ctx context.Context, sessionID string, params map[string]any) (*Result, error)
}

// Registry 保存已注册的工具适配器。
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register 注册一个适配器，重名时返回冲突错误。
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil || adapter.Name() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "适配器或其名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapter.Name()]; exists {
		return xerrors.New(xerrors.CodeConflict, "工具已注册: "+adapter.Name())
	}
	r.adapters[adapter.Name()] = adapter
	return nil
}

// Lookup 按名称返回适配器。
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	return adapter, ok
}

// Available 返回当前会话可用的适配器，按名称排序。
func (r *Registry) Available(ctx context.Context, sessionID string) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var available []Adapter
	for _, adapter := range r.adapters {
		if adapter.Available(ctx, sessionID) {
			available = append(available, adapter)
		}
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].Name() < available[j].Name()
	})
	return available
}
