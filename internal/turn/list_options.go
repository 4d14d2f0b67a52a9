package turn

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 描述 List 查询的过滤条件。
type ListOptions struct {
	Status    Status
	SessionID string
	Limit     int
	Offset    int
}

// ListOption 定义 List 的可选参数。
type ListOption func(*ListOptions)

// WithStatus 仅返回指定状态的轮次。
func WithStatus(status Status) ListOption {
	return func(o *ListOptions) {
		o.Status = status
	}
}

// WithSessionID 仅返回指定会话下的轮次。
func WithSessionID(sessionID string) ListOption {
	return func(o *ListOptions) {
		o.SessionID = sessionID
	}
}

// WithLimit 限制返回条数，最大 100。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) {
		o.Limit = limit
	}
}

// WithOffset 跳过前若干条记录。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) {
		o.Offset = offset
	}
}

// BuildListOptions 合并选项并填充默认值。
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}
