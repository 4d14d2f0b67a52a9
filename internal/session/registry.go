package session

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenPA-Agent/internal/errors"
	"OpenPA-Agent/internal/memory"
	"OpenPA-Agent/internal/orchestrator"
	"OpenPA-Agent/pkg/logger"
)

const defaultIdleTimeout = 30 * time.Minute

// Factory 为新会话构建编排器。每个会话得到独立的实例。
type Factory func(sessionID string, mem *memory.Memory) (*orchestrator.Orchestrator, error)

// TurnResult 是一轮对话的处理结果。
type TurnResult struct {
	SessionID      string   `json:"session_id"`
	Reply          string   `json:"reply"`
	StepsCompleted int      `json:"steps_completed"`
	ToolsUsed      []string `json:"tools_used"`
}

type session struct {
	id       string
	mem      *memory.Memory
	orch     *orchestrator.Orchestrator
	busy     bool
	lastUsed time.Time
}

// Registry 管理会话与其编排器/记忆对的生命周期。
// 同一会话同一时刻只处理一条消息，空闲会话定期回收。
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session

	factory     Factory
	snapshots   memory.SnapshotStore
	memOpts     []memory.Option
	idleTimeout time.Duration
	onEvict     func(sessionID string)
	log         *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option 定义可选的注册表配置。
type Option func(*Registry)

// WithIdleTimeout 设置会话的空闲回收时间。
func WithIdleTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.idleTimeout = timeout
		}
	}
}

// WithSnapshotStore 启用会话记忆的快照持久化。
func WithSnapshotStore(store memory.SnapshotStore) Option {
	return func(r *Registry) { r.snapshots = store }
}

// WithMemoryOptions 设置新建记忆时使用的参数。
func WithMemoryOptions(opts ...memory.Option) Option {
	return func(r *Registry) { r.memOpts = opts }
}

// WithEvictHook 注册会话回收时的回调，用于清理工作区等外部状态。
func WithEvictHook(hook func(sessionID string)) Option {
	return func(r *Registry) { r.onEvict = hook }
}

// WithLogger 替换默认日志器。
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry 创建会话注册表。
func NewRegistry(factory Factory, opts ...Option) (*Registry, error) {
	if factory == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供编排器工厂")
	}
	r := &Registry{
		sessions:    make(map[string]*session),
		factory:     factory,
		idleTimeout: defaultIdleTimeout,
		log:         logger.L(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// HandleTurn 处理一条用户消息。sessionID 为空时开启新会话。
// 同一会话的并发请求会得到 CodeSessionBusy 错误，由调用方重试。
func (r *Registry) HandleTurn(ctx context.Context, sessionID, message string) (*TurnResult, error) {
	sess, err := r.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer r.release(sess)

	result, err := sess.orch.Run(ctx, message)
	if err != nil {
		// 中断的请求也要落盘，保留已积累的实体与执行记录供重试续用。
		// 请求上下文此时可能已经过期，改用后台上下文保存。
		r.persist(context.Background(), sess)
		return nil, err
	}

	r.persist(ctx, sess)

	return &TurnResult{
		SessionID:      sess.id,
		Reply:          result.Reply,
		StepsCompleted: result.StepsCompleted,
		ToolsUsed:      result.ToolsUsed,
	}, nil
}

// acquire 返回独占的会话，必要时新建并尝试恢复快照。
func (r *Registry) acquire(ctx context.Context, sessionID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, ok := r.sessions[sessionID]
	if !ok {
		mem := r.loadMemory(ctx, sessionID)
		orch, err := r.factory(sessionID, mem)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构建会话编排器失败")
		}
		sess = &session{id: sessionID, mem: mem, orch: orch}
		r.sessions[sessionID] = sess
	}

	if sess.busy {
		return nil, xerrors.New(xerrors.CodeSessionBusy, "会话正在处理另一条消息")
	}
	sess.busy = true
	sess.lastUsed = time.Now().UTC()
	return sess, nil
}

func (r *Registry) release(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess.busy = false
	sess.lastUsed = time.Now().UTC()
}

// loadMemory 尝试从快照恢复记忆。快照缺失或损坏都退回空记忆，
// 损坏只记日志，不让历史数据问题挡住当前请求。
func (r *Registry) loadMemory(ctx context.Context, sessionID string) *memory.Memory {
	if r.snapshots == nil {
		return memory.NewMemory(sessionID, r.memOpts...)
	}

	snapshot, err := r.snapshots.Load(ctx, sessionID)
	if err != nil {
		if !stdErrors.Is(err, memory.ErrSnapshotNotFound) {
			r.log.Warn("session snapshot unreadable, starting fresh",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
		return memory.NewMemory(sessionID, r.memOpts...)
	}

	mem, err := memory.RestoreMemory(snapshot, r.memOpts...)
	if err != nil {
		r.log.Warn("session snapshot corrupt, starting fresh",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return memory.NewMemory(sessionID, r.memOpts...)
	}
	return mem
}

// persist 尽力保存快照，失败只记日志。
func (r *Registry) persist(ctx context.Context, sess *session) {
	if r.snapshots == nil {
		return
	}
	if err := r.snapshots.Save(ctx, sess.mem.Snapshot()); err != nil {
		r.log.Warn("session snapshot save failed",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()),
		)
	}
}

// EvictIdle 回收空闲超时的会话，返回回收数量。忙碌会话不回收。
func (r *Registry) EvictIdle(now time.Time) int {
	r.mu.Lock()
	var evicted []*session
	for id, sess := range r.sessions {
		if sess.busy {
			continue
		}
		if now.Sub(sess.lastUsed) >= r.idleTimeout {
			evicted = append(evicted, sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, sess := range evicted {
		r.persist(context.Background(), sess)
		sess.mem.ExpireEntities(now)
		if r.onEvict != nil {
			r.onEvict(sess.id)
		}
		r.log.Info("idle session evicted", slog.String("session_id", sess.id))
	}
	return len(evicted)
}

// StartCleanup 启动后台清理循环，按固定间隔回收空闲会话
// 并清理存活会话中过期的实体。
func (r *Registry) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case now := <-ticker.C:
				r.EvictIdle(now.UTC())
				r.expireEntities(now.UTC())
			}
		}
	}()
}

func (r *Registry) expireEntities(now time.Time) {
	r.mu.Lock()
	members := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if !sess.busy {
			members = append(members, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range members {
		sess.mem.ExpireEntities(now)
	}
}

// Len 返回当前存活的会话数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close 停止后台清理并保存全部会话快照。
func (r *Registry) Close(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	members := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		members = append(members, sess)
	}
	r.mu.Unlock()

	for _, sess := range members {
		r.persist(ctx, sess)
	}
}
