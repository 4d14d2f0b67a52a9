package memory

import (
	"context"
	"time"

	xerrors "OpenPA-Agent/internal/errors"
)

// SnapshotVersion 是当前快照格式的版本号。
const SnapshotVersion = 1

// ErrSnapshotNotFound 表示会话没有持久化快照。
var ErrSnapshotNotFound = xerrors.New(xerrors.CodeNotFound, "会话快照不存在")

// Snapshot 是工作记忆的持久化镜像。
type Snapshot struct {
	Version    int                    `json:"version"`
	SessionID  string                 `json:"session_id"`
	SavedAt    time.Time              `json:"saved_at"`
	Entities   []*Entity              `json:"entities"`
	History    []*ToolExecutionRecord `json:"history"`
	Transcript []ConversationTurn     `json:"transcript"`
}

// SnapshotStore 负责快照的读写。实现必须容忍并发调用。
type SnapshotStore interface {
	Save(ctx context.Context, snapshot *Snapshot) error
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
}

// Snapshot 导出当前记忆的完整镜像。
func (m *Memory) Snapshot() *Snapshot {
	return &Snapshot{
		Version:    SnapshotVersion,
		SessionID:  m.sessionID,
		SavedAt:    time.Now().UTC(),
		Entities:   m.entities.All(),
		History:    m.history.All(),
		Transcript: m.Transcript(),
	}
}

// RestoreMemory 从快照重建工作记忆。快照版本不兼容时返回错误。
func RestoreMemory(snapshot *Snapshot, opts ...Option) (*Memory, error) {
	if snapshot == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "快照不能为空")
	}
	if snapshot.Version != SnapshotVersion {
		return nil, xerrors.New(xerrors.CodeSnapshotCorrupt, "不支持的快照版本")
	}

	m := NewMemory(snapshot.SessionID, opts...)
	for _, entity := range snapshot.Entities {
		if entity == nil || entity.ID == "" || !IsValidEntityType(entity.Type) {
			return nil, xerrors.New(xerrors.CodeSnapshotCorrupt, "快照中存在非法实体")
		}
		m.entities.restore(entity)
	}
	for _, record := range snapshot.History {
		if record == nil || record.ID == "" {
			return nil, xerrors.New(xerrors.CodeSnapshotCorrupt, "快照中存在非法执行记录")
		}
		m.history.restore(record)
	}
	m.mu.Lock()
	m.transcript = append([]ConversationTurn(nil), snapshot.Transcript...)
	if over := len(m.transcript) - m.window; over > 0 {
		m.transcript = m.transcript[over:]
	}
	m.mu.Unlock()
	return m, nil
}
