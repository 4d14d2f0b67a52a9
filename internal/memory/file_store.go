package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	xerrors "OpenPA-Agent/internal/errors"
)

// FileSnapshotStore 把每个会话的快照存成一个 JSON 文件。
type FileSnapshotStore struct {
	dir string
}

var _ SnapshotStore = (*FileSnapshotStore)(nil)

// NewFileSnapshotStore 创建基于目录的快照存储，目录不存在时会自动创建。
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "快照目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建快照目录失败")
	}
	return &FileSnapshotStore{dir: dir}, nil
}

// Save 先写临时文件再原子重命名，避免崩溃留下半截快照。
func (s *FileSnapshotStore) Save(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil || snapshot.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "快照缺少会话 ID")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化快照失败")
	}

	path := s.path(snapshot.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入快照文件失败")
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换快照文件失败")
	}
	return nil
}

// Load 读取会话快照，不存在时返回 ErrSnapshotNotFound。
func (s *FileSnapshotStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取快照文件失败")
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSnapshotCorrupt, err, "快照文件内容损坏")
	}
	return &snapshot, nil
}

// Delete 移除会话快照，不存在时视为成功。
func (s *FileSnapshotStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除快照文件失败")
	}
	return nil
}

func (s *FileSnapshotStore) path(sessionID string) string {
	// 会话 ID 由服务端生成（UUID），这里仍做一次保守清洗。
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
	return filepath.Join(s.dir, safe+".json")
}
