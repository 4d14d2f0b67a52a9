package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenPA-Agent/internal/errors"
)

// RedisSnapshotStore 把会话快照存入 Redis，键按前缀隔离。
type RedisSnapshotStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ SnapshotStore = (*RedisSnapshotStore)(nil)

// NewRedisSnapshotStore 创建 Redis 快照存储。ttl 为零表示快照不过期。
func NewRedisSnapshotStore(client *redis.Client, keyPrefix string, ttl time.Duration) (*RedisSnapshotStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis 客户端不能为空")
	}
	if keyPrefix == "" {
		keyPrefix = "openpa:snapshot:"
	}
	return &RedisSnapshotStore{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

// Save 序列化并写入快照。
func (s *RedisSnapshotStore) Save(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil || snapshot.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "快照缺少会话 ID")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化快照失败")
	}
	if err := s.client.Set(ctx, s.key(snapshot.SessionID), data, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 redis 快照失败")
	}
	return nil
}

// Load 读取会话快照，键不存在时返回 ErrSnapshotNotFound。
func (s *RedisSnapshotStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSnapshotNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 redis 快照失败")
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSnapshotCorrupt, err, "redis 快照内容损坏")
	}
	return &snapshot, nil
}

// Delete 移除会话快照。
func (s *RedisSnapshotStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 redis 快照失败")
	}
	return nil
}

func (s *RedisSnapshotStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}
